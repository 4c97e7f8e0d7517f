// Package cloudevents serves replynode over CloudEvents HTTP.
//
// Inbound CloudEvents become INPUT events: the subject (or the type when the
// subject is empty) is the input id, the data is the request payload, and the
// "correlationid" extension is the correlation metadata. Replies are sent as
// CloudEvents of type "replynode.reply" whose subject is the output channel,
// carrying the same "correlationid" extension.
package cloudevents

import (
	"fmt"
	"time"

	ce "github.com/cloudevents/sdk-go/v2"
	"github.com/fxsml/replynode/event"
	"github.com/google/uuid"
)

const (
	// ExtCorrelationID is the extension attribute holding the metadata.
	ExtCorrelationID = "correlationid"

	// TypeReply is the CloudEvent type of replies.
	TypeReply = "replynode.reply"

	// DefaultSource is the CloudEvent source of replies.
	DefaultSource = "replynode"
)

// ToEvent converts a CloudEvent into an INPUT event.
func ToEvent(e *ce.Event, ack func(), nack func(error)) *event.Event {
	id := e.Subject()
	if id == "" {
		id = e.Type()
	}

	var value []string
	if data := e.Data(); len(data) > 0 {
		value = []string{string(data)}
	}

	var md event.Metadata
	if v, ok := e.Extensions()[ExtCorrelationID]; ok {
		md = event.Metadata(fmt.Sprint(v))
	}
	return event.NewWithAcking(event.TypeInput, id, value, md, ack, nack)
}

// FromOutput converts an output into a reply CloudEvent.
func FromOutput(out *event.Output, source string) (ce.Event, error) {
	e := ce.NewEvent()
	e.SetID(uuid.NewString())
	e.SetSource(source)
	e.SetType(TypeReply)
	e.SetSubject(out.Channel)
	e.SetTime(time.Now())
	if out.Metadata.Present() {
		e.SetExtension(ExtCorrelationID, out.Metadata.String())
	}
	if len(out.Value) > 0 {
		if err := e.SetData(ce.ApplicationJSON, []byte(out.Value[0])); err != nil {
			return e, fmt.Errorf("setting data: %w", err)
		}
	}
	if err := e.Validate(); err != nil {
		return e, fmt.Errorf("invalid reply event: %w", err)
	}
	return e, nil
}
