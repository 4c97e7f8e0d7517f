// Package event defines the dataflow event model exchanged between a node
// and the runtime that hosts it.
//
// An [Event] is one unit delivered by the runtime: a type tag, the input id
// it arrived on, zero or more text values and an optional correlation
// [Metadata] token. An [Output] is one unit handed back to the runtime on a
// named channel. Runtimes are reached through a [Source] and a [Sink]; the
// transport subpackages of this module provide implementations.
package event

import (
	"context"
	"errors"
)

// Type tags an inbound event.
type Type string

const (
	// TypeInput carries data on one of the node's inputs.
	TypeInput Type = "INPUT"
	// TypeStop asks the node to shut down.
	TypeStop Type = "STOP"
	// TypeInputClosed reports that an upstream input will send no more data.
	TypeInputClosed Type = "INPUT_CLOSED"
	// TypeError reports a runtime-side failure.
	TypeError Type = "ERROR"
)

// TypeOutput tags outbound events on the wire.
const TypeOutput Type = "OUTPUT"

// ErrSinkClosed is returned when sending to a closed sink.
var ErrSinkClosed = errors.New("event: sink closed")

// Metadata is an opaque correlation token attached to a request.
// A nil Metadata means the event carries no token and expects no reply.
// Transports define the encoding; the dispatcher only copies it.
type Metadata []byte

// Present reports whether the token is set.
func (m Metadata) Present() bool {
	return m != nil
}

// String returns the token as text for logging.
func (m Metadata) String() string {
	return string(m)
}

// Event is an inbound dataflow event.
// Value and Metadata are public for direct access.
// Ack/Nack operations are mutually exclusive and idempotent.
type Event struct {
	Type     Type
	ID       string
	Value    []string
	Metadata Metadata

	a *acking
}

// New creates an event without acknowledgment callbacks.
func New(typ Type, id string, value []string, md Metadata) *Event {
	return &Event{
		Type:     typ,
		ID:       id,
		Value:    value,
		Metadata: md,
	}
}

// NewInput creates an INPUT event.
func NewInput(id string, value []string, md Metadata) *Event {
	return New(TypeInput, id, value, md)
}

// NewWithAcking creates an event with acknowledgment callbacks.
// Both ack and nack must be non-nil for acking to take effect.
func NewWithAcking(typ Type, id string, value []string, md Metadata, ack func(), nack func(error)) *Event {
	ev := New(typ, id, value, md)
	if ack != nil && nack != nil {
		ev.a = &acking{ack: ack, nack: nack}
	}
	return ev
}

// First returns Value[0] and whether it exists.
func (e *Event) First() (string, bool) {
	if len(e.Value) == 0 {
		return "", false
	}
	return e.Value[0], true
}

// Output is an outbound dataflow event sent on a named channel.
type Output struct {
	Channel  string
	Value    []string
	Metadata Metadata
}

// Source produces inbound events. The returned channel is closed when the
// upstream ends or ctx is canceled.
type Source interface {
	Events(ctx context.Context) (<-chan *Event, error)
}

// Sink delivers outbound events to the runtime.
type Sink interface {
	Send(ctx context.Context, out *Output) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, out *Output) error

// Send calls f(ctx, out).
func (f SinkFunc) Send(ctx context.Context, out *Output) error {
	return f(ctx, out)
}
