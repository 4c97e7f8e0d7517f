package dispatch

import (
	"encoding/json"
	"fmt"
)

// ArgLocation is the argument key read by location-aware commands.
const ArgLocation = "location"

// Arguments holds the arguments of a command request.
type Arguments map[string]any

// String returns the string argument for key, or "" if it is absent or not
// a string.
func (a Arguments) String(key string) string {
	s, _ := a[key].(string)
	return s
}

// Location returns the "location" argument, defaulting to "".
func (a Arguments) Location() string {
	return a.String(ArgLocation)
}

// Request is a command request decoded from an input payload.
// Missing fields decode to their zero values.
type Request struct {
	Name      string    `json:"name"`
	Arguments Arguments `json:"arguments,omitempty"`
}

// DecodeRequest parses a JSON payload into a Request.
// Syntax errors and type mismatches wrap ErrMalformedPayload.
func DecodeRequest(payload string) (Request, error) {
	var req Request
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	return req, nil
}

// ContentTypeText is the content type of text reply items.
const ContentTypeText = "text"

// Content is one item of a Reply.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Reply is the result of a command call.
type Reply struct {
	Content []Content `json:"content"`
}

// TextReply creates a reply with a single text item.
func TextReply(text string) Reply {
	return Reply{Content: []Content{{Type: ContentTypeText, Text: text}}}
}

// Text returns the text of the first text item, or "".
func (r Reply) Text() string {
	for _, c := range r.Content {
		if c.Type == ContentTypeText {
			return c.Text
		}
	}
	return ""
}

// DecodeReply parses a JSON reply.
func DecodeReply(data string) (Reply, error) {
	var r Reply
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return Reply{}, fmt.Errorf("dispatch: decode reply: %w", err)
	}
	return r, nil
}

// Encode returns the JSON encoding of the reply.
func (r Reply) Encode() (string, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("dispatch: encode reply: %w", err)
	}
	return string(b), nil
}
