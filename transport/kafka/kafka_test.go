package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/fxsml/replynode/event"
	"github.com/segmentio/kafka-go"
)

func TestToEvent(t *testing.T) {
	t.Run("metadata and input headers", func(t *testing.T) {
		var acked bool
		ev := ToEvent(kafka.Message{
			Topic: "requests",
			Value: []byte(`{"name":"counter_increment"}`),
			Headers: []kafka.Header{
				{Key: "metadata", Value: []byte("abc")},
				{Key: HeaderInput, Value: []byte("request")},
			},
		}, DefaultMetadataHeader, func() { acked = true }, func(error) {})

		if ev.ID != "request" {
			t.Errorf("expected id request, got %s", ev.ID)
		}
		if ev.Metadata.String() != "abc" {
			t.Errorf("expected metadata abc, got %q", ev.Metadata)
		}
		if v, _ := ev.First(); v != `{"name":"counter_increment"}` {
			t.Errorf("unexpected value %q", v)
		}
		ev.Ack()
		if !acked {
			t.Error("expected ack callback")
		}
	})

	t.Run("no metadata header", func(t *testing.T) {
		ev := ToEvent(kafka.Message{Topic: "requests", Value: []byte(`{}`)}, DefaultMetadataHeader, nil, nil)
		if ev.Metadata.Present() {
			t.Error("expected absent metadata")
		}
		if ev.ID != "requests" {
			t.Errorf("expected topic as id, got %s", ev.ID)
		}
	})

	t.Run("custom metadata header", func(t *testing.T) {
		ev := ToEvent(kafka.Message{
			Headers: []kafka.Header{{Key: "correlation", Value: []byte("c1")}},
		}, "correlation", nil, nil)
		if ev.Metadata.String() != "c1" {
			t.Errorf("expected c1, got %q", ev.Metadata)
		}
	})
}

func TestFromOutput(t *testing.T) {
	msg := FromOutput(&event.Output{
		Channel:  "reply",
		Value:    []string{`{"content":[]}`},
		Metadata: event.Metadata("abc"),
	}, DefaultMetadataHeader)

	if string(msg.Value) != `{"content":[]}` {
		t.Errorf("unexpected value %s", msg.Value)
	}
	if string(msg.Key) != "abc" {
		t.Errorf("expected key abc, got %s", msg.Key)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers[DefaultMetadataHeader] != "abc" || headers[HeaderChannel] != "reply" {
		t.Errorf("unexpected headers %v", headers)
	}
}

func TestNode_Validation(t *testing.T) {
	n := NewNode(Config{})
	if _, err := n.Events(context.Background()); err == nil {
		t.Error("expected error without brokers and topic")
	}
	if err := n.Send(context.Background(), &event.Output{}); !errors.Is(err, ErrNoReplyTopic) {
		t.Errorf("expected ErrNoReplyTopic, got %v", err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{}.applyDefaults()
	if c.MetadataHeader != DefaultMetadataHeader || c.StartOffset != kafka.LastOffset || c.Logger == nil {
		t.Errorf("unexpected defaults %+v", c)
	}
}

func TestCommitHold(t *testing.T) {
	h := newCommitHold()
	if !h.allow(0, 5) {
		t.Error("expected commit allowed before any nack")
	}

	h.nack(0, 7)
	tests := []struct {
		partition int
		offset    int64
		want      bool
	}{
		{0, 6, true},
		{0, 7, false},
		{0, 8, false},
		{1, 8, true},
	}
	for _, tt := range tests {
		if got := h.allow(tt.partition, tt.offset); got != tt.want {
			t.Errorf("allow(%d, %d): expected %v, got %v", tt.partition, tt.offset, tt.want, got)
		}
	}

	h.nack(0, 9)
	if h.allow(0, 8) {
		t.Error("expected lowest nacked offset kept")
	}
	h.nack(0, 3)
	if h.allow(0, 4) {
		t.Error("expected lower nacked offset to take over")
	}
}
