package rabbitmq

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fxsml/replynode/event"
	amqp "github.com/rabbitmq/amqp091-go"
)

func TestToEvent(t *testing.T) {
	t.Run("rpc request", func(t *testing.T) {
		ev := ToEvent(amqp.Delivery{
			RoutingKey:    "replynode",
			ReplyTo:       "amq.rabbitmq.reply-to",
			CorrelationId: "c-1",
			Headers:       amqp.Table{HeaderInput: "request"},
			Body:          []byte(`{"name":"telepathy"}`),
		}, nil, nil)

		if ev.ID != "request" {
			t.Errorf("expected id request, got %s", ev.ID)
		}
		m, err := DecodeMetadata(ev.Metadata)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if m.ReplyTo != "amq.rabbitmq.reply-to" || m.CorrelationID != "c-1" {
			t.Errorf("unexpected metadata %+v", m)
		}
	})

	t.Run("no reply-to means no metadata", func(t *testing.T) {
		ev := ToEvent(amqp.Delivery{RoutingKey: "replynode", Type: "request", Body: []byte(`{}`)}, nil, nil)
		if ev.Metadata.Present() {
			t.Error("expected absent metadata")
		}
		if ev.ID != "request" {
			t.Errorf("expected id from type, got %s", ev.ID)
		}
	})
}

func TestFromOutput(t *testing.T) {
	t.Run("replies to reply-to", func(t *testing.T) {
		md := Metadata{ReplyTo: "client-q", CorrelationID: "c-2"}.Encode()
		key, pub, err := FromOutput(&event.Output{Channel: "reply", Value: []string{"body"}, Metadata: md})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if key != "client-q" || pub.CorrelationId != "c-2" || string(pub.Body) != "body" || pub.Type != "reply" {
			t.Errorf("unexpected publishing key=%s %+v", key, pub)
		}
	})

	t.Run("foreign metadata rejected", func(t *testing.T) {
		if _, _, err := FromOutput(&event.Output{Metadata: event.Metadata("abc")}); err == nil {
			t.Error("expected error")
		}
		if _, _, err := FromOutput(&event.Output{Metadata: event.Metadata(`{}`)}); err == nil {
			t.Error("expected error for missing reply_to")
		}
	})
}

func TestNode_NotConnected(t *testing.T) {
	n := NewNode(Config{Queue: "q"})
	if _, err := n.Events(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := n.Send(context.Background(), &event.Output{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("expected ErrNotConnected, got %v", err)
	}
	if err := n.Close(); err != nil {
		t.Errorf("unexpected close error: %v", err)
	}
}

type nackCall struct {
	tag     uint64
	requeue bool
}

// recorder is an amqp.Acknowledger that records nacks.
type recorder struct {
	mu    sync.Mutex
	nacks []nackCall
	err   error
	done  chan struct{}
}

func newRecorder(err error) *recorder {
	return &recorder{err: err, done: make(chan struct{}, 1)}
}

func (r *recorder) Ack(uint64, bool) error    { return nil }
func (r *recorder) Reject(uint64, bool) error { return nil }

func (r *recorder) Nack(tag uint64, _ bool, requeue bool) error {
	r.mu.Lock()
	r.nacks = append(r.nacks, nackCall{tag: tag, requeue: requeue})
	r.mu.Unlock()
	r.done <- struct{}{}
	return r.err
}

func (r *recorder) wait(t *testing.T) nackCall {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for nack")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.nacks[len(r.nacks)-1]
}

func TestNode_Nack(t *testing.T) {
	delivery := func(ack amqp.Acknowledger, redelivered bool) amqp.Delivery {
		return amqp.Delivery{
			Acknowledger: ack,
			DeliveryTag:  7,
			Redelivered:  redelivered,
			ReplyTo:      "amq.rabbitmq.reply-to",
			Body:         []byte(`{"name":"telepathy"}`),
		}
	}

	t.Run("first delivery requeued after delay", func(t *testing.T) {
		n := NewNode(Config{RetryDelay: 50 * time.Millisecond, Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})
		rec := newRecorder(nil)

		start := time.Now()
		n.toEvent(delivery(rec, false)).Nack(errors.New("publish failed"))
		call := rec.wait(t)
		if !call.requeue || call.tag != 7 {
			t.Errorf("expected requeue of tag 7, got %+v", call)
		}
		if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
			t.Errorf("expected requeue after delay, got %v", elapsed)
		}
	})

	t.Run("redelivery rejected", func(t *testing.T) {
		n := NewNode(Config{RetryDelay: time.Hour, Logger: slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))})
		rec := newRecorder(nil)

		n.toEvent(delivery(rec, true)).Nack(errors.New("publish failed"))
		if call := rec.wait(t); call.requeue {
			t.Errorf("expected reject without requeue, got %+v", call)
		}
	})

	t.Run("nack error logged", func(t *testing.T) {
		var logBuf bytes.Buffer
		n := NewNode(Config{Logger: slog.New(slog.NewTextHandler(&logBuf, nil))})
		rec := newRecorder(errors.New("channel closed"))

		n.toEvent(delivery(rec, true)).Nack(errors.New("publish failed"))
		rec.wait(t)
		if !strings.Contains(logBuf.String(), "Failed to nack message") {
			t.Errorf("expected nack failure logged, got: %s", logBuf.String())
		}
	})
}
