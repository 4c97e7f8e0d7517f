package redis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fxsml/replynode/dispatch"
	"github.com/fxsml/replynode/event"
	"github.com/fxsml/replynode/tools"
	"github.com/redis/go-redis/v9"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return s, client
}

func xadd(t *testing.T, client *redis.Client, stream string, values map[string]any) {
	t.Helper()
	if err := client.XAdd(context.Background(), &redis.XAddArgs{Stream: stream, Values: values}).Err(); err != nil {
		t.Fatalf("XAdd failed: %v", err)
	}
}

func receive(t *testing.T, ch <-chan *event.Event) *event.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func TestToEvent(t *testing.T) {
	t.Run("all fields", func(t *testing.T) {
		ev := ToEvent("requests", redis.XMessage{ID: "1-0", Values: map[string]any{
			FieldID:       "request",
			FieldValue:    `{"name":"telepathy"}`,
			FieldMetadata: "abc",
		}}, nil, nil)
		if ev.ID != "request" || ev.Metadata.String() != "abc" {
			t.Errorf("unexpected event %+v", ev)
		}
		if v, _ := ev.First(); v != `{"name":"telepathy"}` {
			t.Errorf("unexpected value %q", v)
		}
	})

	t.Run("defaults", func(t *testing.T) {
		ev := ToEvent("requests", redis.XMessage{ID: "1-0", Values: map[string]any{}}, nil, nil)
		if ev.ID != "requests" {
			t.Errorf("expected stream as id, got %s", ev.ID)
		}
		if ev.Metadata.Present() {
			t.Error("expected absent metadata")
		}
		if _, ok := ev.First(); ok {
			t.Error("expected no value")
		}
	})
}

func TestNode_Events(t *testing.T) {
	s, client := setup(t)
	xadd(t, client, "requests", map[string]any{FieldValue: `{"name":"counter_reset"}`, FieldMetadata: "m1"})
	xadd(t, client, "requests", map[string]any{FieldValue: `{"name":"counter_reset"}`})

	n := NewNode(Config{
		Addr:    s.Addr(),
		Stream:  "requests",
		StartID: "0",
		Block:   50 * time.Millisecond,
		Logger:  discard(),
	})
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := n.Events(ctx)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}

	first := receive(t, events)
	second := receive(t, events)
	if first.Metadata.String() != "m1" {
		t.Errorf("expected metadata m1, got %q", first.Metadata)
	}
	if second.Metadata.Present() {
		t.Error("expected absent metadata on second entry")
	}

	first.Ack()
	pending, err := client.XPending(context.Background(), "requests", "replynode").Result()
	if err != nil {
		t.Fatalf("XPending failed: %v", err)
	}
	if pending.Count != 1 {
		t.Errorf("expected 1 pending entry, got %d", pending.Count)
	}

	t.Run("existing group is reused", func(t *testing.T) {
		if _, err := n.Events(ctx); err != nil {
			t.Errorf("expected no error, got %v", err)
		}
	})
}

func TestNode_Redelivery(t *testing.T) {
	s, client := setup(t)
	xadd(t, client, "requests", map[string]any{FieldValue: `{"name":"telepathy"}`, FieldMetadata: "m1"})

	config := Config{
		Addr:       s.Addr(),
		Stream:     "requests",
		StartID:    "0",
		Block:      20 * time.Millisecond,
		RetryDelay: 20 * time.Millisecond,
		Logger:     discard(),
	}

	t.Run("nacked entry is read back", func(t *testing.T) {
		n := NewNode(config)
		defer n.Close()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events, err := n.Events(ctx)
		if err != nil {
			t.Fatalf("Events failed: %v", err)
		}
		first := receive(t, events)
		first.Nack(errors.New("sink down"))

		again := receive(t, events)
		if again.Metadata.String() != "m1" {
			t.Errorf("expected redelivered m1, got %q", again.Metadata)
		}
		// Left unacked for the restart below.
	})

	t.Run("pending entry is delivered after restart", func(t *testing.T) {
		n := NewNode(config)
		defer n.Close()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events, err := n.Events(ctx)
		if err != nil {
			t.Fatalf("Events failed: %v", err)
		}
		ev := receive(t, events)
		if ev.Metadata.String() != "m1" {
			t.Errorf("expected pending m1, got %q", ev.Metadata)
		}
		ev.Ack()

		pending, err := client.XPending(context.Background(), "requests", "replynode").Result()
		if err != nil {
			t.Fatalf("XPending failed: %v", err)
		}
		if pending.Count != 0 {
			t.Errorf("expected no pending entries, got %d", pending.Count)
		}
	})

	t.Run("in-flight entry is not duplicated", func(t *testing.T) {
		xadd(t, client, "requests", map[string]any{FieldValue: `{"name":"telepathy"}`, FieldMetadata: "m2"})
		xadd(t, client, "requests", map[string]any{FieldValue: `{"name":"telepathy"}`, FieldMetadata: "m3"})

		n := NewNode(config)
		defer n.Close()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		events, err := n.Events(ctx)
		if err != nil {
			t.Fatalf("Events failed: %v", err)
		}
		held := receive(t, events)
		nacked := receive(t, events)
		nacked.Nack(errors.New("sink down"))

		again := receive(t, events)
		if again.Metadata.String() != nacked.Metadata.String() {
			t.Errorf("expected redelivered %q, got %q", nacked.Metadata, again.Metadata)
		}
		again.Ack()
		held.Ack()

		select {
		case ev := <-events:
			t.Errorf("unexpected event %q", ev.Metadata)
		case <-time.After(100 * time.Millisecond):
		}
	})
}

func TestNode_Send(t *testing.T) {
	s, client := setup(t)

	t.Run("appends reply", func(t *testing.T) {
		n := NewNode(Config{Addr: s.Addr(), ReplyStream: "replies", Logger: discard()})
		defer n.Close()

		err := n.Send(context.Background(), &event.Output{
			Channel:  "reply",
			Value:    []string{`{"content":[]}`},
			Metadata: event.Metadata("abc"),
		})
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}

		msgs, err := client.XRange(context.Background(), "replies", "-", "+").Result()
		if err != nil {
			t.Fatalf("XRange failed: %v", err)
		}
		if len(msgs) != 1 {
			t.Fatalf("expected 1 reply, got %d", len(msgs))
		}
		v := msgs[0].Values
		if v[FieldChannel] != "reply" || v[FieldValue] != `{"content":[]}` || v[FieldMetadata] != "abc" {
			t.Errorf("unexpected reply fields %v", v)
		}
	})

	t.Run("no reply stream", func(t *testing.T) {
		n := NewNode(Config{Addr: s.Addr()})
		defer n.Close()
		if err := n.Send(context.Background(), &event.Output{}); !errors.Is(err, ErrNoReplyStream) {
			t.Errorf("expected ErrNoReplyStream, got %v", err)
		}
	})
}

func TestNode_Dispatch(t *testing.T) {
	s, client := setup(t)
	xadd(t, client, "requests", map[string]any{
		FieldID:       "request",
		FieldValue:    `{"name":"tallest_building","arguments":{"location":"Paris"}}`,
		FieldMetadata: "m1",
	})
	xadd(t, client, "requests", map[string]any{FieldValue: `{"name":"nonexistent_cmd"}`, FieldMetadata: "m2"})
	xadd(t, client, "requests", map[string]any{FieldValue: `{"name":"counter_decrement"}`, FieldMetadata: "m3"})

	n := NewNode(Config{
		Addr:        s.Addr(),
		Stream:      "requests",
		StartID:     "0",
		ReplyStream: "replies",
		Block:       50 * time.Millisecond,
		Logger:      discard(),
	})
	defer n.Close()

	table, _ := dispatch.NewTable()
	if err := tools.Register(table); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	d := dispatch.New(table, dispatch.Config{Logger: discard()})

	ctx, cancel := context.WithCancel(context.Background())
	events, err := n.Events(ctx)
	if err != nil {
		t.Fatalf("Events failed: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, events, n) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		count, err := client.XLen(context.Background(), "replies").Result()
		if err == nil && count == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for replies, got %d", count)
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	msgs, err := client.XRange(context.Background(), "replies", "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if msgs[0].Values[FieldMetadata] != "m1" || msgs[1].Values[FieldMetadata] != "m3" {
		t.Errorf("unexpected reply order %v", msgs)
	}
	reply, err := dispatch.DecodeReply(msgs[0].Values[FieldValue].(string))
	if err != nil {
		t.Fatalf("DecodeReply failed: %v", err)
	}
	if reply.Text() != "tallest building in Paris is aaaaaa" {
		t.Errorf("unexpected reply %q", reply.Text())
	}

	pending, err := client.XPending(context.Background(), "requests", "replynode").Result()
	if err != nil {
		t.Fatalf("XPending failed: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("expected all entries acked, got %d pending", pending.Count)
	}
}
