// Package redis serves replynode over Redis Streams.
//
// Requests are read from Stream through a consumer group. Each entry carries
// the fields "id", "value" and "metadata"; entries without "metadata" are
// never answered. Replies are appended to ReplyStream with the fields
// "channel", "value" and "metadata". Acked entries are XACKed. Nacked
// entries stay pending and are read back from the consumer's pending list
// after RetryDelay. Pending entries left by a previous run of the same
// consumer are delivered again on start.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxsml/replynode/event"
	"github.com/redis/go-redis/v9"
)

// Stream entry field names.
const (
	FieldID       = "id"
	FieldValue    = "value"
	FieldMetadata = "metadata"
	FieldChannel  = "channel"
)

// ErrNoReplyStream is returned by Send when no reply stream is configured.
var ErrNoReplyStream = errors.New("redis: no reply stream")

// Config configures the Redis node.
type Config struct {
	// Addr is the Redis server address.
	// Default is "localhost:6379".
	Addr string

	// Password for AUTH, optional.
	Password string

	// DB selects the database.
	DB int

	// Stream is the request stream.
	Stream string

	// Group is the consumer group. It is created with MKSTREAM if missing.
	// Default is "replynode".
	Group string

	// Consumer names this consumer within the group.
	// Default is "replynode".
	Consumer string

	// StartID is the group start position when the group is created.
	// Default is "$" (only new entries).
	StartID string

	// ReplyStream is the stream replies are appended to.
	ReplyStream string

	// Count is the maximum number of entries per read.
	// Default is 10.
	Count int64

	// Block is how long a read waits for new entries.
	// Default is 1 second.
	Block time.Duration

	// RetryDelay is how long a nacked entry waits before it is read back
	// from the pending list.
	// Default is 1 second.
	RetryDelay time.Duration

	// BufferSize is the channel buffer size.
	// Default is 256.
	BufferSize int

	// Logger for operational logging.
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.Group == "" {
		c.Group = "replynode"
	}
	if c.Consumer == "" {
		c.Consumer = "replynode"
	}
	if c.StartID == "" {
		c.StartID = "$"
	}
	if c.Count <= 0 {
		c.Count = 10
	}
	if c.Block <= 0 {
		c.Block = time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Node reads requests with XREADGROUP and appends replies with XADD.
type Node struct {
	config Config
	client *redis.Client

	// inflight holds entry ids delivered and not yet acked or nacked.
	inflight sync.Map
	retry    atomic.Bool
}

// NewNode creates a new Redis node. No connection is made until use.
func NewNode(config Config) *Node {
	config = config.applyDefaults()
	return &Node{
		config: config,
		client: redis.NewClient(&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,
		}),
	}
}

// Events ensures the consumer group exists and starts reading.
// The channel closes when ctx is canceled.
func (n *Node) Events(ctx context.Context) (<-chan *event.Event, error) {
	if n.config.Stream == "" {
		return nil, errors.New("redis: stream is required")
	}
	err := n.client.XGroupCreateMkStream(ctx, n.config.Stream, n.config.Group, n.config.StartID).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	n.config.Logger.Info("Redis subscription started",
		"stream", n.config.Stream,
		"group", n.config.Group,
		"consumer", n.config.Consumer,
	)

	out := make(chan *event.Event, n.config.BufferSize)
	go func() {
		defer close(out)

		// "0" walks this consumer's pending list, ">" reads new entries.
		cursor := "0"
		for {
			if ctx.Err() != nil {
				n.config.Logger.Debug("Context canceled, closing subscription")
				return
			}
			if cursor == ">" && n.retry.Swap(false) {
				cursor = "0"
			}
			streams, err := n.client.XReadGroup(ctx, &redis.XReadGroupArgs{
				Group:    n.config.Group,
				Consumer: n.config.Consumer,
				Streams:  []string{n.config.Stream, cursor},
				Count:    n.config.Count,
				Block:    n.config.Block,
			}).Result()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					cursor = ">"
					continue
				}
				if ctx.Err() != nil {
					n.config.Logger.Debug("Context canceled, closing subscription")
					return
				}
				n.config.Logger.Error("Failed to read stream", "error", err)
				select {
				case <-time.After(n.config.Block):
				case <-ctx.Done():
				}
				continue
			}

			pending := cursor != ">"
			read := 0
			for _, s := range streams {
				for _, msg := range s.Messages {
					read++
					if pending {
						cursor = msg.ID
					}
					if _, busy := n.inflight.LoadOrStore(msg.ID, struct{}{}); busy {
						continue
					}
					if pending {
						n.config.Logger.Info("Redelivering pending entry", "entry", msg.ID)
					}
					select {
					case out <- n.toEvent(msg):
					case <-ctx.Done():
						return
					}
				}
			}
			if pending && read == 0 {
				cursor = ">"
			}
		}
	}()
	return out, nil
}

func (n *Node) toEvent(msg redis.XMessage) *event.Event {
	entryID := msg.ID
	ack := func() {
		defer n.inflight.Delete(entryID)
		// The read context may already be gone when the dispatcher acks.
		err := n.client.XAck(context.Background(), n.config.Stream, n.config.Group, entryID).Err()
		if err != nil {
			n.config.Logger.Error("Failed to ack entry", "entry", entryID, "error", err)
		}
	}
	nack := func(err error) {
		n.config.Logger.Warn("Entry nacked, left pending",
			"entry", entryID,
			"retry_in", n.config.RetryDelay,
			"error", err,
		)
		n.inflight.Delete(entryID)
		time.AfterFunc(n.config.RetryDelay, func() { n.retry.Store(true) })
	}
	return ToEvent(n.config.Stream, msg, ack, nack)
}

// Send appends the reply to the reply stream.
func (n *Node) Send(ctx context.Context, out *event.Output) error {
	if n.config.ReplyStream == "" {
		return ErrNoReplyStream
	}
	err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.config.ReplyStream,
		Values: FromOutput(out),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append to %s: %w", n.config.ReplyStream, err)
	}
	return nil
}

// Close closes the client.
func (n *Node) Close() error {
	return n.client.Close()
}

// ToEvent converts a stream entry into an INPUT event.
// The input id defaults to the stream name.
func ToEvent(stream string, msg redis.XMessage, ack func(), nack func(error)) *event.Event {
	id := stream
	if v, ok := field(msg.Values, FieldID); ok && v != "" {
		id = v
	}
	var value []string
	if v, ok := field(msg.Values, FieldValue); ok {
		value = []string{v}
	}
	var md event.Metadata
	if v, ok := field(msg.Values, FieldMetadata); ok {
		md = event.Metadata(v)
	}
	return event.NewWithAcking(event.TypeInput, id, value, md, ack, nack)
}

// FromOutput returns the stream entry fields for an output.
func FromOutput(out *event.Output) map[string]any {
	values := map[string]any{
		FieldChannel:  out.Channel,
		FieldMetadata: out.Metadata.String(),
	}
	if len(out.Value) > 0 {
		values[FieldValue] = out.Value[0]
	}
	return values
}

func field(values map[string]any, key string) (string, bool) {
	v, ok := values[key]
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return fmt.Sprint(v), true
	}
}

var (
	_ event.Source = (*Node)(nil)
	_ event.Sink   = (*Node)(nil)
)
