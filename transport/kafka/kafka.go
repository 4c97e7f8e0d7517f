// Package kafka serves replynode over Kafka topics.
//
// Requests are read from Topic by a consumer group. Correlation metadata
// travels in a message header (default "metadata"); requests without that
// header are never answered. Replies are written to ReplyTopic carrying the
// same header, keyed by the metadata so they land on a stable partition.
//
// Offsets are committed when the dispatcher acks an event. Once an event is
// nacked, its partition stops committing at or past that offset, so the
// group resumes from the nacked message after a restart or rebalance.
// Messages processed after it on the same partition are delivered again.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxsml/replynode/event"
	"github.com/segmentio/kafka-go"
)

// Header names used on the wire.
const (
	DefaultMetadataHeader = "metadata"
	HeaderInput           = "input"
	HeaderChannel         = "channel"
)

// ErrNoReplyTopic is returned by Send when no reply topic is configured.
var ErrNoReplyTopic = errors.New("kafka: no reply topic")

// Config configures the Kafka node.
type Config struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string

	// Topic is the request topic.
	Topic string

	// ReplyTopic is the topic replies are written to.
	ReplyTopic string

	// ConsumerGroup is the consumer group ID.
	ConsumerGroup string

	// MetadataHeader names the header holding correlation metadata.
	// Default is "metadata".
	MetadataHeader string

	// BufferSize is the channel buffer size for received messages.
	// Default is 256.
	BufferSize int

	// StartOffset controls where to start reading when no committed offset exists.
	// Use kafka.FirstOffset (-2) or kafka.LastOffset (-1).
	// Default is kafka.LastOffset (only new messages).
	StartOffset int64

	// MaxWait is the maximum time to wait for new messages.
	// Default is 1 second.
	MaxWait time.Duration

	// Logger for operational logging.
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.MetadataHeader == "" {
		c.MetadataHeader = DefaultMetadataHeader
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.StartOffset == 0 {
		c.StartOffset = kafka.LastOffset
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Node reads requests with a kafka.Reader and writes replies with a kafka.Writer.
type Node struct {
	config Config

	mu     sync.Mutex
	reader *kafka.Reader
	writer *kafka.Writer
}

// NewNode creates a new Kafka node.
func NewNode(config Config) *Node {
	config = config.applyDefaults()
	n := &Node{config: config}
	if config.ReplyTopic != "" {
		n.writer = &kafka.Writer{
			Addr:         kafka.TCP(config.Brokers...),
			Topic:        config.ReplyTopic,
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
		}
	}
	return n
}

// Events starts the consumer and returns the event channel.
// The channel closes when ctx is canceled.
func (n *Node) Events(ctx context.Context) (<-chan *event.Event, error) {
	if len(n.config.Brokers) == 0 || n.config.Topic == "" {
		return nil, errors.New("kafka: brokers and topic are required")
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     n.config.Brokers,
		GroupID:     n.config.ConsumerGroup,
		Topic:       n.config.Topic,
		StartOffset: n.config.StartOffset,
		MaxWait:     n.config.MaxWait,
	})

	n.mu.Lock()
	n.reader = reader
	n.mu.Unlock()

	n.config.Logger.Info("Kafka subscription started",
		"topic", n.config.Topic,
		"group", n.config.ConsumerGroup,
		"brokers", n.config.Brokers,
	)

	held := newCommitHold()
	out := make(chan *event.Event, n.config.BufferSize)
	go func() {
		defer close(out)

		for {
			kafkaMsg, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					n.config.Logger.Debug("Context canceled, closing subscription")
					return
				}
				n.config.Logger.Error("Failed to fetch message", "error", err)
				continue
			}

			msgCopy := kafkaMsg
			ack := func() {
				if n.config.ConsumerGroup == "" {
					return
				}
				if !held.allow(msgCopy.Partition, msgCopy.Offset) {
					n.config.Logger.Debug("Commit held behind nacked offset",
						"partition", msgCopy.Partition,
						"offset", msgCopy.Offset,
					)
					return
				}
				if err := reader.CommitMessages(ctx, msgCopy); err != nil {
					n.config.Logger.Error("Failed to commit offset",
						"topic", msgCopy.Topic,
						"partition", msgCopy.Partition,
						"offset", msgCopy.Offset,
						"error", err,
					)
				}
			}
			nack := func(err error) {
				held.nack(msgCopy.Partition, msgCopy.Offset)
				n.config.Logger.Warn("Message nacked, commits held on partition",
					"topic", msgCopy.Topic,
					"partition", msgCopy.Partition,
					"offset", msgCopy.Offset,
					"error", err,
				)
			}

			select {
			case out <- ToEvent(kafkaMsg, n.config.MetadataHeader, ack, nack):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Send writes the reply to the reply topic.
func (n *Node) Send(ctx context.Context, out *event.Output) error {
	if n.writer == nil {
		return ErrNoReplyTopic
	}
	msg := FromOutput(out, n.config.MetadataHeader)
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", n.config.ReplyTopic, err)
	}
	return nil
}

// Close closes the reader and writer.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	var errs []error
	if n.reader != nil {
		errs = append(errs, n.reader.Close())
		n.reader = nil
	}
	if n.writer != nil {
		errs = append(errs, n.writer.Close())
		n.writer = nil
	}
	return errors.Join(errs...)
}

// commitHold tracks the lowest nacked offset per partition. Commits at or
// past it are suppressed.
type commitHold struct {
	mu     sync.Mutex
	nacked map[int]int64
}

func newCommitHold() *commitHold {
	return &commitHold{nacked: make(map[int]int64)}
}

func (h *commitHold) nack(partition int, offset int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.nacked[partition]; !ok || offset < cur {
		h.nacked[partition] = offset
	}
}

func (h *commitHold) allow(partition int, offset int64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur, ok := h.nacked[partition]
	return !ok || offset < cur
}

// ToEvent converts a Kafka message into an INPUT event.
// The input id comes from the "input" header and defaults to the topic.
func ToEvent(msg kafka.Message, metadataHeader string, ack func(), nack func(error)) *event.Event {
	id := msg.Topic
	var md event.Metadata
	for _, h := range msg.Headers {
		switch h.Key {
		case metadataHeader:
			md = append(event.Metadata{}, h.Value...)
		case HeaderInput:
			id = string(h.Value)
		}
	}
	return event.NewWithAcking(event.TypeInput, id, []string{string(msg.Value)}, md, ack, nack)
}

// FromOutput builds the reply message for an output.
func FromOutput(out *event.Output, metadataHeader string) kafka.Message {
	msg := kafka.Message{
		Headers: []kafka.Header{
			{Key: HeaderChannel, Value: []byte(out.Channel)},
		},
	}
	if len(out.Value) > 0 {
		msg.Value = []byte(out.Value[0])
	}
	if out.Metadata.Present() {
		msg.Key = out.Metadata
		msg.Headers = append(msg.Headers, kafka.Header{Key: metadataHeader, Value: out.Metadata})
	}
	return msg
}

var (
	_ event.Source = (*Node)(nil)
	_ event.Sink   = (*Node)(nil)
)
