// Package nats serves replynode over NATS request/reply.
//
// A request published with nats.Conn.Request carries a reply inbox; that
// inbox becomes the event's correlation metadata and the reply is published
// straight back to it. Messages published without an inbox arrive without
// metadata and are therefore never answered.
//
//	node := nats.NewNode(nats.Config{
//	    URL:     "nats://localhost:4222",
//	    Subject: "replynode.request",
//	    Queue:   "replynode",
//	})
//	if err := node.Connect(ctx); err != nil { ... }
//	defer node.Close()
//	events, _ := node.Events(ctx)
//	err := dispatcher.Run(ctx, events, node)
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fxsml/replynode/event"
	"github.com/nats-io/nats.go"
)

// ErrNotConnected is returned when using a node before Connect.
var ErrNotConnected = errors.New("nats: not connected")

// Config configures the NATS node.
type Config struct {
	// URL is the NATS server URL (e.g., "nats://localhost:4222").
	URL string

	// Subject is the subject to subscribe to.
	// Supports wildcards: "*" (single token), ">" (multiple tokens).
	Subject string

	// Queue is the optional queue group name for load balancing.
	Queue string

	// BufferSize is the channel buffer size for received messages.
	// Default is 256.
	BufferSize int

	// ConnectTimeout is the timeout for initial connection.
	// Default is 5 seconds.
	ConnectTimeout time.Duration

	// Logger for operational logging. If nil, uses slog.Default().
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Node subscribes to requests and publishes replies on one connection.
type Node struct {
	config Config
	conn   *nats.Conn
	mu     sync.Mutex
}

// NewNode creates a new NATS node.
func NewNode(config Config) *Node {
	return &Node{
		config: config.applyDefaults(),
	}
}

// Connect establishes the NATS connection.
func (n *Node) Connect(ctx context.Context) error {
	conn, err := nats.Connect(
		n.config.URL,
		nats.Timeout(n.config.ConnectTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				n.config.Logger.Warn("NATS disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			n.config.Logger.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}

	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()
	return nil
}

func (n *Node) connection() *nats.Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn
}

// Events subscribes to the configured subject and returns the event channel.
// The channel closes when ctx is canceled or the subscription ends.
func (n *Node) Events(ctx context.Context) (<-chan *event.Event, error) {
	conn := n.connection()
	if conn == nil {
		return nil, ErrNotConnected
	}

	msgCh := make(chan *nats.Msg, n.config.BufferSize)
	var (
		sub *nats.Subscription
		err error
	)
	if n.config.Queue != "" {
		sub, err = conn.ChanQueueSubscribe(n.config.Subject, n.config.Queue, msgCh)
	} else {
		sub, err = conn.ChanSubscribe(n.config.Subject, msgCh)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", n.config.Subject, err)
	}

	n.config.Logger.Info("NATS subscription started",
		"subject", n.config.Subject,
		"queue", n.config.Queue,
	)

	out := make(chan *event.Event, n.config.BufferSize)
	go func() {
		defer close(out)
		defer sub.Unsubscribe()

		for {
			select {
			case <-ctx.Done():
				n.config.Logger.Debug("Context canceled, closing subscription")
				return
			case msg, ok := <-msgCh:
				if !ok {
					return
				}
				select {
				case out <- ToEvent(msg):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Send publishes the reply to the inbox held in out.Metadata.
func (n *Node) Send(_ context.Context, out *event.Output) error {
	conn := n.connection()
	if conn == nil {
		return ErrNotConnected
	}
	msg, err := FromOutput(out)
	if err != nil {
		return err
	}
	if err := conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Subject, err)
	}
	return nil
}

// Close closes the NATS connection.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.conn != nil {
		n.conn.Close()
		n.conn = nil
	}
	return nil
}

// HeaderChannel names the output channel on published replies.
const HeaderChannel = "Replynode-Channel"

// ToEvent converts a NATS message into an INPUT event.
// The event id is the last subject token, so "svc.request" arrives on
// input "request".
func ToEvent(msg *nats.Msg) *event.Event {
	var md event.Metadata
	if msg.Reply != "" {
		md = event.Metadata(msg.Reply)
	}
	id := msg.Subject
	if i := strings.LastIndexByte(id, '.'); i >= 0 {
		id = id[i+1:]
	}
	return event.NewInput(id, []string{string(msg.Data)}, md)
}

// FromOutput builds the reply message for an output.
func FromOutput(out *event.Output) (*nats.Msg, error) {
	if !out.Metadata.Present() || len(out.Metadata) == 0 {
		return nil, errors.New("nats: output has no reply inbox")
	}
	msg := nats.NewMsg(out.Metadata.String())
	msg.Header.Set(HeaderChannel, out.Channel)
	if len(out.Value) > 0 {
		msg.Data = []byte(out.Value[0])
	}
	return msg, nil
}

var (
	_ event.Source = (*Node)(nil)
	_ event.Sink   = (*Node)(nil)
)
