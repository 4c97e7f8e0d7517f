// Package stdio bridges a dataflow runtime that speaks JSON Lines over a
// pair of byte streams, typically the node's stdin and stdout.
//
// Each input line is one event:
//
//	{"type":"INPUT","id":"request","value":["{\"name\":\"telepathy\"}"],"metadata":{"request_id":7}}
//
// Each output line is one reply:
//
//	{"type":"OUTPUT","id":"reply","value":["{\"content\":[...]}"],"metadata":{"request_id":7}}
//
// The metadata field may hold any JSON value; it is echoed verbatim,
// whitespace included. A missing or null metadata field marks an event that expects no
// reply.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/fxsml/replynode/event"
)

// ErrAlreadyStarted is returned when Events is called more than once.
var ErrAlreadyStarted = errors.New("stdio: already started")

// Line is the JSON Lines wire form of an event.
type Line struct {
	Type     event.Type      `json:"type"`
	ID       string          `json:"id,omitempty"`
	Value    []string        `json:"value,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Config configures a Node.
type Config struct {
	// BufferSize is the reader buffer size (default: 64KB).
	BufferSize int
	// Logger for operational logging (default: slog.Default()).
	Logger *slog.Logger
}

func (c Config) applyDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 64 * 1024
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Node reads events from an io.Reader and writes outputs to an io.Writer.
// It implements event.Source and event.Sink.
type Node struct {
	cfg    Config
	reader *bufio.Reader

	mu      sync.Mutex
	started bool
	closed  bool
	writer  io.Writer
}

// NewNode creates a node over r and w.
func NewNode(r io.Reader, w io.Writer, cfg Config) *Node {
	cfg = cfg.applyDefaults()
	return &Node{
		cfg:    cfg,
		reader: bufio.NewReaderSize(r, cfg.BufferSize),
		writer: w,
	}
}

// Events starts reading lines and returns the event channel.
// The channel is closed at EOF, on a read error or when ctx is canceled.
// A blocked read is only observed to be canceled once it returns.
func (n *Node) Events(ctx context.Context) (<-chan *event.Event, error) {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	n.started = true
	n.mu.Unlock()

	out := make(chan *event.Event)
	go func() {
		defer close(out)
		for {
			line, err := n.reader.ReadBytes('\n')
			if len(bytes.TrimSpace(line)) > 0 {
				ev, perr := ParseLine(line)
				if perr != nil {
					n.cfg.Logger.Error("Skipping malformed line", "error", perr)
				} else {
					select {
					case out <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					n.cfg.Logger.Error("Failed to read events", "error", err)
				}
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()
	return out, nil
}

// Send writes out as one JSON line.
func (n *Node) Send(_ context.Context, out *event.Output) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return event.ErrSinkClosed
	}
	line, err := FormatOutput(out).MarshalLine()
	if err != nil {
		return fmt.Errorf("stdio: encode output: %w", err)
	}
	if _, err := n.writer.Write(line); err != nil {
		return fmt.Errorf("stdio: write output: %w", err)
	}
	return nil
}

// Close marks the sink as closed. It does not close the underlying streams.
func (n *Node) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

// ParseLine decodes one JSON line into an event.
func ParseLine(line []byte) (*event.Event, error) {
	var l Line
	if err := json.Unmarshal(line, &l); err != nil {
		return nil, fmt.Errorf("stdio: parse line: %w", err)
	}
	if l.Type == "" {
		return nil, errors.New("stdio: parse line: missing type")
	}

	var md event.Metadata
	if len(l.Metadata) > 0 && !bytes.Equal(l.Metadata, []byte("null")) {
		md = event.Metadata(l.Metadata)
	}
	return event.New(l.Type, l.ID, l.Value, md), nil
}

// MarshalLine encodes l as one newline-terminated JSON line without HTML
// escaping. Metadata is appended as is, so it must be valid JSON without
// line breaks.
func (l Line) MarshalLine() ([]byte, error) {
	md := l.Metadata
	l.Metadata = nil

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(l); err != nil {
		return nil, err
	}
	b := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	if len(md) > 0 {
		b = append(b[:len(b)-1], `,"metadata":`...)
		b = append(b, md...)
		b = append(b, '}')
	}
	return append(b, '\n'), nil
}

// FormatOutput converts an output into its wire form.
// JSON metadata is kept byte for byte unless it spans several lines, in
// which case it is compacted. Metadata that is not valid JSON, such as a
// token received over another transport, is written as a JSON string.
func FormatOutput(out *event.Output) Line {
	l := Line{
		Type:  event.TypeOutput,
		ID:    out.Channel,
		Value: out.Value,
	}
	switch {
	case !out.Metadata.Present():
	case json.Valid(out.Metadata):
		l.Metadata = json.RawMessage(out.Metadata)
		if bytes.ContainsAny(out.Metadata, "\r\n") {
			var buf bytes.Buffer
			if err := json.Compact(&buf, out.Metadata); err == nil {
				l.Metadata = buf.Bytes()
			}
		}
	default:
		quoted, _ := json.Marshal(out.Metadata.String())
		l.Metadata = quoted
	}
	return l
}

var (
	_ event.Source = (*Node)(nil)
	_ event.Sink   = (*Node)(nil)
)
