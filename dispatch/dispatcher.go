// Package dispatch implements the command reply dispatcher: it decodes
// command requests from input events, resolves them against a [Table] by
// exact name, and emits the canned reply tagged with the request's
// correlation metadata.
//
//	table, _ := dispatch.NewTable(dispatch.Command{
//		Name:  "counter_get_value",
//		Build: dispatch.Text("0"),
//	})
//	d := dispatch.New(table, dispatch.Config{})
//	err := d.Run(ctx, events, sink)
//
// Requests that name no command, carry no metadata or fail to decode
// produce no output; the caller must time out on its own.
package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/fxsml/replynode/event"
)

// DefaultOutput is the channel replies are sent on.
const DefaultOutput = "reply"

// Config configures a Dispatcher.
type Config struct {
	// Output is the reply channel name (default: "reply").
	Output string
	// Inputs restricts handling to these input ids. Empty accepts all.
	Inputs []string
	// Recover converts builder panics into errors instead of crashing Run.
	Recover bool
	// Middleware wraps event handling; the first entry is outermost.
	Middleware []Middleware
	// Logger receives diagnostics (default: slog.Default()).
	Logger *slog.Logger
}

func (c Config) parse() Config {
	if c.Output == "" {
		c.Output = DefaultOutput
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Dispatcher maps command requests to canned replies.
type Dispatcher struct {
	table  *Table
	cfg    Config
	inputs map[string]struct{}
	handle HandleFunc
}

// New creates a dispatcher over table.
func New(table *Table, cfg Config) *Dispatcher {
	cfg = cfg.parse()
	d := &Dispatcher{
		table: table,
		cfg:   cfg,
	}
	if len(cfg.Inputs) > 0 {
		d.inputs = make(map[string]struct{}, len(cfg.Inputs))
		for _, id := range cfg.Inputs {
			d.inputs[id] = struct{}{}
		}
	}

	mw := cfg.Middleware
	if cfg.Recover {
		mw = append([]Middleware{Recover()}, mw...)
	}
	d.handle = chain(d.handleEvent, mw...)
	return d
}

// Handle processes a single event.
// It returns (nil, nil) for events that are ignored without diagnostics:
// non-input events and inputs outside the configured set.
func (d *Dispatcher) Handle(ctx context.Context, ev *event.Event) (*event.Output, error) {
	return d.handle(ctx, ev)
}

func (d *Dispatcher) handleEvent(_ context.Context, ev *event.Event) (*event.Output, error) {
	if ev.Type != event.TypeInput {
		return nil, nil
	}
	if d.inputs != nil {
		if _, ok := d.inputs[ev.ID]; !ok {
			return nil, nil
		}
	}
	if !ev.Metadata.Present() {
		return nil, ErrMissingMetadata
	}

	payload, ok := ev.First()
	if !ok {
		return nil, ErrMalformedPayload
	}
	req, err := DecodeRequest(payload)
	if err != nil {
		return nil, err
	}

	reply, err := d.table.Call(req)
	if err != nil {
		return nil, err
	}
	data, err := reply.Encode()
	if err != nil {
		return nil, err
	}

	return &event.Output{
		Channel:  d.cfg.Output,
		Value:    []string{data},
		Metadata: ev.Metadata,
	}, nil
}

// Run consumes events one at a time in arrival order and sends each reply
// to sink before reading the next event.
// It returns nil when events is closed or a STOP event arrives, and
// ctx.Err() when ctx is canceled. Per-event failures never end the loop.
func (d *Dispatcher) Run(ctx context.Context, events <-chan *event.Event, sink event.Sink) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type == event.TypeStop {
				d.cfg.Logger.Info("Received stop event")
				ev.Ack()
				return nil
			}
			d.process(ctx, ev, sink)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, ev *event.Event, sink event.Sink) {
	log := d.cfg.Logger

	switch ev.Type {
	case event.TypeInputClosed:
		log.Info("Input closed", "input", ev.ID)
		ev.Ack()
		return
	case event.TypeError:
		log.Error("Runtime error", "input", ev.ID, "value", ev.Value)
		ev.Ack()
		return
	}

	out, err := d.Handle(ctx, ev)
	if err != nil {
		var cmdErr *CommandError
		var recErr *RecoveryError
		switch {
		case errors.Is(err, ErrMissingMetadata):
		case errors.As(err, &cmdErr) && errors.Is(err, ErrUnknownCommand):
			log.Warn("Unknown command", "name", cmdErr.Name, "input", ev.ID)
		case errors.As(err, &recErr):
			log.Error("Recovered from panic", "input", ev.ID, "error", recErr, "stack", recErr.StackTrace)
		default:
			log.Error("Failed to handle event", "input", ev.ID, "error", err)
		}
		ev.Ack()
		return
	}
	if out == nil {
		ev.Ack()
		return
	}

	if err := sink.Send(ctx, out); err != nil {
		log.Error("Failed to send reply", "input", ev.ID, "channel", out.Channel, "error", err)
		ev.Nack(err)
		return
	}
	ev.Ack()
}
