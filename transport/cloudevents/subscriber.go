package cloudevents

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	ce "github.com/cloudevents/sdk-go/v2"
	cehttp "github.com/cloudevents/sdk-go/v2/protocol/http"
	"github.com/fxsml/replynode/event"
)

// ErrAlreadySubscribed is returned when Events is called twice.
var ErrAlreadySubscribed = errors.New("cloudevents: already subscribed")

// SubscriberConfig configures a Subscriber.
type SubscriberConfig struct {
	// BufferSize is the channel buffer size (default: 100).
	BufferSize int

	// AckTimeout is the maximum time to wait for ack/nack (default: 30s).
	AckTimeout time.Duration

	// Logger for operational logging.
	Logger *slog.Logger
}

func (c SubscriberConfig) parse() SubscriberConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 100
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Subscriber receives CloudEvents over HTTP and delivers them as INPUT
// events. The HTTP response is held until every event of the request is
// acked or nacked.
//
//	sub := cloudevents.NewSubscriber(cfg)
//	mux.Handle("/events", sub)
//	events, _ := sub.Events(ctx)
type Subscriber struct {
	mu         sync.RWMutex
	ch         chan *event.Event
	done       chan struct{}
	wg         sync.WaitGroup
	subscribed bool
	cfg        SubscriberConfig
}

// NewSubscriber creates a CloudEvents HTTP subscriber.
func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	return &Subscriber{
		cfg: cfg.parse(),
	}
}

// Events starts accepting requests. When ctx is canceled new requests are
// rejected with 503, in-flight requests drain, and the channel closes.
func (s *Subscriber) Events(ctx context.Context) (<-chan *event.Event, error) {
	s.mu.Lock()
	if s.subscribed {
		s.mu.Unlock()
		return nil, ErrAlreadySubscribed
	}
	s.ch = make(chan *event.Event, s.cfg.BufferSize)
	s.done = make(chan struct{})
	s.subscribed = true
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
		s.wg.Wait()
		close(s.ch)
	}()

	return s.ch, nil
}

// enter registers an in-flight request. It reports false when the
// subscriber is not accepting requests.
func (s *Subscriber) enter() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.subscribed {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
	}
	s.wg.Add(1)
	return true
}

// ServeHTTP implements http.Handler.
func (s *Subscriber) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.enter() {
		http.Error(w, "subscriber closed", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// binary, structured and batch modes
	var events []ce.Event
	if cehttp.IsHTTPBatch(r.Header) {
		var err error
		events, err = cehttp.NewEventsFromHTTPRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	} else {
		e, err := cehttp.NewEventFromHTTPRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		events = []ce.Event{*e}
	}

	if len(events) == 0 {
		w.WriteHeader(http.StatusOK)
		return
	}

	done := make(chan error, len(events))
	for i := range events {
		ev := ToEvent(&events[i],
			func() { done <- nil },
			func(err error) { done <- err },
		)
		select {
		case s.ch <- ev:
		case <-s.done:
			http.Error(w, "subscriber closed", http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			http.Error(w, "request cancelled", http.StatusRequestTimeout)
			return
		}
	}

	var firstErr error
	timeout := time.NewTimer(s.cfg.AckTimeout)
	defer timeout.Stop()

	for range events {
		select {
		case err := <-done:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-s.done:
			http.Error(w, "subscriber closed", http.StatusServiceUnavailable)
			return
		case <-timeout.C:
			s.cfg.Logger.Warn("Ack timeout", "events", len(events))
			http.Error(w, "ack timeout", http.StatusGatewayTimeout)
			return
		case <-r.Context().Done():
			http.Error(w, "request cancelled", http.StatusRequestTimeout)
			return
		}
	}

	if firstErr != nil {
		http.Error(w, firstErr.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

var _ event.Source = (*Subscriber)(nil)
