package event

import "sync"

type ackState byte

const (
	ackStateNone ackState = iota
	ackStateAck
	ackStateNack
)

type acking struct {
	mu    sync.Mutex
	ack   func()
	nack  func(error)
	state ackState
}

// Ack acknowledges successful processing of the event.
// Returns true if acknowledgment succeeded or was already performed.
// Returns false if no callbacks were provided or the event was already nacked.
// Thread-safe.
func (e *Event) Ack() bool {
	if e.a == nil {
		return false
	}
	e.a.mu.Lock()
	defer e.a.mu.Unlock()

	switch e.a.state {
	case ackStateAck:
		return true
	case ackStateNack:
		return false
	}

	e.a.ack()
	e.a.state = ackStateAck
	return true
}

// Nack negatively acknowledges the event due to a processing error.
// Returns true if negative acknowledgment succeeded or was already performed.
// Returns false if no callbacks were provided or the event was already acked.
// Thread-safe.
func (e *Event) Nack(err error) bool {
	if e.a == nil {
		return false
	}
	e.a.mu.Lock()
	defer e.a.mu.Unlock()

	switch e.a.state {
	case ackStateAck:
		return false
	case ackStateNack:
		return true
	}

	e.a.nack(err)
	e.a.state = ackStateNack
	return true
}
