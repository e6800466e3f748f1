package realtime

import (
	"sync"

	"github.com/google/uuid"
)

// Subscriber is one client connection as seen by the relay. Transports drain Send until Done
// is closed.
type Subscriber struct {
	ID       string
	TenantID uuid.UUID // tenant the transport was opened for

	send      chan Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newSubscriber(tenantID uuid.UUID, buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 1
	}
	return &Subscriber{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		send:     make(chan Envelope, buffer),
		done:     make(chan struct{}),
	}
}

// Send yields envelopes in emission order.
func (s *Subscriber) Send() <-chan Envelope { return s.send }

// Done is closed once the subscriber has been removed from the relay.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// offer is a non-blocking send; a full buffer drops the envelope.
func (s *Subscriber) offer(env Envelope) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- env:
		return true
	default:
		return false
	}
}

func (s *Subscriber) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
