package broker

import (
	"errors"
	"sync"
)

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("broker closed")

// Fake is an in-process Broker for tests. Outbound traffic is captured
// on Published; tests feed inbound traffic with Inject. Inject does not
// check subscriptions so tests control delivery timing themselves, use
// Subscribed to sequence against the consumer's startup.
type Fake struct {
	mu      sync.Mutex
	closed  bool
	filters []string

	inbox     chan Message
	published chan Message
}

// NewFake returns an unconnected in-memory broker.
func NewFake() *Fake {
	return &Fake{
		inbox:     make(chan Message, 1024),
		published: make(chan Message, 1024),
	}
}

// Subscribe records the filter.
func (f *Fake) Subscribe(filter string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.filters = append(f.filters, filter)
	return nil
}

// Publish captures the message for test assertions.
func (f *Fake) Publish(topic string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	select {
	case f.published <- Message{Topic: topic, Payload: payload}:
	default:
	}
	return nil
}

// Messages returns the inbound stream.
func (f *Fake) Messages() <-chan Message { return f.inbox }

// Published returns everything sent through Publish.
func (f *Fake) Published() <-chan Message { return f.published }

// Inject delivers an inbound message as if the broker pushed it.
func (f *Fake) Inject(topic string, payload []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.inbox <- Message{Topic: topic, Payload: payload}:
	default:
	}
}

// Subscribed reports whether filter has been subscribed. Tests use it
// to wait for the consumer before injecting traffic.
func (f *Fake) Subscribed(filter string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, have := range f.filters {
		if have == filter {
			return true
		}
	}
	return false
}

// Close stops accepting traffic.
func (f *Fake) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}
