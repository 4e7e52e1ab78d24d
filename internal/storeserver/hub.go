package storeserver

import (
	"sync"

	"fleetd/internal/objects"
	"fleetd/pkg/logger"
)

// Hub fans object change events out to watch subscribers. It replaces
// the notify channel a networked database would provide; every write
// handler publishes the full wire form of the changed object.
type Hub struct {
	mu   sync.Mutex
	subs map[*Subscription]bool
}

// Subscription receives the events of one kind. The channel closes when
// the subscriber falls too far behind or Close is called; watchers are
// expected to reconnect and re-list.
type Subscription struct {
	C chan []byte

	hub       *Hub
	kind      objects.Kind
	publisher string
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[*Subscription]bool)}
}

// Subscribe registers a watcher for one kind. Events published under
// the same publisher id are suppressed so writers do not hear their own
// echo.
func (h *Hub) Subscribe(kind objects.Kind, publisher string) *Subscription {
	sub := &Subscription{
		C:         make(chan []byte, 256),
		hub:       h,
		kind:      kind,
		publisher: publisher,
	}
	h.mu.Lock()
	h.subs[sub] = true
	h.mu.Unlock()
	return sub
}

// Close removes the subscription and closes its channel.
func (s *Subscription) Close() {
	s.hub.remove(s)
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[sub] {
		delete(h.subs, sub)
		close(sub.C)
	}
}

// Publish delivers an object change to every matching subscriber.
// Subscribers that cannot keep up are dropped rather than blocking the
// write path.
func (h *Hub) Publish(kind objects.Kind, publisher string, object []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.kind != kind {
			continue
		}
		if publisher != "" && sub.publisher == publisher {
			continue
		}
		select {
		case sub.C <- object:
		default:
			delete(h.subs, sub)
			close(sub.C)
			logger.Warn().
				Str("kind", string(kind)).
				Msg("Dropping slow watch subscriber")
		}
	}
}

// Count returns the number of active subscriptions.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
