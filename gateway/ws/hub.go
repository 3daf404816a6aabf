package ws

import (
	"sync"
	"sync/atomic"

	"stakearena/core/events"
)

// Push is a server-initiated frame carrying a lobby event.
type Push struct {
	Type       string            `json:"type"`
	Event      string            `json:"event"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Hub fans lobby events out to websocket sessions. Emit never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	buffer  int
	dropped atomic.Uint64

	mu   sync.RWMutex
	subs map[chan Push]struct{}
}

// NewHub constructs a hub with the given per-subscriber buffer.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{buffer: buffer, subs: make(map[chan Push]struct{})}
}

// Emit implements events.Emitter.
func (h *Hub) Emit(evt events.Event) {
	if h == nil || evt == nil {
		return
	}
	push := Push{Type: "event", Event: evt.EventType()}
	if attributed, ok := evt.(events.Attributed); ok {
		push.Attributes = attributed.Attributes()
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- push:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel func must be called once.
func (h *Hub) Subscribe() (<-chan Push, func()) {
	ch := make(chan Push, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many pushes were discarded for slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }
