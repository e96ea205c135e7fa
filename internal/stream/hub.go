package stream

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Hub is an in-process transport that fans events out to subscribers.
// It backs the SSE endpoint. Delivery is best-effort: a subscriber whose
// buffer is full misses the event.
type Hub struct {
	mu   sync.RWMutex
	subs map[string][]chan Event
	size int
}

// NewHub creates a hub whose subscriber channels buffer size events.
func NewHub(size int) *Hub {
	if size <= 0 {
		size = 64
	}
	return &Hub{subs: make(map[string][]chan Event), size: size}
}

// Subscribe creates a subscription for user. The empty user receives every event.
func (h *Hub) Subscribe(user string) <-chan Event {
	ch := make(chan Event, h.size)
	h.mu.Lock()
	h.subs[user] = append(h.subs[user], ch)
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription.
func (h *Hub) Unsubscribe(user string, ch <-chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[user]
	for i, s := range subs {
		if s == ch {
			h.subs[user] = append(subs[:i], subs[i+1:]...)
			close(s)
			break
		}
	}
	if len(h.subs[user]) == 0 {
		delete(h.subs, user)
	}
}

// Subscribers reports the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, subs := range h.subs {
		n += len(subs)
	}
	return n
}

// Publish delivers ev to the recipient's subscribers and to catch-all subscribers.
func (h *Hub) Publish(_ context.Context, ev Event) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	h.broadcast(h.subs[ev.User], ev)
	if ev.User != "" {
		h.broadcast(h.subs[""], ev)
	}
	return nil
}

func (h *Hub) broadcast(subs []chan Event, ev Event) {
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Drop if subscriber is too slow
			log.Debug().
				Str("user", ev.User).
				Str("chunk_id", ev.Data.ID).
				Int("sequence", ev.Data.SequenceNumber).
				Msg("Stream subscriber full, chunk dropped")
		}
	}
}
