package monitor

import (
	"context"
	"sync"
)

// Hub fans expiry warnings out to every active subscriber (SSE clients,
// notifiers).
type Hub struct {
	mu   sync.RWMutex
	subs map[int]chan ExpiryWarning
	next int
	size int
}

// NewHub returns a hub whose subscribers get a channel buffered to size.
func NewHub(size int) *Hub {
	if size <= 0 {
		size = 16
	}
	return &Hub{subs: make(map[int]chan ExpiryWarning), size: size}
}

// Subscribe registers a subscriber. The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context) <-chan ExpiryWarning {
	ch := make(chan ExpiryWarning, h.size)

	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// Publish delivers w to all subscribers and reports how many accepted it.
func (h *Hub) Publish(w ExpiryWarning) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	delivered := 0
	for _, ch := range h.subs {
		select {
		case ch <- w:
			delivered++
		default:
			// slow subscriber, drop
		}
	}
	return delivered
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
