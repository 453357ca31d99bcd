package server

import (
	"sync"

	"assetflow/internal/engine"
)

// Hub fans engine events out to websocket subscribers. Publish never blocks:
// a slow subscriber loses its oldest buffered event.
type Hub struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]chan engine.Event
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan engine.Event)}
}

// Publish matches engine.Options.Observer.
func (h *Hub) Publish(ev engine.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		push(ch, ev)
	}
}

func (h *Hub) Subscribe(buffer int) (<-chan engine.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan engine.Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func push[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
