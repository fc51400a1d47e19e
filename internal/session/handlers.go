package session

import (
	"slices"
	"sync"
)

// handlers is a set of callbacks with idempotent unsubscribe.
type handlers[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]T
}

func (h *handlers[T]) add(fn T) (unsubscribe func()) {
	h.mu.Lock()
	if h.fns == nil {
		h.fns = make(map[int]T)
	}
	id := h.next
	h.next++
	h.fns[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.fns, id)
			h.mu.Unlock()
		})
	}
}

func (h *handlers[T]) each(call func(T)) {
	h.mu.Lock()
	ids := make([]int, 0, len(h.fns))
	for id := range h.fns {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]T, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, h.fns[id])
	}
	h.mu.Unlock()
	for _, fn := range fns {
		call(fn)
	}
}

func (h *handlers[T]) clear() {
	h.mu.Lock()
	h.fns = nil
	h.mu.Unlock()
}
