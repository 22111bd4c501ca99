// Package broadcast fans per-tenant events out to registered callbacks.
package broadcast

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

type subscriber[T any] struct {
	id uint64
	fn func(T)
}

// Hub delivers events synchronously, in registration order, to the
// callbacks registered for a tenant. Subscriber lists are copy-on-write:
// Publish iterates a snapshot, so callbacks may subscribe or unsubscribe
// freely and newly added callbacks do not see the in-flight event.
// If h is nil, Publish is a no-op and Subscribe returns a no-op cancel.
type Hub[T any] struct {
	mu     sync.Mutex
	subs   map[string][]subscriber[T]
	nextID atomic.Uint64
	logger *slog.Logger
}

func NewHub[T any](log *slog.Logger) *Hub[T] {
	if log == nil {
		log = slog.Default()
	}
	return &Hub[T]{
		subs:   make(map[string][]subscriber[T]),
		logger: log.With(slog.String("component", "broadcast")),
	}
}

// Subscribe registers fn for tenantID. The returned function removes it and
// is safe to call more than once.
func (h *Hub[T]) Subscribe(tenantID string, fn func(T)) func() {
	if h == nil || fn == nil {
		return func() {}
	}
	id := h.nextID.Add(1)
	h.mu.Lock()
	cur := h.subs[tenantID]
	next := make([]subscriber[T], len(cur), len(cur)+1)
	copy(next, cur)
	h.subs[tenantID] = append(next, subscriber[T]{id: id, fn: fn})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.unsubscribe(tenantID, id) })
	}
}

func (h *Hub[T]) unsubscribe(tenantID string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	cur := h.subs[tenantID]
	next := make([]subscriber[T], 0, len(cur))
	for _, s := range cur {
		if s.id != id {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(h.subs, tenantID)
		return
	}
	h.subs[tenantID] = next
}

// Publish calls every callback registered for tenantID. A panicking
// callback is logged and does not prevent delivery to the rest.
func (h *Hub[T]) Publish(tenantID string, ev T) {
	if h == nil {
		return
	}
	h.mu.Lock()
	snapshot := h.subs[tenantID]
	h.mu.Unlock()
	for _, s := range snapshot {
		h.deliver(tenantID, s, ev)
	}
}

func (h *Hub[T]) deliver(tenantID string, s subscriber[T], ev T) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Warn("status subscriber panicked",
				slog.String("tenant_id", tenantID),
				slog.Uint64("subscriber", s.id),
				slog.Any("panic", r),
			)
		}
	}()
	s.fn(ev)
}

func (h *Hub[T]) Count(tenantID string) int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[tenantID])
}
