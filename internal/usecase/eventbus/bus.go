package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"maestro/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
	once    bool
}

// Bus is an in-process, goroutine-safe event bus. Delivery is synchronous
// and in subscription order; a panicking handler is recovered so that the
// remaining handlers still receive the event.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]subscription
	allSubs []subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
}

// New creates an event bus. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		typed:  make(map[domain.EventType][]subscription),
		logger: logger,
	}
}

// Publish fans out an event to matching typed subscribers and all-event
// subscribers, synchronously, in subscription order.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	typed := make([]subscription, len(b.typed[event.Type]))
	copy(typed, b.typed[event.Type])
	allSubs := make([]subscription, len(b.allSubs))
	copy(allSubs, b.allSubs)
	b.mu.RUnlock()

	for _, sub := range typed {
		if sub.once {
			b.removeTyped(event.Type, sub.id)
		}
		b.dispatch(ctx, event, sub)
	}
	for _, sub := range allSubs {
		b.dispatch(ctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(ctx, event)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.subscribe(eventType, handler, false)
}

// Once registers a handler that auto-unsubscribes after first delivery.
// Returns an unsubscribe function (a no-op once the handler has fired).
func (b *Bus) Once(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.subscribe(eventType, handler, true)
}

func (b *Bus) subscribe(eventType domain.EventType, handler domain.EventHandler, once bool) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler, once: once}

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.removeTyped(eventType, id)
	}
}

func (b *Bus) removeTyped(eventType domain.EventType, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.typed[eventType]
	for i, s := range subs {
		if s.id == id {
			b.typed[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == id {
				b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}
