// Package eventbus broadcasts task lifecycle events between components that do
// not know about each other.
package eventbus

import (
	"slices"
	"sync"

	"github.com/ashureev/taskdesk/internal/domain"
)

// Handler receives a published lifecycle event.
type Handler = func(domain.LifecycleEvent)

// Bus is an in-process, synchronous publish/subscribe channel.
//
// Handlers run on the publisher's goroutine in subscription order. A handler
// subscribed while a publish is being dispatched does not see that event.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[uint64]Handler)}
}

// Subscribe registers handler and returns a func that removes it. The returned
// func is safe to call more than once.
func (b *Bus) Subscribe(handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = handler
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers event to every handler registered at the time of the call.
func (b *Bus) Publish(event domain.LifecycleEvent) {
	for _, h := range b.snapshot() {
		h(event)
	}
}

// Len returns the number of registered handlers.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

func (b *Bus) snapshot() []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]uint64, 0, len(b.handlers))
	for id := range b.handlers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := make([]Handler, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.handlers[id])
	}
	return out
}
