// Package events provides typed one-to-many notification buses.
//
// A Bus carries a single payload type, so subscribers are checked at
// compile time. Publishing is synchronous: handlers run in subscription
// order on the publisher's goroutine. A handler that panics is recovered
// and logged; the remaining handlers still run.
package events

import (
	"log/slog"
	"sync"
)

// ID identifies a subscription on a Bus.
type ID uint64

type entry[T any] struct {
	id ID
	fn func(T)
}

// Bus fans a payload out to every subscribed handler.
// The zero value is ready to use.
type Bus[T any] struct {
	mu       sync.RWMutex
	name     string
	logger   *slog.Logger
	nextID   ID
	handlers []entry[T]
}

// New creates a Bus. name is used in log output when a handler panics.
func New[T any](name string, logger *slog.Logger) *Bus[T] {
	return &Bus[T]{name: name, logger: logger}
}

// Subscribe registers fn and returns an ID for Unsubscribe.
func (b *Bus[T]) Subscribe(fn func(T)) ID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.handlers = append(b.handlers, entry[T]{id: b.nextID, fn: fn})
	return b.nextID
}

// Unsubscribe removes a handler. It reports whether the ID was registered.
func (b *Bus[T]) Unsubscribe(id ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, h := range b.handlers {
		if h.id == id {
			b.handlers = append(b.handlers[:i:i], b.handlers[i+1:]...)
			return true
		}
	}
	return false
}

// Clear removes every handler.
func (b *Bus[T]) Clear() {
	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()
}

// Len returns the number of registered handlers.
func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Publish delivers v to every handler registered at the time of the call.
func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	snapshot := make([]entry[T], len(b.handlers))
	copy(snapshot, b.handlers)
	b.mu.RUnlock()

	for _, h := range snapshot {
		b.call(h, v)
	}
}

func (b *Bus[T]) call(h entry[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			b.log().Error("event handler panicked",
				"bus", b.name,
				"subscription", uint64(h.id),
				"panic", r)
		}
	}()
	h.fn(v)
}

func (b *Bus[T]) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.Default()
}

// Subscriber is the subscribe-only view of a Bus handed to consumers.
type Subscriber[T any] interface {
	Subscribe(fn func(T)) ID
	Unsubscribe(id ID) bool
}
