// Package events is a typed publish/subscribe bus. Subscribers get back
// an unsubscribe function instead of having to find and splice their
// callback out of a shared slice.
package events

import (
	"sync"
)

type Handler[T any] func(name string, payload T)

type subscription[T any] struct {
	id      uint64
	handler Handler[T]
}

// Bus delivers payloads of type T to handlers registered per event name.
// The wildcard name "*" receives every event.
type Bus[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription[T]
}

const Wildcard = "*"

func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[string][]subscription[T])}
}

// Subscribe registers handler for name. Calling the returned function more
// than once is harmless.
func (b *Bus[T]) Subscribe(name string, handler Handler[T]) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[name] = append(b.subs[name], subscription[T]{id: id, handler: handler})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(name, id) })
	}
}

func (b *Bus[T]) remove(name string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[name]
	for i, s := range subs {
		if s.id == id {
			b.subs[name] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[name]) == 0 {
		delete(b.subs, name)
	}
}

// Publish calls every handler subscribed to name, then wildcard handlers,
// in subscription order on the caller's goroutine. Handlers may subscribe
// or unsubscribe while being called.
func (b *Bus[T]) Publish(name string, payload T) {
	if b == nil {
		return
	}
	b.mu.RLock()
	targets := make([]Handler[T], 0, len(b.subs[name])+len(b.subs[Wildcard]))
	for _, s := range b.subs[name] {
		targets = append(targets, s.handler)
	}
	if name != Wildcard {
		for _, s := range b.subs[Wildcard] {
			targets = append(targets, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range targets {
		h(name, payload)
	}
}

// Subscribers returns the number of handlers registered for name.
func (b *Bus[T]) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}
