// Package events provides a small typed publish/subscribe bus keyed by event
// name. Handlers run synchronously on the dispatching goroutine, in
// subscription order.
package events

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Handler receives a dispatched value.
type Handler[T any] func(T)

type subscription[T any] struct {
	id    uint64
	fn    Handler[T]
	once  bool
	fired atomic.Bool
}

// Bus routes values to the handlers subscribed to their event name.
type Bus[T any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string]map[uint64]*subscription[T]
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[string]map[uint64]*subscription[T])}
}

// Subscribe registers fn for event and returns a function that removes it.
func (b *Bus[T]) Subscribe(event string, fn Handler[T]) (unsubscribe func()) {
	return b.add(event, fn, false)
}

// Once registers fn for the next dispatch of event only.
func (b *Bus[T]) Once(event string, fn Handler[T]) (unsubscribe func()) {
	return b.add(event, fn, true)
}

func (b *Bus[T]) add(event string, fn Handler[T], once bool) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &subscription[T]{id: b.nextID, fn: fn, once: once}
	if b.subs[event] == nil {
		b.subs[event] = make(map[uint64]*subscription[T])
	}
	b.subs[event][sub.id] = sub

	return func() { b.remove(event, sub.id) }
}

func (b *Bus[T]) remove(event string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.subs[event]; ok {
		delete(subs, id)
		if len(subs) == 0 {
			delete(b.subs, event)
		}
	}
}

// Dispatch delivers v to every handler of event and returns how many ran.
// Handlers subscribed during a dispatch only see later dispatches.
func (b *Bus[T]) Dispatch(event string, v T) int {
	b.mu.RLock()
	snapshot := make([]*subscription[T], 0, len(b.subs[event]))
	for _, sub := range b.subs[event] {
		snapshot = append(snapshot, sub)
	}
	b.mu.RUnlock()

	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].id < snapshot[j].id })

	delivered := 0
	for _, sub := range snapshot {
		if sub.once {
			if !sub.fired.CompareAndSwap(false, true) {
				continue
			}
			b.remove(event, sub.id)
		}
		sub.fn(v)
		delivered++
	}
	return delivered
}

// Count returns the number of handlers subscribed to event.
func (b *Bus[T]) Count(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[event])
}
