// Package events fans state-change notifications out to subscribers without
// ever blocking the publisher.
package events

import (
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the per-subscriber queue length used when Subscribe is
// given a non-positive size.
const DefaultBuffer = 32

// Handler consumes one event.
type Handler[T any] func(T)

// Bus delivers each published value to every current subscriber. A
// subscriber whose queue is full misses the value; Dropped counts those.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[uint64]chan T
	next   uint64
	closed bool

	wg      sync.WaitGroup
	dropped atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[uint64]chan T)}
}

// Subscribe returns a receive channel and a cancel func that unsubscribes
// and closes the channel. On a closed bus the channel is already closed.
func (b *Bus[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan T, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.remove(id) })
	}
}

// Handle runs h on its own goroutine for every event until the returned
// cancel func is called or the bus is closed.
func (b *Bus[T]) Handle(h Handler[T]) func() {
	ch, cancel := b.Subscribe(DefaultBuffer)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for v := range ch {
			h(v)
		}
	}()
	return cancel
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	ch, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish offers v to every subscriber without blocking.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full.
func (b *Bus[T]) Dropped() uint64 { return b.dropped.Load() }

// Close closes every subscriber channel and waits for Handle goroutines to
// drain. Idempotent. Must not be called from inside a Handler.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.wg.Wait()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]chan T)
	b.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
	b.wg.Wait()
}
