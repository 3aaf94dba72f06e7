// Package framebuffer holds captured audio frames between the capture and
// transmit goroutines of a stream session.
package framebuffer

import (
	"sync"
	"time"

	"github.com/RenatoCabral2022/OpenMicStream/engine/internal/audio"
)

// Buffer is a bounded FIFO of audio frames. When full, Push evicts the oldest
// unsent frame: stale audio is worse than a short gap. It is safe for one
// producer and one consumer.
type Buffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames []*audio.Frame
	head   int
	count  int
	closed bool

	pushed  uint64
	dropped uint64
}

// New creates a buffer holding at most capacity frames.
func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	b := &Buffer{frames: make([]*audio.Frame, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// CapacityFor sizes a buffer to absorb window of scheduling jitter at the
// given frame duration.
func CapacityFor(window, frame time.Duration) int {
	if frame <= 0 {
		return 1
	}
	n := int((window + frame - 1) / frame)
	if n < 1 {
		n = 1
	}
	return n
}

// Push appends f. If the buffer is full the oldest frame is evicted and
// returned so the caller can release it. After Close, Push hands f straight
// back as dropped.
func (b *Buffer) Push(f *audio.Frame) (dropped *audio.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return f
	}
	b.pushed++

	capacity := len(b.frames)
	if b.count == capacity {
		dropped = b.frames[b.head]
		b.frames[b.head] = nil
		b.head = (b.head + 1) % capacity
		b.count--
		b.dropped++
	}
	b.frames[(b.head+b.count)%capacity] = f
	b.count++
	b.cond.Signal()
	return dropped
}

// Pop removes the oldest frame, blocking while the buffer is empty. It
// returns false once the buffer is closed; frames still queued at Close are
// left for Drain.
func (b *Buffer) Pop() (*audio.Frame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}
	if b.closed {
		return nil, false
	}
	f := b.frames[b.head]
	b.frames[b.head] = nil
	b.head = (b.head + 1) % len(b.frames)
	b.count--
	return f, true
}

// Close wakes any blocked Pop and rejects further frames. Idempotent.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.cond.Broadcast()
}

// Drain removes and returns every queued frame.
func (b *Buffer) Drain() []*audio.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*audio.Frame, 0, b.count)
	for b.count > 0 {
		out = append(out, b.frames[b.head])
		b.frames[b.head] = nil
		b.head = (b.head + 1) % len(b.frames)
		b.count--
	}
	return out
}

// Len returns the number of queued frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the maximum number of queued frames.
func (b *Buffer) Cap() int { return len(b.frames) }

// Pushed returns the total number of frames accepted.
func (b *Buffer) Pushed() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pushed
}

// Dropped returns the number of frames evicted by overflow.
func (b *Buffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
