package util

import "sync"

// RingBuffer is a fixed-capacity circular buffer. When full, Push overwrites
// the oldest element. All methods are safe for concurrent use.
type RingBuffer[T any] struct {
	mu    sync.RWMutex
	buf   []T
	head  int
	count int
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Push appends an item, overwriting the oldest if full. It returns the
// displaced element and true when an overwrite happened.
func (r *RingBuffer[T]) Push(item T) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var evicted T
	idx := (r.head + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		evicted = r.buf[r.head]
		r.buf[idx] = item
		r.head = (r.head + 1) % len(r.buf)
		return evicted, true
	}
	r.buf[idx] = item
	r.count++
	return evicted, false
}

// Snapshot returns a copy of all elements in order (oldest first).
func (r *RingBuffer[T]) Snapshot() []T {
	r.mu.RLock()
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	r.mu.RUnlock()
	return out
}

// Len returns the number of elements stored.
func (r *RingBuffer[T]) Len() int {
	r.mu.RLock()
	n := r.count
	r.mu.RUnlock()
	return n
}
