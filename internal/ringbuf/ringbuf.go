// Package ringbuf provides a fixed-capacity ring that keeps the most recent
// items pushed into it. The emulator and the proxy use it for their frame
// history: traffic keeps flowing while the admin surface can always show
// the last moments of the bus.
package ringbuf

import "sync"

// Ring holds the newest Cap() items. The zero value is not usable; call New.
type Ring[T any] struct {
	mu   sync.Mutex
	buf  []T
	next int
	full bool
}

// New returns a ring keeping the last capacity items. Capacity must be
// positive.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest item once the ring is full.
func (r *Ring[T]) Push(v T) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = v
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// Snapshot returns the retained items, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]T, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]T, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Len returns how many items the ring currently retains.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.full {
		return len(r.buf)
	}
	return r.next
}

// Cap returns the ring's capacity.
func (r *Ring[T]) Cap() int {
	return len(r.buf)
}
