// Package signal provides the typed publish/subscribe primitive used across
// the toolkit. Every event class gets its own Signal instance owned by the
// emitter; there is no global registry.
package signal

import "sync"

// Handle identifies a connected slot so it can be disconnected later.
type Handle int

// Signal is an ordered list of subscribers for one event class.
// Emit calls every connected function synchronously, in connection order.
// The zero value is ready to use.
type Signal[T any] struct {
	mu    sync.Mutex
	next  Handle
	slots []slot[T]
}

type slot[T any] struct {
	h  Handle
	fn func(T)
}

// Connect registers fn and returns a handle for Disconnect.
func (s *Signal[T]) Connect(fn func(T)) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.next++
	s.slots = append(s.slots, slot[T]{h: s.next, fn: fn})
	return s.next
}

// Disconnect removes the slot identified by h. Unknown handles are ignored,
// so double-disconnect is safe.
func (s *Signal[T]) Disconnect(h Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, sl := range s.slots {
		if sl.h == h {
			s.slots = append(s.slots[:i], s.slots[i+1:]...)
			return
		}
	}
}

// DisconnectAll removes every slot.
func (s *Signal[T]) DisconnectAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.slots = nil
}

// Emit calls every connected slot with v, in connection order. The slot list
// is snapshotted first: connects and disconnects made by a running handler
// take effect from the next emission.
func (s *Signal[T]) Emit(v T) {
	s.mu.Lock()
	snapshot := make([]slot[T], len(s.slots))
	copy(snapshot, s.slots)
	s.mu.Unlock()

	for _, sl := range snapshot {
		sl.fn(v)
	}
}

// Len returns the number of connected slots.
func (s *Signal[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.slots)
}
