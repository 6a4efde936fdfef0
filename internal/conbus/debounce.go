package conbus

import (
	"sync"
	"time"
)

// Debouncer suppresses duplicate frames written within a fixed window. The
// queue drainer consults it at write time: a frame byte-identical to one
// written less than a window ago is skipped without a transport write, so
// retry loops in callers cannot flood the bus.
type Debouncer struct {
	window time.Duration

	mu   sync.Mutex
	sent map[string][]time.Time
}

// NewDebouncer returns a debouncer for the given window.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window: window,
		sent:   make(map[string][]time.Time),
	}
}

// Allow reports whether frame may be written at now, recording the send
// timestamp when it is.
func (d *Debouncer) Allow(frame []byte, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := string(frame)
	for _, ts := range d.sent[key] {
		if now.Sub(ts) < d.window {
			return false
		}
	}
	d.sent[key] = append(d.sent[key], now)
	return true
}

// Sweep evicts timestamps older than the window and removes entries that
// end up empty. The engine runs it every two windows.
func (d *Debouncer) Sweep(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, stamps := range d.sent {
		kept := stamps[:0]
		for _, ts := range stamps {
			if now.Sub(ts) < d.window {
				kept = append(kept, ts)
			}
		}
		if len(kept) == 0 {
			delete(d.sent, key)
		} else {
			d.sent[key] = kept
		}
	}
}

// Reset drops every recorded send. A new session starts clean.
func (d *Debouncer) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = make(map[string][]time.Time)
}

// Window returns the suppression window.
func (d *Debouncer) Window() time.Duration {
	return d.window
}

func (d *Debouncer) tracked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sent)
}
