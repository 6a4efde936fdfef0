// Package circuitbreaker guards a repeatedly failing dependency. The proxy
// uses it on upstream dials: after a run of consecutive failures new
// sessions fail fast for a cooldown instead of hammering a gateway that is
// down, then a single probe decides whether the circuit closes again.
package circuitbreaker

import (
	"sync"
	"time"
)

// State is the circuit position.
type State int

const (
	// StateClosed passes every attempt through.
	StateClosed State = iota
	// StateOpen fails attempts fast until the cooldown elapses.
	StateOpen
	// StateHalfOpen admits one probe attempt.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

const (
	DefaultThreshold = 3
	DefaultCooldown  = 10 * time.Second
)

// Breaker is a consecutive-failure circuit breaker. The zero value is not
// usable; call New.
type Breaker struct {
	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	threshold int
	cooldown  time.Duration
	now       func() time.Time
}

// New returns a closed breaker that opens after threshold consecutive
// failures and stays open for cooldown. Non-positive arguments select the
// defaults.
func New(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &Breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

// Allow reports whether an attempt may proceed right now. In the half-open
// state only one probe is admitted; its Success or Failure decides the next
// state.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = StateHalfOpen
		b.probing = true
		return true
	case StateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// Success records a completed attempt and closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.probing = false
}

// Failure records a failed attempt. A failed probe reopens immediately; in
// the closed state the circuit opens once the run of failures reaches the
// threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probing = false
	if b.state == StateHalfOpen {
		b.state = StateOpen
		b.openedAt = b.now()
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// State returns the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
