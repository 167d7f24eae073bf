package provider

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation, calls pass through
	BreakerOpen                         // calls rejected immediately
	BreakerHalfOpen                     // one probe call allowed to test recovery
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// breaker trips after a configured number of consecutive failures and
// rejects calls for a cooldown window. After the cooldown exactly one probe
// call is let through at a time: success closes the breaker and resets the
// counter, failure reopens it and restarts the cooldown. Concurrent callers
// arriving while the probe is in flight are rejected. Thread-safe: all
// transitions hold the mutex.
type breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	threshold   int
	cooldown    time.Duration
	lastFailure time.Time
	probing     bool
	now         func() time.Time // injectable clock for testing
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// State returns the current state, applying the open→half-open transition
// if the cooldown has elapsed.
func (b *breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	return b.state
}

// Allow reports whether a call may proceed. False means the breaker is open
// or a half-open probe is already in flight; callers must fail fast without
// touching the transport. A true return in half-open claims the probe slot,
// released by RecordSuccess, RecordFailure, or Release.
func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeTransition()
	switch b.state {
	case BreakerOpen:
		return false
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

// Release frees a claimed probe slot when the call exits before reaching
// the transport.
func (b *breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.probing = false
}

func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()
	b.probing = false
	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		// A failed probe goes straight back to open.
		b.state = BreakerOpen
	}
}

// maybeTransition moves an open breaker to half-open once the cooldown has
// elapsed. Must be called with mu held.
func (b *breaker) maybeTransition() {
	if b.state == BreakerOpen && b.now().Sub(b.lastFailure) >= b.cooldown {
		b.state = BreakerHalfOpen
	}
}
