// Package breaker implements per-recipient circuit breakers and the shared
// registry the webhook dispatcher consults before every outbound call.
//
// State machine: closed → open after CircuitThreshold consecutive failures;
// open → half-open once the recovery window elapses; half-open → closed after
// the configured number of consecutive successes, or back to open on a single
// failure. While open, calls are skipped entirely — skips update neither the
// success nor the failure counters.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State string

const (
	Closed   State = "closed"
	HalfOpen State = "half-open"
	Open     State = "open"
)

// Config sets the breaker thresholds. Shared by every breaker in a registry.
type Config struct {
	FailureThreshold  int           // consecutive failures before tripping
	RecoveryWindow    time.Duration // how long an open breaker stays open
	HalfOpenSuccesses int           // consecutive successes in half-open to close
}

// Stats is a read-only snapshot of one breaker's counters.
type Stats struct {
	State             State     `json:"state"`
	ConsecutiveFails  int       `json:"consecutiveFailures"`
	HalfOpenSuccesses int       `json:"halfOpenSuccesses"`
	LastFailureAt     time.Time `json:"lastFailureAt,omitzero"`
	TotalSuccesses    int64     `json:"totalSuccesses"`
	TotalFailures     int64     `json:"totalFailures"`
	TotalSkipped      int64     `json:"totalSkipped"`
}

// Breaker is a single recipient's circuit. Safe for concurrent use, though
// in practice each breaker's counters are only updated by the dispatch task
// that owns the recipient's outcome for the tick.
type Breaker struct {
	mu  sync.Mutex
	cfg Config

	state           State
	consecFailures  int
	halfOpenStreak  int
	lastFailureTime time.Time

	totalSuccesses int64
	totalFailures  int64
	totalSkipped   int64
}

// New creates a breaker in the closed state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether a call may proceed. An open breaker whose recovery
// window has elapsed transitions to half-open and allows one probe through.
// When Allow returns false the caller must record a skip, not a failure.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if time.Since(b.lastFailureTime) >= b.cfg.RecoveryWindow {
			b.state = HalfOpen
			b.halfOpenStreak = 0
			return true
		}
		b.totalSkipped++
		return false
	}
	return true
}

// RecordSuccess notes a terminal successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.consecFailures = 0

	if b.state == HalfOpen {
		b.halfOpenStreak++
		if b.halfOpenStreak >= b.cfg.HalfOpenSuccesses {
			b.state = Closed
			b.halfOpenStreak = 0
		}
	}
}

// RecordFailure notes a terminal failed call. A single failure in half-open
// re-opens the circuit.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.consecFailures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case HalfOpen:
		b.state = Open
		b.halfOpenStreak = 0
	case Closed:
		if b.consecFailures >= b.cfg.FailureThreshold {
			b.state = Open
		}
	}
}

// State returns the current breaker position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:             b.state,
		ConsecutiveFails:  b.consecFailures,
		HalfOpenSuccesses: b.halfOpenStreak,
		LastFailureAt:     b.lastFailureTime,
		TotalSuccesses:    b.totalSuccesses,
		TotalFailures:     b.totalFailures,
		TotalSkipped:      b.totalSkipped,
	}
}
