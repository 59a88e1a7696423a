package resilience

import (
	"sync"
	"time"
)

// BreakerState is the circuit breaker's tri-state.
type BreakerState int32

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker trips after failureThreshold consecutive recorded failures
// and, once the recovery timeout has elapsed, admits exactly one probe before
// deciding to close or reopen. Each connection owns exactly one breaker;
// instances are never shared.
type CircuitBreaker struct {
	mu               sync.Mutex
	state            BreakerState
	failureCount     int
	failureThreshold int
	recoveryTimeout  time.Duration
	lastFailureAt    time.Time
	probeInFlight    bool
	tripCount        uint64
}

// NewCircuitBreaker creates a closed breaker. Threshold and timeout fall
// back to 5 failures / 30s when non-positive.
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration) *CircuitBreaker {
	if failureThreshold < 1 {
		failureThreshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:            BreakerClosed,
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
	}
}

// CanExecute reports whether a write may be attempted now. While open it
// stays false until the recovery timeout elapses, then flips to half-open and
// admits a single probe; further calls stay false until the probe outcome is
// recorded.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(cb.lastFailureAt) >= cb.recoveryTimeout {
			cb.state = BreakerHalfOpen
			cb.probeInFlight = true
			return true
		}
		return false
	case BreakerHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess closes the breaker from any state and clears the failure
// count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = BreakerClosed
	cb.failureCount = 0
	cb.probeInFlight = false
}

// RecordFailure counts a failure. At the threshold the breaker opens; a
// failure during a half-open probe reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureAt = time.Now()

	switch {
	case cb.state == BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.probeInFlight = false
		cb.tripCount++
	case cb.state == BreakerClosed && cb.failureCount >= cb.failureThreshold:
		cb.state = BreakerOpen
		cb.tripCount++
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// FailureCount returns the consecutive failure count since the last success.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

// TripCount returns how many times the breaker has opened.
func (cb *CircuitBreaker) TripCount() uint64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.tripCount
}
