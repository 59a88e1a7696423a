// Package resilience holds the per-connection failure-handling primitives:
// an exponential backoff schedule advised to reconnecting clients and a
// circuit breaker guarding transport writes.
package resilience

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrBackoffExhausted is returned once the attempt budget is spent.
var ErrBackoffExhausted = errors.New("resilience: backoff attempts exhausted")

// Backoff produces the delay sequence base, base*2, base*4, ... capped at
// max, with optional ±10% uniform jitter. It only advises the client's
// reconnect interval; the server drives no action from it.
type Backoff struct {
	mu           sync.Mutex
	attemptCount int
	baseDelay    time.Duration
	maxDelay     time.Duration
	maxAttempts  int
	jitter       bool
}

// NewBackoff creates a backoff schedule. Non-positive delays and attempt
// budgets fall back to safe defaults.
func NewBackoff(base, max time.Duration, maxAttempts int, jitter bool) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Backoff{
		baseDelay:   base,
		maxDelay:    max,
		maxAttempts: maxAttempts,
		jitter:      jitter,
	}
}

// NextAttempt returns the delay for the current attempt and advances the
// counter. Once the attempt budget is spent it returns ErrBackoffExhausted
// without advancing further.
func (b *Backoff) NextAttempt() (time.Duration, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attemptCount >= b.maxAttempts {
		return 0, ErrBackoffExhausted
	}

	delay := b.baseDelay
	for i := 0; i < b.attemptCount && delay < b.maxDelay; i++ {
		delay *= 2
	}
	if delay > b.maxDelay {
		delay = b.maxDelay
	}

	if b.jitter {
		factor := 0.9 + 0.2*rand.Float64()
		delay = time.Duration(float64(delay) * factor)
	}

	b.attemptCount++
	return delay, nil
}

// Reset zeroes the attempt counter so the next delay starts at base again.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attemptCount = 0
}

// Attempts returns how many delays have been handed out since the last
// reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attemptCount
}
