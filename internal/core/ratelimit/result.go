package ratelimit

import "time"

// Denial reasons carried to clients in rate_limit_exceeded events.
const (
	ReasonConnectionLimit = "connection_limit_exceeded"
	ReasonUserLimit       = "user_limit_exceeded"
)

// Result is one admission verdict. Remaining counts messages left in the
// tighter of the two windows; RetryAfter is a coarse hint for the client.
type Result struct {
	Allowed    bool
	Reason     string
	Remaining  int64
	RetryAfter time.Duration
}

// Allow is the unconditional verdict used when limiting is disabled or
// the backing store cannot answer.
func Allow(remaining int64) Result {
	return Result{Allowed: true, Remaining: remaining}
}
