// Package event defines the single message envelope that flows through the
// delivery path and its JSON wire representation.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Priority orders envelopes into the per-connection delivery queues.
// 1 is the highest.
type Priority int

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	default:
		return "general"
	}
}

// MaxRetries caps failed-send requeues per envelope; past it the envelope is
// dropped.
const MaxRetries = 3

// Envelope is the one message shape used everywhere: inbound dispatch
// results, fan-out payloads, system events, and relay frames all carry it.
// Payload is opaque to the core and treated as read-only once constructed.
type Envelope struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Timestamp    time.Time      `json:"timestamp"`
	UserID       string         `json:"user_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Priority     Priority       `json:"priority"`
	RetryCount   int            `json:"retry_count,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
}

// Option mutates a freshly constructed envelope.
type Option func(*Envelope)

func WithPriority(p Priority) Option {
	return func(e *Envelope) { e.Priority = p }
}

func WithUser(userID string) Option {
	return func(e *Envelope) { e.UserID = userID }
}

func WithSession(sessionID string) Option {
	return func(e *Envelope) { e.SessionID = sessionID }
}

func WithConnection(connectionID string) Option {
	return func(e *Envelope) { e.ConnectionID = connectionID }
}

// WithTTL sets an absolute expiry ttl from now.
func WithTTL(ttl time.Duration) Option {
	return func(e *Envelope) {
		expires := e.Timestamp.Add(ttl)
		e.ExpiresAt = &expires
	}
}

// New constructs an envelope with a fresh UUID, a UTC timestamp, and medium
// priority unless overridden.
func New(eventType string, payload map[string]any, opts ...Option) *Envelope {
	e := &Envelope{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Priority:  PriorityMedium,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Clone returns a copy safe to hand to another recipient. The payload map is
// shared; the core never mutates payloads after construction.
func (e *Envelope) Clone() *Envelope {
	clone := *e
	return &clone
}

// Expired reports whether the envelope's TTL has passed.
func (e *Envelope) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// CanRetry reports whether a failed send may requeue this envelope.
func (e *Envelope) CanRetry() bool {
	return e.RetryCount < MaxRetries
}

// Encode serializes the envelope to its wire JSON form. Timestamps marshal
// as RFC 3339.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses a wire JSON envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
