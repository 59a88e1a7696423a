// Package connection owns a single client socket: its lifecycle state
// machine, bounded priority queues, latency samples, and the
// breaker-guarded send path.
package connection

import "github.com/google/uuid"

// ID uniquely identifies one connection.
type ID string

func (id ID) String() string {
	return string(id)
}

// GenerateID creates a new unique connection ID.
func GenerateID() ID {
	return ID(uuid.NewString())
}

// State is the connection lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateAuthenticated
	StateReconnecting
	StateSuspended
	StateDegraded
	StateError
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateReconnecting:
		return "reconnecting"
	case StateSuspended:
		return "suspended"
	case StateDegraded:
		return "degraded"
	case StateError:
		return "error"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Writable reports whether Send may touch the transport in this state.
func (s State) Writable() bool {
	return s == StateConnected || s == StateAuthenticated
}

// Terminal reports whether the state permits no further transitions.
func (s State) Terminal() bool {
	return s == StateDisconnected
}
