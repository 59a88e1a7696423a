// Package auth verifies client-presented credentials and resolves them
// to a user identity. The rest of the system treats tokens as opaque.
package auth

import (
	"context"

	"github.com/pkg/errors"
)

// Typed verification failures. Callers branch on these to pick close
// codes and log levels; anything else from Verify is infrastructure.
var (
	ErrTokenMissing   = errors.New("auth: token missing")
	ErrTokenMalformed = errors.New("auth: token malformed")
	ErrTokenExpired   = errors.New("auth: token expired")
	ErrTokenInvalid   = errors.New("auth: token invalid")
)

// Verifier resolves a bearer token to a user ID.
type Verifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}
