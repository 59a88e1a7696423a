// Package store is the shared-state boundary. Rate limiting and the
// cross-node relay speak to it instead of to a concrete Redis client so
// both can run against the in-process fallback in tests and degraded
// deployments.
package store

import (
	"context"
	"time"
)

// Store exposes the small slice of Redis the runtime needs: scripted
// counters, membership sets with expiry, and pub/sub fan-out.
type Store interface {
	// Eval runs a server-side script against the given keys.
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)

	// SCard returns the cardinality of a set key.
	SCard(ctx context.Context, key string) (int64, error)

	// SAdd inserts a member and, when ttl > 0, refreshes the key expiry.
	SAdd(ctx context.Context, key, member string, ttl time.Duration) error

	// SRem removes a member from a set key.
	SRem(ctx context.Context, key, member string) error

	// Publish broadcasts a payload on a channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe streams payloads published on a channel until ctx ends.
	// The returned channel closes when the subscription tears down.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	Close() error
}
