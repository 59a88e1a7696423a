package ratelimit

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const localShardCount = 64

// localLimiter is the in-process fallback used while the shared store is
// unreachable. It tracks only the per-user window with fixed (not
// sliding) resets, and knows nothing about other nodes.
type localLimiter struct {
	limit  int
	window time.Duration
	shards [localShardCount]localShard
}

type localShard struct {
	mu      sync.Mutex
	windows map[string]*localWindow
}

type localWindow struct {
	count   int
	resetAt time.Time
}

func newLocalLimiter(limit int, window time.Duration) *localLimiter {
	l := &localLimiter{limit: limit, window: window}
	for i := range l.shards {
		l.shards[i].windows = make(map[string]*localWindow)
	}
	return l
}

func (l *localLimiter) shardFor(userID string) *localShard {
	return &l.shards[xxhash.Sum64String(userID)%localShardCount]
}

// Allow admits or denies one message for the user and reports how many
// remain in the current window.
func (l *localLimiter) Allow(userID string, now time.Time) (bool, int64) {
	shard := l.shardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	w := shard.windows[userID]
	if w == nil || now.After(w.resetAt) {
		w = &localWindow{resetAt: now.Add(l.window)}
		shard.windows[userID] = w
	}
	if w.count >= l.limit {
		return false, 0
	}
	w.count++
	return true, int64(l.limit - w.count)
}

// RetryIn reports how long until the user's window resets.
func (l *localLimiter) RetryIn(userID string, now time.Time) time.Duration {
	shard := l.shardFor(userID)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	w := shard.windows[userID]
	if w == nil || now.After(w.resetAt) {
		return 0
	}
	return w.resetAt.Sub(now)
}

// PurgeExpired drops windows that have lapsed so idle users do not pin
// memory. Returns how many entries were removed.
func (l *localLimiter) PurgeExpired(now time.Time) int {
	purged := 0
	for i := range l.shards {
		shard := &l.shards[i]
		shard.mu.Lock()
		for userID, w := range shard.windows {
			if now.After(w.resetAt) {
				delete(shard.windows, userID)
				purged++
			}
		}
		shard.mu.Unlock()
	}
	return purged
}

func (l *localLimiter) size() int {
	total := 0
	for i := range l.shards {
		shard := &l.shards[i]
		shard.mu.Lock()
		total += len(shard.windows)
		shard.mu.Unlock()
	}
	return total
}
