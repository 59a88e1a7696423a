// Package ratelimit gates connection admission and per-message send
// rates. The authoritative counters live in the shared store so limits
// hold across nodes; when the store is unreachable the limiter degrades
// to a local approximation instead of refusing traffic.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/pulsegate/pulsegate/internal/core/observability/log"
	"github.com/pulsegate/pulsegate/internal/store"
)

const (
	connWindow = time.Second
	userWindow = time.Minute

	// connSetTTL bounds how long a crashed node's registrations linger.
	connSetTTL = time.Hour
)

// Config is read-only after construction.
type Config struct {
	MaxConnectionsPerUser    int
	MaxConnectionsPerSession int
	MessagesPerConnSecond    int
	MessagesPerUserMinute    int
}

// DefaultConfig mirrors the deployment defaults.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerUser:    10,
		MaxConnectionsPerSession: 5,
		MessagesPerConnSecond:    10,
		MessagesPerUserMinute:    120,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxConnectionsPerUser <= 0 {
		c.MaxConnectionsPerUser = d.MaxConnectionsPerUser
	}
	if c.MaxConnectionsPerSession <= 0 {
		c.MaxConnectionsPerSession = d.MaxConnectionsPerSession
	}
	if c.MessagesPerConnSecond <= 0 {
		c.MessagesPerConnSecond = d.MessagesPerConnSecond
	}
	if c.MessagesPerUserMinute <= 0 {
		c.MessagesPerUserMinute = d.MessagesPerUserMinute
	}
	return c
}

// RateLimiter answers admission questions for connections and messages.
// A nil store puts it in local-only mode permanently.
type RateLimiter struct {
	cfg    Config
	store  store.Store
	local  *localLimiter
	logger log.Log

	degraded      atomic.Bool
	fallbackCount atomic.Int64
}

// New builds a limiter over the given store. store may be nil.
func New(cfg Config, st store.Store, logger log.Log) *RateLimiter {
	cfg = cfg.withDefaults()
	return &RateLimiter{
		cfg:    cfg,
		store:  st,
		local:  newLocalLimiter(cfg.MessagesPerUserMinute, userWindow),
		logger: logger.Named("ratelimit"),
	}
}

// CheckConnectionLimit reports whether the user (and session, when one is
// named) can open another connection. Store failures admit the
// connection: availability wins over strictness here.
func (rl *RateLimiter) CheckConnectionLimit(ctx context.Context, userID, sessionID string) bool {
	if rl.store == nil {
		return true
	}

	count, err := rl.store.SCard(ctx, userConnKey(userID))
	if err != nil {
		rl.noteFallback("connection limit", err)
		return true
	}
	rl.noteRecovered()
	if count >= int64(rl.cfg.MaxConnectionsPerUser) {
		return false
	}

	if sessionID != "" {
		count, err = rl.store.SCard(ctx, sessionConnKey(sessionID))
		if err != nil {
			rl.noteFallback("connection limit", err)
			return true
		}
		if count >= int64(rl.cfg.MaxConnectionsPerSession) {
			return false
		}
	}
	return true
}

// RegisterConnection records an admitted connection in the shared sets.
func (rl *RateLimiter) RegisterConnection(ctx context.Context, userID, sessionID, connID string) error {
	if rl.store == nil {
		return nil
	}
	if err := rl.store.SAdd(ctx, userConnKey(userID), connID, connSetTTL); err != nil {
		return err
	}
	if sessionID != "" {
		return rl.store.SAdd(ctx, sessionConnKey(sessionID), connID, connSetTTL)
	}
	return nil
}

// UnregisterConnection removes a closed connection from the shared sets.
func (rl *RateLimiter) UnregisterConnection(ctx context.Context, userID, sessionID, connID string) error {
	if rl.store == nil {
		return nil
	}
	if err := rl.store.SRem(ctx, userConnKey(userID), connID); err != nil {
		return err
	}
	if sessionID != "" {
		return rl.store.SRem(ctx, sessionConnKey(sessionID), connID)
	}
	return nil
}

// CheckMessageRate admits or denies one outbound message for the
// user/connection pair. The shared-store path enforces both sliding
// windows atomically; the local fallback enforces only the per-user
// window.
func (rl *RateLimiter) CheckMessageRate(ctx context.Context, userID, connectionID string) Result {
	now := time.Now()

	if rl.store != nil {
		member := connectionID + ":" + uuid.NewString()
		raw, err := rl.store.Eval(ctx, messageRateScript,
			[]string{msgConnKey(connectionID), msgUserKey(userID)},
			now.UnixMilli(),
			connWindow.Milliseconds(),
			rl.cfg.MessagesPerConnSecond,
			userWindow.Milliseconds(),
			rl.cfg.MessagesPerUserMinute,
			member,
		)
		if err == nil {
			if res, ok := parseScriptResult(raw); ok {
				rl.noteRecovered()
				return res
			}
			rl.logger.Warn("rate script returned unexpected shape",
				log.String("user_id", userID))
		} else {
			rl.noteFallback("message rate", err)
		}
	}

	allowed, remaining := rl.local.Allow(userID, now)
	if !allowed {
		return Result{
			Allowed:    false,
			Reason:     ReasonUserLimit,
			RetryAfter: rl.local.RetryIn(userID, now),
		}
	}
	return Allow(remaining)
}

// PurgeExpired releases lapsed local windows. Wired to the registry's
// cleanup cadence.
func (rl *RateLimiter) PurgeExpired(now time.Time) int {
	return rl.local.PurgeExpired(now)
}

// FallbackCount reports how many times the limiter had to answer without
// the shared store.
func (rl *RateLimiter) FallbackCount() int64 {
	return rl.fallbackCount.Load()
}

// Degraded reports whether the last store round trip failed.
func (rl *RateLimiter) Degraded() bool {
	return rl.degraded.Load()
}

func (rl *RateLimiter) noteFallback(op string, err error) {
	rl.fallbackCount.Inc()
	if rl.degraded.CompareAndSwap(false, true) {
		rl.logger.Warn("shared store unreachable, limiter degraded to local mode",
			log.String("op", op), log.Error(err))
	}
}

func (rl *RateLimiter) noteRecovered() {
	if rl.degraded.CompareAndSwap(true, false) {
		rl.logger.Info("shared store reachable again, limiter recovered")
	}
}

// parseScriptResult maps the script's {allowed, reason, remaining} reply.
func parseScriptResult(raw any) (Result, bool) {
	arr, ok := raw.([]any)
	if !ok || len(arr) != 3 {
		return Result{}, false
	}
	allowed, ok := arr[0].(int64)
	if !ok {
		return Result{}, false
	}
	remaining, ok := arr[2].(int64)
	if !ok {
		return Result{}, false
	}

	if allowed == 1 {
		return Allow(remaining), true
	}

	reason, _ := arr[1].(string)
	switch reason {
	case "connection":
		return Result{Reason: ReasonConnectionLimit, RetryAfter: connWindow}, true
	case "user":
		return Result{Reason: ReasonUserLimit, RetryAfter: userWindow}, true
	default:
		return Result{}, false
	}
}

func userConnKey(userID string) string {
	return fmt.Sprintf("pg:conns:user:%s", userID)
}

func sessionConnKey(sessionID string) string {
	return fmt.Sprintf("pg:conns:session:%s", sessionID)
}

func msgConnKey(connID string) string {
	return fmt.Sprintf("pg:msg:conn:%s", connID)
}

func msgUserKey(userID string) string {
	return fmt.Sprintf("pg:msg:user:%s", userID)
}
