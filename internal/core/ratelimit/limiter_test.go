package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegate/pulsegate/internal/core/observability/log"
)

type stubStore struct {
	mu      sync.Mutex
	cards   map[string]int64
	cardErr error
	evalRes any
	evalErr error

	evalKeys [][]string
	added    map[string][]string
	removed  map[string][]string
}

func newStubStore() *stubStore {
	return &stubStore{
		cards:   make(map[string]int64),
		added:   make(map[string][]string),
		removed: make(map[string][]string),
	}
}

func (s *stubStore) Eval(_ context.Context, _ string, keys []string, _ ...any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evalKeys = append(s.evalKeys, keys)
	if s.evalErr != nil {
		return nil, s.evalErr
	}
	return s.evalRes, nil
}

func (s *stubStore) SCard(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cardErr != nil {
		return 0, s.cardErr
	}
	return s.cards[key], nil
}

func (s *stubStore) SAdd(_ context.Context, key, member string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added[key] = append(s.added[key], member)
	return nil
}

func (s *stubStore) SRem(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed[key] = append(s.removed[key], member)
	return nil
}

func (s *stubStore) Publish(context.Context, string, []byte) error { return nil }

func (s *stubStore) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (s *stubStore) Ping(context.Context) error { return nil }
func (s *stubStore) Close() error               { return nil }

func TestRateLimiter_ConnectionLimitUnderCaps(t *testing.T) {
	st := newStubStore()
	st.cards[userConnKey("u1")] = 3
	st.cards[sessionConnKey("s1")] = 1
	rl := New(Config{MaxConnectionsPerUser: 10, MaxConnectionsPerSession: 5}, st, log.NewNop())

	assert.True(t, rl.CheckConnectionLimit(context.Background(), "u1", "s1"))
}

func TestRateLimiter_ConnectionLimitDeniesAtUserCap(t *testing.T) {
	st := newStubStore()
	st.cards[userConnKey("u1")] = 10
	rl := New(Config{MaxConnectionsPerUser: 10}, st, log.NewNop())

	assert.False(t, rl.CheckConnectionLimit(context.Background(), "u1", ""))
}

func TestRateLimiter_ConnectionLimitDeniesAtSessionCap(t *testing.T) {
	st := newStubStore()
	st.cards[userConnKey("u1")] = 2
	st.cards[sessionConnKey("s1")] = 5
	rl := New(Config{MaxConnectionsPerUser: 10, MaxConnectionsPerSession: 5}, st, log.NewNop())

	assert.False(t, rl.CheckConnectionLimit(context.Background(), "u1", "s1"))
	assert.True(t, rl.CheckConnectionLimit(context.Background(), "u1", ""),
		"no session named, only the user cap applies")
}

func TestRateLimiter_ConnectionLimitAllowsOnStoreFailure(t *testing.T) {
	st := newStubStore()
	st.cardErr = errors.New("connection refused")
	rl := New(DefaultConfig(), st, log.NewNop())

	assert.True(t, rl.CheckConnectionLimit(context.Background(), "u1", "s1"))
	assert.True(t, rl.Degraded())
	assert.Equal(t, int64(1), rl.FallbackCount())
}

func TestRateLimiter_NilStoreIsLocalOnly(t *testing.T) {
	rl := New(DefaultConfig(), nil, log.NewNop())

	assert.True(t, rl.CheckConnectionLimit(context.Background(), "u1", "s1"))
	assert.NoError(t, rl.RegisterConnection(context.Background(), "u1", "s1", "c1"))
	assert.NoError(t, rl.UnregisterConnection(context.Background(), "u1", "s1", "c1"))

	res := rl.CheckMessageRate(context.Background(), "u1", "c1")
	assert.True(t, res.Allowed)
}

func TestRateLimiter_RegisterTouchesBothSets(t *testing.T) {
	st := newStubStore()
	rl := New(DefaultConfig(), st, log.NewNop())

	require.NoError(t, rl.RegisterConnection(context.Background(), "u1", "s1", "c1"))
	assert.Equal(t, []string{"c1"}, st.added[userConnKey("u1")])
	assert.Equal(t, []string{"c1"}, st.added[sessionConnKey("s1")])

	require.NoError(t, rl.UnregisterConnection(context.Background(), "u1", "s1", "c1"))
	assert.Equal(t, []string{"c1"}, st.removed[userConnKey("u1")])
	assert.Equal(t, []string{"c1"}, st.removed[sessionConnKey("s1")])
}

func TestRateLimiter_RegisterSkipsEmptySession(t *testing.T) {
	st := newStubStore()
	rl := New(DefaultConfig(), st, log.NewNop())

	require.NoError(t, rl.RegisterConnection(context.Background(), "u1", "", "c1"))
	assert.Len(t, st.added, 1)
}

func TestRateLimiter_MessageRateAllowedVerdict(t *testing.T) {
	st := newStubStore()
	st.evalRes = []any{int64(1), "", int64(5)}
	rl := New(DefaultConfig(), st, log.NewNop())

	res := rl.CheckMessageRate(context.Background(), "u1", "c1")
	assert.True(t, res.Allowed)
	assert.Equal(t, int64(5), res.Remaining)
	assert.Empty(t, res.Reason)

	require.Len(t, st.evalKeys, 1)
	assert.Equal(t, []string{msgConnKey("c1"), msgUserKey("u1")}, st.evalKeys[0])
}

func TestRateLimiter_MessageRateUserDenial(t *testing.T) {
	st := newStubStore()
	st.evalRes = []any{int64(0), "user", int64(0)}
	rl := New(DefaultConfig(), st, log.NewNop())

	res := rl.CheckMessageRate(context.Background(), "u1", "c1")
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonUserLimit, res.Reason)
	assert.Equal(t, userWindow, res.RetryAfter)
}

func TestRateLimiter_MessageRateConnectionDenial(t *testing.T) {
	st := newStubStore()
	st.evalRes = []any{int64(0), "connection", int64(0)}
	rl := New(DefaultConfig(), st, log.NewNop())

	res := rl.CheckMessageRate(context.Background(), "u1", "c1")
	assert.False(t, res.Allowed)
	assert.Equal(t, ReasonConnectionLimit, res.Reason)
	assert.Equal(t, connWindow, res.RetryAfter)
}

func TestRateLimiter_MessageRateFallsBackOnEvalError(t *testing.T) {
	st := newStubStore()
	st.evalErr = errors.New("READONLY you can't write against a replica")
	rl := New(Config{MessagesPerUserMinute: 2}, st, log.NewNop())

	ctx := context.Background()
	assert.True(t, rl.CheckMessageRate(ctx, "u1", "c1").Allowed)
	assert.True(t, rl.CheckMessageRate(ctx, "u1", "c1").Allowed)

	third := rl.CheckMessageRate(ctx, "u1", "c1")
	assert.False(t, third.Allowed)
	assert.Equal(t, ReasonUserLimit, third.Reason)
	assert.Greater(t, third.RetryAfter, time.Duration(0))
	assert.True(t, rl.Degraded())
}

func TestRateLimiter_MalformedScriptReplyFallsBack(t *testing.T) {
	st := newStubStore()
	st.evalRes = "OK"
	rl := New(DefaultConfig(), st, log.NewNop())

	res := rl.CheckMessageRate(context.Background(), "u1", "c1")
	assert.True(t, res.Allowed, "local fallback answers when the reply is unusable")
}

func TestRateLimiter_RecoveryClearsDegraded(t *testing.T) {
	st := newStubStore()
	st.evalErr = errors.New("timeout")
	rl := New(DefaultConfig(), st, log.NewNop())

	rl.CheckMessageRate(context.Background(), "u1", "c1")
	require.True(t, rl.Degraded())

	st.mu.Lock()
	st.evalErr = nil
	st.evalRes = []any{int64(1), "", int64(9)}
	st.mu.Unlock()

	res := rl.CheckMessageRate(context.Background(), "u1", "c1")
	assert.True(t, res.Allowed)
	assert.False(t, rl.Degraded())
}

func TestLocalLimiter_WindowExpiryReadmits(t *testing.T) {
	l := newLocalLimiter(2, 50*time.Millisecond)
	now := time.Now()

	allowed, _ := l.Allow("u1", now)
	assert.True(t, allowed)
	allowed, remaining := l.Allow("u1", now)
	assert.True(t, allowed)
	assert.Equal(t, int64(0), remaining)

	allowed, _ = l.Allow("u1", now)
	assert.False(t, allowed)

	later := now.Add(60 * time.Millisecond)
	allowed, remaining = l.Allow("u1", later)
	assert.True(t, allowed, "a fresh window readmits the user")
	assert.Equal(t, int64(1), remaining)
}

func TestLocalLimiter_UsersAreIndependent(t *testing.T) {
	l := newLocalLimiter(1, time.Minute)
	now := time.Now()

	allowed, _ := l.Allow("u1", now)
	assert.True(t, allowed)
	allowed, _ = l.Allow("u1", now)
	assert.False(t, allowed)

	allowed, _ = l.Allow("u2", now)
	assert.True(t, allowed, "another user has their own window")
}

func TestLocalLimiter_ConcurrentAdmissionIsExact(t *testing.T) {
	const limit = 25
	const callers = 100

	l := newLocalLimiter(limit, time.Minute)
	now := time.Now()

	var wg sync.WaitGroup
	results := make(chan bool, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed, _ := l.Allow("u1", now)
			results <- allowed
		}()
	}
	wg.Wait()
	close(results)

	admitted := 0
	for allowed := range results {
		if allowed {
			admitted++
		}
	}
	assert.Equal(t, limit, admitted, "exactly the cap is admitted under contention")
}

func TestLocalLimiter_PurgeExpired(t *testing.T) {
	l := newLocalLimiter(10, 10*time.Millisecond)
	now := time.Now()

	l.Allow("u1", now)
	l.Allow("u2", now)
	require.Equal(t, 2, l.size())

	purged := l.PurgeExpired(now.Add(20 * time.Millisecond))
	assert.Equal(t, 2, purged)
	assert.Equal(t, 0, l.size())
}

func BenchmarkLocalLimiter_Allow(b *testing.B) {
	l := newLocalLimiter(1_000_000_000, time.Minute)
	now := time.Now()

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			l.Allow("bench-user", now)
		}
	})
}
