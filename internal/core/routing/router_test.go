package routing

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegate/pulsegate/internal/core/connection"
	"github.com/pulsegate/pulsegate/internal/core/event"
	"github.com/pulsegate/pulsegate/internal/core/observability/log"
	"github.com/pulsegate/pulsegate/internal/core/ratelimit"
	"github.com/pulsegate/pulsegate/internal/core/registry"
	"github.com/pulsegate/pulsegate/internal/core/relay"
	"github.com/pulsegate/pulsegate/internal/store"
)

// echoVerifier treats the token itself as the user ID.
type echoVerifier struct{}

func (echoVerifier) Verify(_ context.Context, token string) (string, error) {
	return token, nil
}

type routeSocket struct {
	mu     sync.Mutex
	frames []string
}

func (s *routeSocket) SendText(data string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, data)
	return nil
}

func (s *routeSocket) ReceiveText() (string, error) { return "", io.EOF }
func (s *routeSocket) Close(int, string) error      { return nil }

func (s *routeSocket) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

type wireFrame struct {
	Type         string         `json:"type"`
	ConnectionID string         `json:"connection_id"`
	Payload      map[string]any `json:"payload"`
}

func (s *routeSocket) frame(t *testing.T, i int) wireFrame {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	var f wireFrame
	require.NoError(t, json.Unmarshal([]byte(s.frames[i]), &f))
	return f
}

type routeStore struct {
	mu        sync.Mutex
	evalCalls int
	evalFn    func(call int) []any
	published [][]byte
	feed      chan []byte
}

func newRouteStore() *routeStore {
	return &routeStore{feed: make(chan []byte, 16)}
}

func (s *routeStore) Eval(context.Context, string, []string, ...any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evalCalls++
	if s.evalFn != nil {
		return s.evalFn(s.evalCalls), nil
	}
	return []any{int64(1), "", int64(10)}, nil
}

func (s *routeStore) SCard(context.Context, string) (int64, error)              { return 0, nil }
func (s *routeStore) SAdd(context.Context, string, string, time.Duration) error { return nil }
func (s *routeStore) SRem(context.Context, string, string) error                { return nil }

func (s *routeStore) Publish(_ context.Context, _ string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, payload)
	return nil
}

func (s *routeStore) publishedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.published)
}

func (s *routeStore) Subscribe(context.Context, string) (<-chan []byte, error) {
	return s.feed, nil
}

func (s *routeStore) Ping(context.Context) error { return nil }
func (s *routeStore) Close() error               { return nil }

type fixture struct {
	registry *registry.Registry
	router   *Router
}

func newFixture(t *testing.T, rs *routeStore) *fixture {
	t.Helper()
	var st store.Store
	if rs != nil {
		st = rs
	}

	cfg := registry.Config{
		HeartbeatInterval: time.Hour,
		CleanupInterval:   time.Hour,
		StaleTimeout:      time.Minute,
		PingTimeout:       time.Minute,
		DrainBusyInterval: time.Hour,
		DrainIdleInterval: time.Hour,
	}
	limiter := ratelimit.New(ratelimit.DefaultConfig(), st, log.NewNop())
	rel := relay.New(st, log.NewNop(), relay.Options{})
	reg := registry.New(cfg, echoVerifier{}, limiter, rel, log.NewNop())
	require.NoError(t, reg.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Stop(ctx)
	})

	return &fixture{
		registry: reg,
		router:   New(reg, limiter, rel, log.NewNop(), 0),
	}
}

func (f *fixture) connect(t *testing.T, userID, sessionID string, channels ...string) (*connection.Connection, *routeSocket) {
	t.Helper()
	socket := &routeSocket{}
	conn, err := f.registry.AuthenticateAndRegister(context.Background(), socket, userID, sessionID, channels)
	require.NoError(t, err)
	return conn, socket
}

func TestRouter_SendToUserFansOutToAllConnections(t *testing.T) {
	f := newFixture(t, nil)
	conn1, sock1 := f.connect(t, "u1", "s1")
	conn2, sock2 := f.connect(t, "u1", "s2")
	_, other := f.connect(t, "u2", "s3")

	env := event.New("notice", map[string]any{"n": 1})
	count := f.router.SendToUser(context.Background(), "u1", env)

	assert.Equal(t, 2, count)
	require.Equal(t, 1, sock1.frameCount())
	require.Equal(t, 1, sock2.frameCount())
	assert.Equal(t, 0, other.frameCount())

	// Each recipient got their own stamped copy; the original is untouched.
	assert.Equal(t, conn1.ID().String(), sock1.frame(t, 0).ConnectionID)
	assert.Equal(t, conn2.ID().String(), sock2.frame(t, 0).ConnectionID)
	assert.Empty(t, env.ConnectionID)
	assert.Equal(t, int64(2), f.router.Stats().Delivered)
}

func TestRouter_SendToSession(t *testing.T) {
	f := newFixture(t, nil)
	_, sock1 := f.connect(t, "u1", "s1")
	_, sock2 := f.connect(t, "u1", "s2")

	count := f.router.SendToSession(context.Background(), "s1", event.New("notice", nil))
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, sock1.frameCount())
	assert.Equal(t, 0, sock2.frameCount())
}

func TestRouter_SendToChannelReachesSubscribersOnly(t *testing.T) {
	f := newFixture(t, nil)
	_, sub1 := f.connect(t, "u1", "s1", "general")
	_, sub2 := f.connect(t, "u2", "s2", "general", "alerts")
	_, outsider := f.connect(t, "u3", "s3", "alerts")

	count := f.router.SendToChannel(context.Background(), "general", event.New("notice", nil))
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, sub1.frameCount())
	assert.Equal(t, 1, sub2.frameCount())
	assert.Equal(t, 0, outsider.frameCount())
}

func TestRouter_Broadcast(t *testing.T) {
	f := newFixture(t, nil)
	_, sock1 := f.connect(t, "u1", "s1")
	_, sock2 := f.connect(t, "u2", "s2")
	_, sock3 := f.connect(t, "u3", "s3")

	count := f.router.Broadcast(context.Background(), event.New("notice", nil))
	assert.Equal(t, 3, count)
	for _, s := range []*routeSocket{sock1, sock2, sock3} {
		assert.Equal(t, 1, s.frameCount())
	}
}

func TestRouter_SendToConnection(t *testing.T) {
	f := newFixture(t, nil)
	conn, sock := f.connect(t, "u1", "s1")

	assert.True(t, f.router.SendToConnection(context.Background(), conn.ID(), event.New("notice", nil)))
	assert.Equal(t, 1, sock.frameCount())

	assert.False(t, f.router.SendToConnection(context.Background(), connection.GenerateID(), event.New("notice", nil)))
}

func TestRouter_RateDenialSubstitutesWarning(t *testing.T) {
	rs := newRouteStore()
	rs.evalFn = func(int) []any { return []any{int64(0), "user", int64(0)} }
	f := newFixture(t, rs)
	_, sock := f.connect(t, "u1", "s1")

	count := f.router.SendToUser(context.Background(), "u1", event.New("notice", map[string]any{"n": 1}))
	assert.Equal(t, 0, count, "a denied recipient counts as not sent")

	require.Equal(t, 1, sock.frameCount())
	warning := sock.frame(t, 0)
	assert.Equal(t, event.TypeRateLimitExceeded, warning.Type)
	assert.Equal(t, ratelimit.ReasonUserLimit, warning.Payload["reason"])
	assert.Equal(t, float64(60), warning.Payload["retry_after_seconds"])
	assert.Equal(t, int64(1), f.router.Stats().RateDenied)
}

func TestRouter_DenialDoesNotAbortFanout(t *testing.T) {
	rs := newRouteStore()
	rs.evalFn = func(call int) []any {
		if call == 1 {
			return []any{int64(0), "user", int64(0)}
		}
		return []any{int64(1), "", int64(5)}
	}
	f := newFixture(t, rs)
	_, sock1 := f.connect(t, "u1", "s1")
	_, sock2 := f.connect(t, "u1", "s2")

	count := f.router.SendToUser(context.Background(), "u1", event.New("notice", nil))
	assert.Equal(t, 1, count, "the allowed recipient still gets the message")
	assert.Equal(t, 1, sock1.frameCount())
	assert.Equal(t, 1, sock2.frameCount())

	stats := f.router.Stats()
	assert.Equal(t, int64(1), stats.Delivered)
	assert.Equal(t, int64(1), stats.RateDenied)
}

func TestRouter_PublicSendsMirrorToRelay(t *testing.T) {
	rs := newRouteStore()
	f := newFixture(t, rs)
	conn, _ := f.connect(t, "u1", "s1", "general")

	f.router.SendToChannel(context.Background(), "general", event.New("notice", nil))
	assert.Equal(t, 1, rs.publishedCount())

	f.router.SendToUser(context.Background(), "u1", event.New("notice", nil))
	assert.Equal(t, 2, rs.publishedCount())

	f.router.SendToSession(context.Background(), "s1", event.New("notice", nil))
	assert.Equal(t, 3, rs.publishedCount())

	f.router.Broadcast(context.Background(), event.New("notice", nil))
	assert.Equal(t, 4, rs.publishedCount())

	f.router.SendToConnection(context.Background(), conn.ID(), event.New("notice", nil))
	assert.Equal(t, 4, rs.publishedCount(), "direct sends stay node-local")
}

func TestRouter_DispatchLocalNeverRepublishes(t *testing.T) {
	rs := newRouteStore()
	f := newFixture(t, rs)
	_, sock := f.connect(t, "u1", "s1", "general")

	count := f.router.DispatchLocal(relay.KindChannel, "general", event.New("notice", nil))
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, sock.frameCount())
	assert.Equal(t, 0, rs.publishedCount())

	assert.Equal(t, 1, f.router.DispatchLocal(relay.KindUser, "u1", event.New("notice", nil)))
	assert.Equal(t, 1, f.router.DispatchLocal(relay.KindSession, "s1", event.New("notice", nil)))
	assert.Equal(t, 1, f.router.DispatchLocal(relay.KindBroadcast, "", event.New("notice", nil)))
	assert.Equal(t, 0, f.router.DispatchLocal("queue", "jobs", event.New("notice", nil)))
	assert.Equal(t, 0, rs.publishedCount())
}
