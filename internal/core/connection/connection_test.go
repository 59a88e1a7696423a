package connection

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsegate/pulsegate/internal/core/event"
	"github.com/pulsegate/pulsegate/internal/core/observability/log"
	"github.com/pulsegate/pulsegate/internal/core/resilience"
)

type stubSocket struct {
	mu          sync.Mutex
	frames      []string
	failAll     bool
	attempts    int
	closeCalls  int
	closeCode   int
	closeReason string

	blockWrites bool
	entered     chan struct{}
	release     chan struct{}
}

func newStubSocket() *stubSocket {
	return &stubSocket{
		entered: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (s *stubSocket) SendText(data string) error {
	s.mu.Lock()
	s.attempts++
	blocking := s.blockWrites
	fail := s.failAll
	s.mu.Unlock()

	if blocking {
		s.entered <- struct{}{}
		<-s.release
	}
	if fail {
		return errors.New("write refused")
	}

	s.mu.Lock()
	s.frames = append(s.frames, data)
	s.mu.Unlock()
	return nil
}

func (s *stubSocket) ReceiveText() (string, error) {
	return "", io.EOF
}

func (s *stubSocket) Close(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	s.closeCode = code
	s.closeReason = reason
	return nil
}

func (s *stubSocket) setFail(fail bool) {
	s.mu.Lock()
	s.failAll = fail
	s.mu.Unlock()
}

func (s *stubSocket) setBlock(block bool) {
	s.mu.Lock()
	s.blockWrites = block
	s.mu.Unlock()
}

func (s *stubSocket) writeAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *stubSocket) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *stubSocket) frameType(i int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var decoded struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := json.Unmarshal([]byte(s.frames[i]), &decoded); err != nil {
		return ""
	}
	return decoded.Type
}

func newTestConnection(t *testing.T, socket Socket, cfg Config) *Connection {
	t.Helper()
	c := New(socket, log.NewNop(), cfg)
	c.MarkConnected()
	c.Authenticate("u1", "s1")
	return c
}

func TestConnection_LifecycleStates(t *testing.T) {
	c := New(newStubSocket(), log.NewNop(), Config{})
	assert.Equal(t, StateConnecting, c.State())
	assert.NotEmpty(t, c.ID())

	c.MarkConnected()
	assert.Equal(t, StateConnected, c.State())

	c.Authenticate("u1", "s1")
	assert.Equal(t, StateAuthenticated, c.State())
	assert.Equal(t, "u1", c.UserID())
	assert.Equal(t, "s1", c.SessionID())
}

func TestConnection_SendFailsFastUntilWritable(t *testing.T) {
	socket := newStubSocket()
	c := New(socket, log.NewNop(), Config{})

	assert.False(t, c.Send(event.New("x", nil)), "Connecting must refuse sends")
	assert.Equal(t, 0, socket.writeAttempts())
	assert.Equal(t, 0, c.QueueDepth(), "fail-fast must not enqueue outside Error state")

	c.MarkConnected()
	assert.True(t, c.Send(event.New("x", nil)))
	assert.Equal(t, 1, socket.frameCount())
}

func TestConnection_SendUpdatesCounters(t *testing.T) {
	socket := newStubSocket()
	c := newTestConnection(t, socket, Config{})

	require.True(t, c.Send(event.New("notice", map[string]any{"n": 1})))

	info := c.Info()
	assert.Equal(t, int64(1), info.MessageCount)
	assert.Equal(t, int64(0), info.ErrorCount)
	assert.Greater(t, info.BytesSent, int64(0))
	assert.Equal(t, "closed", info.BreakerState)
}

func TestConnection_QueueBoundingWithExactDropCount(t *testing.T) {
	socket := newStubSocket()
	socket.blockWrites = true
	cfg := Config{HighQueueCapacity: 100}
	c := newTestConnection(t, socket, cfg)

	done := make(chan bool)
	go func() {
		done <- c.Send(event.New("first", nil, event.WithPriority(event.PriorityHigh)))
	}()
	<-socket.entered // send lock is now held by the blocked write

	for i := 0; i < 150; i++ {
		accepted := c.Send(event.New("queued", nil, event.WithPriority(event.PriorityHigh)))
		assert.True(t, accepted, "contended sends are accepted into the queue")
	}

	assert.Equal(t, 100, c.QueueDepth(), "queue must stabilize at its capacity")
	assert.Equal(t, uint64(50), c.QueueDropped(), "overflow must drop exactly the excess")
	assert.Equal(t, uint64(50), c.QueueDroppedByClass()["high"])

	close(socket.release)
	assert.True(t, <-done)
}

func TestConnection_BreakerTripAfterThreeFailures(t *testing.T) {
	socket := newStubSocket()
	socket.setFail(true)
	c := newTestConnection(t, socket, Config{BreakerThreshold: 3, BreakerRecovery: time.Minute})

	for i := 0; i < 3; i++ {
		assert.False(t, c.Send(event.New("m", nil)), "send %d must report failure", i+1)
	}
	assert.Equal(t, resilience.BreakerOpen, c.Breaker().State())
	assert.Equal(t, StateError, c.State())
	assert.Equal(t, 3, socket.writeAttempts())

	// 4th send: enqueued without a transport attempt.
	assert.False(t, c.Send(event.New("m", nil)))
	assert.Equal(t, 3, socket.writeAttempts())
	assert.Equal(t, 4, c.QueueDepth(), "three retried envelopes plus the deferred one")
}

func TestConnection_SubThresholdFailureStaysWritable(t *testing.T) {
	socket := newStubSocket()
	socket.setFail(true)
	c := newTestConnection(t, socket, Config{BreakerThreshold: 3, BreakerRecovery: time.Minute})

	assert.False(t, c.Send(event.New("m", nil)))
	assert.Equal(t, StateAuthenticated, c.State(), "one failure must not park the connection")

	socket.setFail(false)
	assert.True(t, c.Send(event.New("m2", nil)))
	assert.Equal(t, resilience.BreakerClosed, c.Breaker().State())
	assert.Equal(t, 0, c.Breaker().FailureCount(), "success resets the streak")
}

func TestConnection_BreakerOpenDefersToHighQueue(t *testing.T) {
	socket := newStubSocket()
	c := newTestConnection(t, socket, Config{BreakerThreshold: 2, BreakerRecovery: time.Minute})

	// Trip the breaker without going through the send path.
	c.Breaker().RecordFailure()
	c.Breaker().RecordFailure()
	require.Equal(t, resilience.BreakerOpen, c.Breaker().State())
	require.Equal(t, StateAuthenticated, c.State())

	accepted := c.Send(event.New("deferred", nil, event.WithPriority(event.PriorityLow)))
	assert.True(t, accepted, "breaker-open sends are accepted for later delivery")
	assert.Equal(t, 0, socket.writeAttempts())
	assert.Equal(t, 1, c.QueueDepthByClass()["high"], "deferral always lands in the high queue")
}

func TestConnection_FailedSendRequeuesWithRetryBudget(t *testing.T) {
	socket := newStubSocket()
	socket.setFail(true)
	c := newTestConnection(t, socket, Config{BreakerThreshold: 100})

	env := event.New("m", nil)
	assert.False(t, c.Send(env))
	assert.Equal(t, 1, env.RetryCount)
	assert.Equal(t, 1, c.QueueDepthByClass()["high"])

	exhausted := event.New("m2", nil)
	exhausted.RetryCount = event.MaxRetries
	assert.False(t, c.Send(exhausted))
	assert.Equal(t, 1, c.QueueDepth(), "an exhausted envelope is dropped, not requeued")
}

func TestConnection_ExpiredEnvelopeIsDisposed(t *testing.T) {
	socket := newStubSocket()
	c := newTestConnection(t, socket, Config{})

	env := event.New("m", nil)
	past := time.Now().Add(-time.Second)
	env.ExpiresAt = &past

	assert.True(t, c.Send(env), "expired envelopes are accepted and disposed")
	assert.Equal(t, 0, socket.writeAttempts())
	assert.Equal(t, int64(1), c.Info().ExpiredDropped)
}

func TestConnection_PingPongLatency(t *testing.T) {
	socket := newStubSocket()
	c := newTestConnection(t, socket, Config{})

	require.NoError(t, c.Ping())
	assert.Equal(t, "heartbeat", socket.frameType(0))
	assert.False(t, c.IsPingTimeout(time.Hour))

	time.Sleep(20 * time.Millisecond)
	assert.True(t, c.IsPingTimeout(5*time.Millisecond))

	c.HandlePong()
	assert.False(t, c.IsPingTimeout(time.Nanosecond), "pong clears the outstanding probe")

	health := c.Health()
	assert.GreaterOrEqual(t, health.LatencyMs, 15.0)
	assert.Less(t, health.LatencyMs, 5000.0)
}

func TestConnection_PingRefusedWhenNotWritable(t *testing.T) {
	c := New(newStubSocket(), log.NewNop(), Config{})
	assert.ErrorIs(t, c.Ping(), ErrNotWritable)
}

func TestConnection_Staleness(t *testing.T) {
	c := newTestConnection(t, newStubSocket(), Config{})

	assert.False(t, c.IsStale(time.Minute))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, c.IsStale(10*time.Millisecond))

	c.TouchHeartbeat()
	assert.False(t, c.IsStale(10*time.Millisecond))
}

func TestConnection_HealthQualityDegradesWithErrors(t *testing.T) {
	socket := newStubSocket()
	socket.setFail(true)
	c := newTestConnection(t, socket, Config{BreakerThreshold: 100})

	assert.Equal(t, QualityExcellent, c.Health().Quality)

	for i := 0; i < 2; i++ {
		c.Send(event.New("m", nil))
	}
	assert.Equal(t, QualityGood, c.Health().Quality, "more than one error")

	for i := 0; i < 4; i++ {
		c.Send(event.New("m", nil))
	}
	assert.Equal(t, QualityPoor, c.Health().Quality, "more than five errors")

	for i := 0; i < 5; i++ {
		c.Send(event.New("m", nil))
	}
	assert.Equal(t, QualityCritical, c.Health().Quality, "more than ten errors")
}

func TestConnection_BackpressureAtConfiguredThreshold(t *testing.T) {
	socket := newStubSocket()
	c := newTestConnection(t, socket, Config{BackpressureThreshold: 5, BreakerThreshold: 2, BreakerRecovery: time.Minute})

	c.Breaker().RecordFailure()
	c.Breaker().RecordFailure()

	for i := 0; i < 4; i++ {
		c.Send(event.New("m", nil))
	}
	assert.False(t, c.Health().BackpressureActive)

	c.Send(event.New("m", nil))
	health := c.Health()
	assert.Equal(t, 5, health.QueueSize)
	assert.True(t, health.BackpressureActive)
}

func TestConnection_DrainVisitsLowBeforeHigh(t *testing.T) {
	socket := newStubSocket()
	socket.blockWrites = true
	c := newTestConnection(t, socket, Config{DrainBatch: 200})

	done := make(chan bool)
	go func() {
		done <- c.Send(event.New("blocker", nil))
	}()
	<-socket.entered

	// High continuously outnumbers the others; low must still be served.
	for i := 0; i < 50; i++ {
		c.Send(event.New("high", nil, event.WithPriority(event.PriorityHigh)))
	}
	for i := 0; i < 3; i++ {
		c.Send(event.New("low", nil, event.WithPriority(event.PriorityLow)))
	}
	for i := 0; i < 3; i++ {
		c.Send(event.New("medium", nil, event.WithPriority(event.PriorityMedium)))
	}

	close(socket.release)
	require.True(t, <-done)
	socket.setBlock(false)
	require.Equal(t, 1, socket.frameCount())

	processed := c.ProcessPriorityQueue()
	assert.Equal(t, 56, processed)
	assert.Equal(t, 0, c.QueueDepth())

	// Frame 0 is the blocker; the drain cycle then serves low, medium, high.
	assert.Equal(t, "low", socket.frameType(1))
	assert.Equal(t, "low", socket.frameType(2))
	assert.Equal(t, "low", socket.frameType(3))
	assert.Equal(t, "medium", socket.frameType(4))
	assert.Equal(t, "high", socket.frameType(7))
}

func TestConnection_DrainStopsOnSendFailure(t *testing.T) {
	socket := newStubSocket()
	socket.blockWrites = true
	c := newTestConnection(t, socket, Config{BreakerThreshold: 100})

	done := make(chan bool)
	go func() {
		done <- c.Send(event.New("blocker", nil))
	}()
	<-socket.entered
	for i := 0; i < 5; i++ {
		c.Send(event.New("m", nil, event.WithPriority(event.PriorityLow)))
	}
	close(socket.release)
	require.True(t, <-done)
	socket.setBlock(false)

	socket.setFail(true)
	processed := c.ProcessPriorityQueue()
	assert.Equal(t, 1, processed, "a failed send ends the cycle")
	assert.Equal(t, 5, c.QueueDepth(), "failed envelope is requeued at high priority")
	assert.Equal(t, 1, c.QueueDepthByClass()["high"])
}

func TestConnection_DrainSkipsUnwritableStates(t *testing.T) {
	socket := newStubSocket()
	c := newTestConnection(t, socket, Config{})
	c.SetState(StateSuspended)

	assert.Equal(t, 0, c.ProcessPriorityQueue())
}

func TestConnection_ReconnectingResetsBackoff(t *testing.T) {
	c := newTestConnection(t, newStubSocket(), Config{BackoffJitter: false})

	_, err := c.Backoff().NextAttempt()
	require.NoError(t, err)
	_, err = c.Backoff().NextAttempt()
	require.NoError(t, err)
	require.Equal(t, 2, c.Backoff().Attempts())

	c.SetState(StateReconnecting)
	assert.Equal(t, 0, c.Backoff().Attempts())
	assert.Equal(t, int32(1), c.Info().ReconnectCount)
}

func TestConnection_CloseIsTerminalAndIdempotent(t *testing.T) {
	socket := newStubSocket()
	c := newTestConnection(t, socket, Config{})

	require.NoError(t, c.Close(1000, "bye"))
	assert.Equal(t, StateDisconnected, c.State())
	assert.True(t, c.Closed())
	assert.Equal(t, 1000, socket.closeCode)
	assert.Equal(t, "bye", socket.closeReason)

	require.NoError(t, c.Close(1001, "again"))
	assert.Equal(t, 1, socket.closeCalls)

	c.SetState(StateConnected)
	assert.Equal(t, StateDisconnected, c.State(), "Disconnected is terminal")
	assert.False(t, c.Send(event.New("m", nil)))
}

func TestConnection_ChannelSubscriptions(t *testing.T) {
	c := newTestConnection(t, newStubSocket(), Config{})

	c.AddChannels("general", "alerts", "")
	assert.True(t, c.HasChannel("general"))
	assert.True(t, c.HasChannel("alerts"))
	assert.False(t, c.HasChannel(""))
	assert.Len(t, c.Channels(), 2)

	c.RemoveChannels("general")
	assert.False(t, c.HasChannel("general"))
	assert.Len(t, c.Channels(), 1)
}

func BenchmarkConnection_Send(b *testing.B) {
	socket := newStubSocket()
	c := New(socket, log.NewNop(), Config{})
	c.MarkConnected()
	c.Authenticate("u", "s")
	env := event.New("bench", map[string]any{"n": 1})

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		c.Send(env)
	}
}
