package connection

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/pulsegate/pulsegate/internal/core/event"
	"github.com/pulsegate/pulsegate/internal/core/observability/log"
	"github.com/pulsegate/pulsegate/internal/core/resilience"
	"github.com/pulsegate/pulsegate/pkg/sequence"
)

var (
	ErrNotWritable = errors.New("connection: state does not permit writes")
	ErrBreakerOpen = errors.New("connection: circuit breaker open")
)

// Socket is the transport capability a connection owns. Implementations
// handle framing and deadlines; the connection only sees text payloads.
type Socket interface {
	SendText(data string) error
	ReceiveText() (string, error)
	Close(code int, reason string) error
}

// latencySampleCount bounds the latency ring: the health latency is the mean
// of the most recent samples only.
const latencySampleCount = 10

// Config tunes one connection. All fields have working defaults.
type Config struct {
	HighQueueCapacity     int
	MediumQueueCapacity   int
	LowQueueCapacity      int
	GeneralQueueCapacity  int
	BackpressureThreshold int

	DrainBatch         int
	DrainBatchDegraded int

	BreakerThreshold int
	BreakerRecovery  time.Duration

	BackoffBase        time.Duration
	BackoffMax         time.Duration
	BackoffMaxAttempts int
	BackoffJitter      bool
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		HighQueueCapacity:     100,
		MediumQueueCapacity:   500,
		LowQueueCapacity:      1000,
		GeneralQueueCapacity:  1000,
		BackpressureThreshold: 1200,
		DrainBatch:            50,
		DrainBatchDegraded:    10,
		BreakerThreshold:      5,
		BreakerRecovery:       30 * time.Second,
		BackoffBase:           time.Second,
		BackoffMax:            60 * time.Second,
		BackoffMaxAttempts:    10,
		BackoffJitter:         true,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HighQueueCapacity <= 0 {
		c.HighQueueCapacity = d.HighQueueCapacity
	}
	if c.MediumQueueCapacity <= 0 {
		c.MediumQueueCapacity = d.MediumQueueCapacity
	}
	if c.LowQueueCapacity <= 0 {
		c.LowQueueCapacity = d.LowQueueCapacity
	}
	if c.GeneralQueueCapacity <= 0 {
		c.GeneralQueueCapacity = d.GeneralQueueCapacity
	}
	if c.BackpressureThreshold <= 0 {
		c.BackpressureThreshold = d.BackpressureThreshold
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = d.DrainBatch
	}
	if c.DrainBatchDegraded <= 0 {
		c.DrainBatchDegraded = d.DrainBatchDegraded
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerRecovery <= 0 {
		c.BreakerRecovery = d.BreakerRecovery
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.BackoffMaxAttempts <= 0 {
		c.BackoffMaxAttempts = d.BackoffMaxAttempts
	}
	return c
}

// Connection owns one client socket. The send path is serialized by an
// exclusive lock: concurrent senders enqueue instead of blocking, and a
// background drain cycle empties the queues.
type Connection struct {
	id     ID
	socket Socket
	logger log.Log
	cfg    Config

	state  atomic.Int32
	closed atomic.Bool

	// sendMu is the exclusive send lock. Only TryLock on the Send fast
	// path; Ping blocks.
	sendMu sync.Mutex

	mu            sync.RWMutex
	userID        string
	sessionID     string
	channels      map[string]struct{}
	lastHeartbeat time.Time
	lastPong      time.Time
	pingSentAt    time.Time
	latency       *sequence.Ring[time.Duration]

	queues  *deliveryQueues
	breaker *resilience.CircuitBreaker
	backoff *resilience.Backoff

	connectedAt    time.Time
	lastActivity   atomic.Int64
	messageCount   atomic.Int64
	errorCount     atomic.Int64
	bytesSent      atomic.Int64
	bytesReceived  atomic.Int64
	reconnectCount atomic.Int32
	expiredCount   atomic.Int64
}

// New creates a connection in the Connecting state.
func New(socket Socket, logger log.Log, cfg Config) *Connection {
	cfg = cfg.withDefaults()
	id := GenerateID()
	now := time.Now()

	c := &Connection{
		id:            id,
		socket:        socket,
		logger:        logger.With(log.String("connection_id", id.String())),
		cfg:           cfg,
		channels:      make(map[string]struct{}),
		lastHeartbeat: now,
		latency:       sequence.NewRing[time.Duration](latencySampleCount),
		queues:        newDeliveryQueues(cfg.HighQueueCapacity, cfg.MediumQueueCapacity, cfg.LowQueueCapacity, cfg.GeneralQueueCapacity),
		breaker:       resilience.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerRecovery),
		backoff:       resilience.NewBackoff(cfg.BackoffBase, cfg.BackoffMax, cfg.BackoffMaxAttempts, cfg.BackoffJitter),
		connectedAt:   now,
	}
	c.state.Store(int32(StateConnecting))
	c.lastActivity.Store(now.UnixNano())
	return c
}

func (c *Connection) ID() ID {
	return c.id
}

func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Connection) State() State {
	return State(c.state.Load())
}

// SetState transitions the lifecycle state. Disconnected is terminal;
// entering Reconnecting resets the backoff schedule and counts the
// reconnect.
func (c *Connection) SetState(next State) {
	for {
		current := State(c.state.Load())
		if current.Terminal() || current == next {
			return
		}
		if c.state.CompareAndSwap(int32(current), int32(next)) {
			if next == StateReconnecting {
				c.backoff.Reset()
				c.reconnectCount.Inc()
			}
			return
		}
	}
}

// MarkConnected moves a freshly upgraded connection out of Connecting.
func (c *Connection) MarkConnected() {
	c.SetState(StateConnected)
}

// Authenticate binds the verified identity and completes the lifecycle
// climb.
func (c *Connection) Authenticate(userID, sessionID string) {
	c.mu.Lock()
	c.userID = userID
	c.sessionID = sessionID
	c.mu.Unlock()
	c.SetState(StateAuthenticated)
}

// Send delivers the envelope or queues it for the drain loop. The return
// value means "accepted for delivery", not "delivered": queued envelopes
// report true. It is false when the state refuses writes or the write itself
// failed. In the Error state the envelope is still held at high priority for
// a later drain, without touching the transport.
func (c *Connection) Send(env *event.Envelope) bool {
	state := c.State()
	if !state.Writable() {
		if state == StateError {
			c.enqueueHigh(env)
		}
		return false
	}
	if env.Expired(time.Now()) {
		c.expiredCount.Inc()
		return true
	}

	if !c.sendMu.TryLock() {
		c.enqueue(env)
		return true
	}
	defer c.sendMu.Unlock()

	if !c.breaker.CanExecute() {
		c.enqueueHigh(env)
		return true
	}
	return c.write(env)
}

// write performs the transport write. Caller holds sendMu.
func (c *Connection) write(env *event.Envelope) bool {
	data, err := env.Encode()
	if err != nil {
		c.errorCount.Inc()
		c.logger.Error("envelope encode failed",
			log.String("event_type", env.Type), log.Error(err))
		return false
	}

	if err := c.socket.SendText(string(data)); err != nil {
		c.errorCount.Inc()
		c.breaker.RecordFailure()
		// A sub-threshold failure leaves the state writable so the breaker
		// can accumulate its streak; the trip is what parks the connection
		// in Error until cleanup or teardown.
		if c.breaker.State() != resilience.BreakerClosed {
			c.SetState(StateError)
		}
		if env.CanRetry() {
			env.RetryCount++
			c.enqueueHigh(env)
		}
		c.logger.Warn("transport write failed",
			log.String("event_type", env.Type),
			log.Int("retry_count", env.RetryCount),
			log.Error(err))
		return false
	}

	c.lastActivity.Store(time.Now().UnixNano())
	c.bytesSent.Add(int64(len(data)))
	c.messageCount.Inc()
	c.breaker.RecordSuccess()
	return true
}

func (c *Connection) enqueue(env *event.Envelope) {
	if c.queues.Enqueue(env) {
		c.logger.Debug("queue overflow, oldest envelope dropped",
			log.String("priority", env.Priority.String()))
	}
}

func (c *Connection) enqueueHigh(env *event.Envelope) {
	if c.queues.EnqueueHigh(env) {
		c.logger.Debug("high queue overflow, oldest envelope dropped")
	}
}

// Ping writes a heartbeat envelope and arms the latency probe. An already
// outstanding probe is kept so ping timeouts measure the oldest unanswered
// ping.
func (c *Connection) Ping() error {
	if !c.State().Writable() {
		return ErrNotWritable
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.breaker.CanExecute() {
		return ErrBreakerOpen
	}

	data, err := event.NewHeartbeat().Encode()
	if err != nil {
		return errors.Wrap(err, "connection: heartbeat encode")
	}
	if err := c.socket.SendText(string(data)); err != nil {
		c.errorCount.Inc()
		c.breaker.RecordFailure()
		if c.breaker.State() != resilience.BreakerClosed {
			c.SetState(StateError)
		}
		return errors.Wrap(err, "connection: ping write")
	}

	now := time.Now()
	c.lastActivity.Store(now.UnixNano())
	c.bytesSent.Add(int64(len(data)))
	c.breaker.RecordSuccess()

	c.mu.Lock()
	if c.pingSentAt.IsZero() {
		c.pingSentAt = now
	}
	c.mu.Unlock()
	return nil
}

// HandlePong completes an outstanding ping, recording the round trip into
// the latency ring.
func (c *Connection) HandlePong() {
	now := time.Now()
	c.mu.Lock()
	if !c.pingSentAt.IsZero() {
		c.latency.Push(now.Sub(c.pingSentAt))
		c.pingSentAt = time.Time{}
	}
	c.lastHeartbeat = now
	c.lastPong = now
	c.mu.Unlock()
	c.lastActivity.Store(now.UnixNano())
}

// Touch refreshes the activity timestamp; any inbound frame counts.
func (c *Connection) Touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// TouchHeartbeat refreshes liveness for client-initiated heartbeat frames.
func (c *Connection) TouchHeartbeat() {
	now := time.Now()
	c.mu.Lock()
	c.lastHeartbeat = now
	c.mu.Unlock()
	c.lastActivity.Store(now.UnixNano())
}

// RecordReceived accounts an inbound frame of n bytes.
func (c *Connection) RecordReceived(n int) {
	c.bytesReceived.Add(int64(n))
	c.Touch()
}

// IsStale reports whether no heartbeat has arrived within timeout.
func (c *Connection) IsStale(timeout time.Duration) bool {
	c.mu.RLock()
	last := c.lastHeartbeat
	c.mu.RUnlock()
	return time.Since(last) > timeout
}

// IsPingTimeout reports whether an outstanding ping has gone unanswered for
// longer than timeout. It marks a cleanup candidate; it does not disconnect
// by itself.
func (c *Connection) IsPingTimeout(timeout time.Duration) bool {
	c.mu.RLock()
	sent := c.pingSentAt
	c.mu.RUnlock()
	return !sent.IsZero() && time.Since(sent) > timeout
}

// Health summarizes the connection for monitoring.
func (c *Connection) Health() Health {
	c.mu.RLock()
	samples := c.latency.Snapshot()
	c.mu.RUnlock()

	var latencyMs float64
	if len(samples) > 0 {
		var total time.Duration
		for _, s := range samples {
			total += s
		}
		latencyMs = float64(total) / float64(time.Millisecond) / float64(len(samples))
	}

	ageSeconds := time.Since(c.connectedAt).Seconds()
	if ageSeconds < 1 {
		ageSeconds = 1
	}
	msgs := c.messageCount.Load()
	errs := c.errorCount.Load()
	depth := c.queues.Depth()

	return Health{
		LatencyMs:          latencyMs,
		Quality:            qualityFor(latencyMs, errs),
		MessageRate:        float64(msgs) / ageSeconds,
		ErrorRate:          float64(errs) / (ageSeconds / 60),
		QueueSize:          depth,
		BackpressureActive: depth >= c.cfg.BackpressureThreshold,
	}
}

// ProcessPriorityQueue runs one drain cycle: low, medium, high, then
// general, up to the batch cap per queue (the degraded cap while the breaker
// is not closed). A failed send ends the cycle; the failure path has already
// requeued the envelope at high priority. Returns how many envelopes were
// handed to the send path.
func (c *Connection) ProcessPriorityQueue() int {
	if !c.State().Writable() {
		return 0
	}

	batch := c.cfg.DrainBatch
	if c.breaker.State() != resilience.BreakerClosed {
		batch = c.cfg.DrainBatchDegraded
	}

	processed := 0
	for _, cls := range drainOrder {
		for i := 0; i < batch; i++ {
			env, ok := c.queues.dequeueClass(cls)
			if !ok {
				break
			}
			processed++
			if !c.Send(env) {
				return processed
			}
		}
	}
	return processed
}

// QueueDepth returns the combined length of the four delivery queues.
func (c *Connection) QueueDepth() int {
	return c.queues.Depth()
}

// QueueDepthByClass returns per-queue lengths keyed by class name.
func (c *Connection) QueueDepthByClass() map[string]int {
	return c.queues.DepthByClass()
}

// QueueDropped returns the total overflow drops across all queues.
func (c *Connection) QueueDropped() uint64 {
	return c.queues.Dropped()
}

// QueueDroppedByClass returns overflow drops keyed by class name.
func (c *Connection) QueueDroppedByClass() map[string]uint64 {
	return c.queues.DroppedByClass()
}

// Breaker exposes the owned circuit breaker for monitoring reads.
func (c *Connection) Breaker() *resilience.CircuitBreaker {
	return c.breaker
}

// Backoff exposes the owned reconnect schedule; its delays are advisory to
// the client only.
func (c *Connection) Backoff() *resilience.Backoff {
	return c.backoff
}

// AddChannels subscribes the connection to the given channels.
func (c *Connection) AddChannels(channels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		if ch != "" {
			c.channels[ch] = struct{}{}
		}
	}
}

// RemoveChannels unsubscribes the connection from the given channels.
func (c *Connection) RemoveChannels(channels ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
}

// Channels returns a copy of the subscribed channel set.
func (c *Connection) Channels() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	return out
}

// HasChannel reports whether the connection subscribes to ch.
func (c *Connection) HasChannel(ch string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[ch]
	return ok
}

// MessageCount returns how many envelopes were written successfully.
func (c *Connection) MessageCount() int64 {
	return c.messageCount.Load()
}

// ErrorCount returns how many write failures have occurred.
func (c *Connection) ErrorCount() int64 {
	return c.errorCount.Load()
}

// Close tears the connection down. Safe to call more than once; only the
// first call touches the socket.
func (c *Connection) Close(code int, reason string) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.state.Store(int32(StateDisconnected))
	if err := c.socket.Close(code, reason); err != nil {
		return errors.Wrap(err, "connection: close")
	}
	return nil
}

// Closed reports whether Close has run.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

// Info is the ops-facing snapshot of one connection.
type Info struct {
	ID             ID        `json:"id"`
	UserID         string    `json:"user_id,omitempty"`
	SessionID      string    `json:"session_id,omitempty"`
	State          string    `json:"state"`
	Quality        Quality   `json:"quality"`
	Channels       []string  `json:"channels"`
	QueueDepth     int       `json:"queue_depth"`
	QueueDropped   uint64    `json:"queue_dropped"`
	MessageCount   int64     `json:"message_count"`
	ErrorCount     int64     `json:"error_count"`
	BytesSent      int64     `json:"bytes_sent"`
	BytesReceived  int64     `json:"bytes_received"`
	ReconnectCount int32     `json:"reconnect_count"`
	ExpiredDropped int64     `json:"expired_dropped"`
	LatencyMs      float64   `json:"latency_ms"`
	BreakerState   string    `json:"breaker_state"`
	ConnectedAt    time.Time `json:"connected_at"`
	LastActivity   time.Time `json:"last_activity"`
}

// Info captures the current snapshot.
func (c *Connection) Info() Info {
	health := c.Health()
	return Info{
		ID:             c.id,
		UserID:         c.UserID(),
		SessionID:      c.SessionID(),
		State:          c.State().String(),
		Quality:        health.Quality,
		Channels:       c.Channels(),
		QueueDepth:     health.QueueSize,
		QueueDropped:   c.queues.Dropped(),
		MessageCount:   c.messageCount.Load(),
		ErrorCount:     c.errorCount.Load(),
		BytesSent:      c.bytesSent.Load(),
		BytesReceived:  c.bytesReceived.Load(),
		ReconnectCount: c.reconnectCount.Load(),
		ExpiredDropped: c.expiredCount.Load(),
		LatencyMs:      health.LatencyMs,
		BreakerState:   c.breaker.State().String(),
		ConnectedAt:    c.connectedAt,
		LastActivity:   time.Unix(0, c.lastActivity.Load()),
	}
}
