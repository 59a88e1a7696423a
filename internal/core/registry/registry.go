// Package registry owns every live connection and the indexes that
// resolve users, sessions and channels to them. All four maps move
// together under one lock: a connection is either fully indexed or
// absent, never half-registered.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/pulsegate/pulsegate/internal/auth"
	"github.com/pulsegate/pulsegate/internal/core/connection"
	"github.com/pulsegate/pulsegate/internal/core/event"
	"github.com/pulsegate/pulsegate/internal/core/observability/log"
	"github.com/pulsegate/pulsegate/internal/core/ratelimit"
	"github.com/pulsegate/pulsegate/internal/core/relay"
)

// Close codes sent on server-initiated disconnects.
const (
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
)

// Config tunes the background loops and per-connection behavior.
type Config struct {
	HeartbeatInterval time.Duration
	CleanupInterval   time.Duration
	StaleTimeout      time.Duration
	PingTimeout       time.Duration
	DrainBusyInterval time.Duration
	DrainIdleInterval time.Duration

	// FanoutWorkers caps concurrency for pings and mass disconnects.
	FanoutWorkers int

	Connection connection.Config
}

// DefaultConfig mirrors the deployment defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 20 * time.Second,
		CleanupInterval:   60 * time.Second,
		StaleTimeout:      60 * time.Second,
		PingTimeout:       5 * time.Second,
		DrainBusyInterval: 100 * time.Millisecond,
		DrainIdleInterval: time.Second,
		FanoutWorkers:     64,
		Connection:        connection.DefaultConfig(),
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.StaleTimeout <= 0 {
		c.StaleTimeout = d.StaleTimeout
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = d.PingTimeout
	}
	if c.DrainBusyInterval <= 0 {
		c.DrainBusyInterval = d.DrainBusyInterval
	}
	if c.DrainIdleInterval <= 0 {
		c.DrainIdleInterval = d.DrainIdleInterval
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = d.FanoutWorkers
	}
	return c
}

// RelayDispatch re-dispatches a foreign relay frame locally. Wired by
// the injector to the router so the two packages stay decoupled.
type RelayDispatch func(kind, value string, env *event.Envelope) int

type idSet = map[connection.ID]struct{}

// Registry is the connection manager.
type Registry struct {
	cfg      Config
	logger   log.Log
	verifier auth.Verifier
	limiter  *ratelimit.RateLimiter
	relay    *relay.Relay

	mu          sync.RWMutex
	connections map[connection.ID]*connection.Connection
	byUser      map[string]idSet
	bySession   map[string]idSet
	byChannel   map[string]idSet

	relayDispatch RelayDispatch

	running atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	totalRegistered   atomic.Int64
	totalDisconnected atomic.Int64
	staleDisconnects  atomic.Int64
}

// New builds a registry. limiter and rel may be nil-configured but not nil.
func New(cfg Config, verifier auth.Verifier, limiter *ratelimit.RateLimiter, rel *relay.Relay, logger log.Log) *Registry {
	return &Registry{
		cfg:         cfg.withDefaults(),
		logger:      logger.Named("registry"),
		verifier:    verifier,
		limiter:     limiter,
		relay:       rel,
		connections: make(map[connection.ID]*connection.Connection),
		byUser:      make(map[string]idSet),
		bySession:   make(map[string]idSet),
		byChannel:   make(map[string]idSet),
	}
}

// SetRelayDispatch installs the local re-dispatch hook for foreign relay
// frames. Must be called before Start.
func (r *Registry) SetRelayDispatch(fn RelayDispatch) {
	r.relayDispatch = fn
}

// AuthenticateAndRegister verifies the token, enforces the admission
// caps, then creates and indexes a connection subscribed to the given
// channels. The returned connection is already Authenticated.
func (r *Registry) AuthenticateAndRegister(ctx context.Context, socket connection.Socket, token, sessionID string, channels []string) (*connection.Connection, error) {
	if !r.running.Load() {
		return nil, ErrNotRunning
	}

	userID, err := r.verifier.Verify(ctx, token)
	if err != nil {
		return nil, err
	}

	if !r.limiter.CheckConnectionLimit(ctx, userID, sessionID) {
		r.logger.Warn("connection denied by admission cap",
			log.String("user_id", userID), log.String("session_id", sessionID))
		return nil, ErrConnectionLimit
	}

	conn := connection.New(socket, r.logger, r.cfg.Connection)
	conn.MarkConnected()
	conn.Authenticate(userID, sessionID)
	conn.AddChannels(channels...)

	r.mu.Lock()
	r.connections[conn.ID()] = conn
	addIndex(r.byUser, userID, conn.ID())
	if sessionID != "" {
		addIndex(r.bySession, sessionID, conn.ID())
	}
	for _, ch := range conn.Channels() {
		addIndex(r.byChannel, ch, conn.ID())
	}
	total := len(r.connections)
	r.mu.Unlock()

	if err := r.limiter.RegisterConnection(ctx, userID, sessionID, conn.ID().String()); err != nil {
		r.logger.Warn("shared admission set not updated", log.Error(err))
	}

	r.totalRegistered.Inc()
	r.logger.Info("connection registered",
		log.String("connection_id", conn.ID().String()),
		log.String("user_id", userID),
		log.String("session_id", sessionID),
		log.Strings("channels", conn.Channels()),
		log.Int("total_connections", total))
	return conn, nil
}

// Disconnect closes a connection and removes it from every index.
func (r *Registry) Disconnect(ctx context.Context, id connection.ID, code int, reason string) error {
	r.mu.Lock()
	conn, ok := r.connections[id]
	if !ok {
		r.mu.Unlock()
		return errors.Wrap(ErrNotFound, id.String())
	}
	delete(r.connections, id)
	removeIndex(r.byUser, conn.UserID(), id)
	removeIndex(r.bySession, conn.SessionID(), id)
	for _, ch := range conn.Channels() {
		removeIndex(r.byChannel, ch, id)
	}
	remaining := len(r.connections)
	r.mu.Unlock()

	if err := conn.Close(code, reason); err != nil {
		r.logger.Debug("socket close failed", log.String("connection_id", id.String()), log.Error(err))
	}
	if err := r.limiter.UnregisterConnection(ctx, conn.UserID(), conn.SessionID(), id.String()); err != nil {
		r.logger.Warn("shared admission set not updated", log.Error(err))
	}

	r.totalDisconnected.Inc()
	r.logger.Info("connection disconnected",
		log.String("connection_id", id.String()),
		log.String("user_id", conn.UserID()),
		log.Int("close_code", code),
		log.String("reason", reason),
		log.Int("total_connections", remaining))
	return nil
}

// Subscribe applies channel additions and removals in one step and
// returns the resulting subscription list.
func (r *Registry) Subscribe(id connection.ID, add, remove []string) ([]string, error) {
	r.mu.Lock()
	conn, ok := r.connections[id]
	if !ok {
		r.mu.Unlock()
		return nil, errors.Wrap(ErrNotFound, id.String())
	}

	for _, ch := range add {
		if ch == "" {
			continue
		}
		addIndex(r.byChannel, ch, id)
	}
	for _, ch := range remove {
		removeIndex(r.byChannel, ch, id)
	}
	conn.AddChannels(add...)
	conn.RemoveChannels(remove...)
	current := conn.Channels()
	r.mu.Unlock()

	r.logger.Debug("subscriptions updated",
		log.String("connection_id", id.String()),
		log.Strings("channels", current))
	return current, nil
}

// Unsubscribe removes the connection from the given channels.
func (r *Registry) Unsubscribe(id connection.ID, channels ...string) ([]string, error) {
	return r.Subscribe(id, nil, channels)
}

// Get returns a connection by ID.
func (r *Registry) Get(id connection.ID) (*connection.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connections[id]
	return conn, ok
}

// GetByUser returns all of a user's connections.
func (r *Registry) GetByUser(userID string) []*connection.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byUser[userID])
}

// GetBySession returns all of a session's connections.
func (r *Registry) GetBySession(sessionID string) []*connection.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.bySession[sessionID])
}

// GetByChannel returns all connections subscribed to a channel.
func (r *Registry) GetByChannel(channel string) []*connection.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byChannel[channel])
}

// All returns every registered connection.
func (r *Registry) All() []*connection.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*connection.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		out = append(out, conn)
	}
	return out
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections)
}

// collect resolves an ID set under the caller's read lock.
func (r *Registry) collect(ids idSet) []*connection.Connection {
	if len(ids) == 0 {
		return nil
	}
	out := make([]*connection.Connection, 0, len(ids))
	for id := range ids {
		if conn, ok := r.connections[id]; ok {
			out = append(out, conn)
		}
	}
	return out
}

func addIndex(index map[string]idSet, key string, id connection.ID) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		set = make(idSet)
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex(index map[string]idSet, key string, id connection.ID) {
	if key == "" {
		return
	}
	set, ok := index[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}

// Stats is the ops snapshot served by the stats endpoint.
type Stats struct {
	Connections       int            `json:"connections"`
	Users             int            `json:"users"`
	Sessions          int            `json:"sessions"`
	Channels          map[string]int `json:"channels"`
	ByState           map[string]int `json:"by_state"`
	QueueDepth        int            `json:"queue_depth"`
	QueueDropped      uint64         `json:"queue_dropped"`
	TotalRegistered   int64          `json:"total_registered"`
	TotalDisconnected int64          `json:"total_disconnected"`
	StaleDisconnects  int64          `json:"stale_disconnects"`
	Relay             relay.Stats    `json:"relay"`
}

// Stats aggregates the registry's current shape.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	stats := Stats{
		Connections: len(r.connections),
		Users:       len(r.byUser),
		Sessions:    len(r.bySession),
		Channels:    make(map[string]int, len(r.byChannel)),
		ByState:     make(map[string]int),
	}
	for ch, ids := range r.byChannel {
		stats.Channels[ch] = len(ids)
	}
	conns := make([]*connection.Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		stats.ByState[conn.State().String()]++
		stats.QueueDepth += conn.QueueDepth()
		stats.QueueDropped += conn.QueueDropped()
	}
	stats.TotalRegistered = r.totalRegistered.Load()
	stats.TotalDisconnected = r.totalDisconnected.Load()
	stats.StaleDisconnects = r.staleDisconnects.Load()
	stats.Relay = r.relay.Stats()
	return stats
}
