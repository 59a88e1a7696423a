package registry

import (
	"context"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/pulsegate/pulsegate/internal/core/connection"
	"github.com/pulsegate/pulsegate/internal/core/event"
	"github.com/pulsegate/pulsegate/internal/core/observability/log"
	"github.com/pulsegate/pulsegate/pkg/concurrent"
)

// Start launches the background loops. They share one context: Stop or
// a parent cancellation ends all of them.
func (r *Registry) Start(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	group, groupCtx := errgroup.WithContext(loopCtx)
	r.group = group

	group.Go(func() error { return r.heartbeatLoop(groupCtx) })
	group.Go(func() error { return r.cleanupLoop(groupCtx) })
	group.Go(func() error { return r.drainLoop(groupCtx) })
	if r.relay.Enabled() && r.relayDispatch != nil {
		group.Go(func() error { return r.relayLoop(groupCtx) })
	}

	r.logger.Info("registry started",
		log.Duration("heartbeat_interval", r.cfg.HeartbeatInterval),
		log.Duration("cleanup_interval", r.cfg.CleanupInterval),
		log.Bool("relay", r.relay.Enabled()))
	return nil
}

// Stop ends the loops, waits for them within ctx, then force-closes
// whatever is still connected.
func (r *Registry) Stop(ctx context.Context) error {
	if !r.running.CompareAndSwap(true, false) {
		return nil
	}
	r.cancel()

	done := make(chan error, 1)
	go func() { done <- r.group.Wait() }()
	select {
	case <-done:
	case <-ctx.Done():
		r.logger.Warn("background loops did not stop in time")
	}

	closed := r.DisconnectAll(ctx, CloseGoingAway, "server shutting down")
	r.logger.Info("registry stopped", log.Int("connections_closed", closed))
	return nil
}

// Running reports whether the loops are active.
func (r *Registry) Running() bool {
	return r.running.Load()
}

// DisconnectAll closes every registered connection concurrently.
func (r *Registry) DisconnectAll(ctx context.Context, code int, reason string) int {
	conns := r.All()
	ids := make([]connection.ID, len(conns))
	for i, conn := range conns {
		ids[i] = conn.ID()
	}

	return concurrent.Tally(ctx, r.cfg.FanoutWorkers, ids, func(ctx context.Context, id connection.ID) bool {
		return r.Disconnect(ctx, id, code, reason) == nil
	})
}

func (r *Registry) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.heartbeatOnce(ctx)
		}
	}
}

// heartbeatOnce pings every writable connection and reports how many
// pings went out.
func (r *Registry) heartbeatOnce(ctx context.Context) int {
	conns := r.writable()
	if len(conns) == 0 {
		return 0
	}
	return concurrent.Tally(ctx, r.cfg.FanoutWorkers, conns, func(_ context.Context, conn *connection.Connection) bool {
		if err := conn.Ping(); err != nil {
			r.logger.Debug("heartbeat ping failed",
				log.String("connection_id", conn.ID().String()), log.Error(err))
			return false
		}
		return true
	})
}

func (r *Registry) cleanupLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.cleanupOnce(ctx)
		}
	}
}

// cleanupOnce disconnects stale and ping-timed-out connections. The ping
// timeout alone never closes a connection inline; this sweep is the only
// place that verdict is acted on.
func (r *Registry) cleanupOnce(ctx context.Context) int {
	removed := 0
	for _, conn := range r.All() {
		stale := conn.IsStale(r.cfg.StaleTimeout)
		timedOut := conn.IsPingTimeout(r.cfg.PingTimeout)
		if !stale && !timedOut {
			continue
		}
		reason := "stale connection"
		if !stale {
			reason = "ping timeout"
		}
		if err := r.Disconnect(ctx, conn.ID(), CloseGoingAway, reason); err == nil {
			removed++
			r.staleDisconnects.Inc()
		}
	}

	if purged := r.limiter.PurgeExpired(time.Now()); purged > 0 {
		r.logger.Debug("rate windows purged", log.Int("count", purged))
	}
	if removed > 0 {
		r.logger.Info("stale connections removed", log.Int("count", removed))
	}
	return removed
}

// drainLoop adaptively polls the delivery queues: sub-second while any
// connection had work, relaxed when the sweep found nothing.
func (r *Registry) drainLoop(ctx context.Context) error {
	timer := time.NewTimer(r.cfg.DrainIdleInterval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		next := r.cfg.DrainIdleInterval
		if r.drainOnce(ctx) > 0 {
			next = r.cfg.DrainBusyInterval
		}
		timer.Reset(next)
	}
}

// drainOnce runs one drain cycle across every backlogged connection.
func (r *Registry) drainOnce(ctx context.Context) int {
	var backlogged []*connection.Connection
	for _, conn := range r.All() {
		if conn.QueueDepth() > 0 && conn.State().Writable() {
			backlogged = append(backlogged, conn)
		}
	}
	if len(backlogged) == 0 {
		return 0
	}

	total := atomic.NewInt64(0)
	concurrent.ForEachMute(ctx, r.cfg.FanoutWorkers, backlogged, func(_ context.Context, conn *connection.Connection) {
		total.Add(int64(conn.ProcessPriorityQueue()))
	})
	return int(total.Load())
}

// relayLoop re-dispatches foreign frames through the router. A bus
// failure degrades to single-node fan-out rather than stopping the
// registry.
func (r *Registry) relayLoop(ctx context.Context) error {
	err := r.relay.Listen(ctx, func(kind, value string, env *event.Envelope) {
		delivered := r.relayDispatch(kind, value, env)
		r.logger.Debug("relay frame dispatched",
			log.String("kind", kind),
			log.String("value", value),
			log.Int("delivered", delivered))
	})
	if err != nil {
		r.logger.Warn("relay listener stopped", log.Error(err))
	}
	return nil
}

func (r *Registry) writable() []*connection.Connection {
	var out []*connection.Connection
	for _, conn := range r.All() {
		if conn.State().Writable() {
			out = append(out, conn)
		}
	}
	return out
}
