// Package routing resolves logical targets to live connections and fans
// envelopes out to them. Every recipient passes the message-rate gate
// first; a denied recipient gets a rate_limit_exceeded warning in place
// of the message and does not count as delivered.
package routing

import (
	"context"

	"go.uber.org/atomic"

	"github.com/pulsegate/pulsegate/internal/core/connection"
	"github.com/pulsegate/pulsegate/internal/core/event"
	"github.com/pulsegate/pulsegate/internal/core/observability/log"
	"github.com/pulsegate/pulsegate/internal/core/ratelimit"
	"github.com/pulsegate/pulsegate/internal/core/registry"
	"github.com/pulsegate/pulsegate/internal/core/relay"
	"github.com/pulsegate/pulsegate/pkg/concurrent"
)

const defaultFanoutWorkers = 32

// Router fans envelopes out locally and mirrors public sends onto the
// relay bus for other nodes.
type Router struct {
	registry *registry.Registry
	limiter  *ratelimit.RateLimiter
	relay    *relay.Relay
	logger   log.Log
	workers  int

	delivered  atomic.Int64
	rateDenied atomic.Int64
}

// Stats is the router's ops counter snapshot.
type Stats struct {
	Delivered  int64 `json:"delivered"`
	RateDenied int64 `json:"rate_denied"`
}

// New builds a router. workers <= 0 selects the default fan-out width.
func New(reg *registry.Registry, limiter *ratelimit.RateLimiter, rel *relay.Relay, logger log.Log, workers int) *Router {
	if workers <= 0 {
		workers = defaultFanoutWorkers
	}
	return &Router{
		registry: reg,
		limiter:  limiter,
		relay:    rel,
		logger:   logger.Named("router"),
		workers:  workers,
	}
}

// SendToConnection delivers to one connection. No relay mirror:
// connection IDs are node-local.
func (ro *Router) SendToConnection(ctx context.Context, id connection.ID, env *event.Envelope) bool {
	conn, ok := ro.registry.Get(id)
	if !ok {
		return false
	}
	return ro.deliver(ctx, conn, env)
}

// SendToUser delivers to every local connection of the user and mirrors
// the envelope for other nodes. Returns the local delivery count.
func (ro *Router) SendToUser(ctx context.Context, userID string, env *event.Envelope) int {
	count := ro.fanout(ctx, ro.registry.GetByUser(userID), env)
	ro.mirror(ctx, relay.UserTarget(userID), env)
	return count
}

// SendToSession delivers to every local connection of the session and
// mirrors the envelope for other nodes.
func (ro *Router) SendToSession(ctx context.Context, sessionID string, env *event.Envelope) int {
	count := ro.fanout(ctx, ro.registry.GetBySession(sessionID), env)
	ro.mirror(ctx, relay.SessionTarget(sessionID), env)
	return count
}

// SendToChannel delivers to every local subscriber and mirrors the
// envelope for other nodes.
func (ro *Router) SendToChannel(ctx context.Context, channel string, env *event.Envelope) int {
	count := ro.fanout(ctx, ro.registry.GetByChannel(channel), env)
	ro.mirror(ctx, relay.ChannelTarget(channel), env)
	return count
}

// Broadcast delivers to every local connection and mirrors the envelope
// for other nodes.
func (ro *Router) Broadcast(ctx context.Context, env *event.Envelope) int {
	count := ro.fanout(ctx, ro.registry.All(), env)
	ro.mirror(ctx, relay.BroadcastTarget(), env)
	return count
}

// DispatchLocal delivers a foreign relay frame to local recipients only.
// It never republishes: the origin node already mirrored the envelope to
// every other node, so republishing here would duplicate deliveries.
func (ro *Router) DispatchLocal(kind, value string, env *event.Envelope) int {
	ctx := context.Background()
	switch kind {
	case relay.KindUser:
		return ro.fanout(ctx, ro.registry.GetByUser(value), env)
	case relay.KindSession:
		return ro.fanout(ctx, ro.registry.GetBySession(value), env)
	case relay.KindChannel:
		return ro.fanout(ctx, ro.registry.GetByChannel(value), env)
	case relay.KindBroadcast:
		return ro.fanout(ctx, ro.registry.All(), env)
	default:
		ro.logger.Warn("unroutable relay frame", log.String("kind", kind))
		return 0
	}
}

// Stats snapshots the delivery counters.
func (ro *Router) Stats() Stats {
	return Stats{
		Delivered:  ro.delivered.Load(),
		RateDenied: ro.rateDenied.Load(),
	}
}

// fanout delivers concurrently and counts the recipients that accepted.
// One recipient's denial or dead socket never affects the others.
func (ro *Router) fanout(ctx context.Context, conns []*connection.Connection, env *event.Envelope) int {
	if len(conns) == 0 {
		return 0
	}
	if len(conns) == 1 {
		if ro.deliver(ctx, conns[0], env) {
			return 1
		}
		return 0
	}
	return concurrent.Tally(ctx, ro.workers, conns, func(ctx context.Context, conn *connection.Connection) bool {
		return ro.deliver(ctx, conn, env)
	})
}

// deliver gates one recipient and hands them their own copy of the
// envelope stamped with their connection ID.
func (ro *Router) deliver(ctx context.Context, conn *connection.Connection, env *event.Envelope) bool {
	res := ro.limiter.CheckMessageRate(ctx, conn.UserID(), conn.ID().String())
	if !res.Allowed {
		ro.rateDenied.Inc()
		ro.logger.Debug("recipient rate limited",
			log.String("connection_id", conn.ID().String()),
			log.String("user_id", conn.UserID()),
			log.String("reason", res.Reason))
		warning := event.NewRateLimitWarning(res.Reason, int(res.Remaining), res.RetryAfter)
		warning.ConnectionID = conn.ID().String()
		conn.Send(warning)
		return false
	}

	clone := env.Clone()
	clone.ConnectionID = conn.ID().String()
	if !conn.Send(clone) {
		return false
	}
	ro.delivered.Inc()
	return true
}

// mirror publishes a public send to the relay bus.
func (ro *Router) mirror(ctx context.Context, target string, env *event.Envelope) {
	if err := ro.relay.Publish(ctx, target, env); err != nil {
		ro.logger.Warn("relay publish failed",
			log.String("target", target), log.Error(err))
	}
}
