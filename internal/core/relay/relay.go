// Package relay fans envelopes out across nodes over the shared store's
// pub/sub bus. Every node publishes on one channel and re-dispatches
// frames from other nodes locally; its own frames are skipped by origin
// so a published envelope is never delivered twice on the node that
// produced it.
package relay

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/pulsegate/pulsegate/internal/core/event"
	"github.com/pulsegate/pulsegate/internal/core/observability/log"
	"github.com/pulsegate/pulsegate/internal/store"
)

// Options tune the relay channel and framing.
type Options struct {
	Channel              string
	CompressionThreshold int
}

func (o Options) withDefaults() Options {
	if o.Channel == "" {
		o.Channel = "pg:relay"
	}
	if o.CompressionThreshold <= 0 {
		o.CompressionThreshold = 512
	}
	return o
}

// Relay publishes local fan-outs to the bus and streams foreign ones
// back in. A nil store disables it: Publish becomes a no-op and Listen
// returns immediately, degrading the node to single-node fan-out.
type Relay struct {
	store  store.Store
	node   string
	opts   Options
	logger log.Log

	published atomic.Int64
	received  atomic.Int64
	skipped   atomic.Int64
}

// Stats is the ops counter snapshot.
type Stats struct {
	Node      string `json:"node"`
	Enabled   bool   `json:"enabled"`
	Published int64  `json:"published"`
	Received  int64  `json:"received"`
	Skipped   int64  `json:"skipped"`
}

// New builds a relay with a fresh node identity. st may be nil.
func New(st store.Store, logger log.Log, opts Options) *Relay {
	return &Relay{
		store:  st,
		node:   uuid.NewString(),
		opts:   opts.withDefaults(),
		logger: logger.Named("relay"),
	}
}

// Enabled reports whether a bus is configured.
func (r *Relay) Enabled() bool {
	return r != nil && r.store != nil
}

// Node returns this node's origin identity.
func (r *Relay) Node() string {
	return r.node
}

// Publish sends one envelope to the bus for the given target. Disabled
// relays accept and drop silently.
func (r *Relay) Publish(ctx context.Context, target string, env *event.Envelope) error {
	if !r.Enabled() {
		return nil
	}

	data, err := encodeFrame(frame{Origin: r.node, Target: target, Envelope: env}, r.opts.CompressionThreshold)
	if err != nil {
		return err
	}
	if err := r.store.Publish(ctx, r.opts.Channel, data); err != nil {
		return errors.Wrap(err, "relay: publish")
	}
	r.published.Inc()
	return nil
}

// Listen blocks, dispatching foreign frames until ctx ends or the
// subscription closes. Malformed frames are logged and skipped, never
// fatal.
func (r *Relay) Listen(ctx context.Context, dispatch func(kind, value string, env *event.Envelope)) error {
	if !r.Enabled() {
		return nil
	}

	frames, err := r.store.Subscribe(ctx, r.opts.Channel)
	if err != nil {
		return errors.Wrap(err, "relay: subscribe")
	}
	r.logger.Info("relay listening", log.String("channel", r.opts.Channel), log.String("node", r.node))

	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-frames:
			if !ok {
				return nil
			}
			f, err := decodeFrame(payload)
			if err != nil {
				r.logger.Warn("relay frame dropped", log.Error(err))
				continue
			}
			if f.Origin == r.node {
				r.skipped.Inc()
				continue
			}
			kind, value, err := ParseTarget(f.Target)
			if err != nil {
				r.logger.Warn("relay frame dropped", log.Error(err))
				continue
			}
			if f.Envelope == nil {
				r.logger.Warn("relay frame dropped", log.String("target", f.Target))
				continue
			}
			r.received.Inc()
			dispatch(kind, value, f.Envelope)
		}
	}
}

// Stats snapshots the relay counters.
func (r *Relay) Stats() Stats {
	if r == nil {
		return Stats{}
	}
	return Stats{
		Node:      r.node,
		Enabled:   r.Enabled(),
		Published: r.published.Load(),
		Received:  r.received.Load(),
		Skipped:   r.skipped.Load(),
	}
}
