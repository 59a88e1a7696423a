package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/pulsegate/pulsegate/internal/core/observability/log"
	"github.com/pulsegate/pulsegate/internal/core/resilience"
)

var ErrAlreadyRunning = errors.New("monitoring: already running")

// Start launches the sample, aggregate and cleanup loops.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	group, groupCtx := errgroup.WithContext(loopCtx)
	m.wait = group.Wait

	group.Go(func() error { return m.tick(groupCtx, m.cfg.SampleInterval, m.collectOnce) })
	group.Go(func() error {
		return m.tick(groupCtx, m.cfg.AggregationInterval, func(context.Context) { m.aggregateOnce(time.Now()) })
	})
	group.Go(func() error {
		return m.tick(groupCtx, m.cfg.CleanupInterval, func(context.Context) { m.cleanupOnce(time.Now()) })
	})

	m.logger.Info("monitor started",
		log.Duration("sample_interval", m.cfg.SampleInterval),
		log.Duration("aggregation_interval", m.cfg.AggregationInterval),
		log.Int("retention_hours", m.cfg.RetentionHours))
	return nil
}

// Stop ends the loops and waits for them within ctx.
func (m *Monitor) Stop(ctx context.Context) error {
	if !m.running.CompareAndSwap(true, false) {
		return nil
	}
	m.cancel()

	done := make(chan error, 1)
	go func() { done <- m.wait() }()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("monitor loops did not stop in time")
	}
	m.logger.Info("monitor stopped")
	return nil
}

// Running reports whether the loops are active.
func (m *Monitor) Running() bool {
	return m.running.Load()
}

func (m *Monitor) tick(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// collectOnce samples every live connection and forgets departed ones.
func (m *Monitor) collectOnce(context.Context) {
	conns := m.source.All()
	live := make(map[string]struct{}, len(conns))
	for _, conn := range conns {
		live[conn.ID().String()] = struct{}{}
		m.CollectConnectionMetrics(conn)
	}

	m.mu.Lock()
	for id := range m.latest {
		if _, ok := live[id]; !ok {
			delete(m.latest, id)
			delete(m.backpressureSince, id)
		}
	}
	m.mu.Unlock()
}

// aggregateOnce folds the snapshots of the last window into one
// AggregatedMetrics. Idle windows produce nothing.
func (m *Monitor) aggregateOnce(now time.Time) (AggregatedMetrics, bool) {
	cutoff := now.Add(-m.cfg.AggregationInterval)

	m.mu.Lock()
	defer m.mu.Unlock()

	var window []Snapshot
	for _, snap := range m.snapshots.Snapshot() {
		if snap.Timestamp.After(cutoff) {
			window = append(window, snap)
		}
	}
	if len(window) == 0 {
		return AggregatedMetrics{}, false
	}

	latencies := make([]float64, 0, len(window))
	perConn := make(map[string]Snapshot, len(window))
	var latencySum, queueSum float64
	maxQueue := 0
	trips := 0
	backpressure := 0
	openState := resilience.BreakerOpen.String()

	for _, snap := range window {
		latencies = append(latencies, snap.LatencyMs)
		latencySum += snap.LatencyMs
		queueSum += float64(snap.QueueSize)
		if snap.QueueSize > maxQueue {
			maxQueue = snap.QueueSize
		}
		if snap.BreakerState == openState {
			trips++
		}
		if snap.BackpressureActive {
			backpressure++
		}
		// The ring is ordered oldest to newest, so the last write wins.
		perConn[snap.ConnectionID] = snap
	}
	sort.Float64s(latencies)

	agg := AggregatedMetrics{
		Timestamp:          now,
		Connections:        len(perConn),
		AvgLatencyMs:       latencySum / float64(len(window)),
		P95LatencyMs:       percentile(latencies, 0.95),
		P99LatencyMs:       percentile(latencies, 0.99),
		AvgQueueSize:       queueSum / float64(len(window)),
		MaxQueueSize:       maxQueue,
		BreakerTrips:       trips,
		BackpressureEvents: backpressure,
	}
	for _, snap := range perConn {
		agg.TotalMessages += snap.MessageCount
		agg.TotalErrors += snap.ErrorCount
	}

	m.aggregates.Push(agg)
	return agg, true
}

// cleanupOnce evicts history older than the retention horizon. Evicted
// alerts that were still active are resolved on the way out.
func (m *Monitor) cleanupOnce(now time.Time) int {
	cutoff := now.Add(-time.Duration(m.cfg.RetentionHours) * time.Hour)
	evicted := 0

	m.mu.Lock()
	for {
		oldest, ok := m.snapshots.Peek()
		if !ok || !oldest.Timestamp.Before(cutoff) {
			break
		}
		m.snapshots.Pop()
		evicted++
	}
	for {
		oldest, ok := m.aggregates.Peek()
		if !ok || !oldest.Timestamp.Before(cutoff) {
			break
		}
		m.aggregates.Pop()
		evicted++
	}
	for key, alert := range m.alerts {
		if alert.Timestamp.Before(cutoff) {
			if !alert.Resolved {
				alert.Resolved = true
				alert.ResolvedAt = &now
			}
			delete(m.alerts, key)
			evicted++
		}
	}
	for id, snap := range m.latest {
		if snap.Timestamp.Before(cutoff) {
			delete(m.latest, id)
			delete(m.backpressureSince, id)
		}
	}
	m.mu.Unlock()

	if evicted > 0 {
		m.logger.Debug("metrics history trimmed", log.Int("evicted", evicted))
	}
	return evicted
}

// percentile picks from a sorted slice without interpolation.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
