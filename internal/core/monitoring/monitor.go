// Package monitoring samples connection health into a bounded snapshot
// history, aggregates it per window, and raises cooldown-guarded alerts
// when thresholds are breached.
package monitoring

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/pulsegate/pulsegate/internal/core/connection"
	"github.com/pulsegate/pulsegate/internal/core/observability/log"
	"github.com/pulsegate/pulsegate/internal/core/resilience"
	"github.com/pulsegate/pulsegate/pkg/sequence"
)

// ConnectionSource provides the live connection set to sample. The
// registry satisfies it.
type ConnectionSource interface {
	All() []*connection.Connection
}

// Monitor owns the metrics history and the active-alert map.
type Monitor struct {
	cfg    Config
	source ConnectionSource
	logger log.Log

	mu                sync.RWMutex
	snapshots         *sequence.Ring[Snapshot]
	aggregates        *sequence.Ring[AggregatedMetrics]
	latest            map[string]Snapshot
	alerts            map[string]*Alert
	backpressureSince map[string]time.Time

	running atomic.Bool
	cancel  func()
	wait    func() error

	alertsRaised atomic.Int64
}

// New builds a monitor over the given connection source.
func New(cfg Config, source ConnectionSource, logger log.Log) *Monitor {
	cfg = cfg.withDefaults()
	return &Monitor{
		cfg:               cfg,
		source:            source,
		logger:            logger.Named("monitor"),
		snapshots:         sequence.NewRing[Snapshot](cfg.SnapshotCapacity),
		aggregates:        sequence.NewRing[AggregatedMetrics](cfg.AggregateCapacity),
		latest:            make(map[string]Snapshot),
		alerts:            make(map[string]*Alert),
		backpressureSince: make(map[string]time.Time),
	}
}

// CollectConnectionMetrics samples one connection: appends to the
// snapshot ring, refreshes the per-connection cache, and evaluates the
// alert rules against the sample.
func (m *Monitor) CollectConnectionMetrics(conn *connection.Connection) Snapshot {
	health := conn.Health()
	snap := Snapshot{
		Timestamp:          time.Now(),
		ConnectionID:       conn.ID().String(),
		LatencyMs:          health.LatencyMs,
		QueueSize:          health.QueueSize,
		MessageCount:       conn.MessageCount(),
		ErrorCount:         conn.ErrorCount(),
		MessageRate:        health.MessageRate,
		BreakerState:       conn.Breaker().State().String(),
		BackpressureActive: health.BackpressureActive,
	}

	m.mu.Lock()
	m.snapshots.Push(snap)
	m.latest[snap.ConnectionID] = snap
	m.mu.Unlock()

	m.evaluate(snap)
	return snap
}

// evaluate runs every alert rule against one sample.
func (m *Monitor) evaluate(snap Snapshot) {
	now := snap.Timestamp

	switch {
	case snap.LatencyMs >= m.cfg.LatencyCriticalMs:
		m.raise(AlertLatencyCritical, SeverityCritical, snap.ConnectionID, now,
			snap.LatencyMs, m.cfg.LatencyCriticalMs,
			fmt.Sprintf("latency %.0fms exceeds critical threshold", snap.LatencyMs))
	case snap.LatencyMs >= m.cfg.LatencyWarningMs:
		m.raise(AlertLatencyWarning, SeverityMedium, snap.ConnectionID, now,
			snap.LatencyMs, m.cfg.LatencyWarningMs,
			fmt.Sprintf("latency %.0fms exceeds warning threshold", snap.LatencyMs))
	}

	switch {
	case snap.QueueSize >= m.cfg.QueueSizeCritical:
		m.raise(AlertQueueSizeCritical, SeverityHigh, snap.ConnectionID, now,
			float64(snap.QueueSize), float64(m.cfg.QueueSizeCritical),
			fmt.Sprintf("queue depth %d exceeds critical threshold", snap.QueueSize))
	case snap.QueueSize >= m.cfg.QueueSizeWarning:
		m.raise(AlertQueueSizeWarning, SeverityMedium, snap.ConnectionID, now,
			float64(snap.QueueSize), float64(m.cfg.QueueSizeWarning),
			fmt.Sprintf("queue depth %d exceeds warning threshold", snap.QueueSize))
	}

	if snap.MessageCount > 0 {
		errorRate := float64(snap.ErrorCount) / float64(snap.MessageCount)
		switch {
		case errorRate >= m.cfg.ErrorRateCritical:
			m.raise(AlertErrorRateCritical, SeverityCritical, snap.ConnectionID, now,
				errorRate, m.cfg.ErrorRateCritical,
				fmt.Sprintf("error rate %.1f%% exceeds critical threshold", errorRate*100))
		case errorRate >= m.cfg.ErrorRateWarning:
			m.raise(AlertErrorRateWarning, SeverityMedium, snap.ConnectionID, now,
				errorRate, m.cfg.ErrorRateWarning,
				fmt.Sprintf("error rate %.1f%% exceeds warning threshold", errorRate*100))
		}
	}

	if snap.BreakerState == resilience.BreakerOpen.String() {
		m.raise(AlertBreakerOpened, SeverityHigh, snap.ConnectionID, now, 1, 1,
			"circuit breaker opened after repeated send failures")
	}

	m.trackBackpressure(snap, now)
}

// trackBackpressure times episodes per connection and alerts only once
// an episode outlasts the configured duration.
func (m *Monitor) trackBackpressure(snap Snapshot, now time.Time) {
	m.mu.Lock()
	if !snap.BackpressureActive {
		delete(m.backpressureSince, snap.ConnectionID)
		m.mu.Unlock()
		return
	}
	since, ok := m.backpressureSince[snap.ConnectionID]
	if !ok {
		m.backpressureSince[snap.ConnectionID] = now
		m.mu.Unlock()
		return
	}
	elapsed := now.Sub(since)
	m.mu.Unlock()

	if elapsed >= m.cfg.BackpressureDuration {
		m.raise(AlertBackpressureSustained, SeverityHigh, snap.ConnectionID, now,
			elapsed.Seconds(), m.cfg.BackpressureDuration.Seconds(),
			fmt.Sprintf("backpressure sustained for %.0fs", elapsed.Seconds()))
	}
}

// raise creates an alert unless the same type+connection key fired
// within the cooldown and is still unresolved.
func (m *Monitor) raise(alertType, severity, connID string, now time.Time, value, threshold float64, message string) {
	key := alertType + ":" + connID

	m.mu.Lock()
	if prior, ok := m.alerts[key]; ok && !prior.Resolved && now.Sub(prior.Timestamp) < m.cfg.AlertCooldown {
		m.mu.Unlock()
		return
	}
	alert := &Alert{
		ID:           uuid.NewString(),
		Type:         alertType,
		Severity:     severity,
		ConnectionID: connID,
		Message:      message,
		CurrentValue: value,
		Threshold:    threshold,
		Timestamp:    now,
	}
	m.alerts[key] = alert
	m.mu.Unlock()

	m.alertsRaised.Inc()
	m.logger.Warn("performance alert",
		log.String("alert_type", alertType),
		log.String("severity", severity),
		log.String("connection_id", connID),
		log.Float64("value", value),
		log.Float64("threshold", threshold))
}

// ResolveAlert marks an alert resolved by ID. Resolved alerts no longer
// suppress re-emission.
func (m *Monitor) ResolveAlert(id string) bool {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, alert := range m.alerts {
		if alert.ID == id && !alert.Resolved {
			alert.Resolved = true
			alert.ResolvedAt = &now
			return true
		}
	}
	return false
}

// Alerts returns alerts sorted newest first.
func (m *Monitor) Alerts(includeResolved bool) []Alert {
	m.mu.RLock()
	out := make([]Alert, 0, len(m.alerts))
	for _, alert := range m.alerts {
		if !includeResolved && alert.Resolved {
			continue
		}
		out = append(out, *alert)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// Snapshots returns up to limit of the most recent samples, oldest
// first. limit <= 0 returns everything retained.
func (m *Monitor) Snapshots(limit int) []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.snapshots.Snapshot()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// Aggregates returns up to limit of the most recent windows, oldest
// first.
func (m *Monitor) Aggregates(limit int) []AggregatedMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.aggregates.Snapshot()
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all
}

// LatestSnapshot returns the newest sample for one connection.
func (m *Monitor) LatestSnapshot(connID string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.latest[connID]
	return snap, ok
}

// Summary derives the operator health view from the latest aggregate.
func (m *Monitor) Summary() Summary {
	m.mu.RLock()
	aggs := m.aggregates.Snapshot()
	activeAlerts := 0
	for _, alert := range m.alerts {
		if !alert.Resolved {
			activeAlerts++
		}
	}
	m.mu.RUnlock()

	summary := Summary{
		Status:       StatusHealthy,
		Score:        100,
		ActiveAlerts: activeAlerts,
		GeneratedAt:  time.Now(),
	}
	if len(aggs) == 0 {
		return summary
	}
	latest := aggs[len(aggs)-1]

	summary.Connections = latest.Connections
	summary.AvgLatencyMs = latest.AvgLatencyMs
	summary.P95LatencyMs = latest.P95LatencyMs
	summary.P99LatencyMs = latest.P99LatencyMs
	summary.TotalQueued = latest.AvgQueueSize * float64(latest.Connections)
	summary.BreakerTrips = latest.BreakerTrips
	summary.BackpressureEvents = latest.BackpressureEvents

	score := 100
	switch {
	case latest.AvgLatencyMs >= m.cfg.LatencyCriticalMs:
		score -= 30
	case latest.AvgLatencyMs >= m.cfg.LatencyWarningMs:
		score -= 15
	}

	tripPenalty := latest.BreakerTrips * 5
	if tripPenalty > 20 {
		tripPenalty = 20
	}
	score -= tripPenalty

	backpressurePenalty := latest.BackpressureEvents * 2
	if backpressurePenalty > 20 {
		backpressurePenalty = 20
	}
	score -= backpressurePenalty

	switch {
	case latest.MaxQueueSize >= m.cfg.QueueSizeCritical:
		score -= 15
	case latest.MaxQueueSize >= m.cfg.QueueSizeWarning:
		score -= 8
	}

	if score < 0 {
		score = 0
	}
	summary.Score = score
	switch {
	case score >= 80:
		summary.Status = StatusHealthy
	case score >= 60:
		summary.Status = StatusDegraded
	default:
		summary.Status = StatusUnhealthy
	}
	return summary
}

// AlertsRaised reports the lifetime alert count.
func (m *Monitor) AlertsRaised() int64 {
	return m.alertsRaised.Load()
}
