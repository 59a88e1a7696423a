package monitoring

import (
	"time"
)

// Alert types.
const (
	AlertLatencyWarning        = "latency_warning"
	AlertLatencyCritical       = "latency_critical"
	AlertQueueSizeWarning      = "queue_size_warning"
	AlertQueueSizeCritical     = "queue_size_critical"
	AlertErrorRateWarning      = "error_rate_warning"
	AlertErrorRateCritical     = "error_rate_critical"
	AlertBreakerOpened         = "circuit_breaker_opened"
	AlertBackpressureSustained = "backpressure_sustained"
)

// Alert severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Health statuses derived from the summary score.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Snapshot is one immutable point-in-time sample of a connection.
type Snapshot struct {
	Timestamp          time.Time `json:"timestamp"`
	ConnectionID       string    `json:"connection_id"`
	LatencyMs          float64   `json:"latency_ms"`
	QueueSize          int       `json:"queue_size"`
	MessageCount       int64     `json:"message_count"`
	ErrorCount         int64     `json:"error_count"`
	MessageRate        float64   `json:"message_rate"`
	BreakerState       string    `json:"breaker_state"`
	BackpressureActive bool      `json:"backpressure_active"`
}

// AggregatedMetrics summarizes one aggregation window. Immutable once
// produced.
type AggregatedMetrics struct {
	Timestamp          time.Time `json:"timestamp"`
	Connections        int       `json:"connections"`
	AvgLatencyMs       float64   `json:"avg_latency_ms"`
	P95LatencyMs       float64   `json:"p95_latency_ms"`
	P99LatencyMs       float64   `json:"p99_latency_ms"`
	TotalMessages      int64     `json:"total_messages"`
	TotalErrors        int64     `json:"total_errors"`
	AvgQueueSize       float64   `json:"avg_queue_size"`
	MaxQueueSize       int       `json:"max_queue_size"`
	BreakerTrips       int       `json:"breaker_trips"`
	BackpressureEvents int       `json:"backpressure_events"`
}

// Alert is one threshold breach. Alerts are keyed by type plus
// connection so a flapping rule cannot flood the log.
type Alert struct {
	ID           string     `json:"id"`
	Type         string     `json:"type"`
	Severity     string     `json:"severity"`
	ConnectionID string     `json:"connection_id,omitempty"`
	Message      string     `json:"message"`
	CurrentValue float64    `json:"current_value"`
	Threshold    float64    `json:"threshold"`
	Timestamp    time.Time  `json:"timestamp"`
	Resolved     bool       `json:"resolved"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// Summary is the 0-100 operator view derived from the latest aggregate.
type Summary struct {
	Status             string    `json:"status"`
	Score              int       `json:"score"`
	Connections        int       `json:"connections"`
	AvgLatencyMs       float64   `json:"avg_latency_ms"`
	P95LatencyMs       float64   `json:"p95_latency_ms"`
	P99LatencyMs       float64   `json:"p99_latency_ms"`
	TotalQueued        float64   `json:"total_queued"`
	BreakerTrips       int       `json:"breaker_trips"`
	BackpressureEvents int       `json:"backpressure_events"`
	ActiveAlerts       int       `json:"active_alerts"`
	GeneratedAt        time.Time `json:"generated_at"`
}

// Config tunes sampling, retention and alert thresholds.
type Config struct {
	SampleInterval      time.Duration
	AggregationInterval time.Duration
	CleanupInterval     time.Duration
	RetentionHours      int
	AlertCooldown       time.Duration

	SnapshotCapacity  int
	AggregateCapacity int

	LatencyWarningMs  float64
	LatencyCriticalMs float64
	QueueSizeWarning  int
	QueueSizeCritical int
	ErrorRateWarning  float64
	ErrorRateCritical float64

	// BackpressureDuration is how long one backpressure episode must
	// last before it alerts.
	BackpressureDuration time.Duration
}

// DefaultConfig mirrors the deployment defaults.
func DefaultConfig() Config {
	return Config{
		SampleInterval:       10 * time.Second,
		AggregationInterval:  60 * time.Second,
		CleanupInterval:      time.Hour,
		RetentionHours:       24,
		AlertCooldown:        60 * time.Second,
		SnapshotCapacity:     10_000,
		AggregateCapacity:    1_440,
		LatencyWarningMs:     500,
		LatencyCriticalMs:    2000,
		QueueSizeWarning:     500,
		QueueSizeCritical:    1000,
		ErrorRateWarning:     0.05,
		ErrorRateCritical:    0.15,
		BackpressureDuration: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SampleInterval <= 0 {
		c.SampleInterval = d.SampleInterval
	}
	if c.AggregationInterval <= 0 {
		c.AggregationInterval = d.AggregationInterval
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.RetentionHours <= 0 {
		c.RetentionHours = d.RetentionHours
	}
	if c.AlertCooldown <= 0 {
		c.AlertCooldown = d.AlertCooldown
	}
	if c.SnapshotCapacity <= 0 {
		c.SnapshotCapacity = d.SnapshotCapacity
	}
	if c.AggregateCapacity <= 0 {
		c.AggregateCapacity = d.AggregateCapacity
	}
	if c.LatencyWarningMs <= 0 {
		c.LatencyWarningMs = d.LatencyWarningMs
	}
	if c.LatencyCriticalMs <= 0 {
		c.LatencyCriticalMs = d.LatencyCriticalMs
	}
	if c.QueueSizeWarning <= 0 {
		c.QueueSizeWarning = d.QueueSizeWarning
	}
	if c.QueueSizeCritical <= 0 {
		c.QueueSizeCritical = d.QueueSizeCritical
	}
	if c.ErrorRateWarning <= 0 {
		c.ErrorRateWarning = d.ErrorRateWarning
	}
	if c.ErrorRateCritical <= 0 {
		c.ErrorRateCritical = d.ErrorRateCritical
	}
	if c.BackpressureDuration <= 0 {
		c.BackpressureDuration = d.BackpressureDuration
	}
	return c
}
