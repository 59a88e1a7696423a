// Package config carries the file- and environment-driven settings for
// the server. Durations cross the config boundary as integer seconds or
// milliseconds; providers convert them to time.Duration when wiring
// components.
package config

import "fmt"

// Config is the root of the configuration tree.
type Config struct {
	Server     Server     `json:"server" yaml:"server"`
	Auth       Auth       `json:"auth" yaml:"auth"`
	Redis      Redis      `json:"redis" yaml:"redis"`
	Limits     Limits     `json:"limits" yaml:"limits"`
	Connection Connection `json:"connection" yaml:"connection"`
	Registry   Registry   `json:"registry" yaml:"registry"`
	Relay      Relay      `json:"relay" yaml:"relay"`
	Monitoring Monitoring `json:"monitoring" yaml:"monitoring"`
	Log        Log        `json:"log" yaml:"log"`
}

// Server configures the HTTP listener and WebSocket handshake.
type Server struct {
	Addr                   string   `json:"addr" yaml:"addr" env:"PULSEGATE_ADDR"`
	WSPath                 string   `json:"ws_path" yaml:"ws_path"`
	AllowedOrigins         []string `json:"allowed_origins" yaml:"allowed_origins" env:"PULSEGATE_ALLOWED_ORIGINS" envSeparator:","`
	AvailableChannels      []string `json:"available_channels" yaml:"available_channels"`
	AuthTimeoutSeconds     int      `json:"auth_timeout_seconds" yaml:"auth_timeout_seconds"`
	WriteTimeoutSeconds    int      `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
	ReadLimitBytes         int64    `json:"read_limit_bytes" yaml:"read_limit_bytes"`
	ShutdownTimeoutSeconds int      `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
}

// Auth configures token verification.
type Auth struct {
	JWTSecret string `json:"-" yaml:"jwt_secret" env:"PULSEGATE_JWT_SECRET"`
	Issuer    string `json:"issuer" yaml:"issuer"`
}

// Redis configures the shared store. Disabled leaves the node in
// single-node mode with local rate limiting.
type Redis struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	Addr                string `json:"addr" yaml:"addr" env:"PULSEGATE_REDIS_ADDR"`
	Password            string `json:"-" yaml:"password" env:"PULSEGATE_REDIS_PASSWORD"`
	DB                  int    `json:"db" yaml:"db"`
	PoolSize            int    `json:"pool_size" yaml:"pool_size"`
	DialTimeoutSeconds  int    `json:"dial_timeout_seconds" yaml:"dial_timeout_seconds"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
}

// Limits configures connection admission and message rates.
type Limits struct {
	MaxConnectionsPerUser    int `json:"max_connections_per_user" yaml:"max_connections_per_user"`
	MaxConnectionsPerSession int `json:"max_connections_per_session" yaml:"max_connections_per_session"`
	MessagesPerConnSecond    int `json:"messages_per_conn_second" yaml:"messages_per_conn_second"`
	MessagesPerUserMinute    int `json:"messages_per_user_minute" yaml:"messages_per_user_minute"`
}

// Connection configures per-connection queues and resilience.
type Connection struct {
	HighQueueCapacity     int  `json:"high_queue_capacity" yaml:"high_queue_capacity"`
	MediumQueueCapacity   int  `json:"medium_queue_capacity" yaml:"medium_queue_capacity"`
	LowQueueCapacity      int  `json:"low_queue_capacity" yaml:"low_queue_capacity"`
	GeneralQueueCapacity  int  `json:"general_queue_capacity" yaml:"general_queue_capacity"`
	BackpressureThreshold int  `json:"backpressure_threshold" yaml:"backpressure_threshold"`
	DrainBatch            int  `json:"drain_batch" yaml:"drain_batch"`
	DrainBatchDegraded    int  `json:"drain_batch_degraded" yaml:"drain_batch_degraded"`
	BreakerThreshold      int  `json:"breaker_threshold" yaml:"breaker_threshold"`
	BreakerRecoverySec    int  `json:"breaker_recovery_seconds" yaml:"breaker_recovery_seconds"`
	BackoffBaseMs         int  `json:"backoff_base_ms" yaml:"backoff_base_ms"`
	BackoffMaxMs          int  `json:"backoff_max_ms" yaml:"backoff_max_ms"`
	BackoffMaxAttempts    int  `json:"backoff_max_attempts" yaml:"backoff_max_attempts"`
	BackoffJitter         bool `json:"backoff_jitter" yaml:"backoff_jitter"`
}

// Registry configures the background loops.
type Registry struct {
	HeartbeatIntervalSeconds int `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"`
	CleanupIntervalSeconds   int `json:"cleanup_interval_seconds" yaml:"cleanup_interval_seconds"`
	StaleTimeoutSeconds      int `json:"stale_timeout_seconds" yaml:"stale_timeout_seconds"`
	PingTimeoutSeconds       int `json:"ping_timeout_seconds" yaml:"ping_timeout_seconds"`
	DrainBusyIntervalMs      int `json:"drain_busy_interval_ms" yaml:"drain_busy_interval_ms"`
	DrainIdleIntervalMs      int `json:"drain_idle_interval_ms" yaml:"drain_idle_interval_ms"`
	FanoutWorkers            int `json:"fanout_workers" yaml:"fanout_workers"`
}

// Relay configures cross-node fan-out.
type Relay struct {
	Channel              string `json:"channel" yaml:"channel"`
	CompressionThreshold int    `json:"compression_threshold" yaml:"compression_threshold"`
}

// Monitoring configures sampling, retention and alert thresholds.
type Monitoring struct {
	SampleIntervalSeconds       int     `json:"sample_interval_seconds" yaml:"sample_interval_seconds"`
	AggregationIntervalSeconds  int     `json:"aggregation_interval_seconds" yaml:"aggregation_interval_seconds"`
	CleanupIntervalSeconds      int     `json:"cleanup_interval_seconds" yaml:"cleanup_interval_seconds"`
	RetentionHours              int     `json:"retention_hours" yaml:"retention_hours"`
	AlertCooldownSeconds        int     `json:"alert_cooldown_seconds" yaml:"alert_cooldown_seconds"`
	SnapshotCapacity            int     `json:"snapshot_capacity" yaml:"snapshot_capacity"`
	AggregateCapacity           int     `json:"aggregate_capacity" yaml:"aggregate_capacity"`
	LatencyWarningMs            float64 `json:"latency_warning_ms" yaml:"latency_warning_ms"`
	LatencyCriticalMs           float64 `json:"latency_critical_ms" yaml:"latency_critical_ms"`
	QueueSizeWarning            int     `json:"queue_size_warning" yaml:"queue_size_warning"`
	QueueSizeCritical           int     `json:"queue_size_critical" yaml:"queue_size_critical"`
	ErrorRateWarning            float64 `json:"error_rate_warning" yaml:"error_rate_warning"`
	ErrorRateCritical           float64 `json:"error_rate_critical" yaml:"error_rate_critical"`
	BackpressureDurationSeconds int     `json:"backpressure_duration_seconds" yaml:"backpressure_duration_seconds"`
}

// Log configures the logger.
type Log struct {
	Level    string `json:"level" yaml:"level" env:"PULSEGATE_LOG_LEVEL"`
	Encoding string `json:"encoding" yaml:"encoding"`
}

// Default returns the full deployment defaults.
func Default() Config {
	return Config{
		Server: Server{
			Addr:                   ":8080",
			WSPath:                 "/ws",
			AvailableChannels:      []string{"general", "notifications", "alerts"},
			AuthTimeoutSeconds:     10,
			WriteTimeoutSeconds:    10,
			ReadLimitBytes:         1 << 20,
			ShutdownTimeoutSeconds: 15,
		},
		Auth: Auth{},
		Redis: Redis{
			Addr:                "localhost:6379",
			PoolSize:            32,
			DialTimeoutSeconds:  5,
			ReadTimeoutSeconds:  3,
			WriteTimeoutSeconds: 3,
		},
		Limits: Limits{
			MaxConnectionsPerUser:    10,
			MaxConnectionsPerSession: 5,
			MessagesPerConnSecond:    10,
			MessagesPerUserMinute:    120,
		},
		Connection: Connection{
			HighQueueCapacity:     100,
			MediumQueueCapacity:   500,
			LowQueueCapacity:      1000,
			GeneralQueueCapacity:  1000,
			BackpressureThreshold: 1200,
			DrainBatch:            50,
			DrainBatchDegraded:    10,
			BreakerThreshold:      5,
			BreakerRecoverySec:    30,
			BackoffBaseMs:         1000,
			BackoffMaxMs:          60000,
			BackoffMaxAttempts:    10,
			BackoffJitter:         true,
		},
		Registry: Registry{
			HeartbeatIntervalSeconds: 20,
			CleanupIntervalSeconds:   60,
			StaleTimeoutSeconds:      60,
			PingTimeoutSeconds:       5,
			DrainBusyIntervalMs:      100,
			DrainIdleIntervalMs:      1000,
			FanoutWorkers:            64,
		},
		Relay: Relay{
			Channel:              "pg:relay",
			CompressionThreshold: 512,
		},
		Monitoring: Monitoring{
			SampleIntervalSeconds:       10,
			AggregationIntervalSeconds:  60,
			CleanupIntervalSeconds:      3600,
			RetentionHours:              24,
			AlertCooldownSeconds:        60,
			SnapshotCapacity:            10_000,
			AggregateCapacity:           1_440,
			LatencyWarningMs:            500,
			LatencyCriticalMs:           2000,
			QueueSizeWarning:            500,
			QueueSizeCritical:           1000,
			ErrorRateWarning:            0.05,
			ErrorRateCritical:           0.15,
			BackpressureDurationSeconds: 30,
		},
		Log: Log{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.WSPath == "" || c.Server.WSPath[0] != '/' {
		return fmt.Errorf("server.ws_path must start with /")
	}
	if c.Server.AuthTimeoutSeconds <= 0 {
		return fmt.Errorf("server.auth_timeout_seconds must be positive")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required (set PULSEGATE_JWT_SECRET)")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.Limits.MaxConnectionsPerUser <= 0 {
		return fmt.Errorf("limits.max_connections_per_user must be positive")
	}
	if c.Limits.MaxConnectionsPerSession <= 0 {
		return fmt.Errorf("limits.max_connections_per_session must be positive")
	}
	if c.Limits.MessagesPerConnSecond <= 0 || c.Limits.MessagesPerUserMinute <= 0 {
		return fmt.Errorf("limits message rates must be positive")
	}
	if c.Connection.HighQueueCapacity <= 0 || c.Connection.MediumQueueCapacity <= 0 ||
		c.Connection.LowQueueCapacity <= 0 || c.Connection.GeneralQueueCapacity <= 0 {
		return fmt.Errorf("connection queue capacities must be positive")
	}
	if c.Connection.BreakerThreshold <= 0 {
		return fmt.Errorf("connection.breaker_threshold must be positive")
	}
	if c.Registry.HeartbeatIntervalSeconds <= 0 || c.Registry.CleanupIntervalSeconds <= 0 {
		return fmt.Errorf("registry loop intervals must be positive")
	}
	if c.Registry.StaleTimeoutSeconds <= 0 || c.Registry.PingTimeoutSeconds <= 0 {
		return fmt.Errorf("registry timeouts must be positive")
	}
	if c.Monitoring.LatencyWarningMs >= c.Monitoring.LatencyCriticalMs {
		return fmt.Errorf("monitoring.latency_warning_ms must be below latency_critical_ms")
	}
	if c.Monitoring.QueueSizeWarning >= c.Monitoring.QueueSizeCritical {
		return fmt.Errorf("monitoring.queue_size_warning must be below queue_size_critical")
	}
	if c.Monitoring.ErrorRateWarning >= c.Monitoring.ErrorRateCritical {
		return fmt.Errorf("monitoring.error_rate_warning must be below error_rate_critical")
	}
	if c.Monitoring.RetentionHours <= 0 {
		return fmt.Errorf("monitoring.retention_hours must be positive")
	}
	return nil
}
