package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pulsegate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestConfig_DefaultsValidate(t *testing.T) {
	cfg := Default()
	cfg.Auth.JWTSecret = "secret"

	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "/ws", cfg.Server.WSPath)
	assert.Equal(t, 10, cfg.Limits.MaxConnectionsPerUser)
	assert.Equal(t, 5, cfg.Limits.MaxConnectionsPerSession)
	assert.Equal(t, 1200, cfg.Connection.BackpressureThreshold)
	assert.Equal(t, 20, cfg.Registry.HeartbeatIntervalSeconds)
	assert.Equal(t, "pg:relay", cfg.Relay.Channel)
	assert.Equal(t, 512, cfg.Relay.CompressionThreshold)
	assert.False(t, cfg.Redis.Enabled)
}

func TestConfig_LoadOverridesDefaults(t *testing.T) {
	t.Setenv("PULSEGATE_JWT_SECRET", "")
	path := writeConfig(t, `
server:
  addr: ":9090"
  available_channels: [general, trades]
auth:
  jwt_secret: filesecret
redis:
  enabled: true
  addr: redis.internal:6379
limits:
  messages_per_conn_second: 25
connection:
  breaker_threshold: 3
monitoring:
  latency_warning_ms: 250
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"general", "trades"}, cfg.Server.AvailableChannels)
	assert.Equal(t, "filesecret", cfg.Auth.JWTSecret)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, 25, cfg.Limits.MessagesPerConnSecond)
	assert.Equal(t, 3, cfg.Connection.BreakerThreshold)
	assert.Equal(t, float64(250), cfg.Monitoring.LatencyWarningMs)

	// Untouched sections keep their defaults.
	assert.Equal(t, "/ws", cfg.Server.WSPath)
	assert.Equal(t, 120, cfg.Limits.MessagesPerUserMinute)
}

func TestConfig_EnvironmentWinsOverFile(t *testing.T) {
	path := writeConfig(t, `
server:
  addr: ":9090"
auth:
  jwt_secret: filesecret
`)
	t.Setenv("PULSEGATE_ADDR", ":7070")
	t.Setenv("PULSEGATE_JWT_SECRET", "envsecret")
	t.Setenv("PULSEGATE_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", cfg.Server.Addr)
	assert.Equal(t, "envsecret", cfg.Auth.JWTSecret)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestConfig_ExpandsVariablesInFile(t *testing.T) {
	t.Setenv("PG_TEST_SECRET", "expanded")
	path := writeConfig(t, `
auth:
  jwt_secret: ${PG_TEST_SECRET}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "expanded", cfg.Auth.JWTSecret)
}

func TestConfig_LoadWithoutFile(t *testing.T) {
	t.Setenv("PULSEGATE_JWT_SECRET", "envonly")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "envonly", cfg.Auth.JWTSecret)
}

func TestConfig_LoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestConfig_LoadMalformedFileFails(t *testing.T) {
	path := writeConfig(t, "server: [not a map")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestConfig_ValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }},
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"relative ws path", func(c *Config) { c.Server.WSPath = "ws" }},
		{"redis enabled without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }},
		{"zero user cap", func(c *Config) { c.Limits.MaxConnectionsPerUser = 0 }},
		{"zero session cap", func(c *Config) { c.Limits.MaxConnectionsPerSession = 0 }},
		{"zero message rate", func(c *Config) { c.Limits.MessagesPerConnSecond = 0 }},
		{"zero queue capacity", func(c *Config) { c.Connection.HighQueueCapacity = 0 }},
		{"zero breaker threshold", func(c *Config) { c.Connection.BreakerThreshold = 0 }},
		{"zero heartbeat", func(c *Config) { c.Registry.HeartbeatIntervalSeconds = 0 }},
		{"zero stale timeout", func(c *Config) { c.Registry.StaleTimeoutSeconds = 0 }},
		{"latency warning above critical", func(c *Config) { c.Monitoring.LatencyWarningMs = 3000 }},
		{"queue warning above critical", func(c *Config) { c.Monitoring.QueueSizeWarning = 5000 }},
		{"error warning above critical", func(c *Config) { c.Monitoring.ErrorRateWarning = 0.5 }},
		{"zero retention", func(c *Config) { c.Monitoring.RetentionHours = 0 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Auth.JWTSecret = "secret"
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
