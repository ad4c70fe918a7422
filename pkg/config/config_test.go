package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// helper to build a minimal valid config that can be tweaked in tests.
func validBaseConfig() *Config {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 10
	cfg.RateLimiting.HTTP.Burst = 20
	cfg.RateLimiting.HTTP.MaxConcurrent = 5
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MaxConcurrent = 10
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 65536
	return cfg
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 10*time.Second, cfg.Presence.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, cfg.Presence.StalenessThreshold)
	assert.Equal(t, time.Second, cfg.Delivery.PollInterval)
	assert.Equal(t, 60, cfg.Delivery.PollMaxAttempts)
	assert.NotEmpty(t, cfg.WebRTC.ICEServers)
}

func TestValidate_RateLimitingDisabled_AllowsZeroValues(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 0
	cfg.RateLimiting.HTTP.Burst = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 0

	assert.NoError(t, cfg.Validate())
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"http rps must be > 0", func(c *Config) { c.RateLimiting.HTTP.RequestsPerSecond = 0 }},
		{"http burst must be > 0", func(c *Config) { c.RateLimiting.HTTP.Burst = 0 }},
		{"http max concurrent must be >= 0", func(c *Config) { c.RateLimiting.HTTP.MaxConcurrent = -1 }},
		{"ws connections per minute must be > 0", func(c *Config) { c.RateLimiting.WebSocket.ConnectionsPerMinute = 0 }},
		{"ws max message size must be >= 0", func(c *Config) { c.RateLimiting.WebSocket.MaxMessageSizeBytes = -1 }},
		{"staleness must exceed heartbeat", func(c *Config) { c.Presence.StalenessThreshold = c.Presence.HeartbeatInterval }},
		{"unknown delivery mode", func(c *Config) { c.Delivery.Mode = "carrier-pigeon" }},
		{"poll attempts must be > 0", func(c *Config) { c.Delivery.PollMaxAttempts = 0 }},
		{"unknown store backend", func(c *Config) { c.Store.Backend = "etcd" }},
		{"redis backend needs redis enabled", func(c *Config) { c.Store.Backend = "redis" }},
		{"relay backend needs url", func(c *Config) { c.Store.Backend = "relay"; c.Relay.URL = "" }},
		{"pong must exceed ping", func(c *Config) { c.Signal.PongTimeout = c.Signal.PingInterval }},
		{"force relay needs turn", func(c *Config) {
			c.WebRTC.ForceRelay = true
			c.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
		}},
		{"port range inverted", func(c *Config) { c.WebRTC.PortRange.Min = 5000; c.WebRTC.PortRange.Max = 4000 }},
		{"tracing sampling out of range", func(c *Config) { c.Tracing.Enabled = true; c.Tracing.SamplingRate = 2 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peerlink.yaml")
	yamlData := []byte(`
server:
  address: ":9000"
delivery:
  mode: poll
  poll_interval: 2s
  poll_max_attempts: 30
presence:
  heartbeat_interval: 5s
  staleness_threshold: 15s
`)
	require.NoError(t, os.WriteFile(path, yamlData, 0o600))

	t.Setenv("PEERLINK_LOG_LEVEL", "debug")
	t.Setenv("PEERLINK_FORCE_RELAY", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, "poll", cfg.Delivery.Mode)
	assert.Equal(t, 2*time.Second, cfg.Delivery.PollInterval)
	assert.Equal(t, 30, cfg.Delivery.PollMaxAttempts)
	assert.Equal(t, 15*time.Second, cfg.Presence.StalenessThreshold)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.WebRTC.ForceRelay)
	// untouched sections keep defaults
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Address)
}

func TestLoad_InvalidFileRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("delivery:\n  mode: smoke-signals\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}
