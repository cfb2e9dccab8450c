package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 8*time.Second, cfg.Channel.ConnectTimeout)
	assert.Equal(t, 5, cfg.Channel.MaxReconnectAttempts)
	assert.Equal(t, 10*time.Second, cfg.Channel.BackoffMax)
	assert.Equal(t, 4003, cfg.Channel.AuthRejectCode)
	assert.Equal(t, 10, cfg.Channel.OutboundQueueSize)
	assert.Equal(t, 5, cfg.Batch.MaxSize)
	assert.Equal(t, 16*time.Millisecond, cfg.Batch.Window)
	assert.Equal(t, 100*time.Millisecond, cfg.Batch.ChatInterval)
	assert.Equal(t, 10*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, 2*time.Second, cfg.Poll.ActiveInterval)
	assert.Equal(t, 30*time.Second, cfg.Poll.IdleInterval)
	assert.Equal(t, 10*time.Second, cfg.Poll.BackgroundInterval)
}

func TestValidate_InvalidValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown environment", func(c *Config) { c.Endpoint.Environment = "staging" }},
		{"production without domain", func(c *Config) {
			c.Endpoint.Environment = EnvironmentProduction
			c.Endpoint.ProductionDomain = ""
		}},
		{"no credentials", func(c *Config) {
			c.Auth.JWTSecret = ""
			c.Auth.StaticToken = ""
		}},
		{"refresh window exceeds ttl", func(c *Config) { c.Auth.RefreshBefore = c.Auth.TokenTTL }},
		{"relative channel path", func(c *Config) { c.Endpoint.ChannelPath = "ws" }},
		{"video port range inverted", func(c *Config) {
			c.VideoCall.PortRangeMin = 50100
			c.VideoCall.PortRangeMax = 50000
		}},
		{"negative connection limit", func(c *Config) { c.Server.MaxConnections = -1 }},
		{"connect timeout", func(c *Config) { c.Channel.ConnectTimeout = 0 }},
		{"backoff inverted", func(c *Config) { c.Channel.BackoffMax = 500 * time.Millisecond }},
		{"backoff multiplier", func(c *Config) { c.Channel.BackoffMultiplier = 0.5 }},
		{"reject code outside app range", func(c *Config) { c.Channel.AuthRejectCode = 1008 }},
		{"pong below ping", func(c *Config) { c.Channel.PongTimeout = c.Channel.PingInterval }},
		{"queue size", func(c *Config) { c.Channel.OutboundQueueSize = 0 }},
		{"batch size", func(c *Config) { c.Batch.MaxSize = 0 }},
		{"chat interval", func(c *Config) { c.Batch.ChatInterval = 0 }},
		{"heartbeat interval", func(c *Config) { c.Heartbeat.Interval = 0 }},
		{"not live threshold", func(c *Config) { c.Heartbeat.MaxNotLiveResponses = 0 }},
		{"poll idle below window", func(c *Config) { c.Poll.IdleAfter = time.Second }},
		{"server heartbeat timeout", func(c *Config) { c.Server.HeartbeatTimeout = c.Heartbeat.Interval }},
		{"redis without address", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Address = ""
		}},
		{"rate limit rps", func(c *Config) {
			c.RateLimiting.Enabled = true
			c.RateLimiting.HTTP.RequestsPerSecond = 0
		}},
		{"tracing sample rate", func(c *Config) {
			c.Tracing.Enabled = true
			c.Tracing.SampleRate = 2
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidate_PollDisabledIgnoresIntervals(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Poll.Enabled = false
	cfg.Poll.ActiveInterval = 0
	assert.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Channel, cfg.Channel)
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := []byte(`
endpoint:
  environment: production
  production_domain: live.test
channel:
  max_reconnect_attempts: 3
batch:
  window: 32ms
`)
	require.NoError(t, os.WriteFile(path, yaml, 0o600))
	t.Setenv("LIVESYNC_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, EnvironmentProduction, cfg.Endpoint.Environment)
	assert.Equal(t, "live.test", cfg.Endpoint.ProductionDomain)
	assert.Equal(t, 3, cfg.Channel.MaxReconnectAttempts)
	assert.Equal(t, 32*time.Millisecond, cfg.Batch.Window)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched values keep defaults
	assert.Equal(t, 8*time.Second, cfg.Channel.ConnectTimeout)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("channel: [1, 2"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestDerivedConfigs(t *testing.T) {
	cfg := DefaultConfig()

	backoff := cfg.ReconnectBackoff()
	assert.True(t, backoff.Enabled)
	assert.Equal(t, 5, backoff.MaxAttempts)
	assert.False(t, backoff.Jitter)

	assert.Equal(t, 5, cfg.BatchConfig().MaxSize)
	assert.Equal(t, 5, cfg.APICircuitBreaker().FailureThreshold)
	assert.Equal(t, 2, cfg.APIRetry().MaxAttempts)
}
