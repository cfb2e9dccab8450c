package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"livesync/pkg/batch"
	"livesync/pkg/circuitbreaker"
	"livesync/pkg/retry"

	"gopkg.in/yaml.v2"
)

const (
	EnvironmentProduction  = "production"
	EnvironmentDevelopment = "development"
)

type Config struct {
	Endpoint struct {
		Environment      string `yaml:"environment"`
		ProductionDomain string `yaml:"production_domain"`
		DevelopmentHost  string `yaml:"development_host"`
		ChannelPath      string `yaml:"channel_path"`
	} `yaml:"endpoint"`

	Auth struct {
		JWTSecret     string        `yaml:"jwt_secret"`
		TokenTTL      time.Duration `yaml:"token_ttl"`
		RefreshBefore time.Duration `yaml:"refresh_before"`
		StaticToken   string        `yaml:"static_token"`
	} `yaml:"auth"`

	Channel struct {
		ConnectTimeout       time.Duration `yaml:"connect_timeout"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
		BackoffInitial       time.Duration `yaml:"backoff_initial"`
		BackoffMax           time.Duration `yaml:"backoff_max"`
		BackoffMultiplier    float64       `yaml:"backoff_multiplier"`
		AuthRejectCode       int           `yaml:"auth_reject_code"`
		PingInterval         time.Duration `yaml:"ping_interval"`
		PongTimeout          time.Duration `yaml:"pong_timeout"`
		WriteTimeout         time.Duration `yaml:"write_timeout"`
		OutboundQueueSize    int           `yaml:"outbound_queue_size"`
	} `yaml:"channel"`

	Batch struct {
		MaxSize      int           `yaml:"max_size"`
		Window       time.Duration `yaml:"window"`
		ChatInterval time.Duration `yaml:"chat_interval"`
		SeenTTL      time.Duration `yaml:"seen_ttl"`
	} `yaml:"batch"`

	Heartbeat struct {
		Interval            time.Duration `yaml:"interval"`
		InitialDelay        time.Duration `yaml:"initial_delay"`
		MaxNotLiveResponses int           `yaml:"max_not_live_responses"`
		CallTimeout         time.Duration `yaml:"call_timeout"`
	} `yaml:"heartbeat"`

	Poll struct {
		Enabled            bool          `yaml:"enabled"`
		ActiveInterval     time.Duration `yaml:"active_interval"`
		IdleInterval       time.Duration `yaml:"idle_interval"`
		BackgroundInterval time.Duration `yaml:"background_interval"`
		InteractionWindow  time.Duration `yaml:"interaction_window"`
		IdleAfter          time.Duration `yaml:"idle_after"`
		CallTimeout        time.Duration `yaml:"call_timeout"`
	} `yaml:"poll"`

	Reconciler struct {
		EndOnBackground bool          `yaml:"end_on_background"`
		EndOnFocusLoss  bool          `yaml:"end_on_focus_loss"`
		EndTimeout      time.Duration `yaml:"end_timeout"`
	} `yaml:"reconciler"`

	VideoCall struct {
		Enabled      bool     `yaml:"enabled"`
		ICEServers   []string `yaml:"ice_servers"`
		PortRangeMin uint16   `yaml:"port_range_min"`
		PortRangeMax uint16   `yaml:"port_range_max"`
	} `yaml:"video_call"`

	API struct {
		Timeout  time.Duration `yaml:"timeout"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
		Retry    struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			InitialDelay time.Duration `yaml:"initial_delay"`
			MaxDelay     time.Duration `yaml:"max_delay"`
		} `yaml:"retry"`
		CircuitBreaker struct {
			FailureThreshold int           `yaml:"failure_threshold"`
			Timeout          time.Duration `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"api"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Monitoring struct {
		PrometheusEnabled bool   `yaml:"prometheus_enabled"`
		Address           string `yaml:"address"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Server struct {
		Address          string        `yaml:"address"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
		HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
		SweepInterval    time.Duration `yaml:"sweep_interval"`
		PingInterval     time.Duration `yaml:"ping_interval"`
		PongTimeout      time.Duration `yaml:"pong_timeout"`
		MessageHistory   int           `yaml:"message_history"`
		MaxConnections   int           `yaml:"max_connections"`
	} `yaml:"server"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond   float64 `yaml:"messages_per_second"`
			Burst               int     `yaml:"burst"`
			MaxMessageSizeBytes int64   `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Endpoint
	switch c.Endpoint.Environment {
	case EnvironmentProduction:
		if c.Endpoint.ProductionDomain == "" {
			return fmt.Errorf("endpoint.production_domain must not be empty in production")
		}
	case EnvironmentDevelopment:
		if c.Endpoint.DevelopmentHost == "" {
			return fmt.Errorf("endpoint.development_host must not be empty in development")
		}
	default:
		return fmt.Errorf("endpoint.environment must be %q or %q", EnvironmentProduction, EnvironmentDevelopment)
	}
	if !strings.HasPrefix(c.Endpoint.ChannelPath, "/") {
		return fmt.Errorf("endpoint.channel_path must start with /")
	}

	// Auth
	if c.Auth.JWTSecret == "" && c.Auth.StaticToken == "" {
		return fmt.Errorf("auth.jwt_secret or auth.static_token must be set")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}
	if c.Auth.RefreshBefore < 0 || c.Auth.RefreshBefore >= c.Auth.TokenTTL {
		return fmt.Errorf("auth.refresh_before must be >= 0 and < auth.token_ttl")
	}

	// Channel
	if c.Channel.ConnectTimeout <= 0 {
		return fmt.Errorf("channel.connect_timeout must be > 0")
	}
	if c.Channel.MaxReconnectAttempts < 0 {
		return fmt.Errorf("channel.max_reconnect_attempts must be >= 0")
	}
	if c.Channel.BackoffInitial <= 0 || c.Channel.BackoffMax < c.Channel.BackoffInitial {
		return fmt.Errorf("channel.backoff_initial must be > 0 and <= channel.backoff_max")
	}
	if c.Channel.BackoffMultiplier < 1 {
		return fmt.Errorf("channel.backoff_multiplier must be >= 1")
	}
	if c.Channel.AuthRejectCode < 4000 || c.Channel.AuthRejectCode > 4999 {
		return fmt.Errorf("channel.auth_reject_code must be an application close code (4000-4999)")
	}
	if c.Channel.PingInterval <= 0 || c.Channel.PongTimeout <= c.Channel.PingInterval {
		return fmt.Errorf("channel.pong_timeout must be > channel.ping_interval > 0")
	}
	if c.Channel.WriteTimeout <= 0 {
		return fmt.Errorf("channel.write_timeout must be > 0")
	}
	if c.Channel.OutboundQueueSize <= 0 {
		return fmt.Errorf("channel.outbound_queue_size must be > 0")
	}

	// Batch
	if c.Batch.MaxSize <= 0 {
		return fmt.Errorf("batch.max_size must be > 0")
	}
	if c.Batch.Window <= 0 {
		return fmt.Errorf("batch.window must be > 0")
	}
	if c.Batch.ChatInterval <= 0 {
		return fmt.Errorf("batch.chat_interval must be > 0")
	}
	if c.Batch.SeenTTL <= 0 {
		return fmt.Errorf("batch.seen_ttl must be > 0")
	}

	// Heartbeat
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be > 0")
	}
	if c.Heartbeat.InitialDelay < 0 {
		return fmt.Errorf("heartbeat.initial_delay must be >= 0")
	}
	if c.Heartbeat.MaxNotLiveResponses <= 0 {
		return fmt.Errorf("heartbeat.max_not_live_responses must be > 0")
	}
	if c.Heartbeat.CallTimeout <= 0 {
		return fmt.Errorf("heartbeat.call_timeout must be > 0")
	}

	// Poll
	if c.Poll.Enabled {
		if c.Poll.ActiveInterval <= 0 || c.Poll.IdleInterval <= 0 || c.Poll.BackgroundInterval <= 0 {
			return fmt.Errorf("poll intervals must be > 0 when poll.enabled=true")
		}
		if c.Poll.InteractionWindow <= 0 || c.Poll.IdleAfter < c.Poll.InteractionWindow {
			return fmt.Errorf("poll.idle_after must be >= poll.interaction_window > 0")
		}
		if c.Poll.CallTimeout <= 0 {
			return fmt.Errorf("poll.call_timeout must be > 0")
		}
	}

	// Reconciler
	if c.Reconciler.EndTimeout <= 0 {
		return fmt.Errorf("reconciler.end_timeout must be > 0")
	}

	// Video call
	if c.VideoCall.PortRangeMin > c.VideoCall.PortRangeMax {
		return fmt.Errorf("video_call.port_range_min must be <= video_call.port_range_max")
	}

	// API
	if c.API.Timeout <= 0 {
		return fmt.Errorf("api.timeout must be > 0")
	}
	if c.API.CacheTTL <= 0 {
		return fmt.Errorf("api.cache_ttl must be > 0")
	}
	if c.API.Retry.Enabled && c.API.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("api.retry.max_attempts must be > 0 when retry is enabled")
	}
	if c.API.CircuitBreaker.FailureThreshold <= 0 {
		return fmt.Errorf("api.circuit_breaker.failure_threshold must be > 0")
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Monitoring
	if c.Monitoring.PrometheusEnabled && c.Monitoring.Address == "" {
		return fmt.Errorf("monitoring.address must not be empty when prometheus_enabled=true")
	}

	// Tracing
	if c.Tracing.Enabled && (c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1) {
		return fmt.Errorf("tracing.sample_rate must be in (0, 1]")
	}

	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}
	if c.Server.HeartbeatTimeout <= c.Heartbeat.Interval {
		return fmt.Errorf("server.heartbeat_timeout must be > heartbeat.interval")
	}
	if c.Server.SweepInterval <= 0 {
		return fmt.Errorf("server.sweep_interval must be > 0")
	}
	if c.Server.MessageHistory <= 0 {
		return fmt.Errorf("server.message_history must be > 0")
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.max_connections must be >= 0")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.http.max_concurrent must be >= 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxMessageSizeBytes < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_message_size_bytes must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	switch {
	case os.IsNotExist(err):
		// defaults only
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Endpoint.Environment = EnvironmentDevelopment
	cfg.Endpoint.ProductionDomain = "live.example.com"
	cfg.Endpoint.DevelopmentHost = "localhost:8080"
	cfg.Endpoint.ChannelPath = "/ws"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = 15 * time.Minute
	cfg.Auth.RefreshBefore = time.Minute

	cfg.Channel.ConnectTimeout = 8 * time.Second
	cfg.Channel.MaxReconnectAttempts = 5
	cfg.Channel.BackoffInitial = time.Second
	cfg.Channel.BackoffMax = 10 * time.Second
	cfg.Channel.BackoffMultiplier = 2
	cfg.Channel.AuthRejectCode = 4003
	cfg.Channel.PingInterval = 25 * time.Second
	cfg.Channel.PongTimeout = 60 * time.Second
	cfg.Channel.WriteTimeout = 10 * time.Second
	cfg.Channel.OutboundQueueSize = 10

	cfg.Batch.MaxSize = 5
	cfg.Batch.Window = 16 * time.Millisecond
	cfg.Batch.ChatInterval = 100 * time.Millisecond
	cfg.Batch.SeenTTL = 10 * time.Minute

	cfg.Heartbeat.Interval = 10 * time.Second
	cfg.Heartbeat.InitialDelay = 2 * time.Second
	cfg.Heartbeat.MaxNotLiveResponses = 1
	cfg.Heartbeat.CallTimeout = 5 * time.Second

	cfg.Poll.Enabled = true
	cfg.Poll.ActiveInterval = 2 * time.Second
	cfg.Poll.IdleInterval = 30 * time.Second
	cfg.Poll.BackgroundInterval = 10 * time.Second
	cfg.Poll.InteractionWindow = 5 * time.Second
	cfg.Poll.IdleAfter = 30 * time.Second
	cfg.Poll.CallTimeout = 5 * time.Second

	cfg.Reconciler.EndOnBackground = true
	cfg.Reconciler.EndOnFocusLoss = true
	cfg.Reconciler.EndTimeout = 5 * time.Second

	cfg.VideoCall.Enabled = true
	cfg.VideoCall.ICEServers = []string{"stun:stun.l.google.com:19302"}

	cfg.API.Timeout = 10 * time.Second
	cfg.API.CacheTTL = 5 * time.Second
	cfg.API.Retry.Enabled = true
	cfg.API.Retry.MaxAttempts = 2
	cfg.API.Retry.InitialDelay = 200 * time.Millisecond
	cfg.API.Retry.MaxDelay = 2 * time.Second
	cfg.API.CircuitBreaker.FailureThreshold = 5
	cfg.API.CircuitBreaker.Timeout = 30 * time.Second

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.Address = ":9090"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "livesync"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second
	cfg.Server.HeartbeatTimeout = 45 * time.Second
	cfg.Server.SweepInterval = 15 * time.Second
	cfg.Server.PingInterval = 30 * time.Second
	cfg.Server.PongTimeout = 60 * time.Second
	cfg.Server.MessageHistory = 200
	cfg.Server.MaxConnections = 10000

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.PoolSize = 10

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 20
	cfg.RateLimiting.WebSocket.Burst = 40
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	overrides := []struct {
		env    string
		target *string
	}{
		{"LIVESYNC_ENVIRONMENT", &c.Endpoint.Environment},
		{"LIVESYNC_PRODUCTION_DOMAIN", &c.Endpoint.ProductionDomain},
		{"LIVESYNC_DEV_HOST", &c.Endpoint.DevelopmentHost},
		{"LIVESYNC_SERVER_ADDRESS", &c.Server.Address},
		{"LIVESYNC_LOG_LEVEL", &c.Logging.Level},
		{"LIVESYNC_JWT_SECRET", &c.Auth.JWTSecret},
		{"LIVESYNC_TOKEN", &c.Auth.StaticToken},
		{"LIVESYNC_REDIS_ADDRESS", &c.Redis.Address},
	}
	for _, o := range overrides {
		if v := os.Getenv(o.env); v != "" {
			*o.target = v
		}
	}
	if os.Getenv("LIVESYNC_REDIS_ADDRESS") != "" {
		c.Redis.Enabled = true
	}
}

// ReconnectBackoff returns the channel reconnect schedule.
func (c *Config) ReconnectBackoff() retry.Config {
	return retry.Config{
		Enabled:      c.Channel.MaxReconnectAttempts > 0,
		MaxAttempts:  c.Channel.MaxReconnectAttempts,
		InitialDelay: c.Channel.BackoffInitial,
		MaxDelay:     c.Channel.BackoffMax,
		Multiplier:   c.Channel.BackoffMultiplier,
	}
}

// APIRetry returns the retry policy for Session API calls.
func (c *Config) APIRetry() retry.Config {
	return retry.Config{
		Enabled:      c.API.Retry.Enabled,
		MaxAttempts:  c.API.Retry.MaxAttempts,
		InitialDelay: c.API.Retry.InitialDelay,
		MaxDelay:     c.API.Retry.MaxDelay,
		Multiplier:   2,
		Jitter:       true,
	}
}

// APICircuitBreaker returns the breaker settings for Session API calls.
func (c *Config) APICircuitBreaker() circuitbreaker.Config {
	cb := circuitbreaker.DefaultConfig()
	cb.FailureThreshold = c.API.CircuitBreaker.FailureThreshold
	cb.Timeout = c.API.CircuitBreaker.Timeout
	return cb
}

// BatchConfig returns the inbound event batching window.
func (c *Config) BatchConfig() batch.Config {
	return batch.Config{MaxSize: c.Batch.MaxSize, Window: c.Batch.Window}
}
