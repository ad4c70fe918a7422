package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// ICEServer is a STUN or TURN server handed to the transport.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	// Signal configures the relay's websocket push stream.
	Signal struct {
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
	} `yaml:"signal"`

	// Store selects the backing store for the agent: "redis", "relay" or "memory".
	Store struct {
		Backend string `yaml:"backend"`
	} `yaml:"store"`

	// Relay is where the agent reaches the relay service when Store.Backend is "relay".
	Relay struct {
		URL            string        `yaml:"url"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
		BreakerMaxFail int           `yaml:"breaker_max_failures"`
		BreakerReset   time.Duration `yaml:"breaker_reset_timeout"`
	} `yaml:"relay"`

	Redis struct {
		Enabled   bool          `yaml:"enabled"`
		Address   string        `yaml:"address"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		PoolSize  int           `yaml:"pool_size"`
		PeerTTL   time.Duration `yaml:"peer_ttl"`
		SignalTTL time.Duration `yaml:"signal_ttl"`
	} `yaml:"redis"`

	Presence struct {
		HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
		StalenessThreshold time.Duration `yaml:"staleness_threshold"`
	} `yaml:"presence"`

	Delivery struct {
		Mode            string        `yaml:"mode"` // push | poll
		PollInterval    time.Duration `yaml:"poll_interval"`
		PollMaxAttempts int           `yaml:"poll_max_attempts"`
		// NegotiationTimeout bounds a whole attempt in push mode; 0 disables it.
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
	} `yaml:"delivery"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		ForceRelay bool `yaml:"force_relay"`
	} `yaml:"webrtc"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SamplingRate   float64 `yaml:"sampling_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		PeerTTL   time.Duration `yaml:"peer_token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent"` // global concurrent HTTP requests
		} `yaml:"http"`

		WebSocket struct {
			ConnectionsPerMinute int   `yaml:"connections_per_minute"`
			MaxConcurrent        int   `yaml:"max_concurrent_connections"`
			MaxMessageSizeBytes  int64 `yaml:"max_message_size_bytes"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}

	// Signal
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}

	// Store
	switch c.Store.Backend {
	case "memory":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("store.backend=redis requires redis.enabled=true")
		}
	case "relay":
		if c.Relay.URL == "" {
			return fmt.Errorf("relay.url must not be empty when store.backend=relay")
		}
		if c.Relay.RequestTimeout <= 0 {
			return fmt.Errorf("relay.request_timeout must be > 0")
		}
		if c.Relay.BreakerMaxFail <= 0 {
			return fmt.Errorf("relay.breaker_max_failures must be > 0")
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, redis, relay; got %q", c.Store.Backend)
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
		if c.Redis.PeerTTL <= c.Presence.StalenessThreshold {
			return fmt.Errorf("redis.peer_ttl must be > presence.staleness_threshold")
		}
	}

	// Presence
	if c.Presence.HeartbeatInterval <= 0 {
		return fmt.Errorf("presence.heartbeat_interval must be > 0")
	}
	if c.Presence.StalenessThreshold <= c.Presence.HeartbeatInterval {
		return fmt.Errorf("presence.staleness_threshold must be > presence.heartbeat_interval")
	}

	// Delivery
	switch c.Delivery.Mode {
	case "push", "poll":
	default:
		return fmt.Errorf("delivery.mode must be push or poll; got %q", c.Delivery.Mode)
	}
	if c.Delivery.PollInterval <= 0 {
		return fmt.Errorf("delivery.poll_interval must be > 0")
	}
	if c.Delivery.PollMaxAttempts <= 0 {
		return fmt.Errorf("delivery.poll_max_attempts must be > 0")
	}
	if c.Delivery.NegotiationTimeout < 0 {
		return fmt.Errorf("delivery.negotiation_timeout must be >= 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}
	if c.WebRTC.ForceRelay {
		hasTURN := false
		for _, s := range c.WebRTC.ICEServers {
			for _, u := range s.URLs {
				if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
					hasTURN = true
				}
			}
		}
		if !hasTURN {
			return fmt.Errorf("webrtc.force_relay requires at least one TURN server")
		}
	}

	// Tracing
	if c.Tracing.Enabled {
		if c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
			return fmt.Errorf("tracing.sampling_rate must be within [0, 1]")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.PeerTTL <= 0 {
		return fmt.Errorf("auth.peer_token_ttl must be > 0")
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
		if c.RateLimiting.WebSocket.ConnectionsPerMinute <= 0 {
			return fmt.Errorf("rate_limiting.websocket.connections_per_minute must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
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

	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); err == nil {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file %s: %w", configPath, err)
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

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Signal.PingInterval = 20 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second

	cfg.Store.Backend = "memory"

	cfg.Relay.URL = "http://localhost:8080"
	cfg.Relay.RequestTimeout = 10 * time.Second
	cfg.Relay.BreakerMaxFail = 5
	cfg.Relay.BreakerReset = 30 * time.Second

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10
	cfg.Redis.PeerTTL = 5 * time.Minute
	cfg.Redis.SignalTTL = 10 * time.Minute

	cfg.Presence.HeartbeatInterval = 10 * time.Second
	cfg.Presence.StalenessThreshold = 30 * time.Second

	cfg.Delivery.Mode = "push"
	cfg.Delivery.PollInterval = time.Second
	cfg.Delivery.PollMaxAttempts = 60
	cfg.Delivery.NegotiationTimeout = 60 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{
			URLs: []string{
				"turn:openrelay.metered.ca:80",
				"turn:openrelay.metered.ca:443",
				"turn:openrelay.metered.ca:443?transport=tcp",
			},
			Username:   "openrelayproject",
			Credential: "openrelayproject",
		},
	}

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SamplingRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.PeerTTL = 24 * time.Hour

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.HTTP.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 60
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0
	cfg.RateLimiting.WebSocket.MaxMessageSizeBytes = 64 * 1024

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("PEERLINK_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if backend := os.Getenv("PEERLINK_STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if url := os.Getenv("PEERLINK_RELAY_URL"); url != "" {
		c.Relay.URL = url
	}
	if addr := os.Getenv("PEERLINK_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if pw := os.Getenv("PEERLINK_REDIS_PASSWORD"); pw != "" {
		c.Redis.Password = pw
	}
	if mode := os.Getenv("PEERLINK_DELIVERY_MODE"); mode != "" {
		c.Delivery.Mode = mode
	}
	if v := os.Getenv("PEERLINK_FORCE_RELAY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.WebRTC.ForceRelay = b
		}
	}
	if level := os.Getenv("PEERLINK_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("PEERLINK_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}
