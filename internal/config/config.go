// Package config loads bridge configuration from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all bridge configuration.
//
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr string `env:"JUPYTER_BRIDGE_ADDR" envDefault:":5000"`

	// Shared store
	RedisAddr     string `env:"JUPYTER_BRIDGE_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"JUPYTER_BRIDGE_REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"JUPYTER_BRIDGE_REDIS_DB" envDefault:"0"`

	// Rendezvous cadence. The legacy peers configure these in plain seconds
	// (floats allowed), so the fields keep that unit and convert on access.
	DequeueTimeoutSecs float64 `env:"JUPYTER_DEQUEUE_TIMEOUT_SECS" envDefault:"15"`
	FastPollSecs       float64 `env:"JUPYTER_FAST_BRIDGE_POLL_SECS" envDefault:"0.1"`
	SlowPollSecs       float64 `env:"JUPYTER_SLOW_BRIDGE_POLL_SECS" envDefault:"2"`
	AllowedFastPolls   int     `env:"JUPYTER_ALLOWED_FAST_DEQUEUE_POLLS" envDefault:"10"`
	ExpireSecs         int     `env:"JUPYTER_BRIDGE_EXPIRE_SECS" envDefault:"86400"`

	// Wire compatibility: pad dequeue responses with trailing spaces so peers
	// behind the truncating proxy still receive the closing bytes.
	PadMessages bool `env:"JUPYTER_BRIDGE_PAD_MESSAGES" envDefault:"true"`

	// Logging
	LogLevel  string `env:"JUPYTER_BRIDGE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"JUPYTER_BRIDGE_LOG_FORMAT" envDefault:"json"`
	LogFile   string `env:"JUPYTER_BRIDGE_LOG_FILE" envDefault:""`

	// Monitoring
	MetricsInterval time.Duration `env:"JUPYTER_BRIDGE_METRICS_INTERVAL" envDefault:"15s"`

	// Request rate limiting. Off by default: the long-poll protocol is chatty
	// by design and the channel ids are the only access control, so this
	// exists for hostile networks only.
	RateLimitEnabled     bool    `env:"JUPYTER_BRIDGE_RATE_LIMIT_ENABLED" envDefault:"false"`
	RateLimitIPRate      float64 `env:"JUPYTER_BRIDGE_RATE_LIMIT_IP_RATE" envDefault:"5"`
	RateLimitIPBurst     int     `env:"JUPYTER_BRIDGE_RATE_LIMIT_IP_BURST" envDefault:"20"`
	RateLimitGlobalRate  float64 `env:"JUPYTER_BRIDGE_RATE_LIMIT_GLOBAL_RATE" envDefault:"200"`
	RateLimitGlobalBurst int     `env:"JUPYTER_BRIDGE_RATE_LIMIT_GLOBAL_BURST" envDefault:"500"`
}

// Load reads configuration from a .env file and environment variables.
// Priority: ENV vars > .env file > defaults.
func Load() (*Config, error) {
	// Best effort: production deployments set real environment variables, a
	// .env file is a development convenience.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks configuration for errors.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("JUPYTER_BRIDGE_ADDR is required")
	}
	if c.DequeueTimeoutSecs <= 0 {
		return fmt.Errorf("JUPYTER_DEQUEUE_TIMEOUT_SECS must be > 0, got %g", c.DequeueTimeoutSecs)
	}
	if c.FastPollSecs <= 0 {
		return fmt.Errorf("JUPYTER_FAST_BRIDGE_POLL_SECS must be > 0, got %g", c.FastPollSecs)
	}
	if c.SlowPollSecs <= 0 {
		return fmt.Errorf("JUPYTER_SLOW_BRIDGE_POLL_SECS must be > 0, got %g", c.SlowPollSecs)
	}
	if c.AllowedFastPolls < 0 {
		return fmt.Errorf("JUPYTER_ALLOWED_FAST_DEQUEUE_POLLS must be >= 0, got %d", c.AllowedFastPolls)
	}
	if c.ExpireSecs <= 0 {
		return fmt.Errorf("JUPYTER_BRIDGE_EXPIRE_SECS must be > 0, got %d", c.ExpireSecs)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("JUPYTER_BRIDGE_LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}

	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("JUPYTER_BRIDGE_LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}

	if c.RateLimitEnabled {
		if c.RateLimitIPRate <= 0 || c.RateLimitGlobalRate <= 0 {
			return fmt.Errorf("rate limit rates must be > 0 when rate limiting is enabled")
		}
		if c.RateLimitIPBurst < 1 || c.RateLimitGlobalBurst < 1 {
			return fmt.Errorf("rate limit bursts must be >= 1 when rate limiting is enabled")
		}
	}
	return nil
}

// DequeueTimeout is the maximum blocking time of one dequeue call.
func (c *Config) DequeueTimeout() time.Duration {
	return secsToDuration(c.DequeueTimeoutSecs)
}

// FastPoll is the fast store-polling cadence.
func (c *Config) FastPoll() time.Duration {
	return secsToDuration(c.FastPollSecs)
}

// SlowPoll is the slow store-polling cadence.
func (c *Config) SlowPoll() time.Duration {
	return secsToDuration(c.SlowPollSecs)
}

// SlotTTL is the idle expiry applied to slot keys.
func (c *Config) SlotTTL() time.Duration {
	return time.Duration(c.ExpireSecs) * time.Second
}

func secsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}

// LogConfig logs the loaded configuration using structured logging.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Str("redis_addr", c.RedisAddr).
		Int("redis_db", c.RedisDB).
		Float64("dequeue_timeout_secs", c.DequeueTimeoutSecs).
		Float64("fast_poll_secs", c.FastPollSecs).
		Float64("slow_poll_secs", c.SlowPollSecs).
		Int("allowed_fast_polls", c.AllowedFastPolls).
		Int("expire_secs", c.ExpireSecs).
		Bool("pad_messages", c.PadMessages).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Str("log_file", c.LogFile).
		Dur("metrics_interval", c.MetricsInterval).
		Bool("rate_limit_enabled", c.RateLimitEnabled).
		Msg("Configuration loaded")
}
