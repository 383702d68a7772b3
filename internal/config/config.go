// Package config loads server configuration from the environment.
// Priority: environment variables > .env file > defaults.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds all gateway and broker configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Server basics
	Addr   string `env:"EREBUS_ADDR" envDefault:":3002"`
	Region string `env:"EREBUS_REGION" envDefault:"local"`

	// Backing stores
	RedisAddr     string `env:"EREBUS_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"EREBUS_REDIS_PASSWORD" envDefault:""`
	RedisDB       int    `env:"EREBUS_REDIS_DB" envDefault:"0"`
	NatsURL       string `env:"EREBUS_NATS_URL" envDefault:"nats://localhost:4222"`

	// Auth
	GrantPublicKey string `env:"EREBUS_GRANT_PUBLIC_KEY"` // PEM-encoded ECDSA public key
	RootAPIKey     string `env:"EREBUS_ROOT_API_KEY"`

	// Usage metering
	UsageSecret        string        `env:"EREBUS_USAGE_SECRET" envDefault:""`
	UsageFlushInterval time.Duration `env:"EREBUS_USAGE_FLUSH_INTERVAL" envDefault:"5s"`
	UsageQueueSize     int           `env:"EREBUS_USAGE_QUEUE_SIZE" envDefault:"4096"`

	// Capacity
	MaxSubscribersPerTopic int           `env:"EREBUS_MAX_SUBSCRIBERS_PER_TOPIC" envDefault:"5120"`
	MessageTTL             time.Duration `env:"EREBUS_MESSAGE_TTL" envDefault:"72h"`

	// Per-socket rate limiting
	RateLimitBurst  int           `env:"EREBUS_RATE_LIMIT_BURST" envDefault:"100"`
	RateLimitWindow time.Duration `env:"EREBUS_RATE_LIMIT_WINDOW" envDefault:"20s"`

	// HTTP server timeouts
	ReadHeaderTimeout time.Duration `env:"EREBUS_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ShutdownTimeout   time.Duration `env:"EREBUS_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Environment
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file and environment variables.
func Load(logger *zerolog.Logger) (*Config, error) {
	// .env is a development convenience; production sets the environment directly.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("No .env file found (using environment variables only)")
		}
	} else if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}

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
		return fmt.Errorf("EREBUS_ADDR is required")
	}
	if c.Region == "" {
		return fmt.Errorf("EREBUS_REGION is required")
	}
	if c.GrantPublicKey == "" {
		return fmt.Errorf("EREBUS_GRANT_PUBLIC_KEY is required")
	}
	if c.MaxSubscribersPerTopic < 1 {
		return fmt.Errorf("EREBUS_MAX_SUBSCRIBERS_PER_TOPIC must be > 0, got %d", c.MaxSubscribersPerTopic)
	}
	if c.MessageTTL <= 0 {
		return fmt.Errorf("EREBUS_MESSAGE_TTL must be > 0, got %s", c.MessageTTL)
	}
	if c.RateLimitBurst < 1 {
		return fmt.Errorf("EREBUS_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.UsageQueueSize < 1 {
		return fmt.Errorf("EREBUS_USAGE_QUEUE_SIZE must be > 0, got %d", c.UsageQueueSize)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", c.LogLevel)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", c.LogFormat)
	}
	return nil
}

// NewLogger builds the process logger from the configured level and format.
func (c *Config) NewLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if c.LogFormat == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}
	return zerolog.New(output).With().Timestamp().Str("service", "erebus").Str("region", c.Region).Logger()
}

// LogConfig logs the effective configuration, secrets elided.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("region", c.Region).
		Str("redis_addr", c.RedisAddr).
		Str("nats_url", c.NatsURL).
		Int("max_subscribers_per_topic", c.MaxSubscribersPerTopic).
		Dur("message_ttl", c.MessageTTL).
		Int("rate_limit_burst", c.RateLimitBurst).
		Dur("rate_limit_window", c.RateLimitWindow).
		Dur("usage_flush_interval", c.UsageFlushInterval).
		Int("usage_queue_size", c.UsageQueueSize).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Server configuration loaded")
}
