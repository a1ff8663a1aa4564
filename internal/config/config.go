// Package config loads relay settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds every relay setting. Fields are filled by env.Parse from the
// variables named in their tags.
type Config struct {
	// Transport
	ListenAddr        string        `env:"LISTEN_ADDR" envDefault:":8080"`
	MaxConnections    int           `env:"MAX_CONNECTIONS" envDefault:"100000"`
	WriteTimeout      time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	MaxMessageBytes   int64         `env:"MAX_MESSAGE_BYTES" envDefault:"65536"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"10s"`
	ServerName        string        `env:"SERVER_NAME"`

	// Storage
	StoreDriver   string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL   string `env:"DATABASE_URL"`
	RunMigrations bool   `env:"RUN_MIGRATIONS" envDefault:"true"`

	// Redis and NATS are optional; empty disables the features built on them.
	RedisAddr string `env:"REDIS_ADDR"`
	NATSURL   string `env:"NATS_URL"`

	// Moderation
	ModerationWorkers    int           `env:"MODERATION_WORKERS" envDefault:"4"`
	ModerationQueueSize  int           `env:"MODERATION_QUEUE_SIZE" envDefault:"1024"`
	ModerationJobTimeout time.Duration `env:"MODERATION_JOB_TIMEOUT" envDefault:"0s"`

	// Limits. MESSAGE_RATE_LIMIT=0 disables send throttling.
	MessageRateLimit  int           `env:"MESSAGE_RATE_LIMIT" envDefault:"30"`
	MessageRateWindow time.Duration `env:"MESSAGE_RATE_WINDOW" envDefault:"10s"`
	AIDailyQuota      int           `env:"AI_DAILY_QUOTA" envDefault:"20"`

	// AI suggestions; an empty key disables them.
	OpenRouterKey   string `env:"OPENROUTER_API_KEY"`
	OpenRouterModel string `env:"OPENROUTER_MODEL" envDefault:"openai/gpt-4o-mini"`
	OpenRouterURL   string `env:"OPENROUTER_URL" envDefault:"https://openrouter.ai/api/v1"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints env tags cannot express.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: DATABASE_URL is required when STORE_DRIVER=%s", DriverPostgres)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.ModerationWorkers <= 0 {
		return fmt.Errorf("config: MODERATION_WORKERS must be positive")
	}
	if c.ModerationQueueSize <= 0 {
		return fmt.Errorf("config: MODERATION_QUEUE_SIZE must be positive")
	}
	if c.MessageRateLimit < 0 {
		return fmt.Errorf("config: MESSAGE_RATE_LIMIT must not be negative")
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: MAX_CONNECTIONS must be positive")
	}
	return nil
}
