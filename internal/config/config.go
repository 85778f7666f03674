// Package config holds the runtime configuration surface the engine
// requires from its host process.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all engine configuration.
// Tags:
//
//	env: Environment variable name
//	envDefault: Default value if not set
type Config struct {
	// Master switch. When disabled the host runs without the realtime
	// engine entirely.
	Enabled bool `env:"ROOMCAST_ENABLED" envDefault:"true"`

	// HTTP listener
	Addr         string        `env:"ROOMCAST_ADDR" envDefault:":3010"`
	Path         string        `env:"ROOMCAST_WS_PATH" envDefault:"/ws"`
	ReadTimeout  time.Duration `env:"ROOMCAST_READ_TIMEOUT" envDefault:"10s"`
	WriteTimeout time.Duration `env:"ROOMCAST_WRITE_TIMEOUT" envDefault:"10s"`

	// Collections eligible for change-event distribution. Events for
	// collections outside this list are never emitted to collection rooms.
	Collections []string `env:"ROOMCAST_COLLECTIONS" envSeparator:","`

	// CORS origins allowed to open a WebSocket ("*" allows any).
	AllowedOrigins []string `env:"ROOMCAST_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	// Handshake authentication
	JWTSecret string `env:"ROOMCAST_JWT_SECRET"`

	// Broker connection string for cross-instance replication. Empty
	// disables replication; the instance runs local-only.
	BrokerURL string `env:"ROOMCAST_BROKER_URL"`

	// Connection tuning
	SendQueueSize   int           `env:"ROOMCAST_SEND_QUEUE_SIZE" envDefault:"256"`
	MaxMessageSize  int64         `env:"ROOMCAST_MAX_MESSAGE_SIZE" envDefault:"4096"`
	ReadBufferSize  int           `env:"ROOMCAST_READ_BUFFER_SIZE" envDefault:"4096"`
	WriteBufferSize int           `env:"ROOMCAST_WRITE_BUFFER_SIZE" envDefault:"4096"`
	PongWait        time.Duration `env:"ROOMCAST_PONG_WAIT" envDefault:"60s"`

	// New-connection admission rate (handshakes per second, with burst).
	ConnectRate  float64 `env:"ROOMCAST_CONNECT_RATE" envDefault:"50"`
	ConnectBurst int     `env:"ROOMCAST_CONNECT_BURST" envDefault:"100"`

	// Metrics
	MetricsEnabled bool   `env:"ROOMCAST_METRICS_ENABLED" envDefault:"true"`
	MetricsPath    string `env:"ROOMCAST_METRICS_PATH" envDefault:"/metrics"`

	// Logging
	LogLevel  string `env:"ROOMCAST_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"ROOMCAST_LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and the environment.
// Priority: ENV vars > .env file > defaults.
func Load() (*Config, error) {
	// .env is a development convenience; absent in production deploys.
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
		return fmt.Errorf("ROOMCAST_ADDR is required")
	}
	if c.Path == "" {
		return fmt.Errorf("ROOMCAST_WS_PATH is required")
	}
	if c.Enabled && c.JWTSecret == "" {
		return fmt.Errorf("ROOMCAST_JWT_SECRET is required when the engine is enabled")
	}
	if c.SendQueueSize < 1 {
		return fmt.Errorf("ROOMCAST_SEND_QUEUE_SIZE must be > 0, got %d", c.SendQueueSize)
	}
	if c.MaxMessageSize < 64 {
		return fmt.Errorf("ROOMCAST_MAX_MESSAGE_SIZE must be >= 64, got %d", c.MaxMessageSize)
	}
	if c.PongWait < time.Second {
		return fmt.Errorf("ROOMCAST_PONG_WAIT must be >= 1s, got %s", c.PongWait)
	}
	if c.ConnectRate <= 0 {
		return fmt.Errorf("ROOMCAST_CONNECT_RATE must be > 0, got %.1f", c.ConnectRate)
	}
	if c.ConnectBurst < 1 {
		return fmt.Errorf("ROOMCAST_CONNECT_BURST must be > 0, got %d", c.ConnectBurst)
	}
	return nil
}

// DistributesCollection reports whether change events for the named
// collection are eligible for distribution.
func (c *Config) DistributesCollection(collection string) bool {
	for _, name := range c.Collections {
		if name == collection {
			return true
		}
	}
	return false
}
