package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ROOMCAST_JWT_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.Enabled)
	assert.Equal(t, ":3010", cfg.Addr)
	assert.Equal(t, "/ws", cfg.Path)
	assert.Equal(t, []string{"*"}, cfg.AllowedOrigins)
	assert.Equal(t, 256, cfg.SendQueueSize)
	assert.Equal(t, int64(4096), cfg.MaxMessageSize)
	assert.Empty(t, cfg.BrokerURL)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ROOMCAST_JWT_SECRET", "test-secret")
	t.Setenv("ROOMCAST_ADDR", ":9000")
	t.Setenv("ROOMCAST_COLLECTIONS", "posts,projects")
	t.Setenv("ROOMCAST_BROKER_URL", "nats://localhost:4222")
	t.Setenv("ROOMCAST_PONG_WAIT", "30s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, []string{"posts", "projects"}, cfg.Collections)
	assert.Equal(t, "nats://localhost:4222", cfg.BrokerURL)
	assert.Equal(t, "30s", cfg.PongWait.String())
}

func TestLoadDisabledSkipsSecretRequirement(t *testing.T) {
	t.Setenv("ROOMCAST_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.Enabled)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base := func() *Config {
		return &Config{
			Enabled:        true,
			Addr:           ":3010",
			Path:           "/ws",
			JWTSecret:      "s",
			SendQueueSize:  256,
			MaxMessageSize: 4096,
			PongWait:       time.Minute,
			ConnectRate:    50,
			ConnectBurst:   100,
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing addr", func(c *Config) { c.Addr = "" }},
		{"missing path", func(c *Config) { c.Path = "" }},
		{"enabled without secret", func(c *Config) { c.JWTSecret = "" }},
		{"zero send queue", func(c *Config) { c.SendQueueSize = 0 }},
		{"tiny message size", func(c *Config) { c.MaxMessageSize = 16 }},
		{"sub-second pong wait", func(c *Config) { c.PongWait = 100 * time.Millisecond }},
		{"zero connect rate", func(c *Config) { c.ConnectRate = 0 }},
		{"zero connect burst", func(c *Config) { c.ConnectBurst = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestDistributesCollection(t *testing.T) {
	cfg := &Config{Collections: []string{"posts", "projects"}}

	assert.True(t, cfg.DistributesCollection("posts"))
	assert.False(t, cfg.DistributesCollection("users"))

	// Empty list means nothing is distributed.
	empty := &Config{}
	assert.False(t, empty.DistributesCollection("posts"))
}
