package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8077", cfg.HTTPAddr)
	assert.Equal(t, "events", cfg.Exchange)
	assert.Equal(t, time.Second, cfg.SweepInterval)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Empty(t, cfg.DataDir)
	assert.Empty(t, cfg.RedisAddr)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("BUS_HTTP_ADDR", ":9090")
	t.Setenv("BUS_DATA_DIR", "/var/lib/topicbus")
	t.Setenv("BUS_SWEEP_INTERVAL", "250ms")
	t.Setenv("BUS_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "/var/lib/topicbus", cfg.DataDir)
	assert.Equal(t, 250*time.Millisecond, cfg.SweepInterval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
}
