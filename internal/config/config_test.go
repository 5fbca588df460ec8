package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "wl:rank", cfg.Allocator.RankKey)
	assert.Equal(t, "wl:hb:", cfg.Allocator.HBPrefix)
	assert.Equal(t, 5, cfg.Limits.DefaultConcurrency)
	assert.Equal(t, 256, cfg.Stream.QueueDepth)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
server:
  port: "9090"
limits:
  default_concurrency: 2
  owners:
    acme: 8
supervisor:
  shutdown_grace_seconds: 5
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 2, cfg.Limits.DefaultConcurrency)
	assert.Equal(t, 8, cfg.Limits.Owners["acme"])
	assert.Equal(t, 5, cfg.Supervisor.ShutdownGraceSeconds)
	// Untouched sections keep their defaults.
	assert.Equal(t, "wl:rank", cfg.Allocator.RankKey)
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("PORT", "7001")
	t.Setenv("REDIS_URL", "redis-test:6379")
	t.Setenv("WEBHOOK_SECRET", "s3cret")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "7001", cfg.Server.Port)
	assert.Equal(t, "redis-test:6379", cfg.Redis.Addr)
	assert.Equal(t, "s3cret", cfg.Webhooks.Secret)
}

func TestLimitsResolution(t *testing.T) {
	limits := NewLimits(LimitsConfig{
		DefaultConcurrency: 5,
		Owners:             map[string]int{"u-42": 2},
	})

	assert.Equal(t, 2, limits.Concurrency("u-42"))
	assert.Equal(t, 5, limits.Concurrency("anyone-else"))

	limits.SetOverride("u-9", 1)
	assert.Equal(t, 1, limits.Concurrency("u-9"))

	limits.SetOverride("u-9", 0)
	assert.Equal(t, 5, limits.Concurrency("u-9"))
}
