package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, _, err := loadConfig("")
	require.NoError(t, err)

	def := defaultConfig()
	assert.Equal(t, def.DBPath, cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "memory", cfg.Transport)
	assert.Equal(t, def.Engine.PoolSize, cfg.Engine.PoolSize)
	assert.Equal(t, def.Engine.PlanTTL, cfg.Engine.PlanTTL)
	assert.Equal(t, def.Scheduler, cfg.Scheduler)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestra.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db_path: /tmp/orchestra-test.db
log_level: debug
transport: redis
redis:
  addr: redis:6380
engine:
  pool_size: 4
  plan_ttl: 2h
scheduler:
  plan_purge: "@every 10m"
`), 0o600))
	t.Setenv("ORCHESTRA_LOG_LEVEL", "warn")
	t.Setenv("ORCHESTRA_ENGINE_POOL_SIZE", "16")

	cfg, _, err := loadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/orchestra-test.db", cfg.DBPath)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "redis", cfg.Transport)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, "orchestra", cfg.Redis.KeyPrefix)
	assert.Equal(t, 16, cfg.Engine.PoolSize)
	assert.Equal(t, 2*time.Hour, cfg.Engine.PlanTTL)
	assert.Equal(t, "@every 10m", cfg.Scheduler.PlanPurge)
	assert.Equal(t, "@every 5s", cfg.Scheduler.RestraintMonitor)
}

func TestLoadConfig_ExplicitMissingFile(t *testing.T) {
	_, _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	same := diffConfigs(old, old)
	assert.False(t, same.LogLevelChanged)
	assert.Empty(t, same.RestartNeeded)

	next := old
	next.LogLevel = "debug"
	next.Transport = "redis"
	next.Engine.PoolSize = old.Engine.PoolSize + 1
	d := diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"transport", "engine.pool_size"}, d.RestartNeeded)
}
