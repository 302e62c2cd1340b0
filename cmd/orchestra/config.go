package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/rendis/orchestra/internal/dispatch"
	"github.com/rendis/orchestra/internal/engine"
	"github.com/rendis/orchestra/internal/scheduler"
	"github.com/rendis/orchestra/internal/tracing"
)

const envPrefix = "ORCHESTRA"

// Config holds all orchestra server configuration.
// Priority: env vars > settings file > defaults.
type Config struct {
	DBPath      string `mapstructure:"db_path"`
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	PlanDir     string `mapstructure:"plan_dir"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	// Transport is "memory" or "redis".
	Transport string `mapstructure:"transport"`

	Redis     dispatch.RedisConfig        `mapstructure:"redis"`
	Dispatch  dispatch.Config             `mapstructure:"dispatch"`
	Engine    engine.Config               `mapstructure:"engine"`
	Scheduler scheduler.MaintenanceConfig `mapstructure:"scheduler"`
	Tracing   tracing.Config              `mapstructure:"tracing"`
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(orchestraDir(), "orchestra.db"),
		LogLevel:    "info",
		LogFormat:   "json",
		PlanDir:     filepath.Join(orchestraDir(), "plans"),
		MetricsAddr: ":9464",
		Transport:   "memory",
		Redis:       dispatch.RedisConfig{Addr: "localhost:6379", KeyPrefix: "orchestra"},
		Dispatch:    dispatch.DefaultConfig(),
		Engine:      engine.DefaultConfig(),
		Scheduler:   scheduler.DefaultMaintenanceConfig(),
		Tracing:     tracing.Config{ServiceName: "orchestra"},
	}
}

func orchestraDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".orchestra"
	}
	return filepath.Join(home, ".orchestra")
}

func settingsPath() string {
	return filepath.Join(orchestraDir(), "config.yaml")
}

// newViper registers every default so that ORCHESTRA_* variables can
// override keys that the settings file does not mention.
func newViper(path string) *viper.Viper {
	v := viper.New()
	d := defaultConfig()
	defaults := map[string]any{
		"db_path":                            d.DBPath,
		"log_level":                          d.LogLevel,
		"log_format":                         d.LogFormat,
		"plan_dir":                           d.PlanDir,
		"metrics_addr":                       d.MetricsAddr,
		"transport":                          d.Transport,
		"redis.addr":                         d.Redis.Addr,
		"redis.password":                     d.Redis.Password,
		"redis.db":                           d.Redis.DB,
		"redis.key_prefix":                   d.Redis.KeyPrefix,
		"dispatch.qps":                       d.Dispatch.QPS,
		"dispatch.burst":                     d.Dispatch.Burst,
		"dispatch.retry.max_attempts":        d.Dispatch.Retry.MaxAttempts,
		"dispatch.retry.strategy":            d.Dispatch.Retry.Strategy,
		"dispatch.retry.delay":               d.Dispatch.Retry.Delay,
		"dispatch.retry.max_delay":           d.Dispatch.Retry.MaxDelay,
		"dispatch.breaker.failure_threshold": d.Dispatch.Breaker.FailureThreshold,
		"dispatch.breaker.cooldown":          d.Dispatch.Breaker.Cooldown,
		"dispatch.breaker.half_open_max":     d.Dispatch.Breaker.HalfOpenMax,
		"engine.pool_size":                   d.Engine.PoolSize,
		"engine.plan_ttl":                    d.Engine.PlanTTL,
		"engine.conflict.max_attempts":       d.Engine.ConflictPolicy.MaxAttempts,
		"engine.conflict.strategy":           d.Engine.ConflictPolicy.Strategy,
		"engine.conflict.delay":              d.Engine.ConflictPolicy.Delay,
		"engine.conflict.max_delay":          d.Engine.ConflictPolicy.MaxDelay,
		"scheduler.restraint_monitor":        d.Scheduler.RestraintMonitor,
		"scheduler.delay_sweep":              d.Scheduler.DelaySweep,
		"scheduler.deadline_sweep":           d.Scheduler.DeadlineSweep,
		"scheduler.interrupt_drain":          d.Scheduler.InterruptDrain,
		"scheduler.plan_purge":               d.Scheduler.PlanPurge,
		"scheduler.batch_size":               d.Scheduler.BatchSize,
		"tracing.service_name":               d.Tracing.ServiceName,
		"tracing.endpoint":                   d.Tracing.Endpoint,
		"tracing.insecure":                   d.Tracing.Insecure,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigFile(path)
	return v
}

// loadConfig reads the settings file at path (ignored if missing) and
// applies environment overrides. An empty path uses ~/.orchestra/config.yaml.
func loadConfig(path string) (Config, *viper.Viper, error) {
	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return Config{}, nil, err
		}
	}
	cfg, err := decodeConfig(v)
	return cfg, v, err
}

func decodeConfig(v *viper.Viper) (Config, error) {
	cfg := defaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.Transport != new.Transport || old.Redis != new.Redis {
		d.RestartNeeded = append(d.RestartNeeded, "transport")
	}
	if old.MetricsAddr != new.MetricsAddr {
		d.RestartNeeded = append(d.RestartNeeded, "metrics_addr")
	}
	if old.Engine.PoolSize != new.Engine.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "engine.pool_size")
	}
	if old.Scheduler != new.Scheduler {
		d.RestartNeeded = append(d.RestartNeeded, "scheduler")
	}
	return d
}
