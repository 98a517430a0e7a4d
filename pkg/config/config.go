// Package config loads the execution service's runtime configuration from
// environment variables, with an optional config file overlay, using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// RedisConfig describes how to reach the key/value store.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the host:port dial target.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// WorkerConfig controls the execution-slot pool.
type WorkerConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	CompileTimeout  time.Duration `mapstructure:"compile_timeout"`
	SafetyGrace     time.Duration `mapstructure:"safety_grace"`
	MaxOutputBytes  int           `mapstructure:"max_output_bytes"`
	DequeueInterval time.Duration `mapstructure:"dequeue_interval"`
}

// SandboxConfig controls how the launcher binary is invoked.
type SandboxConfig struct {
	JobsRoot          string `mapstructure:"jobs_root"`
	ConfigDir         string `mapstructure:"config_dir"`
	LauncherBin       string `mapstructure:"launcher_bin"`
	LauncherLogPattern string `mapstructure:"launcher_log_pattern"`
}

// HTTPConfig controls the submission API listener.
type HTTPConfig struct {
	Addr     string `mapstructure:"addr"`
	MaxConns int    `mapstructure:"max_conns"`
}

// CacheConfig controls result caching.
type CacheConfig struct {
	TTL                time.Duration `mapstructure:"ttl"`
	BloomExpectedItems uint          `mapstructure:"bloom_expected_items"`
	BloomFalsePositive float64       `mapstructure:"bloom_false_positive"`
}

// RateLimitConfig controls the per-caller submission rate limit.
type RateLimitConfig struct {
	MaxRequests     int           `mapstructure:"max_requests"`
	Window          time.Duration `mapstructure:"window"`
	ChargeCacheHits bool          `mapstructure:"charge_cache_hits"`
}

// StatusConfig controls status/result record TTLs.
type StatusConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

// LoggingConfig controls the ambient logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the complete, validated runtime configuration.
type Config struct {
	Redis     RedisConfig     `mapstructure:"redis"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Cache     CacheConfig     `mapstructure:"cache"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Status    StatusConfig    `mapstructure:"status"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DefaultConfig returns the documented defaults from SPEC_FULL.md §6.
func DefaultConfig() Config {
	return Config{
		Redis: RedisConfig{Host: "127.0.0.1", Port: 6379},
		Worker: WorkerConfig{
			Concurrency:     4,
			CompileTimeout:  30 * time.Second,
			SafetyGrace:     5 * time.Second,
			MaxOutputBytes:  65536,
			DequeueInterval: time.Second,
		},
		Sandbox: SandboxConfig{
			JobsRoot:           "/var/lib/codeexec/jobs",
			ConfigDir:          "/etc/codeexec/sandbox",
			LauncherBin:        "/usr/local/bin/sandbox-launcher",
			LauncherLogPattern: `^\[.*nsjail.*`,
		},
		HTTP: HTTPConfig{Addr: ":8080", MaxConns: 1000},
		Cache: CacheConfig{
			TTL:                time.Hour,
			BloomExpectedItems: 1_000_000,
			BloomFalsePositive: 0.01,
		},
		RateLimit: RateLimitConfig{
			MaxRequests:     10,
			Window:          60 * time.Second,
			ChargeCacheHits: true,
		},
		Status:  StatusConfig{TTL: 300 * time.Second},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load builds a Config by layering environment variables (prefixed
// CODEEXEC_ for service-specific knobs, bare for the shared REDIS_*/
// WORKER_CONCURRENCY/SANDBOX_*/LAUNCHER_BIN names documented in
// SPEC_FULL.md §6) over the defaults, with an optional file at path.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := v.Unmarshal(&cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	bindEnv(v, cfg.Redis.Host, "REDIS_HOST", &cfg.Redis.Host)
	bindEnvInt(v, "REDIS_PORT", &cfg.Redis.Port)
	bindEnv(v, cfg.Redis.Password, "REDIS_PASSWORD", &cfg.Redis.Password)
	bindEnvInt(v, "WORKER_CONCURRENCY", &cfg.Worker.Concurrency)
	bindEnv(v, cfg.Sandbox.JobsRoot, "SANDBOX_JOBS", &cfg.Sandbox.JobsRoot)
	bindEnv(v, cfg.Sandbox.ConfigDir, "SANDBOX_CONFIG_DIR", &cfg.Sandbox.ConfigDir)
	bindEnv(v, cfg.Sandbox.LauncherBin, "LAUNCHER_BIN", &cfg.Sandbox.LauncherBin)
	bindEnv(v, cfg.Logging.Level, "CODEEXEC_LOG_LEVEL", &cfg.Logging.Level)
	bindEnv(v, cfg.Logging.Format, "CODEEXEC_LOG_FORMAT", &cfg.Logging.Format)
	bindEnv(v, cfg.HTTP.Addr, "CODEEXEC_HTTP_ADDR", &cfg.HTTP.Addr)
	bindEnvInt(v, "CODEEXEC_MAX_CONNS", &cfg.HTTP.MaxConns)

	if cfg.Worker.Concurrency <= 0 {
		return cfg, fmt.Errorf("config: worker.concurrency must be positive, got %d", cfg.Worker.Concurrency)
	}
	if cfg.Sandbox.LauncherBin == "" {
		return cfg, fmt.Errorf("config: sandbox.launcher_bin must be set")
	}

	return cfg, nil
}

func bindEnv(v *viper.Viper, def string, key string, dst *string) {
	if val := v.GetString(key); val != "" {
		*dst = val
		return
	}
	if *dst == "" {
		*dst = def
	}
}

func bindEnvInt(v *viper.Viper, key string, dst *int) {
	v.BindEnv(key)
	if val := v.GetString(key); val != "" {
		if n, err := parseInt(val); err == nil {
			*dst = n
		}
	}
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
