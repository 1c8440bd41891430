// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file, and a .env file is loaded into the
// process environment first when present.
//
// Provider API keys are NOT part of this config: they are resolved lazily per
// provider by the credentials resolver, straight from the environment, so a
// key rotation never requires a restart.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Env names the runtime environment: production, staging, development, test.
	// The health loop is disabled in development and test. Default: development.
	Env string

	// Database holds the provider configuration store settings.
	Database DatabaseConfig

	// Redis holds the connection URL for the optional shared execution cache.
	// Required only when CacheMode is "redis".
	Redis RedisConfig

	// Cache controls the execution-result cache tiers.
	Cache CacheConfig

	// RequestTimeout is the global fallback timeout for outbound provider
	// calls, applied when neither the provider template nor a per-provider
	// override specifies one. Default: 90s.
	RequestTimeout time.Duration

	// HealthCheck controls the background provider health loop.
	HealthCheck HealthCheckConfig

	// CircuitBreaker controls per-provider circuit breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// Analytics controls the asynchronous invocation-event sink.
	Analytics AnalyticsConfig

	// SeedFile is an optional JSON file of provider configurations loaded
	// into the store at startup when the store is empty.
	SeedFile string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// DebugProviderAuth enables masked credential logging in the resolver.
	DebugProviderAuth bool
}

// DatabaseConfig holds the SQLite store settings.
type DatabaseConfig struct {
	// Path is the SQLite database file. ":memory:" runs fully in-process.
	// Default: "gateway.db".
	Path string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// CacheConfig controls the execution-result cache.
type CacheConfig struct {
	// Mode selects the second cache tier:
	//   "redis"  — Redis-backed shared tier (requires REDIS_URL).
	//   "memory" — In-process LRU only. Not shared across replicas.
	//   "none"   — Execution caching disabled entirely.
	// Default: "memory".
	Mode string
}

// HealthCheckConfig controls the background health loop.
type HealthCheckConfig struct {
	// Interval between health sweeps. Default: 30s.
	Interval time.Duration

	// Disabled turns the loop off regardless of environment.
	// Set DISABLE_HEALTH_CHECKS=true.
	Disabled bool
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive non-client failures that
	// trip the breaker. Default: 5.
	FailureThreshold int

	// OpenTimeout is how long the breaker stays open before the next
	// invocation attempt moves it to half-open. Default: 60s.
	OpenTimeout time.Duration

	// HalfOpenRetryDelay is the re-open delay applied when a half-open probe
	// fails. Default: 30s.
	HalfOpenRetryDelay time.Duration

	// HalfOpenMaxCalls bounds concurrent probes while half-open. Default: 3.
	HalfOpenMaxCalls int
}

// AnalyticsConfig controls the invocation-event sink. When Addr is empty the
// sink logs events through slog instead of writing to ClickHouse.
type AnalyticsConfig struct {
	// Addr is the ClickHouse native-protocol address, e.g. "localhost:9000".
	Addr string
	// Database is the target database. Default: "default".
	Database string
	// Username authenticates the connection. Default: "default".
	Username string
	// Password authenticates the connection.
	Password string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("NODE_ENV", "development")
	v.SetDefault("DB_PATH", "gateway.db")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("AI_REQUEST_TIMEOUT", "90s")
	v.SetDefault("HEALTH_CHECK_INTERVAL", "30s")
	v.SetDefault("DISABLE_HEALTH_CHECKS", false)

	// Circuit breaker defaults.
	v.SetDefault("CB_FAILURE_THRESHOLD", 5)
	v.SetDefault("CB_OPEN_TIMEOUT", "60s")
	v.SetDefault("CB_HALF_OPEN_RETRY_DELAY", "30s")
	v.SetDefault("CB_HALF_OPEN_MAX_CALLS", 3)

	// Analytics defaults.
	v.SetDefault("CLICKHOUSE_DATABASE", "default")
	v.SetDefault("CLICKHOUSE_USERNAME", "default")

	v.SetDefault("DEBUG_PROVIDER_AUTH", false)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),
		Env:      strings.ToLower(v.GetString("NODE_ENV")),

		Database: DatabaseConfig{Path: v.GetString("DB_PATH")},
		Redis:    RedisConfig{URL: v.GetString("REDIS_URL")},

		Cache: CacheConfig{
			Mode: strings.ToLower(v.GetString("CACHE_MODE")),
		},

		RequestTimeout: v.GetDuration("AI_REQUEST_TIMEOUT"),

		HealthCheck: HealthCheckConfig{
			Interval: v.GetDuration("HEALTH_CHECK_INTERVAL"),
			Disabled: v.GetBool("DISABLE_HEALTH_CHECKS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:   v.GetInt("CB_FAILURE_THRESHOLD"),
			OpenTimeout:        v.GetDuration("CB_OPEN_TIMEOUT"),
			HalfOpenRetryDelay: v.GetDuration("CB_HALF_OPEN_RETRY_DELAY"),
			HalfOpenMaxCalls:   v.GetInt("CB_HALF_OPEN_MAX_CALLS"),
		},

		Analytics: AnalyticsConfig{
			Addr:     v.GetString("CLICKHOUSE_ADDR"),
			Database: v.GetString("CLICKHOUSE_DATABASE"),
			Username: v.GetString("CLICKHOUSE_USERNAME"),
			Password: v.GetString("CLICKHOUSE_PASSWORD"),
		},

		SeedFile:    v.GetString("PROVIDER_SEED_FILE"),
		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),

		DebugProviderAuth: v.GetBool("DEBUG_PROVIDER_AUTH"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// HealthLoopEnabled reports whether the background health loop should run:
// never in test or development, never when explicitly disabled.
func (c *Config) HealthLoopEnabled() bool {
	if c.HealthCheck.Disabled {
		return false
	}
	switch c.Env {
	case "test", "development":
		return false
	}
	return true
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory, none",
			c.Cache.Mode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("config: DB_PATH must not be empty")
	}

	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: AI_REQUEST_TIMEOUT must be a positive duration")
	}
	if c.HealthCheck.Interval <= 0 {
		return fmt.Errorf("config: HEALTH_CHECK_INTERVAL must be a positive duration")
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.OpenTimeout <= 0 {
		return fmt.Errorf("config: CB_OPEN_TIMEOUT must be a positive duration")
	}
	if c.CircuitBreaker.HalfOpenRetryDelay <= 0 {
		return fmt.Errorf("config: CB_HALF_OPEN_RETRY_DELAY must be a positive duration")
	}
	if c.CircuitBreaker.HalfOpenMaxCalls < 1 {
		return fmt.Errorf("config: CB_HALF_OPEN_MAX_CALLS must be ≥ 1, got %d", c.CircuitBreaker.HalfOpenMaxCalls)
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
