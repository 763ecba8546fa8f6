// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case.
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

	// Backend points at the model-serving backend the inference workers call.
	Backend BackendConfig

	// Kafka holds the request/response bus connection settings.
	Kafka KafkaConfig

	// Redis holds the connection URL for the Redis-backed cache and rate
	// limiter. Required only when Cache.Mode is "redis".
	Redis RedisConfig

	// Postgres holds the connection URL for the inference log table and the
	// api_tokens auth table.
	Postgres PostgresConfig

	// Cache controls caching behaviour.
	Cache CacheConfig

	// CircuitBreaker controls the shared backend-call circuit breaker.
	CircuitBreaker CircuitBreakerConfig

	// RateLimit controls the global per-remote-address rate limit.
	RateLimit RateLimitConfig

	// Timeouts controls the per-request and per-backend-call deadlines.
	Timeouts TimeoutConfig

	// WebSocketSecret gates the WS upgrade via a ?token= query parameter.
	WebSocketSecret string

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string

	// RequireAuth gates every request on a valid bearer token checked
	// against the api_tokens table. Default: true.
	RequireAuth bool
}

// BackendConfig configures the model-serving backend the inference worker
// calls. It speaks an OpenAI-compatible streaming completions protocol.
type BackendConfig struct {
	// URL is the full completions endpoint, e.g. http://vllm:8000/v1/completions.
	URL string
}

// KafkaConfig holds request/response bus connection settings.
type KafkaConfig struct {
	// BootstrapServers is a comma-separated list of broker addresses.
	BootstrapServers string
	// Topic is the request topic. Default: "inferno-queue".
	Topic string
	// ResponseTopic is the response topic. Default: "inferno-response-queue".
	ResponseTopic string
	// GroupID is the consumer group shared by all inference workers.
	// Default: "inferno-consumer-group".
	GroupID string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// PostgresConfig holds the Postgres connection URL shared by the inference
// log writer and the auth token lookup.
type PostgresConfig struct {
	URL string
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Mode selects the cache backend:
	//   "redis"  — Redis-backed cache (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process TTL cache. No external deps; not shared across replicas.
	//   "none"   — Cache disabled entirely.
	// Default: "memory".
	Mode string

	// TTL is the default time-to-live for cached responses. Default: 1h.
	TTL time.Duration

	// ExcludeExact is a list of exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns is a list of Go regular expressions matched against
	// model names. Requests whose model matches any pattern are not cached.
	ExcludePatterns []string
}

// CircuitBreakerConfig controls the shared backend-call circuit breaker.
type CircuitBreakerConfig struct {
	// ConsecutiveFailures is the number of consecutive failures that trips
	// the breaker open. Default: 5.
	ConsecutiveFailures uint32

	// OpenTimeout is how long the breaker stays open before allowing a
	// single probe request through. Default: 30s.
	OpenTimeout time.Duration
}

// RateLimitConfig controls the global per-remote-address sliding-window
// rate limit.
type RateLimitConfig struct {
	// Limit is the maximum number of requests allowed per Window. Default: 10000.
	Limit int

	// Window is the sliding window duration. Default: 1s.
	Window time.Duration
}

// TimeoutConfig controls per-frame and per-backend-call deadlines.
type TimeoutConfig struct {
	// ResponseTimeout bounds each wait on the waiter channel for the next
	// frame of a request. Default: 30s.
	ResponseTimeout time.Duration

	// BackendTimeout bounds the worker's HTTP call to the model backend.
	// Default: 25s.
	BackendTimeout time.Duration
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

	v.SetDefault("MODEL_BACKEND_URL", "http://localhost:8000/v1/completions")

	v.SetDefault("KAFKA_BOOTSTRAP_SERVERS", "localhost:9092")
	v.SetDefault("KAFKA_TOPIC", "inferno-queue")
	v.SetDefault("KAFKA_RESPONSE_TOPIC", "inferno-response-queue")
	v.SetDefault("KAFKA_GROUP_ID", "inferno-consumer-group")

	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("CACHE_TTL", "1h")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CB_CONSECUTIVE_FAILURES", 5)
	v.SetDefault("CB_OPEN_TIMEOUT", "30s")

	v.SetDefault("RPM_LIMIT", 10000)
	v.SetDefault("RATE_LIMIT_WINDOW", "1s")

	v.SetDefault("RESPONSE_TIMEOUT", "30s")
	v.SetDefault("PROVIDER_TIMEOUT", "25s")

	v.SetDefault("REQUIRE_AUTH", true)

	// ── Build config ──────────────────────────────────────────────────────────
	redisURL := v.GetString("REDIS_URL")
	if redisURL == "" {
		host := v.GetString("REDIS_HOST")
		port := v.GetString("REDIS_PORT")
		if host != "" {
			if port == "" {
				port = "6379"
			}
			redisURL = fmt.Sprintf("redis://%s:%s", host, port)
		}
	}

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Backend: BackendConfig{URL: v.GetString("MODEL_BACKEND_URL")},

		Kafka: KafkaConfig{
			BootstrapServers: v.GetString("KAFKA_BOOTSTRAP_SERVERS"),
			Topic:            v.GetString("KAFKA_TOPIC"),
			ResponseTopic:    v.GetString("KAFKA_RESPONSE_TOPIC"),
			GroupID:          v.GetString("KAFKA_GROUP_ID"),
		},

		Redis:    RedisConfig{URL: redisURL},
		Postgres: PostgresConfig{URL: v.GetString("POSTGRES_URL")},

		Cache: CacheConfig{
			Mode:            strings.ToLower(v.GetString("CACHE_MODE")),
			TTL:             v.GetDuration("CACHE_TTL"),
			ExcludeExact:    v.GetStringSlice("CACHE_EXCLUDE_EXACT"),
			ExcludePatterns: v.GetStringSlice("CACHE_EXCLUDE_PATTERNS"),
		},

		CircuitBreaker: CircuitBreakerConfig{
			ConsecutiveFailures: uint32(v.GetInt("CB_CONSECUTIVE_FAILURES")),
			OpenTimeout:         v.GetDuration("CB_OPEN_TIMEOUT"),
		},

		RateLimit: RateLimitConfig{
			Limit:  v.GetInt("RPM_LIMIT"),
			Window: v.GetDuration("RATE_LIMIT_WINDOW"),
		},

		Timeouts: TimeoutConfig{
			ResponseTimeout: v.GetDuration("RESPONSE_TIMEOUT"),
			BackendTimeout:  v.GetDuration("PROVIDER_TIMEOUT"),
		},

		WebSocketSecret: v.GetString("WEBSOCKET_SECRET_KEY"),
		CORSOrigins:     v.GetStringSlice("CORS_ORIGINS"),

		RequireAuth: v.GetBool("REQUIRE_AUTH"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.Cache.Mode {
	case "redis", "memory", "none":
	default:
		return fmt.Errorf("config: invalid CACHE_MODE %q; must be one of: redis, memory, none", c.Cache.Mode)
	}

	if c.Cache.Mode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL (or REDIS_HOST/REDIS_PORT) is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process cache",
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.CircuitBreaker.ConsecutiveFailures < 1 {
		return fmt.Errorf("config: CB_CONSECUTIVE_FAILURES must be >= 1, got %d", c.CircuitBreaker.ConsecutiveFailures)
	}
	if c.CircuitBreaker.OpenTimeout <= 0 {
		return fmt.Errorf("config: CB_OPEN_TIMEOUT must be a positive duration")
	}
	if c.Timeouts.ResponseTimeout <= 0 {
		return fmt.Errorf("config: RESPONSE_TIMEOUT must be a positive duration")
	}
	if c.Timeouts.BackendTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("config: MODEL_BACKEND_URL must not be empty")
	}
	if c.Kafka.BootstrapServers == "" {
		return fmt.Errorf("config: KAFKA_BOOTSTRAP_SERVERS must not be empty")
	}
	if c.RequireAuth && c.Postgres.URL == "" {
		return fmt.Errorf("config: POSTGRES_URL is required when REQUIRE_AUTH=true")
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
