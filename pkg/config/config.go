package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Redis      RedisConfig      `json:"redis"`
	Logging    LoggingConfig    `json:"logging"`
	Tracing    TracingConfig    `json:"tracing"`
	Resilience ResilienceConfig `json:"resilience"`
	Health     HealthConfig     `json:"health"`
	Fallback   FallbackConfig   `json:"fallback"`
	Cache      CacheConfig      `json:"cache"`
}

// ServerConfig contains HTTP server configuration for the admin surface
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// RedisConfig contains Redis connection configuration for the cache mirror
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
	Enabled  bool   `json:"enabled"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	Output string `json:"output"`
}

// TracingConfig contains distributed tracing configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	JaegerEndpoint string  `json:"jaeger_endpoint"`
	SamplingRate   float64 `json:"sampling_rate"`
}

// ResilienceConfig contains circuit breaker and retry defaults
type ResilienceConfig struct {
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	SuccessThreshold int           `json:"success_threshold"`
	HalfOpenMaxCalls int           `json:"half_open_max_calls"`
	MaxAttempts      int           `json:"max_attempts"`
	BaseDelay        time.Duration `json:"base_delay"`
	MaxDelay         time.Duration `json:"max_delay"`
	JitterMax        time.Duration `json:"jitter_max"`
}

// HealthConfig contains provider health monitor configuration
type HealthConfig struct {
	FailureThreshold    int           `json:"failure_threshold"`
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	ProbeTimeout        time.Duration `json:"probe_timeout"`
}

// FallbackConfig contains fallback executor configuration
type FallbackConfig struct {
	Strategy            string        `json:"strategy"`
	TimeoutPerProvider  time.Duration `json:"timeout_per_provider"`
	MaxParallelAttempts int           `json:"max_parallel_attempts"`
	RetryPerProvider    bool          `json:"retry_per_provider"`
}

// CacheConfig contains result cache configuration
type CacheConfig struct {
	DefaultTTL        time.Duration `json:"default_ttl"`
	DefaultMaxEntries int           `json:"default_max_entries"`
	CleanupInterval   time.Duration `json:"cleanup_interval"`
	MirrorEnabled     bool          `json:"mirror_enabled"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8080),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
			Enabled:  getEnvBool("REDIS_ENABLED", false),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
			Output: getEnvString("LOG_OUTPUT", "stdout"),
		},
		Tracing: TracingConfig{
			Enabled:        getEnvBool("TRACING_ENABLED", false),
			JaegerEndpoint: getEnvString("TRACING_JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
			SamplingRate:   getEnvFloat("TRACING_SAMPLING_RATE", 1.0),
		},
		Resilience: ResilienceConfig{
			FailureThreshold: getEnvInt("BREAKER_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getEnvDuration("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
			SuccessThreshold: getEnvInt("BREAKER_SUCCESS_THRESHOLD", 2),
			HalfOpenMaxCalls: getEnvInt("BREAKER_HALF_OPEN_MAX_CALLS", 3),
			MaxAttempts:      getEnvInt("RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:        getEnvDuration("RETRY_BASE_DELAY", 200*time.Millisecond),
			MaxDelay:         getEnvDuration("RETRY_MAX_DELAY", 30*time.Second),
			JitterMax:        getEnvDuration("RETRY_JITTER_MAX", 100*time.Millisecond),
		},
		Health: HealthConfig{
			FailureThreshold:    getEnvInt("HEALTH_FAILURE_THRESHOLD", 3),
			HealthCheckInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 60*time.Second),
			ProbeTimeout:        getEnvDuration("HEALTH_PROBE_TIMEOUT", 10*time.Second),
		},
		Fallback: FallbackConfig{
			Strategy:            getEnvString("FALLBACK_STRATEGY", "sequential"),
			TimeoutPerProvider:  getEnvDuration("FALLBACK_TIMEOUT_PER_PROVIDER", 60*time.Second),
			MaxParallelAttempts: getEnvInt("FALLBACK_MAX_PARALLEL_ATTEMPTS", 2),
			RetryPerProvider:    getEnvBool("FALLBACK_RETRY_PER_PROVIDER", true),
		},
		Cache: CacheConfig{
			DefaultTTL:        getEnvDuration("CACHE_DEFAULT_TTL", 1*time.Hour),
			DefaultMaxEntries: getEnvInt("CACHE_DEFAULT_MAX_ENTRIES", 1000),
			CleanupInterval:   getEnvDuration("CACHE_CLEANUP_INTERVAL", 5*time.Minute),
			MirrorEnabled:     getEnvBool("CACHE_MIRROR_ENABLED", false),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Resilience.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.Resilience.SuccessThreshold <= 0 {
		return fmt.Errorf("breaker success threshold must be positive")
	}
	if c.Resilience.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	if c.Fallback.MaxParallelAttempts <= 0 {
		return fmt.Errorf("max parallel attempts must be positive")
	}
	switch c.Fallback.Strategy {
	case "sequential", "parallel", "adaptive":
	default:
		return fmt.Errorf("unknown fallback strategy: %s", c.Fallback.Strategy)
	}
	if c.Cache.MirrorEnabled && !c.Redis.Enabled {
		return fmt.Errorf("cache mirror requires Redis to be enabled")
	}
	return nil
}

// RedisURL returns the Redis connection URL
func (c *Config) RedisURL() string {
	if c.Redis.Password != "" {
		return fmt.Sprintf("redis://:%s@%s:%d/%d",
			c.Redis.Password,
			c.Redis.Host,
			c.Redis.Port,
			c.Redis.DB,
		)
	}
	return fmt.Sprintf("redis://%s:%d/%d",
		c.Redis.Host,
		c.Redis.Port,
		c.Redis.DB,
	)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
