package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dealerdesk/accesskit/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database DatabaseConfig

	// Permission cache configuration
	Cache CacheConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// CacheConfig holds permission cache configuration
type CacheConfig struct {
	// L2Backend selects the durable cache tier: "postgres", "redis", or "none"
	L2Backend string

	// TTL for computed permission sets
	TTL time.Duration

	// L1Size is the maximum number of entries in the in-process LRU
	L1Size int

	// Redis settings, used when L2Backend is "redis"
	RedisURL      string
	RedisPassword string
	RedisDB       int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Cache:         loadCacheConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("ACCESSKIT_HOST", "0.0.0.0"),
		Port:            getEnv("ACCESSKIT_PORT", "8080"),
		ReadTimeout:     getEnvDuration("ACCESSKIT_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("ACCESSKIT_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("ACCESSKIT_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("ACCESSKIT_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("ACCESSKIT_HEALTH_PORT", "9090"),
	}
}

// loadDatabaseConfig loads database configuration from environment
func loadDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		URL:             getEnv("ACCESSKIT_POSTGRES_URL", ""),
		MaxOpenConns:    getEnvInt("ACCESSKIT_POSTGRES_MAX_CONNS", 25),
		MaxIdleConns:    getEnvInt("ACCESSKIT_POSTGRES_IDLE_CONNS", 5),
		ConnMaxLifetime: getEnvDuration("ACCESSKIT_POSTGRES_CONN_LIFETIME", 30*time.Minute),
	}
}

// loadCacheConfig loads permission cache configuration from environment
func loadCacheConfig() CacheConfig {
	return CacheConfig{
		L2Backend:     strings.ToLower(getEnv("ACCESSKIT_CACHE_L2_BACKEND", "postgres")),
		TTL:           getEnvDuration("ACCESSKIT_CACHE_TTL", 30*time.Minute),
		L1Size:        getEnvInt("ACCESSKIT_CACHE_L1_SIZE", 10000),
		RedisURL:      getEnv("ACCESSKIT_REDIS_URL", "localhost:6379"),
		RedisPassword: getEnv("ACCESSKIT_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("ACCESSKIT_REDIS_DB", 0),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           observability.ParseLogLevel(getEnv("ACCESSKIT_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("ACCESSKIT_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("ACCESSKIT_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("ACCESSKIT_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("ACCESSKIT_OTEL_SERVICE_NAME", "accesskit"),
		OTelServiceVersion: getEnv("ACCESSKIT_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("ACCESSKIT_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	switch c.Cache.L2Backend {
	case "postgres", "none":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("redis URL is required for redis cache backend")
		}
	default:
		return fmt.Errorf("invalid cache L2 backend: %s (must be postgres, redis, or none)", c.Cache.L2Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}
	if c.Cache.L1Size <= 0 {
		return fmt.Errorf("cache L1 size must be positive")
	}

	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
