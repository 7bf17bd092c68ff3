package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("ACCESSKIT_POSTGRES_URL", "postgres://localhost/accesskit?sslmode=disable")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "9090", cfg.Server.HealthPort)
	assert.Equal(t, "postgres", cfg.Cache.L2Backend)
	assert.Equal(t, 30*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 10000, cfg.Cache.L1Size)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns)
	assert.False(t, cfg.Observability.OTelEnabled)
}

func TestLoadConfig_RequiresDatabaseURL(t *testing.T) {
	t.Setenv("ACCESSKIT_POSTGRES_URL", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("ACCESSKIT_POSTGRES_URL", "postgres://localhost/accesskit?sslmode=disable")
	t.Setenv("ACCESSKIT_PORT", "8181")
	t.Setenv("ACCESSKIT_CACHE_L2_BACKEND", "REDIS")
	t.Setenv("ACCESSKIT_REDIS_URL", "redis:6379")
	t.Setenv("ACCESSKIT_CACHE_TTL", "5m")
	t.Setenv("ACCESSKIT_CACHE_L1_SIZE", "500")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "8181", cfg.Server.Port)
	assert.Equal(t, "redis", cfg.Cache.L2Backend, "backend selection is case-insensitive")
	assert.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 500, cfg.Cache.L1Size)
}

func TestValidate_RejectsUnknownCacheBackend(t *testing.T) {
	t.Setenv("ACCESSKIT_POSTGRES_URL", "postgres://localhost/accesskit?sslmode=disable")
	t.Setenv("ACCESSKIT_CACHE_L2_BACKEND", "memcached")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidate_RejectsSharedPorts(t *testing.T) {
	t.Setenv("ACCESSKIT_POSTGRES_URL", "postgres://localhost/accesskit?sslmode=disable")
	t.Setenv("ACCESSKIT_PORT", "9090")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestValidate_RejectsNonPositiveTTL(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{Port: "8080", HealthPort: "9090"},
		Database: DatabaseConfig{URL: "postgres://localhost/accesskit"},
		Cache:    CacheConfig{L2Backend: "none", TTL: 0, L1Size: 100},
	}
	assert.Error(t, cfg.Validate())
}

func TestGetEnvHelpers_IgnoreMalformedValues(t *testing.T) {
	t.Setenv("ACCESSKIT_TEST_INT", "not-a-number")
	assert.Equal(t, 7, getEnvInt("ACCESSKIT_TEST_INT", 7))

	t.Setenv("ACCESSKIT_TEST_DURATION", "soon")
	assert.Equal(t, time.Minute, getEnvDuration("ACCESSKIT_TEST_DURATION", time.Minute))

	t.Setenv("ACCESSKIT_TEST_BOOL", "1")
	assert.True(t, getEnvBool("ACCESSKIT_TEST_BOOL", false))
}
