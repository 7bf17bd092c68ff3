// Package config loads AccessKit configuration from ACCESSKIT_* environment
// variables with sensible defaults and validates it at startup.
//
// Key settings:
//
//	ACCESSKIT_POSTGRES_URL       PostgreSQL connection string (required)
//	ACCESSKIT_CACHE_L2_BACKEND   durable cache tier: postgres (default), redis, none
//	ACCESSKIT_CACHE_TTL          permission cache TTL (default 30m)
//	ACCESSKIT_PORT               API port (default 8080)
//	ACCESSKIT_HEALTH_PORT        health/metrics port (default 9090)
package config
