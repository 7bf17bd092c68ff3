// Package observability provides structured logging, Prometheus metrics,
// health checks, OpenTelemetry tracing, and graceful shutdown for AccessKit.
//
// # Logging
//
// The Logger wraps stdlib slog with a JSON handler and context helpers for
// request, principal, and tenant ids:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", tenantID).Info("cache invalidated")
//
// # Metrics
//
// NewMetrics registers resolver, permission-cache, hierarchy, override, and
// HTTP metrics on a caller-supplied registry:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//
// # Health
//
// HealthChecker exposes Liveness and Readiness handlers. The database is the
// authoritative dependency; Redis backs the L2 permission cache only, so a
// Redis outage reports degraded rather than unhealthy.
//
// # Tracing
//
// InitOTel wires OTLP gRPC trace and metric exporters when enabled by config.
package observability
