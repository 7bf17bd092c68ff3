package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Resolver metrics
	ResolutionsTotal    *prometheus.CounterVec
	ResolutionDuration  *prometheus.HistogramVec
	DecisionsTotal      *prometheus.CounterVec
	ResolverErrorsTotal *prometheus.CounterVec

	// Permission cache metrics
	CacheHitsTotal          *prometheus.CounterVec
	CacheMissesTotal        *prometheus.CounterVec
	CacheInvalidationsTotal *prometheus.CounterVec
	CacheTierErrorsTotal    *prometheus.CounterVec

	// Hierarchy metrics
	HierarchyMutationsTotal  *prometheus.CounterVec
	HierarchyIntegrityErrors *prometheus.CounterVec

	// Override metrics
	OverridesActive      prometheus.Gauge
	OverrideReviewsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accesskit_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accesskit_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accesskit_resolutions_total",
				Help: "Total number of effective-permission resolutions",
			},
			[]string{"result"}, // cache_l1, cache_l2, computed, error
		),
		ResolutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "accesskit_resolution_duration_seconds",
				Help:    "Effective-permission resolution duration in seconds",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
			},
			[]string{"result"},
		),
		DecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accesskit_decisions_total",
				Help: "Total number of permission decisions",
			},
			[]string{"effect", "source"},
		),
		ResolverErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accesskit_resolver_errors_total",
				Help: "Total number of resolver failures (all fail closed)",
			},
			[]string{"stage"},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accesskit_permission_cache_hits_total",
				Help: "Total number of permission cache hits",
			},
			[]string{"tier"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accesskit_permission_cache_misses_total",
				Help: "Total number of permission cache misses",
			},
			[]string{"tier"},
		),
		CacheInvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accesskit_permission_cache_invalidations_total",
				Help: "Total number of tenant-wide cache invalidations",
			},
			[]string{"tier"},
		),
		CacheTierErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accesskit_permission_cache_tier_errors_total",
				Help: "Total number of cache tier failures",
			},
			[]string{"tier", "operation"},
		),

		HierarchyMutationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accesskit_hierarchy_mutations_total",
				Help: "Total number of nested-set structural mutations",
			},
			[]string{"tree", "operation", "status"},
		),
		HierarchyIntegrityErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accesskit_hierarchy_integrity_errors_total",
				Help: "Total number of nested-set integrity violations detected",
			},
			[]string{"tree"},
		),

		OverridesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "accesskit_overrides_active",
				Help: "Number of currently active permission overrides",
			},
		),
		OverrideReviewsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "accesskit_override_reviews_total",
				Help: "Total number of override review sweep outcomes",
			},
			[]string{"outcome"}, // expired, due, ok
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "accesskit_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "accesskit_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ResolutionsTotal,
		m.ResolutionDuration,
		m.DecisionsTotal,
		m.ResolverErrorsTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidationsTotal,
		m.CacheTierErrorsTotal,
		m.HierarchyMutationsTotal,
		m.HierarchyIntegrityErrors,
		m.OverridesActive,
		m.OverrideReviewsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
