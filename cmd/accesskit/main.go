package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dealerdesk/accesskit/pkg/audit"
	"github.com/dealerdesk/accesskit/pkg/authz"
	"github.com/dealerdesk/accesskit/pkg/config"
	"github.com/dealerdesk/accesskit/pkg/hierarchy"
	"github.com/dealerdesk/accesskit/pkg/observability"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.ErrorLevel, os.Stderr).
			WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("starting accesskit")

	ctx := context.Background()

	var otelProviders *observability.OTelProviders
	if cfg.Observability.OTelEnabled {
		otelProviders, err = observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			logger.WithError(err).Error("failed to initialize OpenTelemetry")
			os.Exit(1)
		}
	}

	db, err := openDatabase(cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		os.Exit(1)
	}
	defer db.Close()

	if err := authz.RunMigrations(ctx, db); err != nil {
		logger.WithError(err).Error("failed to run migrations")
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	units, err := hierarchy.NewStore(db, hierarchy.TreeOrganizationalUnits)
	if err != nil {
		logger.WithError(err).Error("failed to create unit hierarchy store")
		os.Exit(1)
	}
	roles, err := hierarchy.NewStore(db, hierarchy.TreeRoles)
	if err != nil {
		logger.WithError(err).Error("failed to create role hierarchy store")
		os.Exit(1)
	}

	store := authz.NewStore(db)

	l2, redisCache, err := buildL2Cache(cfg, db, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize L2 cache")
		os.Exit(1)
	}
	cache := authz.NewTieredCache(cfg.Cache.L1Size, cfg.Cache.TTL, l2, logger, metrics)

	auditLogger, err := audit.NewDBLogger(db)
	if err != nil {
		logger.WithError(err).Error("failed to initialize audit logger")
		os.Exit(1)
	}

	evaluator := authz.NewEvaluator(nil)
	resolver := authz.NewResolver(store, roles, cache, evaluator, logger, metrics)
	admin := authz.NewAdminService(store, units, roles, cache, auditLogger, logger, metrics)

	sweeper := authz.NewReviewSweeper(store, cache, auditLogger, logger, metrics)
	if err := sweeper.Start(authz.DefaultSweepSchedule); err != nil {
		logger.WithError(err).Error("failed to start review sweeper")
		os.Exit(1)
	}

	// API server
	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(metrics))
	handlers := authz.NewHandlers(resolver, admin, store, units, logger)
	handlers.RegisterRoutes(router)

	var apiHandler http.Handler = router
	if cfg.Observability.OTelEnabled {
		apiHandler = otelhttp.NewHandler(router, "accesskit")
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      apiHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics server on a separate port for probes
	healthMux := http.NewServeMux()
	healthChecker := newHealthChecker(db, redisCache)
	healthMux.HandleFunc("/healthz", healthChecker.Liveness)
	healthMux.HandleFunc("/readyz", healthChecker.Readiness)
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	go func() {
		logger.Infof("health server listening on %s", healthServer.Addr)
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	go reportDBStats(db, metrics)

	shutdown := observability.NewShutdownManager(logger, apiServer, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		sweeper.Stop()
		return nil
	})
	if redisCache != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return redisCache.Close()
		})
	}
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}

	go func() {
		logger.Infof("API server listening on %s", apiServer.Addr)
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("API server failed")
			os.Exit(1)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("shutdown finished with errors")
		os.Exit(1)
	}
}

func openDatabase(cfg *config.Config, logger *observability.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database connection established")
	return db, nil
}

// buildL2Cache selects the durable cache tier. The redis client is returned
// separately so health checks and shutdown can reach it.
func buildL2Cache(cfg *config.Config, db *sql.DB, logger *observability.Logger) (authz.Cache, *authz.RedisCache, error) {
	switch cfg.Cache.L2Backend {
	case "postgres":
		return authz.NewSQLCache(db, logger), nil, nil
	case "redis":
		rc, err := authz.NewRedisCache(cfg.Cache.RedisURL, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, cfg.Cache.TTL, logger)
		if err != nil {
			return nil, nil, err
		}
		return rc, rc, nil
	default: // "none"
		return nil, nil, nil
	}
}

func newHealthChecker(db *sql.DB, redisCache *authz.RedisCache) *observability.HealthChecker {
	if redisCache != nil {
		return observability.NewHealthChecker(db, redisCache.Client())
	}
	return observability.NewHealthChecker(db, nil)
}

// reportDBStats mirrors connection pool stats into gauges.
func reportDBStats(db *sql.DB, metrics *observability.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		stats := db.Stats()
		metrics.DBConnectionsActive.Set(float64(stats.InUse))
		metrics.DBConnectionsIdle.Set(float64(stats.Idle))
	}
}
