package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/bosslabs/pulse/pkg/analytics"
	"github.com/bosslabs/pulse/pkg/config"
	"github.com/bosslabs/pulse/pkg/httputil"
	"github.com/bosslabs/pulse/pkg/observability"
	"github.com/bosslabs/pulse/pkg/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting Pulse analytics service")

	ctx := context.Background()
	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize OpenTelemetry")
		os.Exit(1)
	}

	db, err := storage.Open(cfg.Storage)
	if err != nil {
		logger.WithError(err).Error("Failed to open database")
		os.Exit(1)
	}
	logger.WithField("path", cfg.Storage.Path).Info("Database ready")

	var cache *storage.StatsCache
	if cfg.Storage.CacheEnabled {
		cache, err = storage.NewStatsCache(cfg.Storage.RedisAddr, cfg.Storage.RedisPassword,
			cfg.Storage.RedisDB, cfg.Storage.CacheTTL)
		if err != nil {
			// The cache is an accelerator, not a dependency.
			logger.WithError(err).Warn("Stats cache unavailable, continuing without it")
			cache = nil
		}
	}

	registry := prometheus.NewRegistry()
	om := observability.NewMetrics(registry)

	events := analytics.NewEventStore(db, logger, om)
	sessions := analytics.NewSessionStore(db, logger, om)
	metricsStore := analytics.NewMetricsStore(db, logger, om)
	notifier := analytics.NewNotifier(cfg.Server.NotifierBuffer, logger, om)
	collector := analytics.NewCollector(events, sessions, metricsStore, notifier, logger, om)
	service := analytics.NewService(collector, events, sessions, metricsStore, notifier, cache, logger, om)

	router := mux.NewRouter()
	service.RegisterRoutes(router)

	var handler http.Handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		httputil.CORSMiddleware(cfg.Server.CORSOrigins),
		httputil.MaxBytesMiddleware(1<<20),
	)(router)
	handler = om.InstrumentHandler("api", handler)
	if otelProviders != nil {
		handler = otelhttp.NewHandler(handler, "pulse")
	}

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate listener for probes.
	healthChecker := observability.NewHealthChecker(db, cacheClient(cache))
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", healthChecker.Liveness)
	healthMux.HandleFunc("/readyz", healthChecker.Readiness)
	if cfg.Observability.MetricsEnabled {
		healthMux.Handle("/metrics", observability.Handler(registry))
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	sm := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	if cache != nil {
		sm.RegisterShutdownFunc(func(ctx context.Context) error {
			return cache.Close()
		})
	}
	if otelProviders != nil {
		sm.RegisterShutdownFunc(otelProviders.Shutdown)
	}
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		return db.Close()
	})

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("Health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	go func() {
		logger.WithField("addr", server.Addr).Info("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("API server failed")
			os.Exit(1)
		}
	}()

	if err := sm.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown finished with errors")
		os.Exit(1)
	}
	logger.Info("Goodbye")
}

func cacheClient(cache *storage.StatsCache) *redis.Client {
	if cache == nil {
		return nil
	}
	return cache.Client()
}
