// Package observability provides logging, metrics, health checks, and
// tracing for the Pulse analytics service.
//
// # Overview
//
// All observability state is explicitly constructed and injected; there
// are no package-level singletons. The server wires one Logger, one
// Metrics set, and one HealthChecker at startup and passes them down.
//
// # Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("session_id", id).Info("Session started")
//
// # Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.EventsIngestedTotal.WithLabelValues("click").Inc()
//
// # Health
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	r.HandleFunc("/healthz", checker.Liveness)
//	r.HandleFunc("/readyz", checker.Readiness)
//
// # Tracing
//
// OpenTelemetry tracing is optional; when enabled the HTTP router is
// wrapped with otelhttp and spans are exported over OTLP/gRPC.
package observability
