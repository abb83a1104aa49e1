// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry setup, health probes and graceful shutdown.
//
// # Structured Logging
//
// Logger wraps logrus with JSON output:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", tenantID).Info("tenant handle opened")
//
// FileOutput returns a lumberjack writer for size-rotated log files.
// FromContext enriches the request logger with request and user ids.
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.AuthzDecisionsTotal.WithLabelValues("PRODUCT", "read", "allowed").Inc()
//
// Packages accept a nil *Metrics and skip recording.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(controlDB, redisClient, connCache, version)
//
// Readiness fails only when the control database is down. Redis and individual
// tenant handles degrade the status.
package observability
