// Package observability provides structured logging, Prometheus metrics,
// OpenTelemetry tracing, health probes and graceful shutdown.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("subscription_id", id).Info("renewal charged")
//
// Request handlers use FromContext(ctx), which carries the request id,
// subscriber id and trace ids set by the middleware.
//
// # Prometheus Metrics
//
// Every recording helper on *Metrics is nil-safe:
//
//	metrics := observability.NewMetrics(registry)
//	metrics.RecordDebit("ok", 12)
//	metrics.RecordRenewalCharge("failed")
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	observability.RegisterHealthRoutes(healthMux, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer providers.Shutdown(ctx)
//	ctx, span := observability.Tracer("billing").Start(ctx, "renewal.run")
package observability
