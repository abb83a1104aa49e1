package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/shopkeep/pkg/async"
	"github.com/platinummonkey/shopkeep/pkg/audit"
	"github.com/platinummonkey/shopkeep/pkg/auth"
	"github.com/platinummonkey/shopkeep/pkg/config"
	"github.com/platinummonkey/shopkeep/pkg/invalidation"
	"github.com/platinummonkey/shopkeep/pkg/observability"
	"github.com/platinummonkey/shopkeep/pkg/tenancy"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	var output io.Writer = os.Stdout
	if cfg.Observability.LogFile != "" {
		output = observability.FileOutput(cfg.Observability.LogFile)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, output)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Server exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	logger.WithField("version", version).Info("Starting shopkeep")

	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	controlDB, err := openControlDB(ctx, cfg.ControlDB)
	if err != nil {
		return err
	}
	if err := tenancy.MigrateControl(ctx, controlDB, logger); err != nil {
		controlDB.Close()
		return err
	}
	if err := audit.Migrate(ctx, controlDB, logger); err != nil {
		controlDB.Close()
		return err
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = invalidation.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			controlDB.Close()
			return err
		}
	}

	auditLogger, err := buildAuditLogger(cfg.Audit, controlDB)
	if err != nil {
		controlDB.Close()
		return err
	}

	app, err := newApp(cfg, deps{
		controlDB: controlDB,
		redis:     redisClient,
		audit:     auditLogger,
		opener:    tenancy.NewPostgresOpener(cfg.Tenancy.Pool),
		verifier:  auth.NewTokenVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.Issuer, cfg.Auth.Leeway),
		logger:    logger,
		metrics:   metrics,
		registry:  registry,
	})
	if err != nil {
		controlDB.Close()
		return err
	}

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           app.healthHandler(version),
		ReadHeaderTimeout: 5 * time.Second,
	}

	busCtx, cancelBus := context.WithCancel(context.WithoutCancel(ctx))
	if app.bus != nil {
		ready := make(chan struct{})
		async.SafeGo(busCtx, logger, 0, "invalidation subscriber", func(ctx context.Context) error {
			return app.bus.Subscribe(ctx, ready)
		})
		select {
		case <-ready:
		case <-time.After(10 * time.Second):
			logger.Warn("Invalidation subscriber is not ready; continuing")
		}
	}

	if app.localLimiter != nil {
		app.localLimiter.StartCleanup(busCtx)
	}

	if cfg.RBAC.JanitorEnabled {
		if err := app.janitor.Start(cfg.RBAC.JanitorSchedule); err != nil {
			cancelBus()
			return err
		}
	}

	shutdown := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("control database", func(context.Context) error { return controlDB.Close() })
	shutdown.Register("audit", func(context.Context) error { return auditLogger.Close() })
	if redisClient != nil {
		shutdown.Register("redis", func(context.Context) error { return redisClient.Close() })
	}
	shutdown.Register("otel", func(ctx context.Context) error { return observability.ShutdownOTel(ctx, providers, logger) })
	shutdown.Register("tenant handles", func(context.Context) error { return app.tenants.Close() })
	shutdown.Register("invalidation subscriber", func(context.Context) error {
		cancelBus()
		return nil
	})
	shutdown.Register("janitor", app.janitor.Stop)
	shutdown.Register("health server", healthServer.Shutdown)

	errCh := make(chan error, 2)
	go func() {
		logger.WithField("addr", healthServer.Addr).Info("Health server listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()
	go func() {
		logger.WithField("addr", server.Addr).Info("API server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case serveErr = <-errCh:
		logger.WithError(serveErr).Error("Server failed")
	}

	return errors.Join(serveErr, shutdown.Shutdown(ctx))
}

func openControlDB(ctx context.Context, cfg config.ControlDBConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open control database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping control database: %w", err)
	}
	return db, nil
}

// buildAuditLogger fans audit events out to the configured sinks
func buildAuditLogger(cfg config.AuditConfig, controlDB *sql.DB) (audit.Logger, error) {
	var sinks []audit.Logger
	if cfg.DBEnabled {
		dbLogger, err := audit.NewDBLogger(controlDB)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, dbLogger)
	}
	if cfg.FilePath != "" {
		fileCfg := audit.DefaultFileLoggerConfig()
		fileCfg.Path = cfg.FilePath
		fileLogger, err := audit.NewFileLogger(fileCfg)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, fileLogger)
	}

	switch len(sinks) {
	case 0:
		return audit.NoOpLogger{}, nil
	case 1:
		return sinks[0], nil
	}
	return audit.NewMultiLogger(sinks...), nil
}
