package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/platinummonkey/tollgate/pkg/app"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

func main() {
	envFile := flag.String("env-file", "", "Optional env file loaded before the environment (overrides TOLLGATE_ENV_FILE)")
	flag.Parse()

	if *envFile != "" {
		os.Setenv("TOLLGATE_ENV_FILE", *envFile)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "tollgate")
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("tollgate exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx := context.Background()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)

	apiServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      a.APIServer().Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	shutdown.AddServer(apiServer)

	opsMux := http.NewServeMux()
	observability.RegisterHealthRoutes(opsMux, a.Health)
	observability.RegisterMetricsEndpoint(opsMux, a.Registry)
	opsServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: opsMux,
	}
	shutdown.AddServer(opsServer)

	// shutdown steps run in reverse registration order
	shutdown.RegisterShutdownFunc("connections", a.Close)

	if cfg.Billing.SchedulerEnabled {
		if err := a.Scheduler.Start(ctx); err != nil {
			_ = a.Close(ctx)
			return fmt.Errorf("failed to start renewal scheduler: %w", err)
		}
		shutdown.RegisterShutdownFunc("renewal scheduler", func(context.Context) error {
			a.Scheduler.Stop()
			return nil
		})
	}

	serverErr := make(chan error, 2)
	for _, srv := range []*http.Server{apiServer, opsServer} {
		go func(srv *http.Server) {
			logger.WithField("addr", srv.Addr).Info("HTTP server listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("server on %s failed: %w", srv.Addr, err)
			}
		}(srv)
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		if err := <-serverErr; err != nil {
			logger.WithError(err).Error("Server stopped unexpectedly")
			cancel()
		}
	}()

	if err := shutdown.WaitForShutdown(waitCtx); err != nil {
		return fmt.Errorf("shutdown completed with errors: %w", err)
	}
	logger.Info("tollgate stopped")
	return nil
}
