package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/platinummonkey/tollgate/pkg/app"
	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

var (
	schedule = flag.String("schedule", "", "Cron schedule for renewal runs in UTC (default: TOLLGATE_SCHEDULER_SCHEDULE)")
	runOnce  = flag.Bool("run-once", false, "Run renewals once and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *schedule != "" {
		cfg.Billing.SchedulerSchedule = *schedule
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("service", "tollgate-scheduler")
	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("Scheduler exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx := context.Background()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if *runOnce {
		defer a.Close(context.WithoutCancel(ctx))
		summary, ran, err := a.Scheduler.RunLocked(ctx, billing.TriggerManual)
		if err != nil {
			return fmt.Errorf("renewal run failed: %w", err)
		}
		if !ran {
			logger.Info("Another renewal run holds the lock, nothing to do")
			return nil
		}
		logger.WithFields(map[string]interface{}{
			"processed": summary.Processed,
			"succeeded": summary.Succeeded,
			"failed":    summary.Failed,
			"skipped":   summary.Skipped,
			"duration":  summary.Duration.String(),
		}).Info("Renewal run completed")
		return nil
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc("connections", a.Close)

	if err := a.Scheduler.Start(ctx); err != nil {
		_ = shutdown.Shutdown()
		return fmt.Errorf("failed to start renewal scheduler: %w", err)
	}
	shutdown.RegisterShutdownFunc("renewal scheduler", func(context.Context) error {
		a.Scheduler.Stop()
		return nil
	})
	return shutdown.WaitForShutdown(ctx)
}
