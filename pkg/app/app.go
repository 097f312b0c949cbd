// Package app assembles tollgate's components from configuration. Both the
// API server and the scheduler command build their object graph here.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/platinummonkey/tollgate/pkg/api"
	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/gateway"
	"github.com/platinummonkey/tollgate/pkg/ledger"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/storage/postgres"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// App holds the wired components
type App struct {
	Config   *config.Config
	Logger   *observability.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Health   *observability.HealthChecker

	DB    *sql.DB
	Redis *postgres.RedisClient

	Catalog    *plans.Catalog
	Store      subscriptions.Store
	Gateway    gateway.Client
	Ledger     *ledger.Ledger
	Settler    *billing.Settler
	Scheduler  *billing.Scheduler
	Authorizer *billing.Authorizer
	Reconciler *billing.Reconciler

	otel *observability.OTelProviders
}

// Option customizes how the app is built
type Option func(*App)

// WithGateway replaces the HTTP gateway client, e.g. with a sandbox double
func WithGateway(gw gateway.Client) Option {
	return func(a *App) { a.Gateway = gw }
}

// New builds every component. On error, whatever was opened is closed.
func New(ctx context.Context, cfg *config.Config, logger *observability.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}
	a := &App{Config: cfg, Logger: logger}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.build(ctx); err != nil {
		if cerr := a.Close(context.WithoutCancel(ctx)); cerr != nil {
			logger.WithError(cerr).Warn("Failed to release resources after startup error")
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	otelProviders, err := observability.InitOTel(ctx, cfg.Observability.OTel(), a.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	a.otel = otelProviders

	a.Registry = prometheus.NewRegistry()
	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if cfg.Observability.MetricsEnabled {
		a.Metrics = observability.NewMetrics(a.Registry)
	}

	if cfg.Billing.PlanCatalogPath != "" {
		a.Catalog, err = plans.LoadCatalog(cfg.Billing.PlanCatalogPath)
		if err != nil {
			return fmt.Errorf("failed to load plan catalog: %w", err)
		}
		a.Logger.WithField("path", cfg.Billing.PlanCatalogPath).Info("Loaded plan catalog")
	} else {
		a.Catalog = plans.DefaultCatalog()
	}

	if err := a.openStore(ctx); err != nil {
		return err
	}

	var locker billing.Locker
	if cfg.Storage.RedisURL != "" {
		a.Redis, err = postgres.NewRedisClient(cfg.Storage.Redis())
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		locker = postgres.NewRedisLocker(a.Redis)
		a.Logger.Info("Redis connected, renewal runs are locked across replicas")
	}

	if a.Gateway == nil {
		a.Gateway = gateway.NewHTTPClient(cfg.Gateway.HTTP(), a.Logger, a.Metrics)
	}

	a.Ledger = ledger.New(a.Store, a.Catalog, cfg.Billing.Ledger(), a.Logger, a.Metrics)
	a.Settler = billing.NewSettler(a.Store, a.Gateway, a.Catalog, cfg.Billing.Settler(), a.Logger, a.Metrics)
	a.Scheduler = billing.NewScheduler(a.Store, a.Settler, cfg.Billing.Scheduler(), locker, a.Logger, a.Metrics)
	a.Authorizer = billing.NewAuthorizer(a.Store, a.Gateway, a.Settler, a.Catalog, cfg.Billing.Authorizer(), a.Logger, a.Metrics)
	a.Reconciler = billing.NewReconciler(a.Store, a.Settler, a.Authorizer, a.Gateway, cfg.Billing.Reconciler(), a.Logger, a.Metrics)

	a.Health = observability.NewHealthChecker(a.DB, a.redisClient())
	a.Scheduler.OnRunComplete(func(s *billing.RunSummary) {
		a.Health.ObserveRenewalRun(observability.RenewalRunInfo{
			FinishedAt: s.StartedAt.Add(s.Duration),
			Processed:  s.Processed,
			Succeeded:  s.Succeeded,
			Failed:     s.Failed,
		})
	})

	if !cfg.Billing.EnforcementEnabled {
		a.Logger.Warn("Balance enforcement is disabled, debits are not checked")
	}
	return nil
}

func (a *App) openStore(ctx context.Context) error {
	storage := a.Config.Storage
	switch storage.Type {
	case config.StorageMemory:
		a.Store = subscriptions.NewMemoryStore()
		a.Logger.Warn("Using in-memory subscription store, data is lost on restart")
		return nil
	case config.StoragePostgres:
		db, err := postgres.Open(ctx, storage.Connection(), a.Logger)
		if err != nil {
			return err
		}
		a.DB = db
		if storage.RunMigrations {
			if err := subscriptions.RunMigrations(ctx, db); err != nil {
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}
		a.Store = subscriptions.NewPostgresStore(db)
		return nil
	default:
		return fmt.Errorf("unsupported storage type %q", storage.Type)
	}
}

func (a *App) redisClient() *redis.Client {
	if a.Redis == nil {
		return nil
	}
	return a.Redis.GetClient()
}

// APIServer builds the HTTP API over the app's components
func (a *App) APIServer() *api.Server {
	var limiter *middleware.RateLimitMiddleware
	if a.Config.RateLimit.Enabled {
		limiter = middleware.NewRateLimitMiddleware(a.Config.RateLimit.Middleware(), a.redisClient(), a.Logger, a.Metrics)
	}
	return api.NewServer(api.Dependencies{
		Store:        a.Store,
		Catalog:      a.Catalog,
		Ledger:       a.Ledger,
		Scheduler:    a.Scheduler,
		Authorizer:   a.Authorizer,
		Reconciler:   a.Reconciler,
		RateLimiter:  limiter,
		Logger:       a.Logger,
		Metrics:      a.Metrics,
		AdminSecret:  a.Config.Billing.AdminSecret,
		MaxBodyBytes: a.Config.Server.MaxBodyBytes,
	})
}

// Close releases connections and flushes telemetry
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	if a.otel != nil {
		if err := a.otel.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("otel: %w", err))
		}
	}
	return errors.Join(errs...)
}
