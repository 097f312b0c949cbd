// Package postgres opens the connections tollgate persists through: the
// PostgreSQL pool behind subscriptions.PostgresStore and the Redis client
// that backs the renewal-run lock and distributed rate limiting.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// ConnectionConfig holds database connection configuration
type ConnectionConfig struct {
	URL         string
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
	// ConnectRetry bounds how long Open keeps retrying the first ping
	ConnectRetry time.Duration
}

// DefaultConnectionConfig returns pool settings for a single service instance
func DefaultConnectionConfig(url string) ConnectionConfig {
	return ConnectionConfig{
		URL:          url,
		MaxConns:     20,
		MinConns:     2,
		Timeout:      5 * time.Second,
		MaxLifetime:  30 * time.Minute,
		MaxIdleTime:  5 * time.Minute,
		ConnectRetry: 30 * time.Second,
	}
}

// Open connects to PostgreSQL and waits until the database answers a ping
func Open(ctx context.Context, cfg ConnectionConfig, logger *observability.Logger) (*sql.DB, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	configurePool(db, cfg)

	if err := waitForDatabase(ctx, db, cfg, logger); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func configurePool(db *sql.DB, cfg ConnectionConfig) {
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	}
	db.SetConnMaxLifetime(cfg.MaxLifetime)
	db.SetConnMaxIdleTime(cfg.MaxIdleTime)
}

// waitForDatabase pings with exponential backoff until ConnectRetry elapses
func waitForDatabase(ctx context.Context, db *sql.DB, cfg ConnectionConfig, logger *observability.Logger) error {
	if logger == nil {
		logger = observability.NopLogger()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = cfg.ConnectRetry

	attempt := 0
	operation := func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			logger.WithError(err).WithField("attempt", attempt).Warn("Database not ready, retrying")
			return err
		}
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return fmt.Errorf("failed to ping database after %d attempts: %w", attempt, err)
	}
	logger.WithField("attempts", attempt).Info("Database connection established")
	return nil
}
