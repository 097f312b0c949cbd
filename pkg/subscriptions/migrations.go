package subscriptions

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is a single versioned schema change
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id TEXT PRIMARY KEY,
					subscriber_id TEXT NOT NULL UNIQUE,
					tier VARCHAR(50) NOT NULL,
					tokens_total BIGINT NOT NULL DEFAULT 0,
					tokens_used BIGINT NOT NULL DEFAULT 0,
					period_start TIMESTAMPTZ NOT NULL,
					period_end TIMESTAMPTZ NOT NULL,
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
					billing_credential_ref TEXT,
					gateway_customer_ref TEXT,
					customer_key TEXT UNIQUE,
					authorization_state VARCHAR(50) NOT NULL DEFAULT 'NONE',
					credential_bound_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					CONSTRAINT tokens_used_in_range CHECK (tokens_used >= 0 AND tokens_used <= tokens_total),
					CONSTRAINT period_ordered CHECK (period_start < period_end)
				);

				CREATE INDEX IF NOT EXISTS idx_subscriptions_tier ON subscriptions(tier);
				CREATE INDEX IF NOT EXISTS idx_subscriptions_renewal
					ON subscriptions(period_end)
					WHERE cancel_at_period_end = FALSE AND billing_credential_ref IS NOT NULL;
			`,
		},
		{
			Version:     2,
			Description: "Create ledger entries table",
			SQL: `
				CREATE TABLE IF NOT EXISTS ledger_entries (
					id TEXT PRIMARY KEY,
					subscription_id TEXT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
					kind VARCHAR(32) NOT NULL,
					amount_minor_units BIGINT NOT NULL DEFAULT 0,
					token_delta BIGINT NOT NULL DEFAULT 0,
					status VARCHAR(32) NOT NULL,
					external_charge_ref TEXT UNIQUE,
					gateway_payment_ref TEXT,
					failure_code TEXT,
					description TEXT,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX IF NOT EXISTS idx_ledger_entries_subscription
					ON ledger_entries(subscription_id, created_at DESC);
				CREATE INDEX IF NOT EXISTS idx_ledger_entries_failed
					ON ledger_entries(subscription_id, created_at)
					WHERE status = 'FAILED';
			`,
		},
		{
			Version:     3,
			Description: "Create daily usage counters",
			SQL: `
				CREATE TABLE IF NOT EXISTS daily_usage (
					subscription_id TEXT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
					usage_date DATE NOT NULL,
					units_consumed BIGINT NOT NULL DEFAULT 0,
					PRIMARY KEY (subscription_id, usage_date)
				);
			`,
		},
		{
			Version:     4,
			Description: "Create webhook event log",
			SQL: `
				CREATE TABLE IF NOT EXISTS webhook_events (
					event_key TEXT PRIMARY KEY,
					event_type VARCHAR(64) NOT NULL,
					received_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);
			`,
		},
	}
}

// RunMigrations applies all pending migrations, each in its own transaction
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM billing_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	rows.Close()

	for _, m := range GetMigrations() {
		if applied[m.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO billing_migrations (version, description) VALUES ($1, $2)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
