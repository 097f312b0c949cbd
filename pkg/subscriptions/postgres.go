package subscriptions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/platinummonkey/tollgate/pkg/plans"
)

const uniqueViolation = "23505"

const subscriptionColumns = `id, subscriber_id, tier, tokens_total, tokens_used, period_start, period_end,
	cancel_at_period_end, billing_credential_ref, gateway_customer_ref, customer_key,
	authorization_state, credential_bound_at, created_at, updated_at`

const entryColumns = `id, subscription_id, kind, amount_minor_units, token_delta, status,
	external_charge_ref, gateway_payment_ref, failure_code, description, created_at, updated_at`

// PostgresStore implements Store on PostgreSQL
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a store on an open database handle
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var (
		sub            Subscription
		tier           string
		state          string
		credentialRef  sql.NullString
		customerRef    sql.NullString
		customerKey    sql.NullString
		credentialTime sql.NullTime
	)
	err := row.Scan(
		&sub.ID, &sub.SubscriberID, &tier, &sub.TokensTotal, &sub.TokensUsed,
		&sub.PeriodStart, &sub.PeriodEnd, &sub.CancelAtPeriodEnd,
		&credentialRef, &customerRef, &customerKey, &state, &credentialTime,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Tier = plans.Tier(tier)
	sub.AuthorizationState = AuthorizationState(state)
	sub.BillingCredentialRef = credentialRef.String
	sub.GatewayCustomerRef = customerRef.String
	sub.CustomerKey = customerKey.String
	if credentialTime.Valid {
		t := credentialTime.Time
		sub.CredentialBoundAt = &t
	}
	return &sub, nil
}

func scanEntry(row rowScanner) (*LedgerEntry, error) {
	var (
		e           LedgerEntry
		kind        string
		status      string
		chargeRef   sql.NullString
		paymentRef  sql.NullString
		failureCode sql.NullString
		description sql.NullString
	)
	err := row.Scan(
		&e.ID, &e.SubscriptionID, &kind, &e.AmountMinorUnits, &e.TokenDelta, &status,
		&chargeRef, &paymentRef, &failureCode, &description, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Kind = EntryKind(kind)
	e.Status = EntryStatus(status)
	e.ExternalChargeRef = chargeRef.String
	e.GatewayPaymentRef = paymentRef.String
	e.FailureCode = failureCode.String
	e.Description = description.String
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

// Create inserts a new subscription
func (s *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.AuthorizationState == "" {
		sub.AuthorizationState = AuthorizationNone
	}
	if err := sub.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	now := s.now()
	_, err := s.db.ExecContext(ctx, query,
		sub.ID, sub.SubscriberID, string(sub.Tier), sub.TokensTotal, sub.TokensUsed,
		sub.PeriodStart, sub.PeriodEnd, sub.CancelAtPeriodEnd,
		nullString(sub.BillingCredentialRef), nullString(sub.GatewayCustomerRef), nullString(sub.CustomerKey),
		string(sub.AuthorizationState), nullTime(sub.CredentialBoundAt), now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrSubscriptionExists, sub.SubscriberID)
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	sub.CreatedAt = now
	sub.UpdatedAt = now
	return nil
}

func (s *PostgresStore) getOne(ctx context.Context, where string, arg interface{}) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE ` + where
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, arg))
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// Get returns a subscription by id
func (s *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	return s.getOne(ctx, "id = $1", id)
}

// GetBySubscriber returns the subscription owned by a subscriber
func (s *PostgresStore) GetBySubscriber(ctx context.Context, subscriberID string) (*Subscription, error) {
	return s.getOne(ctx, "subscriber_id = $1", subscriberID)
}

// GetByCustomerKey returns the subscription for a gateway customer key
func (s *PostgresStore) GetByCustomerKey(ctx context.Context, customerKey string) (*Subscription, error) {
	return s.getOne(ctx, "customer_key = $1", customerKey)
}

func (s *PostgresStore) listSubscriptions(ctx context.Context, query string, args ...interface{}) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var out []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// GetByTier returns all subscriptions on a tier
func (s *PostgresStore) GetByTier(ctx context.Context, tier plans.Tier) ([]*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE tier = $1 ORDER BY created_at`
	return s.listSubscriptions(ctx, query, string(tier))
}

// ListDueForRenewal returns bound, non-cancelled subscriptions whose period
// ends at or before asOf+lookahead
func (s *PostgresStore) ListDueForRenewal(ctx context.Context, asOf time.Time, lookahead time.Duration) ([]*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE cancel_at_period_end = FALSE
		  AND billing_credential_ref IS NOT NULL
		  AND period_end <= $1
		ORDER BY period_end
	`
	return s.listSubscriptions(ctx, query, asOf.Add(lookahead))
}

func lockSubscription(ctx context.Context, tx *sql.Tx, id string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1 FOR UPDATE`
	sub, err := scanSubscription(tx.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}
	return sub, nil
}

func writeSubscription(ctx context.Context, tx *sql.Tx, sub *Subscription) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE subscriptions
		SET tier = $2, tokens_total = $3, tokens_used = $4, period_start = $5, period_end = $6,
		    cancel_at_period_end = $7, billing_credential_ref = $8, gateway_customer_ref = $9,
		    customer_key = $10, authorization_state = $11, credential_bound_at = $12, updated_at = $13
		WHERE id = $1
	`,
		sub.ID, string(sub.Tier), sub.TokensTotal, sub.TokensUsed, sub.PeriodStart, sub.PeriodEnd,
		sub.CancelAtPeriodEnd, nullString(sub.BillingCredentialRef), nullString(sub.GatewayCustomerRef),
		nullString(sub.CustomerKey), string(sub.AuthorizationState), nullTime(sub.CredentialBoundAt), sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

// Mutate locks the subscription row, applies fn and writes the result back in
// one transaction
func (s *PostgresStore) Mutate(ctx context.Context, id string, day time.Time, fn MutateFunc) (*Subscription, *DailyUsage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sub, err := lockSubscription(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}

	usageDate := UsageDay(day)
	usage := &DailyUsage{SubscriptionID: id, Date: usageDate}
	err = tx.QueryRowContext(ctx,
		`SELECT units_consumed FROM daily_usage WHERE subscription_id = $1 AND usage_date = $2`,
		id, usageDate,
	).Scan(&usage.UnitsConsumed)
	if err != nil && err != sql.ErrNoRows {
		return nil, nil, fmt.Errorf("failed to load daily usage: %w", err)
	}
	unitsBefore := usage.UnitsConsumed

	if err := fn(sub, usage); err != nil {
		return nil, nil, err
	}
	if err := sub.Validate(); err != nil {
		return nil, nil, err
	}
	if usage.UnitsConsumed < 0 {
		return nil, nil, fmt.Errorf("%w: negative daily usage", ErrInvariantViolation)
	}

	sub.ID = id
	sub.UpdatedAt = s.now()
	if err := writeSubscription(ctx, tx, sub); err != nil {
		return nil, nil, err
	}

	if usage.UnitsConsumed != unitsBefore {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO daily_usage (subscription_id, usage_date, units_consumed)
			VALUES ($1, $2, $3)
			ON CONFLICT (subscription_id, usage_date) DO UPDATE SET units_consumed = EXCLUDED.units_consumed
		`, id, usageDate, usage.UnitsConsumed)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to update daily usage: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit subscription update: %w", err)
	}
	return sub, usage, nil
}

// GetDailyUsage returns the usage counter for a day
func (s *PostgresStore) GetDailyUsage(ctx context.Context, id string, day time.Time) (*DailyUsage, error) {
	usageDate := UsageDay(day)
	usage := &DailyUsage{SubscriptionID: id, Date: usageDate}
	err := s.db.QueryRowContext(ctx,
		`SELECT units_consumed FROM daily_usage WHERE subscription_id = $1 AND usage_date = $2`,
		id, usageDate,
	).Scan(&usage.UnitsConsumed)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to get daily usage: %w", err)
	}
	return usage, nil
}

func (s *PostgresStore) execSingle(ctx context.Context, action, query string, args ...interface{}) (int64, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to %s: %w", action, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// SetCancelAtPeriodEnd sets or clears the cancellation flag
func (s *PostgresStore) SetCancelAtPeriodEnd(ctx context.Context, id string, cancel bool) error {
	n, err := s.execSingle(ctx, "set cancel at period end",
		`UPDATE subscriptions SET cancel_at_period_end = $2, updated_at = $3 WHERE id = $1`,
		id, cancel, s.now())
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// BindCredential attaches a credential unless it is already the bound one
func (s *PostgresStore) BindCredential(ctx context.Context, id, credentialRef, customerRef string, boundAt time.Time) (bool, error) {
	n, err := s.execSingle(ctx, "bind credential", `
		UPDATE subscriptions
		SET billing_credential_ref = $2,
		    gateway_customer_ref = COALESCE(NULLIF($3, ''), gateway_customer_ref),
		    authorization_state = $4,
		    cancel_at_period_end = FALSE,
		    credential_bound_at = $5,
		    updated_at = $6
		WHERE id = $1 AND billing_credential_ref IS DISTINCT FROM $2
	`, id, credentialRef, customerRef, string(CredentialIssued), boundAt.UTC(), s.now())
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// Nothing changed: either the credential was already bound or the row is missing.
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// ChangeTier switches the plan tier
func (s *PostgresStore) ChangeTier(ctx context.Context, id string, tier plans.Tier) error {
	n, err := s.execSingle(ctx, "change tier",
		`UPDATE subscriptions SET tier = $2, updated_at = $3 WHERE id = $1`,
		id, string(tier), s.now())
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// SetAuthorizationState records the credential flow state
func (s *PostgresStore) SetAuthorizationState(ctx context.Context, id string, state AuthorizationState) error {
	n, err := s.execSingle(ctx, "set authorization state",
		`UPDATE subscriptions SET authorization_state = $2, updated_at = $3 WHERE id = $1`,
		id, string(state), s.now())
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// CreateEntry appends a ledger entry
func (s *PostgresStore) CreateEntry(ctx context.Context, entry *LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := s.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	query := `
		INSERT INTO ledger_entries (` + entryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.SubscriptionID, string(entry.Kind), entry.AmountMinorUnits, entry.TokenDelta,
		string(entry.Status), nullString(entry.ExternalChargeRef), nullString(entry.GatewayPaymentRef),
		nullString(entry.FailureCode), nullString(entry.Description), entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateChargeRef
		}
		return fmt.Errorf("failed to create ledger entry: %w", err)
	}
	return nil
}

// GetEntryByChargeRef looks up an entry by its idempotency key
func (s *PostgresStore) GetEntryByChargeRef(ctx context.Context, ref string) (*LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE external_charge_ref = $1`
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, ref))
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger entry: %w", err)
	}
	return e, nil
}

const transitionEntryQuery = `
	UPDATE ledger_entries
	SET status = $2,
	    gateway_payment_ref = COALESCE(NULLIF($3, ''), gateway_payment_ref),
	    failure_code = COALESCE(NULLIF($4, ''), failure_code),
	    description = COALESCE(NULLIF($5, ''), description),
	    updated_at = $6
	WHERE external_charge_ref = $1 AND status = ANY($7)
	RETURNING ` + entryColumns

func (s *PostgresStore) transitionArgs(ref string, to EntryStatus, patch EntryPatch) []interface{} {
	sources := make([]string, 0, 2)
	for _, st := range AllowedSources(to) {
		sources = append(sources, string(st))
	}
	return []interface{}{
		ref, string(to), patch.GatewayPaymentRef, patch.FailureCode, patch.Description, s.now(), pq.Array(sources),
	}
}

// unmatchedTransition explains why the conditional update matched no row
func (s *PostgresStore) unmatchedTransition(ctx context.Context, ref string, to EntryStatus) (*LedgerEntry, bool, error) {
	current, err := s.GetEntryByChargeRef(ctx, ref)
	if err != nil {
		return nil, false, err
	}
	if current.Status == to {
		return current, false, nil
	}
	return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
}

// TransitionEntry applies a conditional status change. The WHERE clause only
// matches legal source statuses, so concurrent writers cannot both succeed.
func (s *PostgresStore) TransitionEntry(ctx context.Context, ref string, to EntryStatus, patch EntryPatch) (*LedgerEntry, bool, error) {
	e, err := scanEntry(s.db.QueryRowContext(ctx, transitionEntryQuery, s.transitionArgs(ref, to, patch)...))
	if err == nil {
		return e, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to transition ledger entry: %w", err)
	}
	return s.unmatchedTransition(ctx, ref, to)
}

// SettleEntry runs the conditional status change and fn in one transaction.
// The entry row is locked before the subscription row.
func (s *PostgresStore) SettleEntry(ctx context.Context, ref string, to EntryStatus, patch EntryPatch, fn EntryMutateFunc) (*LedgerEntry, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	e, err := scanEntry(tx.QueryRowContext(ctx, transitionEntryQuery, s.transitionArgs(ref, to, patch)...))
	if err == sql.ErrNoRows {
		_ = tx.Rollback()
		return s.unmatchedTransition(ctx, ref, to)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to transition ledger entry: %w", err)
	}

	if fn != nil {
		sub, err := lockSubscription(ctx, tx, e.SubscriptionID)
		if err != nil {
			return nil, false, err
		}
		if err := fn(e, sub); err != nil {
			return nil, false, err
		}
		if err := sub.Validate(); err != nil {
			return nil, false, err
		}
		sub.ID = e.SubscriptionID
		sub.UpdatedAt = e.UpdatedAt
		if err := writeSubscription(ctx, tx, sub); err != nil {
			return nil, false, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit ledger entry transition: %w", err)
	}
	return e, true, nil
}

// HasCompletedCharge reports whether the subscription was ever charged successfully
func (s *PostgresStore) HasCompletedCharge(ctx context.Context, subscriptionID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM ledger_entries
			WHERE subscription_id = $1 AND kind = 'CHARGE' AND status = 'COMPLETED'
		)
	`, subscriptionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check completed charges: %w", err)
	}
	return exists, nil
}

// CountFailedCharges counts failed charges and failure records since a point in time
func (s *PostgresStore) CountFailedCharges(ctx context.Context, subscriptionID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM ledger_entries
		WHERE subscription_id = $1
		  AND status = 'FAILED'
		  AND kind IN ('CHARGE', 'FAILURE_RECORD')
		  AND created_at >= $2
	`, subscriptionID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count failed charges: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) listEntries(ctx context.Context, query string, args ...interface{}) ([]*LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	defer rows.Close()

	var out []*LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PendingCharges lists unresolved charges for a subscription, oldest first
func (s *PostgresStore) PendingCharges(ctx context.Context, subscriptionID string) ([]*LedgerEntry, error) {
	query := `
		SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE subscription_id = $1 AND kind = 'CHARGE' AND status = 'PENDING'
		ORDER BY created_at
	`
	return s.listEntries(ctx, query, subscriptionID)
}

// ListEntries returns the newest entries for a subscription
func (s *PostgresStore) ListEntries(ctx context.Context, subscriptionID string, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + entryColumns + ` FROM ledger_entries
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	return s.listEntries(ctx, query, subscriptionID, limit)
}

// WebhookEventSeen reports whether an event key was already applied
func (s *PostgresStore) WebhookEventSeen(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM webhook_events WHERE event_key = $1)`, key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check webhook event: %w", err)
	}
	return exists, nil
}

// RecordWebhookEvent stores an applied event; recording twice is a no-op
func (s *PostgresStore) RecordWebhookEvent(ctx context.Context, event *WebhookEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_events (event_key, event_type, received_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (event_key) DO NOTHING
	`, event.EventKey, event.EventType, event.ReceivedAt)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}
	return nil
}

var _ Store = (*PostgresStore)(nil)
