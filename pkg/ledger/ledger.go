package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

const (
	// MaxUnitsPerDebit bounds a single debit request
	MaxUnitsPerDebit = 1_000_000
	// MaxSurchargePercent bounds the add-on surcharge of a single debit
	MaxSurchargePercent = 1000
)

// DebitRequest describes a unit of consumption to charge against a subscription
type DebitRequest struct {
	SubscriptionID string
	Units          int64
	// DailyCap overrides the tier's daily cap when positive
	DailyCap int64
	// SurchargePercent is added on top of the base token cost, rounded up
	SurchargePercent int64
}

// DebitResult is the outcome of a successful debit
type DebitResult struct {
	Remaining      int64 `json:"remaining"`
	DailyRemaining int64 `json:"daily_remaining"`
	TokensCharged  int64 `json:"tokens_charged"`
	Enforced       bool  `json:"enforced"`
}

// Balance is a read-only view of a subscription's tokens
type Balance struct {
	SubscriptionID          string     `json:"subscription_id"`
	Tier                    plans.Tier `json:"tier"`
	TokensTotal             int64      `json:"tokens_total"`
	TokensUsed              int64      `json:"tokens_used"`
	Balance                 int64      `json:"balance"`
	EstimatedUnitsRemaining int64      `json:"estimated_units_remaining"`
	DailyUsed               int64      `json:"daily_used"`
	DailyCap                int64      `json:"daily_cap"`
	PeriodEnd               time.Time  `json:"period_end"`
}

// Config controls the ledger
type Config struct {
	// EnforcementEnabled turns balance and cap checks on. When false, debits
	// are accepted without checks or writes.
	EnforcementEnabled bool
}

// Ledger debits, credits and resets subscription token balances
type Ledger struct {
	store   subscriptions.Store
	catalog *plans.Catalog
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// New creates a ledger. metrics may be nil.
func New(store subscriptions.Store, catalog *plans.Catalog, cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Ledger {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Ledger{
		store:   store,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger.WithField("component", "ledger"),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Debit charges req.Units of consumption against the subscription
func (l *Ledger) Debit(ctx context.Context, req DebitRequest) (*DebitResult, error) {
	ctx, span := observability.Tracer("ledger").Start(ctx, "ledger.Debit")
	defer span.End()
	span.SetAttributes(
		attribute.String("subscription.id", req.SubscriptionID),
		attribute.Int64("debit.units", req.Units),
	)

	if req.Units <= 0 || req.Units > MaxUnitsPerDebit || req.SurchargePercent < 0 || req.SurchargePercent > MaxSurchargePercent {
		return nil, fmt.Errorf("%w: units %d, surcharge %d%%", ErrInvalidAmount, req.Units, req.SurchargePercent)
	}

	tokens := l.catalog.RequiredTokens(req.Units, req.SurchargePercent)
	today := l.now()

	if !l.cfg.EnforcementEnabled {
		res, err := l.unenforcedResult(ctx, req, today)
		if err != nil {
			return nil, err
		}
		l.metrics.RecordDebit("unenforced", 0)
		return res, nil
	}

	var res DebitResult
	_, _, err := l.store.Mutate(ctx, req.SubscriptionID, today, func(sub *subscriptions.Subscription, usage *subscriptions.DailyUsage) error {
		if sub.Lapsed(today) {
			return fmt.Errorf("%w: subscription %s ended %s", ErrSubscriptionLapsed, sub.ID, sub.PeriodEnd.Format(time.RFC3339))
		}
		dailyCap, err := l.dailyCap(sub, req.DailyCap)
		if err != nil {
			return err
		}
		if usage.UnitsConsumed+req.Units > dailyCap {
			return &DailyCapExceededError{
				SubscriptionID: sub.ID,
				Requested:      req.Units,
				Used:           usage.UnitsConsumed,
				Cap:            dailyCap,
			}
		}
		if sub.Balance() < tokens {
			return &InsufficientBalanceError{
				SubscriptionID: sub.ID,
				Required:       tokens,
				Remaining:      sub.Balance(),
			}
		}

		sub.TokensUsed += tokens
		usage.UnitsConsumed += req.Units

		res = DebitResult{
			Remaining:      sub.Balance(),
			DailyRemaining: dailyCap - usage.UnitsConsumed,
			TokensCharged:  tokens,
			Enforced:       true,
		}
		return nil
	})
	if err != nil {
		switch {
		case IsDailyCapExceeded(err):
			l.metrics.RecordDebit("daily_cap_exceeded", 0)
		case IsInsufficientBalance(err):
			l.metrics.RecordDebit("insufficient_balance", 0)
		case errors.Is(err, ErrSubscriptionLapsed):
			l.metrics.RecordDebit("lapsed", 0)
		default:
			l.metrics.RecordDebit("error", 0)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to debit subscription %s: %w", req.SubscriptionID, err)
		}
		l.logger.WithContext(ctx).WithError(err).Debug("Debit rejected")
		return nil, err
	}

	l.metrics.RecordDebit("ok", tokens)
	return &res, nil
}

func (l *Ledger) unenforcedResult(ctx context.Context, req DebitRequest, day time.Time) (*DebitResult, error) {
	sub, err := l.store.Get(ctx, req.SubscriptionID)
	if err != nil {
		return nil, err
	}
	usage, err := l.store.GetDailyUsage(ctx, req.SubscriptionID, day)
	if err != nil {
		return nil, fmt.Errorf("failed to load daily usage: %w", err)
	}
	dailyCap, err := l.dailyCap(sub, req.DailyCap)
	if err != nil {
		return nil, err
	}
	return &DebitResult{
		Remaining:      sub.Balance(),
		DailyRemaining: max(dailyCap-usage.UnitsConsumed, 0),
		Enforced:       false,
	}, nil
}

func (l *Ledger) dailyCap(sub *subscriptions.Subscription, override int64) (int64, error) {
	if override > 0 {
		return override, nil
	}
	plan, err := l.catalog.Get(sub.Tier)
	if err != nil {
		return 0, err
	}
	return plan.DailyTokenCap, nil
}

// Credit grants extra tokens for the current period and records a
// TOKEN_GRANT entry under ref. The entry and the balance change commit
// together, and crediting the same ref again changes nothing. An empty ref
// gets a random one. TokensUsed is never touched.
func (l *Ledger) Credit(ctx context.Context, subscriptionID string, tokens int64, reason, ref string) (*subscriptions.Subscription, error) {
	if tokens <= 0 {
		return nil, fmt.Errorf("%w: credit of %d tokens", ErrInvalidAmount, tokens)
	}
	if _, err := l.store.Get(ctx, subscriptionID); err != nil {
		return nil, err
	}
	if ref == "" {
		ref = uuid.NewString()
	}
	ref = GrantRef(ref)

	entry := &subscriptions.LedgerEntry{
		SubscriptionID:    subscriptionID,
		Kind:              subscriptions.KindTokenGrant,
		TokenDelta:        tokens,
		Status:            subscriptions.StatusPending,
		ExternalChargeRef: ref,
		Description:       reason,
	}
	if err := l.store.CreateEntry(ctx, entry); err != nil && !errors.Is(err, subscriptions.ErrDuplicateChargeRef) {
		return nil, fmt.Errorf("failed to record token grant: %w", err)
	}

	_, changed, err := l.store.SettleEntry(ctx, ref, subscriptions.StatusCompleted, subscriptions.EntryPatch{},
		func(e *subscriptions.LedgerEntry, sub *subscriptions.Subscription) error {
			sub.TokensTotal += e.TokenDelta
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("failed to credit subscription %s: %w", subscriptionID, err)
	}
	sub, err := l.store.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if !changed {
		l.logger.WithContext(ctx).WithField("grant_ref", ref).Info("Token grant already applied")
		return sub, nil
	}

	l.metrics.RecordCredit(tokens)
	l.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"subscription_id": subscriptionID,
		"tokens":          tokens,
		"reason":          reason,
		"grant_ref":       ref,
	}).Info("Tokens credited")
	return sub, nil
}

// GrantRef is the ledger reference of a manual token grant
func GrantRef(ref string) string {
	return "grant_" + ref
}

// ResetForNewPeriod replaces the period allowance with grant and clears usage.
// It works on a record already locked by the settlement of a completed
// charge, so a reset is never written without its payment.
func ResetForNewPeriod(sub *subscriptions.Subscription, grant int64) error {
	if grant < 0 {
		return fmt.Errorf("%w: grant of %d tokens", ErrInvalidAmount, grant)
	}
	sub.TokensTotal = grant
	sub.TokensUsed = 0
	return nil
}

// GetBalance returns the current balance without modifying anything
func (l *Ledger) GetBalance(ctx context.Context, subscriptionID string) (*Balance, error) {
	sub, err := l.store.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	usage, err := l.store.GetDailyUsage(ctx, subscriptionID, l.now())
	if err != nil {
		return nil, fmt.Errorf("failed to load daily usage: %w", err)
	}
	dailyCap, err := l.dailyCap(sub, 0)
	if err != nil {
		return nil, err
	}

	return &Balance{
		SubscriptionID:          sub.ID,
		Tier:                    sub.Tier,
		TokensTotal:             sub.TokensTotal,
		TokensUsed:              sub.TokensUsed,
		Balance:                 sub.Balance(),
		EstimatedUnitsRemaining: l.catalog.EstimatedUnits(sub.Balance()),
		DailyUsed:               usage.UnitsConsumed,
		DailyCap:                dailyCap,
		PeriodEnd:               sub.PeriodEnd,
	}, nil
}
