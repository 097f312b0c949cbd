package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/platinummonkey/tollgate/pkg/gateway"
	"github.com/platinummonkey/tollgate/pkg/ledger"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// ChargeOutcome classifies a single charge attempt
type ChargeOutcome string

const (
	OutcomeSucceeded ChargeOutcome = "succeeded"
	OutcomeFailed    ChargeOutcome = "failed"
	// OutcomeTimeout leaves the entry PENDING for the reconciler to resolve
	OutcomeTimeout ChargeOutcome = "timeout"
	// OutcomeSkipped means the charge reference was already used
	OutcomeSkipped ChargeOutcome = "skipped"
)

// ChargeAttempt is the result of Settler.Charge
type ChargeAttempt struct {
	Outcome     ChargeOutcome `json:"outcome"`
	ChargeRef   string        `json:"charge_ref"`
	PaymentRef  string        `json:"payment_ref,omitempty"`
	FailureCode string        `json:"failure_code,omitempty"`
	UserMessage string        `json:"user_message,omitempty"`
}

// SettlerConfig tunes charging and the failure circuit breaker
type SettlerConfig struct {
	ChargeTimeout    time.Duration
	FailureWindow    time.Duration
	FailureThreshold int
}

// DefaultSettlerConfig returns the production defaults
func DefaultSettlerConfig() SettlerConfig {
	return SettlerConfig{
		ChargeTimeout:    30 * time.Second,
		FailureWindow:    30 * 24 * time.Hour,
		FailureThreshold: 3,
	}
}

// Settler charges credentials and applies charge outcomes. It is the single
// settlement path shared by the scheduler, the authorizer and the reconciler.
type Settler struct {
	store   subscriptions.Store
	gateway gateway.Client
	catalog *plans.Catalog
	cfg     SettlerConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewSettler creates a settler. metrics may be nil.
func NewSettler(store subscriptions.Store, gw gateway.Client, catalog *plans.Catalog, cfg SettlerConfig, logger *observability.Logger, metrics *observability.Metrics) *Settler {
	defaults := DefaultSettlerConfig()
	if cfg.ChargeTimeout <= 0 {
		cfg.ChargeTimeout = defaults.ChargeTimeout
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = defaults.FailureWindow
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Settler{
		store:   store,
		gateway: gw,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger.WithField("component", "settler"),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Charge records a PENDING charge under ref, calls the gateway and applies the
// outcome. A reused ref yields OutcomeSkipped without calling the gateway.
// amount overrides the plan price when positive.
func (s *Settler) Charge(ctx context.Context, sub *subscriptions.Subscription, ref, description string, amount int64) (*ChargeAttempt, error) {
	ctx, span := observability.Tracer("billing").Start(ctx, "billing.Charge")
	defer span.End()
	span.SetAttributes(
		attribute.String("subscription.id", sub.ID),
		attribute.String("charge.ref", ref),
	)

	if !sub.CredentialBound() {
		return nil, fmt.Errorf("%w: subscription %s", ErrCredentialNotBound, sub.ID)
	}
	plan, err := s.catalog.Get(sub.Tier)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		amount = plan.PriceMinorUnits
	}

	entry := &subscriptions.LedgerEntry{
		SubscriptionID:    sub.ID,
		Kind:              subscriptions.KindCharge,
		AmountMinorUnits:  amount,
		TokenDelta:        plan.TokenGrant,
		Status:            subscriptions.StatusPending,
		ExternalChargeRef: ref,
		Description:       description,
	}
	if err := s.store.CreateEntry(ctx, entry); err != nil {
		if errors.Is(err, subscriptions.ErrDuplicateChargeRef) {
			return &ChargeAttempt{Outcome: OutcomeSkipped, ChargeRef: ref}, nil
		}
		return nil, fmt.Errorf("failed to record pending charge: %w", err)
	}

	log := s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"charge_ref":      ref,
		"amount":          amount,
	})

	chargeCtx, cancel := context.WithTimeout(ctx, s.cfg.ChargeTimeout)
	result, chargeErr := s.gateway.Charge(chargeCtx, gateway.ChargeRequest{
		CredentialRef:    sub.BillingCredentialRef,
		CustomerKey:      sub.CustomerKey,
		AmountMinorUnits: amount,
		IdempotencyKey:   ref,
		Description:      description,
	})
	cancel()

	// The gateway has answered; persist the outcome even if the caller gives up now.
	settleCtx := context.WithoutCancel(ctx)

	if chargeErr == nil {
		if _, err := s.Complete(settleCtx, ref, result.PaymentRef); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		log.WithField("payment_ref", result.PaymentRef).Info("Charge succeeded")
		s.metrics.RecordRenewalCharge(string(OutcomeSucceeded))
		return &ChargeAttempt{Outcome: OutcomeSucceeded, ChargeRef: ref, PaymentRef: result.PaymentRef}, nil
	}

	if _, declined := gateway.AsGatewayError(chargeErr); declined {
		code := gateway.FailureCode(chargeErr)
		if _, err := s.Fail(settleCtx, ref, code); err != nil {
			return nil, err
		}
		log.WithError(chargeErr).WithField("failure_code", code).Warn("Charge declined")
		s.metrics.RecordRenewalCharge(string(OutcomeFailed))
		return &ChargeAttempt{
			Outcome:     OutcomeFailed,
			ChargeRef:   ref,
			FailureCode: code,
			UserMessage: gateway.UserMessage(code),
		}, nil
	}

	// Timeouts, server errors and transport errors have an unknown outcome.
	// The entry stays PENDING until an event arrives or the grace period
	// expires it.
	log.WithError(chargeErr).Warn("Charge outcome unknown, awaiting reconciliation")
	span.RecordError(chargeErr)
	s.metrics.RecordRenewalCharge(string(OutcomeTimeout))
	return &ChargeAttempt{
		Outcome:     OutcomeTimeout,
		ChargeRef:   ref,
		FailureCode: gateway.CodeTimeout,
		UserMessage: gateway.UserMessage(gateway.CodeTimeout),
	}, nil
}

// Complete moves a PENDING entry to COMPLETED. When this call wins the
// transition for a CHARGE entry the subscription starts a new period with a
// fresh grant, in the same atomic unit as the transition. It reports whether
// it won.
func (s *Settler) Complete(ctx context.Context, ref, paymentRef string) (bool, error) {
	now := s.now()
	end := now.Add(s.catalog.Period())
	var grant int64

	entry, changed, err := s.store.SettleEntry(ctx, ref, subscriptions.StatusCompleted,
		subscriptions.EntryPatch{GatewayPaymentRef: paymentRef},
		func(e *subscriptions.LedgerEntry, sub *subscriptions.Subscription) error {
			if e.Kind != subscriptions.KindCharge {
				return nil
			}
			grant = e.TokenDelta
			if grant <= 0 {
				plan, err := s.catalog.Get(sub.Tier)
				if err != nil {
					return err
				}
				grant = plan.TokenGrant
			}
			sub.RenewPeriod(now, end)
			return ledger.ResetForNewPeriod(sub, grant)
		})
	if err != nil {
		return false, fmt.Errorf("failed to complete charge %s: %w", ref, err)
	}
	if !changed || entry.Kind != subscriptions.KindCharge {
		return changed, nil
	}

	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"subscription_id": entry.SubscriptionID,
		"charge_ref":      ref,
		"period_end":      end.Format(time.RFC3339),
		"token_grant":     grant,
	}).Info("Subscription renewed")
	return true, nil
}

// LateChargeRef is the reference of the entry recording a success that
// arrived after its charge was already marked FAILED
func LateChargeRef(ref string) string {
	return "late_" + ref
}

// SettleLate applies a gateway success for a charge that is already FAILED,
// usually one expired after its pending grace. The failed entry is kept as
// recorded; a new CHARGE entry under LateChargeRef carries the success and
// renews the subscription once.
func (s *Settler) SettleLate(ctx context.Context, failed *subscriptions.LedgerEntry, paymentRef string) (bool, error) {
	ref := LateChargeRef(failed.ExternalChargeRef)
	entry := &subscriptions.LedgerEntry{
		SubscriptionID:    failed.SubscriptionID,
		Kind:              subscriptions.KindCharge,
		AmountMinorUnits:  failed.AmountMinorUnits,
		TokenDelta:        failed.TokenDelta,
		Status:            subscriptions.StatusPending,
		ExternalChargeRef: ref,
		Description:       "late settlement of " + failed.ExternalChargeRef,
	}
	if err := s.store.CreateEntry(ctx, entry); err != nil && !errors.Is(err, subscriptions.ErrDuplicateChargeRef) {
		return false, fmt.Errorf("failed to record late settlement: %w", err)
	}

	changed, err := s.Complete(ctx, ref, paymentRef)
	if err != nil {
		return false, err
	}
	if changed {
		s.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"subscription_id": failed.SubscriptionID,
			"charge_ref":      failed.ExternalChargeRef,
			"failure_code":    failed.FailureCode,
		}).Warn("Gateway confirmed a charge recorded as failed")
	}
	return changed, nil
}

// Fail moves a PENDING entry to FAILED and, when this call made the change,
// runs the failure policy. It reports whether it made the change.
func (s *Settler) Fail(ctx context.Context, ref, failureCode string) (bool, error) {
	entry, changed, err := s.store.TransitionEntry(ctx, ref, subscriptions.StatusFailed,
		subscriptions.EntryPatch{FailureCode: failureCode})
	if err != nil {
		return false, fmt.Errorf("failed to fail charge %s: %w", ref, err)
	}
	if !changed {
		return false, nil
	}
	if _, err := s.ApplyFailurePolicy(ctx, entry.SubscriptionID); err != nil {
		return true, err
	}
	return true, nil
}

// ApplyFailurePolicy counts failed charges since the later of the window
// start and the last credential binding, and schedules cancellation once the
// threshold is reached. The flag is only set if no new credential was bound
// while counting. It reports whether it scheduled cancellation.
func (s *Settler) ApplyFailurePolicy(ctx context.Context, subscriptionID string) (bool, error) {
	sub, err := s.store.Get(ctx, subscriptionID)
	if err != nil {
		return false, err
	}
	if sub.CancelAtPeriodEnd {
		return false, nil
	}

	now := s.now()
	since := now.Add(-s.cfg.FailureWindow)
	if sub.CredentialBoundAt != nil && sub.CredentialBoundAt.After(since) {
		since = *sub.CredentialBoundAt
	}

	failures, err := s.store.CountFailedCharges(ctx, subscriptionID, since)
	if err != nil {
		return false, fmt.Errorf("failed to count failed charges: %w", err)
	}
	if failures < s.cfg.FailureThreshold {
		return false, nil
	}

	scheduled := false
	_, _, err = s.store.Mutate(ctx, subscriptionID, now, func(current *subscriptions.Subscription, _ *subscriptions.DailyUsage) error {
		if current.CancelAtPeriodEnd || !sameInstant(current.CredentialBoundAt, sub.CredentialBoundAt) {
			return nil
		}
		current.CancelAtPeriodEnd = true
		scheduled = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to schedule cancellation: %w", err)
	}
	if !scheduled {
		return false, nil
	}

	s.metrics.RecordAutoCancellation()
	s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"subscription_id": subscriptionID,
		"failures":        failures,
		"since":           since.Format(time.RFC3339),
	}).Warn("Auto-cancelling subscription after repeated charge failures")
	return true, nil
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
