package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/tollgate/pkg/gateway"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// SignatureHeader carries "sha256=<hex HMAC-SHA256 of the body>"
const SignatureHeader = "X-Gateway-Signature"

const signaturePrefix = "sha256="

// CredentialBinder applies a credential issued at the gateway
type CredentialBinder interface {
	OnCredentialIssued(ctx context.Context, customerKey, credentialRef, customerRef string) (bool, error)
}

// ReconcilerConfig configures webhook verification
type ReconcilerConfig struct {
	WebhookSecret string
	// ProductionMode rejects every webhook while no secret is configured
	ProductionMode bool
}

// Reconciler applies gateway events idempotently
type Reconciler struct {
	store   subscriptions.Store
	settler *Settler
	binder  CredentialBinder
	gateway gateway.Client
	cfg     ReconcilerConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	warnOnce sync.Once
}

// NewReconciler creates a reconciler. metrics may be nil.
func NewReconciler(store subscriptions.Store, settler *Settler, binder CredentialBinder, gw gateway.Client, cfg ReconcilerConfig, logger *observability.Logger, metrics *observability.Metrics) *Reconciler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Reconciler{
		store:   store,
		settler: settler,
		binder:  binder,
		gateway: gw,
		cfg:     cfg,
		logger:  logger.WithField("component", "reconciler"),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// VerifySignature checks the signature header against the shared secret
func (r *Reconciler) VerifySignature(body []byte, header string) error {
	secret := strings.TrimSpace(r.cfg.WebhookSecret)
	if secret == "" {
		if r.cfg.ProductionMode {
			return fmt.Errorf("%w: webhook secret not configured", ErrSignatureVerificationFailed)
		}
		r.warnOnce.Do(func() {
			r.logger.Warn("Webhook secret not configured, skipping signature verification")
		})
		return nil
	}

	sig := strings.TrimSpace(header)
	if !strings.HasPrefix(sig, signaturePrefix) {
		return fmt.Errorf("%w: missing %s", ErrSignatureVerificationFailed, signaturePrefix)
	}
	provided, err := hex.DecodeString(strings.ToLower(strings.TrimPrefix(sig, signaturePrefix)))
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrSignatureVerificationFailed)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrSignatureVerificationFailed
	}
	return nil
}

// Sign returns the signature header value for body; used by tests and tooling
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// HandleWebhook verifies, decodes, deduplicates and applies one delivery.
// ErrDuplicateEvent means the event was applied before.
func (r *Reconciler) HandleWebhook(ctx context.Context, body []byte, signature string) (Event, error) {
	ctx, span := observability.Tracer("billing").Start(ctx, "billing.HandleWebhook")
	defer span.End()

	if err := r.VerifySignature(body, signature); err != nil {
		r.metrics.RecordWebhookEvent("unverified", "rejected")
		return nil, err
	}

	event, err := DecodeEvent(body)
	if err != nil {
		r.metrics.RecordWebhookEvent("malformed", "rejected")
		return nil, err
	}
	meta := event.Meta()
	span.SetAttributes(
		attribute.String("event.type", meta.Type),
		attribute.String("event.key", meta.Key),
	)

	seen, err := r.store.WebhookEventSeen(ctx, meta.Key)
	if err != nil {
		return event, fmt.Errorf("failed to check webhook event log: %w", err)
	}
	if seen {
		r.metrics.RecordWebhookEvent(meta.Type, "duplicate")
		return event, ErrDuplicateEvent
	}

	if err := r.Apply(ctx, event); err != nil {
		r.metrics.RecordWebhookEvent(meta.Type, "error")
		return event, err
	}

	if err := r.store.RecordWebhookEvent(ctx, &subscriptions.WebhookEvent{
		EventKey:   meta.Key,
		EventType:  meta.Type,
		ReceivedAt: r.now(),
	}); err != nil {
		return event, err
	}
	r.metrics.RecordWebhookEvent(meta.Type, "applied")
	return event, nil
}

// Apply applies a decoded event. Applying the same event again leaves the
// same state and creates no extra entries.
func (r *Reconciler) Apply(ctx context.Context, event Event) error {
	log := r.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"event_type": event.Meta().Type,
		"event_key":  event.Meta().Key,
	})

	switch ev := event.(type) {
	case CredentialIssuedEvent:
		changed, err := r.binder.OnCredentialIssued(ctx, ev.CustomerKey, ev.CredentialRef, ev.CustomerRef)
		if errors.Is(err, subscriptions.ErrSubscriptionNotFound) {
			log.WithField("customer_key", ev.CustomerKey).Warn("Credential issued for unknown customer, ignoring")
			return nil
		}
		if err != nil {
			return err
		}
		log.WithField("changed", changed).Info("Credential event applied")
		return nil

	case ChargeSucceededEvent:
		return r.applySucceeded(ctx, log, ev)

	case ChargeFailedEvent:
		return r.applyFailed(ctx, log, ev)

	case ChargeCanceledEvent:
		_, err := r.applyCanceled(ctx, log, ev.ChargeRef, ev.PaymentRef, ev.CustomerKey, ev.AmountMinorUnits, ev.Reason)
		return err

	case UnknownEvent:
		log.Info("Ignoring unknown gateway event")
		return nil

	default:
		return fmt.Errorf("unhandled event variant %T", event)
	}
}

func (r *Reconciler) applySucceeded(ctx context.Context, log *observability.Logger, ev ChargeSucceededEvent) error {
	changed, err := r.settler.Complete(ctx, ev.ChargeRef, ev.PaymentRef)
	if err == nil {
		log.WithFields(map[string]interface{}{"charge_ref": ev.ChargeRef, "changed": changed}).Info("Charge success applied")
		return nil
	}
	if errors.Is(err, subscriptions.ErrInvalidTransition) {
		return r.applySucceededOnSettled(ctx, log, ev)
	}
	if !errors.Is(err, subscriptions.ErrEntryNotFound) {
		return err
	}

	sub, err := r.resolveCustomer(ctx, log, ev.CustomerKey)
	if sub == nil || err != nil {
		return err
	}
	entry := &subscriptions.LedgerEntry{
		SubscriptionID:    sub.ID,
		Kind:              subscriptions.KindCharge,
		AmountMinorUnits:  ev.AmountMinorUnits,
		Status:            subscriptions.StatusCompleted,
		ExternalChargeRef: ev.ChargeRef,
		GatewayPaymentRef: ev.PaymentRef,
		Description:       "charge recorded from gateway event",
	}
	if err := r.store.CreateEntry(ctx, entry); err != nil {
		if errors.Is(err, subscriptions.ErrDuplicateChargeRef) {
			// The scheduler created the entry concurrently; transition it instead.
			_, err = r.settler.Complete(ctx, ev.ChargeRef, ev.PaymentRef)
		}
		return err
	}
	log.WithField("charge_ref", ev.ChargeRef).Warn("Recorded gateway charge with no local entry")
	return nil
}

// applySucceededOnSettled handles a success for an entry that already left
// PENDING. The gateway outranks a local FAILED verdict; anything else is a
// stale delivery.
func (r *Reconciler) applySucceededOnSettled(ctx context.Context, log *observability.Logger, ev ChargeSucceededEvent) error {
	entry, err := r.store.GetEntryByChargeRef(ctx, ev.ChargeRef)
	if err != nil {
		return err
	}
	if entry.Status != subscriptions.StatusFailed {
		log.WithFields(map[string]interface{}{
			"charge_ref": ev.ChargeRef,
			"status":     entry.Status,
		}).Warn("Ignoring charge success for a settled entry")
		return nil
	}
	changed, err := r.settler.SettleLate(ctx, entry, ev.PaymentRef)
	if err != nil {
		return err
	}
	log.WithFields(map[string]interface{}{"charge_ref": ev.ChargeRef, "changed": changed}).Info("Late charge success applied")
	return nil
}

func (r *Reconciler) applyFailed(ctx context.Context, log *observability.Logger, ev ChargeFailedEvent) error {
	code := ev.Code
	if code == "" {
		code = "UNKNOWN_ERROR"
	}

	changed, err := r.settler.Fail(ctx, ev.ChargeRef, code)
	if err == nil {
		log.WithFields(map[string]interface{}{"charge_ref": ev.ChargeRef, "changed": changed}).Info("Charge failure applied")
		return nil
	}
	if errors.Is(err, subscriptions.ErrInvalidTransition) {
		// A completed charge is only undone by a cancel event.
		log.WithError(err).WithField("charge_ref", ev.ChargeRef).Warn("Ignoring charge failure for a settled entry")
		return nil
	}
	if !errors.Is(err, subscriptions.ErrEntryNotFound) {
		return err
	}

	sub, err := r.resolveCustomer(ctx, log, ev.CustomerKey)
	if sub == nil || err != nil {
		return err
	}
	entry := &subscriptions.LedgerEntry{
		SubscriptionID:    sub.ID,
		Kind:              subscriptions.KindFailureRecord,
		AmountMinorUnits:  ev.AmountMinorUnits,
		Status:            subscriptions.StatusFailed,
		ExternalChargeRef: ev.ChargeRef,
		FailureCode:       code,
		Description:       ev.Message,
	}
	if err := r.store.CreateEntry(ctx, entry); err != nil {
		if errors.Is(err, subscriptions.ErrDuplicateChargeRef) {
			_, err = r.settler.Fail(ctx, ev.ChargeRef, code)
		}
		return err
	}
	_, err = r.settler.ApplyFailurePolicy(ctx, sub.ID)
	return err
}

// applyCanceled moves a completed charge to CANCELLED and records the refund
// entry. Both steps are idempotent so a replay converges on the same rows.
func (r *Reconciler) applyCanceled(ctx context.Context, log *observability.Logger, ref, paymentRef, customerKey string, amount int64, reason string) (*subscriptions.LedgerEntry, error) {
	entry, _, err := r.store.TransitionEntry(ctx, ref, subscriptions.StatusCancelled,
		subscriptions.EntryPatch{GatewayPaymentRef: paymentRef})
	switch {
	case err == nil:
	case errors.Is(err, subscriptions.ErrEntryNotFound):
		sub, rerr := r.resolveCustomer(ctx, log, customerKey)
		if sub == nil || rerr != nil {
			return nil, rerr
		}
		entry = &subscriptions.LedgerEntry{
			SubscriptionID:    sub.ID,
			Kind:              subscriptions.KindCharge,
			AmountMinorUnits:  amount,
			Status:            subscriptions.StatusCancelled,
			ExternalChargeRef: ref,
			GatewayPaymentRef: paymentRef,
			Description:       "cancelled charge recorded from gateway event",
		}
		if err := r.store.CreateEntry(ctx, entry); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	refundAmount := entry.AmountMinorUnits
	if refundAmount == 0 {
		refundAmount = amount
	}
	refund := &subscriptions.LedgerEntry{
		SubscriptionID:    entry.SubscriptionID,
		Kind:              subscriptions.KindRefund,
		AmountMinorUnits:  -refundAmount,
		Status:            subscriptions.StatusCompleted,
		ExternalChargeRef: "refund_" + ref,
		GatewayPaymentRef: paymentRef,
		Description:       reason,
	}
	if err := r.store.CreateEntry(ctx, refund); err != nil {
		if !errors.Is(err, subscriptions.ErrDuplicateChargeRef) {
			return nil, fmt.Errorf("failed to record refund: %w", err)
		}
		return r.store.GetEntryByChargeRef(ctx, refund.ExternalChargeRef)
	}

	log.WithFields(map[string]interface{}{
		"charge_ref": ref,
		"amount":     refundAmount,
	}).Info("Charge cancelled and refund recorded")
	return refund, nil
}

// resolveCustomer finds the subscription for an event. An unknown customer
// yields (nil, nil) so the event is acknowledged.
func (r *Reconciler) resolveCustomer(ctx context.Context, log *observability.Logger, customerKey string) (*subscriptions.Subscription, error) {
	if customerKey == "" {
		log.Warn("Event references no local entry and no customer, ignoring")
		return nil, nil
	}
	sub, err := r.store.GetByCustomerKey(ctx, customerKey)
	if errors.Is(err, subscriptions.ErrSubscriptionNotFound) {
		log.WithField("customer_key", customerKey).Warn("Event for unknown customer, ignoring")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Refund cancels a completed charge at the gateway, then records it exactly
// like a CHARGE_CANCELED event
func (r *Reconciler) Refund(ctx context.Context, chargeRef, reason string) (*subscriptions.LedgerEntry, error) {
	entry, err := r.store.GetEntryByChargeRef(ctx, chargeRef)
	if err != nil {
		return nil, err
	}
	if entry.Kind != subscriptions.KindCharge || entry.GatewayPaymentRef == "" {
		return nil, fmt.Errorf("%w: entry %s is not a settled charge", subscriptions.ErrInvalidTransition, chargeRef)
	}
	if entry.Status != subscriptions.StatusCompleted && entry.Status != subscriptions.StatusCancelled {
		return nil, fmt.Errorf("%w: cannot refund a %s charge", subscriptions.ErrInvalidTransition, entry.Status)
	}

	if entry.Status == subscriptions.StatusCompleted {
		if err := r.gateway.CancelCharge(ctx, entry.GatewayPaymentRef, reason); err != nil {
			return nil, fmt.Errorf("failed to cancel charge at gateway: %w", err)
		}
	}

	log := r.logger.WithContext(ctx).WithField("charge_ref", chargeRef)
	return r.applyCanceled(ctx, log, chargeRef, entry.GatewayPaymentRef, "", entry.AmountMinorUnits, reason)
}
