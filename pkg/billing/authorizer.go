package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/platinummonkey/tollgate/pkg/gateway"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

const customerKeyPrefix = "cus_"

// AuthorizerConfig configures the credential flow
type AuthorizerConfig struct {
	CustomerKeySalt string
	// CallbackBaseURL is the public base URL the gateway redirects back to
	CallbackBaseURL string
	TTL             time.Duration
	CacheSize       int
}

// AuthorizationRequest is handed to the client to start the gateway flow
type AuthorizationRequest struct {
	SubscriptionID   string     `json:"subscription_id"`
	CustomerKey      string     `json:"customer_key"`
	Tier             plans.Tier `json:"tier"`
	AmountMinorUnits int64      `json:"amount_minor_units"`
	SuccessCallback  string     `json:"success_callback"`
	FailureCallback  string     `json:"failure_callback"`
	ExpiresAt        time.Time  `json:"expires_at"`
}

// PendingAuthorization is what the authorizer remembers between the request
// and the gateway callback
type PendingAuthorization struct {
	SubscriptionID   string
	SubscriberID     string
	Tier             plans.Tier
	AmountMinorUnits int64
	RequestedAt      time.Time
}

// AuthorizationResult is the outcome of a successful callback
type AuthorizationResult struct {
	Subscription  *subscriptions.Subscription `json:"subscription"`
	InitialCharge *ChargeAttempt              `json:"initial_charge,omitempty"`
}

// Authorizer binds subscribers to reusable billing credentials
type Authorizer struct {
	store   subscriptions.Store
	gateway gateway.Client
	settler *Settler
	catalog *plans.Catalog
	cfg     AuthorizerConfig
	pending *expirable.LRU[string, PendingAuthorization]
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewAuthorizer creates an authorizer. metrics may be nil.
func NewAuthorizer(store subscriptions.Store, gw gateway.Client, settler *Settler, catalog *plans.Catalog, cfg AuthorizerConfig, logger *observability.Logger, metrics *observability.Metrics) *Authorizer {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Minute
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 10000
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Authorizer{
		store:   store,
		gateway: gw,
		settler: settler,
		catalog: catalog,
		cfg:     cfg,
		pending: expirable.NewLRU[string, PendingAuthorization](cfg.CacheSize, nil, cfg.TTL),
		logger:  logger.WithField("component", "authorizer"),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CustomerKey derives the stable gateway customer key for a subscriber
func (a *Authorizer) CustomerKey(subscriberID string) string {
	mac := hmac.New(sha256.New, []byte(a.cfg.CustomerKeySalt))
	mac.Write([]byte(subscriberID))
	return customerKeyPrefix + hex.EncodeToString(mac.Sum(nil))[:40]
}

// InitialChargeRef is the idempotency key of the first charge after a binding
func InitialChargeRef(subscriptionID string, boundAt time.Time) string {
	return fmt.Sprintf("init_%s_%d", subscriptionID, boundAt.Unix())
}

// RequestAuthorization starts the credential flow for a subscriber, creating
// the subscription on first use. amountOverride replaces the plan price of
// the initial charge when positive.
func (a *Authorizer) RequestAuthorization(ctx context.Context, subscriberID string, tier plans.Tier, amountOverride int64) (*AuthorizationRequest, error) {
	plan, err := a.catalog.Get(tier)
	if err != nil {
		return nil, err
	}

	customerKey := a.CustomerKey(subscriberID)
	sub, err := a.ensureSubscription(ctx, subscriberID, tier, customerKey)
	if err != nil {
		return nil, err
	}
	if err := a.store.SetAuthorizationState(ctx, sub.ID, subscriptions.AuthorizationRequested); err != nil {
		return nil, fmt.Errorf("failed to record authorization request: %w", err)
	}

	amount := plan.PriceMinorUnits
	if amountOverride > 0 {
		amount = amountOverride
	}
	now := a.now()
	a.pending.Add(customerKey, PendingAuthorization{
		SubscriptionID:   sub.ID,
		SubscriberID:     subscriberID,
		Tier:             tier,
		AmountMinorUnits: amount,
		RequestedAt:      now,
	})

	a.metrics.RecordAuthorization(string(subscriptions.AuthorizationRequested))
	a.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"customer_key":    customerKey,
		"tier":            tier,
	}).Info("Authorization requested")

	base := strings.TrimRight(a.cfg.CallbackBaseURL, "/")
	return &AuthorizationRequest{
		SubscriptionID:   sub.ID,
		CustomerKey:      customerKey,
		Tier:             tier,
		AmountMinorUnits: amount,
		SuccessCallback:  base + "/v1/authorizations/success",
		FailureCallback:  base + "/v1/authorizations/failure",
		ExpiresAt:        now.Add(a.cfg.TTL),
	}, nil
}

func (a *Authorizer) ensureSubscription(ctx context.Context, subscriberID string, tier plans.Tier, customerKey string) (*subscriptions.Subscription, error) {
	sub, err := a.store.GetBySubscriber(ctx, subscriberID)
	if err == nil {
		if sub.CustomerKey == customerKey {
			return sub, nil
		}
		sub, _, err = a.store.Mutate(ctx, sub.ID, a.now(), func(s *subscriptions.Subscription, _ *subscriptions.DailyUsage) error {
			s.CustomerKey = customerKey
			return nil
		})
		return sub, err
	}
	if !errors.Is(err, subscriptions.ErrSubscriptionNotFound) {
		return nil, err
	}

	now := a.now()
	sub = &subscriptions.Subscription{
		SubscriberID:       subscriberID,
		Tier:               tier,
		PeriodStart:        now,
		PeriodEnd:          now.Add(a.catalog.Period()),
		CustomerKey:        customerKey,
		AuthorizationState: subscriptions.AuthorizationNone,
	}
	if err := a.store.Create(ctx, sub); err != nil {
		if errors.Is(err, subscriptions.ErrSubscriptionExists) {
			return a.store.GetBySubscriber(ctx, subscriberID)
		}
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

// CompleteAuthorization handles the success callback: it exchanges the auth
// code for a credential, binds it, applies the requested tier and charges the
// first period when the subscription was never paid for or has lapsed.
// Completing counts as re-authorization even when the gateway returns the
// credential that is already bound: a scheduled cancellation is cleared and
// the failure window restarts.
func (a *Authorizer) CompleteAuthorization(ctx context.Context, customerKey, authCode string) (*AuthorizationResult, error) {
	pending, ok := a.pending.Get(customerKey)
	if !ok {
		return nil, ErrAuthorizationExpired
	}

	before, err := a.store.Get(ctx, pending.SubscriptionID)
	if err != nil {
		return nil, err
	}
	log := a.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"subscription_id": before.ID,
		"customer_key":    customerKey,
	})

	cred, err := a.gateway.IssueCredential(ctx, customerKey, authCode)
	if err != nil {
		if serr := a.store.SetAuthorizationState(ctx, before.ID, subscriptions.AuthorizationFailed); serr != nil {
			log.WithError(serr).Error("Failed to record authorization failure")
		}
		a.metrics.RecordAuthorization(string(subscriptions.AuthorizationFailed))
		return nil, fmt.Errorf("failed to issue billing credential: %w", err)
	}

	needsInitialCharge, err := a.needsInitialCharge(ctx, before)
	if err != nil {
		return nil, err
	}

	changed, err := a.OnCredentialIssued(ctx, customerKey, cred.CredentialRef, cred.CustomerRef)
	if err != nil {
		return nil, err
	}
	if !changed {
		if err := a.reauthorize(ctx, before.ID); err != nil {
			return nil, err
		}
	}
	if pending.Tier != before.Tier {
		if err := a.store.ChangeTier(ctx, before.ID, pending.Tier); err != nil {
			return nil, fmt.Errorf("failed to apply tier change: %w", err)
		}
		log.WithFields(map[string]interface{}{"from": before.Tier, "to": pending.Tier}).Info("Tier changed")
	}
	a.pending.Remove(customerKey)

	sub, err := a.store.Get(ctx, before.ID)
	if err != nil {
		return nil, err
	}
	result := &AuthorizationResult{Subscription: sub}
	if !needsInitialCharge || sub.CredentialBoundAt == nil {
		return result, nil
	}

	attempt, err := a.settler.Charge(ctx, sub, InitialChargeRef(sub.ID, *sub.CredentialBoundAt),
		fmt.Sprintf("%s plan initial charge", sub.Tier), pending.AmountMinorUnits)
	if err != nil {
		return nil, err
	}
	result.InitialCharge = attempt

	if refreshed, err := a.store.Get(ctx, sub.ID); err == nil {
		result.Subscription = refreshed
	}
	log.WithField("outcome", attempt.Outcome).Info("Initial charge attempted")
	return result, nil
}

// needsInitialCharge decides from the ledger, not from the credential, since
// a CREDENTIAL_ISSUED event may have bound the credential already. A charge
// whose outcome is still open blocks a second one.
func (a *Authorizer) needsInitialCharge(ctx context.Context, sub *subscriptions.Subscription) (bool, error) {
	pending, err := a.store.PendingCharges(ctx, sub.ID)
	if err != nil {
		return false, fmt.Errorf("failed to list pending charges: %w", err)
	}
	if len(pending) > 0 {
		return false, nil
	}
	if !a.now().Before(sub.PeriodEnd) {
		return true, nil
	}
	paid, err := a.store.HasCompletedCharge(ctx, sub.ID)
	if err != nil {
		return false, err
	}
	return !paid, nil
}

// reauthorize re-arms a subscription whose credential did not change
func (a *Authorizer) reauthorize(ctx context.Context, subscriptionID string) error {
	now := a.now()
	_, _, err := a.store.Mutate(ctx, subscriptionID, now, func(sub *subscriptions.Subscription, _ *subscriptions.DailyUsage) error {
		sub.AuthorizationState = subscriptions.CredentialIssued
		sub.CancelAtPeriodEnd = false
		sub.CredentialBoundAt = &now
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to re-authorize subscription: %w", err)
	}
	return nil
}

// FailAuthorization handles the failure callback and returns the message to
// show the subscriber
func (a *Authorizer) FailAuthorization(ctx context.Context, customerKey, code, message string) (string, error) {
	a.pending.Remove(customerKey)

	sub, err := a.store.GetByCustomerKey(ctx, customerKey)
	if err != nil {
		return "", err
	}
	if err := a.store.SetAuthorizationState(ctx, sub.ID, subscriptions.AuthorizationFailed); err != nil {
		return "", fmt.Errorf("failed to record authorization failure: %w", err)
	}

	a.metrics.RecordAuthorization(string(subscriptions.AuthorizationFailed))
	a.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"subscription_id": sub.ID,
		"code":            code,
		"message":         message,
	}).Warn("Authorization failed")
	return gateway.UserMessage(code), nil
}

// OnCredentialIssued binds a credential to the customer's subscription. The
// same credential twice is a no-op and reports false. A new credential clears
// a scheduled cancellation and restarts the failure window.
func (a *Authorizer) OnCredentialIssued(ctx context.Context, customerKey, credentialRef, customerRef string) (bool, error) {
	sub, err := a.store.GetByCustomerKey(ctx, customerKey)
	if err != nil {
		return false, err
	}
	changed, err := a.store.BindCredential(ctx, sub.ID, credentialRef, customerRef, a.now())
	if err != nil {
		return false, fmt.Errorf("failed to bind credential: %w", err)
	}
	if changed {
		a.metrics.RecordAuthorization(string(subscriptions.CredentialIssued))
		a.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"subscription_id": sub.ID,
			"customer_key":    customerKey,
		}).Info("Billing credential bound")
	}
	return changed, nil
}

var _ CredentialBinder = (*Authorizer)(nil)
