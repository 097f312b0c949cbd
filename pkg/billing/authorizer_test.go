package billing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/gateway"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

func TestCustomerKeyIsStable(t *testing.T) {
	env := newTestEnv(t)

	a := env.authorizer.CustomerKey("user-1")
	assert.Equal(t, a, env.authorizer.CustomerKey("user-1"))
	assert.NotEqual(t, a, env.authorizer.CustomerKey("user-2"))
	assert.True(t, strings.HasPrefix(a, "cus_"))
	assert.Len(t, a, 44)
}

func TestRequestAuthorization_CreatesSubscription(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, err := env.authorizer.RequestAuthorization(ctx, "user-1", plans.TierPro, 0)
	require.NoError(t, err)
	assert.Equal(t, "https://billing.example.com/v1/authorizations/success", req.SuccessCallback)
	assert.Equal(t, "https://billing.example.com/v1/authorizations/failure", req.FailureCallback)
	assert.Equal(t, int64(19900), req.AmountMinorUnits)

	sub, err := env.store.GetBySubscriber(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, req.SubscriptionID, sub.ID)
	assert.Equal(t, req.CustomerKey, sub.CustomerKey)
	assert.Equal(t, subscriptions.AuthorizationRequested, sub.AuthorizationState)
	assert.False(t, sub.CredentialBound())
	assert.Zero(t, sub.TokensTotal)

	again, err := env.authorizer.RequestAuthorization(ctx, "user-1", plans.TierPro, 5000)
	require.NoError(t, err)
	assert.Equal(t, req.SubscriptionID, again.SubscriptionID)
	assert.Equal(t, int64(5000), again.AmountMinorUnits)
}

func TestRequestAuthorization_UnknownTier(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.authorizer.RequestAuthorization(context.Background(), "user-1", plans.Tier("platinum"), 0)
	assert.ErrorIs(t, err, plans.ErrUnknownTier)
}

func TestCompleteAuthorization_BindsAndChargesFirstPeriod(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, err := env.authorizer.RequestAuthorization(ctx, "user-1", plans.TierBasic, 0)
	require.NoError(t, err)

	result, err := env.authorizer.CompleteAuthorization(ctx, req.CustomerKey, "auth-1")
	require.NoError(t, err)
	require.NotNil(t, result.InitialCharge)
	assert.Equal(t, OutcomeSucceeded, result.InitialCharge.Outcome)
	assert.True(t, strings.HasPrefix(result.InitialCharge.ChargeRef, "init_"+req.SubscriptionID+"_"))

	sub := result.Subscription
	assert.Equal(t, "bk_auth-1", sub.BillingCredentialRef)
	assert.Equal(t, subscriptions.CredentialIssued, sub.AuthorizationState)
	assert.Equal(t, int64(1000), sub.TokensTotal)
	require.NotNil(t, sub.CredentialBoundAt)

	_, err = env.authorizer.CompleteAuthorization(ctx, req.CustomerKey, "auth-1")
	assert.ErrorIs(t, err, ErrAuthorizationExpired)
	assert.Equal(t, 1, env.gw.chargeCount())
}

func TestCompleteAuthorization_ActiveSubscriptionChangesTierWithoutCharge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, err := env.authorizer.RequestAuthorization(ctx, "user-1", plans.TierBasic, 0)
	require.NoError(t, err)
	_, err = env.authorizer.CompleteAuthorization(ctx, req.CustomerKey, "auth-1")
	require.NoError(t, err)

	req2, err := env.authorizer.RequestAuthorization(ctx, "user-1", plans.TierStudio, 0)
	require.NoError(t, err)
	result, err := env.authorizer.CompleteAuthorization(ctx, req2.CustomerKey, "auth-2")
	require.NoError(t, err)

	assert.Nil(t, result.InitialCharge)
	assert.Equal(t, plans.TierStudio, result.Subscription.Tier)
	assert.Equal(t, "bk_auth-2", result.Subscription.BillingCredentialRef)
	assert.Equal(t, 1, env.gw.chargeCount())
}

func TestCompleteAuthorization_CredentialEventArrivesFirst(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, err := env.authorizer.RequestAuthorization(ctx, "user-1", plans.TierBasic, 0)
	require.NoError(t, err)

	changed, err := env.authorizer.OnCredentialIssued(ctx, req.CustomerKey, "bk_auth-1", "")
	require.NoError(t, err)
	require.True(t, changed)

	result, err := env.authorizer.CompleteAuthorization(ctx, req.CustomerKey, "auth-1")
	require.NoError(t, err)
	require.NotNil(t, result.InitialCharge)
	assert.Equal(t, OutcomeSucceeded, result.InitialCharge.Outcome)
	assert.Equal(t, int64(1000), result.Subscription.TokensTotal)
	assert.Equal(t, 1, env.gw.chargeCount())
}

func TestCompleteAuthorization_OpenInitialChargeIsNotRepeated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.gw.chargeFunc = func(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
		return nil, gateway.ErrChargeTimeout
	}

	req, err := env.authorizer.RequestAuthorization(ctx, "user-1", plans.TierBasic, 0)
	require.NoError(t, err)
	result, err := env.authorizer.CompleteAuthorization(ctx, req.CustomerKey, "auth-1")
	require.NoError(t, err)
	require.NotNil(t, result.InitialCharge)
	assert.Equal(t, OutcomeTimeout, result.InitialCharge.Outcome)

	req, err = env.authorizer.RequestAuthorization(ctx, "user-1", plans.TierBasic, 0)
	require.NoError(t, err)
	result, err = env.authorizer.CompleteAuthorization(ctx, req.CustomerKey, "auth-2")
	require.NoError(t, err)
	assert.Nil(t, result.InitialCharge)
	assert.Equal(t, 1, env.gw.chargeCount())
}

func TestCompleteAuthorization_SameCredentialClearsAutoCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := time.Now().UTC()

	sub := env.boundSubscription(t, "ivy", now.Add(10*24*time.Hour))
	require.NoError(t, env.store.CreateEntry(ctx, &subscriptions.LedgerEntry{
		SubscriptionID:    sub.ID,
		Kind:              subscriptions.KindCharge,
		AmountMinorUnits:  9900,
		Status:            subscriptions.StatusCompleted,
		ExternalChargeRef: "rnw_paid",
	}))
	for i, ref := range []string{"f1", "f2", "f3"} {
		env.failedCharge(t, sub.ID, ref, now.Add(-time.Duration(i+1)*time.Hour))
	}
	scheduled, err := env.settler.ApplyFailurePolicy(ctx, sub.ID)
	require.NoError(t, err)
	require.True(t, scheduled)

	// The gateway hands back the credential that is already bound.
	req, err := env.authorizer.RequestAuthorization(ctx, "ivy", plans.TierBasic, 0)
	require.NoError(t, err)
	env.gw.issueCredentialFunc = func(ctx context.Context, customerKey, authCode string) (*gateway.Credential, error) {
		return &gateway.Credential{CredentialRef: "bk_ivy", CustomerKey: customerKey}, nil
	}
	result, err := env.authorizer.CompleteAuthorization(ctx, req.CustomerKey, "auth-ivy")
	require.NoError(t, err)

	assert.Nil(t, result.InitialCharge)
	assert.False(t, result.Subscription.CancelAtPeriodEnd)
	assert.Equal(t, subscriptions.CredentialIssued, result.Subscription.AuthorizationState)
	require.NotNil(t, result.Subscription.CredentialBoundAt)
	assert.True(t, result.Subscription.CredentialBoundAt.After(sub.CredentialBoundAt.Add(time.Hour)))

	scheduled, err = env.settler.ApplyFailurePolicy(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, scheduled, "failures before re-authorization no longer count")
}

func TestCompleteAuthorization_GatewayRejects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.gw.issueCredentialFunc = func(ctx context.Context, customerKey, authCode string) (*gateway.Credential, error) {
		return nil, &gateway.GatewayError{Code: "INVALID_AUTHORIZE_AUTH"}
	}

	req, err := env.authorizer.RequestAuthorization(ctx, "user-1", plans.TierBasic, 0)
	require.NoError(t, err)

	_, err = env.authorizer.CompleteAuthorization(ctx, req.CustomerKey, "bad")
	require.Error(t, err)
	var gerr *gateway.GatewayError
	assert.True(t, errors.As(err, &gerr))

	sub, err := env.store.Get(ctx, req.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, subscriptions.AuthorizationFailed, sub.AuthorizationState)
}

func TestFailAuthorization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	req, err := env.authorizer.RequestAuthorization(ctx, "user-1", plans.TierBasic, 0)
	require.NoError(t, err)

	msg, err := env.authorizer.FailAuthorization(ctx, req.CustomerKey, "USER_CANCEL", "closed the window")
	require.NoError(t, err)
	assert.Equal(t, gateway.UserMessage("USER_CANCEL"), msg)

	sub, err := env.store.Get(ctx, req.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, subscriptions.AuthorizationFailed, sub.AuthorizationState)

	_, err = env.authorizer.CompleteAuthorization(ctx, req.CustomerKey, "late")
	assert.ErrorIs(t, err, ErrAuthorizationExpired)
}

func TestOnCredentialIssued_NewCredentialRearms(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.boundSubscription(t, "ivy", time.Now().UTC().Add(time.Hour))
	require.NoError(t, env.store.SetCancelAtPeriodEnd(ctx, sub.ID, true))

	changed, err := env.authorizer.OnCredentialIssued(ctx, sub.CustomerKey, "bk_ivy", "")
	require.NoError(t, err)
	assert.False(t, changed, "same credential is a no-op")

	stored, err := env.store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, stored.CancelAtPeriodEnd)

	changed, err = env.authorizer.OnCredentialIssued(ctx, sub.CustomerKey, "bk_ivy_2", "")
	require.NoError(t, err)
	assert.True(t, changed)

	stored, err = env.store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, stored.CancelAtPeriodEnd)
	assert.True(t, stored.CredentialBoundAt.After(sub.CredentialBoundAt.Add(time.Hour)))
}

func TestAuthorizationExpiresAfterTTL(t *testing.T) {
	env := newTestEnv(t)
	env.authorizer = NewAuthorizer(env.store, env.gw, env.settler, env.catalog,
		AuthorizerConfig{CustomerKeySalt: "salt", TTL: 20 * time.Millisecond}, nil, nil)
	ctx := context.Background()

	req, err := env.authorizer.RequestAuthorization(ctx, "user-1", plans.TierBasic, 0)
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	_, err = env.authorizer.CompleteAuthorization(ctx, req.CustomerKey, "auth")
	assert.ErrorIs(t, err, ErrAuthorizationExpired)
}
