package billing

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/gateway"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// mockGateway is a gateway.Client with overridable behaviour
type mockGateway struct {
	issueCredentialFunc func(ctx context.Context, customerKey, authCode string) (*gateway.Credential, error)
	chargeFunc          func(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error)
	cancelChargeFunc    func(ctx context.Context, paymentRef, reason string) error

	mu      sync.Mutex
	charges []gateway.ChargeRequest
	cancels []string
}

func (m *mockGateway) IssueCredential(ctx context.Context, customerKey, authCode string) (*gateway.Credential, error) {
	if m.issueCredentialFunc != nil {
		return m.issueCredentialFunc(ctx, customerKey, authCode)
	}
	return &gateway.Credential{
		CredentialRef: "bk_" + authCode,
		CustomerRef:   customerKey,
		CustomerKey:   customerKey,
		IssuedAt:      time.Now().UTC(),
	}, nil
}

func (m *mockGateway) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	m.mu.Lock()
	m.charges = append(m.charges, req)
	m.mu.Unlock()
	if m.chargeFunc != nil {
		return m.chargeFunc(ctx, req)
	}
	return &gateway.ChargeResult{PaymentRef: "pay_" + req.IdempotencyKey, ApprovedAt: time.Now().UTC()}, nil
}

func (m *mockGateway) CancelCharge(ctx context.Context, paymentRef, reason string) error {
	m.mu.Lock()
	m.cancels = append(m.cancels, paymentRef)
	m.mu.Unlock()
	if m.cancelChargeFunc != nil {
		return m.cancelChargeFunc(ctx, paymentRef, reason)
	}
	return nil
}

func (m *mockGateway) chargeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.charges)
}

// fakeLocker is an in-process Locker
type fakeLocker struct {
	held     atomic.Bool
	acquired atomic.Int32
}

func (f *fakeLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if !f.held.CompareAndSwap(false, true) {
		return false, nil
	}
	f.acquired.Add(1)
	return true, nil
}

func (f *fakeLocker) Release(ctx context.Context, key string) error {
	f.held.Store(false)
	return nil
}

type testEnv struct {
	store      *subscriptions.MemoryStore
	catalog    *plans.Catalog
	gw         *mockGateway
	settler    *Settler
	scheduler  *Scheduler
	authorizer *Authorizer
	reconciler *Reconciler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := subscriptions.NewMemoryStore()
	catalog := plans.DefaultCatalog()
	gw := &mockGateway{}
	logger := observability.NopLogger()

	settler := NewSettler(store, gw, catalog, SettlerConfig{ChargeTimeout: time.Second}, logger, nil)
	scheduler := NewScheduler(store, settler, SchedulerConfig{
		LookaheadWindow:      24 * time.Hour,
		MaxConcurrentCharges: 4,
		PendingChargeGrace:   24 * time.Hour,
	}, nil, logger, nil)
	authorizer := NewAuthorizer(store, gw, settler, catalog, AuthorizerConfig{
		CustomerKeySalt: "salt",
		CallbackBaseURL: "https://billing.example.com/",
		TTL:             time.Minute,
		CacheSize:       16,
	}, logger, nil)
	reconciler := NewReconciler(store, settler, authorizer, gw, ReconcilerConfig{WebhookSecret: "whsec"}, logger, nil)

	return &testEnv{
		store:      store,
		catalog:    catalog,
		gw:         gw,
		settler:    settler,
		scheduler:  scheduler,
		authorizer: authorizer,
		reconciler: reconciler,
	}
}

// boundSubscription creates a subscription with a credential whose period
// ends at periodEnd
func (e *testEnv) boundSubscription(t *testing.T, subscriberID string, periodEnd time.Time) *subscriptions.Subscription {
	t.Helper()
	ctx := context.Background()
	sub := &subscriptions.Subscription{
		SubscriberID: subscriberID,
		Tier:         plans.TierBasic,
		TokensTotal:  1000,
		TokensUsed:   400,
		PeriodStart:  periodEnd.Add(-30 * 24 * time.Hour),
		PeriodEnd:    periodEnd,
		CustomerKey:  "cus_" + subscriberID,
	}
	require.NoError(t, e.store.Create(ctx, sub))
	_, err := e.store.BindCredential(ctx, sub.ID, "bk_"+subscriberID, "gc_"+subscriberID, time.Now().UTC().Add(-60*24*time.Hour))
	require.NoError(t, err)

	stored, err := e.store.Get(ctx, sub.ID)
	require.NoError(t, err)
	return stored
}

func (e *testEnv) failedCharge(t *testing.T, subID, ref string, createdAt time.Time) {
	t.Helper()
	require.NoError(t, e.store.CreateEntry(context.Background(), &subscriptions.LedgerEntry{
		SubscriptionID:    subID,
		Kind:              subscriptions.KindCharge,
		AmountMinorUnits:  9900,
		Status:            subscriptions.StatusFailed,
		ExternalChargeRef: ref,
		FailureCode:       "REJECT_CARD_PAYMENT",
		CreatedAt:         createdAt,
	}))
}
