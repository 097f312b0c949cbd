package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/gateway"
	"github.com/platinummonkey/tollgate/pkg/ledger"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

const (
	testAdminSecret   = "admin-secret"
	testWebhookSecret = "whsec"
)

// stubGateway approves every call; issueErr fails credential issuance
type stubGateway struct {
	mu       sync.Mutex
	issueErr error
	charges  int
	cancels  []string
}

func (g *stubGateway) IssueCredential(ctx context.Context, customerKey, authCode string) (*gateway.Credential, error) {
	if g.issueErr != nil {
		return nil, g.issueErr
	}
	return &gateway.Credential{
		CredentialRef: "bk_" + authCode,
		CustomerRef:   "gc_" + customerKey,
		CustomerKey:   customerKey,
		IssuedAt:      time.Now().UTC(),
	}, nil
}

func (g *stubGateway) Charge(ctx context.Context, req gateway.ChargeRequest) (*gateway.ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.charges++
	return &gateway.ChargeResult{PaymentRef: "pay_" + req.IdempotencyKey, ApprovedAt: time.Now().UTC()}, nil
}

func (g *stubGateway) CancelCharge(ctx context.Context, paymentRef, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, paymentRef)
	return nil
}

type testServer struct {
	server    *Server
	store     *subscriptions.MemoryStore
	gw        *stubGateway
	scheduler *billing.Scheduler
}

type serverOption func(*Dependencies)

func withRateLimit(cfg *middleware.RateLimitConfig) serverOption {
	return func(d *Dependencies) {
		d.RateLimiter = middleware.NewRateLimitMiddleware(cfg, nil, d.Logger, nil)
	}
}

func withAdminSecret(secret string) serverOption {
	return func(d *Dependencies) { d.AdminSecret = secret }
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	store := subscriptions.NewMemoryStore()
	catalog := plans.DefaultCatalog()
	gw := &stubGateway{}
	logger := observability.NopLogger()

	l := ledger.New(store, catalog, ledger.Config{EnforcementEnabled: true}, logger, nil)
	settler := billing.NewSettler(store, gw, catalog, billing.SettlerConfig{ChargeTimeout: time.Second}, logger, nil)
	scheduler := billing.NewScheduler(store, settler, billing.SchedulerConfig{}, nil, logger, nil)
	authorizer := billing.NewAuthorizer(store, gw, settler, catalog, billing.AuthorizerConfig{
		CustomerKeySalt: "salt",
		CallbackBaseURL: "https://billing.example.com",
		TTL:             time.Minute,
		CacheSize:       16,
	}, logger, nil)
	reconciler := billing.NewReconciler(store, settler, authorizer, gw, billing.ReconcilerConfig{WebhookSecret: testWebhookSecret}, logger, nil)

	deps := Dependencies{
		Store:       store,
		Catalog:     catalog,
		Ledger:      l,
		Scheduler:   scheduler,
		Authorizer:  authorizer,
		Reconciler:  reconciler,
		Logger:      logger,
		AdminSecret: testAdminSecret,
	}
	for _, opt := range opts {
		opt(&deps)
	}

	return &testServer{
		server:    NewServer(deps),
		store:     store,
		gw:        gw,
		scheduler: scheduler,
	}
}

// subscription creates a basic subscription with a bound credential
func (ts *testServer) subscription(t *testing.T, subscriberID string, tokensTotal, tokensUsed int64) *subscriptions.Subscription {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	sub := &subscriptions.Subscription{
		SubscriberID: subscriberID,
		Tier:         plans.TierBasic,
		TokensTotal:  tokensTotal,
		TokensUsed:   tokensUsed,
		PeriodStart:  now.Add(-24 * time.Hour),
		PeriodEnd:    now.Add(29 * 24 * time.Hour),
		CustomerKey:  "cus_" + subscriberID,
	}
	require.NoError(t, ts.store.Create(ctx, sub))
	_, err := ts.store.BindCredential(ctx, sub.ID, "bk_"+subscriberID, "gc_"+subscriberID, now.Add(-24*time.Hour))
	require.NoError(t, err)
	return sub
}

// setPeriod moves a subscription's billing period
func (ts *testServer) setPeriod(t *testing.T, id string, start, end time.Time) {
	t.Helper()
	_, _, err := ts.store.Mutate(context.Background(), id, time.Now().UTC(), func(sub *subscriptions.Subscription, _ *subscriptions.DailyUsage) error {
		sub.RenewPeriod(start, end)
		return nil
	})
	require.NoError(t, err)
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) admin(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	return ts.do(t, method, path, body, map[string]string{AdminSecretHeader: testAdminSecret})
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	decode(t, rec, &body)
	return body.Code
}
