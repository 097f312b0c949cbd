package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*HTTPClient, *observability.Metrics) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	client := NewHTTPClient(HTTPConfig{BaseURL: srv.URL + "/", SecretKey: "sk_test", Timeout: time.Second},
		observability.NopLogger(), metrics)
	return client, metrics
}

func TestIssueCredential(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/billing/authorizations/issue", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "sk_test", user)
		assert.Empty(t, pass)

		var body issueCredentialRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "auth-123", body.AuthKey)
		assert.Equal(t, "cus_abc", body.CustomerKey)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"billingKey":      "bk_1",
			"customerKey":     "cus_abc",
			"authenticatedAt": "2026-03-14T10:00:00Z",
		})
	})

	cred, err := client.IssueCredential(context.Background(), "cus_abc", "auth-123")
	require.NoError(t, err)
	assert.Equal(t, "bk_1", cred.CredentialRef)
	assert.Equal(t, "cus_abc", cred.CustomerRef)
	assert.Equal(t, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC), cred.IssuedAt.UTC())
}

func TestCharge_Success(t *testing.T) {
	client, metrics := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/billing/bk_1", r.URL.Path)
		assert.Equal(t, "rnw_sub_20260314_20260313", r.Header.Get("Idempotency-Key"))

		var body chargeRequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, int64(9900), body.Amount)
		assert.Equal(t, "rnw_sub_20260314_20260313", body.OrderID)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"paymentKey": "pay_1",
			"orderId":    body.OrderID,
			"status":     "DONE",
			"approvedAt": "2026-03-13T00:00:05Z",
		})
	})

	res, err := client.Charge(context.Background(), ChargeRequest{
		CredentialRef:    "bk_1",
		CustomerKey:      "cus_abc",
		AmountMinorUnits: 9900,
		IdempotencyKey:   "rnw_sub_20260314_20260313",
		Description:      "basic renewal",
	})
	require.NoError(t, err)
	assert.Equal(t, "pay_1", res.PaymentRef)
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.GatewayRequestsTotal.WithLabelValues("charge", "ok")))
}

func TestCharge_Declined(t *testing.T) {
	client, metrics := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"code":"NOT_ENOUGH_BALANCE","message":"balance too low"}`))
	})

	_, err := client.Charge(context.Background(), ChargeRequest{CredentialRef: "bk_1", AmountMinorUnits: 100, IdempotencyKey: "k"})
	require.Error(t, err)

	gerr, ok := AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, "NOT_ENOUGH_BALANCE", gerr.Code)
	assert.Equal(t, http.StatusBadRequest, gerr.StatusCode)
	assert.Equal(t, userMessages["NOT_ENOUGH_BALANCE"], gerr.UserMessage())
	assert.Equal(t, "NOT_ENOUGH_BALANCE", FailureCode(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.GatewayRequestsTotal.WithLabelValues("charge", "declined")))
}

func TestCharge_UnparseableErrorBody(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte("no json here"))
	})

	_, err := client.Charge(context.Background(), ChargeRequest{CredentialRef: "bk_1", IdempotencyKey: "k"})
	gerr, ok := AsGatewayError(err)
	require.True(t, ok)
	assert.Equal(t, "PROVIDER_ERROR", gerr.Code)
}

func TestCharge_OutcomeClassification(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantUnknown bool
	}{
		{"bad gateway", http.StatusBadGateway, "upstream exploded", true},
		{"service unavailable", http.StatusServiceUnavailable, `{"code":"PROVIDER_ERROR","message":"down"}`, true},
		{"gateway timeout", http.StatusGatewayTimeout, "", true},
		{"request timeout", http.StatusRequestTimeout, "", true},
		{"charge still in progress", http.StatusOK, `{"paymentKey":"pay_1","status":"IN_PROGRESS"}`, true},
		{"charge aborted", http.StatusOK, `{"paymentKey":"pay_1","status":"ABORTED"}`, false},
		{"card rejected", http.StatusForbidden, `{"code":"REJECT_CARD_PAYMENT","message":"no"}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := client.Charge(context.Background(), ChargeRequest{CredentialRef: "bk_1", IdempotencyKey: "k"})
			require.Error(t, err)
			_, declined := AsGatewayError(err)
			assert.Equal(t, tt.wantUnknown, errors.Is(err, ErrChargeTimeout))
			assert.Equal(t, !tt.wantUnknown, declined)
		})
	}
}

func TestCharge_Timeout(t *testing.T) {
	release := make(chan struct{})
	client, metrics := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := client.Charge(ctx, ChargeRequest{CredentialRef: "bk_1", IdempotencyKey: "k"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChargeTimeout))
	assert.Equal(t, CodeTimeout, FailureCode(err))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.GatewayRequestsTotal.WithLabelValues("charge", "timeout")))
}

func TestCancelCharge(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/pay_1/cancel", r.URL.Path)
		var body cancelRequestBody
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "customer request", body.CancelReason)
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.CancelCharge(context.Background(), "pay_1", "customer request"))
}

func TestUserMessageFallback(t *testing.T) {
	assert.Equal(t, GenericUserMessage, UserMessage("SOMETHING_NEW"))
	assert.NotEqual(t, GenericUserMessage, UserMessage("INVALID_CARD_EXPIRATION"))
	assert.Equal(t, "UNKNOWN_ERROR", FailureCode(errors.New("boom")))
}
