package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

const maxResponseBytes = 1 << 20

// HTTPConfig configures the HTTP gateway client
type HTTPConfig struct {
	BaseURL   string
	SecretKey string
	// Timeout bounds every request; charge calls are additionally bounded by
	// the caller's context
	Timeout time.Duration
}

// HTTPClient talks to the gateway's JSON API using basic auth with the secret key
type HTTPClient struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewHTTPClient creates an HTTP gateway client. metrics may be nil.
func NewHTTPClient(cfg HTTPConfig, logger *observability.Logger, metrics *observability.Metrics) *HTTPClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &HTTPClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		secretKey: cfg.SecretKey,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:  logger.WithField("component", "gateway"),
		metrics: metrics,
	}
}

type issueCredentialRequest struct {
	AuthKey     string `json:"authKey"`
	CustomerKey string `json:"customerKey"`
}

type issueCredentialResponse struct {
	BillingKey      string    `json:"billingKey"`
	CustomerKey     string    `json:"customerKey"`
	AuthenticatedAt time.Time `json:"authenticatedAt"`
}

type chargeRequestBody struct {
	CustomerKey string `json:"customerKey"`
	Amount      int64  `json:"amount"`
	OrderID     string `json:"orderId"`
	OrderName   string `json:"orderName"`
}

type chargeResponse struct {
	PaymentKey string    `json:"paymentKey"`
	OrderID    string    `json:"orderId"`
	Status     string    `json:"status"`
	ApprovedAt time.Time `json:"approvedAt"`
}

type cancelRequestBody struct {
	CancelReason string `json:"cancelReason"`
}

// IssueCredential exchanges a one-time authorization code for a reusable credential
func (c *HTTPClient) IssueCredential(ctx context.Context, customerKey, authCode string) (*Credential, error) {
	var resp issueCredentialResponse
	err := c.do(ctx, "issue_credential", "/v1/billing/authorizations/issue", "",
		issueCredentialRequest{AuthKey: authCode, CustomerKey: customerKey}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.BillingKey == "" {
		return nil, &GatewayError{Code: "PROVIDER_ERROR", Message: "credential response without billing key"}
	}

	issuedAt := resp.AuthenticatedAt
	if issuedAt.IsZero() {
		issuedAt = time.Now().UTC()
	}
	return &Credential{
		CredentialRef: resp.BillingKey,
		CustomerRef:   resp.CustomerKey,
		CustomerKey:   customerKey,
		IssuedAt:      issuedAt,
	}, nil
}

// Charge charges a bound credential
func (c *HTTPClient) Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	var resp chargeResponse
	err := c.do(ctx, "charge", "/v1/billing/"+url.PathEscape(req.CredentialRef), req.IdempotencyKey,
		chargeRequestBody{
			CustomerKey: req.CustomerKey,
			Amount:      req.AmountMinorUnits,
			OrderID:     req.IdempotencyKey,
			OrderName:   req.Description,
		}, &resp)
	if err != nil {
		return nil, err
	}
	switch resp.Status {
	case "", "DONE":
		return &ChargeResult{PaymentRef: resp.PaymentKey, ApprovedAt: resp.ApprovedAt}, nil
	case "ABORTED", "CANCELED", "EXPIRED":
		return nil, &GatewayError{Code: "PROVIDER_ERROR", Message: "charge ended with status " + resp.Status}
	default:
		// READY, IN_PROGRESS and friends settle later through an event.
		return nil, fmt.Errorf("%w: charge status %s", ErrChargeTimeout, resp.Status)
	}
}

// CancelCharge cancels (refunds) a settled charge
func (c *HTTPClient) CancelCharge(ctx context.Context, paymentRef, reason string) error {
	return c.do(ctx, "cancel_charge", "/v1/payments/"+url.PathEscape(paymentRef)+"/cancel", "",
		cancelRequestBody{CancelReason: reason}, nil)
}

func (c *HTTPClient) do(ctx context.Context, operation, path, idempotencyKey string, body, out interface{}) error {
	start := time.Now()
	err := c.roundTrip(ctx, path, idempotencyKey, body, out)

	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrChargeTimeout):
		result = "timeout"
	default:
		if _, ok := AsGatewayError(err); ok {
			result = "declined"
		} else {
			result = "error"
		}
	}
	c.metrics.RecordGatewayCall(operation, result, time.Since(start))

	if err != nil {
		c.logger.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"operation": operation,
			"result":    result,
		}).Warn("Gateway call failed")
	}
	return err
}

func (c *HTTPClient) roundTrip(ctx context.Context, path, idempotencyKey string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.SetBasicAuth(c.secretKey, "")
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrChargeTimeout, err)
		}
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(err) {
			return fmt.Errorf("%w: %v", ErrChargeTimeout, err)
		}
		return fmt.Errorf("failed to read gateway response: %w", err)
	}

	if outcomeUnknown(resp.StatusCode) {
		return fmt.Errorf("%w: gateway returned status %d", ErrChargeTimeout, resp.StatusCode)
	}
	if resp.StatusCode >= 300 {
		gerr := &GatewayError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(raw, gerr); err != nil || gerr.Code == "" {
			gerr.Code = "PROVIDER_ERROR"
			gerr.Message = fmt.Sprintf("gateway returned status %d", resp.StatusCode)
		}
		return gerr
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}

// outcomeUnknown reports whether a status leaves it open if the gateway acted
// on the request. Only 4xx answers are definitive rejections.
func outcomeUnknown(status int) bool {
	return status >= 500 || status == http.StatusRequestTimeout
}

var _ Client = (*HTTPClient)(nil)
