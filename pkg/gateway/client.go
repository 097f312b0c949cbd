// Package gateway defines the contract tollgate expects from the external
// payment gateway and an HTTP implementation of it.
//
// The gateway issues reusable billing credentials from a one-time
// authorization code, charges those credentials, and cancels settled charges.
// Outcomes may additionally arrive later as signed webhook events, which the
// billing package reconciles.
package gateway

import (
	"context"
	"time"
)

// Credential is a reusable billing credential issued by the gateway
type Credential struct {
	CredentialRef string
	CustomerRef   string
	CustomerKey   string
	IssuedAt      time.Time
}

// ChargeRequest charges a bound credential. IdempotencyKey doubles as the
// gateway-side order id so repeated submissions collapse into one charge.
type ChargeRequest struct {
	CredentialRef    string
	CustomerKey      string
	AmountMinorUnits int64
	IdempotencyKey   string
	Description      string
}

// ChargeResult is a successful charge
type ChargeResult struct {
	PaymentRef string
	ApprovedAt time.Time
}

// Client is the gateway contract. Implementations return *GatewayError for
// declines and ErrChargeTimeout when the outcome is unknown.
type Client interface {
	IssueCredential(ctx context.Context, customerKey, authCode string) (*Credential, error)
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	CancelCharge(ctx context.Context, paymentRef, reason string) error
}
