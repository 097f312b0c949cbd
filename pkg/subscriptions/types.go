package subscriptions

import (
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/plans"
)

// AuthorizationState tracks the billing credential flow for a subscriber
type AuthorizationState string

const (
	AuthorizationNone      AuthorizationState = "NONE"
	AuthorizationRequested AuthorizationState = "AUTHORIZATION_REQUESTED"
	CredentialIssued       AuthorizationState = "CREDENTIAL_ISSUED"
	AuthorizationFailed    AuthorizationState = "AUTHORIZATION_FAILED"
)

// Subscription is the per-subscriber billing record
type Subscription struct {
	ID                   string             `json:"id"`
	SubscriberID         string             `json:"subscriber_id"`
	Tier                 plans.Tier         `json:"tier"`
	TokensTotal          int64              `json:"tokens_total"`
	TokensUsed           int64              `json:"tokens_used"`
	PeriodStart          time.Time          `json:"period_start"`
	PeriodEnd            time.Time          `json:"period_end"`
	CancelAtPeriodEnd    bool               `json:"cancel_at_period_end"`
	BillingCredentialRef string             `json:"billing_credential_ref,omitempty"`
	GatewayCustomerRef   string             `json:"gateway_customer_ref,omitempty"`
	CustomerKey          string             `json:"customer_key,omitempty"`
	AuthorizationState   AuthorizationState `json:"authorization_state"`
	CredentialBoundAt    *time.Time         `json:"credential_bound_at,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// CredentialBound reports whether a reusable billing credential is attached
func (s *Subscription) CredentialBound() bool {
	return s.BillingCredentialRef != ""
}

// Balance returns the unconsumed tokens of the current period
func (s *Subscription) Balance() int64 {
	return s.TokensTotal - s.TokensUsed
}

// Lapsed reports whether the period has ended with no renewal coming: the
// subscription is scheduled for cancellation or has no credential to charge
func (s *Subscription) Lapsed(now time.Time) bool {
	if now.Before(s.PeriodEnd) {
		return false
	}
	return s.CancelAtPeriodEnd || !s.CredentialBound()
}

// RenewPeriod moves the subscription to a new billing period
func (s *Subscription) RenewPeriod(start, end time.Time) {
	s.PeriodStart = start
	s.PeriodEnd = end
}

// Validate checks the record invariants
func (s *Subscription) Validate() error {
	if s.TokensUsed < 0 || s.TokensUsed > s.TokensTotal {
		return fmt.Errorf("%w: tokens used %d outside [0, %d]", ErrInvariantViolation, s.TokensUsed, s.TokensTotal)
	}
	if !s.PeriodStart.Before(s.PeriodEnd) {
		return fmt.Errorf("%w: period start %s not before end %s", ErrInvariantViolation,
			s.PeriodStart.Format(time.RFC3339), s.PeriodEnd.Format(time.RFC3339))
	}
	return nil
}

// Clone returns a deep copy
func (s *Subscription) Clone() *Subscription {
	c := *s
	if s.CredentialBoundAt != nil {
		t := *s.CredentialBoundAt
		c.CredentialBoundAt = &t
	}
	return &c
}

// EntryKind classifies a ledger entry
type EntryKind string

const (
	KindCharge        EntryKind = "CHARGE"
	KindTokenGrant    EntryKind = "TOKEN_GRANT"
	KindRefund        EntryKind = "REFUND"
	KindFailureRecord EntryKind = "FAILURE_RECORD"
)

// EntryStatus is the lifecycle state of a ledger entry
type EntryStatus string

const (
	StatusPending   EntryStatus = "PENDING"
	StatusCompleted EntryStatus = "COMPLETED"
	StatusFailed    EntryStatus = "FAILED"
	StatusCancelled EntryStatus = "CANCELLED"
	StatusRefunded  EntryStatus = "REFUNDED"
)

// allowedSources maps a target status to the statuses it may be reached from
var allowedSources = map[EntryStatus][]EntryStatus{
	StatusCompleted: {StatusPending},
	StatusFailed:    {StatusPending},
	StatusCancelled: {StatusCompleted},
	StatusRefunded:  {StatusCompleted},
}

// AllowedSources returns the statuses from which to is reachable
func AllowedSources(to EntryStatus) []EntryStatus {
	return allowedSources[to]
}

// CanTransition reports whether from -> to is a legal entry transition
func CanTransition(from, to EntryStatus) bool {
	for _, s := range allowedSources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// LedgerEntry is an audit record of a charge, grant, refund or failure
type LedgerEntry struct {
	ID                string      `json:"id"`
	SubscriptionID    string      `json:"subscription_id"`
	Kind              EntryKind   `json:"kind"`
	AmountMinorUnits  int64       `json:"amount_minor_units"`
	TokenDelta        int64       `json:"token_delta"`
	Status            EntryStatus `json:"status"`
	ExternalChargeRef string      `json:"external_charge_ref,omitempty"`
	GatewayPaymentRef string      `json:"gateway_payment_ref,omitempty"`
	FailureCode       string      `json:"failure_code,omitempty"`
	Description       string      `json:"description,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

// EntryPatch carries the optional fields set alongside a status transition.
// Empty fields leave the stored value untouched.
type EntryPatch struct {
	GatewayPaymentRef string
	FailureCode       string
	Description       string
}

func (p EntryPatch) apply(e *LedgerEntry) {
	if p.GatewayPaymentRef != "" {
		e.GatewayPaymentRef = p.GatewayPaymentRef
	}
	if p.FailureCode != "" {
		e.FailureCode = p.FailureCode
	}
	if p.Description != "" {
		e.Description = p.Description
	}
}

// DailyUsage counts work units consumed by a subscription on one UTC day
type DailyUsage struct {
	SubscriptionID string    `json:"subscription_id"`
	Date           time.Time `json:"date"`
	UnitsConsumed  int64     `json:"units_consumed"`
}

// UsageDay truncates t to the UTC day used as the usage counter key
func UsageDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// WebhookEvent records a gateway delivery that has been fully applied
type WebhookEvent struct {
	EventKey   string    `json:"event_key"`
	EventType  string    `json:"event_type"`
	ReceivedAt time.Time `json:"received_at"`
}
