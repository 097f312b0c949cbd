package api

// DebitRequest is the body of a consumption call. The daily cap always comes
// from the subscription's tier.
type DebitRequest struct {
	Units            int64 `json:"units" validate:"gt=0,lte=1000000"`
	SurchargePercent int64 `json:"surcharge_percent" validate:"gte=0,lte=1000"`
}

// DebitResponse is returned for an accepted debit
type DebitResponse struct {
	OK             bool  `json:"ok"`
	Remaining      int64 `json:"remaining"`
	DailyRemaining int64 `json:"daily_remaining"`
	TokensCharged  int64 `json:"tokens_charged"`
	Enforced       bool  `json:"enforced"`
}

// AuthorizationRequestBody starts the credential flow
type AuthorizationRequestBody struct {
	Tier           string `json:"tier" validate:"required"`
	AmountOverride int64  `json:"amount_override,omitempty" validate:"gte=0"`
}

// AuthorizationFailureResponse is returned by the failure callback
type AuthorizationFailureResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CreditRequest grants tokens outside the renewal cycle
type CreditRequest struct {
	Tokens int64  `json:"tokens" validate:"gt=0"`
	Reason string `json:"reason" validate:"required,max=200"`
	// Reference makes retries of the same grant a no-op
	Reference string `json:"reference,omitempty" validate:"max=100"`
}

// RefundRequest refunds a completed charge
type RefundRequest struct {
	Reason string `json:"reason" validate:"required,max=200"`
}

// WebhookResponse acknowledges a gateway delivery
type WebhookResponse struct {
	Status    string `json:"status"`
	EventType string `json:"event_type,omitempty"`
}

// RunStartedResponse is returned for an asynchronous renewal run
type RunStartedResponse struct {
	Status  string `json:"status"`
	Trigger string `json:"trigger"`
}
