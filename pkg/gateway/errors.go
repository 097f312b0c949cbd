package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrChargeTimeout means the outcome of a request is unknown: the gateway did
// not answer in time, answered with a server error, or reported a charge that
// has not settled yet. The charge may or may not have been processed.
var ErrChargeTimeout = errors.New("gateway request timed out")

// CodeTimeout is recorded on entries whose outcome was never confirmed
const CodeTimeout = "RECONCILIATION_TIMEOUT"

// GatewayError is a definitive decline or rejection reported by the gateway
type GatewayError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway error %s: %s", e.Code, e.Message)
}

// UserMessage returns the subscriber-facing text for the error code
func (e *GatewayError) UserMessage() string {
	return UserMessage(e.Code)
}

// GenericUserMessage is shown for codes missing from the table
const GenericUserMessage = "Your payment could not be processed. Please try again later or use a different card."

var userMessages = map[string]string{
	"REJECT_CARD_PAYMENT":            "Your card was declined. Please contact your card issuer or use a different card.",
	"REJECT_CARD_COMPANY":            "Your card issuer declined the payment. Please contact your card issuer.",
	"NOT_ENOUGH_BALANCE":             "Insufficient funds on your card. Please check your balance and try again.",
	"EXCEED_MAX_DAILY_PAYMENT_COUNT": "Your card has reached its daily payment limit. Please try again tomorrow.",
	"EXCEED_MAX_PAYMENT_AMOUNT":      "The payment exceeds your card limit.",
	"INVALID_CARD_EXPIRATION":        "Your card has expired. Please register a new card.",
	"INVALID_STOPPED_CARD":           "Your card has been suspended. Please register a new card.",
	"INVALID_CARD_NUMBER":            "The card number is invalid. Please register your card again.",
	"INVALID_BILLING_KEY":            "Your saved payment method is no longer valid. Please register your card again.",
	"NOT_FOUND_BILLING_KEY":          "Your saved payment method could not be found. Please register your card again.",
	"INVALID_AUTHORIZE_AUTH":         "Card authorization failed. Please try again.",
	"USER_CANCEL":                    "The card registration was cancelled.",
	"PROVIDER_ERROR":                 "The payment provider is temporarily unavailable. Please try again later.",
	CodeTimeout:                      "We could not confirm your payment. We will check with the payment provider and update your subscription.",
}

// UserMessage maps a gateway error code to subscriber-facing text
func UserMessage(code string) string {
	if msg, ok := userMessages[code]; ok {
		return msg
	}
	return GenericUserMessage
}

// AsGatewayError extracts a *GatewayError from err
func AsGatewayError(err error) (*GatewayError, bool) {
	var gerr *GatewayError
	if errors.As(err, &gerr) {
		return gerr, true
	}
	return nil, false
}

// FailureCode returns the code to record on a failed entry
func FailureCode(err error) string {
	if gerr, ok := AsGatewayError(err); ok && gerr.Code != "" {
		return gerr.Code
	}
	if errors.Is(err, ErrChargeTimeout) {
		return CodeTimeout
	}
	return "UNKNOWN_ERROR"
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
