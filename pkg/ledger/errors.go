package ledger

import (
	"errors"
	"fmt"
)

// ErrInvalidAmount is returned for units, tokens or surcharges outside their bounds
var ErrInvalidAmount = errors.New("invalid amount")

// ErrSubscriptionLapsed is returned when debiting a subscription whose period
// ended without a renewal
var ErrSubscriptionLapsed = errors.New("subscription period has ended")

// InsufficientBalanceError is returned when a debit needs more tokens than remain
type InsufficientBalanceError struct {
	SubscriptionID string
	Required       int64
	Remaining      int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for subscription %s: required %d tokens, %d remaining",
		e.SubscriptionID, e.Required, e.Remaining)
}

// DailyCapExceededError is returned when a debit would push today's usage past the cap
type DailyCapExceededError struct {
	SubscriptionID string
	Requested      int64
	Used           int64
	Cap            int64
}

func (e *DailyCapExceededError) Error() string {
	return fmt.Sprintf("daily cap exceeded for subscription %s: %d used + %d requested > %d",
		e.SubscriptionID, e.Used, e.Requested, e.Cap)
}

// IsInsufficientBalance reports whether err is or wraps an InsufficientBalanceError
func IsInsufficientBalance(err error) bool {
	var target *InsufficientBalanceError
	return errors.As(err, &target)
}

// IsDailyCapExceeded reports whether err is or wraps a DailyCapExceededError
func IsDailyCapExceeded(err error) bool {
	var target *DailyCapExceededError
	return errors.As(err, &target)
}
