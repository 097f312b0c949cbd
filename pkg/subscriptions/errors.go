package subscriptions

import "errors"

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSubscriptionExists   = errors.New("subscription already exists for subscriber")
	ErrEntryNotFound        = errors.New("ledger entry not found")
	ErrDuplicateChargeRef   = errors.New("duplicate external charge reference")
	ErrInvalidTransition    = errors.New("invalid ledger entry status transition")
	ErrInvariantViolation   = errors.New("subscription invariant violated")
)

// IsNotFound reports whether err means a subscription or entry does not exist
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSubscriptionNotFound) || errors.Is(err, ErrEntryNotFound)
}
