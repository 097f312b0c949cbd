package billing

import "errors"

var (
	// ErrCredentialNotBound is returned when charging a subscription without a credential
	ErrCredentialNotBound = errors.New("billing credential not bound")
	// ErrSignatureVerificationFailed is returned for webhooks with a missing or wrong signature
	ErrSignatureVerificationFailed = errors.New("webhook signature verification failed")
	// ErrDuplicateEvent is returned for webhook events that were already applied.
	// Callers treat it as success.
	ErrDuplicateEvent = errors.New("duplicate webhook event")
	// ErrAuthorizationExpired is returned when a callback arrives for an unknown or expired request
	ErrAuthorizationExpired = errors.New("authorization request expired or unknown")
	// ErrMalformedEvent is returned for webhook payloads that cannot be decoded
	ErrMalformedEvent = errors.New("malformed webhook event")
)
