// Package contextkeys provides centralized context key definitions
//
// All context keys used across tollgate are defined here so that producers
// and consumers agree on one typed key.
//
// USAGE PATTERN:
//
//	import "github.com/platinummonkey/tollgate/pkg/contextkeys"
//	ctx = context.WithValue(ctx, contextkeys.SubscriberIDKey, subscriberID)
//	subscriberID, _ := ctx.Value(contextkeys.SubscriberIDKey).(string)
//
// Most callers should use the typed helpers in pkg/observability instead.
package contextkeys

// Key is the type for context keys to prevent collisions
type Key string

const (
	// RequestIDKey contains request ID string (UUID)
	// Set by: httputil.RequestIDMiddleware
	// Used by: Logger, tracing attributes
	// Type: string
	RequestIDKey Key = "request_id"

	// SubscriberIDKey contains the acting subscriber's ID
	// Set by: consumption and authorization handlers (pkg/api)
	// Used by: Logger, ledger debit logs
	// Type: string
	SubscriberIDKey Key = "subscriber_id"

	// LoggerKey contains *observability.Logger
	// Set by: httputil.RequestIDMiddleware
	// Used by: observability.FromContext in handlers and error mapping
	// Type: *observability.Logger
	LoggerKey Key = "logger"
)
