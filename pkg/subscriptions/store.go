package subscriptions

import (
	"context"
	"time"

	"github.com/platinummonkey/tollgate/pkg/plans"
)

// MutateFunc edits a subscription and its usage counter in place. Returning an
// error aborts the mutation without writing anything.
type MutateFunc func(sub *Subscription, usage *DailyUsage) error

// EntryMutateFunc edits the subscription that owns a just-transitioned entry.
// It must not call back into the store. Returning an error rolls back the
// transition as well.
type EntryMutateFunc func(entry *LedgerEntry, sub *Subscription) error

// Store persists subscriptions, ledger entries, usage counters and webhook events
type Store interface {
	// Subscriptions
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	GetBySubscriber(ctx context.Context, subscriberID string) (*Subscription, error)
	GetByCustomerKey(ctx context.Context, customerKey string) (*Subscription, error)
	GetByTier(ctx context.Context, tier plans.Tier) ([]*Subscription, error)
	ListDueForRenewal(ctx context.Context, asOf time.Time, lookahead time.Duration) ([]*Subscription, error)

	// Mutate runs fn under the subscription's lock with the usage counter for
	// day loaded, then persists both. It is the only read-modify-write path.
	Mutate(ctx context.Context, id string, day time.Time, fn MutateFunc) (*Subscription, *DailyUsage, error)
	GetDailyUsage(ctx context.Context, id string, day time.Time) (*DailyUsage, error)

	SetCancelAtPeriodEnd(ctx context.Context, id string, cancel bool) error
	// BindCredential attaches a credential. It reports false when the same
	// credential was already bound.
	BindCredential(ctx context.Context, id, credentialRef, customerRef string, boundAt time.Time) (bool, error)
	ChangeTier(ctx context.Context, id string, tier plans.Tier) error
	SetAuthorizationState(ctx context.Context, id string, state AuthorizationState) error

	// Ledger entries
	CreateEntry(ctx context.Context, entry *LedgerEntry) error
	GetEntryByChargeRef(ctx context.Context, ref string) (*LedgerEntry, error)
	// TransitionEntry moves the entry with the given charge reference to the
	// target status. changed is false when it already was in that status.
	TransitionEntry(ctx context.Context, ref string, to EntryStatus, patch EntryPatch) (entry *LedgerEntry, changed bool, err error)
	// SettleEntry is TransitionEntry plus fn applied to the owning
	// subscription in the same atomic unit. fn only runs when this call makes
	// the transition; it may be nil.
	SettleEntry(ctx context.Context, ref string, to EntryStatus, patch EntryPatch, fn EntryMutateFunc) (entry *LedgerEntry, changed bool, err error)
	HasCompletedCharge(ctx context.Context, subscriptionID string) (bool, error)
	CountFailedCharges(ctx context.Context, subscriptionID string, since time.Time) (int, error)
	PendingCharges(ctx context.Context, subscriptionID string) ([]*LedgerEntry, error)
	ListEntries(ctx context.Context, subscriptionID string, limit int) ([]*LedgerEntry, error)

	// Webhook event log
	WebhookEventSeen(ctx context.Context, key string) (bool, error)
	RecordWebhookEvent(ctx context.Context, event *WebhookEvent) error
}

// countsAsFailure reports whether an entry feeds the failure circuit breaker
func countsAsFailure(e *LedgerEntry, since time.Time) bool {
	if e.Status != StatusFailed {
		return false
	}
	if e.Kind != KindCharge && e.Kind != KindFailureRecord {
		return false
	}
	return !e.CreatedAt.Before(since)
}
