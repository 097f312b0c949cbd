package subscriptions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/tollgate/pkg/plans"
)

type usageKey struct {
	subscriptionID string
	day            time.Time
}

// MemoryStore is an in-process Store. The global mutex only guards the maps;
// read-modify-write on a subscription holds that subscription's own lock for
// the whole operation, so different subscriptions never wait on each other.
type MemoryStore struct {
	mu            sync.RWMutex
	subs          map[string]*Subscription
	bySubscriber  map[string]string
	byCustomerKey map[string]string
	usage         map[usageKey]int64
	entries       map[string]*LedgerEntry
	byChargeRef   map[string]string
	events        map[string]*WebhookEvent

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:          make(map[string]*Subscription),
		bySubscriber:  make(map[string]string),
		byCustomerKey: make(map[string]string),
		usage:         make(map[usageKey]int64),
		entries:       make(map[string]*LedgerEntry),
		byChargeRef:   make(map[string]string),
		events:        make(map[string]*WebhookEvent),
		locks:         make(map[string]*sync.Mutex),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) lockFor(id string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Create stores a new subscription
func (s *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.AuthorizationState == "" {
		sub.AuthorizationState = AuthorizationNone
	}
	if err := sub.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.subs[sub.ID]; exists {
		return fmt.Errorf("%w: id %s", ErrSubscriptionExists, sub.ID)
	}
	if _, exists := s.bySubscriber[sub.SubscriberID]; exists {
		return fmt.Errorf("%w: %s", ErrSubscriptionExists, sub.SubscriberID)
	}

	now := s.now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	s.subs[sub.ID] = sub.Clone()
	s.bySubscriber[sub.SubscriberID] = sub.ID
	if sub.CustomerKey != "" {
		s.byCustomerKey[sub.CustomerKey] = sub.ID
	}
	return nil
}

// Get returns a subscription by id
func (s *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

// GetBySubscriber returns the subscription owned by a subscriber
func (s *MemoryStore) GetBySubscriber(ctx context.Context, subscriberID string) (*Subscription, error) {
	s.mu.RLock()
	id, ok := s.bySubscriber[subscriberID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return s.Get(ctx, id)
}

// GetByCustomerKey returns the subscription bound to a gateway customer key
func (s *MemoryStore) GetByCustomerKey(ctx context.Context, customerKey string) (*Subscription, error) {
	s.mu.RLock()
	id, ok := s.byCustomerKey[customerKey]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return s.Get(ctx, id)
}

// GetByTier returns all subscriptions on a tier
func (s *MemoryStore) GetByTier(ctx context.Context, tier plans.Tier) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, sub := range s.subs {
		if sub.Tier == tier {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListDueForRenewal returns bound, non-cancelled subscriptions whose period
// ends within the lookahead window
func (s *MemoryStore) ListDueForRenewal(ctx context.Context, asOf time.Time, lookahead time.Duration) ([]*Subscription, error) {
	cutoff := asOf.Add(lookahead)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, sub := range s.subs {
		if sub.CancelAtPeriodEnd || !sub.CredentialBound() {
			continue
		}
		if sub.PeriodEnd.After(cutoff) {
			continue
		}
		out = append(out, sub.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeriodEnd.Before(out[j].PeriodEnd) })
	return out, nil
}

// Mutate applies fn to a subscription under its lock
func (s *MemoryStore) Mutate(ctx context.Context, id string, day time.Time, fn MutateFunc) (*Subscription, *DailyUsage, error) {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	key := usageKey{subscriptionID: id, day: UsageDay(day)}

	s.mu.RLock()
	current, ok := s.subs[id]
	var sub *Subscription
	if ok {
		sub = current.Clone()
	}
	usage := &DailyUsage{SubscriptionID: id, Date: key.day, UnitsConsumed: s.usage[key]}
	s.mu.RUnlock()

	if !ok {
		return nil, nil, ErrSubscriptionNotFound
	}

	oldCustomerKey := sub.CustomerKey
	if err := fn(sub, usage); err != nil {
		return nil, nil, err
	}
	if err := sub.Validate(); err != nil {
		return nil, nil, err
	}
	if usage.UnitsConsumed < 0 {
		return nil, nil, fmt.Errorf("%w: negative daily usage", ErrInvariantViolation)
	}

	sub.ID = id
	sub.UpdatedAt = s.now()

	s.mu.Lock()
	s.subs[id] = sub.Clone()
	s.usage[key] = usage.UnitsConsumed
	if sub.CustomerKey != oldCustomerKey {
		delete(s.byCustomerKey, oldCustomerKey)
		if sub.CustomerKey != "" {
			s.byCustomerKey[sub.CustomerKey] = id
		}
	}
	s.mu.Unlock()

	return sub, usage, nil
}

// GetDailyUsage returns the usage counter for a day
func (s *MemoryStore) GetDailyUsage(ctx context.Context, id string, day time.Time) (*DailyUsage, error) {
	key := usageKey{subscriptionID: id, day: UsageDay(day)}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.subs[id]; !ok {
		return nil, ErrSubscriptionNotFound
	}
	return &DailyUsage{SubscriptionID: id, Date: key.day, UnitsConsumed: s.usage[key]}, nil
}

// SetCancelAtPeriodEnd sets or clears the cancellation flag
func (s *MemoryStore) SetCancelAtPeriodEnd(ctx context.Context, id string, cancel bool) error {
	_, _, err := s.Mutate(ctx, id, s.now(), func(sub *Subscription, _ *DailyUsage) error {
		sub.CancelAtPeriodEnd = cancel
		return nil
	})
	return err
}

// BindCredential attaches a reusable billing credential
func (s *MemoryStore) BindCredential(ctx context.Context, id, credentialRef, customerRef string, boundAt time.Time) (bool, error) {
	changed := false
	_, _, err := s.Mutate(ctx, id, s.now(), func(sub *Subscription, _ *DailyUsage) error {
		if sub.BillingCredentialRef == credentialRef {
			return nil
		}
		bindCredential(sub, credentialRef, customerRef, boundAt)
		changed = true
		return nil
	})
	return changed, err
}

// bindCredential is the shared field update for a new credential. A fresh
// credential re-arms renewals and restarts the failure window.
func bindCredential(sub *Subscription, credentialRef, customerRef string, boundAt time.Time) {
	sub.BillingCredentialRef = credentialRef
	if customerRef != "" {
		sub.GatewayCustomerRef = customerRef
	}
	sub.AuthorizationState = CredentialIssued
	sub.CancelAtPeriodEnd = false
	t := boundAt.UTC()
	sub.CredentialBoundAt = &t
}

// ChangeTier switches the plan tier; the new grant applies from the next renewal
func (s *MemoryStore) ChangeTier(ctx context.Context, id string, tier plans.Tier) error {
	_, _, err := s.Mutate(ctx, id, s.now(), func(sub *Subscription, _ *DailyUsage) error {
		sub.Tier = tier
		return nil
	})
	return err
}

// SetAuthorizationState records the credential flow state
func (s *MemoryStore) SetAuthorizationState(ctx context.Context, id string, state AuthorizationState) error {
	_, _, err := s.Mutate(ctx, id, s.now(), func(sub *Subscription, _ *DailyUsage) error {
		sub.AuthorizationState = state
		return nil
	})
	return err
}

// CreateEntry appends a ledger entry
func (s *MemoryStore) CreateEntry(ctx context.Context, entry *LedgerEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[entry.SubscriptionID]; !ok {
		return ErrSubscriptionNotFound
	}
	if entry.ExternalChargeRef != "" {
		if _, exists := s.byChargeRef[entry.ExternalChargeRef]; exists {
			return ErrDuplicateChargeRef
		}
	}

	now := s.now()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	entry.UpdatedAt = now

	stored := *entry
	s.entries[entry.ID] = &stored
	if entry.ExternalChargeRef != "" {
		s.byChargeRef[entry.ExternalChargeRef] = entry.ID
	}
	return nil
}

// GetEntryByChargeRef looks up an entry by its idempotency key
func (s *MemoryStore) GetEntryByChargeRef(ctx context.Context, ref string) (*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byChargeRef[ref]
	if !ok {
		return nil, ErrEntryNotFound
	}
	e := *s.entries[id]
	return &e, nil
}

// TransitionEntry applies a conditional status change
func (s *MemoryStore) TransitionEntry(ctx context.Context, ref string, to EntryStatus, patch EntryPatch) (*LedgerEntry, bool, error) {
	return s.SettleEntry(ctx, ref, to, patch, nil)
}

// SettleEntry applies a conditional status change and fn under the owning
// subscription's lock
func (s *MemoryStore) SettleEntry(ctx context.Context, ref string, to EntryStatus, patch EntryPatch, fn EntryMutateFunc) (*LedgerEntry, bool, error) {
	s.mu.RLock()
	id, ok := s.byChargeRef[ref]
	var subscriptionID string
	if ok {
		subscriptionID = s.entries[id].SubscriptionID
	}
	s.mu.RUnlock()
	if !ok {
		return nil, false, ErrEntryNotFound
	}

	lock := s.lockFor(subscriptionID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.entries[id]
	if stored.Status == to {
		e := *stored
		return &e, false, nil
	}
	if !CanTransition(stored.Status, to) {
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, stored.Status, to)
	}

	updated := *stored
	updated.Status = to
	patch.apply(&updated)
	updated.UpdatedAt = s.now()

	if fn != nil {
		current, ok := s.subs[subscriptionID]
		if !ok {
			return nil, false, ErrSubscriptionNotFound
		}
		sub := current.Clone()
		if err := fn(&updated, sub); err != nil {
			return nil, false, err
		}
		if err := sub.Validate(); err != nil {
			return nil, false, err
		}
		sub.ID = subscriptionID
		sub.UpdatedAt = updated.UpdatedAt
		s.subs[subscriptionID] = sub.Clone()
	}

	*stored = updated
	e := updated
	return &e, true, nil
}

// HasCompletedCharge reports whether the subscription was ever charged successfully
func (s *MemoryStore) HasCompletedCharge(ctx context.Context, subscriptionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.SubscriptionID == subscriptionID && e.Kind == KindCharge && e.Status == StatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

// CountFailedCharges counts failed charges and failure records since a point in time
func (s *MemoryStore) CountFailedCharges(ctx context.Context, subscriptionID string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, e := range s.entries {
		if e.SubscriptionID == subscriptionID && countsAsFailure(e, since) {
			count++
		}
	}
	return count, nil
}

// PendingCharges lists unresolved charges for a subscription, oldest first
func (s *MemoryStore) PendingCharges(ctx context.Context, subscriptionID string) ([]*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*LedgerEntry
	for _, e := range s.entries {
		if e.SubscriptionID == subscriptionID && e.Kind == KindCharge && e.Status == StatusPending {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListEntries returns the newest entries for a subscription
func (s *MemoryStore) ListEntries(ctx context.Context, subscriptionID string, limit int) ([]*LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*LedgerEntry
	for _, e := range s.entries {
		if e.SubscriptionID == subscriptionID {
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// WebhookEventSeen reports whether an event key was already applied
func (s *MemoryStore) WebhookEventSeen(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[key]
	return ok, nil
}

// RecordWebhookEvent stores an applied event; recording twice is a no-op
func (s *MemoryStore) RecordWebhookEvent(ctx context.Context, event *WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[event.EventKey]; ok {
		return nil
	}
	e := *event
	s.events[event.EventKey] = &e
	return nil
}

var _ Store = (*MemoryStore)(nil)
