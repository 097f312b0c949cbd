package billing

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tollgate/pkg/gateway"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/subscriptions"
)

// Run triggers, used as a metrics label
const (
	TriggerCron   = "cron"
	TriggerAdmin  = "admin"
	TriggerManual = "manual"
)

const runLockKey = "tollgate:renewal-run"

// Locker guards a scheduler tick across replicas
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// SchedulerConfig configures renewal runs
type SchedulerConfig struct {
	// Schedule is a standard five-field cron spec evaluated in UTC
	Schedule             string
	LookaheadWindow      time.Duration
	MaxConcurrentCharges int
	PendingChargeGrace   time.Duration
	LockTTL              time.Duration
}

// RunSummary reports one renewal run
type RunSummary struct {
	Trigger   string        `json:"trigger"`
	StartedAt time.Time     `json:"started_at"`
	Processed int           `json:"processed"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Duration  time.Duration `json:"duration_ns"`
}

// Scheduler charges subscriptions whose period is about to end
type Scheduler struct {
	store   subscriptions.Store
	settler *Settler
	cfg     SchedulerConfig
	locker  Locker
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu        sync.Mutex
	cron      *cron.Cron
	observers []func(*RunSummary)
}

// NewScheduler creates a scheduler. locker and metrics may be nil.
func NewScheduler(store subscriptions.Store, settler *Settler, cfg SchedulerConfig, locker Locker, logger *observability.Logger, metrics *observability.Metrics) *Scheduler {
	if cfg.Schedule == "" {
		cfg.Schedule = "0 0 * * *"
	}
	if cfg.LookaheadWindow <= 0 {
		cfg.LookaheadWindow = 24 * time.Hour
	}
	if cfg.MaxConcurrentCharges <= 0 {
		cfg.MaxConcurrentCharges = 4
	}
	if cfg.PendingChargeGrace <= 0 {
		cfg.PendingChargeGrace = 24 * time.Hour
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Hour
	}
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Scheduler{
		store:   store,
		settler: settler,
		cfg:     cfg,
		locker:  locker,
		logger:  logger.WithField("component", "scheduler"),
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// OnRunComplete registers a callback invoked after every run
func (s *Scheduler) OnRunComplete(fn func(*RunSummary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// RenewalChargeRef is the idempotency key of a renewal charge. At most one
// attempt per subscription, period and run day can exist.
func RenewalChargeRef(subscriptionID string, periodEnd, runAt time.Time) string {
	return fmt.Sprintf("rnw_%s_%s_%s", subscriptionID,
		periodEnd.UTC().Format("20060102"), runAt.UTC().Format("20060102"))
}

// RunOnce performs a single renewal pass. Per-subscription failures are
// counted in the summary; the returned error is only set when ctx ends or the
// due list cannot be loaded.
func (s *Scheduler) RunOnce(ctx context.Context, trigger string) (*RunSummary, error) {
	ctx, span := observability.Tracer("billing").Start(ctx, "billing.RenewalRun")
	defer span.End()

	start := s.now()
	log := s.logger.WithContext(ctx).WithField("trigger", trigger)

	due, err := s.store.ListDueForRenewal(ctx, start, s.cfg.LookaheadWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions due for renewal: %w", err)
	}
	span.SetAttributes(attribute.Int("renewal.due", len(due)))
	log.WithField("due", len(due)).Info("Renewal run started")

	var succeeded, failed, skipped atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.MaxConcurrentCharges)
	for _, sub := range due {
		g.Go(func() error {
			outcome, err := s.processSubscription(gctx, sub, start)
			if err != nil {
				log.WithError(err).WithField("subscription_id", sub.ID).Error("Renewal failed")
				failed.Add(1)
				return nil
			}
			switch outcome {
			case OutcomeSucceeded:
				succeeded.Add(1)
			case OutcomeSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := &RunSummary{
		Trigger:   trigger,
		StartedAt: start,
		Processed: len(due),
		Succeeded: int(succeeded.Load()),
		Failed:    int(failed.Load()),
		Skipped:   int(skipped.Load()),
		Duration:  s.now().Sub(start),
	}

	s.metrics.RecordRenewalRun(trigger, summary.Duration, summary.Processed, summary.Succeeded, summary.Failed, summary.Skipped)
	log.WithFields(map[string]interface{}{
		"processed":   summary.Processed,
		"succeeded":   summary.Succeeded,
		"failed":      summary.Failed,
		"skipped":     summary.Skipped,
		"duration_ms": summary.Duration.Milliseconds(),
	}).Info("Renewal run finished")

	s.mu.Lock()
	observers := slices.Clone(s.observers)
	s.mu.Unlock()
	for _, fn := range observers {
		fn(summary)
	}

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (s *Scheduler) processSubscription(ctx context.Context, sub *subscriptions.Subscription, runAt time.Time) (ChargeOutcome, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	blocked, err := s.resolvePendingCharges(ctx, sub.ID, runAt)
	if err != nil {
		return "", err
	}
	if blocked {
		return OutcomeSkipped, nil
	}

	// Expiring a stale charge may have tripped the breaker.
	current, err := s.store.Get(ctx, sub.ID)
	if err != nil {
		return "", err
	}
	if current.CancelAtPeriodEnd || !current.CredentialBound() {
		return OutcomeSkipped, nil
	}

	ref := RenewalChargeRef(current.ID, current.PeriodEnd, runAt)
	attempt, err := s.settler.Charge(ctx, current, ref, fmt.Sprintf("%s plan renewal", current.Tier), 0)
	if err != nil {
		return "", err
	}
	return attempt.Outcome, nil
}

// resolvePendingCharges fails PENDING charges older than the grace period and
// reports whether a fresh one still blocks a new attempt
func (s *Scheduler) resolvePendingCharges(ctx context.Context, subscriptionID string, now time.Time) (bool, error) {
	pending, err := s.store.PendingCharges(ctx, subscriptionID)
	if err != nil {
		return false, fmt.Errorf("failed to list pending charges: %w", err)
	}

	blocked := false
	for _, entry := range pending {
		if now.Sub(entry.CreatedAt) < s.cfg.PendingChargeGrace {
			blocked = true
			continue
		}
		if _, err := s.settler.Fail(ctx, entry.ExternalChargeRef, gateway.CodeTimeout); err != nil {
			return false, err
		}
		s.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"subscription_id": subscriptionID,
			"charge_ref":      entry.ExternalChargeRef,
			"age":             now.Sub(entry.CreatedAt).String(),
		}).Warn("Expired unreconciled pending charge")
	}
	return blocked, nil
}

// Start runs RunOnce on the configured cron schedule until Stop is called
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("invalid renewal schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.cron = c

	s.logger.WithField("schedule", s.cfg.Schedule).Info("Renewal scheduler started")
	return nil
}

// Stop halts the cron loop and waits for a running tick to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("Renewal scheduler stopped")
}

func (s *Scheduler) tick(ctx context.Context) {
	defer observability.RecoverPanic(s.logger, "renewal tick")

	_, ran, err := s.RunLocked(ctx, TriggerCron)
	switch {
	case err != nil:
		s.logger.WithError(err).Error("Renewal run failed")
	case !ran:
		s.logger.Info("Renewal run already in progress on another replica")
	}
}

// RunLocked runs once under the replica lock; used by the admin trigger and
// the run-once command. It reports false when another run holds the lock.
func (s *Scheduler) RunLocked(ctx context.Context, trigger string) (*RunSummary, bool, error) {
	if s.locker != nil {
		acquired, err := s.locker.Acquire(ctx, runLockKey, s.cfg.LockTTL)
		if err != nil {
			return nil, false, fmt.Errorf("failed to acquire renewal run lock: %w", err)
		}
		if !acquired {
			return nil, false, nil
		}
		defer func() {
			if err := s.locker.Release(context.WithoutCancel(ctx), runLockKey); err != nil {
				s.logger.WithError(err).Warn("Failed to release renewal run lock")
			}
		}()
	}
	summary, err := s.RunOnce(ctx, trigger)
	return summary, true, err
}
