package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
	"github.com/austindbirch/hookrelay/internal/tracing"
)

// Sweeper retries deliveries whose retry time has come.
type Sweeper struct {
	subs     SubscriptionStore
	deliv    DeliveryStore
	executor *Executor
	clock    Clock
	policy   Policy
	logger   *logging.Logger
}

// NewSweeper wires a sweeper around an executor.
func NewSweeper(subs SubscriptionStore, deliv DeliveryStore, executor *Executor, logger *logging.Logger) *Sweeper {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Sweeper{
		subs:     subs,
		deliv:    deliv,
		executor: executor,
		clock:    executor.clock,
		policy:   executor.policy,
		logger:   logger,
	}
}

// Sweep claims one batch of due deliveries and executes them with bounded
// parallelism. Deliveries whose subscription is gone or inactive are skipped
// untouched; their lease simply lapses. Only a failed claim is returned as an
// error; per-delivery failures are counted in the result.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	started := time.Now()

	ctx, span := tracing.StartSpan(ctx, "delivery.sweep")
	defer span.End()

	now := s.clock.Now()
	batch, err := s.deliv.ClaimRetryBatch(ctx, RetryQuery{
		Now:         now,
		MaxAttempts: s.policy.MaxAttempts,
		Limit:       s.policy.BatchSize,
		ClaimUntil:  now.Add(s.policy.ClaimTTL),
	})
	if err != nil {
		tracing.SetSpanError(ctx, err)
		metrics.RecordSweep(0, 0, 0, 0, time.Since(started), err)
		return res, fmt.Errorf("claim retry batch: %w", err)
	}
	res.Claimed = len(batch)

	var mu sync.Mutex
	count := func(f func(r *SweepResult)) {
		mu.Lock()
		f(&res)
		mu.Unlock()
	}

	// Subscriptions are loaded once per sweep. No lock is held across an
	// attempt; a breaker trip marks the entry so deliveries of that
	// subscription not yet started are skipped.
	subCache := newSubscriptionCache(s.subs)

	var g errgroup.Group
	g.SetLimit(s.policy.SweepConcurrency)
	for _, d := range batch {
		g.Go(func() error {
			log := s.logger.WithContext(ctx).WithDelivery(d.ID).WithSubscription(d.SubscriptionID)

			entry := subCache.load(ctx, d.SubscriptionID)
			if entry.err != nil {
				log.WithError(entry.err).Error("failed to load subscription for retry")
				count(func(r *SweepResult) { r.Errors++ })
				return nil
			}
			if entry.sub == nil || !entry.sub.Active || entry.tripped.Load() {
				count(func(r *SweepResult) { r.Skipped++ })
				return nil
			}

			sub := *entry.sub
			err := s.executor.Execute(ctx, &sub, d)
			if !sub.Active {
				entry.tripped.Store(true)
			}
			if err != nil {
				log.WithError(err).Error("failed to record retry attempt")
				count(func(r *SweepResult) { r.Errors++ })
				return nil
			}
			count(func(r *SweepResult) { r.Executed++ })
			return nil
		})
	}
	_ = g.Wait()

	span.SetAttributes(
		attribute.Int("sweep.claimed", res.Claimed),
		attribute.Int("sweep.executed", res.Executed),
		attribute.Int("sweep.skipped", res.Skipped),
		attribute.Int("sweep.errors", res.Errors),
	)
	metrics.RecordSweep(res.Claimed, res.Executed, res.Skipped, res.Errors, time.Since(started), nil)
	if res.Claimed > 0 {
		s.logger.WithContext(ctx).
			WithField("claimed", res.Claimed).
			WithField("executed", res.Executed).
			WithField("skipped", res.Skipped).
			WithField("errors", res.Errors).
			Info("retry sweep finished")
	}
	return res, nil
}

// subscriptionCache loads each subscription at most once per sweep.
type subscriptionCache struct {
	store SubscriptionStore

	mu      sync.Mutex
	entries map[string]*subEntry
}

// subEntry holds a loaded subscription; sub is nil when it was deleted.
// sub is read-only once loaded; each attempt works on its own copy.
type subEntry struct {
	once    sync.Once
	sub     *Subscription
	err     error
	tripped atomic.Bool
}

func newSubscriptionCache(store SubscriptionStore) *subscriptionCache {
	return &subscriptionCache{store: store, entries: make(map[string]*subEntry)}
}

func (c *subscriptionCache) load(ctx context.Context, id string) *subEntry {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		e = &subEntry{}
		c.entries[id] = e
	}
	c.mu.Unlock()

	e.once.Do(func() {
		sub, err := c.store.GetSubscription(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return
		}
		e.sub, e.err = sub, err
	})
	return e
}
