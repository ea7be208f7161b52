package delivery

import (
	"context"
	"fmt"

	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
)

// Breaker deactivates subscriptions whose endpoint keeps failing. It only
// ever opens; reactivation is an explicit UpdateSubscription.
type Breaker struct {
	subs      SubscriptionStore
	deliv     DeliveryStore
	threshold int
	logger    *logging.Logger
}

// NewBreaker returns a breaker tripping at threshold failing deliveries.
func NewBreaker(subs SubscriptionStore, deliv DeliveryStore, threshold int, logger *logging.Logger) *Breaker {
	if threshold <= 0 {
		threshold = DefaultPolicy().BreakerThreshold
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Breaker{subs: subs, deliv: deliv, threshold: threshold, logger: logger}
}

// Evaluate counts the subscription's failing deliveries and deactivates it
// once the count reaches the threshold. sub.Active is updated in place when
// the breaker trips.
func (b *Breaker) Evaluate(ctx context.Context, sub *Subscription) (bool, error) {
	if !sub.Active {
		return false, nil
	}

	failing, err := b.deliv.CountFailing(ctx, sub.ID)
	if err != nil {
		return false, fmt.Errorf("count failing deliveries: %w", err)
	}
	if failing < b.threshold {
		return false, nil
	}

	inactive := false
	updated, err := b.subs.UpdateSubscription(ctx, sub.ID, SubscriptionPatch{Active: &inactive})
	if err != nil {
		return false, fmt.Errorf("deactivate subscription: %w", err)
	}
	sub.Active = false
	sub.UpdatedAt = updated.UpdatedAt

	metrics.RecordBreakerTrip()
	b.logger.WithContext(ctx).
		WithTenant(sub.TenantID).
		WithSubscription(sub.ID).
		WithField("failing_deliveries", failing).
		WithField("threshold", b.threshold).
		Warn("circuit breaker opened, subscription deactivated")
	return true, nil
}
