package delivery

import (
	"context"
	"time"
)

// SubscriptionStore persists subscriptions. Lookups of unknown ids return an
// error matching ErrNotFound.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *Subscription) error
	GetSubscription(ctx context.Context, id string) (*Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string) ([]*Subscription, error)
	FindActiveByTenantAndEvent(ctx context.Context, tenantID, eventType string) ([]*Subscription, error)
	UpdateSubscription(ctx context.Context, id string, patch SubscriptionPatch) (*Subscription, error)
	// DeleteSubscription removes the subscription and all of its deliveries.
	DeleteSubscription(ctx context.Context, id string) error
}

// DeliveryStore persists delivery records.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *Delivery) error
	GetDelivery(ctx context.Context, id string) (*Delivery, error)
	// ListDeliveries returns the newest deliveries of a subscription first.
	ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*Delivery, error)
	// ClaimRetryBatch selects deliveries eligible for an attempt and leases
	// them until q.ClaimUntil in the same atomic step.
	ClaimRetryBatch(ctx context.Context, q RetryQuery) ([]*Delivery, error)
	// UpdateDelivery persists the attempt state of d. The payload is never
	// rewritten.
	UpdateDelivery(ctx context.Context, d *Delivery) error
	// CountFailing counts deliveries with failed_at set and delivered_at unset.
	CountFailing(ctx context.Context, subscriptionID string) (int, error)
}

// Store is a single backend implementing both stores.
type Store interface {
	SubscriptionStore
	DeliveryStore
}

// RetryQuery selects deliveries where delivered_at is null, attempt_count is
// below MaxAttempts, the retry time has been reached (or the delivery was
// never attempted), no live lease exists and the subscription is active.
type RetryQuery struct {
	Now         time.Time
	MaxAttempts int
	Limit       int
	ClaimUntil  time.Time
}

// Eligible applies the RetryQuery predicate to d, ignoring subscription state.
func (q RetryQuery) Eligible(d *Delivery) bool {
	if d.DeliveredAt != nil || d.AttemptCount >= q.MaxAttempts {
		return false
	}
	if d.ClaimedUntil != nil && d.ClaimedUntil.After(q.Now) {
		return false
	}
	if d.FailedAt == nil {
		return true
	}
	return d.NextRetryAt != nil && !d.NextRetryAt.After(q.Now)
}
