package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/austindbirch/hookrelay/internal/delivery"
)

var _ delivery.Store = (*Store)(nil)

// Store is an in-memory delivery.Store. Safe for concurrent access. Records
// are copied on the way in and out, so no lock is held while a caller works
// with one. Intended for tests and local development.
type Store struct {
	mu sync.RWMutex

	subs       map[string]*delivery.Subscription
	deliveries map[string]*delivery.Delivery
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		subs:       make(map[string]*delivery.Subscription),
		deliveries: make(map[string]*delivery.Delivery),
	}
}

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Subscriptions
// ──────────────────────────────────────────────────

func (m *Store) CreateSubscription(_ context.Context, sub *delivery.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.subs[sub.ID]; exists {
		return fmt.Errorf("memory: subscription %s already exists", sub.ID)
	}
	m.subs[sub.ID] = sub.Clone()
	return nil
}

func (m *Store) GetSubscription(_ context.Context, id string) (*delivery.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, ok := m.subs[id]
	if !ok {
		return nil, delivery.NotFound("subscription", id)
	}
	return sub.Clone(), nil
}

// ListSubscriptions returns the tenant's subscriptions oldest first.
func (m *Store) ListSubscriptions(_ context.Context, tenantID string) ([]*delivery.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*delivery.Subscription, 0)
	for _, sub := range m.subs {
		if sub.TenantID == tenantID {
			out = append(out, sub.Clone())
		}
	}
	sortSubscriptions(out)
	return out, nil
}

func (m *Store) FindActiveByTenantAndEvent(_ context.Context, tenantID, eventType string) ([]*delivery.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*delivery.Subscription, 0)
	for _, sub := range m.subs {
		if sub.TenantID == tenantID && sub.Active && sub.Wants(eventType) {
			out = append(out, sub.Clone())
		}
	}
	sortSubscriptions(out)
	return out, nil
}

func (m *Store) UpdateSubscription(_ context.Context, id string, patch delivery.SubscriptionPatch) (*delivery.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subs[id]
	if !ok {
		return nil, delivery.NotFound("subscription", id)
	}
	patch.Apply(sub)
	sub.UpdatedAt = delivery.SystemClock{}.Now()
	return sub.Clone(), nil
}

// DeleteSubscription removes the subscription and its deliveries.
func (m *Store) DeleteSubscription(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[id]; !ok {
		return delivery.NotFound("subscription", id)
	}
	delete(m.subs, id)
	for did, d := range m.deliveries {
		if d.SubscriptionID == id {
			delete(m.deliveries, did)
		}
	}
	return nil
}

// ──────────────────────────────────────────────────
// Deliveries
// ──────────────────────────────────────────────────

func (m *Store) CreateDelivery(_ context.Context, d *delivery.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[d.SubscriptionID]; !ok {
		return delivery.NotFound("subscription", d.SubscriptionID)
	}
	if _, exists := m.deliveries[d.ID]; exists {
		return fmt.Errorf("memory: delivery %s already exists", d.ID)
	}
	m.deliveries[d.ID] = d.Clone()
	return nil
}

func (m *Store) GetDelivery(_ context.Context, id string) (*delivery.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.deliveries[id]
	if !ok {
		return nil, delivery.NotFound("delivery", id)
	}
	return d.Clone(), nil
}

// ListDeliveries returns up to limit deliveries of a subscription, newest
// first. A non-positive limit returns all of them.
func (m *Store) ListDeliveries(_ context.Context, subscriptionID string, limit int) ([]*delivery.Delivery, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*delivery.Delivery, 0)
	for _, d := range m.deliveries {
		if d.SubscriptionID == subscriptionID {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimRetryBatch selects eligible deliveries of active subscriptions, oldest
// first, and leases them until q.ClaimUntil under the write lock.
func (m *Store) ClaimRetryBatch(_ context.Context, q delivery.RetryQuery) ([]*delivery.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*delivery.Delivery, 0)
	for _, d := range m.deliveries {
		sub, ok := m.subs[d.SubscriptionID]
		if !ok || !sub.Active {
			continue
		}
		if q.Eligible(d) {
			candidates = append(candidates, d)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
			return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	if q.Limit > 0 && len(candidates) > q.Limit {
		candidates = candidates[:q.Limit]
	}

	result := make([]*delivery.Delivery, len(candidates))
	for i, d := range candidates {
		until := q.ClaimUntil
		d.ClaimedUntil = &until
		result[i] = d.Clone()
	}
	return result, nil
}

// UpdateDelivery stores the attempt state of d. Payload, identity and
// creation time of the stored record are kept.
func (m *Store) UpdateDelivery(_ context.Context, d *delivery.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.deliveries[d.ID]
	if !ok {
		return delivery.NotFound("delivery", d.ID)
	}
	next := d.Clone()
	next.Payload = cur.Payload
	next.SubscriptionID = cur.SubscriptionID
	next.TenantID = cur.TenantID
	next.EventType = cur.EventType
	next.CreatedAt = cur.CreatedAt
	m.deliveries[d.ID] = next
	return nil
}

func (m *Store) CountFailing(_ context.Context, subscriptionID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, d := range m.deliveries {
		if d.SubscriptionID == subscriptionID && d.FailedAt != nil && d.DeliveredAt == nil {
			n++
		}
	}
	return n, nil
}

func sortSubscriptions(subs []*delivery.Subscription) {
	sort.Slice(subs, func(i, j int) bool {
		if !subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].CreatedAt.Before(subs[j].CreatedAt)
		}
		return subs[i].ID < subs[j].ID
	})
}
