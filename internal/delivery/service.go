package delivery

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/austindbirch/hookrelay/internal/logging"
)

const (
	secretBytes        = 32
	DefaultListLimit   = 20
	MaxListLimit       = 100
	maxEventTypeLength = 255
	maxEventsPerSub    = 100
)

// Service is the entry point used by the API, the event consumers and the
// worker. It owns the tenant scoping of every management operation.
type Service struct {
	store      Store
	transport  Transport
	clock      Clock
	policy     Policy
	notifier   Notifier
	logger     *logging.Logger
	newSecret  func() (string, error)
	executor   *Executor
	breaker    *Breaker
	dispatcher *Dispatcher
	sweeper    *Sweeper
}

// Option configures a Service.
type Option func(*Service)

func WithTransport(t Transport) Option    { return func(s *Service) { s.transport = t } }
func WithClock(c Clock) Option            { return func(s *Service) { s.clock = c } }
func WithPolicy(p Policy) Option          { return func(s *Service) { s.policy = p } }
func WithNotifier(n Notifier) Option      { return func(s *Service) { s.notifier = n } }
func WithLogger(l *logging.Logger) Option { return func(s *Service) { s.logger = l } }

// WithSecretGenerator overrides how subscription secrets are produced.
func WithSecretGenerator(f func() (string, error)) Option {
	return func(s *Service) { s.newSecret = f }
}

// NewService builds a Service on store. Without options it posts over
// net/http with the default policy.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:     store,
		clock:     SystemClock{},
		policy:    DefaultPolicy(),
		notifier:  NopNotifier{},
		logger:    logging.Nop(),
		newSecret: func() (string, error) { return generateSecret(secretBytes) },
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.transport == nil {
		s.transport = NewHTTPTransport(nil)
	}
	s.policy.normalize()

	s.breaker = NewBreaker(store, store, s.policy.BreakerThreshold, s.logger)
	s.executor = NewExecutor(store, s.transport, s.clock, s.policy, s.breaker, s.notifier, s.logger)
	s.dispatcher = NewDispatcher(store, store, s.executor, s.logger)
	s.sweeper = NewSweeper(store, store, s.executor, s.logger)
	return s
}

// Policy returns the effective delivery policy.
func (s *Service) Policy() Policy { return s.policy }

// generateSecret returns n random bytes, base64 raw-url encoded.
func generateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CreateSubscription registers an active subscription with a fresh secret.
// The secret is only returned here and by RotateSecret.
func (s *Service) CreateSubscription(ctx context.Context, tenantID, rawURL string, events []string) (*Subscription, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	u, err := validateURL(rawURL)
	if err != nil {
		return nil, err
	}
	evs, err := normalizeEvents(events)
	if err != nil {
		return nil, err
	}
	secret, err := s.newSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}

	now := s.clock.Now()
	sub := &Subscription{
		ID:        NewID(),
		TenantID:  tenantID,
		URL:       u,
		Events:    evs,
		Secret:    secret,
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}

	s.logger.WithContext(ctx).
		WithTenant(tenantID).
		WithSubscription(sub.ID).
		WithField("url", sub.URL).
		WithField("events", sub.Events).
		Info("subscription created")
	return sub, nil
}

// ListSubscriptions returns the tenant's subscriptions without secrets.
func (s *Service) ListSubscriptions(ctx context.Context, tenantID string) ([]*Subscription, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	subs, err := s.store.ListSubscriptions(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	for _, sub := range subs {
		sub.Secret = ""
	}
	return subs, nil
}

// GetSubscription returns one of the tenant's subscriptions without its
// secret. Subscriptions of other tenants are reported as not found.
func (s *Service) GetSubscription(ctx context.Context, tenantID, id string) (*Subscription, error) {
	sub, err := s.ownedSubscription(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	sub.Secret = ""
	return sub, nil
}

// UpdateSubscription applies a partial update. Setting Active to true is the
// only way to close a tripped circuit breaker. The secret cannot be patched.
func (s *Service) UpdateSubscription(ctx context.Context, tenantID, id string, patch SubscriptionPatch) (*Subscription, error) {
	if _, err := s.ownedSubscription(ctx, tenantID, id); err != nil {
		return nil, err
	}
	patch.Secret = nil
	if patch.URL != nil {
		u, err := validateURL(*patch.URL)
		if err != nil {
			return nil, err
		}
		patch.URL = &u
	}
	if patch.Events != nil {
		evs, err := normalizeEvents(patch.Events)
		if err != nil {
			return nil, err
		}
		patch.Events = evs
	}

	sub, err := s.store.UpdateSubscription(ctx, id, patch)
	if err != nil {
		return nil, fmt.Errorf("update subscription: %w", err)
	}

	log := s.logger.WithContext(ctx).WithTenant(tenantID).WithSubscription(id)
	if patch.Active != nil {
		log = log.WithField("active", *patch.Active)
	}
	log.Info("subscription updated")

	sub.Secret = ""
	return sub, nil
}

// DeleteSubscription removes the subscription and its deliveries.
func (s *Service) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	if _, err := s.ownedSubscription(ctx, tenantID, id); err != nil {
		return err
	}
	if err := s.store.DeleteSubscription(ctx, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	s.logger.WithContext(ctx).WithTenant(tenantID).WithSubscription(id).Info("subscription deleted")
	return nil
}

// RotateSecret replaces the signing secret and returns the subscription with
// the new secret. Deliveries attempted afterwards are signed with it.
func (s *Service) RotateSecret(ctx context.Context, tenantID, id string) (*Subscription, error) {
	if _, err := s.ownedSubscription(ctx, tenantID, id); err != nil {
		return nil, err
	}
	secret, err := s.newSecret()
	if err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	sub, err := s.store.UpdateSubscription(ctx, id, SubscriptionPatch{Secret: &secret})
	if err != nil {
		return nil, fmt.Errorf("rotate secret: %w", err)
	}
	s.logger.WithContext(ctx).WithTenant(tenantID).WithSubscription(id).Info("subscription secret rotated")
	return sub, nil
}

// ListDeliveries returns the newest deliveries of a subscription. limit
// defaults to 20 and is capped at 100.
func (s *Service) ListDeliveries(ctx context.Context, tenantID, subscriptionID string, limit int) ([]*Delivery, error) {
	if _, err := s.ownedSubscription(ctx, tenantID, subscriptionID); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}
	ds, err := s.store.ListDeliveries(ctx, subscriptionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return ds, nil
}

// GetDelivery returns one delivery of one of the tenant's subscriptions.
func (s *Service) GetDelivery(ctx context.Context, tenantID, subscriptionID, deliveryID string) (*Delivery, error) {
	if _, err := s.ownedSubscription(ctx, tenantID, subscriptionID); err != nil {
		return nil, err
	}
	return s.ownedDelivery(ctx, subscriptionID, deliveryID)
}

// RetryDelivery resets a failed or pending delivery to a fresh attempt
// budget and attempts it immediately, even when the subscription is
// inactive. Delivered records are rejected with ErrInvalidState.
func (s *Service) RetryDelivery(ctx context.Context, tenantID, subscriptionID, deliveryID string) (*Delivery, error) {
	sub, err := s.ownedSubscription(ctx, tenantID, subscriptionID)
	if err != nil {
		return nil, err
	}
	d, err := s.ownedDelivery(ctx, subscriptionID, deliveryID)
	if err != nil {
		return nil, err
	}
	if d.DeliveredAt != nil {
		return nil, InvalidState("delivery already succeeded")
	}
	now := s.clock.Now()
	if d.ClaimedUntil != nil && d.ClaimedUntil.After(now) {
		return nil, InvalidState("delivery attempt in progress")
	}

	d.AttemptCount = 0
	d.FailedAt = nil
	d.NextRetryAt = nil
	d.ClaimedUntil = timePtr(now.Add(s.policy.ClaimTTL))
	d.UpdatedAt = now
	if err := s.store.UpdateDelivery(ctx, d); err != nil {
		return nil, fmt.Errorf("reset delivery: %w", err)
	}

	s.logger.WithContext(ctx).
		WithTenant(tenantID).
		WithSubscription(subscriptionID).
		WithDelivery(deliveryID).
		Info("manual retry requested")

	if err := s.executor.Execute(ctx, sub, d); err != nil {
		return nil, err
	}
	return d, nil
}

// TriggerEvent fans an event out to the tenant's matching subscriptions.
func (s *Service) TriggerEvent(ctx context.Context, tenantID, eventType string, payload any) (Fanout, error) {
	return s.dispatcher.TriggerEvent(ctx, tenantID, eventType, payload)
}

// Sweep runs one retry sweep.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	return s.sweeper.Sweep(ctx)
}

func (s *Service) ownedSubscription(ctx context.Context, tenantID, id string) (*Subscription, error) {
	if err := validateTenant(tenantID); err != nil {
		return nil, err
	}
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.TenantID != tenantID {
		return nil, NotFound("subscription", id)
	}
	return sub, nil
}

func (s *Service) ownedDelivery(ctx context.Context, subscriptionID, id string) (*Delivery, error) {
	d, err := s.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.SubscriptionID != subscriptionID {
		return nil, NotFound("delivery", id)
	}
	return d, nil
}

func validateTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return Validation("tenant_id", "must not be blank")
	}
	return nil
}

func validateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", Validation("url", "is required")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return "", Validation("url", "must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", Validation("url", "scheme must be http or https")
	}
	if u.Host == "" {
		return "", Validation("url", "host is required")
	}
	return u.String(), nil
}

// normalizeEvents trims, de-duplicates and validates event types, keeping
// first-seen order.
func normalizeEvents(events []string) ([]string, error) {
	if len(events) == 0 {
		return nil, Validation("events", "at least one event type is required")
	}
	if len(events) > maxEventsPerSub {
		return nil, Validation("events", fmt.Sprintf("at most %d event types allowed", maxEventsPerSub))
	}
	seen := make(map[string]struct{}, len(events))
	out := make([]string, 0, len(events))
	for _, e := range events {
		e = strings.TrimSpace(e)
		if e == "" {
			return nil, Validation("events", "event types must not be blank")
		}
		if len(e) > maxEventTypeLength {
			return nil, Validation("events", fmt.Sprintf("event type longer than %d characters", maxEventTypeLength))
		}
		if _, dup := seen[e]; dup {
			continue
		}
		seen[e] = struct{}{}
		out = append(out, e)
	}
	return out, nil
}
