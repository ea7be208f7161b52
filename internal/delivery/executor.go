package delivery

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
	"github.com/austindbirch/hookrelay/internal/tracing"
)

// Executor performs one attempt of one delivery and records the outcome.
type Executor struct {
	store     DeliveryStore
	transport Transport
	clock     Clock
	policy    Policy
	breaker   *Breaker
	notifier  Notifier
	logger    *logging.Logger
}

// NewExecutor wires an executor. breaker may be nil to disable circuit
// breaking; notifier may be nil.
func NewExecutor(store DeliveryStore, transport Transport, clock Clock, policy Policy, breaker *Breaker, notifier Notifier, logger *logging.Logger) *Executor {
	policy.normalize()
	if clock == nil {
		clock = SystemClock{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{
		store:     store,
		transport: transport,
		clock:     clock,
		policy:    policy,
		breaker:   breaker,
		notifier:  notifier,
		logger:    logger,
	}
}

// Execute signs and posts d to sub, then persists the attempt. d is updated
// in place. The returned error is a persistence error only; a failed
// attempt is recorded state.
func (e *Executor) Execute(ctx context.Context, sub *Subscription, d *Delivery) error {
	ctx, span := tracing.StartSpan(ctx, "delivery.execute",
		attribute.String("delivery.id", d.ID),
		attribute.String("subscription.id", sub.ID),
		attribute.String("event.type", d.EventType),
		attribute.Int("delivery.attempt", d.AttemptCount+1),
	)
	defer span.End()

	req := Request{
		URL:     sub.URL,
		Body:    d.Payload,
		Timeout: e.policy.Timeout,
		Headers: HeaderSet{
			{Name: SignatureHeader, Value: Sign(sub.Secret, d.Payload)},
			{Name: SubscriptionIDHeader, Value: sub.ID},
			{Name: EventTypeHeader, Value: d.EventType},
			{Name: DeliveryIDHeader, Value: d.ID},
			{Name: RetryCountHeader, Value: strconv.Itoa(d.AttemptCount)},
		},
	}

	start := time.Now()
	resp, doErr := e.transport.Post(ctx, req)
	latency := time.Since(start)

	now := e.clock.Now()
	d.AttemptCount++
	d.ClaimedUntil = nil
	d.UpdatedAt = now

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	delivered := doErr == nil && status >= 200 && status < 300
	reason := ""

	if delivered {
		d.DeliveredAt = timePtr(now)
		d.NextRetryAt = nil
		d.LastStatusCode = status
		d.LastResponseBody = responseText(string(resp.Body), e.policy.ResponseBodyLimit)
	} else {
		reason = classifyReason(doErr, status)
		d.FailedAt = timePtr(now)
		d.LastStatusCode = status
		if doErr != nil {
			d.LastResponseBody = responseText(doErr.Error(), e.policy.ResponseBodyLimit)
		} else {
			d.LastResponseBody = responseText(string(resp.Body), e.policy.ResponseBodyLimit)
		}
		if d.AttemptCount < e.policy.MaxAttempts {
			d.NextRetryAt = timePtr(now.Add(e.policy.Backoff.Delay(d.AttemptCount)))
		} else {
			d.NextRetryAt = nil
		}
	}
	metrics.RecordAttempt(delivered, latency)
	span.SetAttributes(attribute.Int("http.status_code", status))

	if err := e.store.UpdateDelivery(ctx, d); err != nil {
		tracing.SetSpanError(ctx, err)
		return fmt.Errorf("persist attempt: %w", err)
	}

	log := e.logger.WithContext(ctx).
		WithTenant(d.TenantID).
		WithSubscription(sub.ID).
		WithDelivery(d.ID).
		WithEvent(d.EventType).
		WithField("attempt", d.AttemptCount).
		WithField("status_code", status)

	if delivered {
		log.Info("delivery succeeded")
		return nil
	}

	tracing.SetSpanError(ctx, fmt.Errorf("attempt failed: %s", reason))
	if d.NextRetryAt != nil {
		metrics.RecordRetry(reason)
		log.WithField("reason", reason).
			WithField("next_retry_at", d.NextRetryAt.Format(time.RFC3339)).
			WithError(doErr).
			Warn("delivery failed, retry scheduled")
	} else {
		metrics.RecordExhausted(reason)
		log.WithField("reason", reason).WithError(doErr).Error("delivery exhausted attempt budget")
		if err := e.notifier.DeadLetter(ctx, NewDeadLetter(d, reason, now)); err != nil {
			log.WithError(err).Warn("dead-letter notification failed")
		}
	}

	if e.breaker != nil {
		if _, err := e.breaker.Evaluate(ctx, sub); err != nil {
			log.WithError(err).Warn("circuit breaker evaluation failed")
		}
	}
	return nil
}
