package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
	"github.com/austindbirch/hookrelay/internal/tracing"
)

// Dispatcher fans an event out to every matching active subscription and
// makes the first attempt synchronously.
type Dispatcher struct {
	subs     SubscriptionStore
	deliv    DeliveryStore
	executor *Executor
	clock    Clock
	policy   Policy
	logger   *logging.Logger
}

// NewDispatcher wires a dispatcher around an executor.
func NewDispatcher(subs SubscriptionStore, deliv DeliveryStore, executor *Executor, logger *logging.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Dispatcher{
		subs:     subs,
		deliv:    deliv,
		executor: executor,
		clock:    executor.clock,
		policy:   executor.policy,
		logger:   logger,
	}
}

// TriggerEvent creates one delivery per matching subscription and executes
// each immediately. Per-subscription failures are logged, never returned;
// the error covers invalid input and the subscription lookup only.
//
// payload may be json.RawMessage or []byte (stored verbatim after a validity
// check) or any other value (marshalled once).
func (d *Dispatcher) TriggerEvent(ctx context.Context, tenantID, eventType string, payload any) (Fanout, error) {
	var out Fanout

	if strings.TrimSpace(tenantID) == "" {
		return out, Validation("tenant_id", "must not be blank")
	}
	if strings.TrimSpace(eventType) == "" {
		return out, Validation("event_type", "must not be blank")
	}
	body, err := encodePayload(payload)
	if err != nil {
		return out, err
	}

	ctx, span := tracing.StartSpan(ctx, "delivery.trigger",
		attribute.String("tenant.id", tenantID),
		attribute.String("event.type", eventType),
	)
	defer span.End()

	subs, err := d.subs.FindActiveByTenantAndEvent(ctx, tenantID, eventType)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return out, fmt.Errorf("find subscriptions: %w", err)
	}
	out.Matched = len(subs)
	span.SetAttributes(attribute.Int("subscriptions.matched", len(subs)))

	for _, sub := range subs {
		rec := d.newDelivery(sub, eventType, body)
		log := d.logger.WithContext(ctx).
			WithTenant(tenantID).
			WithSubscription(sub.ID).
			WithEvent(eventType).
			WithDelivery(rec.ID)

		if err := d.deliv.CreateDelivery(ctx, rec); err != nil {
			log.WithError(err).Error("failed to create delivery")
			continue
		}
		out.Created++

		if err := d.executor.Execute(ctx, sub, rec); err != nil {
			// The lease on rec expires and a sweeper picks it up again.
			log.WithError(err).Error("failed to record delivery attempt")
			continue
		}
		if rec.DeliveredAt != nil {
			out.Delivered++
		}
	}

	metrics.RecordEventTriggered(out.Created)
	return out, nil
}

func (d *Dispatcher) newDelivery(sub *Subscription, eventType string, body []byte) *Delivery {
	now := d.clock.Now()
	return &Delivery{
		ID:             NewID(),
		SubscriptionID: sub.ID,
		TenantID:       sub.TenantID,
		EventType:      eventType,
		Payload:        append(json.RawMessage(nil), body...),
		ClaimedUntil:   timePtr(now.Add(d.policy.ClaimTTL)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func encodePayload(payload any) ([]byte, error) {
	var body []byte
	switch p := payload.(type) {
	case json.RawMessage:
		body = p
	case []byte:
		body = p
	case nil:
		return nil, Validation("payload", "must not be empty")
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, Validation("payload", fmt.Sprintf("cannot encode as JSON: %v", err))
		}
		return b, nil
	}
	if len(body) == 0 || !json.Valid(body) {
		return nil, Validation("payload", "must be valid JSON")
	}
	return body, nil
}
