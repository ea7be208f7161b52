// Package queue carries events into the dispatcher from NSQ or Kafka and
// publishes dead letters back out to NSQ.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/logging"
	"github.com/austindbirch/hookrelay/internal/metrics"
	"github.com/austindbirch/hookrelay/internal/tracing"
)

// ErrPoison marks a message that can never be processed. Consumers
// acknowledge and drop it instead of redelivering.
var ErrPoison = errors.New("poison message")

// Envelope is the wire format of an event on the intake topics.
type Envelope struct {
	TenantID     string            `json:"tenant_id"`
	EventType    string            `json:"event_type"`
	Payload      json.RawMessage   `json:"payload"`
	TraceHeaders map[string]string `json:"trace_headers,omitempty"`
}

// NewEnvelope builds an envelope carrying the trace context of ctx.
func NewEnvelope(ctx context.Context, tenantID, eventType string, payload json.RawMessage) Envelope {
	return Envelope{
		TenantID:     tenantID,
		EventType:    eventType,
		Payload:      payload,
		TraceHeaders: tracing.InjectMap(ctx),
	}
}

// DecodeEnvelope parses and validates b. Every error wraps ErrPoison.
func DecodeEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("%w: decode envelope: %v", ErrPoison, err)
	}
	switch {
	case strings.TrimSpace(env.TenantID) == "":
		return env, fmt.Errorf("%w: missing tenant_id", ErrPoison)
	case strings.TrimSpace(env.EventType) == "":
		return env, fmt.Errorf("%w: missing event_type", ErrPoison)
	case len(env.Payload) == 0 || string(env.Payload) == "null":
		return env, fmt.Errorf("%w: missing payload", ErrPoison)
	}
	return env, nil
}

// Trigger is satisfied by *delivery.Service.
type Trigger interface {
	TriggerEvent(ctx context.Context, tenantID, eventType string, payload any) (delivery.Fanout, error)
}

// Handler turns envelopes into TriggerEvent calls. It is shared by the NSQ
// and Kafka consumers.
type Handler struct {
	trigger Trigger
	source  string
	logger  *logging.Logger
}

// NewHandler returns a Handler labelling its metrics with source.
func NewHandler(trigger Trigger, source string, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Handler{trigger: trigger, source: source, logger: logger}
}

// Handle processes one message body. A nil return or an ErrPoison error
// means the message is done; any other error asks for redelivery.
func (h *Handler) Handle(ctx context.Context, body []byte) error {
	env, err := DecodeEnvelope(body)
	if err != nil {
		metrics.RecordEventConsumed(h.source, "poison")
		h.logger.WithContext(ctx).WithError(err).Warn("dropping bad event envelope")
		return err
	}

	ctx = tracing.ExtractMap(ctx, env.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "queue.consume")
	defer span.End()

	fan, err := h.trigger.TriggerEvent(ctx, env.TenantID, env.EventType, env.Payload)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		entry := h.logger.WithContext(ctx).WithTenant(env.TenantID).WithEvent(env.EventType).WithError(err)
		if errors.Is(err, delivery.ErrValidation) {
			metrics.RecordEventConsumed(h.source, "poison")
			entry.Warn("dropping invalid event")
			return fmt.Errorf("%w: %v", ErrPoison, err)
		}
		metrics.RecordEventConsumed(h.source, "error")
		entry.Error("event trigger failed, will retry")
		return err
	}

	metrics.RecordEventConsumed(h.source, "ok")
	h.logger.WithContext(ctx).WithTenant(env.TenantID).WithEvent(env.EventType).WithFields(map[string]any{
		"matched":   fan.Matched,
		"created":   fan.Created,
		"delivered": fan.Delivered,
	}).Debug("event consumed")
	return nil
}
