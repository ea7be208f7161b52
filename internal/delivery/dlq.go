package delivery

import (
	"context"
	"time"
)

const DLQType = "delivery.dlq"

// DeadLetter is published when a delivery exhausts its attempt budget.
type DeadLetter struct {
	Type       string    `json:"type"`    // "delivery.dlq"
	Version    string    `json:"version"` // schema version
	At         string    `json:"at"`      // RFC3339 time the DLQ was emitted
	Reason     string    `json:"reason"`  // failure classification of the last attempt
	Attempt    int       `json:"attempt"` // attempt count when DLQ'd
	HTTPStatus int       `json:"http_status,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	Delivery   *Delivery `json:"delivery"` // full delivery snapshot
}

// NewDeadLetter snapshots d at time at.
func NewDeadLetter(d *Delivery, reason string, at time.Time) DeadLetter {
	return DeadLetter{
		Type:       DLQType,
		Version:    "v1",
		At:         at.UTC().Format(time.RFC3339Nano),
		Reason:     reason,
		Attempt:    d.AttemptCount,
		HTTPStatus: d.LastStatusCode,
		LastError:  d.LastResponseBody,
		Delivery:   d.Clone(),
	}
}

// Notifier receives dead-letter notifications.
type Notifier interface {
	DeadLetter(ctx context.Context, dl DeadLetter) error
}

// NopNotifier drops notifications.
type NopNotifier struct{}

func (NopNotifier) DeadLetter(context.Context, DeadLetter) error { return nil }
