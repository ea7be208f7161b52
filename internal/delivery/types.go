package delivery

import (
	"encoding/json"
	"time"
)

// Derived delivery states
const (
	StatusPending   = "pending"   // never attempted
	StatusRetrying  = "retrying"  // failed at least once, budget left
	StatusDelivered = "delivered" // terminal success
	StatusFailed    = "failed"    // terminal failure, budget exhausted
)

// Subscription is a tenant-owned registration of a destination URL and the
// event types it wants to receive.
type Subscription struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Wants reports whether the subscription is interested in eventType.
func (s *Subscription) Wants(eventType string) bool {
	for _, e := range s.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (s *Subscription) Clone() *Subscription {
	cp := *s
	cp.Events = append([]string(nil), s.Events...)
	return &cp
}

// SubscriptionPatch carries a partial subscription update. Nil fields are
// left untouched.
type SubscriptionPatch struct {
	URL    *string
	Events []string
	Active *bool
	Secret *string
}

// Apply writes the non-nil fields of p onto s.
func (p SubscriptionPatch) Apply(s *Subscription) {
	if p.URL != nil {
		s.URL = *p.URL
	}
	if p.Events != nil {
		s.Events = append([]string(nil), p.Events...)
	}
	if p.Active != nil {
		s.Active = *p.Active
	}
	if p.Secret != nil {
		s.Secret = *p.Secret
	}
}

// Delivery is one event bound for one subscription, along with the history
// of its attempts. Payload is the exact JSON sent on every attempt.
type Delivery struct {
	ID               string          `json:"id"`
	SubscriptionID   string          `json:"subscription_id"`
	TenantID         string          `json:"tenant_id"`
	EventType        string          `json:"event_type"`
	Payload          json.RawMessage `json:"payload"`
	AttemptCount     int             `json:"attempt_count"`
	DeliveredAt      *time.Time      `json:"delivered_at,omitempty"`
	FailedAt         *time.Time      `json:"failed_at,omitempty"`
	NextRetryAt      *time.Time      `json:"next_retry_at,omitempty"`
	ClaimedUntil     *time.Time      `json:"-"`
	LastStatusCode   int             `json:"last_status_code"`
	LastResponseBody string          `json:"last_response_body,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Clone returns a deep copy. Stores hand out clones so callers never share
// memory with stored records.
func (d *Delivery) Clone() *Delivery {
	cp := *d
	cp.Payload = append(json.RawMessage(nil), d.Payload...)
	cp.DeliveredAt = cloneTime(d.DeliveredAt)
	cp.FailedAt = cloneTime(d.FailedAt)
	cp.NextRetryAt = cloneTime(d.NextRetryAt)
	cp.ClaimedUntil = cloneTime(d.ClaimedUntil)
	return &cp
}

// Status derives the lifecycle state under the given attempt budget.
func (d *Delivery) Status(maxAttempts int) string {
	switch {
	case d.DeliveredAt != nil:
		return StatusDelivered
	case d.AttemptCount >= maxAttempts:
		return StatusFailed
	case d.FailedAt != nil:
		return StatusRetrying
	default:
		return StatusPending
	}
}

// Terminal reports whether no further automatic attempts will be made.
func (d *Delivery) Terminal(maxAttempts int) bool {
	s := d.Status(maxAttempts)
	return s == StatusDelivered || s == StatusFailed
}

// Fanout summarises one TriggerEvent call.
type Fanout struct {
	Matched   int `json:"matched"`
	Created   int `json:"created"`
	Delivered int `json:"delivered"`
}

// SweepResult summarises one retry sweep.
type SweepResult struct {
	Claimed  int `json:"claimed"`
	Executed int `json:"executed"`
	Skipped  int `json:"skipped"`
	Errors   int `json:"errors"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }
