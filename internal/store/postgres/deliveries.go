package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/hookrelay/internal/delivery"
)

const deliveryColumns = `id, subscription_id, tenant_id, event_type, payload, attempt_count,
	delivered_at, failed_at, next_retry_at, claimed_until,
	last_status_code, last_response_body, created_at, updated_at`

func scanDelivery(row pgx.Row) (*delivery.Delivery, error) {
	var (
		d       delivery.Delivery
		payload []byte
	)
	err := row.Scan(
		&d.ID, &d.SubscriptionID, &d.TenantID, &d.EventType, &payload, &d.AttemptCount,
		&d.DeliveredAt, &d.FailedAt, &d.NextRetryAt, &d.ClaimedUntil,
		&d.LastStatusCode, &d.LastResponseBody, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.Payload = payload
	return &d, nil
}

func collectDeliveries(rows pgx.Rows) ([]*delivery.Delivery, error) {
	defer rows.Close()
	out := make([]*delivery.Delivery, 0)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, wrap("scan delivery row", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate delivery rows", err)
	}
	return out, nil
}

func (s *Store) CreateDelivery(ctx context.Context, d *delivery.Delivery) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO hookrelay.deliveries (`+deliveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.SubscriptionID, d.TenantID, d.EventType, []byte(d.Payload), d.AttemptCount,
		d.DeliveredAt, d.FailedAt, d.NextRetryAt, d.ClaimedUntil,
		d.LastStatusCode, d.LastResponseBody, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		switch {
		case isForeignKey(err):
			return delivery.NotFound("subscription", d.SubscriptionID)
		case isDuplicateKey(err):
			return fmt.Errorf("postgres: delivery %s already exists: %w", d.ID, err)
		}
		return wrap("create delivery", err)
	}
	return nil
}

func (s *Store) GetDelivery(ctx context.Context, id string) (*delivery.Delivery, error) {
	d, err := scanDelivery(s.db.QueryRow(ctx,
		`SELECT `+deliveryColumns+` FROM hookrelay.deliveries WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr("get delivery", "delivery", id, err)
	}
	return d, nil
}

// ListDeliveries returns up to limit deliveries of a subscription, newest
// first. A non-positive limit returns all of them.
func (s *Store) ListDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*delivery.Delivery, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}
	rows, err := s.db.Query(ctx, `
		SELECT `+deliveryColumns+`
		FROM hookrelay.deliveries
		WHERE subscription_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, subscriptionID, lim)
	if err != nil {
		return nil, wrap("list deliveries", err)
	}
	return collectDeliveries(rows)
}

// claimSQL leases eligible deliveries of active subscriptions. SKIP LOCKED
// lets concurrent sweepers pass over rows another transaction is claiming.
const claimSQL = `
	WITH claimed AS (
		UPDATE hookrelay.deliveries
		SET claimed_until = $4
		WHERE id IN (
			SELECT d.id
			FROM hookrelay.deliveries d
			JOIN hookrelay.subscriptions s ON s.id = d.subscription_id
			WHERE s.active
			  AND d.delivered_at IS NULL
			  AND d.attempt_count < $2
			  AND (d.failed_at IS NULL OR d.next_retry_at <= $1)
			  AND (d.claimed_until IS NULL OR d.claimed_until <= $1)
			ORDER BY d.created_at, d.id
			LIMIT $3
			FOR UPDATE OF d SKIP LOCKED
		)
		RETURNING ` + deliveryColumns + `
	)
	SELECT ` + deliveryColumns + ` FROM claimed ORDER BY created_at, id`

func (s *Store) ClaimRetryBatch(ctx context.Context, q delivery.RetryQuery) ([]*delivery.Delivery, error) {
	rows, err := s.db.Query(ctx, claimSQL, q.Now, q.MaxAttempts, q.Limit, q.ClaimUntil)
	if err != nil {
		return nil, wrap("claim retry batch", err)
	}
	return collectDeliveries(rows)
}

// UpdateDelivery writes the attempt state of d. Payload, identity and
// creation time are never rewritten.
func (s *Store) UpdateDelivery(ctx context.Context, d *delivery.Delivery) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE hookrelay.deliveries SET
			attempt_count      = $2,
			delivered_at       = $3,
			failed_at          = $4,
			next_retry_at      = $5,
			claimed_until      = $6,
			last_status_code   = $7,
			last_response_body = $8,
			updated_at         = $9
		WHERE id = $1`,
		d.ID, d.AttemptCount, d.DeliveredAt, d.FailedAt, d.NextRetryAt, d.ClaimedUntil,
		d.LastStatusCode, d.LastResponseBody, d.UpdatedAt,
	)
	if err != nil {
		return wrap("update delivery", err)
	}
	if tag.RowsAffected() == 0 {
		return delivery.NotFound("delivery", d.ID)
	}
	return nil
}

func (s *Store) CountFailing(ctx context.Context, subscriptionID string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM hookrelay.deliveries
		WHERE subscription_id = $1 AND failed_at IS NOT NULL AND delivered_at IS NULL`,
		subscriptionID,
	).Scan(&n)
	if err != nil {
		return 0, wrap("count failing deliveries", err)
	}
	return n, nil
}
