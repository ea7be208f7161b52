package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/hookrelay/internal/delivery"
)

const subscriptionColumns = `id, tenant_id, url, events, secret, active, created_at, updated_at`

func scanSubscription(row pgx.Row) (*delivery.Subscription, error) {
	var sub delivery.Subscription
	err := row.Scan(
		&sub.ID, &sub.TenantID, &sub.URL, &sub.Events, &sub.Secret,
		&sub.Active, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func collectSubscriptions(rows pgx.Rows) ([]*delivery.Subscription, error) {
	defer rows.Close()
	out := make([]*delivery.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, wrap("scan subscription row", err)
		}
		out = append(out, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("iterate subscription rows", err)
	}
	return out, nil
}

func (s *Store) CreateSubscription(ctx context.Context, sub *delivery.Subscription) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO hookrelay.subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sub.ID, sub.TenantID, sub.URL, nonNilEvents(sub.Events), sub.Secret,
		sub.Active, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return fmt.Errorf("postgres: subscription %s already exists: %w", sub.ID, err)
		}
		return wrap("create subscription", err)
	}
	return nil
}

func (s *Store) GetSubscription(ctx context.Context, id string) (*delivery.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM hookrelay.subscriptions WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundOr("get subscription", "subscription", id, err)
	}
	return sub, nil
}

func (s *Store) ListSubscriptions(ctx context.Context, tenantID string) ([]*delivery.Subscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM hookrelay.subscriptions
		WHERE tenant_id = $1
		ORDER BY created_at, id`, tenantID)
	if err != nil {
		return nil, wrap("list subscriptions", err)
	}
	return collectSubscriptions(rows)
}

func (s *Store) FindActiveByTenantAndEvent(ctx context.Context, tenantID, eventType string) ([]*delivery.Subscription, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+subscriptionColumns+`
		FROM hookrelay.subscriptions
		WHERE tenant_id = $1 AND active AND events @> ARRAY[$2::text]
		ORDER BY created_at, id`, tenantID, eventType)
	if err != nil {
		return nil, wrap("find active subscriptions", err)
	}
	return collectSubscriptions(rows)
}

// UpdateSubscription applies the non-nil fields of patch in one statement.
// pgx encodes nil pointers and a nil Events slice as NULL, which COALESCE
// turns into "keep the current value".
func (s *Store) UpdateSubscription(ctx context.Context, id string, patch delivery.SubscriptionPatch) (*delivery.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRow(ctx, `
		UPDATE hookrelay.subscriptions SET
			url        = COALESCE($2::text, url),
			events     = COALESCE($3::text[], events),
			active     = COALESCE($4::boolean, active),
			secret     = COALESCE($5::text, secret),
			updated_at = now()
		WHERE id = $1
		RETURNING `+subscriptionColumns,
		id, patch.URL, patch.Events, patch.Active, patch.Secret,
	))
	if err != nil {
		return nil, notFoundOr("update subscription", "subscription", id, err)
	}
	return sub, nil
}

// DeleteSubscription removes the subscription; its deliveries go with it
// through ON DELETE CASCADE.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM hookrelay.subscriptions WHERE id = $1`, id)
	if err != nil {
		return wrap("delete subscription", err)
	}
	if tag.RowsAffected() == 0 {
		return delivery.NotFound("subscription", id)
	}
	return nil
}
