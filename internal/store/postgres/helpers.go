package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/austindbirch/hookrelay/internal/delivery"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
)

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isDuplicateKey(err error) bool { return pgCode(err) == codeUniqueViolation }

func isForeignKey(err error) bool { return pgCode(err) == codeForeignKeyViolation }

// wrap prefixes err with the failing operation.
func wrap(op string, err error) error {
	return fmt.Errorf("postgres: %s: %w", op, err)
}

// notFoundOr maps pgx.ErrNoRows to a delivery.NotFound error and wraps
// anything else.
func notFoundOr(op, resource, id string, err error) error {
	if isNoRows(err) {
		return delivery.NotFound(resource, id)
	}
	return wrap(op, err)
}

// nonNilEvents keeps the NOT NULL events column satisfied.
func nonNilEvents(events []string) []string {
	if events == nil {
		return []string{}
	}
	return events
}
