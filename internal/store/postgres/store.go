// Package postgres implements delivery.Store on PostgreSQL with pgx/v5.
// Retry batches are claimed with FOR UPDATE SKIP LOCKED so concurrent
// sweepers never lease the same record.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/hookrelay/internal/delivery"
	"github.com/austindbirch/hookrelay/internal/logging"
)

var _ delivery.Store = (*Store)(nil)

// Querier is the subset of *pgxpool.Pool used by Store. Transactions
// (pgx.Tx) satisfy it too.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is a PostgreSQL delivery.Store. The schema is created by db.Migrate.
type Store struct {
	db     Querier
	pool   *pgxpool.Pool
	logger *logging.Logger
}

// New returns a Store backed by pool.
func New(pool *pgxpool.Pool, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{db: pool, pool: pool, logger: logger}
}

// NewWithQuerier returns a Store issuing statements through q, for example a
// transaction. Ping and Close are no-ops on such a store.
func NewWithQuerier(q Querier, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Store{db: q, logger: logger}
}

// Pool returns the underlying pool, or nil for a querier-backed store.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

// Close closes the pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
