package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Journal amounts are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_records (
		key        TEXT PRIMARY KEY,
		value      BYTEA NOT NULL,
		expires_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_events (
		seq          BIGSERIAL PRIMARY KEY,
		id           UUID NOT NULL UNIQUE,
		kind         TEXT NOT NULL,
		pool         TEXT NOT NULL DEFAULT '',
		account      TEXT NOT NULL,
		counterparty TEXT NOT NULL DEFAULT '',
		amount       NUMERIC NOT NULL,
		timestamp    TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_events_account_idx ON ledger_events (account)`,
	`CREATE INDEX IF NOT EXISTS ledger_events_counterparty_idx ON ledger_events (counterparty)`,
	`CREATE INDEX IF NOT EXISTS ledger_events_pool_idx ON ledger_events (pool)`,
}

// Migrate creates the tables the store needs. Safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, key string) (*Record, error) {
	r := Record{Key: key}
	err := s.pool.QueryRow(ctx,
		`SELECT value, expires_at FROM ledger_records WHERE key = $1`, key).
		Scan(&r.Value, &r.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", key, err)
	}
	return &r, nil
}

func (s *PostgresStore) Commit(ctx context.Context, batch *Batch) error {
	if batch.Empty() {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, r := range batch.Puts {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_records (key, value, expires_at) VALUES ($1, $2, $3)
			 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
			r.Key, r.Value, r.ExpiresAt,
		); err != nil {
			return fmt.Errorf("put %s: %w", r.Key, err)
		}
	}

	for _, key := range batch.Deletes {
		if _, err := tx.Exec(ctx, `DELETE FROM ledger_records WHERE key = $1`, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}

	for _, e := range batch.Events {
		if _, err := tx.Exec(ctx,
			`INSERT INTO ledger_events (id, kind, pool, account, counterparty, amount, timestamp)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
			e.ID, e.Kind, string(e.Pool), string(e.Account), string(e.Counterparty),
			e.Amount.String(), e.Timestamp,
		); err != nil {
			return fmt.Errorf("insert event %s: %w", e.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) EventsByAccount(ctx context.Context, account model.Address) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, kind, pool, account, counterparty, amount::TEXT, timestamp
		 FROM ledger_events WHERE account = $1 OR counterparty = $1 ORDER BY seq`, string(account))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

func (s *PostgresStore) EventsByPool(ctx context.Context, pool model.Address) ([]model.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, kind, pool, account, counterparty, amount::TEXT, timestamp
		 FROM ledger_events WHERE pool = $1 ORDER BY seq`, string(pool))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// scanEvents reads pgx rows into Event slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanEvents(rows pgxRows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		var pool, account, counterparty, amountS string

		if err := rows.Scan(&e.ID, &e.Kind, &pool, &account, &counterparty,
			&amountS, &e.Timestamp); err != nil {
			return nil, err
		}

		e.Pool = model.Address(pool)
		e.Account = model.Address(account)
		e.Counterparty = model.Address(counterparty)
		amount, err := decimal.NewFromString(amountS)
		if err != nil {
			return nil, fmt.Errorf("event %s amount: %w", e.ID, err)
		}
		e.Amount = amount

		events = append(events, e)
	}
	return events, rows.Err()
}
