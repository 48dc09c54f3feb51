// Package store defines the persistence interface for the lending engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), LevelDB (embedded single-node) and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/lending-engine/internal/model"
)

// ErrNotFound is returned by GetRecord when no record exists under a key.
var ErrNotFound = errors.New("store: record not found")

// Record is one keyed ledger entry. ExpiresAt is a unix timestamp in
// seconds; zero means the record never lapses.
type Record struct {
	Key       string `json:"key"`
	Value     []byte `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

// Batch is the write set of one ledger transaction.
type Batch struct {
	Puts    []Record
	Deletes []string
	Events  []model.Event
}

// Empty reports whether the batch carries no changes.
func (b *Batch) Empty() bool {
	return len(b.Puts) == 0 && len(b.Deletes) == 0 && len(b.Events) == 0
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// GetRecord returns the record stored under key, or ErrNotFound.
	GetRecord(ctx context.Context, key string) (*Record, error)

	// Commit applies every put, delete and event of a batch atomically.
	Commit(ctx context.Context, batch *Batch) error

	// --- Immutable journal ---

	// EventsByAccount returns the events whose account or counterparty is
	// the given address, oldest first.
	EventsByAccount(ctx context.Context, account model.Address) ([]model.Event, error)

	// EventsByPool returns the events recorded against a pool, oldest first.
	EventsByPool(ctx context.Context, pool model.Address) ([]model.Event, error)
}
