// Package ledger provides the host transaction every pool, loan and token
// operation runs in. A transaction reads committed records from a store,
// buffers its own writes and journal events, and commits them as one batch
// only when the operation succeeds. Transactions are strictly serialized.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/store"
)

// Clock supplies the transaction timestamp.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ManualClock is a settable clock for tests and simulations.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock fixed at t.
func NewManualClock(t time.Time) *ManualClock {
	return &ManualClock{now: t}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the clock to t. Moving backwards is allowed.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Ledger serializes transactions against a store.
type Ledger struct {
	mu     sync.Mutex
	store  store.Store
	clock  Clock
	ttl    time.Duration
	logger *slog.Logger
	hooks  []func([]model.Event)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRecordTTL gives records a lifetime. It is refreshed whenever a
// committed transaction writes or reads the record. Zero, the default,
// means records never lapse.
func WithRecordTTL(ttl time.Duration) Option {
	return func(l *Ledger) { l.ttl = ttl }
}

// WithLogger sets the logger used for commit failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// New creates a ledger over st.
func New(st store.Store, clock Clock, opts ...Option) *Ledger {
	l := &Ledger{
		store:  st,
		clock:  clock,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Store returns the underlying store.
func (l *Ledger) Store() store.Store {
	return l.store
}

// OnCommit registers fn to receive the events of every committed
// transaction. Hooks run synchronously after the commit and must not block.
func (l *Ledger) OnCommit(fn func([]model.Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hooks = append(l.hooks, fn)
}

// Atomic runs fn inside one transaction signed by signers. If fn returns
// an error every write and event it produced is discarded.
func (l *Ledger) Atomic(ctx context.Context, signers []model.Address, fn func(tx *Tx) error) error {
	events, hooks, err := l.run(ctx, signers, fn)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		for _, hook := range hooks {
			hook(events)
		}
	}
	return nil
}

func (l *Ledger) run(ctx context.Context, signers []model.Address, fn func(tx *Tx) error) ([]model.Event, []func([]model.Event), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := l.begin(ctx, signers, true)
	if err := fn(tx); err != nil {
		return nil, nil, err
	}

	batch := tx.batch()
	if err := l.store.Commit(ctx, batch); err != nil {
		l.logger.Error("ledger commit failed", "err", err, "writes", len(batch.Puts), "events", len(batch.Events))
		return nil, nil, fmt.Errorf("commit: %w", err)
	}
	return batch.Events, append([]func([]model.Event){}, l.hooks...), nil
}

// View runs fn in a transaction whose writes are always discarded.
func (l *Ledger) View(ctx context.Context, fn func(tx *Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return fn(l.begin(ctx, nil, false))
}

func (l *Ledger) begin(ctx context.Context, signers []model.Address, writable bool) *Tx {
	tx := &Tx{
		ctx:      ctx,
		store:    l.store,
		now:      l.clock.Now(),
		ttl:      l.ttl,
		writable: writable,
		signers:  make(map[model.Address]bool, len(signers)),
		writes:   make(map[string]*pendingWrite),
	}
	for _, s := range signers {
		tx.signers[s] = true
	}
	return tx
}

type pendingWrite struct {
	value   []byte
	deleted bool
}

// Tx is one atomic host transaction.
type Tx struct {
	ctx      context.Context
	store    store.Store
	now      time.Time
	ttl      time.Duration
	writable bool
	signers  map[model.Address]bool
	writes   map[string]*pendingWrite
	order    []string
	events   []model.Event
}

// Context returns the context the transaction was started with.
func (tx *Tx) Context() context.Context { return tx.ctx }

// Now returns the transaction timestamp. It is fixed for the whole
// transaction.
func (tx *Tx) Now() time.Time { return tx.now }

// Timestamp returns Now as unix seconds, clamped at zero.
func (tx *Tx) Timestamp() uint64 {
	if s := tx.now.Unix(); s > 0 {
		return uint64(s)
	}
	return 0
}

// Signed reports whether addr signed the transaction.
func (tx *Tx) Signed(addr model.Address) bool {
	return tx.signers[addr]
}

// Get decodes the record under key into dst. It reports false when the
// record is absent or its lifetime has lapsed. In a writing transaction a
// live record read from the store is rewritten on commit, which refreshes
// its lifetime.
func (tx *Tx) Get(key Key, dst any) (bool, error) {
	k := key.storageKey()
	if w, ok := tx.writes[k]; ok {
		if w.deleted {
			return false, nil
		}
		return true, json.Unmarshal(w.value, dst)
	}

	r, err := tx.store.GetRecord(tx.ctx, k)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", k, err)
	}
	if r.ExpiresAt > 0 && r.ExpiresAt <= tx.now.Unix() {
		return false, nil
	}
	if err := json.Unmarshal(r.Value, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", k, err)
	}
	if tx.writable && tx.ttl > 0 {
		tx.track(k)
		tx.writes[k] = &pendingWrite{value: r.Value}
	}
	return true, nil
}

// Put buffers a write of v under key. Every write refreshes the record's
// lifetime.
func (tx *Tx) Put(key Key, v any) error {
	k := key.storageKey()
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", k, err)
	}
	tx.track(k)
	tx.writes[k] = &pendingWrite{value: raw}
	return nil
}

// Delete buffers the removal of key.
func (tx *Tx) Delete(key Key) {
	k := key.storageKey()
	tx.track(k)
	tx.writes[k] = &pendingWrite{deleted: true}
}

func (tx *Tx) track(k string) {
	if _, ok := tx.writes[k]; !ok {
		tx.order = append(tx.order, k)
	}
}

// Emit appends a journal event to the transaction.
func (tx *Tx) Emit(kind string, pool, account, counterparty model.Address, amount decimal.Decimal) {
	tx.events = append(tx.events, model.Event{
		ID:           uuid.New().String(),
		Kind:         kind,
		Pool:         pool,
		Account:      account,
		Counterparty: counterparty,
		Amount:       amount,
		Timestamp:    tx.now,
	})
}

// Events returns the events emitted so far.
func (tx *Tx) Events() []model.Event {
	return tx.events
}

func (tx *Tx) batch() *store.Batch {
	b := &store.Batch{Events: tx.events}
	var expires int64
	if tx.ttl > 0 {
		expires = tx.now.Add(tx.ttl).Unix()
	}
	for _, k := range tx.order {
		w := tx.writes[k]
		if w.deleted {
			b.Deletes = append(b.Deletes, k)
			continue
		}
		b.Puts = append(b.Puts, store.Record{Key: k, Value: w.value, ExpiresAt: expires})
	}
	return b
}
