package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/lending-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Commits go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// A cache key whose invalidation failed is stale: reads of it go to the
// primary until a later commit deletes it from Redis.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration

	mu    sync.Mutex
	stale map[string]struct{}
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		stale:   make(map[string]struct{}),
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Commit(ctx context.Context, batch *Batch) error {
	if err := s.primary.Commit(ctx, batch); err != nil {
		return err
	}

	keys := make([]string, 0, len(batch.Puts)+len(batch.Deletes)+2*len(batch.Events))
	for _, r := range batch.Puts {
		keys = append(keys, recordKey(r.Key))
	}
	for _, k := range batch.Deletes {
		keys = append(keys, recordKey(k))
	}
	for _, e := range batch.Events {
		keys = append(keys, accountEventsKey(e.Account))
		if e.Counterparty != "" {
			keys = append(keys, accountEventsKey(e.Counterparty))
		}
	}
	s.invalidate(ctx, keys)
	return nil
}

// invalidate deletes keys and every stale key from Redis. On failure they
// all stay stale; the commit itself already succeeded.
func (s *CachedStore) invalidate(ctx context.Context, keys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.stale {
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		slog.Warn("cache invalidation failed, reading affected keys from primary", "keys", len(keys), "err", err)
		for _, k := range keys {
			s.stale[k] = struct{}{}
		}
		return
	}
	clear(s.stale)
}

func (s *CachedStore) isStale(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.stale[key]
	return ok
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetRecord(ctx context.Context, key string) (*Record, error) {
	if s.isStale(recordKey(key)) {
		return s.primary.GetRecord(ctx, key)
	}
	data, err := s.rdb.Get(ctx, recordKey(key)).Bytes()
	if err == nil {
		var r Record
		if json.Unmarshal(data, &r) == nil {
			return &r, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		// Redis unavailable: serve from the primary without caching.
		return s.primary.GetRecord(ctx, key)
	}

	// Cache miss: read from primary.
	r, err := s.primary.GetRecord(ctx, key)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(r); err == nil {
		s.rdb.Set(ctx, recordKey(key), data, s.ttl)
	}
	return r, nil
}

func (s *CachedStore) EventsByAccount(ctx context.Context, account model.Address) ([]model.Event, error) {
	if s.isStale(accountEventsKey(account)) {
		return s.primary.EventsByAccount(ctx, account)
	}
	data, err := s.rdb.Get(ctx, accountEventsKey(account)).Bytes()
	if err == nil {
		var events []model.Event
		if json.Unmarshal(data, &events) == nil {
			return events, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		// Redis unavailable: serve from the primary without caching.
		return s.primary.EventsByAccount(ctx, account)
	}

	events, err := s.primary.EventsByAccount(ctx, account)
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(events); err == nil {
		s.rdb.Set(ctx, accountEventsKey(account), data, s.ttl)
	}
	return events, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) EventsByPool(ctx context.Context, pool model.Address) ([]model.Event, error) {
	return s.primary.EventsByPool(ctx, pool)
}

// --- Cache helpers ---

func recordKey(key string) string             { return fmt.Sprintf("record:%s", key) }
func accountEventsKey(a model.Address) string { return fmt.Sprintf("events:%s", a) }
