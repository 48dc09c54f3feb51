package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/atmx/lending-engine/internal/model"
)

// LevelStore implements Store on an embedded LevelDB database, for
// single-node deployments without PostgreSQL. Each Commit is one
// leveldb.Batch, so a transaction lands entirely or not at all.
//
// Layout:
//
//	r/{key}                    JSON Record
//	ea/{account}/{seq}         JSON Event (account and counterparty index)
//	ep/{pool}/{seq}            JSON Event (pool index)
//	m/seq                      last event sequence number
type LevelStore struct {
	db  *leveldb.DB
	mu  sync.Mutex
	seq uint64
}

var seqKey = []byte("m/seq")

// OpenLevelStore opens or creates a LevelDB database at path.
func OpenLevelStore(path string) (*LevelStore, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}

	s := &LevelStore{db: db}
	raw, err := db.Get(seqKey, nil)
	switch {
	case errors.Is(err, leveldb.ErrNotFound):
	case err != nil:
		db.Close()
		return nil, fmt.Errorf("read sequence: %w", err)
	case len(raw) == 8:
		s.seq = binary.BigEndian.Uint64(raw)
	}
	return s, nil
}

// Close releases the database.
func (s *LevelStore) Close() error {
	return s.db.Close()
}

func (s *LevelStore) GetRecord(_ context.Context, key string) (*Record, error) {
	raw, err := s.db.Get(levelRecordKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", key, err)
	}

	var r Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return &r, nil
}

func (s *LevelStore) Commit(_ context.Context, batch *Batch) error {
	if batch.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := new(leveldb.Batch)
	for _, r := range batch.Puts {
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", r.Key, err)
		}
		b.Put(levelRecordKey(r.Key), raw)
	}
	for _, key := range batch.Deletes {
		b.Delete(levelRecordKey(key))
	}

	seq := s.seq
	for _, e := range batch.Events {
		seq++
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		b.Put(levelEventKey("ea", e.Account, seq), raw)
		if e.Counterparty != "" && e.Counterparty != e.Account {
			b.Put(levelEventKey("ea", e.Counterparty, seq), raw)
		}
		if e.Pool != "" {
			b.Put(levelEventKey("ep", e.Pool, seq), raw)
		}
	}
	if seq != s.seq {
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], seq)
		b.Put(seqKey, buf[:])
	}

	if err := s.db.Write(b, nil); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	s.seq = seq
	return nil
}

func (s *LevelStore) EventsByAccount(_ context.Context, account model.Address) ([]model.Event, error) {
	return s.scanEvents(levelEventPrefix("ea", account))
}

func (s *LevelStore) EventsByPool(_ context.Context, pool model.Address) ([]model.Event, error) {
	return s.scanEvents(levelEventPrefix("ep", pool))
}

func (s *LevelStore) scanEvents(prefix []byte) ([]model.Event, error) {
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()

	var events []model.Event
	for iter.Next() {
		var e model.Event
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		events = append(events, e)
	}
	return events, iter.Error()
}

func levelRecordKey(key string) []byte {
	return []byte("r/" + key)
}

func levelEventPrefix(index string, addr model.Address) []byte {
	return []byte(index + "/" + string(addr) + "/")
}

// levelEventKey appends a big-endian sequence so iteration order is
// commit order.
func levelEventKey(index string, addr model.Address, seq uint64) []byte {
	key := levelEventPrefix(index, addr)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return append(key, buf[:]...)
}
