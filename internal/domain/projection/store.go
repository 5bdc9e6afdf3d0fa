package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// UpdateFunc computes the new entry from the current one. Returning a nil
// entry leaves the stored value untouched.
type UpdateFunc func(cur *Entry, found bool) (*Entry, error)

// Store persists entries. Update is an atomic read-modify-write.
type Store interface {
	Get(ctx context.Context, k Key) (*Entry, bool, error)
	Update(ctx context.Context, k Key, fn UpdateFunc) error
	Delete(ctx context.Context, k Key) error
}

const maxWatchRetries = 8

var ErrContention = errors.New("projection: too much contention on entry")

// RedisStore keeps each entry as a JSON string and updates it with
// WATCH/MULTI so concurrent consumers never lose each other's writes.
type RedisStore struct {
	rdb       redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewRedisStore stores entries under prefix. Keys expire after retention
// regardless of ValidUntil so abandoned days do not accumulate.
func NewRedisStore(rdb redis.UniversalClient, prefix string, retention time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: prefix, retention: retention}
}

func (s *RedisStore) key(k Key) string { return s.prefix + k.String() }

func (s *RedisStore) Get(ctx context.Context, k Key) (*Entry, bool, error) {
	raw, err := s.rdb.Get(ctx, s.key(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", k, err)
	}
	e, err := decodeEntry(raw)
	if err != nil {
		return nil, false, fmt.Errorf("decode %s: %w", k, err)
	}
	return e, true, nil
}

func (s *RedisStore) Update(ctx context.Context, k Key, fn UpdateFunc) error {
	key := s.key(k)
	txf := func(tx *redis.Tx) error {
		var cur *Entry
		found := false
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if cur, err = decodeEntry(raw); err != nil {
				// unreadable entries are rebuilt like missing ones
				cur = nil
			} else {
				found = true
			}
		}
		next, err := fn(cur, found)
		if err != nil || next == nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.retention)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("update %s: %w", k, ErrContention)
}

func (s *RedisStore) Delete(ctx context.Context, k Key) error {
	return s.rdb.Del(ctx, s.key(k)).Err()
}

func decodeEntry(raw []byte) (*Entry, error) {
	e := newEntry()
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, err
	}
	if e.Items == nil {
		e.Items = newEntry().Items
	}
	return e, nil
}

// MemoryStore is an in-process Store. Entries are copied in and out so
// callers never share maps with it.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Key]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[Key]*Entry)}
}

func (s *MemoryStore) Get(_ context.Context, k Key) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return nil, false, nil
	}
	return e.clone(), true, nil
}

func (s *MemoryStore) Update(_ context.Context, k Key, fn UpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.entries[k]
	if ok {
		cur = cur.clone()
	}
	next, err := fn(cur, ok)
	if err != nil || next == nil {
		return err
	}
	s.entries[k] = next.clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, k Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, k)
	return nil
}
