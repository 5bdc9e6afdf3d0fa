// Package lock provides short-lived advisory holds that keep concurrent
// booking attempts for the same resource and time bucket from racing into
// the database together. Holds are an optimization: correctness rests on the
// transactional commit, so an unavailable lock service never blocks writes.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrHeld = errors.New("lock: held by another owner")

// Token identifies one acquired hold.
type Token struct {
	Key   string
	Owner string
}

type Locker interface {
	// Acquire takes key for ttl, or returns ErrHeld when another owner has it.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error)
	// Release frees the hold if it is still owned by tok.
	Release(ctx context.Context, tok Token) error
}

// AcquireWait retries Acquire until wait elapses. On timeout it returns
// ErrHeld so callers can fall through to the commit path.
func AcquireWait(ctx context.Context, l Locker, key string, ttl, wait time.Duration) (Token, error) {
	deadline := time.Now().Add(wait)
	delay := 10 * time.Millisecond
	for {
		tok, err := l.Acquire(ctx, key, ttl)
		if !errors.Is(err, ErrHeld) {
			return tok, err
		}
		if time.Now().Add(delay).After(deadline) {
			return Token{}, ErrHeld
		}
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return Token{}, ctx.Err()
		case <-t.C:
		}
		if delay < 80*time.Millisecond {
			delay *= 2
		}
	}
}

func newOwner() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// releaseScript deletes the key only when it still carries our owner value.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type RedisLocker struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisLocker(rdb redis.UniversalClient, prefix string) *RedisLocker {
	return &RedisLocker{rdb: rdb, prefix: prefix}
}

func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Token, error) {
	tok := Token{Key: l.prefix + key, Owner: newOwner()}
	ok, err := l.rdb.SetNX(ctx, tok.Key, tok.Owner, ttl).Result()
	if err != nil {
		return Token{}, err
	}
	if !ok {
		return Token{}, ErrHeld
	}
	return tok, nil
}

func (l *RedisLocker) Release(ctx context.Context, tok Token) error {
	if tok.Key == "" {
		return nil
	}
	return releaseScript.Run(ctx, l.rdb, []string{tok.Key}, tok.Owner).Err()
}

// Memory is an in-process Locker for single-node runs and tests.
type Memory struct {
	mu    sync.Mutex
	held  map[string]memHold
	clock func() time.Time
}

type memHold struct {
	owner   string
	expires time.Time
}

func NewMemory() *Memory {
	return &Memory{held: make(map[string]memHold), clock: time.Now}
}

func (m *Memory) Acquire(_ context.Context, key string, ttl time.Duration) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	if h, ok := m.held[key]; ok && now.Before(h.expires) {
		return Token{}, ErrHeld
	}
	tok := Token{Key: key, Owner: newOwner()}
	m.held[key] = memHold{owner: tok.Owner, expires: now.Add(ttl)}
	return tok, nil
}

func (m *Memory) Release(_ context.Context, tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.held[tok.Key]; ok && h.owner == tok.Owner {
		delete(m.held, tok.Key)
	}
	return nil
}
