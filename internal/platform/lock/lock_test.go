package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLocker(rdb, "hold:"), mr
}

func TestRedisLocker_AcquireRelease(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLocker(t)

	tok, err := l.Acquire(ctx, "r1", time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !mr.Exists("hold:r1") {
		t.Fatal("expected key to be set with prefix")
	}
	if _, err := l.Acquire(ctx, "r1", time.Second); !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if err := l.Release(ctx, tok); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := l.Acquire(ctx, "r1", time.Second); err != nil {
		t.Errorf("expected reacquire after release, got %v", err)
	}
}

func TestRedisLocker_ReleaseIgnoresForeignOwner(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLocker(t)

	if _, err := l.Acquire(ctx, "r1", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := l.Release(ctx, Token{Key: "hold:r1", Owner: "someone-else"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if !mr.Exists("hold:r1") {
		t.Error("expected hold to survive a release by another owner")
	}
}

func TestRedisLocker_Expires(t *testing.T) {
	ctx := context.Background()
	l, mr := newRedisLocker(t)

	if _, err := l.Acquire(ctx, "r1", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := l.Acquire(ctx, "r1", time.Second); err != nil {
		t.Errorf("expected expired hold to be reacquirable, got %v", err)
	}
}

func TestAcquireWait_TimesOut(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if _, err := m.Acquire(ctx, "k", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	start := time.Now()
	_, err := AcquireWait(ctx, m, "k", time.Minute, 30*time.Millisecond)
	if !errors.Is(err, ErrHeld) {
		t.Fatalf("expected ErrHeld, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("expected bounded wait")
	}
}

func TestAcquireWait_GetsReleasedHold(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	tok, _ := m.Acquire(ctx, "k", time.Minute)
	go func() {
		time.Sleep(15 * time.Millisecond)
		_ = m.Release(ctx, tok)
	}()
	if _, err := AcquireWait(ctx, m, "k", time.Minute, time.Second); err != nil {
		t.Errorf("expected to acquire after release, got %v", err)
	}
}

func TestMemory_Expiry(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	now := time.Now()
	m.clock = func() time.Time { return now }
	if _, err := m.Acquire(ctx, "k", time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	now = now.Add(2 * time.Second)
	if _, err := m.Acquire(ctx, "k", time.Second); err != nil {
		t.Errorf("expected expired hold to be reacquirable, got %v", err)
	}
}
