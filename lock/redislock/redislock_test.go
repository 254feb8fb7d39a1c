package redislock

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/minutes/lock"
)

// Requires a live server; set MINUTES_REDIS_ADDR (e.g. localhost:6379).
func newTestLocker(t *testing.T) *Locker {
	t.Helper()
	addr := os.Getenv("MINUTES_REDIS_ADDR")
	if addr == "" {
		t.Skip("MINUTES_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	l := New(client, WithKeyPrefix("minutes-test:"+t.Name()+":"), WithTTL(time.Second))
	if err := l.Ping(context.Background()); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return l
}

func TestAcquireRelease(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()

	first, err := l.Acquire(ctx, "acme")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(tctx, "acme"); !errors.Is(err, lock.ErrNotAcquired) {
		t.Errorf("expected ErrNotAcquired while held, got %v", err)
	}

	if err := first.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}
	second, err := l.Acquire(ctx, "acme")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	_ = second.Release(ctx)
}

func TestExpiredLeaseNotReleasedByStaleHolder(t *testing.T) {
	l := newTestLocker(t)
	l.ttl = 50 * time.Millisecond
	ctx := context.Background()

	stale, err := l.Acquire(ctx, "acme")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	l.ttl = time.Second
	current, err := l.Acquire(ctx, "acme")
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	_ = stale.Release(ctx)

	tctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(tctx, "acme"); !errors.Is(err, lock.ErrNotAcquired) {
		t.Errorf("stale release must not free the current lease, got %v", err)
	}
	_ = current.Release(ctx)
}
