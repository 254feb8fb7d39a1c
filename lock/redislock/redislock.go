// Package redislock implements lock.Locker on Redis so engines in several
// processes serialize writes to the same tenant pool.
package redislock

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xraph/minutes/lock"
)

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker takes leases with SET NX PX and polls until acquired.
type Locker struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	retry     time.Duration
}

// Option configures a Locker.
type Option func(*Locker)

// WithKeyPrefix namespaces lock keys.
func WithKeyPrefix(prefix string) Option {
	return func(l *Locker) { l.keyPrefix = prefix }
}

// WithTTL bounds how long a lease survives a crashed holder.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) { l.ttl = ttl }
}

// WithRetryInterval sets the polling interval while a key is held.
func WithRetryInterval(d time.Duration) Option {
	return func(l *Locker) { l.retry = d }
}

// New creates a Locker on an existing client.
func New(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client:    client,
		keyPrefix: "lock:",
		ttl:       10 * time.Second,
		retry:     25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire blocks until the key is set or ctx is done.
func (l *Locker) Acquire(ctx context.Context, key string) (lock.Lease, error) {
	k := l.keyPrefix + key
	token := rand.Text()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, k, token, l.ttl).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("redislock: acquire %s: %w", k, err)
		}
		if ok {
			return &lease{client: l.client, key: k, token: token}, nil
		}

		select {
		case <-ctx.Done():
			return nil, errors.Join(lock.ErrNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Ping checks connectivity.
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

type lease struct {
	client redis.UniversalClient
	key    string
	token  string
}

// Release deletes the key if this lease still owns it. A lease that expired
// and was taken by another holder is left alone.
func (le *lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, le.client, []string{le.key}, le.token).Int(); err != nil {
		return fmt.Errorf("redislock: release %s: %w", le.key, err)
	}
	return nil
}

var _ lock.Locker = (*Locker)(nil)
