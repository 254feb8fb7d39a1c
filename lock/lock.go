// Package lock provides per-tenant advisory locks that serialize writers of
// one tenant's admin pool.
package lock

import (
	"context"
	"errors"
	"sync"
)

// ErrNotAcquired is returned when a lock could not be taken before the
// context ended or the backend gave up.
var ErrNotAcquired = errors.New("lock: not acquired")

// Locker hands out exclusive leases on string keys.
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// Local is an in-process keyed lock. Idle keys are freed.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an empty in-process locker.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Acquire blocks until key is free or ctx is done.
func (l *Local) Acquire(ctx context.Context, key string) (Lease, error) {
	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return &localLease{l: l, key: key, s: s}, nil
	case <-ctx.Done():
		l.unref(key, s)
		return nil, errors.Join(ErrNotAcquired, ctx.Err())
	}
}

func (l *Local) unref(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

type localLease struct {
	l    *Local
	key  string
	s    *slot
	once sync.Once
}

func (ll *localLease) Release(context.Context) error {
	ll.once.Do(func() {
		<-ll.s.ch
		ll.l.unref(ll.key, ll.s)
	})
	return nil
}

// TenantKey is the lock key guarding tenant's pool.
func TenantKey(tenant string) string {
	return "minutes:pool:" + tenant
}

var _ Locker = (*Local)(nil)
