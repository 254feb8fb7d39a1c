package minutes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xraph/minutes/lock"
)

// lanes runs work for one key at a time on a dedicated goroutine. A lane
// starts on first use and exits after sitting idle with nothing queued.
type lanes struct {
	mu     sync.Mutex
	active map[string]*lane
	idle   time.Duration
	closed bool
	wg     sync.WaitGroup
}

type lane struct {
	jobs    chan laneJob
	quit    chan struct{}
	pending int // guarded by lanes.mu
}

type laneJob struct {
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

func newLanes(idle time.Duration) *lanes {
	if idle <= 0 {
		idle = 30 * time.Second
	}
	return &lanes{active: make(map[string]*lane), idle: idle}
}

// do runs fn on key's lane and waits for it. Once fn starts it runs to
// completion even if ctx is canceled; ctx only bounds the wait to start.
func (ls *lanes) do(ctx context.Context, key string, fn func(context.Context) error) error {
	ls.mu.Lock()
	if ls.closed {
		ls.mu.Unlock()
		return ErrEngineStopped
	}
	l, ok := ls.active[key]
	if !ok {
		l = &lane{jobs: make(chan laneJob), quit: make(chan struct{})}
		ls.active[key] = l
		ls.wg.Add(1)
		go ls.run(key, l)
	}
	l.pending++
	ls.mu.Unlock()

	job := laneJob{ctx: context.WithoutCancel(ctx), fn: fn, done: make(chan error, 1)}
	select {
	case l.jobs <- job:
	case <-ctx.Done():
		ls.mu.Lock()
		l.pending--
		ls.mu.Unlock()
		return ctx.Err()
	}
	return <-job.done
}

func (ls *lanes) run(key string, l *lane) {
	defer ls.wg.Done()

	timer := time.NewTimer(ls.idle)
	defer timer.Stop()

	draining := false
	for {
		if draining {
			if ls.retire(key, l) {
				return
			}
			// A waiter may withdraw before handing its job over.
			select {
			case job := <-l.jobs:
				ls.exec(l, job)
			case <-time.After(10 * time.Millisecond):
			}
			continue
		}

		select {
		case job := <-l.jobs:
			ls.exec(l, job)
			timer.Reset(ls.idle)
		case <-timer.C:
			if ls.retire(key, l) {
				return
			}
			timer.Reset(ls.idle)
		case <-l.quit:
			draining = true
		}
	}
}

// retire removes the lane if nothing is queued on it.
func (ls *lanes) retire(key string, l *lane) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if l.pending > 0 {
		return false
	}
	if ls.active[key] == l {
		delete(ls.active, key)
	}
	return true
}

func (ls *lanes) exec(l *lane, job laneJob) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("minutes: lane job panicked: %v", r)
			}
		}()
		return job.fn(job.ctx)
	}()

	ls.mu.Lock()
	l.pending--
	ls.mu.Unlock()

	job.done <- err
}

// close rejects new work, lets queued work finish and waits for every lane.
func (ls *lanes) close() {
	ls.mu.Lock()
	if ls.closed {
		ls.mu.Unlock()
		return
	}
	ls.closed = true
	for _, l := range ls.active {
		close(l.quit)
	}
	ls.mu.Unlock()

	ls.wg.Wait()
}

// size returns the number of live lanes.
func (ls *lanes) size() int {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return len(ls.active)
}

func tenantLane(tenant string) string { return "tenant:" + tenant }

func accountLane(accountID string) string { return "account:" + accountID }

// serializeTenant runs fn as the single writer of tenant's pool: on the
// tenant lane in this process and, with a Locker configured, under the
// tenant's advisory lock across processes.
func (e *Engine) serializeTenant(ctx context.Context, tenant string, fn func(context.Context) error) error {
	return e.lanes.do(ctx, tenantLane(tenant), func(ctx context.Context) error {
		if e.locker == nil {
			return fn(ctx)
		}

		lctx, cancel := context.WithTimeout(ctx, e.lockTimeout)
		lease, err := e.locker.Acquire(lctx, lock.TenantKey(tenant))
		cancel()
		if err != nil {
			if errors.Is(err, lock.ErrNotAcquired) {
				return fmt.Errorf("%w: tenant %s: %w", ErrLockNotAcquired, tenant, err)
			}
			return &PersistenceError{Op: "acquire tenant lock", Err: err}
		}
		defer func() {
			if rerr := lease.Release(ctx); rerr != nil {
				e.logger.Warn("failed to release tenant lock", "tenant", tenant, "error", rerr)
			}
		}()

		return fn(ctx)
	})
}
