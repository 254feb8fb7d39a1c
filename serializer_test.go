package minutes

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestLanesSerializePerKey(t *testing.T) {
	ls := newLanes(time.Second)
	defer ls.close()

	var (
		inFlight atomic.Int32
		maxSeen  atomic.Int32
		wg       sync.WaitGroup
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = ls.do(context.Background(), "tenant:acme", func(context.Context) error {
				n := inFlight.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
		}()
	}
	wg.Wait()

	if got := maxSeen.Load(); got != 1 {
		t.Errorf("concurrent jobs on one lane: got %d, want 1", got)
	}
}

func TestLanesIndependentKeys(t *testing.T) {
	ls := newLanes(time.Second)
	defer ls.close()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = ls.do(context.Background(), "tenant:a", func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan error, 1)
	go func() {
		done <- ls.do(context.Background(), "tenant:b", func(context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("tenant:b: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("a busy lane blocked an unrelated key")
	}
	close(release)
}

func TestLanesPropagateErrorsAndPanics(t *testing.T) {
	ls := newLanes(time.Second)
	defer ls.close()

	want := errors.New("boom")
	if err := ls.do(context.Background(), "k", func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("error: got %v, want %v", err, want)
	}
	if err := ls.do(context.Background(), "k", func(context.Context) error { panic("bad") }); err == nil {
		t.Error("panic should surface as an error")
	}
	if err := ls.do(context.Background(), "k", func(context.Context) error { return nil }); err != nil {
		t.Errorf("lane should survive a panic: %v", err)
	}
}

func TestLanesRetireWhenIdle(t *testing.T) {
	ls := newLanes(20 * time.Millisecond)
	defer ls.close()

	_ = ls.do(context.Background(), "k", func(context.Context) error { return nil })
	if ls.size() != 1 {
		t.Fatalf("live lanes: got %d, want 1", ls.size())
	}

	deadline := time.Now().Add(time.Second)
	for ls.size() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ls.size() != 0 {
		t.Errorf("idle lane not retired: %d live", ls.size())
	}
}

func TestLanesRejectAfterClose(t *testing.T) {
	ls := newLanes(time.Second)
	_ = ls.do(context.Background(), "k", func(context.Context) error { return nil })
	ls.close()

	if err := ls.do(context.Background(), "k", func(context.Context) error { return nil }); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("after close: got %v, want ErrEngineStopped", err)
	}
}
