package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTicker struct {
	ch chan time.Time
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               {}

func TestJobFiresOnTick(t *testing.T) {
	tick := &fakeTicker{ch: make(chan time.Time)}
	s := New(func(d time.Duration) Ticker { return tick })

	var ran uint64
	done := make(chan struct{}, 4)
	s.Every("probe", time.Hour, func(ctx context.Context) {
		atomic.AddUint64(&ran, 1)
		done <- struct{}{}
	})
	s.Start()
	defer s.Stop()

	tick.ch <- time.Now()
	<-done
	tick.ch <- time.Now()
	<-done
	if got := atomic.LoadUint64(&ran); got != 2 {
		t.Errorf("expected 2 runs, got %d", got)
	}
}

func TestStopWaitsForJobs(t *testing.T) {
	tick := &fakeTicker{ch: make(chan time.Time)}
	s := New(func(d time.Duration) Ticker { return tick })
	s.Every("noop", time.Hour, func(ctx context.Context) {})
	s.Start()
	s.Stop()
	// Stop returned, all goroutines joined; a second Stop is a no-op
	s.Stop()
}

func TestNoRunBeforeTick(t *testing.T) {
	tick := &fakeTicker{ch: make(chan time.Time)}
	s := New(func(d time.Duration) Ticker { return tick })
	var ran uint64
	s.Every("idle", time.Hour, func(ctx context.Context) {
		atomic.AddUint64(&ran, 1)
	})
	s.Start()
	time.Sleep(10 * time.Millisecond)
	s.Stop()
	if got := atomic.LoadUint64(&ran); got != 0 {
		t.Errorf("job ran without a tick: %d", got)
	}
}
