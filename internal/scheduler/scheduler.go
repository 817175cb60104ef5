package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Ticker abstracts time.Ticker so tests can drive jobs without waiting on
// the wall clock.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory builds the ticker for one job interval.
type TickerFactory func(d time.Duration) Ticker

type realTicker struct {
	t *time.Ticker
}

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

func RealTickers(d time.Duration) Ticker {
	return realTicker{t: time.NewTicker(d)}
}

type job struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context)
}

// Scheduler owns the periodic background jobs (retention, health sweep)
// so the service can start and stop them deterministically. Jobs run
// sequentially per job, never overlapping themselves.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []job
	tickers TickerFactory
	logger  zerolog.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

func New(tickers TickerFactory) *Scheduler {
	if tickers == nil {
		tickers = RealTickers
	}
	o := &Scheduler{tickers: tickers}
	o.logger = log.With().Str("module", "scheduler").Logger()
	return o
}

// Every registers a named periodic job. Registration after Start is not
// supported.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	s.jobs = append(s.jobs, job{name: name, interval: interval, fn: fn})
	s.mu.Unlock()
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.run(j)
	}
}

func (s *Scheduler) run(j job) {
	defer s.wg.Done()
	ticker := s.tickers(j.interval)
	defer ticker.Stop()
	s.logger.Info().Str("job", j.name).Dur("interval", j.interval).Msg("job scheduled")
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C():
			t0 := time.Now()
			j.fn(s.ctx)
			s.logger.Debug().Str("job", j.name).Dur("time_taken", time.Since(t0)).Msg("job ran")
		}
	}
}

// Stop cancels all jobs and waits for the running ones to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()
	cancel()
	s.wg.Wait()
}
