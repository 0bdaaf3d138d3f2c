// Package scheduler polls a fixed set of tasks at a fixed rate on a
// bounded worker pool and shuts them down in a graceful-then-forced order.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/SteelMorgan/logwatch/internal/domain"
	"github.com/SteelMorgan/logwatch/internal/observability"
	"github.com/SteelMorgan/logwatch/internal/sink"
)

// ErrStopped is returned by Start and RunFor once the scheduler has been stopped.
// A new Scheduler is needed for the next run because stopping closes every task.
var ErrStopped = errors.New("scheduler stopped")

// Task is one unit of periodic work, normally a *tailer.Tailer
type Task interface {
	Symbol() string
	Consume(ctx context.Context) ([]domain.MatchedLine, error)
	Close() error
}

// Config holds scheduling parameters
type Config struct {
	PollInterval time.Duration
	PoolSize     int
	StopGrace    time.Duration // Each of the two shutdown waits
	Stats        *Stats        // Optional shared collector
}

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// Scheduler runs every task once immediately and then every PollInterval.
// At most PoolSize polls run at the same time; polls of one task never overlap.
type Scheduler struct {
	cfg   Config
	tasks []Task
	sink  sink.Sink
	sem   *semaphore.Weighted
	stats *Stats

	mu         sync.Mutex
	state      state
	loopCancel context.CancelFunc
	pollCancel context.CancelFunc
	timer      *time.Timer
	timerGen   uint64
	wg         sync.WaitGroup
	drained    chan struct{} // closed when shutdown returns
}

// New creates a scheduler over tasks. Nothing runs until Start or RunFor.
func New(cfg Config, tasks []Task, s sink.Sink) *Scheduler {
	if cfg.PoolSize < 1 {
		cfg.PoolSize = 1
	}
	stats := cfg.Stats
	if stats == nil {
		stats = NewStats()
	}

	return &Scheduler{
		cfg:   cfg,
		tasks: tasks,
		sink:  s,
		sem:   semaphore.NewWeighted(int64(cfg.PoolSize)),
		stats: stats,
	}
}

// Start begins polling. Calling Start while running is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startLocked()
}

func (s *Scheduler) startLocked() error {
	switch s.state {
	case stateRunning:
		log.Debug().Msg("Scheduler already running")
		return nil
	case stateStopped:
		return ErrStopped
	}

	if s.cfg.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval must be positive", domain.ErrConfiguration)
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())
	pollCtx, pollCancel := context.WithCancel(context.Background())
	s.loopCancel = loopCancel
	s.pollCancel = pollCancel
	s.drained = make(chan struct{})
	s.state = stateRunning

	for _, task := range s.tasks {
		s.wg.Add(1)
		go s.loop(loopCtx, pollCtx, task)
	}

	log.Info().
		Int("tasks", len(s.tasks)).
		Int("pool_size", s.cfg.PoolSize).
		Dur("poll_interval", s.cfg.PollInterval).
		Msg("Scheduler started")

	return nil
}

// RunFor starts polling and stops automatically after d, then calls
// onComplete exactly once. A manual Stop before the deadline cancels the
// deadline and onComplete is not called.
func (s *Scheduler) RunFor(d time.Duration, onComplete func()) error {
	if d <= 0 {
		return fmt.Errorf("%w: got %v", domain.ErrInvalidDuration, d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.startLocked(); err != nil {
		return err
	}

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = time.AfterFunc(d, func() { s.complete(gen, onComplete) })

	log.Info().
		Dur("duration", d).
		Msg("Bounded run armed")

	return nil
}

func (s *Scheduler) complete(gen uint64, onComplete func()) {
	s.mu.Lock()
	if s.state != stateRunning || s.timer == nil || s.timerGen != gen {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	loopCancel, pollCancel := s.beginStopLocked()
	s.mu.Unlock()

	log.Info().Msg("Run duration elapsed, stopping")
	s.shutdown(loopCancel, pollCancel)

	if onComplete != nil {
		onComplete()
	}
}

// Stop halts scheduling and waits for in-flight polls. Polls still running
// after StopGrace are cancelled; after a second StopGrace Stop returns
// anyway and the stuck tasks close themselves when their poll returns.
// Stopping a scheduler that is not running is a no-op, except that a
// shutdown already in progress is waited for.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != stateRunning {
		drained := s.drained
		s.mu.Unlock()
		if drained != nil {
			<-drained
		}
		log.Debug().Msg("Scheduler not running, nothing to stop")
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	loopCancel, pollCancel := s.beginStopLocked()
	s.mu.Unlock()

	s.shutdown(loopCancel, pollCancel)
}

// IsRunning reports whether the scheduler is polling
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateRunning
}

// Stats returns the poll counters of every task that has polled
func (s *Scheduler) Stats() map[string]domain.PollStats {
	return s.stats.Snapshot()
}

func (s *Scheduler) beginStopLocked() (context.CancelFunc, context.CancelFunc) {
	s.state = stateStopped
	return s.loopCancel, s.pollCancel
}

func (s *Scheduler) shutdown(loopCancel, pollCancel context.CancelFunc) {
	defer close(s.drained)
	loopCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	if !waitFor(done, s.cfg.StopGrace) {
		log.Warn().
			Dur("grace", s.cfg.StopGrace).
			Msg("Polls still running after grace period, cancelling them")
		pollCancel()

		if !waitFor(done, s.cfg.StopGrace) {
			log.Error().
				Msg("Polls did not terminate, their sources will be closed when they return")
		}
	}
	pollCancel()

	log.Info().Msg("Scheduler stopped")
}

func waitFor(done <-chan struct{}, d time.Duration) bool {
	select {
	case <-done:
		return true
	default:
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

// loop owns one task: it polls it and closes it once scheduling stops
func (s *Scheduler) loop(loopCtx, pollCtx context.Context, task Task) {
	defer s.wg.Done()
	defer func() {
		if err := task.Close(); err != nil {
			log.Warn().
				Err(err).
				Str("symbol", task.Symbol()).
				Msg("Failed to close source")
		}
	}()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.poll(loopCtx, pollCtx, task)
	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			s.poll(loopCtx, pollCtx, task)
		}
	}
}

// poll runs one cycle of task on a pool slot. Failures and panics are
// reported to the sink and never escape to other tasks.
func (s *Scheduler) poll(loopCtx, pollCtx context.Context, task Task) {
	if loopCtx.Err() != nil {
		return
	}
	if err := s.sem.Acquire(loopCtx, 1); err != nil {
		return
	}
	defer s.sem.Release(1)

	symbol := task.Symbol()

	ctx, span := observability.StartSpan(pollCtx, "logwatch.poll", attribute.String("symbol", symbol))
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("poll panicked: %v", r)
			s.fail(symbol, err)
		}
		observability.EndSpan(span, err, "poll")
	}()

	matches, err := task.Consume(ctx)
	if err != nil {
		if pollCtx.Err() != nil && errors.Is(err, context.Canceled) {
			log.Debug().
				Str("symbol", symbol).
				Msg("Poll cancelled")
			err = nil
			return
		}
		s.fail(symbol, err)
		return
	}

	s.stats.recordPoll(symbol, len(matches))
	span.SetAttributes(attribute.Int("matched", len(matches)))
	s.sink.OnPollComplete(domain.Lines(matches), symbol)
}

func (s *Scheduler) fail(symbol string, err error) {
	s.stats.recordError(symbol, err)
	s.sink.OnError(symbol, err)
}
