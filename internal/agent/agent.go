// Package agent wires the registry, scheduler and rotation watcher into
// a single start/stop state machine.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/SteelMorgan/logwatch/internal/config"
	"github.com/SteelMorgan/logwatch/internal/domain"
	"github.com/SteelMorgan/logwatch/internal/observability"
	"github.com/SteelMorgan/logwatch/internal/registry"
	"github.com/SteelMorgan/logwatch/internal/retry"
	"github.com/SteelMorgan/logwatch/internal/rotation"
	"github.com/SteelMorgan/logwatch/internal/scheduler"
	"github.com/SteelMorgan/logwatch/internal/sink"
	"github.com/SteelMorgan/logwatch/internal/tailer"
)

// Agent tails the configured sources and keeps doing so across log rotation.
// All methods are safe for concurrent use.
type Agent struct {
	cfg      *config.Config
	reg      *registry.Registry
	sink     sink.Sink
	stats    *scheduler.Stats
	retryCfg retry.Config

	state     atomic.Int32
	lifecycle *semaphore.Weighted // serializes Start, Stop and Restart
	restarts  atomic.Uint64
	runID     atomic.Value // string

	// Guarded by lifecycle
	sched      *scheduler.Scheduler
	tailers    []*tailer.Tailer
	deadline   time.Time // zero unless bounded
	onComplete func()

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// Option configures an Agent
type Option func(*Agent)

// WithRestartRetry overrides the backoff used while waiting for rotated
// files to reappear
func WithRestartRetry(cfg retry.Config) Option {
	return func(a *Agent) {
		a.retryCfg = cfg
	}
}

// DefaultRestartRetry waits up to roughly half a minute for rotated files
func DefaultRestartRetry() retry.Config {
	return retry.Config{
		Name:         "revalidate sources",
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Retryable: func(err error) bool {
			return errors.Is(err, domain.ErrSourceMissing)
		},
	}
}

// New creates a stopped agent. Checkpointed offsets, if configured, are
// restored here.
func New(ctx context.Context, cfg *config.Config, s sink.Sink, opts ...Option) (*Agent, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: sink is required", domain.ErrConfiguration)
	}

	reg, err := registry.FromConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:       cfg,
		reg:       reg,
		sink:      s,
		stats:     scheduler.NewStats(),
		retryCfg:  DefaultRestartRetry(),
		lifecycle: semaphore.NewWeighted(1),
	}
	a.runID.Store("")
	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}

// Start validates every source and begins polling until Stop.
// It is a no-op when the agent is already starting or running.
func (a *Agent) Start(ctx context.Context) error {
	return a.start(ctx, 0, nil)
}

// StartFor is Start with a deadline: after d the agent stops by itself and
// calls onComplete once. The deadline is kept across rotation restarts.
// A manual Stop cancels it and onComplete is not called.
func (a *Agent) StartFor(ctx context.Context, d time.Duration, onComplete func()) error {
	if d <= 0 {
		return fmt.Errorf("%w: got %v", domain.ErrInvalidDuration, d)
	}
	return a.start(ctx, d, onComplete)
}

func (a *Agent) start(ctx context.Context, d time.Duration, onComplete func()) error {
	if err := a.lifecycle.Acquire(ctx, 1); err != nil {
		return err
	}
	defer a.lifecycle.Release(1)

	if st := a.State(); st == StateStarting || st == StateRunning {
		log.Info().
			Str("state", st.String()).
			Msg("Agent already running, start ignored")
		return nil
	}

	a.setState(StateStarting)

	// A failed restart may leave the previous watcher winding down
	a.stopWatcher()

	if err := a.reg.Validate(); err != nil {
		a.setState(StateStopped)
		return err
	}

	a.deadline, a.onComplete = time.Time{}, nil
	if d > 0 {
		a.deadline, a.onComplete = time.Now().Add(d), onComplete
	}

	if err := a.launch(); err != nil {
		a.deadline, a.onComplete = time.Time{}, nil
		a.setState(StateStopped)
		return err
	}

	if a.cfg.RotationWatch {
		a.startWatcher()
	}

	a.setState(StateRunning)

	event := log.Info().
		Str("run_id", a.RunID()).
		Int("sources", len(a.tailers)).
		Bool("rotation_watch", a.cfg.RotationWatch)
	if d > 0 {
		event = event.Dur("run_duration", d)
	}
	event.Msg("Agent started")

	return nil
}

// launch builds fresh tailers and starts a scheduler over them.
// Caller holds the lifecycle lock.
func (a *Agent) launch() error {
	enc, err := tailer.LookupEncoding(a.cfg.Encoding)
	if err != nil {
		return err
	}

	tailers, err := a.reg.NewTailers(a.sink, tailer.WithEncoding(enc))
	if err != nil {
		return err
	}

	tasks := make([]scheduler.Task, len(tailers))
	for i, t := range tailers {
		tasks[i] = t
	}

	sched := scheduler.New(scheduler.Config{
		PollInterval: a.cfg.PollInterval,
		PoolSize:     a.cfg.PoolSize,
		StopGrace:    a.cfg.StopGrace,
		Stats:        a.stats,
	}, tasks, a.sink)

	if a.deadline.IsZero() {
		err = sched.Start()
	} else {
		err = sched.RunFor(time.Until(a.deadline), func() { a.boundedComplete(sched) })
	}
	if err != nil {
		for _, t := range tailers {
			t.Close()
		}
		return err
	}

	a.sched = sched
	a.tailers = tailers
	a.runID.Store(uuid.NewString())

	return nil
}

// boundedComplete runs after sched reached its deadline and drained
func (a *Agent) boundedComplete(sched *scheduler.Scheduler) {
	if err := a.lifecycle.Acquire(context.Background(), 1); err != nil {
		return
	}
	if a.sched != sched {
		// Superseded by a stop or a restart
		a.lifecycle.Release(1)
		return
	}

	a.setState(StateStopping)
	a.stopWatcher()
	a.sched = nil
	onComplete := a.onComplete
	a.deadline, a.onComplete = time.Time{}, nil
	a.setState(StateStopped)
	a.lifecycle.Release(1)

	log.Info().
		Str("run_id", a.RunID()).
		Msg("Bounded run complete, agent stopped")

	if onComplete != nil {
		onComplete()
	}
}

// Stop stops the rotation watcher, then the scheduler. Stopping an agent
// that is not running is a logged no-op.
func (a *Agent) Stop() {
	// The watcher goes first so that a restart it has in flight cannot
	// race this stop. Cancelling it also releases a restart blocked on
	// the lifecycle lock. After a failed restart the agent is stopped
	// but its watcher is still alive.
	a.stopWatcher()

	// Acquire with Background never fails
	_ = a.lifecycle.Acquire(context.Background(), 1)
	defer a.lifecycle.Release(1)

	if a.State() != StateRunning {
		log.Info().
			Str("state", a.State().String()).
			Msg("Agent not running, stop ignored")
		return
	}

	a.setState(StateStopping)
	a.stopWatcher()
	if a.sched != nil {
		a.sched.Stop()
		a.sched = nil
	}
	a.deadline, a.onComplete = time.Time{}, nil
	a.setState(StateStopped)

	log.Info().
		Str("run_id", a.RunID()).
		Msg("Agent stopped")
}

// Close stops the agent and releases the offset checkpoint store
func (a *Agent) Close() error {
	a.Stop()
	return a.reg.Close()
}

// IsRunning reports whether the agent is in the Running state
func (a *Agent) IsRunning() bool {
	return a.State() == StateRunning
}

// State returns the current lifecycle state
func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) setState(s State) {
	a.state.Store(int32(s))
}

// RunID identifies the current scheduler run; it changes on every start and restart
func (a *Agent) RunID() string {
	return a.runID.Load().(string)
}

// Restarts returns how many rotation restarts have been performed
func (a *Agent) Restarts() uint64 {
	return a.restarts.Load()
}

// Stats returns per-source poll counters together with current offsets
func (a *Agent) Stats() map[string]domain.PollStats {
	out := a.stats.Snapshot()
	offsets := a.reg.Offsets()

	for _, src := range a.reg.Sources() {
		st := out[src.Symbol]
		st.Symbol = src.Symbol
		st.Path = src.Path
		st.OffsetBytes = offsets.Get(src.Symbol)
		out[src.Symbol] = st
	}
	return out
}

// Restart performs the rotation recovery cycle: stop the scheduler, wait
// RestartDelay, forget the offsets of rotated or replaced files, wait for
// every source to exist again and start a new scheduler. It does nothing
// unless the agent is running. On failure the agent is left stopped.
func (a *Agent) Restart(ctx context.Context, rotated ...string) error {
	ctx, span := observability.StartSpan(ctx, "logwatch.restart",
		attribute.StringSlice("rotated", rotated),
	)

	finished, err := a.restart(ctx, rotated)
	observability.EndSpan(span, err, "restart")

	if finished != nil {
		// Not on this goroutine: the callback may call Stop, which waits
		// for the watcher that is usually the caller of Restart.
		go finished()
	}
	return err
}

// restart returns the bounded-run callback when the deadline passed
// during the restart, to be called once the lock is released
func (a *Agent) restart(ctx context.Context, rotated []string) (func(), error) {
	if err := a.lifecycle.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer a.lifecycle.Release(1)

	if a.State() != StateRunning {
		log.Info().
			Str("state", a.State().String()).
			Msg("Agent not running, restart skipped")
		return nil, nil
	}

	log.Info().
		Str("run_id", a.RunID()).
		Strs("rotated", rotated).
		Msg("Restarting agent")

	a.setState(StateStopping)
	old := a.tailers
	if a.sched != nil {
		a.sched.Stop()
		a.sched = nil
	}
	a.tailers = nil
	a.setState(StateStopped)
	a.restarts.Add(1)

	if err := sleepCtx(ctx, a.cfg.RestartDelay); err != nil {
		return nil, err
	}

	a.resetOffsets(ctx, rotated, old)

	a.setState(StateStarting)

	if err := retry.Do(ctx, a.retryCfg, a.reg.Validate); err != nil {
		a.setState(StateStopped)
		return nil, err
	}

	if !a.deadline.IsZero() && !time.Now().Before(a.deadline) {
		// The bounded run expired while we were restarting. The watcher
		// is the usual caller here, so it is cancelled without waiting.
		a.cancelWatcher()
		onComplete := a.onComplete
		a.deadline, a.onComplete = time.Time{}, nil
		a.setState(StateStopped)

		log.Info().Msg("Bounded run expired during restart, agent stopped")
		return onComplete, nil
	}

	if err := a.launch(); err != nil {
		a.setState(StateStopped)
		return nil, err
	}

	a.setState(StateRunning)

	log.Info().
		Str("run_id", a.RunID()).
		Uint64("restarts", a.Restarts()).
		Msg("Agent restarted")

	return nil, nil
}

// resetOffsets drops the offsets of rotated symbols and of any source whose
// path no longer refers to the file the old tailer had open
func (a *Agent) resetOffsets(ctx context.Context, rotated []string, old []*tailer.Tailer) {
	reset := make(map[string]string, len(rotated))
	for _, symbol := range rotated {
		reset[symbol] = "rotated"
	}

	for _, t := range old {
		opened := t.OpenedFile()
		if opened == nil {
			continue
		}
		current, err := os.Stat(t.Source().Path)
		if err != nil {
			reset[t.Symbol()] = "missing"
			continue
		}
		if !os.SameFile(opened, current) {
			reset[t.Symbol()] = "replaced"
		}
	}

	offsets := a.reg.Offsets()
	for symbol, reason := range reset {
		offsets.Delete(ctx, symbol)
		log.Info().
			Str("symbol", symbol).
			Str("reason", reason).
			Msg("Offset reset, file will be read from the beginning")
	}
}

func (a *Agent) startWatcher() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w := rotation.New(a.reg.Sources(), a.cfg.RotationCheckInterval, a,
		rotation.WithNotify(a.cfg.RotationNotify),
	)

	a.watchMu.Lock()
	a.watchCancel, a.watchDone = cancel, done
	a.watchMu.Unlock()

	go func() {
		defer close(done)
		w.Run(ctx)
	}()
}

// stopWatcher cancels the rotation watcher and waits for it to exit.
// It must not be called from the watcher goroutine.
func (a *Agent) stopWatcher() {
	a.watchMu.Lock()
	cancel, done := a.watchCancel, a.watchDone
	a.watchCancel, a.watchDone = nil, nil
	a.watchMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// cancelWatcher signals the watcher to exit without waiting for it
func (a *Agent) cancelWatcher() {
	a.watchMu.Lock()
	defer a.watchMu.Unlock()

	if a.watchCancel != nil {
		a.watchCancel()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
