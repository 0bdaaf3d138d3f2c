package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SteelMorgan/logwatch/internal/domain"
)

type fakeTask struct {
	symbol  string
	consume func(ctx context.Context) ([]domain.MatchedLine, error)
	polls   atomic.Int32
	closed  atomic.Bool
}

func (f *fakeTask) Symbol() string { return f.symbol }

func (f *fakeTask) Consume(ctx context.Context) ([]domain.MatchedLine, error) {
	f.polls.Add(1)
	if f.consume == nil {
		return nil, nil
	}
	return f.consume(ctx)
}

func (f *fakeTask) Close() error {
	f.closed.Store(true)
	return nil
}

type recordingSink struct {
	mu        sync.Mutex
	completes map[string]int
	lines     []string
	errs      map[string][]error
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		completes: make(map[string]int),
		errs:      make(map[string][]error),
	}
}

func (s *recordingSink) OnLineMatched(line, pattern string) {}

func (s *recordingSink) OnPollComplete(lines []string, symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completes[symbol]++
	s.lines = append(s.lines, lines...)
}

func (s *recordingSink) OnError(symbol string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[symbol] = append(s.errs[symbol], err)
}

func (s *recordingSink) errorCount(symbol string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs[symbol])
}

func (s *recordingSink) totalErrors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, errs := range s.errs {
		n += len(errs)
	}
	return n
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func fastConfig() Config {
	return Config{
		PollInterval: 20 * time.Millisecond,
		PoolSize:     4,
		StopGrace:    200 * time.Millisecond,
	}
}

func TestSchedulerPollsAtFixedRate(t *testing.T) {
	matched := []domain.MatchedLine{{Symbol: "app", Line: "ERROR x", Pattern: "ERROR"}}
	task := &fakeTask{
		symbol:  "app",
		consume: func(context.Context) ([]domain.MatchedLine, error) { return matched, nil },
	}
	s := newRecordingSink()
	sched := New(fastConfig(), []Task{task}, s)

	if err := sched.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !sched.IsRunning() {
		t.Error("IsRunning() = false after Start")
	}

	waitUntil(t, time.Second, func() bool { return task.polls.Load() >= 3 })
	sched.Stop()

	if sched.IsRunning() {
		t.Error("IsRunning() = true after Stop")
	}
	if !task.closed.Load() {
		t.Error("task not closed after Stop")
	}

	stats := sched.Stats()["app"]
	if stats.Polls < 3 || stats.Matches != stats.Polls {
		t.Errorf("stats = %+v, want >= 3 polls with one match each", stats)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completes["app"] < 3 {
		t.Errorf("OnPollComplete called %d times, want >= 3", s.completes["app"])
	}
	if len(s.lines) == 0 || s.lines[0] != "ERROR x" {
		t.Errorf("OnPollComplete lines = %v", s.lines)
	}
}

func TestSchedulerFirstPollIsImmediate(t *testing.T) {
	task := &fakeTask{symbol: "app"}
	cfg := fastConfig()
	cfg.PollInterval = time.Hour
	sched := New(cfg, []Task{task}, newRecordingSink())

	if err := sched.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer sched.Stop()

	waitUntil(t, time.Second, func() bool { return task.polls.Load() == 1 })
}

func TestSchedulerFailureIsolation(t *testing.T) {
	failing := &fakeTask{
		symbol:  "failing",
		consume: func(context.Context) ([]domain.MatchedLine, error) { return nil, errors.New("disk on fire") },
	}
	panicking := &fakeTask{
		symbol:  "panicking",
		consume: func(context.Context) ([]domain.MatchedLine, error) { panic("boom") },
	}
	healthy := &fakeTask{symbol: "healthy"}

	s := newRecordingSink()
	sched := New(fastConfig(), []Task{failing, panicking, healthy}, s)
	if err := sched.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitUntil(t, time.Second, func() bool {
		return healthy.polls.Load() >= 3 && failing.polls.Load() >= 2 && panicking.polls.Load() >= 2
	})
	sched.Stop()

	if s.errorCount("failing") < 2 {
		t.Errorf("failing task reported %d errors, want >= 2", s.errorCount("failing"))
	}
	if s.errorCount("panicking") < 2 {
		t.Errorf("panicking task reported %d errors, want >= 2", s.errorCount("panicking"))
	}
	if s.errorCount("healthy") != 0 {
		t.Errorf("healthy task reported %d errors", s.errorCount("healthy"))
	}

	stats := sched.Stats()
	if stats["failing"].Errors == 0 || stats["failing"].LastError != "disk on fire" {
		t.Errorf("failing stats = %+v", stats["failing"])
	}
	if stats["healthy"].Errors != 0 {
		t.Errorf("healthy stats = %+v", stats["healthy"])
	}
}

func TestSchedulerPoolBound(t *testing.T) {
	var current, peak atomic.Int32
	work := func(context.Context) ([]domain.MatchedLine, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		return nil, nil
	}

	tasks := make([]Task, 0, 6)
	fakes := make([]*fakeTask, 0, 6)
	for _, sym := range []string{"a", "b", "c", "d", "e", "f"} {
		f := &fakeTask{symbol: sym, consume: work}
		fakes = append(fakes, f)
		tasks = append(tasks, f)
	}

	cfg := fastConfig()
	cfg.PoolSize = 2
	sched := New(cfg, tasks, newRecordingSink())
	if err := sched.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitUntil(t, 2*time.Second, func() bool {
		for _, f := range fakes {
			if f.polls.Load() < 2 {
				return false
			}
		}
		return true
	})
	sched.Stop()

	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrent polls = %d, want <= 2", got)
	}
}

func TestSchedulerStartStopIdempotent(t *testing.T) {
	task := &fakeTask{symbol: "app"}
	cfg := fastConfig()
	cfg.PollInterval = time.Hour
	sched := New(cfg, []Task{task}, newRecordingSink())

	// Stop before Start is a no-op
	sched.Stop()

	if err := sched.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := sched.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}

	waitUntil(t, time.Second, func() bool { return task.polls.Load() >= 1 })
	time.Sleep(20 * time.Millisecond)
	if got := task.polls.Load(); got != 1 {
		t.Errorf("polls = %d, want 1 (second Start must not launch another loop)", got)
	}

	sched.Stop()
	sched.Stop()

	if err := sched.Start(); !errors.Is(err, ErrStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrStopped", err)
	}
}

func TestRunForRejectsNonPositiveDuration(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second} {
		sched := New(fastConfig(), []Task{&fakeTask{symbol: "app"}}, newRecordingSink())
		err := sched.RunFor(d, func() { t.Error("onComplete called") })
		if !errors.Is(err, domain.ErrInvalidDuration) {
			t.Errorf("RunFor(%v) error = %v, want ErrInvalidDuration", d, err)
		}
		if !errors.Is(err, domain.ErrConfiguration) {
			t.Errorf("RunFor(%v) error = %v, want ErrConfiguration", d, err)
		}
		if sched.IsRunning() {
			t.Errorf("RunFor(%v) started the scheduler", d)
		}
	}
}

func TestRunForCompletesOnce(t *testing.T) {
	task := &fakeTask{symbol: "app"}
	sched := New(fastConfig(), []Task{task}, newRecordingSink())

	var calls atomic.Int32
	done := make(chan struct{})
	err := sched.RunFor(60*time.Millisecond, func() {
		if calls.Add(1) == 1 {
			close(done)
		}
	})
	if err != nil {
		t.Fatalf("RunFor() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onComplete was not called")
	}

	if sched.IsRunning() {
		t.Error("IsRunning() = true after bounded run completed")
	}
	if !task.closed.Load() {
		t.Error("task not closed before onComplete")
	}

	// A later Stop must not trigger the callback again
	sched.Stop()
	time.Sleep(50 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("onComplete called %d times, want 1", got)
	}
}

func TestStopCancelsBoundedRun(t *testing.T) {
	sched := New(fastConfig(), []Task{&fakeTask{symbol: "app"}}, newRecordingSink())

	var calls atomic.Int32
	if err := sched.RunFor(100*time.Millisecond, func() { calls.Add(1) }); err != nil {
		t.Fatalf("RunFor() error = %v", err)
	}
	sched.Stop()

	time.Sleep(200 * time.Millisecond)
	if got := calls.Load(); got != 0 {
		t.Errorf("onComplete called %d times after manual Stop, want 0", got)
	}
}

func TestStopCancelsStuckPoll(t *testing.T) {
	task := &fakeTask{
		symbol: "slow",
		consume: func(ctx context.Context) ([]domain.MatchedLine, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	s := newRecordingSink()
	cfg := fastConfig()
	cfg.StopGrace = 50 * time.Millisecond
	sched := New(cfg, []Task{task}, s)

	if err := sched.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitUntil(t, time.Second, func() bool { return task.polls.Load() == 1 })

	sched.Stop()

	if !task.closed.Load() {
		t.Error("task not closed after its poll was cancelled")
	}
	if n := s.totalErrors(); n != 0 {
		t.Errorf("cancellation reported %d errors to the sink, want 0", n)
	}
}

func TestStopAbandonsUnresponsivePoll(t *testing.T) {
	release := make(chan struct{})
	task := &fakeTask{
		symbol: "stuck",
		consume: func(context.Context) ([]domain.MatchedLine, error) {
			<-release
			return nil, nil
		},
	}
	cfg := fastConfig()
	cfg.StopGrace = 10 * time.Millisecond
	sched := New(cfg, []Task{task}, newRecordingSink())

	if err := sched.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitUntil(t, time.Second, func() bool { return task.polls.Load() == 1 })

	stopped := make(chan struct{})
	go func() {
		sched.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return while a poll ignored cancellation")
	}
	if task.closed.Load() {
		t.Error("stuck task closed while its poll was still running")
	}

	close(release)
	waitUntil(t, time.Second, task.closed.Load)
}

func TestSharedStatsSurviveSchedulers(t *testing.T) {
	stats := NewStats()
	cfg := fastConfig()
	cfg.PollInterval = time.Hour
	cfg.Stats = stats

	for i := 0; i < 2; i++ {
		task := &fakeTask{symbol: "app"}
		sched := New(cfg, []Task{task}, newRecordingSink())
		if err := sched.Start(); err != nil {
			t.Fatalf("Start() error = %v", err)
		}
		waitUntil(t, time.Second, func() bool { return task.polls.Load() == 1 })
		sched.Stop()
	}

	if got := stats.Snapshot()["app"].Polls; got != 2 {
		t.Errorf("Polls = %d, want 2 across two schedulers", got)
	}
}
