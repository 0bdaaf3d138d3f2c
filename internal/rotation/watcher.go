// Package rotation detects rotated log files by polling their existence
// and asks the agent to restart when a file disappears.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/logwatch/internal/domain"
)

// Restarter performs the stop, reopen and start cycle for rotated sources
type Restarter interface {
	Restart(ctx context.Context, rotated ...string) error
}

// ExistsFunc reports whether path currently exists
type ExistsFunc func(path string) (bool, error)

// FileExists is the default ExistsFunc, based on os.Stat
func FileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Watcher compares the existence of every source against a baseline
// once per interval. A source that was present and is now absent
// triggers a restart.
type Watcher struct {
	sources   []domain.Source
	interval  time.Duration
	restarter Restarter
	exists    ExistsFunc
	notify    bool

	mu       sync.Mutex
	baseline map[string]bool
}

// Option configures a Watcher
type Option func(*Watcher)

// WithExistsFunc replaces the existence probe
func WithExistsFunc(f ExistsFunc) Option {
	return func(w *Watcher) {
		if f != nil {
			w.exists = f
		}
	}
}

// WithNotify also subscribes to filesystem events on the source
// directories so that a removed or renamed source is checked at once
// instead of at the next interval. Polling continues either way.
func WithNotify(enabled bool) Option {
	return func(w *Watcher) {
		w.notify = enabled
	}
}

// New creates a watcher over sources, scanned in the given order,
// and captures the initial baseline.
func New(sources []domain.Source, interval time.Duration, restarter Restarter, opts ...Option) *Watcher {
	w := &Watcher{
		sources:   sources,
		interval:  interval,
		restarter: restarter,
		exists:    FileExists,
	}
	for _, opt := range opts {
		opt(w)
	}

	w.mu.Lock()
	w.baseline = w.snapshot()
	w.mu.Unlock()

	return w
}

// Baseline returns a copy of the current existence baseline
func (w *Watcher) Baseline() map[string]bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make(map[string]bool, len(w.baseline))
	for k, v := range w.baseline {
		out[k] = v
	}
	return out
}

// Run checks the sources every interval until ctx is cancelled.
// Failures of a single cycle are logged and never end the loop.
func (w *Watcher) Run(ctx context.Context) {
	log.Info().
		Int("sources", len(w.sources)).
		Dur("interval", w.interval).
		Msg("Rotation watcher started")

	var wake <-chan struct{}
	if w.notify {
		events, closeFn, err := w.subscribe(ctx)
		if err != nil {
			log.Warn().
				Err(err).
				Msg("Filesystem notifications unavailable, polling only")
		} else {
			wake = events
			defer closeFn()
		}
	}

	timer := time.NewTimer(w.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Rotation watcher stopped")
			return
		case <-timer.C:
		case <-wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		w.cycle(ctx)
		timer.Reset(w.interval)
	}
}

// subscribe watches the directories of all sources and signals on the
// returned channel whenever a source path is removed or renamed
func (w *Watcher) subscribe(ctx context.Context) (<-chan struct{}, func(), error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	paths := make(map[string]struct{}, len(w.sources))
	dirs := make(map[string]struct{})
	for _, src := range w.sources {
		clean := filepath.Clean(src.Path)
		paths[clean] = struct{}{}
		dirs[filepath.Dir(clean)] = struct{}{}
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			fsw.Close()
			return nil, nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	wake := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if _, watched := paths[filepath.Clean(ev.Name)]; !watched {
					continue
				}
				log.Debug().
					Str("path", ev.Name).
					Str("op", ev.Op.String()).
					Msg("Source removed or renamed")
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Filesystem watcher error")
			}
		}
	}()

	return wake, func() { fsw.Close() }, nil
}

func (w *Watcher) cycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Msg("Rotation check panicked, continuing")
		}
	}()

	if _, err := w.Check(ctx); err != nil {
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			return
		}
		log.Error().
			Err(err).
			Msg("Rotation check failed, continuing")
	}
}

// Check runs one detection cycle. It reports whether a restart was
// requested and the error returned by the restart, if any.
func (w *Watcher) Check(ctx context.Context) (bool, error) {
	w.mu.Lock()
	rotated, current := w.scanLocked()
	if rotated == "" {
		w.baseline = current
		w.mu.Unlock()
		return false, nil
	}
	w.mu.Unlock()

	src := w.source(rotated)
	log.Info().
		Str("symbol", src.Symbol).
		Str("path", src.Path).
		Msg("Log file disappeared, restarting agent")

	// Recompute from reality whatever the outcome so a failed restart
	// is not retriggered by the same disappearance.
	defer func() {
		w.mu.Lock()
		w.baseline = w.snapshot()
		w.mu.Unlock()
	}()

	if err := w.restarter.Restart(ctx, rotated); err != nil {
		return true, fmt.Errorf("restart after rotation of %s: %w", rotated, err)
	}

	log.Info().
		Str("symbol", rotated).
		Msg("Agent restarted, resuming rotation watch")

	return true, nil
}

// scanLocked returns the first source that went from present to absent,
// or the new baseline when none did
func (w *Watcher) scanLocked() (string, map[string]bool) {
	current := make(map[string]bool, len(w.sources))
	for _, src := range w.sources {
		present, err := w.exists(src.Path)
		if err != nil {
			log.Warn().
				Err(err).
				Str("symbol", src.Symbol).
				Str("path", src.Path).
				Msg("Failed to check file existence")
			current[src.Symbol] = w.baseline[src.Symbol]
			continue
		}
		if w.baseline[src.Symbol] && !present {
			return src.Symbol, nil
		}
		current[src.Symbol] = present
	}
	return "", current
}

// snapshot probes every source; a failed probe keeps the previous value.
// Callers hold w.mu.
func (w *Watcher) snapshot() map[string]bool {
	out := make(map[string]bool, len(w.sources))
	for _, src := range w.sources {
		present, err := w.exists(src.Path)
		if err != nil {
			log.Warn().
				Err(err).
				Str("symbol", src.Symbol).
				Str("path", src.Path).
				Msg("Failed to check file existence")
			present = w.baseline[src.Symbol]
		}
		out[src.Symbol] = present
	}
	return out
}

func (w *Watcher) source(symbol string) domain.Source {
	for _, src := range w.sources {
		if src.Symbol == symbol {
			return src
		}
	}
	return domain.Source{Symbol: symbol}
}
