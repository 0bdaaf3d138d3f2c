package offset

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Table holds the read offset of every source in process memory.
// Each symbol is written by exactly one poller, so a sync.Map is enough
// to give readers across restarts a consistent view without a global lock.
// When a Store is attached every update is also checkpointed there.
type Table struct {
	entries sync.Map // symbol -> int64
	store   Store
	paths   map[string]string // symbol -> path, used to build store keys
}

// Option configures a Table
type Option func(*Table)

// WithStore mirrors every offset update into store.
// paths maps each symbol to its file path for the store key.
func WithStore(store Store, paths map[string]string) Option {
	return func(t *Table) {
		t.store = store
		t.paths = paths
	}
}

// NewTable creates an empty offset table
func NewTable(opts ...Option) *Table {
	t := &Table{}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get returns the offset for symbol, or 0 if none was recorded
func (t *Table) Get(symbol string) int64 {
	off, _ := t.Lookup(symbol)
	return off
}

// Lookup returns the offset for symbol and whether an entry exists
func (t *Table) Lookup(symbol string) (int64, bool) {
	v, ok := t.entries.Load(symbol)
	if !ok {
		return 0, false
	}
	return v.(int64), true
}

// Set records a new offset for symbol
func (t *Table) Set(ctx context.Context, symbol string, offset int64) {
	t.entries.Store(symbol, offset)

	if t.store == nil {
		return
	}
	if err := t.store.Set(ctx, symbol, t.paths[symbol], offset); err != nil {
		log.Warn().
			Err(err).
			Str("symbol", symbol).
			Int64("offset", offset).
			Msg("Failed to checkpoint offset")
	}
}

// Delete discards the offset for symbol so the next poll starts at byte 0
func (t *Table) Delete(ctx context.Context, symbol string) {
	t.entries.Delete(symbol)

	if t.store == nil {
		return
	}
	if err := t.store.Delete(ctx, symbol, t.paths[symbol]); err != nil {
		log.Warn().
			Err(err).
			Str("symbol", symbol).
			Msg("Failed to delete checkpointed offset")
	}
}

// Snapshot returns a copy of all recorded offsets
func (t *Table) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	t.entries.Range(func(k, v any) bool {
		out[k.(string)] = v.(int64)
		return true
	})
	return out
}

// Load restores checkpointed offsets for every known symbol.
// It is a no-op without a store.
func (t *Table) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}

	restored := 0
	for symbol, path := range t.paths {
		off, err := t.store.Get(ctx, symbol, path)
		if err != nil {
			return err
		}
		if off == 0 {
			continue
		}
		t.entries.Store(symbol, off)
		restored++
	}

	log.Info().
		Int("restored", restored).
		Msg("Offsets restored from checkpoint")

	return nil
}

// Close releases the attached store, if any
func (t *Table) Close() error {
	if t.store == nil {
		return nil
	}
	return t.store.Close()
}
