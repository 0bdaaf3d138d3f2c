package registry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/logwatch/internal/config"
	"github.com/SteelMorgan/logwatch/internal/domain"
	"github.com/SteelMorgan/logwatch/internal/offset"
	"github.com/SteelMorgan/logwatch/internal/sink"
	"github.com/SteelMorgan/logwatch/internal/tailer"
)

// Registry is the ordered set of monitored sources together with the
// offset table they share. It outlives individual scheduler runs so that
// offsets survive a restart.
type Registry struct {
	sources  []domain.Source
	bySymbol map[string]int
	offsets  *offset.Table
}

// New creates a registry over sources in the given order.
// A nil table gets an in-memory one.
func New(sources []domain.Source, offsets *offset.Table) (*Registry, error) {
	if offsets == nil {
		offsets = offset.NewTable()
	}

	r := &Registry{
		sources:  make([]domain.Source, 0, len(sources)),
		bySymbol: make(map[string]int, len(sources)),
		offsets:  offsets,
	}

	for _, src := range sources {
		if src.Symbol == "" {
			return nil, fmt.Errorf("%w: source with path %q has no symbol", domain.ErrConfiguration, src.Path)
		}
		if _, dup := r.bySymbol[src.Symbol]; dup {
			return nil, fmt.Errorf("%w: duplicate source symbol %q", domain.ErrConfiguration, src.Symbol)
		}
		r.bySymbol[src.Symbol] = len(r.sources)
		r.sources = append(r.sources, src)
	}

	return r, nil
}

// FromConfig builds a registry from cfg. When cfg.StateFile is set the
// offset table is backed by a BoltDB checkpoint and restored from it.
func FromConfig(ctx context.Context, cfg *config.Config) (*Registry, error) {
	sources := make([]domain.Source, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		sources = append(sources, domain.Source{
			Symbol: sc.Symbol,
			Path:   sc.Path,
			Rules:  append([]string(nil), sc.Rules...),
		})
	}

	var opts []offset.Option
	if cfg.StateFile != "" {
		store, err := offset.NewBoltDBStore(cfg.StateFile)
		if err != nil {
			return nil, fmt.Errorf("failed to open offset store: %w", err)
		}
		opts = append(opts, offset.WithStore(store, cfg.Paths()))
	}

	table := offset.NewTable(opts...)
	if err := table.Load(ctx); err != nil {
		table.Close()
		return nil, fmt.Errorf("failed to restore offsets: %w", err)
	}

	r, err := New(sources, table)
	if err != nil {
		table.Close()
		return nil, err
	}
	return r, nil
}

// Sources returns the sources in registry order
func (r *Registry) Sources() []domain.Source {
	out := make([]domain.Source, len(r.sources))
	copy(out, r.sources)
	return out
}

// Symbols returns the source symbols in registry order
func (r *Registry) Symbols() []string {
	out := make([]string, len(r.sources))
	for i, src := range r.sources {
		out[i] = src.Symbol
	}
	return out
}

// Lookup finds a source by symbol
func (r *Registry) Lookup(symbol string) (domain.Source, bool) {
	i, ok := r.bySymbol[symbol]
	if !ok {
		return domain.Source{}, false
	}
	return r.sources[i], true
}

// Offsets returns the shared offset table
func (r *Registry) Offsets() *offset.Table {
	return r.offsets
}

// Validate checks that every source path exists, in registry order.
// The first missing path is reported as ErrSourceMissing.
func (r *Registry) Validate() error {
	for _, src := range r.sources {
		info, err := os.Stat(src.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w: %s (%s)", domain.ErrSourceMissing, src.Symbol, src.Path)
			}
			return fmt.Errorf("failed to stat %s: %w", src.Path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("%w: %s is a directory", domain.ErrConfiguration, src.Path)
		}
	}
	return nil
}

// NewTailers creates one tailer per source in registry order.
// If any source fails, the tailers built so far are closed.
func (r *Registry) NewTailers(s sink.Sink, opts ...tailer.Option) ([]*tailer.Tailer, error) {
	tailers := make([]*tailer.Tailer, 0, len(r.sources))
	for _, src := range r.sources {
		t, err := tailer.New(src, r.offsets, s, opts...)
		if err != nil {
			for _, built := range tailers {
				built.Close()
			}
			return nil, err
		}
		tailers = append(tailers, t)
	}

	log.Debug().
		Int("sources", len(tailers)).
		Msg("Tailers created")

	return tailers, nil
}

// Close releases the offset table and its checkpoint store
func (r *Registry) Close() error {
	return r.offsets.Close()
}
