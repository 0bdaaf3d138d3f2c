package scheduler

import (
	"sync"
	"time"

	"github.com/SteelMorgan/logwatch/internal/domain"
)

// Stats accumulates per-source poll counters. It can be shared by the
// successive schedulers of one agent so counters survive restarts.
type Stats struct {
	mu      sync.Mutex
	sources map[string]*domain.PollStats
}

// NewStats creates an empty collector
func NewStats() *Stats {
	return &Stats{sources: make(map[string]*domain.PollStats)}
}

func (s *Stats) entry(symbol string) *domain.PollStats {
	st, ok := s.sources[symbol]
	if !ok {
		st = &domain.PollStats{Symbol: symbol}
		s.sources[symbol] = st
	}
	return st
}

func (s *Stats) recordPoll(symbol string, matched int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.entry(symbol)
	st.Polls++
	st.Matches += uint64(matched)
	st.LastPoll = time.Now()
}

func (s *Stats) recordError(symbol string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.entry(symbol)
	st.Polls++
	st.Errors++
	st.LastPoll = time.Now()
	st.LastError = err.Error()
}

// Snapshot returns a copy of the counters keyed by symbol
func (s *Stats) Snapshot() map[string]domain.PollStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]domain.PollStats, len(s.sources))
	for symbol, st := range s.sources {
		out[symbol] = *st
	}
	return out
}
