package sink

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogSink writes every match as a structured log event
type LogSink struct {
	Base
	logger zerolog.Logger
	level  zerolog.Level
}

// NewLogSink creates a sink that logs matches at the given level
// using the global logger
func NewLogSink(level zerolog.Level) *LogSink {
	return &LogSink{
		logger: log.Logger.With().Str("component", "sink").Logger(),
		level:  level,
	}
}

// OnLineMatched logs the line together with the rule that caught it
func (s *LogSink) OnLineMatched(line, pattern string) {
	s.logger.WithLevel(s.level).
		Str("pattern", pattern).
		Str("line", line).
		Msg("Line matched")
}

// OnPollComplete logs non-empty cycles at Info and empty ones at Debug
func (s *LogSink) OnPollComplete(lines []string, symbol string) {
	ev := s.logger.Debug()
	if len(lines) > 0 {
		ev = s.logger.Info()
	}
	ev.Str("symbol", symbol).
		Int("matched", len(lines)).
		Msg("Poll complete")
}
