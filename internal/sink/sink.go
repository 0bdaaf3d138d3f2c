// Package sink defines the outbound interface through which the agent
// delivers matched lines, per-poll summaries and recoverable errors.
package sink

import (
	"github.com/rs/zerolog/log"
)

// Sink receives results from the polling tasks.
// All methods are called synchronously from the polling goroutine of the
// source concerned; different sources call concurrently.
type Sink interface {
	// OnLineMatched is called once per matching line
	OnLineMatched(line, pattern string)

	// OnPollComplete is called once per poll cycle per source
	OnPollComplete(lines []string, symbol string)

	// OnError is called on any recoverable failure tied to a source
	OnError(symbol string, err error)
}

// Base provides the default OnPollComplete and OnError behaviours.
// Embed it and implement OnLineMatched to get a complete Sink.
type Base struct{}

// OnPollComplete logs the number of lines matched in the cycle
func (Base) OnPollComplete(lines []string, symbol string) {
	log.Info().
		Str("symbol", symbol).
		Int("matched", len(lines)).
		Msg("Poll complete")
}

// OnError logs the failure and lets polling continue
func (Base) OnError(symbol string, err error) {
	log.Error().
		Err(err).
		Str("symbol", symbol).
		Msg("Error processing source")
}

// LineFunc adapts an ordinary function to a Sink with default summaries and errors
type LineFunc func(line, pattern string)

// OnLineMatched calls f(line, pattern)
func (f LineFunc) OnLineMatched(line, pattern string) { f(line, pattern) }

// OnPollComplete delegates to Base
func (LineFunc) OnPollComplete(lines []string, symbol string) {
	Base{}.OnPollComplete(lines, symbol)
}

// OnError delegates to Base
func (LineFunc) OnError(symbol string, err error) {
	Base{}.OnError(symbol, err)
}
