package domain

import "time"

// PollStats represents polling counters for a single source
type PollStats struct {
	Symbol      string
	Path        string
	Polls       uint64    // Completed poll cycles, including failed ones
	Matches     uint64    // Lines reported to the sink
	Errors      uint64    // Poll cycles that ended with an error
	OffsetBytes int64     // Offset recorded by the last successful poll
	LastPoll    time.Time // When the last poll finished
	LastError   string
}
