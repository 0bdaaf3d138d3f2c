package domain

import (
	"errors"
	"fmt"
)

// ErrConfiguration is the root of every error that aborts a start attempt
var ErrConfiguration = errors.New("configuration error")

var (
	ErrSourceMissing   = fmt.Errorf("%w: source path does not exist", ErrConfiguration)
	ErrInvalidPattern  = fmt.Errorf("%w: invalid filter pattern", ErrConfiguration)
	ErrInvalidDuration = fmt.Errorf("%w: run duration must be positive", ErrConfiguration)
	ErrInvalidEncoding = fmt.Errorf("%w: unsupported text encoding", ErrConfiguration)
)

// ErrClosed is returned when a closed tailer is polled
var ErrClosed = errors.New("tailer closed")
