package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds retry configuration
type Config struct {
	Name         string        // Operation name used in log events
	MaxAttempts  int           // Maximum number of attempts (default: 3)
	InitialDelay time.Duration // Delay before the second attempt (default: 100ms)
	MaxDelay     time.Duration // Upper bound for the delay between attempts (default: 5s)
	Multiplier   float64       // Exponential backoff multiplier (default: 2.0)

	// Retryable decides whether a failed attempt may be repeated.
	// A nil Retryable retries every error.
	Retryable func(error) bool
}

// DefaultConfig returns default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
	}
}

// IsRetryableError checks if an error is retryable under cfg
func IsRetryableError(err error, cfg Config) bool {
	if err == nil {
		return false
	}
	if cfg.Retryable == nil {
		return true
	}
	return cfg.Retryable(err)
}

// Backoff yields the delays between attempts: InitialDelay, then each
// previous delay times Multiplier, capped at MaxDelay when it is set.
type Backoff struct {
	next       time.Duration
	max        time.Duration
	multiplier float64
}

// NewBackoff creates the delay sequence described by cfg
func NewBackoff(cfg Config) *Backoff {
	m := cfg.Multiplier
	if m < 1 {
		m = 1
	}
	return &Backoff{next: cfg.InitialDelay, max: cfg.MaxDelay, multiplier: m}
}

// Next returns the delay to wait before the following attempt
func (b *Backoff) Next() time.Duration {
	d := b.next
	if b.max > 0 && d > b.max {
		d = b.max
	}
	b.next = time.Duration(float64(d) * b.multiplier)
	return d
}

// Do executes a function with retry logic
func Do(ctx context.Context, cfg Config, operation func() error) error {
	_, err := DoWithResult(ctx, cfg, func() (struct{}, error) {
		return struct{}{}, operation()
	})
	return err
}

// DoWithResult executes a function that returns a result with retry logic.
// Cancellation of ctx ends the loop between attempts.
func DoWithResult[T any](ctx context.Context, cfg Config, operation func() (T, error)) (T, error) {
	var zero T

	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := NewBackoff(cfg)

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return zero, fmt.Errorf("%s cancelled: %w", opName(cfg), ctx.Err())
		}

		result, err := operation()
		if err == nil {
			if attempt > 1 {
				log.Info().
					Str("operation", opName(cfg)).
					Int("attempt", attempt).
					Msg("Operation succeeded after retry")
			}
			return result, nil
		}

		if !IsRetryableError(err, cfg) {
			return zero, err
		}
		if attempt >= attempts {
			log.Warn().
				Err(err).
				Str("operation", opName(cfg)).
				Int("attempts", attempt).
				Msg("Giving up after max attempts")
			return zero, fmt.Errorf("%s failed after %d attempts: %w", opName(cfg), attempt, err)
		}

		delay := backoff.Next()
		log.Warn().
			Err(err).
			Str("operation", opName(cfg)).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Dur("retry_delay", delay).
			Msg("Operation failed, retrying")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("%s cancelled during backoff: %w", opName(cfg), ctx.Err())
		case <-timer.C:
		}
	}
}

func opName(cfg Config) string {
	if cfg.Name == "" {
		return "operation"
	}
	return cfg.Name
}
