// Package retry provides context-aware retries with exponential
// backoff, used for persistence writes that may hit transient storage
// failures.
package retry

import (
	"context"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts including the
	// first. Values below 1 behave as 1.
	MaxAttempts int `yaml:"max_attempts"`
	// InitDelay is the wait before the first retry; it doubles each
	// attempt.
	InitDelay time.Duration `yaml:"init_delay"`
	// MaxDelay caps any single wait.
	MaxDelay time.Duration `yaml:"max_delay"`
}

// DefaultConfig retries three times, backing off from 500ms to 10s.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		InitDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// Do runs fn until it succeeds, attempts are exhausted, or the context
// is cancelled. It returns nil on success, ctx.Err() on cancellation,
// and otherwise the last error fn produced.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	delay := cfg.InitDelay
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}
