// Package retry provides exponential backoff retry mechanisms for handling
// transient failures, such as a container engine that is momentarily
// unresponsive while a container is starting.
//
// The backoff duration follows an exponential pattern:
// InitialBackoff * 2^(attempt-1), capped at MaxBackoff. All retry
// operations respect context cancellation: if the context is canceled
// during a backoff period, the loop exits immediately with the context
// error.
package retry

import (
	"context"
	"fmt"
	"time"
)

// Config controls the retry behavior.
type Config struct {
	// MaxRetries is the number of attempts after the first failure.
	MaxRetries int
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration
	// MaxBackoff caps the exponential growth.
	MaxBackoff time.Duration
}

// DefaultConfig returns a conservative retry policy for local IPC.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Do runs fn, retrying on failure while retryable reports the error as
// transient. A nil retryable retries every error.
func Do(ctx context.Context, cfg Config, fn func() error, retryable func(error) bool) error {
	var lastErr error

	backoff := cfg.InitialBackoff
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if retryable != nil && !retryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", cfg.MaxRetries+1, lastErr)
}
