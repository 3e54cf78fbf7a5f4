package retry

import (
	"context"
	"fmt"
	"time"
)

// Config controls retry behaviour.
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	// BaseDelay is the base for quadratic backoff. Wait = BaseDelay * attempt².
	BaseDelay time.Duration
	// MaxDelay caps a single wait. Zero means no cap.
	MaxDelay time.Duration
	// Retryable decides whether an error is worth another attempt.
	// Nil retries every error.
	Retryable func(err error) bool
	// OnRetry is called after a failed attempt and before the next delay.
	// attempt is 1-indexed (1 = first attempt just failed).
	OnRetry func(attempt int, err error)
}

// Backoff returns the wait after the given failed attempt.
func (c Config) Backoff(attempt int) time.Duration {
	delay := c.BaseDelay * time.Duration(attempt*attempt)
	if c.MaxDelay > 0 && delay > c.MaxDelay {
		return c.MaxDelay
	}
	return delay
}

// Do calls fn up to cfg.MaxAttempts times.
//
// Wait schedule with BaseDelay=100ms:
//
//	attempt 1 fails → wait 100ms (1² × 100ms)
//	attempt 2 fails → wait 400ms (2² × 100ms)
//	attempt 3 fails → wait 900ms (3² × 100ms)
//
// Returns nil on first success, the first error Retryable rejects, or the
// last error after all attempts.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if cfg.Retryable != nil && !cfg.Retryable(lastErr) {
			return lastErr
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		select {
		case <-time.After(cfg.Backoff(attempt)):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}
