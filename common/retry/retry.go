// Package retry provides exponential-backoff retry for transient errors,
// primarily around the answer-generation and embedding HTTP calls.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Zero or negative values are treated as 1 (no retries).
	MaxAttempts int
	// InitialDelay is the wait before the second attempt. Each subsequent
	// delay doubles, up to MaxDelay, with a small random jitter so parallel
	// conversations do not hammer a rate-limited upstream in lockstep.
	InitialDelay time.Duration
	// MaxDelay caps the per-attempt wait.
	MaxDelay time.Duration
	// ShouldRetry classifies errors as retryable. When nil, every non-nil
	// error is retried.
	ShouldRetry func(err error) bool
}

// DefaultConfig suits short-lived upstream API calls.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

// Do calls fn up to cfg.MaxAttempts times with exponential backoff between
// attempts. It stops early when fn succeeds, when ShouldRetry rejects the
// error, or when ctx is cancelled. The last attempt's error is returned,
// joined with the context error when cancellation cut the loop short.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(lastErr) {
			return lastErr
		}
		if attempt >= cfg.MaxAttempts {
			return lastErr
		}

		delay := backoff(cfg, attempt)
		slog.Debug("retry: attempt failed, retrying",
			"attempt", attempt, "max", cfg.MaxAttempts,
			"err", lastErr, "delay", delay)

		select {
		case <-ctx.Done():
			return errors.Join(lastErr, ctx.Err())
		case <-time.After(delay):
		}
	}
}

// backoff returns the wait after the given 1-based attempt: InitialDelay
// doubled per prior failure, capped at MaxDelay, plus up to 10% jitter.
func backoff(cfg Config, attempt int) time.Duration {
	delay := cfg.InitialDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= cfg.MaxDelay {
			delay = cfg.MaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int64N(int64(delay)/10 + 1))
	return delay + jitter
}
