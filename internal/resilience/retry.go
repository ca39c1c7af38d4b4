package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ashbot/ash/internal/errs"
)

// RetryConfig configures Retry.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// ShouldRetry decides whether an error is worth retrying. Nil means
	// errs.IsRetryable.
	ShouldRetry func(error) bool
}

// DefaultRetryConfig matches the outbound-client contract: exponential backoff
// from 250ms capped at 4s with full jitter.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     4 * time.Second,
	}
}

// Retry runs fn up to MaxAttempts times. Only retryable errors are retried;
// anything else returns immediately. The sleep between attempts is a uniform
// draw from [0, min(cap, base*2^attempt)] (full jitter).
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	shouldRetry := config.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = errs.IsRetryable
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) || attempt == config.MaxAttempts-1 {
			break
		}

		ceiling := config.InitialDelay << uint(attempt)
		if ceiling > config.MaxDelay || ceiling <= 0 {
			ceiling = config.MaxDelay
		}
		delay := time.Duration(rand.Int63n(int64(ceiling) + 1))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if !shouldRetry(lastErr) {
		return lastErr
	}
	return fmt.Errorf("after %d attempts: %v: %w", config.MaxAttempts, lastErr, errs.ErrMaxRetriesExceeded)
}

// RetryWithBreaker combines Retry with a circuit breaker: each attempt must be
// admitted by the breaker, and attempt outcomes feed its failure count.
func RetryWithBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		return cb.Execute(ctx, fn)
	})
}
