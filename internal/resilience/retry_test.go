package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ashbot/ash/internal/errs"
)

func fastRetry(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), func() error {
		calls++
		if calls < 3 {
			return fmt.Errorf("flaky: %w", errs.ErrUnavailable)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	permanent := fmt.Errorf("bad request: %w", errs.ErrRequestFailed)
	calls := 0
	err := Retry(context.Background(), fastRetry(5), func() error {
		calls++
		return permanent
	})
	if !errors.Is(err, errs.ErrRequestFailed) {
		t.Fatalf("Retry = %v, want the permanent error", err)
	}
	if errors.Is(err, errs.ErrMaxRetriesExceeded) {
		t.Error("permanent error should not be wrapped as retries exceeded")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryExhaustionWrapsError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastRetry(3), func() error {
		calls++
		return fmt.Errorf("down: %w", errs.ErrUnavailable)
	})
	if !errors.Is(err, errs.ErrMaxRetriesExceeded) {
		t.Fatalf("Retry = %v, want ErrMaxRetriesExceeded", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, fastRetry(3), func() error {
		t.Fatal("fn must not run after cancellation")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Retry = %v, want context.Canceled", err)
	}
}

func TestRetryWithBreakerFeedsFailures(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := testBreaker(2, 30*time.Second, &now)

	calls := 0
	err := RetryWithBreaker(context.Background(), fastRetry(5), cb, func() error {
		calls++
		return fmt.Errorf("down: %w", errs.ErrUnavailable)
	})
	// Two failures trip the breaker; the third attempt is rejected fast and
	// ends the retry loop.
	if !errors.Is(err, errs.ErrCircuitOpen) {
		t.Fatalf("RetryWithBreaker = %v, want ErrCircuitOpen", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if got := cb.State(); got != StateOpen {
		t.Errorf("breaker state = %v, want open", got)
	}
}
