package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ashbot/ash/internal/errs"
)

func testBreaker(threshold int, cooldown time.Duration, now *time.Time) *CircuitBreaker {
	return NewCircuitBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		Now:              func() time.Time { return *now },
	})
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := testBreaker(3, 30*time.Second, &now)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("state after 2 failures = %v, want closed", got)
	}

	cb.RecordFailure()
	if got := cb.State(); got != StateOpen {
		t.Fatalf("state after 3 failures = %v, want open", got)
	}
	if cb.Allow() {
		t.Error("open breaker must reject requests")
	}
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := testBreaker(3, 30*time.Second, &now)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if got := cb.State(); got != StateClosed {
		t.Errorf("non-consecutive failures opened the breaker: %v", got)
	}
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := testBreaker(1, 30*time.Second, &now)

	cb.RecordFailure()
	if cb.Allow() {
		t.Fatal("open breaker admitted a request")
	}

	now = now.Add(31 * time.Second)
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("state after cooldown = %v, want half-open", got)
	}
	if !cb.Allow() {
		t.Fatal("half-open breaker must admit one probe")
	}
	if cb.Allow() {
		t.Error("half-open breaker admitted a second concurrent probe")
	}
}

func TestBreakerHalfOpenOutcomes(t *testing.T) {
	now := time.Unix(1000, 0)

	t.Run("probe failure reopens", func(t *testing.T) {
		cb := testBreaker(1, 30*time.Second, &now)
		cb.RecordFailure()
		now = now.Add(31 * time.Second)
		if !cb.Allow() {
			t.Fatal("probe not admitted")
		}
		cb.RecordFailure()
		if got := cb.State(); got != StateOpen {
			t.Errorf("state after failed probe = %v, want open", got)
		}
	})

	t.Run("probe success closes", func(t *testing.T) {
		cb := testBreaker(1, 30*time.Second, &now)
		cb.RecordFailure()
		now = now.Add(31 * time.Second)
		if !cb.Allow() {
			t.Fatal("probe not admitted")
		}
		cb.RecordSuccess()
		if got := cb.State(); got != StateClosed {
			t.Errorf("state after successful probe = %v, want closed", got)
		}
	})
}

func TestExecuteRejectsWhenOpen(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := testBreaker(1, 30*time.Second, &now)
	cb.RecordFailure()

	err := cb.Execute(context.Background(), func() error { return nil })
	if !errors.Is(err, errs.ErrCircuitOpen) {
		t.Errorf("Execute on open breaker = %v, want ErrCircuitOpen", err)
	}
}

func TestExecuteIgnoresContextCancellation(t *testing.T) {
	now := time.Unix(1000, 0)
	cb := testBreaker(1, 30*time.Second, &now)

	_ = cb.Execute(context.Background(), func() error { return context.Canceled })
	if got := cb.State(); got != StateClosed {
		t.Errorf("cancellation counted as endpoint failure: %v", got)
	}
}

func TestObserverSeesTransitions(t *testing.T) {
	now := time.Unix(1000, 0)
	var transitions []State
	cb := NewCircuitBreaker(BreakerConfig{
		Name:             "observed",
		FailureThreshold: 1,
		Cooldown:         time.Second,
		Now:              func() time.Time { return now },
		Observer: func(_ string, _, to State) {
			transitions = append(transitions, to)
		},
	})

	cb.RecordFailure()
	now = now.Add(2 * time.Second)
	_ = cb.State()
	cb.RecordSuccess()

	want := []State{StateOpen, StateHalfOpen, StateClosed}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", transitions, want)
		}
	}
}
