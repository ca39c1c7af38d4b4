// Package resilience provides the circuit breaker and retry helpers the
// outbound HTTP clients share.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ashbot/ash/internal/errs"
	"github.com/ashbot/ash/internal/logging"
)

// State is the circuit breaker state.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateOpen rejects requests fast until the cooldown elapses.
	StateOpen
	// StateHalfOpen allows a single probe request.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateObserver receives state-change notifications, typically for metrics.
type StateObserver func(name string, from, to State)

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// Name identifies the breaker in logs and metrics (one per endpoint).
	Name string

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before allowing a probe.
	Cooldown time.Duration

	Logger   logging.Logger
	Observer StateObserver

	// Now is injectable for tests; defaults to time.Now.
	Now func() time.Time
}

// CircuitBreaker is a consecutive-failure breaker with a single half-open
// probe. One value exists per endpoint; it is never shared across endpoints.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	logger    logging.Logger
	observer  StateObserver
	now       func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// NewCircuitBreaker creates a breaker from config, applying defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NoOp{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CircuitBreaker{
		name:      cfg.Name,
		threshold: cfg.FailureThreshold,
		cooldown:  cfg.Cooldown,
		logger:    cfg.Logger,
		observer:  cfg.Observer,
		now:       cfg.Now,
	}
}

// State returns the current state, accounting for cooldown expiry.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		cb.transitionLocked(StateHalfOpen)
	}
	return cb.state
}

// Allow reports whether a request may proceed. In half-open state only one
// probe is admitted; callers must report the outcome via RecordSuccess or
// RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.stateLocked() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess clears the failure count and closes the breaker.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures = 0
	cb.probeInFlight = false
	if cb.state != StateClosed {
		cb.transitionLocked(StateClosed)
	}
}

// RecordFailure counts a failure; at the threshold the breaker opens. A failed
// half-open probe reopens immediately.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probeInFlight = false
	switch cb.state {
	case StateHalfOpen:
		cb.openedAt = cb.now()
		cb.transitionLocked(StateOpen)
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.openedAt = cb.now()
			cb.transitionLocked(StateOpen)
		}
	}
}

// Execute runs fn under the breaker, returning ErrCircuitOpen on rejection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.Allow() {
		return errs.NewID("breaker.Execute", "resilience", cb.name, errs.ErrCircuitOpen)
	}

	err := fn()
	if err != nil && !isCountedFailure(err) {
		// Context cancellation is the caller giving up, not endpoint health.
		cb.mu.Lock()
		cb.probeInFlight = false
		cb.mu.Unlock()
		return err
	}
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

func isCountedFailure(err error) bool {
	return !(err == nil || errors.Is(err, context.Canceled) || errs.IsConfiguration(err))
}

func (cb *CircuitBreaker) transitionLocked(to State) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.logger.Warn("circuit breaker state change", map[string]interface{}{
		"breaker": cb.name,
		"from":    from.String(),
		"to":      to.String(),
	})
	if cb.observer != nil {
		cb.observer(cb.name, from, to)
	}
}
