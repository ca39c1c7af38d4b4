// Package errs defines the sentinel errors and the structured error type shared
// across Ash components. Callers compare with errors.Is; the BotError wrapper
// adds operation and entity context without losing the underlying sentinel.
package errs

import (
	"errors"
	"fmt"
)

var (
	// Collaborator errors
	ErrUnavailable      = errors.New("collaborator unavailable")
	ErrTimeout          = errors.New("operation timeout")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrConnectionFailed = errors.New("connection failed")
	ErrRequestFailed    = errors.New("request failed")
	ErrRateLimited      = errors.New("rate limited")

	// Resilience errors
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Domain errors
	ErrNotFound        = errors.New("not found")
	ErrUserOptedOut    = errors.New("user opted out of AI support")
	ErrSessionExists   = errors.New("session already active")
	ErrAlreadyResolved = errors.New("alert already resolved")
	ErrQueueFull       = errors.New("per-user queue full")
	ErrNotAuthorized   = errors.New("not authorized")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// State errors
	ErrAlreadyStarted = errors.New("already started")
	ErrNotInitialized = errors.New("not initialized")
	ErrCorruptRecord  = errors.New("corrupt stored record")
)

// BotError carries the failing operation, an error kind, and the entity id.
type BotError struct {
	Op   string // operation that failed, e.g. "history.Insert"
	Kind string // subsystem, e.g. "kv", "nlp", "session"
	ID   string // optional entity id (user, alert, channel)
	Err  error  // wrapped cause
}

func (e *BotError) Error() string {
	switch {
	case e.Op != "" && e.ID != "":
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Err != nil:
		return e.Err.Error()
	default:
		return fmt.Sprintf("%s error", e.Kind)
	}
}

func (e *BotError) Unwrap() error { return e.Err }

// New wraps err with operation and kind context.
func New(op, kind string, err error) *BotError {
	return &BotError{Op: op, Kind: kind, Err: err}
}

// NewID wraps err with operation, kind, and entity id context.
func NewID(op, kind, id string, err error) *BotError {
	return &BotError{Op: op, Kind: kind, ID: id, Err: err}
}

// IsRetryable reports whether the error is a transient transport condition
// worth retrying. Auth failures and domain errors are never retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrRateLimited)
}

// IsUnavailable reports whether the error means the collaborator cannot be
// reached at all (as opposed to rejecting the request).
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable) ||
		errors.Is(err, ErrConnectionFailed) ||
		errors.Is(err, ErrCircuitOpen)
}

// IsNotFound reports whether the error represents a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConfiguration reports whether the error is a configuration problem.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
