package run

import (
	"errors"
	"fmt"
	"time"
)

// ConfigurationError indicates a required setting is missing. Fatal, not retryable.
type ConfigurationError struct {
	Setting string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("configuration error: %s: %s", e.Setting, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s is not configured", e.Setting)
}

// Retryable reports false.
func (e *ConfigurationError) Retryable() bool { return false }

// RemoteError is a non-2xx response from the executor (or a transport
// failure, in which case StatusCode is 0 and Err is set).
type RemoteError struct {
	Operation  string
	StatusCode int
	Body       string
	Err        error
}

func (e *RemoteError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("executor %s failed: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("executor %s failed: status %d: %s", e.Operation, e.StatusCode, truncate(e.Body, 256))
}

// Unwrap allows errors.Is and errors.As to see the transport error.
func (e *RemoteError) Unwrap() error { return e.Err }

// Retryable reports true; the caller decides whether to retry.
func (e *RemoteError) Retryable() bool { return true }

// ProtocolError is a 2xx response that does not satisfy the wire contract.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// Retryable reports false; a protocol mismatch does not heal on retry.
func (e *ProtocolError) Retryable() bool { return false }

// ConflictError rejects a decision against a terminal run or a checkpoint the
// run is not paused at.
type ConflictError struct {
	RunID  string
	Status Status
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on run %s (%s): %s", e.RunID, e.Status, e.Reason)
}

// Retryable reports false.
func (e *ConflictError) Retryable() bool { return false }

// LimitExceededError rejects a pivot alternative once the pivot ceiling is
// reached. Only override_proceed and kill_project remain admissible.
type LimitExceededError struct {
	RunID      string
	PivotType  string
	PivotCount int
	MaxPivots  int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("pivot limit reached for run %s: %d of %d %s pivots used; choose %s or %s",
		e.RunID, e.PivotCount, e.MaxPivots, e.PivotType, DecisionOverrideProceed, DecisionKillProject)
}

// Retryable reports false; a different decision kind is required.
func (e *LimitExceededError) Retryable() bool { return false }

// TimeoutError is returned when the long-poll loop exhausts its attempts.
type TimeoutError struct {
	RunID    string
	Attempts int
	Elapsed  time.Duration
	Last     *Snapshot
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("run %s did not pause or finish after %d polls (%s)", e.RunID, e.Attempts, e.Elapsed.Round(time.Millisecond))
}

// Retryable reports true; waiting again is safe.
func (e *TimeoutError) Retryable() bool { return true }

// RunFailedError is returned by the long-poll driver when the run fails.
type RunFailedError struct {
	RunID    string
	Message  string
	Snapshot *Snapshot
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("run %s failed: %s", e.RunID, e.Message)
}

// Retryable reports false.
func (e *RunFailedError) Retryable() bool { return false }

// ValidationError rejects malformed caller input before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Retryable reports false.
func (e *ValidationError) Retryable() bool { return false }

// ErrNotFound is returned when a run or project is unknown.
var ErrNotFound = errors.New("not found")

type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether the first classified error in err's chain is
// retryable. Unclassified errors are not retryable.
func IsRetryable(err error) bool {
	var r retryable
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
