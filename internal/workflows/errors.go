package workflows

import (
	"errors"
	"fmt"

	"go.temporal.io/sdk/temporal"

	"github.com/fyrsmithlabs/validationd/internal/run"
)

// Application error types that Temporal must not retry.
const (
	errTypeValidation    = "ValidationError"
	errTypeConfiguration = "ConfigurationError"
	errTypeNotFound      = "NotFound"
)

// KickoffExhaustedError is returned by KickoffRetryWorkflow once every
// attempt has failed and the run has been marked failed.
type KickoffExhaustedError struct {
	RunID string
	Err   error
}

func (e *KickoffExhaustedError) Error() string {
	return fmt.Sprintf("kickoff for run %s exhausted: %v", e.RunID, e.Err)
}

func (e *KickoffExhaustedError) Unwrap() error { return e.Err }

// WrapActivityError prefixes err with what the activity was doing.
func WrapActivityError(operation string, err error) error {
	return fmt.Errorf("%s: %w", operation, err)
}

// classify turns a kickoff error into an activity error. Bad input, a
// misconfigured executor and a vanished run will fail the same way on every
// attempt, so Temporal is told not to retry them.
func classify(operation string, err error) error {
	var (
		verr *run.ValidationError
		cerr *run.ConfigurationError
	)
	var kind string
	switch {
	case errors.As(err, &verr):
		kind = errTypeValidation
	case errors.As(err, &cerr):
		kind = errTypeConfiguration
	case errors.Is(err, run.ErrNotFound):
		kind = errTypeNotFound
	default:
		return WrapActivityError(operation, err)
	}
	return temporal.NewNonRetryableApplicationError(WrapActivityError(operation, err).Error(), kind, err)
}
