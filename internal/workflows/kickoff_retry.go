// Package workflows provides Temporal workflow definitions for validationd.
//
// KickoffRetryWorkflow takes over runs whose kickoff the executor did not
// accept. The initiator has already answered the client with a local run
// id; the workflow keeps calling the executor's start endpoint until it
// accepts the run, then binds the executor's run id to the local one.
package workflows

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// Default retry shape of a kickoff.
const (
	DefaultKickoffMaxAttempts = 10
	DefaultTaskQueue          = "validationd-kickoff"
)

// KickoffRetryInput configures one retry workflow.
type KickoffRetryInput struct {
	RunID       string // Local run id persisted with status pending
	MaxAttempts int32  // Start attempts before the run is marked failed
}

// KickoffRetryResult reports the outcome of a retry workflow.
type KickoffRetryResult struct {
	RunID         string   // Local run id
	ExecutorRunID string   // Executor run id, set on success
	Bound         bool     // Whether the executor accepted the run
	Errors        []string // Any errors encountered
}

// KickoffBinding is returned by RetryKickoff.
type KickoffBinding struct {
	ExecutorRunID string
	AlreadyBound  bool
}

// MarkFailedInput is passed to MarkKickoffFailed.
type MarkFailedInput struct {
	RunID  string
	Reason string
}

// KickoffRetryWorkflow retries the executor kickoff of a pending run.
//
// This workflow:
// 1. Calls start for the run with exponential backoff
// 2. Binds the executor run id and marks the run running
// 3. Marks the run failed once the attempts are exhausted
func KickoffRetryWorkflow(ctx workflow.Context, input KickoffRetryInput) (*KickoffRetryResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("Starting kickoff retry", "run_id", input.RunID)

	attempts := input.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultKickoffMaxAttempts
	}

	var a *Activities
	result := &KickoffRetryResult{RunID: input.RunID}

	retryCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: time.Minute,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:        5 * time.Second,
			BackoffCoefficient:     2.0,
			MaximumInterval:        5 * time.Minute,
			MaximumAttempts:        attempts,
			NonRetryableErrorTypes: []string{errTypeValidation, errTypeConfiguration, errTypeNotFound},
		},
	})

	var binding KickoffBinding
	err := workflow.ExecuteActivity(retryCtx, a.RetryKickoff, input.RunID).Get(ctx, &binding)
	if err == nil {
		result.Bound = true
		result.ExecutorRunID = binding.ExecutorRunID
		logger.Info("Kickoff retry complete",
			"run_id", input.RunID,
			"executor_run_id", binding.ExecutorRunID,
			"already_bound", binding.AlreadyBound)
		return result, nil
	}

	result.Errors = append(result.Errors, fmt.Sprintf("failed to kick off run: %v", err))
	logger.Error("Kickoff retries exhausted", "run_id", input.RunID, "error", err)

	markCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 30 * time.Second,
		RetryPolicy:         &temporal.RetryPolicy{MaximumAttempts: 3},
	})
	markErr := workflow.ExecuteActivity(markCtx, a.MarkKickoffFailed, MarkFailedInput{
		RunID:  input.RunID,
		Reason: err.Error(),
	}).Get(ctx, nil)
	if markErr != nil {
		logger.Warn("Failed to mark run failed (non-fatal)", "run_id", input.RunID, "error", markErr)
		result.Errors = append(result.Errors, fmt.Sprintf("failed to mark run failed: %v", markErr))
	}
	return result, &KickoffExhaustedError{RunID: input.RunID, Err: err}
}
