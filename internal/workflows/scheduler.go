package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.temporal.io/api/serviceerror"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

// Scheduler starts kickoff retry workflows. It satisfies the initiator's
// KickoffScheduler.
type Scheduler struct {
	client      client.Client
	taskQueue   string
	maxAttempts int32
	logger      *zap.Logger
}

// NewScheduler creates a scheduler on c. An empty taskQueue uses DefaultTaskQueue.
func NewScheduler(c client.Client, taskQueue string, maxAttempts int32, logger *zap.Logger) (*Scheduler, error) {
	if c == nil {
		return nil, errors.New("temporal client is required for kickoff scheduler")
	}
	if taskQueue == "" {
		taskQueue = DefaultTaskQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{client: c, taskQueue: taskQueue, maxAttempts: maxAttempts, logger: logger}, nil
}

// WorkflowID returns the retry workflow id of a run. One retry workflow
// runs per run at a time.
func WorkflowID(runID string) string {
	return "kickoff-retry-" + runID
}

// ScheduleKickoffRetry starts the retry workflow for runID. A workflow that
// is already running for the run is not an error.
func (s *Scheduler) ScheduleKickoffRetry(ctx context.Context, runID string) error {
	options := client.StartWorkflowOptions{
		ID:                       WorkflowID(runID),
		TaskQueue:                s.taskQueue,
		WorkflowExecutionTimeout: 24 * time.Hour,
	}

	workflowCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	we, err := s.client.ExecuteWorkflow(workflowCtx, options, KickoffRetryWorkflow, KickoffRetryInput{
		RunID:       runID,
		MaxAttempts: s.maxAttempts,
	})
	if err != nil {
		var started *serviceerror.WorkflowExecutionAlreadyStarted
		if errors.As(err, &started) {
			s.logger.Debug("kickoff retry already running", zap.String("run_id", runID))
			return nil
		}
		return fmt.Errorf("failed to start kickoff retry workflow: %w", err)
	}

	s.logger.Info("kickoff retry scheduled",
		zap.String("run_id", runID),
		zap.String("workflow_id", we.GetID()),
		zap.String("workflow_run_id", we.GetRunID()))
	return nil
}
