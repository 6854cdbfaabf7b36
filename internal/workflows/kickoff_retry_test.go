package workflows

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/testsuite"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/validationd/internal/executor"
	"github.com/fyrsmithlabs/validationd/internal/executor/executortest"
	"github.com/fyrsmithlabs/validationd/internal/run"
	"github.com/fyrsmithlabs/validationd/internal/store"
)

// TestKickoffRetryWorkflow tests the workflow with mocked activities.
func TestKickoffRetryWorkflow(t *testing.T) {
	var a *Activities

	t.Run("binds executor run", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterActivity(&Activities{})

		env.OnActivity(a.RetryKickoff, mock.Anything, "local-1").Return(&KickoffBinding{ExecutorRunID: "r7"}, nil)

		env.ExecuteWorkflow(KickoffRetryWorkflow, KickoffRetryInput{RunID: "local-1", MaxAttempts: 3})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())

		var result KickoffRetryResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.True(t, result.Bound)
		assert.Equal(t, "r7", result.ExecutorRunID)
		assert.Empty(t, result.Errors)
	})

	t.Run("retries transient failures", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterActivity(&Activities{})

		env.OnActivity(a.RetryKickoff, mock.Anything, "local-2").Return(nil, errors.New("executor unavailable")).Twice()
		env.OnActivity(a.RetryKickoff, mock.Anything, "local-2").Return(&KickoffBinding{ExecutorRunID: "r8"}, nil).Once()

		env.ExecuteWorkflow(KickoffRetryWorkflow, KickoffRetryInput{RunID: "local-2", MaxAttempts: 5})

		require.True(t, env.IsWorkflowCompleted())
		require.NoError(t, env.GetWorkflowError())
		var result KickoffRetryResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, "r8", result.ExecutorRunID)
		env.AssertExpectations(t)
	})

	t.Run("marks run failed when attempts are exhausted", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterActivity(&Activities{})

		env.OnActivity(a.RetryKickoff, mock.Anything, "local-3").Return(nil, errors.New("executor unavailable"))
		env.OnActivity(a.MarkKickoffFailed, mock.Anything, mock.MatchedBy(func(in MarkFailedInput) bool {
			return in.RunID == "local-3" && in.Reason != ""
		})).Return(nil).Once()

		env.ExecuteWorkflow(KickoffRetryWorkflow, KickoffRetryInput{RunID: "local-3", MaxAttempts: 2})

		require.True(t, env.IsWorkflowCompleted())
		require.Error(t, env.GetWorkflowError())
		env.AssertExpectations(t)
	})

	t.Run("does not retry validation errors", func(t *testing.T) {
		testSuite := &testsuite.WorkflowTestSuite{}
		env := testSuite.NewTestWorkflowEnvironment()
		env.RegisterActivity(&Activities{})

		nonRetryable := temporal.NewNonRetryableApplicationError("bad input", errTypeValidation, nil)
		env.OnActivity(a.RetryKickoff, mock.Anything, "local-4").Return(nil, nonRetryable).Once()
		env.OnActivity(a.MarkKickoffFailed, mock.Anything, mock.Anything).Return(nil).Once()

		env.ExecuteWorkflow(KickoffRetryWorkflow, KickoffRetryInput{RunID: "local-4", MaxAttempts: 10})

		require.True(t, env.IsWorkflowCompleted())
		require.Error(t, env.GetWorkflowError())
		env.AssertExpectations(t)
	})
}

type activityFixture struct {
	acts  *Activities
	fake  *executortest.Server
	store *store.SQLiteStore
}

func newActivityFixture(t *testing.T) *activityFixture {
	t.Helper()
	fake := executortest.New(t)
	st, err := store.Open(filepath.Join(t.TempDir(), "v.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	acts, err := NewActivities(st, executor.NewClient(fake.Config(), zap.NewNop()), nil, nil)
	require.NoError(t, err)
	return &activityFixture{acts: acts, fake: fake, store: st}
}

func (f *activityFixture) pendingRun(t *testing.T, runID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateProject(ctx, &store.Project{ID: "p-" + runID, UserID: "anonymous", RawIdea: "refurbished imaging for dentists", Flow: "quick_start"}))
	require.NoError(t, f.store.CreateRun(ctx, &store.Run{
		RunID:           runID,
		ProjectID:       "p-" + runID,
		UserID:          "anonymous",
		Flow:            "quick_start",
		Status:          run.StatusPending,
		CurrentPhase:    1,
		KickoffError:    "executor unavailable",
		KickoffAttempts: 1,
		CreatedAt:       time.Now(),
	}))
}

func TestRetryKickoffActivity(t *testing.T) {
	f := newActivityFixture(t)
	ctx := context.Background()
	f.pendingRun(t, "local-1")

	f.fake.FailStart(http.StatusServiceUnavailable)
	_, err := f.acts.RetryKickoff(ctx, "local-1")
	require.Error(t, err)
	assert.True(t, run.IsRetryable(err))

	rec, err := f.store.GetRun(ctx, "local-1")
	require.NoError(t, err)
	assert.Equal(t, 2, rec.KickoffAttempts)
	assert.True(t, rec.KickoffPending())

	f.fake.FailStart(0)
	binding, err := f.acts.RetryKickoff(ctx, "local-1")
	require.NoError(t, err)
	assert.Equal(t, "r1", binding.ExecutorRunID)

	rec, err = f.store.GetRun(ctx, "local-1")
	require.NoError(t, err)
	assert.Equal(t, "r1", rec.ExecutorRunID)
	assert.Equal(t, run.StatusRunning, rec.Status)
	assert.Equal(t, "refurbished imaging for dentists", f.fake.Starts()[0].RawIdea)

	again, err := f.acts.RetryKickoff(ctx, "local-1")
	require.NoError(t, err)
	assert.True(t, again.AlreadyBound)
	assert.Equal(t, 2, f.fake.StartCalls(), "a bound run is never started again")
}

func TestRetryKickoffActivity_UnknownRun(t *testing.T) {
	f := newActivityFixture(t)
	_, err := f.acts.RetryKickoff(context.Background(), "missing")
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.NonRetryable())
}

func TestMarkKickoffFailedActivity(t *testing.T) {
	f := newActivityFixture(t)
	ctx := context.Background()
	f.pendingRun(t, "local-2")

	require.NoError(t, f.acts.MarkKickoffFailed(ctx, MarkFailedInput{RunID: "local-2", Reason: "503"}))
	rec, err := f.store.GetRun(ctx, "local-2")
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, rec.Status)
	assert.Contains(t, rec.Error, "503")

	_, err = f.acts.RetryKickoff(ctx, "local-2")
	var appErr *temporal.ApplicationError
	require.ErrorAs(t, err, &appErr)
	assert.True(t, appErr.NonRetryable())
}

func TestWorkflowID(t *testing.T) {
	assert.Equal(t, "kickoff-retry-local-9", WorkflowID("local-9"))
}
