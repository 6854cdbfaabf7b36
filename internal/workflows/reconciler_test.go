package workflows

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/validationd/internal/store"
)

type pendingRuns struct {
	runs  []*store.Run
	err   error
	calls atomic.Int32
}

func (p *pendingRuns) ListPendingKickoffs(_ context.Context, limit int) ([]*store.Run, error) {
	p.calls.Add(1)
	if len(p.runs) > limit {
		return p.runs[:limit], p.err
	}
	return p.runs, p.err
}

type mockRetryScheduler struct {
	mock.Mock
}

func (m *mockRetryScheduler) ScheduleKickoffRetry(ctx context.Context, runID string) error {
	args := m.Called(ctx, runID)
	return args.Error(0)
}

func TestNewReconciler_RequiresDeps(t *testing.T) {
	_, err := NewReconciler(nil, &mockRetryScheduler{}, 0, nil)
	require.Error(t, err)
	_, err = NewReconciler(&pendingRuns{}, nil, 0, nil)
	require.Error(t, err)

	r, err := NewReconciler(&pendingRuns{}, &mockRetryScheduler{}, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultReconcileInterval, r.interval)
}

func TestReconciler_ReschedulesEveryPendingRun(t *testing.T) {
	runs := &pendingRuns{runs: []*store.Run{{RunID: "local-1"}, {RunID: "local-2", KickoffAttempts: 4}, {RunID: "local-3"}}}
	sched := &mockRetryScheduler{}
	sched.On("ScheduleKickoffRetry", mock.Anything, "local-1").Return(nil).Once()
	sched.On("ScheduleKickoffRetry", mock.Anything, "local-2").Return(errors.New("temporal down")).Once()
	sched.On("ScheduleKickoffRetry", mock.Anything, "local-3").Return(nil).Once()

	r, err := NewReconciler(runs, sched, time.Minute, nil)
	require.NoError(t, err)

	n, err := r.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "a failed schedule does not stop the pass")
	sched.AssertExpectations(t)
}

func TestReconciler_ListError(t *testing.T) {
	runs := &pendingRuns{err: errors.New("database is locked")}
	sched := &mockRetryScheduler{}
	r, err := NewReconciler(runs, sched, time.Minute, nil)
	require.NoError(t, err)

	_, err = r.Reconcile(context.Background())
	require.Error(t, err)
	sched.AssertNotCalled(t, "ScheduleKickoffRetry", mock.Anything, mock.Anything)
}

func TestReconciler_RunsAtStartupAndOnInterval(t *testing.T) {
	runs := &pendingRuns{runs: []*store.Run{{RunID: "local-1"}}}
	sched := &mockRetryScheduler{}
	sched.On("ScheduleKickoffRetry", mock.Anything, "local-1").Return(nil)

	r, err := NewReconciler(runs, sched, 10*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return runs.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop after cancel")
	}
}

func TestReconciler_PicksUpRunWhoseInlineScheduleFailed(t *testing.T) {
	f := newActivityFixture(t)
	ctx := context.Background()
	f.pendingRun(t, "local-1")
	f.pendingRun(t, "local-2")
	require.NoError(t, f.store.BindExecutorRun(ctx, "local-2", "r9"))

	sched := &mockRetryScheduler{}
	sched.On("ScheduleKickoffRetry", mock.Anything, "local-1").Return(nil).Once()
	r, err := NewReconciler(f.store, sched, time.Minute, nil)
	require.NoError(t, err)

	n, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	sched.AssertExpectations(t)

	require.NoError(t, f.store.BindExecutorRun(ctx, "local-1", "r10"))
	n, err = r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "bound runs leave the pending set")
}
