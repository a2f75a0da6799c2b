package manualrun

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/toralehq/engine/internal/db"
	"github.com/toralehq/engine/internal/repositories"
)

type fakeTasks struct{}

func (f *fakeTasks) Create(ctx context.Context, t *db.Task) error { return nil }
func (f *fakeTasks) GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error) {
	return &db.Task{}, nil
}
func (f *fakeTasks) Update(ctx context.Context, t *db.Task) error   { return nil }
func (f *fakeTasks) Delete(ctx context.Context, id uuid.UUID) error { return nil }
func (f *fakeTasks) List(ctx context.Context, opts repositories.ListOptions) ([]db.Task, int64, error) {
	return nil, 0, nil
}
func (f *fakeTasks) ListByState(ctx context.Context, state string) ([]db.Task, error) {
	return nil, nil
}
func (f *fakeTasks) CompareAndSwapState(ctx context.Context, id uuid.UUID, from, to string, changedAt time.Time) error {
	return nil
}
func (f *fakeTasks) SetNextRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error {
	return nil
}
func (f *fakeTasks) Rename(ctx context.Context, id uuid.UUID, name string) error { return nil }

// fakeExecutions drives the conflict/force/retry-inheritance branches of
// StartTaskExecution.
type fakeExecutions struct {
	inFlight      *db.TaskExecution
	last          *db.TaskExecution
	createErr     error
	created       *db.TaskExecution
	createRetry   int
	createIsFirst bool
	markFailedID  uuid.UUID
	markFailedMsg string
}

func (f *fakeExecutions) CreatePending(ctx context.Context, taskID uuid.UUID, retryCount int, isFirst bool) (*db.TaskExecution, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.createRetry = retryCount
	f.createIsFirst = isFirst
	f.created = &db.TaskExecution{TaskID: taskID, RetryCount: retryCount, IsFirstExecution: isFirst, Status: db.ExecutionStatusPending}
	f.created.ID = uuid.New()
	return f.created, nil
}
func (f *fakeExecutions) GetByID(ctx context.Context, id uuid.UUID) (*db.TaskExecution, error) {
	return nil, repositories.ErrNotFound
}
func (f *fakeExecutions) GetInFlight(ctx context.Context, taskID uuid.UUID) (*db.TaskExecution, error) {
	if f.inFlight == nil {
		return nil, repositories.ErrNotFound
	}
	return f.inFlight, nil
}
func (f *fakeExecutions) GetLast(ctx context.Context, taskID uuid.UUID) (*db.TaskExecution, error) {
	if f.last == nil {
		return nil, repositories.ErrNotFound
	}
	return f.last, nil
}
func (f *fakeExecutions) ListRecent(ctx context.Context, taskID uuid.UUID, limit int) ([]db.TaskExecution, error) {
	return nil, nil
}
func (f *fakeExecutions) MarkRunning(ctx context.Context, id uuid.UUID) error { return nil }
func (f *fakeExecutions) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	f.markFailedID = id
	f.markFailedMsg = errMsg
	return true, nil
}
func (f *fakeExecutions) FinalizeSuccess(ctx context.Context, in repositories.FinalizeSuccessInput) error {
	return nil
}
func (f *fakeExecutions) MergeResultFlag(ctx context.Context, id uuid.UUID, flag string, value bool) error {
	return nil
}
func (f *fakeExecutions) ListStaleRunning(ctx context.Context, olderThan time.Time) ([]db.TaskExecution, error) {
	return nil, nil
}

type fakeCanceller struct {
	removeCalls int
	removeErr   error
}

func (f *fakeCanceller) RemoveTaskRun(ctx context.Context, taskID uuid.UUID) error {
	f.removeCalls++
	return f.removeErr
}

type fakeExecutor struct {
	calls                 int
	taskID, executionID   uuid.UUID
	suppressNotifications bool
	err                   error
}

func (f *fakeExecutor) ExecuteManual(ctx context.Context, taskID, executionID uuid.UUID, suppressNotifications bool) error {
	f.calls++
	f.taskID = taskID
	f.executionID = executionID
	f.suppressNotifications = suppressNotifications
	return f.err
}

func newCoordinator(execs *fakeExecutions, canceller *fakeCanceller, executor *fakeExecutor) *Coordinator {
	return New(&fakeTasks{}, execs, canceller, executor, zap.NewNop())
}

// TestStartTaskExecution_RejectsWhenAlreadyRunning covers step
// 1: a live in-flight execution without force yields ErrExecutionAlreadyRunning.
func TestStartTaskExecution_RejectsWhenAlreadyRunning(t *testing.T) {
	execs := &fakeExecutions{inFlight: &db.TaskExecution{Status: db.ExecutionStatusRunning}}
	c := newCoordinator(execs, &fakeCanceller{}, &fakeExecutor{})

	err := c.StartTaskExecution(context.Background(), uuid.New(), false, false)
	assert.ErrorIs(t, err, ErrExecutionAlreadyRunning)
	assert.Equal(t, 0, execs.createRetry)
	assert.Nil(t, execs.created)
}

// TestStartTaskExecution_ForceOverridesStuckExecution is scenario 4: force=true
// marks the stuck execution failed with the override message, inherits its
// retry count, and proceeds to a new pending execution.
func TestStartTaskExecution_ForceOverridesStuckExecution(t *testing.T) {
	stuckID := uuid.New()
	execs := &fakeExecutions{inFlight: &db.TaskExecution{RetryCount: 2, Status: db.ExecutionStatusRunning}}
	execs.inFlight.ID = stuckID
	canceller := &fakeCanceller{}
	executor := &fakeExecutor{}
	c := newCoordinator(execs, canceller, executor)

	taskID := uuid.New()
	err := c.StartTaskExecution(context.Background(), taskID, true, false)
	require.NoError(t, err)

	assert.Equal(t, stuckID, execs.markFailedID)
	assert.Equal(t, overrideMessage, execs.markFailedMsg)
	assert.Equal(t, 2, execs.createRetry, "retry count inherited from the overridden execution")
	assert.Equal(t, 1, canceller.removeCalls, "pending scheduler job must be cancelled before handoff")
	assert.Equal(t, 1, executor.calls)
	assert.Equal(t, taskID, executor.taskID)
	assert.Equal(t, execs.created.ID, executor.executionID)
}

// TestStartTaskExecution_InheritsRetryCountFromLastWhenNoneInFlight covers the
// no-conflict path: retry_count is still inherited from the task's last
// execution even though nothing was overridden.
func TestStartTaskExecution_InheritsRetryCountFromLastWhenNoneInFlight(t *testing.T) {
	execs := &fakeExecutions{last: &db.TaskExecution{RetryCount: 3}}
	executor := &fakeExecutor{}
	c := newCoordinator(execs, &fakeCanceller{}, executor)

	err := c.StartTaskExecution(context.Background(), uuid.New(), false, false)
	require.NoError(t, err)
	assert.Equal(t, 3, execs.createRetry)
	assert.False(t, execs.createIsFirst)
}

// TestStartTaskExecution_FirstExecutionWhenNoHistory covers the brand-new
// task path: no in-flight, no last execution -> isFirst=true, retryCount=0.
func TestStartTaskExecution_FirstExecutionWhenNoHistory(t *testing.T) {
	execs := &fakeExecutions{}
	executor := &fakeExecutor{}
	c := newCoordinator(execs, &fakeCanceller{}, executor)

	err := c.StartTaskExecution(context.Background(), uuid.New(), false, false)
	require.NoError(t, err)
	assert.Equal(t, 0, execs.createRetry)
	assert.True(t, execs.createIsFirst)
}

// TestStartTaskExecution_SchedulerCancelFailureIsBestEffort: a failing
// RemoveTaskRun must not abort the manual run.
func TestStartTaskExecution_SchedulerCancelFailureIsBestEffort(t *testing.T) {
	execs := &fakeExecutions{}
	canceller := &fakeCanceller{removeErr: assert.AnError}
	executor := &fakeExecutor{}
	c := newCoordinator(execs, canceller, executor)

	err := c.StartTaskExecution(context.Background(), uuid.New(), false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, canceller.removeCalls)
	assert.Equal(t, 1, executor.calls)
}

// TestStartTaskExecution_CreateConflictSurfacesAsAlreadyRunning: a race
// between the in-flight check and the insert is caught by the partial
// unique index and reported the same way as the up-front check.
func TestStartTaskExecution_CreateConflictSurfacesAsAlreadyRunning(t *testing.T) {
	execs := &fakeExecutions{createErr: repositories.ErrConflict}
	c := newCoordinator(execs, &fakeCanceller{}, &fakeExecutor{})

	err := c.StartTaskExecution(context.Background(), uuid.New(), false, false)
	assert.ErrorIs(t, err, ErrExecutionAlreadyRunning)
}

func TestStartTaskExecution_PropagatesSuppressNotifications(t *testing.T) {
	execs := &fakeExecutions{}
	executor := &fakeExecutor{}
	c := newCoordinator(execs, &fakeCanceller{}, executor)

	err := c.StartTaskExecution(context.Background(), uuid.New(), false, true)
	require.NoError(t, err)
	assert.True(t, executor.suppressNotifications)
}
