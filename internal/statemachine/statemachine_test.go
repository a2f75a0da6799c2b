package statemachine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/toralehq/engine/internal/db"
	"github.com/toralehq/engine/internal/repositories"
)

// fakeTasks is a minimal in-memory repositories.TaskRepository sufficient to
// drive the state machine's CAS-then-side-effect pipeline.
type fakeTasks struct {
	state       string
	casErr      error
	casCalls    int
}

func (f *fakeTasks) Create(ctx context.Context, t *db.Task) error { return nil }
func (f *fakeTasks) GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error) {
	return &db.Task{}, nil
}
func (f *fakeTasks) Update(ctx context.Context, t *db.Task) error           { return nil }
func (f *fakeTasks) Delete(ctx context.Context, id uuid.UUID) error         { return nil }
func (f *fakeTasks) List(ctx context.Context, opts repositories.ListOptions) ([]db.Task, int64, error) {
	return nil, 0, nil
}
func (f *fakeTasks) ListByState(ctx context.Context, state string) ([]db.Task, error) {
	return nil, nil
}
func (f *fakeTasks) Rename(ctx context.Context, id uuid.UUID, name string) error { return nil }

func (f *fakeTasks) CompareAndSwapState(ctx context.Context, id uuid.UUID, from, to string, changedAt time.Time) error {
	f.casCalls++
	if f.casErr != nil {
		err := f.casErr
		f.casErr = nil
		return err
	}
	if f.state != from {
		return repositories.ErrConflict
	}
	f.state = to
	return nil
}

func (f *fakeTasks) SetNextRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error {
	return nil
}

// fakeScheduler records which side effect was invoked and can be made to
// fail on demand, to exercise the rollback path.
type fakeScheduler struct {
	pauseCalls, resumeCalls, removeCalls int
	failOn                               string // "pause", "resume", "remove", or ""
}

func (f *fakeScheduler) PauseTaskRun(ctx context.Context, taskID uuid.UUID) error {
	f.pauseCalls++
	if f.failOn == "pause" {
		return errors.New("boom")
	}
	return nil
}

func (f *fakeScheduler) ResumeTaskRun(ctx context.Context, taskID uuid.UUID) error {
	f.resumeCalls++
	if f.failOn == "resume" {
		return errors.New("boom")
	}
	return nil
}

func (f *fakeScheduler) RemoveTaskRun(ctx context.Context, taskID uuid.UUID) error {
	f.removeCalls++
	if f.failOn == "remove" {
		return errors.New("boom")
	}
	return nil
}

func newSM(tasks *fakeTasks, sched *fakeScheduler) *StateMachine {
	return New(tasks, sched, zap.NewNop())
}

func TestTransition_ActiveToPaused(t *testing.T) {
	tasks := &fakeTasks{state: db.TaskStateActive}
	sched := &fakeScheduler{}
	sm := newSM(tasks, sched)

	err := sm.Pause(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, db.TaskStatePaused, tasks.state)
	assert.Equal(t, 1, sched.pauseCalls)
}

func TestTransition_ActiveToCompleted_RemovesJob(t *testing.T) {
	tasks := &fakeTasks{state: db.TaskStateActive}
	sched := &fakeScheduler{}
	sm := newSM(tasks, sched)

	err := sm.Complete(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Equal(t, db.TaskStateCompleted, tasks.state)
	assert.Equal(t, 1, sched.removeCalls)
}

func TestTransition_PausedToActive_Resumes(t *testing.T) {
	tasks := &fakeTasks{state: db.TaskStatePaused}
	sched := &fakeScheduler{}
	sm := newSM(tasks, sched)

	err := sm.Activate(context.Background(), uuid.New(), db.TaskStatePaused)
	require.NoError(t, err)
	assert.Equal(t, db.TaskStateActive, tasks.state)
	assert.Equal(t, 1, sched.resumeCalls)
}

func TestTransition_CompletedToActive_Recreates(t *testing.T) {
	tasks := &fakeTasks{state: db.TaskStateCompleted}
	sched := &fakeScheduler{}
	sm := newSM(tasks, sched)

	err := sm.Activate(context.Background(), uuid.New(), db.TaskStateCompleted)
	require.NoError(t, err)
	assert.Equal(t, db.TaskStateActive, tasks.state)
	assert.Equal(t, 1, sched.resumeCalls)
}

// TestTransition_PausedCompletedForbidden covers both directions of the
// explicitly-forbidden PAUSED<->COMPLETED transition.
func TestTransition_PausedCompletedForbidden(t *testing.T) {
	tasks := &fakeTasks{state: db.TaskStatePaused}
	sm := newSM(tasks, &fakeScheduler{})

	err := sm.Transition(context.Background(), uuid.New(), db.TaskStatePaused, db.TaskStateCompleted)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, db.TaskStatePaused, tasks.state, "rejected transition must not mutate state")

	tasks.state = db.TaskStateCompleted
	err = sm.Transition(context.Background(), uuid.New(), db.TaskStateCompleted, db.TaskStatePaused)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

// TestTransition_SameStateIsNoOp is R1: repeated application of the same
// valid transition is a no-op success, with no CAS or side effect invoked.
func TestTransition_SameStateIsNoOp(t *testing.T) {
	tasks := &fakeTasks{state: db.TaskStateActive}
	sched := &fakeScheduler{}
	sm := newSM(tasks, sched)

	err := sm.Transition(context.Background(), uuid.New(), db.TaskStateActive, db.TaskStateActive)
	require.NoError(t, err)
	assert.Equal(t, 0, tasks.casCalls)
	assert.Equal(t, 0, sched.pauseCalls)
	assert.Equal(t, 0, sched.resumeCalls)
	assert.Equal(t, 0, sched.removeCalls)
}

func TestTransition_ConcurrentModification(t *testing.T) {
	tasks := &fakeTasks{state: db.TaskStatePaused} // caller observed ACTIVE, but it's actually PAUSED
	sm := newSM(tasks, &fakeScheduler{})

	err := sm.Pause(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConcurrentModification)
}

// TestTransition_SideEffectFailureRollsBack: when the scheduler side effect
// fails, the task's state must be rolled back to its prior value.
func TestTransition_SideEffectFailureRollsBack(t *testing.T) {
	tasks := &fakeTasks{state: db.TaskStateActive}
	sched := &fakeScheduler{failOn: "pause"}
	sm := newSM(tasks, sched)

	err := sm.Pause(context.Background(), uuid.New())
	require.Error(t, err)
	assert.Equal(t, db.TaskStateActive, tasks.state, "state must roll back after a failed side effect")
	assert.Equal(t, 2, tasks.casCalls, "forward CAS plus rollback CAS")
}
