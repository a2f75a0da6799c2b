// Package statemachine implements the Task State Machine component (C6):
// validated ACTIVE/PAUSED/COMPLETED transitions, kept in lock-step with the
// scheduler via a compare-and-swap DB update followed by the scheduler
// side-effect, with rollback on side-effect failure. Grounded on
// internal/jobs's state-transition handling (CAS update, then an external
// side-effect, then a compensating rollback on failure) and generalized to
// the three-state table Task.State uses.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/toralehq/engine/internal/db"
	"github.com/toralehq/engine/internal/repositories"
)

// SchedulerEffects is the subset of the scheduler (C5) the state machine
// needs to keep a task's job in lock-step with its persisted state. Defined
// here, not imported from internal/scheduler, so this package does not
// depend on the scheduler package.
type SchedulerEffects interface {
	PauseTaskRun(ctx context.Context, taskID uuid.UUID) error

	// ResumeTaskRun installs taskID's job from its current persisted state,
	// creating it if absent. Used both for PAUSED->ACTIVE ("resume if
	// present, else create") and COMPLETED->ACTIVE ("re-create") — the
	// scheduler's RemoveTaskRun-then-NewJob implementation makes the two
	// cases identical from this package's point of view.
	ResumeTaskRun(ctx context.Context, taskID uuid.UUID) error

	RemoveTaskRun(ctx context.Context, taskID uuid.UUID) error
}

// StateMachine validates and performs Task state transitions.
type StateMachine struct {
	tasks     repositories.TaskRepository
	scheduler SchedulerEffects
	logger    *zap.Logger
	now       func() time.Time
}

// New constructs a StateMachine.
func New(tasks repositories.TaskRepository, scheduler SchedulerEffects, logger *zap.Logger) *StateMachine {
	return &StateMachine{
		tasks:     tasks,
		scheduler: scheduler,
		logger:    logger.Named("statemachine"),
		now:       time.Now,
	}
}

// Transition moves taskID from its currently observed state `from` to `to`,
// per the table any -> same is a no-op success; PAUSED <->
// COMPLETED is always rejected.
func (m *StateMachine) Transition(ctx context.Context, taskID uuid.UUID, from, to string) error {
	if from == to {
		return nil
	}
	if !isValidTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	at := m.now().UTC()
	if err := m.tasks.CompareAndSwapState(ctx, taskID, from, to, at); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return ErrConcurrentModification
		}
		return fmt.Errorf("statemachine: compare-and-swap: %w", err)
	}

	if err := m.applySideEffect(ctx, taskID, to); err != nil {
		m.logger.Error("scheduler side effect failed, rolling back state",
			zap.String("task_id", taskID.String()),
			zap.String("from", from), zap.String("to", to), zap.Error(err))

		if rbErr := m.tasks.CompareAndSwapState(ctx, taskID, to, from, m.now().UTC()); rbErr != nil {
			m.logger.Error("rollback failed, task state and scheduler are now inconsistent; reconciliation will repair it",
				zap.String("task_id", taskID.String()), zap.Error(rbErr))
		}
		return fmt.Errorf("statemachine: apply side effect: %w", err)
	}

	return nil
}

// Activate transitions a task to ACTIVE from PAUSED or COMPLETED, installing
// its scheduler job. Called with from=ACTIVE it is a same-state no-op, as
// in Transition, and installs no job.
func (m *StateMachine) Activate(ctx context.Context, taskID uuid.UUID, from string) error {
	return m.Transition(ctx, taskID, from, db.TaskStateActive)
}

// Pause transitions an ACTIVE task to PAUSED.
func (m *StateMachine) Pause(ctx context.Context, taskID uuid.UUID) error {
	return m.Transition(ctx, taskID, db.TaskStateActive, db.TaskStatePaused)
}

// Complete transitions an ACTIVE task to COMPLETED — implements
// orchestrator.TaskCompleter, invoked by the orchestrator (C4) when the
// agent reports nothing further to watch for.
func (m *StateMachine) Complete(ctx context.Context, taskID uuid.UUID) error {
	return m.Transition(ctx, taskID, db.TaskStateActive, db.TaskStateCompleted)
}

func (m *StateMachine) applySideEffect(ctx context.Context, taskID uuid.UUID, to string) error {
	switch to {
	case db.TaskStatePaused:
		return m.scheduler.PauseTaskRun(ctx, taskID)
	case db.TaskStateCompleted:
		return m.scheduler.RemoveTaskRun(ctx, taskID)
	case db.TaskStateActive:
		return m.scheduler.ResumeTaskRun(ctx, taskID)
	default:
		return fmt.Errorf("statemachine: no side effect defined for state %q", to)
	}
}

func isValidTransition(from, to string) bool {
	switch {
	case from == db.TaskStateActive && to == db.TaskStatePaused:
		return true
	case from == db.TaskStateActive && to == db.TaskStateCompleted:
		return true
	case from == db.TaskStatePaused && to == db.TaskStateActive:
		return true
	case from == db.TaskStateCompleted && to == db.TaskStateActive:
		return true
	default:
		return false
	}
}
