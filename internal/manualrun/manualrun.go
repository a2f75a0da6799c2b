// Package manualrun implements the Manual-Run Coordinator component (C7):
// the entry point for a user-triggered "Run Now", which must prevent
// duplicate concurrent executions, optionally override a stuck one, inherit
// retry bookkeeping, and cancel any scheduler job racing to fire the same
// task. Grounded on test_manual_run_coordination.py's startTaskExecution
// contract (409 on a live execution unless force, retry_count inheritance,
// best-effort scheduler job cancellation), generalized from handler-level
// request coordination into a standalone package the (out-of-scope here)
// API surface calls into.
package manualrun

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/toralehq/engine/internal/repositories"
)

// ErrExecutionAlreadyRunning is returned when a task already has a
// pending or running execution and force was not requested — HTTP 409 at
// the (out of scope) API boundary.
var ErrExecutionAlreadyRunning = errors.New("manualrun: execution already running")

const overrideMessage = "Execution overridden by manual force run"

// Executor is the subset of the orchestrator (C4) the coordinator hands
// off to once a pending execution row exists.
type Executor interface {
	ExecuteManual(ctx context.Context, taskID, executionID uuid.UUID, suppressNotifications bool) error
}

// JobCanceller is the subset of the scheduler (C5) needed to cancel a
// pending retry job racing a manual run.
type JobCanceller interface {
	RemoveTaskRun(ctx context.Context, taskID uuid.UUID) error
}

// Coordinator implements startTaskExecution.
type Coordinator struct {
	tasks      repositories.TaskRepository
	executions repositories.TaskExecutionRepository
	scheduler  JobCanceller
	executor   Executor
	logger     *zap.Logger
}

// New constructs a Coordinator.
func New(tasks repositories.TaskRepository, executions repositories.TaskExecutionRepository, scheduler JobCanceller, executor Executor, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		tasks:      tasks,
		executions: executions,
		scheduler:  scheduler,
		executor:   executor,
		logger:     logger.Named("manualrun"),
	}
}

// StartTaskExecution implements startTaskExecution(task_id,
// force, suppress_notifications). The pipeline itself runs synchronously on
// the caller's goroutine; the out-of-scope HTTP surface is expected to run
// it in the background and return the pending execution row immediately.
func (c *Coordinator) StartTaskExecution(ctx context.Context, taskID uuid.UUID, force, suppressNotifications bool) error {
	if _, err := c.tasks.GetByID(ctx, taskID); err != nil {
		return fmt.Errorf("manualrun: load task: %w", err)
	}

	retryCount := 0
	inFlight, err := c.executions.GetInFlight(ctx, taskID)
	switch {
	case err == nil:
		if !force {
			return ErrExecutionAlreadyRunning
		}
		if _, failErr := c.executions.MarkFailed(ctx, inFlight.ID, overrideMessage); failErr != nil {
			return fmt.Errorf("manualrun: override stuck execution: %w", failErr)
		}
		retryCount = inFlight.RetryCount
	case errors.Is(err, repositories.ErrNotFound):
		// nothing in flight, proceed
	default:
		return fmt.Errorf("manualrun: check in-flight execution: %w", err)
	}

	if retryCount == 0 {
		if last, lastErr := c.executions.GetLast(ctx, taskID); lastErr == nil {
			retryCount = last.RetryCount
		} else if !errors.Is(lastErr, repositories.ErrNotFound) {
			return fmt.Errorf("manualrun: load last execution: %w", lastErr)
		}
	}

	if cancelErr := c.scheduler.RemoveTaskRun(ctx, taskID); cancelErr != nil {
		c.logger.Warn("failed to cancel pending scheduler job before manual run",
			zap.String("task_id", taskID.String()),
			zap.Error(cancelErr))
	}

	isFirst, err := c.isFirstExecution(ctx, taskID)
	if err != nil {
		return err
	}

	exec, err := c.executions.CreatePending(ctx, taskID, retryCount, isFirst)
	if err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return ErrExecutionAlreadyRunning
		}
		return fmt.Errorf("manualrun: create pending execution: %w", err)
	}

	return c.executor.ExecuteManual(ctx, taskID, exec.ID, suppressNotifications)
}

func (c *Coordinator) isFirstExecution(ctx context.Context, taskID uuid.UUID) (bool, error) {
	_, err := c.executions.GetLast(ctx, taskID)
	if errors.Is(err, repositories.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("manualrun: check prior executions: %w", err)
	}
	return false, nil
}
