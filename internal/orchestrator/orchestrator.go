// Package orchestrator implements the Job Orchestrator component (C4): the
// end-to-end pipeline that turns one task tick into an agent call, a
// persisted result, a notification dispatch, and the task's next scheduling
// decision. Grounded line-for-line on
// original_source/backend/src/torale/scheduler/job.py's _execute, with the
// DB/notification fan-out replaced by this module's own repositories and
// notification.Dispatcher, and the APScheduler DateTrigger replaced by the
// JobScheduler interface implemented by internal/scheduler.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/toralehq/engine/internal/agent"
	"github.com/toralehq/engine/internal/db"
	"github.com/toralehq/engine/internal/notification"
	"github.com/toralehq/engine/internal/repositories"
)

// retryDelay is how far out a failed execution's next attempt is scheduled,
// per job.py's except-clause fallback ("retry in 1 hour, don't complete").
const retryDelay = time.Hour

// defaultNextRunDelay is used when the agent's next_run is missing, in the
// past, or further out than maxNextRunWindow.
const defaultNextRunDelay = 24 * time.Hour

// maxNextRunWindow bounds how far in the future an agent-supplied next_run
// may land before it is rejected in favor of defaultNextRunDelay, absent
// from the job.py snippet this package is otherwise grounded on.
const maxNextRunWindow = 30 * 24 * time.Hour

// JobScheduler is the subset of the scheduler (C5) the orchestrator needs:
// registering a task's next tick. Defined here rather than imported from
// internal/scheduler so the dependency runs scheduler -> orchestrator, never
// the reverse.
type JobScheduler interface {
	ScheduleTaskRun(ctx context.Context, taskID uuid.UUID, at time.Time) error
}

// AgentCaller is the subset of the agent client (C2) the orchestrator needs.
// Defined here, narrowed to a single method, so tests can substitute a fake
// without standing up the real submit/poll HTTP pipeline in internal/agent.
type AgentCaller interface {
	Call(ctx context.Context, prompt string) (*agent.Response, error)
}

// TaskCompleter is the subset of the state machine (C6) the orchestrator
// needs to auto-complete a task whose monitoring condition is permanently
// resolved (agent returned next_run=null).
type TaskCompleter interface {
	Complete(ctx context.Context, taskID uuid.UUID) error
}

// Orchestrator runs the task execution pipeline.
type Orchestrator struct {
	tasks      repositories.TaskRepository
	executions repositories.TaskExecutionRepository
	agent      AgentCaller
	dispatcher notification.Dispatcher
	scheduler  JobScheduler
	completer  TaskCompleter
	logger     *zap.Logger
	now        func() time.Time
}

// New constructs an Orchestrator.
func New(
	tasks repositories.TaskRepository,
	executions repositories.TaskExecutionRepository,
	agentClient AgentCaller,
	dispatcher notification.Dispatcher,
	scheduler JobScheduler,
	completer TaskCompleter,
	logger *zap.Logger,
) *Orchestrator {
	return &Orchestrator{
		tasks:      tasks,
		executions: executions,
		agent:      agentClient,
		dispatcher: dispatcher,
		scheduler:  scheduler,
		completer:  completer,
		logger:     logger.Named("orchestrator"),
		now:        time.Now,
	}
}

// ExecuteScheduled is the entry point for a scheduler-driven tick (C5): it
// creates a fresh pending execution and runs the pipeline. If an execution
// is already in flight for taskID (a concurrent manual run, or a previous
// tick that has not finished) the tick is skipped rather than queued —
// enforced by C1's partial unique index via ErrConflict.
func (o *Orchestrator) ExecuteScheduled(ctx context.Context, taskID uuid.UUID) error {
	isFirst, err := o.isFirstExecution(ctx, taskID)
	if err != nil {
		return err
	}

	exec, err := o.executions.CreatePending(ctx, taskID, 0, isFirst)
	if err != nil {
		if err == repositories.ErrConflict {
			o.logger.Info("skipping scheduled tick, execution already in flight",
				zap.String("task_id", taskID.String()))
			return nil
		}
		return fmt.Errorf("orchestrator: create pending execution: %w", err)
	}

	return o.run(ctx, taskID, exec, false)
}

// ExecuteManual is the entry point for the manual-run coordinator (C7),
// which has already created the pending execution row (including any
// retry-count inheritance and force-override bookkeeping).
func (o *Orchestrator) ExecuteManual(ctx context.Context, taskID, executionID uuid.UUID, suppressNotifications bool) error {
	exec, err := o.executions.GetByID(ctx, executionID)
	if err != nil {
		if err == repositories.ErrNotFound {
			return ErrExecutionNotFound
		}
		return fmt.Errorf("orchestrator: load execution: %w", err)
	}
	return o.run(ctx, taskID, exec, suppressNotifications)
}

func (o *Orchestrator) isFirstExecution(ctx context.Context, taskID uuid.UUID) (bool, error) {
	_, err := o.executions.GetLast(ctx, taskID)
	if err == repositories.ErrNotFound {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("orchestrator: check prior executions: %w", err)
	}
	return false, nil
}

// run is the core pipeline shared by both entry points, mirroring job.py's
// _execute: mark running, call the agent, persist the result, dispatch
// notifications, then always resolve the task's next run regardless of
// whether this attempt succeeded.
func (o *Orchestrator) run(ctx context.Context, taskID uuid.UUID, exec *db.TaskExecution, suppressNotifications bool) error {
	if err := o.executions.MarkRunning(ctx, exec.ID); err != nil {
		return fmt.Errorf("orchestrator: mark execution running: %w", err)
	}

	task, err := o.tasks.GetByID(ctx, taskID)
	if err != nil {
		if err == repositories.ErrNotFound {
			executionsTotal.WithLabelValues(outcomeTaskNotFound).Inc()
			o.failExecution(ctx, exec.ID, ErrTaskNotFound.Error())
			return ErrTaskNotFound
		}
		return fmt.Errorf("orchestrator: load task: %w", err)
	}

	resp, callErr := o.agent.Call(ctx, buildPrompt(taskID, task))
	if callErr != nil {
		executionsTotal.WithLabelValues(outcomeAgentFailed).Inc()
		o.logger.Error("task execution failed",
			zap.String("task_id", taskID.String()),
			zap.Error(callErr))
		o.failExecution(ctx, exec.ID, callErr.Error())
		o.scheduleNext(ctx, task, exec.ID, o.now().Add(retryDelay))
		return callErr
	}

	o.autoName(ctx, task, resp)

	if err := o.persistResult(ctx, task, exec, resp); err != nil {
		executionsTotal.WithLabelValues(outcomePersistFailed).Inc()
		o.logger.Error("failed to persist execution result",
			zap.String("task_id", taskID.String()),
			zap.Error(err))
		o.failExecution(ctx, exec.ID, err.Error())
		o.scheduleNext(ctx, task, exec.ID, o.now().Add(retryDelay))
		return err
	}
	executionsTotal.WithLabelValues(outcomeSuccess).Inc()

	if !suppressNotifications {
		o.dispatchNotifications(ctx, task, exec)
	}

	if resp.NextRun == nil {
		o.autoComplete(ctx, task, exec.ID)
		return nil
	}

	o.scheduleNext(ctx, task, exec.ID, resolveNextRun(resp.NextRun, o.now()))
	return nil
}

// buildPrompt assembles the agent prompt, grounded on job.py's prompt_parts
// construction: task/user identifiers, the search query, the condition
// description only when it adds information beyond the query, and the
// task's previous evidence when any exists. No history of earlier
// executions is included.
func buildPrompt(taskID uuid.UUID, task *db.Task) string {
	parts := []string{
		fmt.Sprintf("task_id: %s", taskID),
		fmt.Sprintf("user_id: %s", task.UserID),
		fmt.Sprintf("Task: %s", task.SearchQuery),
	}

	if cond := strings.TrimSpace(task.ConditionDescription); cond != "" && cond != strings.TrimSpace(task.SearchQuery) {
		parts = append(parts, fmt.Sprintf("Context: %s", cond))
	}

	if last := strings.TrimSpace(task.LastKnownState); last != "" && last != "null" && last != "{}" {
		parts = append(parts, fmt.Sprintf("Previous evidence: %s", last))
	}

	return strings.Join(parts, "\n")
}

// autoName renames a task still carrying the default placeholder name once
// the agent supplies a topic, per job.py step 6. Failure is logged, not
// fatal — the execution still completes under the original name.
func (o *Orchestrator) autoName(ctx context.Context, task *db.Task, resp *agent.Response) {
	if resp.Topic == "" || task.Name != db.TaskNameDefault {
		return
	}
	if err := o.tasks.Rename(ctx, task.ID, resp.Topic); err != nil {
		o.logger.Error("failed to auto-name task",
			zap.String("task_id", task.ID.String()),
			zap.Error(err))
		return
	}
	task.Name = resp.Topic
}

// groundingSourceJSON mirrors the {url, title} shape persisted in
// task_executions.grounding_sources and tasks.last_known_state is derived
// from, matching activities.py's persist_execution_result mapping.
type groundingSourceJSON struct {
	URL   string `json:"url"`
	Title string `json:"title"`
}

type agentResultJSON struct {
	Evidence         string                `json:"evidence"`
	Notification     *string               `json:"notification"`
	Confidence       int                   `json:"confidence"`
	NextRun          *string               `json:"next_run"`
	GroundingSources []groundingSourceJSON `json:"grounding_sources"`
}

func (o *Orchestrator) persistResult(ctx context.Context, task *db.Task, exec *db.TaskExecution, resp *agent.Response) error {
	sources := make([]groundingSourceJSON, 0, len(resp.Sources))
	for _, s := range resp.Sources {
		sources = append(sources, groundingSourceJSON{URL: s.URL, Title: s.Title})
	}

	var nextRunStr *string
	if resp.NextRun != nil {
		s := resp.NextRun.UTC().Format(time.RFC3339)
		nextRunStr = &s
	}

	result := agentResultJSON{
		Evidence:         resp.Evidence,
		Notification:     resp.Notification,
		Confidence:       resp.Confidence,
		NextRun:          nextRunStr,
		GroundingSources: sources,
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal agent result: %w", err)
	}

	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("marshal grounding sources: %w", err)
	}

	lastKnownState := ""
	if resp.Evidence != "" {
		lastKnownStateBytes, err := json.Marshal(map[string]string{"evidence": resp.Evidence})
		if err != nil {
			return fmt.Errorf("marshal last known state: %w", err)
		}
		lastKnownState = string(lastKnownStateBytes)
	}

	completedAt := o.now().UTC()
	if err := o.executions.FinalizeSuccess(ctx, repositories.FinalizeSuccessInput{
		ExecutionID:      exec.ID,
		TaskID:           task.ID,
		Result:           string(resultJSON),
		Notification:     resp.Notification,
		ChangeSummary:    valueOrEmpty(resp.Notification),
		GroundingSources: string(sourcesJSON),
		LastKnownState:   lastKnownState,
		CompletedAt:      completedAt,
	}); err != nil {
		return err
	}

	// FinalizeSuccess only writes to the DB; dispatchNotifications reads the
	// in-memory exec right after this call, so mirror the same fields onto
	// it here rather than re-fetching the row.
	exec.Status = db.ExecutionStatusSuccess
	exec.Result = string(resultJSON)
	exec.Notification = resp.Notification
	exec.ChangeSummary = valueOrEmpty(resp.Notification)
	exec.GroundingSources = string(sourcesJSON)
	exec.CompletedAt = &completedAt
	return nil
}

// dispatchNotifications sends the welcome email on a task's first execution
// (regardless of whether the condition was met), then the condition-met
// dispatch whenever this execution produced notification text — including
// on that same first execution, per job.py:219's
// "if notification and not suppress_notifications" and spec §5's guarantee
// that the welcome email precedes the first condition-met notification
// rather than suppressing it. Either channel's failure is merged into the
// execution's result JSONB rather than propagated, matching job.py's
// notification_failed handling.
func (o *Orchestrator) dispatchNotifications(ctx context.Context, task *db.Task, exec *db.TaskExecution) {
	if exec.IsFirstExecution {
		if err := o.dispatcher.DispatchWelcome(ctx, notification.WelcomeInput{Task: task, Execution: exec}); err != nil {
			o.logger.Warn("welcome email dispatch failed",
				zap.String("task_id", task.ID.String()),
				zap.Error(err))
		}
	}

	if exec.Notification == nil {
		return
	}

	result := o.dispatcher.DispatchConditionMet(ctx, notification.ConditionMetInput{Task: task, Execution: exec})
	if result.Failed() {
		if err := o.executions.MergeResultFlag(ctx, exec.ID, "notification_failed", true); err != nil {
			o.logger.Error("failed to merge notification_failed flag",
				zap.String("execution_id", exec.ID.String()),
				zap.Error(err))
		}
	}
}

// autoComplete transitions task to completed once the agent reports nothing
// further to watch for (next_run=null), per job.py's finally-block
// auto-complete branch.
func (o *Orchestrator) autoComplete(ctx context.Context, task *db.Task, executionID uuid.UUID) {
	if err := o.completer.Complete(ctx, task.ID); err != nil {
		o.logger.Error("auto-complete failed",
			zap.String("task_id", task.ID.String()),
			zap.Error(err))
		if mergeErr := o.executions.MergeResultFlag(ctx, executionID, "auto_complete_failed", true); mergeErr != nil {
			o.logger.Error("failed to merge auto_complete_failed flag", zap.Error(mergeErr))
		}
		return
	}
	if err := o.tasks.SetNextRun(ctx, task.ID, nil); err != nil {
		o.logger.Error("failed to clear next_run on completed task",
			zap.String("task_id", task.ID.String()),
			zap.Error(err))
	}
}

// scheduleNext persists next_run and registers the scheduler job for it.
// Scheduling failure is logged and merged into the execution's result
// rather than propagated, per job.py's _schedule_next_run error handling.
func (o *Orchestrator) scheduleNext(ctx context.Context, task *db.Task, executionID uuid.UUID, at time.Time) {
	if err := o.tasks.SetNextRun(ctx, task.ID, &at); err != nil {
		o.logger.Error("failed to persist next_run",
			zap.String("task_id", task.ID.String()),
			zap.Error(err))
	}
	if err := o.scheduler.ScheduleTaskRun(ctx, task.ID, at); err != nil {
		o.logger.Error("failed to schedule next run",
			zap.String("task_id", task.ID.String()),
			zap.Error(err))
		if mergeErr := o.executions.MergeResultFlag(ctx, executionID, "reschedule_failed", true); mergeErr != nil {
			o.logger.Error("failed to merge reschedule_failed flag", zap.Error(mergeErr))
		}
	}
}

// resolveNextRun accepts the agent's requested next_run only if it is after
// now and no later than now+maxNextRunWindow, else falls back to
// now+defaultNextRunDelay.
func resolveNextRun(requested *time.Time, now time.Time) time.Time {
	if requested == nil {
		return now.Add(defaultNextRunDelay)
	}
	if requested.After(now) && !requested.After(now.Add(maxNextRunWindow)) {
		return *requested
	}
	return now.Add(defaultNextRunDelay)
}

func (o *Orchestrator) failExecution(ctx context.Context, executionID uuid.UUID, message string) {
	if _, err := o.executions.MarkFailed(ctx, executionID, message); err != nil {
		o.logger.Error("failed to mark execution failed",
			zap.String("execution_id", executionID.String()),
			zap.Error(err))
	}
}

func valueOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
