// Package scheduler implements the Scheduler component (C5): a durable
// cron/one-shot job registry built on gocron (gocron.NewJob, gocron.WithTags,
// gocron.WithSingletonMode(LimitModeReschedule), cron.RemoveByTags),
// supporting both a recurring CronJob (a task with a bare cron schedule) and
// a one-shot job (the primary mode, driven by the agent's next_run), plus two
// system jobs: the stale-execution reaper and the webhook retry sweep.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/toralehq/engine/internal/db"
	"github.com/toralehq/engine/internal/notification"
	"github.com/toralehq/engine/internal/repositories"
)

const (
	tagReapStaleExecutions = "reap-stale-executions"
	tagWebhookRetry        = "webhook-retry-job"
)

// Executor is the subset of the orchestrator (C4) the scheduler needs: what
// to run when a task's job fires. Defined here, not imported from
// internal/orchestrator, so the dependency runs scheduler -> orchestrator
// only through this interface, never the reverse.
type Executor interface {
	ExecuteScheduled(ctx context.Context, taskID uuid.UUID) error
}

// Config configures the two system jobs' intervals and the reaper's
// staleness threshold.
type Config struct {
	StaleExecutionThreshold time.Duration // STALE_EXECUTION_MINUTES, default 30m
	StaleReapInterval       time.Duration // STALE_REAP_INTERVAL_MINUTES, default 15m
	WebhookSweepInterval    time.Duration // WEBHOOK_SWEEP_INTERVAL_MINUTES, default 5m
}

func (c Config) withDefaults() Config {
	if c.StaleExecutionThreshold <= 0 {
		c.StaleExecutionThreshold = 30 * time.Minute
	}
	if c.StaleReapInterval <= 0 {
		c.StaleReapInterval = 15 * time.Minute
	}
	if c.WebhookSweepInterval <= 0 {
		c.WebhookSweepInterval = 5 * time.Minute
	}
	return c
}

// Scheduler wraps gocron and registers per-task jobs plus the two system
// jobs. The zero value is not usable — create instances with New.
type Scheduler struct {
	cron       gocron.Scheduler
	cfg        Config
	tasks      repositories.TaskRepository
	executions repositories.TaskExecutionRepository
	deliveries repositories.WebhookDeliveryRepository
	dispatcher notification.Dispatcher
	executor   Executor
	logger     *zap.Logger
}

// New creates and configures a new Scheduler. The orchestrator that will
// execute fired jobs is supplied afterward via SetExecutor — the
// orchestrator's own constructor takes this Scheduler as its JobScheduler,
// so the two can only be wired after both exist. Call Start (once
// SetExecutor has been called) to begin processing.
func New(
	cfg Config,
	tasks repositories.TaskRepository,
	executions repositories.TaskExecutionRepository,
	deliveries repositories.WebhookDeliveryRepository,
	dispatcher notification.Dispatcher,
	logger *zap.Logger,
) (*Scheduler, error) {
	cron, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:       cron,
		cfg:        cfg.withDefaults(),
		tasks:      tasks,
		executions: executions,
		deliveries: deliveries,
		dispatcher: dispatcher,
		logger:     logger.Named("scheduler"),
	}, nil
}

// SetExecutor supplies the orchestrator that fired jobs hand off to. Must be
// called before Start.
func (s *Scheduler) SetExecutor(executor Executor) {
	s.executor = executor
}

// Start performs startup reconciliation, registers
// the two system jobs, and starts the underlying gocron scheduler. It must
// run before the process begins serving any other work.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.executor == nil {
		return fmt.Errorf("scheduler: SetExecutor must be called before Start")
	}

	if err := s.reconcile(ctx); err != nil {
		return fmt.Errorf("scheduler: startup reconciliation: %w", err)
	}

	if err := s.registerReaper(); err != nil {
		return fmt.Errorf("scheduler: register reaper: %w", err)
	}
	if err := s.registerWebhookSweep(); err != nil {
		return fmt.Errorf("scheduler: register webhook sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Info("scheduler started")
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any currently running job functions to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler: shutdown: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// reconcile implements the five-case table , then removes
// any job whose tag does not correspond to an extant task. Failures on
// individual tasks are logged but do not abort the pass.
func (s *Scheduler) reconcile(ctx context.Context) error {
	tasks, _, err := s.tasks.List(ctx, repositories.ListOptions{Limit: 1_000_000})
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	known := make(map[string]bool, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		tag := taskTag(t.ID)
		known[tag] = true

		scheduled := s.hasJob(tag)
		switch {
		case t.State == db.TaskStateActive && !scheduled:
			s.reconcileAction(t, "install missing active job", s.installTaskJob(t))
		case t.State == db.TaskStatePaused && scheduled:
			s.reconcileAction(t, "pause running job", s.RemoveTaskRun(ctx, t.ID))
		case t.State == db.TaskStatePaused && !scheduled:
			s.reconcileAction(t, "install then pause job", s.installAndPause(t))
		case t.State == db.TaskStateCompleted && scheduled:
			s.reconcileAction(t, "remove completed task's job", s.RemoveTaskRun(ctx, t.ID))
		}
	}

	for _, j := range s.cron.Jobs() {
		for _, tag := range j.Tags() {
			if isTaskTag(tag) && !known[tag] {
				s.cron.RemoveByTags(tag)
				s.logger.Info("removed orphan scheduler job", zap.String("tag", tag))
			}
		}
	}

	s.logger.Info("startup reconciliation complete", zap.Int("tasks", len(tasks)))
	return nil
}

func (s *Scheduler) reconcileAction(t *db.Task, action string, err error) {
	if err != nil {
		s.logger.Error("reconciliation action failed",
			zap.String("task_id", t.ID.String()),
			zap.String("action", action),
			zap.Error(err))
	}
}

// installTaskJob schedules t on its cron Schedule when it has one; otherwise
// it schedules a one-shot run at its persisted next_run, or 24h out if absent.
func (s *Scheduler) installTaskJob(t *db.Task) error {
	at := time.Now().UTC().Add(24 * time.Hour)
	if t.NextRun != nil {
		at = *t.NextRun
	}
	if t.Schedule != "" {
		return s.scheduleCron(t.ID, t.Schedule)
	}
	return s.scheduleOneShot(t.ID, at)
}

func (s *Scheduler) installAndPause(t *db.Task) error {
	if err := s.installTaskJob(t); err != nil {
		return err
	}
	s.cron.RemoveByTags(taskTag(t.ID))
	return nil
}

// ScheduleTaskRun registers a one-shot job at at for taskID, implementing
// orchestrator.JobScheduler. Re-registration replaces any job currently
// held under the same tag — gocron's task jobs are always one-shot or cron,
// never both, so tagged removal always precedes the new NewJob call.
func (s *Scheduler) ScheduleTaskRun(ctx context.Context, taskID uuid.UUID, at time.Time) error {
	return s.scheduleOneShot(taskID, at)
}

func (s *Scheduler) scheduleOneShot(taskID uuid.UUID, at time.Time) error {
	tag := taskTag(taskID)
	s.cron.RemoveByTags(tag)

	_, err := s.cron.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at)),
		gocron.NewTask(func(id uuid.UUID) {
			s.runTask(id)
		}, taskID),
		gocron.WithTags(tag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob (one-shot) for task %s: %w", taskID, err)
	}
	return nil
}

func (s *Scheduler) scheduleCron(taskID uuid.UUID, expr string) error {
	tag := taskTag(taskID)
	s.cron.RemoveByTags(tag)

	_, err := s.cron.NewJob(
		gocron.CronJob(expr, false),
		gocron.NewTask(func(id uuid.UUID) {
			s.runTask(id)
		}, taskID),
		gocron.WithTags(tag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob (cron %q) for task %s: %w", expr, taskID, err)
	}

	// gocron computes its own internal next-fire time to drive the job, but
	// tasks.next_run is the column the rest of the system (reconciliation,
	// API read models) reads to know when a bare-cron task will next run.
	// Compute it standalone so that column stays populated.
	if next, nextErr := nextCronFireTime(expr, time.Now().UTC()); nextErr == nil {
		if setErr := s.tasks.SetNextRun(context.Background(), taskID, &next); setErr != nil {
			s.logger.Warn("failed to persist computed next_run for cron task",
				zap.String("task_id", taskID.String()), zap.Error(setErr))
		}
	} else {
		s.logger.Warn("failed to compute next cron fire time",
			zap.String("task_id", taskID.String()), zap.String("schedule", expr), zap.Error(nextErr))
	}

	return nil
}

func (s *Scheduler) runTask(taskID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := s.executor.ExecuteScheduled(ctx, taskID); err != nil {
		s.logger.Error("scheduled execution failed",
			zap.String("task_id", taskID.String()),
			zap.Error(err))
	}
}

// PauseTaskRun removes taskID's job without forgetting its next_run, so
// reconciliation or ResumeTaskRun can reinstall it later.
func (s *Scheduler) PauseTaskRun(ctx context.Context, taskID uuid.UUID) error {
	s.cron.RemoveByTags(taskTag(taskID))
	return nil
}

// ResumeTaskRun reinstalls taskID's job from its current persisted state.
func (s *Scheduler) ResumeTaskRun(ctx context.Context, taskID uuid.UUID) error {
	t, err := s.tasks.GetByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("scheduler: load task to resume: %w", err)
	}
	return s.installTaskJob(t)
}

// RemoveTaskRun removes taskID's job entirely, used when a task completes.
func (s *Scheduler) RemoveTaskRun(ctx context.Context, taskID uuid.UUID) error {
	s.cron.RemoveByTags(taskTag(taskID))
	return nil
}

func (s *Scheduler) hasJob(tag string) bool {
	for _, j := range s.cron.Jobs() {
		for _, t := range j.Tags() {
			if t == tag {
				return true
			}
		}
	}
	return false
}

func taskTag(taskID uuid.UUID) string {
	return "task-" + taskID.String()
}

func isTaskTag(tag string) bool {
	return len(tag) > len("task-") && tag[:len("task-")] == "task-"
}

// registerReaper installs the stale-execution reaper: every
// StaleReapInterval, mark RUNNING executions whose StartedAt predates
// StaleExecutionThreshold as FAILED.
func (s *Scheduler) registerReaper() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.cfg.StaleReapInterval),
		gocron.NewTask(func() { s.reapStaleExecutions() }),
		gocron.WithTags(tagReapStaleExecutions),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob (reaper): %w", err)
	}
	return nil
}

func (s *Scheduler) reapStaleExecutions() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.cfg.StaleExecutionThreshold)
	stale, err := s.executions.ListStaleRunning(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to list stale running executions", zap.Error(err))
		return
	}

	for i := range stale {
		exec := &stale[i]
		changed, err := s.executions.MarkFailed(ctx, exec.ID, "execution exceeded maximum runtime")
		if err != nil {
			s.logger.Error("failed to mark stale execution failed",
				zap.String("execution_id", exec.ID.String()),
				zap.Error(err))
			continue
		}
		if changed {
			staleExecutionsReapedTotal.Inc()
			s.logger.Warn("reaped stale execution", zap.String("execution_id", exec.ID.String()))
		}
	}
}

// registerWebhookSweep installs the webhook retry sweep: every
// WebhookSweepInterval, re-deliver webhook_deliveries rows whose
// next_retry_at is due.
func (s *Scheduler) registerWebhookSweep() error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.cfg.WebhookSweepInterval),
		gocron.NewTask(func() { s.sweepWebhookRetries() }),
		gocron.WithTags(tagWebhookRetry),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob (webhook sweep): %w", err)
	}
	return nil
}

func (s *Scheduler) sweepWebhookRetries() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	due, err := s.deliveries.ListDue(ctx, time.Now().UTC(), 100)
	if err != nil {
		s.logger.Error("failed to list due webhook deliveries", zap.Error(err))
		return
	}

	for i := range due {
		d := &due[i]
		task, err := s.tasks.GetByID(ctx, d.TaskID)
		if err != nil {
			s.logger.Error("failed to load task for webhook retry",
				zap.String("task_id", d.TaskID.String()),
				zap.Error(err))
			continue
		}
		if err := s.dispatcher.RetryWebhook(ctx, task.WebhookURL, string(task.WebhookSecret), d); err != nil {
			webhookRetriesTotal.WithLabelValues(webhookRetryOutcomeFailed).Inc()
			s.logger.Warn("webhook retry failed",
				zap.String("task_id", d.TaskID.String()),
				zap.Error(err))
			continue
		}
		webhookRetriesTotal.WithLabelValues(webhookRetryOutcomeDelivered).Inc()
	}
}
