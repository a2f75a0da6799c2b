package orchestrator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/toralehq/engine/internal/agent"
	"github.com/toralehq/engine/internal/db"
	"github.com/toralehq/engine/internal/notification"
	"github.com/toralehq/engine/internal/repositories"
)

// --- fakes -------------------------------------------------------------

type fakeTasks struct {
	task       *db.Task
	renamedTo  string
	nextRun    *time.Time
	getErr     error
}

func (f *fakeTasks) Create(ctx context.Context, t *db.Task) error { return nil }
func (f *fakeTasks) GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.task, nil
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
	f.nextRun = nextRun
	return nil
}
func (f *fakeTasks) Rename(ctx context.Context, id uuid.UUID, name string) error {
	f.renamedTo = name
	return nil
}

type fakeExecutions struct {
	exec              *db.TaskExecution
	lastErr           error
	finalizeIn        repositories.FinalizeSuccessInput
	finalizeErr       error
	markFailedMessage string
	markFailedErr     error
	mergedFlags       map[string]bool
}

func (f *fakeExecutions) CreatePending(ctx context.Context, taskID uuid.UUID, retryCount int, isFirst bool) (*db.TaskExecution, error) {
	f.exec = &db.TaskExecution{TaskID: taskID, Status: db.ExecutionStatusPending, RetryCount: retryCount, IsFirstExecution: isFirst}
	f.exec.ID = uuid.New()
	return f.exec, nil
}
func (f *fakeExecutions) GetByID(ctx context.Context, id uuid.UUID) (*db.TaskExecution, error) {
	if f.exec == nil {
		return nil, repositories.ErrNotFound
	}
	return f.exec, nil
}
func (f *fakeExecutions) GetInFlight(ctx context.Context, taskID uuid.UUID) (*db.TaskExecution, error) {
	return nil, repositories.ErrNotFound
}
func (f *fakeExecutions) GetLast(ctx context.Context, taskID uuid.UUID) (*db.TaskExecution, error) {
	if f.lastErr != nil {
		return nil, f.lastErr
	}
	return f.exec, nil
}
func (f *fakeExecutions) ListRecent(ctx context.Context, taskID uuid.UUID, limit int) ([]db.TaskExecution, error) {
	return nil, nil
}
func (f *fakeExecutions) MarkRunning(ctx context.Context, id uuid.UUID) error {
	if f.exec != nil {
		f.exec.Status = db.ExecutionStatusRunning
	}
	return nil
}
func (f *fakeExecutions) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	f.markFailedMessage = errMsg
	if f.exec != nil {
		f.exec.Status = db.ExecutionStatusFailed
	}
	return true, f.markFailedErr
}
func (f *fakeExecutions) FinalizeSuccess(ctx context.Context, in repositories.FinalizeSuccessInput) error {
	f.finalizeIn = in
	if f.finalizeErr != nil {
		return f.finalizeErr
	}
	if f.exec != nil {
		f.exec.Status = db.ExecutionStatusSuccess
		f.exec.Notification = in.Notification
		f.exec.ChangeSummary = in.ChangeSummary
		f.exec.GroundingSources = in.GroundingSources
		completed := in.CompletedAt
		f.exec.CompletedAt = &completed
	}
	return nil
}
func (f *fakeExecutions) MergeResultFlag(ctx context.Context, id uuid.UUID, flag string, value bool) error {
	if f.mergedFlags == nil {
		f.mergedFlags = map[string]bool{}
	}
	f.mergedFlags[flag] = value
	return nil
}
func (f *fakeExecutions) ListStaleRunning(ctx context.Context, olderThan time.Time) ([]db.TaskExecution, error) {
	return nil, nil
}

type fakeAgent struct {
	resp *agent.Response
	err  error
}

func (f *fakeAgent) Call(ctx context.Context, prompt string) (*agent.Response, error) {
	return f.resp, f.err
}

type fakeDispatcher struct {
	conditionMetCalls int
	conditionMetResult notification.Result
	welcomeCalls       int
	welcomeErr         error
}

func (f *fakeDispatcher) DispatchConditionMet(ctx context.Context, in notification.ConditionMetInput) notification.Result {
	f.conditionMetCalls++
	return f.conditionMetResult
}
func (f *fakeDispatcher) DispatchWelcome(ctx context.Context, in notification.WelcomeInput) error {
	f.welcomeCalls++
	return f.welcomeErr
}
func (f *fakeDispatcher) RetryWebhook(ctx context.Context, webhookURL, webhookSecret string, prior *db.WebhookDelivery) error {
	return nil
}

type fakeJobScheduler struct {
	scheduledAt *time.Time
}

func (f *fakeJobScheduler) ScheduleTaskRun(ctx context.Context, taskID uuid.UUID, at time.Time) error {
	f.scheduledAt = &at
	return nil
}

type fakeCompleter struct {
	completeCalls int
}

func (f *fakeCompleter) Complete(ctx context.Context, taskID uuid.UUID) error {
	f.completeCalls++
	return nil
}

func newTestOrchestrator() (*Orchestrator, *fakeTasks, *fakeExecutions, *fakeAgent, *fakeDispatcher, *fakeJobScheduler, *fakeCompleter) {
	tasks := &fakeTasks{task: &db.Task{SearchQuery: "q", Name: db.TaskNameDefault}}
	tasks.task.ID = uuid.New()
	execs := &fakeExecutions{}
	ag := &fakeAgent{}
	disp := &fakeDispatcher{}
	sched := &fakeJobScheduler{}
	completer := &fakeCompleter{}
	o := New(tasks, execs, ag, disp, sched, completer, zap.NewNop())
	return o, tasks, execs, ag, disp, sched, completer
}

// --- tests ---------------------------------------------------------------

// TestExecuteScheduled_NoNotificationReschedules is scenario 1: the agent
// finds nothing notable and returns a future next_run; the execution
// succeeds with no notification and the task is rescheduled, not completed.
func TestExecuteScheduled_NoNotificationReschedules(t *testing.T) {
	o, _, execs, ag, disp, sched, completer := newTestOrchestrator()
	next := time.Now().Add(48 * time.Hour).UTC()
	ag.resp = &agent.Response{Evidence: "no announcement", Confidence: 30, NextRun: &next}

	err := o.ExecuteScheduled(context.Background(), uuid.New())
	require.NoError(t, err)

	assert.Equal(t, db.ExecutionStatusSuccess, execs.exec.Status)
	assert.Nil(t, execs.exec.Notification)
	assert.Equal(t, 0, disp.conditionMetCalls)
	assert.Equal(t, 0, completer.completeCalls)
	require.NotNil(t, sched.scheduledAt)
	assert.True(t, sched.scheduledAt.Equal(next))
}

// TestExecuteScheduled_NotificationCompletesTask is scenario 2: the agent
// fires a notification and returns next_run=null; the task must complete
// and no further job should be scheduled.
func TestExecuteScheduled_NotificationCompletesTask(t *testing.T) {
	o, _, execs, ag, disp, sched, completer := newTestOrchestrator()
	msg := "NVIDIA announced RTX 5090 launch on January 30"
	ag.resp = &agent.Response{Evidence: "NVIDIA announced Jan 30 launch", Notification: &msg, Confidence: 95, NextRun: nil}

	err := o.ExecuteScheduled(context.Background(), uuid.New())
	require.NoError(t, err)

	assert.Equal(t, db.ExecutionStatusSuccess, execs.exec.Status)
	require.NotNil(t, execs.exec.Notification)
	assert.Equal(t, msg, *execs.exec.Notification)
	assert.Equal(t, 1, disp.conditionMetCalls)
	assert.Equal(t, 1, completer.completeCalls)
	assert.Nil(t, sched.scheduledAt)
}

// TestExecuteScheduled_FirstExecutionNotificationSendsBothWelcomeAndConditionMet
// covers spec §5's ordering guarantee: a task's first execution sends the
// welcome email and, when that same run's agent call meets the condition,
// the condition-met notification too — the welcome must not suppress it.
func TestExecuteScheduled_FirstExecutionNotificationSendsBothWelcomeAndConditionMet(t *testing.T) {
	o, _, execs, ag, disp, _, _ := newTestOrchestrator()
	execs.lastErr = repositories.ErrNotFound // no prior executions -> is_first_execution
	msg := "NVIDIA announced RTX 5090 launch on January 30"
	ag.resp = &agent.Response{Evidence: "NVIDIA announced Jan 30 launch", Notification: &msg, Confidence: 95}

	err := o.ExecuteScheduled(context.Background(), uuid.New())
	require.NoError(t, err)

	assert.True(t, execs.exec.IsFirstExecution)
	assert.Equal(t, 1, disp.welcomeCalls)
	assert.Equal(t, 1, disp.conditionMetCalls)
}

// TestExecuteScheduled_AgentFailure_RetriesInOneHour covers step 4/10: a
// typed agent failure marks the execution FAILED and schedules a retry an
// hour out, never completing the task.
func TestExecuteScheduled_AgentFailure_RetriesInOneHour(t *testing.T) {
	o, _, execs, ag, _, sched, completer := newTestOrchestrator()
	ag.err = &agent.Error{Kind: agent.KindUnavailable, Message: "down"}

	before := time.Now()
	err := o.ExecuteScheduled(context.Background(), uuid.New())
	require.Error(t, err)

	assert.Equal(t, db.ExecutionStatusFailed, execs.exec.Status)
	assert.Equal(t, 0, completer.completeCalls)
	require.NotNil(t, sched.scheduledAt)
	assert.True(t, sched.scheduledAt.After(before.Add(55*time.Minute)))
	assert.True(t, sched.scheduledAt.Before(before.Add(65*time.Minute)))
}

// TestExecuteScheduled_NotificationFailureMergesFlag: when the dispatcher
// reports a failed channel, notification_failed must be merged into the
// execution's result without failing the execution itself.
func TestExecuteScheduled_NotificationFailureMergesFlag(t *testing.T) {
	o, _, execs, ag, disp, _, _ := newTestOrchestrator()
	msg := "condition met"
	ag.resp = &agent.Response{Evidence: "evidence", Notification: &msg, Confidence: 80, NextRun: nil}
	disp.conditionMetResult = notification.Result{EmailAttempted: true, EmailFailed: true}

	err := o.ExecuteScheduled(context.Background(), uuid.New())
	require.NoError(t, err)

	assert.Equal(t, db.ExecutionStatusSuccess, execs.exec.Status)
	assert.True(t, execs.mergedFlags["notification_failed"])
}

// TestResolveNextRun_BoundaryBehaviors checks that a next_run in the past or
// more than 30 days out is replaced with now+24h.
func TestResolveNextRun_BoundaryBehaviors(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	inPast := now.Add(-time.Hour)
	assert.Equal(t, now.Add(defaultNextRunDelay), resolveNextRun(&inPast, now))

	tooFarOut := now.Add(31 * 24 * time.Hour)
	assert.Equal(t, now.Add(defaultNextRunDelay), resolveNextRun(&tooFarOut, now))

	withinWindow := now.Add(10 * 24 * time.Hour)
	assert.Equal(t, withinWindow, resolveNextRun(&withinWindow, now))

	assert.Equal(t, now.Add(defaultNextRunDelay), resolveNextRun(nil, now))
}

func TestAutoName_OnlyRenamesDefaultPlaceholder(t *testing.T) {
	o, tasks, _, _, _, _, _ := newTestOrchestrator()
	tasks.task.Name = db.TaskNameDefault

	o.autoName(context.Background(), tasks.task, &agent.Response{Topic: "RTX 5090 watch"})
	assert.Equal(t, "RTX 5090 watch", tasks.renamedTo)

	tasks.renamedTo = ""
	tasks.task.Name = "already named"
	o.autoName(context.Background(), tasks.task, &agent.Response{Topic: "something else"})
	assert.Empty(t, tasks.renamedTo)
}

func TestPersistResult_MarshalsGroundingSources(t *testing.T) {
	o, _, execs, ag, _, _, _ := newTestOrchestrator()
	ag.resp = &agent.Response{
		Evidence:   "evidence text",
		Confidence: 60,
		Sources:    []agent.Source{{URL: "https://a.com", Title: "a.com"}},
	}

	err := o.ExecuteScheduled(context.Background(), uuid.New())
	require.NoError(t, err)

	var sources []map[string]string
	require.NoError(t, json.Unmarshal([]byte(execs.finalizeIn.GroundingSources), &sources))
	require.Len(t, sources, 1)
	assert.Equal(t, "https://a.com", sources[0]["url"])
}

func TestBuildPrompt_OmitsRedundantConditionDescription(t *testing.T) {
	taskID := uuid.New()
	task := &db.Task{SearchQuery: "RTX 5090 release date", ConditionDescription: "RTX 5090 release date"}
	task.UserID = uuid.New()

	prompt := buildPrompt(taskID, task)
	assert.NotContains(t, prompt, "Context:")
}

func TestBuildPrompt_IncludesDistinctConditionAndPriorEvidence(t *testing.T) {
	taskID := uuid.New()
	task := &db.Task{SearchQuery: "RTX 5090 release date", ConditionDescription: "notify only on an official date announcement"}
	task.UserID = uuid.New()
	task.LastKnownState = `{"evidence":"no news yet"}`

	prompt := buildPrompt(taskID, task)
	assert.Contains(t, prompt, "Context: notify only on an official date announcement")
	assert.Contains(t, prompt, "Previous evidence:")
}
