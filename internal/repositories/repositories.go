// Package repositories implements the Data Store component (C1): GORM-backed
// persistence for tasks, executions, users, and notification/delivery audit
// trails, with one interface plus one gorm-backed implementation per
// aggregate, and associations loaded via explicit queries rather than
// GORM's automatic foreign-key resolution.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/toralehq/engine/internal/db"
)

// ListOptions carries pagination parameters shared by every List method.
type ListOptions struct {
	Limit  int
	Offset int
}

// TaskRepository persists Task aggregates and implements the compare-and-swap
// state update used by the statemachine package (internal/statemachine).
type TaskRepository interface {
	Create(ctx context.Context, t *db.Task) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error)
	Update(ctx context.Context, t *db.Task) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Task, int64, error)
	ListByState(ctx context.Context, state string) ([]db.Task, error)

	// CompareAndSwapState performs the conditional UPDATE that backs a state
	// transition. It returns ErrConflict if the row's current state
	// does not match from (a concurrent modification), ErrNotFound if the
	// task no longer exists.
	CompareAndSwapState(ctx context.Context, id uuid.UUID, from, to string, changedAt time.Time) error

	// SetNextRun persists the resolved next_run timestamp (or clears it when
	// nil), independent of any state transition.
	SetNextRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error

	// Rename updates only the Name column — used by the orchestrator's
	// auto-naming step.
	Rename(ctx context.Context, id uuid.UUID, name string) error
}

// TaskExecutionRepository persists TaskExecution rows, including the
// transactional finalize step.
type TaskExecutionRepository interface {
	// CreatePending inserts a new PENDING execution for task. It returns
	// ErrConflict if an in-flight (pending/running) execution already exists
	// for this task, enforced by the partial unique index created in
	// migrations/000001_init.up.sql so the existence check and the insert
	// happen inside a single constraint, not two racing queries.
	CreatePending(ctx context.Context, taskID uuid.UUID, retryCount int, isFirstExecution bool) (*db.TaskExecution, error)

	GetByID(ctx context.Context, id uuid.UUID) (*db.TaskExecution, error)

	// GetInFlight returns the execution currently PENDING or RUNNING for
	// task, or ErrNotFound if none exists.
	GetInFlight(ctx context.Context, taskID uuid.UUID) (*db.TaskExecution, error)

	// GetLast returns the most recently created execution for task, or
	// ErrNotFound if the task has never run.
	GetLast(ctx context.Context, taskID uuid.UUID) (*db.TaskExecution, error)

	// ListRecent returns up to limit most recent finished (SUCCESS or
	// FAILED) executions for task, ordered by completed_at DESC. The
	// orchestrator does not call it: the agent prompt carries no
	// execution-history block.
	ListRecent(ctx context.Context, taskID uuid.UUID, limit int) ([]db.TaskExecution, error)

	// MarkRunning flips a PENDING execution to RUNNING and stamps StartedAt.
	MarkRunning(ctx context.Context, id uuid.UUID) error

	// MarkFailed finalizes an execution as FAILED with the given message.
	// It is idempotent: finalizing an already-terminal execution is a no-op,
	// reported via the returned bool.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (changed bool, err error)

	// FinalizeSuccess performs a single-transaction write: marks the
	// execution SUCCESS with its full result,
	// and patches the owning task's last_execution_id/last_known_state in
	// the same transaction.
	FinalizeSuccess(ctx context.Context, in FinalizeSuccessInput) error

	// MergeResultFlag reads-modifies-writes a single boolean flag
	// (notification_failed, reschedule_failed, auto_complete_failed) into an
	// execution's result JSONB, keeping the other keys present when it
	// reads. The read and the write are separate statements with no row
	// lock, so a write by another caller between them is overwritten.
	MergeResultFlag(ctx context.Context, id uuid.UUID, flag string, value bool) error

	// ListStaleRunning returns RUNNING executions whose StartedAt is older
	// than olderThan — input to the stale-execution reaper (C5).
	ListStaleRunning(ctx context.Context, olderThan time.Time) ([]db.TaskExecution, error)
}

// FinalizeSuccessInput bundles the fields persisted by FinalizeSuccess.
type FinalizeSuccessInput struct {
	ExecutionID      uuid.UUID
	TaskID           uuid.UUID
	Result           string // full JSON agent payload
	Notification     *string
	ChangeSummary    string
	GroundingSources string // JSON
	LastKnownState   string // JSON; an empty string is stored as an empty string
	CompletedAt      time.Time
}

// UserRepository persists the User projection used by the core.
type UserRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*db.User, error)
	GetByEmail(ctx context.Context, email string) (*db.User, error)
	AddVerifiedEmail(ctx context.Context, id uuid.UUID, email string) error
}

// NotificationSendRepository persists the append-only email audit trail and
// answers the spam-cap queries used by the notification dispatcher (C3).
type NotificationSendRepository interface {
	Create(ctx context.Context, n *db.NotificationSend) error

	// CountSince counts successful sends to recipient since since — used to
	// enforce the hourly/daily spam caps.
	CountSince(ctx context.Context, recipientEmail string, since time.Time) (int64, error)
}

// WebhookDeliveryRepository persists one row per webhook delivery attempt.
type WebhookDeliveryRepository interface {
	Create(ctx context.Context, d *db.WebhookDelivery) error

	// ListDue returns rows eligible for retry: not delivered, not exhausted,
	// and next_retry_at <= now. Consumed by the webhook retry sweep (C5).
	ListDue(ctx context.Context, now time.Time, limit int) ([]db.WebhookDelivery, error)
}

// EmailVerificationRepository persists ephemeral verification codes and
// enforces the hourly issuance rate limit.
type EmailVerificationRepository interface {
	Create(ctx context.Context, v *db.EmailVerification) error
	GetLatestUnverified(ctx context.Context, userID uuid.UUID, email string) (*db.EmailVerification, error)
	CountIssuedSince(ctx context.Context, userID uuid.UUID, email string, since time.Time) (int64, error)
	MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) error
	DecrementAttempts(ctx context.Context, id uuid.UUID) (attemptsLeft int, err error)
}
