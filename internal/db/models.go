package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// softDelete extends base with a nullable DeletedAt field for soft deletion.
type softDelete struct {
	base
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

// -----------------------------------------------------------------------------
// Task
// -----------------------------------------------------------------------------

// Task states. Transitions between them are validated by the statemachine
// package — see internal/statemachine.
const (
	TaskStateActive    = "active"
	TaskStatePaused    = "paused"
	TaskStateCompleted = "completed"
)

// Notify behaviors control how many times a task keeps notifying after its
// condition is met.
const (
	NotifyBehaviorOnce       = "once"
	NotifyBehaviorAlways     = "always"
	NotifyBehaviorTrackState = "track_state"
)

// Task is the monitored intent: a natural-language search query plus a
// natural-language condition, checked on a schedule.
//
// notification_channels and grounding_sources-shaped fields are stored as
// JSON text rather than native array/JSONB columns so the same schema works
// unmodified against both the sqlite and postgres drivers (see
// internal/db/db.go). The packages that read or write them (the
// notification dispatcher, the orchestrator) decode and encode the JSON
// text themselves.
type Task struct {
	softDelete
	UserID               uuid.UUID `gorm:"type:text;not null;index"`
	Name                 string    `gorm:"not null"`
	SearchQuery          string    `gorm:"type:text;not null"`
	ConditionDescription string    `gorm:"type:text;not null;default:''"`

	Schedule string `gorm:"default:''"` // cron expression, empty if purely next-run-driven

	State          string    `gorm:"not null;default:'active';index"`
	StateChangedAt time.Time `gorm:"not null"`

	NotifyBehavior        string `gorm:"not null;default:'once'"`
	NotificationChannels  string `gorm:"type:text;not null;default:'[]'"` // JSON array, subset of {"email","webhook"}
	NotificationEmail     string `gorm:"default:''"`
	WebhookURL            string `gorm:"default:''"`
	WebhookSecret         EncryptedString `gorm:"type:text;default:''"`

	LastExecutionID *uuid.UUID `gorm:"type:text"`
	LastKnownState  string     `gorm:"type:text;default:''"` // JSON: {"evidence": "..."}
	NextRun         *time.Time `gorm:"index"`
}

// TaskNameDefault is the placeholder name assigned to newly created tasks.
// The orchestrator auto-renames a task still carrying this name once the
// agent returns a non-empty topic (job.go step 6 in the reference pipeline).
const TaskNameDefault = "New Monitor"

// -----------------------------------------------------------------------------
// TaskExecution
// -----------------------------------------------------------------------------

const (
	ExecutionStatusPending = "pending"
	ExecutionStatusRunning = "running"
	ExecutionStatusSuccess = "success"
	ExecutionStatusFailed  = "failed"
)

// TaskExecution is one attempt to fulfill a task. Exactly one execution per
// task may be in {pending, running} at a time — enforced by a partial unique
// index applied in the migrations (see internal/db/migrations).
type TaskExecution struct {
	base
	TaskID    uuid.UUID `gorm:"type:text;not null;index:idx_task_executions_task_started"`
	Status    string    `gorm:"not null;default:'pending';index"`
	StartedAt *time.Time
	CompletedAt *time.Time

	Result            string `gorm:"type:text;default:''"` // JSON: full agent payload
	ErrorMessage      string `gorm:"type:text;default:''"`
	Notification      *string `gorm:"type:text"`
	ChangeSummary     string  `gorm:"type:text;default:''"`
	GroundingSources  string  `gorm:"type:text;default:'[]'"` // JSON: []{url,title}
	RetryCount        int     `gorm:"not null;default:0"`
	IsFirstExecution  bool    `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// User (projection used by the core)
// -----------------------------------------------------------------------------

// User is the minimal projection of user state the engine needs: identity,
// verified notification addresses, and user-level webhook defaults. The full
// account/auth record lives outside the core (out of scope ).
type User struct {
	base
	Email                      string          `gorm:"uniqueIndex;not null"`
	VerifiedNotificationEmails string          `gorm:"type:text;not null;default:'[]'"` // JSON array
	WebhookURL                 string          `gorm:"default:''"`
	WebhookSecret              EncryptedString `gorm:"type:text;default:''"`
	WebhookEnabled             bool            `gorm:"not null;default:false"`
}

// -----------------------------------------------------------------------------
// NotificationSend
// -----------------------------------------------------------------------------

const (
	NotificationSendStatusSuccess = "success"
	NotificationSendStatusFailed  = "failed"
	NotificationSendStatusSkipped = "skipped"
)

// NotificationSend is an append-only audit row per email attempt. It is the
// source of truth for spam-cap accounting (see internal/notification) and
// survives task deletion for audit purposes (owned by the user, not the task).
type NotificationSend struct {
	base
	UserID          uuid.UUID `gorm:"type:text;not null;index:idx_notif_sends_user_created"`
	TaskID          uuid.UUID `gorm:"type:text;not null;index"`
	ExecutionID     uuid.UUID `gorm:"type:text;not null"`
	RecipientEmail  string    `gorm:"not null;index:idx_notif_sends_recipient_created"`
	NotificationType string   `gorm:"not null;default:'email'"`
	Status          string    `gorm:"not null"`
	ErrorMessage    string    `gorm:"type:text;default:''"`
}

// -----------------------------------------------------------------------------
// WebhookDelivery
// -----------------------------------------------------------------------------

// WebhookDelivery is one row per delivery attempt. Invariant I3: exactly one
// of DeliveredAt, FailedAt, NextRetryAt is non-null per row.
type WebhookDelivery struct {
	base
	TaskID        uuid.UUID `gorm:"type:text;not null;index"`
	ExecutionID   uuid.UUID `gorm:"type:text;not null"`
	WebhookURL    string    `gorm:"not null"`
	Payload       string    `gorm:"type:text;not null"` // exact JSON body sent
	Signature     string    `gorm:"not null"`
	HTTPStatus    int       `gorm:"default:0"`
	ErrorMessage  string    `gorm:"type:text;default:''"`
	AttemptNumber int       `gorm:"not null;default:1"`
	DeliveredAt   *time.Time
	FailedAt      *time.Time
	NextRetryAt   *time.Time `gorm:"index"`
}

// -----------------------------------------------------------------------------
// EmailVerification
// -----------------------------------------------------------------------------

// EmailVerification is an ephemeral code used to verify a user-supplied
// notification address before it is added to VerifiedNotificationEmails.
type EmailVerification struct {
	base
	UserID       uuid.UUID `gorm:"type:text;not null;index:idx_email_verif_user_email_created"`
	Email        string    `gorm:"not null;index:idx_email_verif_user_email_created"`
	Code         string    `gorm:"not null"`
	ExpiresAt    time.Time `gorm:"not null"`
	AttemptsLeft int       `gorm:"not null;default:5"`
	Verified     bool      `gorm:"not null;default:false"`
	VerifiedAt   *time.Time
}
