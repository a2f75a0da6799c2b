// Package notification implements the Notification Dispatcher component
// (C3): email delivery through an HTTP-RPC workflow provider, signed webhook
// delivery with a persisted retry trail, and the email-verification/spam-cap
// bookkeeping both channels depend on. Grounded on an internal/notification
// package's notify() dispatch shape: resolve recipients, persist an audit
// row per attempt, fan channels out with independently-logged,
// non-propagated failures, generalized to Torale's two notification events
// (condition-met, welcome) and its own signing/config conventions.
package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/toralehq/engine/internal/db"
	"github.com/toralehq/engine/internal/repositories"
	"github.com/toralehq/engine/internal/webhook"
)

// Result reports which channels failed during a combined dispatch. The
// orchestrator merges these into the owning execution's result JSONB
// (notification_failed) rather than treating either failure as fatal.
type Result struct {
	EmailAttempted   bool
	EmailFailed      bool
	WebhookAttempted bool
	WebhookFailed    bool
}

// Failed reports whether any attempted channel failed.
func (r Result) Failed() bool {
	return (r.EmailAttempted && r.EmailFailed) || (r.WebhookAttempted && r.WebhookFailed)
}

// ConditionMetInput bundles the data needed to notify a task's owner that
// its monitored condition was met.
type ConditionMetInput struct {
	Task      *db.Task
	Execution *db.TaskExecution
}

// WelcomeInput bundles the data needed to send the first-execution welcome
// email. It is only ever
// sent after a task's first execution has finished successfully and its
// result has been persisted, so Execution is always populated.
type WelcomeInput struct {
	Task      *db.Task
	Execution *db.TaskExecution
}

// Dispatcher sends task notifications over every channel a task has
// configured.
type Dispatcher interface {
	DispatchConditionMet(ctx context.Context, in ConditionMetInput) Result
	DispatchWelcome(ctx context.Context, in WelcomeInput) error

	// RetryWebhook re-delivers a previously failed WebhookDelivery row,
	// resending its recorded payload under a fresh signature with
	// attempt_number advanced by one. Consumed by the webhook retry sweep
	// (C5), which selects due rows.
	RetryWebhook(ctx context.Context, webhookURL, webhookSecret string, prior *db.WebhookDelivery) error
}

type dispatcher struct {
	email        *emailSender
	webhook      *webhookSender
	verification *VerificationService
	users        repositories.UserRepository
	sends        repositories.NotificationSendRepository
	logger       *zap.Logger
}

// NewDispatcher wires a Dispatcher from its channel senders and repositories.
func NewDispatcher(cfg Config, users repositories.UserRepository, sends repositories.NotificationSendRepository, deliveries repositories.WebhookDeliveryRepository, verifications repositories.EmailVerificationRepository, logger *zap.Logger) Dispatcher {
	cfg = cfg.withDefaults()
	loader := func(ctx context.Context) (Config, error) {
		if cfg.EmailProviderURL == "" {
			return Config{}, ErrConfigNotFound
		}
		return cfg, nil
	}
	return &dispatcher{
		email:        newEmailSender(loader),
		webhook:      newWebhookSender(cfg, deliveries),
		verification: NewVerificationService(verifications, sends, cfg),
		users:        users,
		sends:        sends,
		logger:       logger.Named("notification_dispatcher"),
	}
}

// DispatchConditionMet notifies a task's owner across every channel listed
// in task.NotificationChannels. Each channel's failure is logged and
// recorded independently; neither blocks the other.
func (d *dispatcher) DispatchConditionMet(ctx context.Context, in ConditionMetInput) Result {
	var result Result
	channels := d.parseChannels(in.Task.NotificationChannels)

	for _, ch := range channels {
		switch ch {
		case "email":
			result.EmailAttempted = true
			if err := d.sendConditionMetEmail(ctx, in); err != nil {
				result.EmailFailed = true
				d.logger.Warn("email dispatch failed",
					zap.String("task_id", in.Task.ID.String()),
					zap.Error(err))
			}
		case "webhook":
			result.WebhookAttempted = true
			if err := d.sendConditionMetWebhook(ctx, in); err != nil {
				result.WebhookFailed = true
				d.logger.Warn("webhook dispatch failed",
					zap.String("task_id", in.Task.ID.String()),
					zap.Error(err))
			}
		default:
			d.logger.Warn("unknown notification channel", zap.String("channel", ch))
		}
	}

	return result
}

func (d *dispatcher) sendConditionMetEmail(ctx context.Context, in ConditionMetInput) error {
	recipient, err := d.resolveRecipientEmail(ctx, in.Task)
	if err != nil {
		return err
	}
	if recipient == "" {
		return nil
	}

	allowed, err := d.verification.CheckSpamLimits(ctx, recipient)
	if err != nil {
		return err
	}
	if !allowed {
		d.recordSend(ctx, in.Task, in.Execution, recipient, db.NotificationSendStatusFailed, ErrSpamLimitExceeded.Error())
		return ErrSpamLimitExceeded
	}

	var sources []map[string]string
	_ = json.Unmarshal([]byte(in.Execution.GroundingSources), &sources)
	payload := map[string]interface{}{
		"task_name":          in.Task.Name,
		"search_query":       in.Task.SearchQuery,
		"answer":             valueOrEmpty(in.Execution.Notification),
		"change_summary":     in.Execution.ChangeSummary,
		"grounding_sources":  sources,
		"task_id":            in.Task.ID.String(),
		"execution_id":       in.Execution.ID.String(),
	}

	_, sendErr := d.email.Send(ctx, workflowConditionMet, recipient, payload)
	status := db.NotificationSendStatusSuccess
	errMsg := ""
	if sendErr != nil {
		status = db.NotificationSendStatusFailed
		errMsg = sendErr.Error()
	}
	d.recordSend(ctx, in.Task, in.Execution, recipient, status, errMsg)
	return sendErr
}

func (d *dispatcher) sendConditionMetWebhook(ctx context.Context, in ConditionMetInput) error {
	if in.Task.WebhookURL == "" {
		return nil
	}

	var sources []webhook.GroundingSource
	_ = json.Unmarshal([]byte(in.Execution.GroundingSources), &sources)

	payload := webhook.BuildPayload(
		webhook.TaskSummary{
			ID:                   in.Task.ID.String(),
			Name:                 in.Task.Name,
			SearchQuery:          in.Task.SearchQuery,
			ConditionDescription: in.Task.ConditionDescription,
		},
		in.Execution.ID.String(),
		in.Execution.Status,
		true,
		in.Execution.ChangeSummary,
		sources,
		*in.Execution.CompletedAt,
	)

	return d.webhook.Deliver(ctx, in.Task.ID, in.Execution.ID, in.Task.WebhookURL, string(in.Task.WebhookSecret), payload, 1)
}

// DispatchWelcome sends the first-execution welcome email regardless of
// whether the condition was met, per the Open Question decision recorded in
// DESIGN.md: this email fires once per task, tied to is_first_execution,
// never retried or gated by notification_channels.
func (d *dispatcher) DispatchWelcome(ctx context.Context, in WelcomeInput) error {
	recipient, err := d.resolveRecipientEmail(ctx, in.Task)
	if err != nil {
		return err
	}
	if recipient == "" {
		return nil
	}

	payload := map[string]interface{}{
		"task_name":             in.Task.Name,
		"search_query":          in.Task.SearchQuery,
		"condition_description": in.Task.ConditionDescription,
		"notify_behavior":       in.Task.NotifyBehavior,
		"schedule":              in.Task.Schedule,
		"task_id":               in.Task.ID.String(),
		"condition_met":         in.Execution.Status == db.ExecutionStatusSuccess,
		"answer":                valueOrEmpty(in.Execution.Notification),
	}

	_, err = d.email.Send(ctx, workflowWelcome, recipient, payload)
	status := db.NotificationSendStatusSuccess
	errMsg := ""
	if err != nil {
		status = db.NotificationSendStatusFailed
		errMsg = err.Error()
	}
	n := &db.NotificationSend{
		UserID:           in.Task.UserID,
		TaskID:           in.Task.ID,
		ExecutionID:      in.Execution.ID,
		RecipientEmail:   recipient,
		NotificationType: "welcome_email",
		Status:           status,
		ErrorMessage:     errMsg,
	}
	if createErr := d.sends.Create(ctx, n); createErr != nil {
		d.logger.Error("failed to persist notification_send", zap.Error(createErr))
	}
	return err
}

// RetryWebhook implements Dispatcher.
func (d *dispatcher) RetryWebhook(ctx context.Context, webhookURL, webhookSecret string, prior *db.WebhookDelivery) error {
	var payload webhook.Payload
	if err := json.Unmarshal([]byte(prior.Payload), &payload); err != nil {
		return fmt.Errorf("notification: unmarshal prior webhook payload: %w", err)
	}
	return d.webhook.Deliver(ctx, prior.TaskID, prior.ExecutionID, webhookURL, webhookSecret, payload, prior.AttemptNumber+1)
}

// resolveRecipientEmail returns task.NotificationEmail when it appears in
// the owning user's verified address list, falling back to the user's
// primary (always-verified) account email otherwise — the
// "recipient-verification fallback" pre-flight check.
func (d *dispatcher) resolveRecipientEmail(ctx context.Context, task *db.Task) (string, error) {
	if task.NotificationEmail == "" {
		return "", nil
	}

	user, err := d.users.GetByID(ctx, task.UserID)
	if err != nil {
		return "", fmt.Errorf("notification: load task owner: %w", err)
	}
	if task.NotificationEmail == user.Email {
		return task.NotificationEmail, nil
	}

	var verified []string
	_ = json.Unmarshal([]byte(user.VerifiedNotificationEmails), &verified)
	for _, v := range verified {
		if v == task.NotificationEmail {
			return task.NotificationEmail, nil
		}
	}

	d.logger.Warn("notification email not verified, falling back to account email",
		zap.String("task_id", task.ID.String()),
		zap.String("requested", task.NotificationEmail))
	return user.Email, nil
}

func (d *dispatcher) recordSend(ctx context.Context, task *db.Task, execution *db.TaskExecution, recipient, status, errMsg string) {
	n := &db.NotificationSend{
		UserID:           task.UserID,
		TaskID:           task.ID,
		ExecutionID:      execution.ID,
		RecipientEmail:   recipient,
		NotificationType: "email",
		Status:           status,
		ErrorMessage:     errMsg,
	}
	if err := d.sends.Create(ctx, n); err != nil {
		d.logger.Error("failed to persist notification_send", zap.Error(err))
	}
}

func (d *dispatcher) parseChannels(raw string) []string {
	var channels []string
	if err := json.Unmarshal([]byte(raw), &channels); err != nil {
		return nil
	}
	return channels
}

func valueOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
