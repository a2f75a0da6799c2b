package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/toralehq/engine/internal/db"
	"github.com/toralehq/engine/internal/repositories"
	"github.com/toralehq/engine/internal/webhook"
)

// webhookSender delivers a signed POST to a task's configured webhook URL
// and persists one WebhookDelivery row per attempt, using Torale's own
// timestamped signature header and an auditable retry trail instead of a
// fire-and-forget send.
type webhookSender struct {
	client  *http.Client
	repo    repositories.WebhookDeliveryRepository
	cfg     Config
}

func newWebhookSender(cfg Config, repo repositories.WebhookDeliveryRepository) *webhookSender {
	return &webhookSender{
		client: &http.Client{Timeout: cfg.WebhookTimeout},
		repo:   repo,
		cfg:    cfg,
	}
}

// Deliver signs payload, POSTs it to rawURL, and persists the attempt
// (attemptNumber, 1-indexed). Webhook URLs must be HTTPS; a non-HTTPS URL
// is recorded as a permanently failed attempt without making any network
// call.
func (s *webhookSender) Deliver(ctx context.Context, taskID, executionID uuid.UUID, rawURL, secret string, payload webhook.Payload, attemptNumber int) error {
	delivery := &db.WebhookDelivery{
		TaskID:        taskID,
		ExecutionID:   executionID,
		WebhookURL:    rawURL,
		AttemptNumber: attemptNumber,
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%w: marshal webhook payload: %s", ErrSendFailed, err)
	}
	delivery.Payload = string(raw)

	if !isHTTPS(rawURL) {
		delivery.ErrorMessage = "webhook url is not https"
		now := time.Now().UTC()
		delivery.FailedAt = &now
		return s.finish(ctx, delivery, fmt.Errorf("%w: webhook url must be https", ErrSendFailed))
	}

	now := time.Now().UTC()
	sig, err := webhook.Sign(secret, payload, now)
	if err != nil {
		delivery.ErrorMessage = err.Error()
		delivery.FailedAt = &now
		return s.finish(ctx, delivery, fmt.Errorf("%w: sign payload: %s", ErrSendFailed, err))
	}
	delivery.Signature = sig

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(raw))
	if err != nil {
		delivery.ErrorMessage = err.Error()
		delivery.FailedAt = &now
		return s.finish(ctx, delivery, fmt.Errorf("%w: build webhook request: %s", ErrSendFailed, err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "Torale-Webhook/1.0")
	req.Header.Set(webhook.SignatureHeader, sig)

	resp, doErr := s.client.Do(req)
	if doErr != nil {
		delivery.ErrorMessage = doErr.Error()
		s.scheduleRetryOrFail(delivery)
		return s.finish(ctx, delivery, fmt.Errorf("%w: webhook request failed: %s", ErrSendFailed, doErr))
	}
	defer resp.Body.Close()
	delivery.HTTPStatus = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		delivery.ErrorMessage = fmt.Sprintf("webhook returned non-2xx status %d", resp.StatusCode)
		s.scheduleRetryOrFail(delivery)
		return s.finish(ctx, delivery, fmt.Errorf("%w: %s", ErrSendFailed, delivery.ErrorMessage))
	}

	delivered := time.Now().UTC()
	delivery.DeliveredAt = &delivered
	return s.finish(ctx, delivery, nil)
}

// scheduleRetryOrFail sets NextRetryAt using the configured backoff schedule,
// or FailedAt once WebhookMaxAttempts is exhausted. Exactly one of
// DeliveredAt/FailedAt/NextRetryAt ends up set on the row this call produces.
func (s *webhookSender) scheduleRetryOrFail(d *db.WebhookDelivery) {
	if d.AttemptNumber >= s.cfg.WebhookMaxAttempts {
		now := time.Now().UTC()
		d.FailedAt = &now
		return
	}
	idx := d.AttemptNumber - 1
	if idx < 0 || idx >= len(s.cfg.WebhookBackoff) {
		idx = len(s.cfg.WebhookBackoff) - 1
	}
	next := time.Now().UTC().Add(s.cfg.WebhookBackoff[idx])
	d.NextRetryAt = &next
}

func (s *webhookSender) finish(ctx context.Context, d *db.WebhookDelivery, sendErr error) error {
	if err := s.repo.Create(ctx, d); err != nil {
		return fmt.Errorf("persist webhook delivery: %w", err)
	}
	return sendErr
}

func isHTTPS(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Scheme, "https")
}
