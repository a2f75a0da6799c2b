package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Workflow ids for the two transactional emails Torale triggers. The
// provider owns subject lines and templates; Torale only selects a
// workflow and supplies its payload fields.
const (
	workflowWelcome      = "task-welcome"
	workflowConditionMet = "task-condition-met"
)

// emailSender delivers notifications by calling an external workflow
// provider's trigger RPC rather than dialing SMTP directly: fire-and-forget,
// provider owns delivery and templating, Torale only logs the returned
// transaction id or error text.
type emailSender struct {
	http   *http.Client
	loader func(ctx context.Context) (Config, error)
}

func newEmailSender(loader func(ctx context.Context) (Config, error)) *emailSender {
	return &emailSender{
		http:   &http.Client{Timeout: 10 * time.Second},
		loader: loader,
	}
}

// triggerRequest is the body of the provider's trigger RPC:
// trigger(workflow_id, recipient, payload).
type triggerRequest struct {
	WorkflowID string                 `json:"workflow_id"`
	Recipient  string                 `json:"recipient"`
	Payload    map[string]interface{} `json:"payload"`
}

type triggerResponse struct {
	TransactionID string `json:"transaction_id"`
}

// Send triggers workflowID against the provider for a single recipient. A
// missing provider configuration (ErrConfigNotFound) is treated as "email
// disabled" and skipped silently, the same way an unconfigured SMTP channel
// would be.
func (s *emailSender) Send(ctx context.Context, workflowID, recipient string, payload map[string]interface{}) (string, error) {
	cfg, err := s.loader(ctx)
	if err != nil {
		if err == ErrConfigNotFound {
			return "", nil
		}
		return "", fmt.Errorf("%w: load email provider config: %s", ErrSendFailed, err)
	}
	if cfg.EmailProviderURL == "" {
		return "", nil
	}

	body, err := json.Marshal(triggerRequest{WorkflowID: workflowID, Recipient: recipient, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("%w: marshal trigger request: %s", ErrSendFailed, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.EmailProviderURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build trigger request: %s", ErrSendFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.EmailProviderKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.EmailProviderKey)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: trigger request failed: %s", ErrSendFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("%w: provider returned HTTP %d", ErrSendFailed, resp.StatusCode)
	}

	var result triggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		// The provider is fire-and-forget; a malformed ack body still means
		// the workflow was accepted since the status code was 2xx.
		return "", nil
	}
	return result.TransactionID, nil
}
