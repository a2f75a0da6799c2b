// Package agent implements the Agent Client component (C2): a blocking
// JSON-over-HTTP RPC to the external monitoring agent, grounded on
// original_source/backend/tests/test_agent.py and test_429_fallback.py's
// submit/poll/tier-failover semantics, translated into Go's typed-error and
// context-deadline idioms.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

// Config configures a Client.
type Config struct {
	// URLFree and URLPaid are the free and paid-tier agent base URLs
	// (AGENT_URL_FREE / AGENT_URL_PAID). URLPaid is used exactly once, as a
	// submit-time fallback when the free tier returns HTTP 429.
	URLFree string
	URLPaid string

	// Timeout is the overall per-call deadline from submission to terminal
	// poll result (AGENT_TIMEOUT_SECONDS, default 300s).
	Timeout time.Duration

	// PollInterval is the delay between status polls (~1s ).
	PollInterval time.Duration

	// MaxConsecutivePollFailures fails the call once this many transient
	// poll failures happen in a row (default 3).
	MaxConsecutivePollFailures int
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 300 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxConsecutivePollFailures <= 0 {
		c.MaxConsecutivePollFailures = 3
	}
	return c
}

// Client calls the external monitoring agent.
type Client struct {
	http   *http.Client
	cfg    Config
	logger *zap.Logger
}

// New returns a Client ready to serve Call.
func New(cfg Config, logger *zap.Logger) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		http:   &http.Client{},
		cfg:    cfg,
		logger: logger.Named("agent_client"),
	}
}

// Call submits prompt to the agent and polls until a terminal result: submit
// with free→paid tier failover on 429, poll with a transient-failure budget,
// hard deadline enforcement, and response validation.
func (c *Client) Call(ctx context.Context, prompt string) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	taskID, err := c.submitWithFailover(ctx, prompt)
	if err != nil {
		return nil, err
	}

	return c.pollUntilTerminal(ctx, taskID)
}

// submitWithFailover submits prompt against the free tier. On HTTP 429 it
// retries the submit exactly once against the paid tier. Any other submit
// failure (network, 5xx, validation) is returned directly with no failover —
// test_429_fallback.py confirms non-429 submit errors never trigger the
// paid-tier client.
func (c *Client) submitWithFailover(ctx context.Context, prompt string) (string, error) {
	taskID, err := c.submit(ctx, c.cfg.URLFree, prompt)
	if err == nil {
		return taskID, nil
	}

	var agentErr *Error
	if errors.As(err, &agentErr) && agentErr.Status == http.StatusTooManyRequests && c.cfg.URLPaid != "" {
		c.logger.Info("free tier rate limited on submit, retrying against paid tier")
		return c.submit(ctx, c.cfg.URLPaid, prompt)
	}

	return "", err
}

// submit POSTs prompt to baseURL and returns the agent-assigned task id.
func (c *Client) submit(ctx context.Context, baseURL, prompt string) (string, error) {
	body, err := json.Marshal(map[string]string{"prompt": prompt})
	if err != nil {
		return "", newError(KindProtocolError, 0, "failed to marshal submit request", err)
	}

	endpoint, err := url.JoinPath(baseURL, "tasks", "send")
	if err != nil {
		return "", newError(KindProtocolError, 0, "invalid agent base url", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", newError(KindUnavailable, 0, "failed to build submit request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", newError(KindTimeout, 0, "agent call did not complete before deadline", err)
		}
		return "", newError(KindUnavailable, 0, "failed to send task to agent", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", newError(KindRateLimited, resp.StatusCode, "agent rate limited submit", nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", newError(KindUnavailable, resp.StatusCode, "agent returned error on submit", readErrorBody(resp.Body))
	}

	var result submitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", newError(KindProtocolError, resp.StatusCode, "non-JSON submit response", err)
	}
	if result.TaskID == "" {
		return "", newError(KindProtocolError, resp.StatusCode, "submit response missing task_id", nil)
	}
	return result.TaskID, nil
}

// pollUntilTerminal polls the agent's status endpoint for taskID until a
// terminal state, a consecutive-failure budget is exhausted, or ctx expires.
// 429 responses during polling never trigger tier failover — the task was
// already submitted to a specific tier — and count toward the transient
// failure budget like any other retryable error.
func (c *Client) pollUntilTerminal(ctx context.Context, taskID string) (*Response, error) {
	consecutiveFailures := 0
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		result, err := c.poll(ctx, taskID)
		if err != nil {
			var agentErr *Error
			if errors.As(err, &agentErr) && agentErr.Kind == KindTimeout {
				return nil, err
			}
			consecutiveFailures++
			c.logger.Warn("agent poll failed",
				zap.String("task_id", taskID),
				zap.Int("consecutive_failures", consecutiveFailures),
				zap.Error(err),
			)
			if consecutiveFailures >= c.cfg.MaxConsecutivePollFailures {
				return nil, newError(KindUnavailable, 0, fmt.Sprintf("agent poll failed %d consecutive times", consecutiveFailures), err)
			}
		} else {
			consecutiveFailures = 0
			switch result.State {
			case stateCompleted:
				return validateAndNormalize(result.Result)
			case stateFailed:
				return nil, mapPollFailure(result.Error)
			case stateWorking:
				// fall through to wait for the next tick
			default:
				return nil, newError(KindProtocolError, 0, fmt.Sprintf("unknown agent task state %q", result.State), nil)
			}
		}

		select {
		case <-ctx.Done():
			return nil, newError(KindTimeout, 0, "agent call did not complete before deadline", ctx.Err())
		case <-ticker.C:
		}
	}
}

// poll issues one status check for taskID.
func (c *Client) poll(ctx context.Context, taskID string) (*pollResult, error) {
	endpoint, err := url.JoinPath(c.cfg.URLFree, "tasks", "get")
	if err != nil {
		return nil, newError(KindProtocolError, 0, "invalid agent base url", err)
	}
	endpoint += "?task_id=" + url.QueryEscape(taskID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, newError(KindUnavailable, 0, "failed to build poll request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, newError(KindTimeout, 0, "agent call did not complete before deadline", err)
		}
		return nil, newError(KindUnavailable, 0, "agent poll request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, newError(KindRateLimited, resp.StatusCode, "agent rate limited poll", nil)
	}
	if resp.StatusCode >= 500 {
		return nil, newError(KindUnavailable, resp.StatusCode, "agent poll returned server error", nil)
	}

	var result pollResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, newError(KindProtocolError, resp.StatusCode, "non-JSON poll response", err)
	}
	return &result, nil
}

// mapPollFailure converts the agent's structured error body into the typed
// taxonomy. A 429 reported inside a failed task body is distinguished from a
// true rate-limit response by status_code — grounded on test_agent.py's
// _handle_failed_task, which raises a distinct HTTP error only for the
// 429-from-model case.
func mapPollFailure(perr *pollError) error {
	if perr == nil {
		return newError(KindProtocolError, 0, "agent task failed with no error detail", nil)
	}
	if perr.StatusCode == http.StatusTooManyRequests {
		return newError(KindRateLimited, perr.StatusCode, perr.Message, nil)
	}
	if perr.StatusCode != 0 {
		return newError(KindUnavailable, perr.StatusCode, fmt.Sprintf("agent task failed: HTTP error %d", perr.StatusCode), nil)
	}
	return newError(KindValidationError, 0, fmt.Sprintf("agent task failed: %s: %s", perr.ErrorType, perr.Message), nil)
}

func readErrorBody(r io.Reader) error {
	body, _ := io.ReadAll(io.LimitReader(r, 2048))
	if len(body) == 0 {
		return nil
	}
	return errors.New(string(body))
}
