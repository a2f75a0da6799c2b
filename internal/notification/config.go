package notification

import "time"

// Config configures the Dispatcher. Torale's email and webhook providers are
// process-wide credentials loaded once from the environment at startup:
// there is no per-tenant SMTP/provider configuration to look up per send.
type Config struct {
	// EmailProviderURL and EmailProviderKey address the HTTP-RPC email
	// provider used to trigger transactional sends (EMAIL_PROVIDER_URL /
	// EMAIL_PROVIDER_KEY). The provider owns the actual templates; Torale
	// only supplies a workflow id and a JSON payload.
	EmailProviderURL string
	EmailProviderKey string

	// WebhookTimeout bounds a single webhook delivery attempt
	// (WEBHOOK_REQUEST_TIMEOUT_SECONDS, default 10s).
	WebhookTimeout time.Duration

	// WebhookMaxAttempts is the number of delivery attempts before a webhook
	// is marked permanently failed (default 5, matching the five-entry
	// backoff schedule below).
	WebhookMaxAttempts int

	// WebhookBackoff holds the retry delay applied after each failed
	// attempt, indexed by (attempt number - 1). A failure on attempt N
	// schedules the next try using WebhookBackoff[N-1], or leaves the
	// delivery permanently failed once N >= WebhookMaxAttempts.
	WebhookBackoff []time.Duration

	// SpamHourlyLimit and SpamDailyLimit cap the number of successful email
	// sends to a single recipient in the trailing hour/day.
	// A zero value disables that particular cap.
	SpamHourlyLimit int
	SpamDailyLimit  int

	// VerificationCodeTTL bounds how long an issued email-verification code
	// remains redeemable (default 15 minutes).
	VerificationCodeTTL time.Duration

	// VerificationMaxAttempts is the number of wrong-code guesses allowed
	// before a verification record is exhausted (default 5, matching
	// db.EmailVerification.AttemptsLeft's default).
	VerificationMaxAttempts int

	// VerificationHourlyLimit caps how many verification codes may be issued
	// to the same (user, email) pair within an hour (default 3).
	VerificationHourlyLimit int
}

// DefaultWebhookBackoff is the 1/2/4/8/16-minute retry schedule grounded on
// original_source/backend/src/torale/notifications/webhook.py's exponential
// backoff constants.
func DefaultWebhookBackoff() []time.Duration {
	return []time.Duration{
		1 * time.Minute,
		2 * time.Minute,
		4 * time.Minute,
		8 * time.Minute,
		16 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	if c.WebhookTimeout <= 0 {
		c.WebhookTimeout = 10 * time.Second
	}
	if c.WebhookMaxAttempts <= 0 {
		c.WebhookMaxAttempts = 5
	}
	if len(c.WebhookBackoff) == 0 {
		c.WebhookBackoff = DefaultWebhookBackoff()
	}
	if c.VerificationCodeTTL <= 0 {
		c.VerificationCodeTTL = 15 * time.Minute
	}
	if c.VerificationMaxAttempts <= 0 {
		c.VerificationMaxAttempts = 5
	}
	if c.VerificationHourlyLimit <= 0 {
		c.VerificationHourlyLimit = 3
	}
	return c
}
