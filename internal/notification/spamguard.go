package notification

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/toralehq/engine/internal/db"
	"github.com/toralehq/engine/internal/repositories"
)

// VerificationService implements email-verification bookkeeping and spam
// accounting, grounded directly on
// original_source/backend/src/torale/core/email_verification.py's
// EmailVerificationService (generate_code, can_send_verification,
// create_verification, verify_code, check_spam_limits) — carried as a single
// Go type since the Python class bundles both concerns.
type VerificationService struct {
	verifications repositories.EmailVerificationRepository
	sends         repositories.NotificationSendRepository
	cfg           Config
	now           func() time.Time
}

// NewVerificationService constructs a VerificationService.
func NewVerificationService(verifications repositories.EmailVerificationRepository, sends repositories.NotificationSendRepository, cfg Config) *VerificationService {
	return &VerificationService{
		verifications: verifications,
		sends:         sends,
		cfg:           cfg.withDefaults(),
		now:           time.Now,
	}
}

// GenerateCode returns a random 6-digit numeric code, zero-padded.
func (s *VerificationService) GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("notification: generate verification code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// CanSendVerification reports whether userID/email is still under the
// hourly issuance rate limit (default 3/hour).
func (s *VerificationService) CanSendVerification(ctx context.Context, userID uuid.UUID, email string) (bool, error) {
	count, err := s.verifications.CountIssuedSince(ctx, userID, email, s.now().UTC().Add(-time.Hour))
	if err != nil {
		return false, fmt.Errorf("notification: count issued verifications: %w", err)
	}
	return count < int64(s.cfg.VerificationHourlyLimit), nil
}

// CreateVerification issues a new verification record for userID/email with
// code, expiring after VerificationCodeTTL (default 15 minutes) and carrying
// VerificationMaxAttempts guesses (default 5).
func (s *VerificationService) CreateVerification(ctx context.Context, userID uuid.UUID, email, code string) (*db.EmailVerification, error) {
	v := &db.EmailVerification{
		UserID:       userID,
		Email:        email,
		Code:         code,
		ExpiresAt:    s.now().UTC().Add(s.cfg.VerificationCodeTTL),
		AttemptsLeft: s.cfg.VerificationMaxAttempts,
	}
	if err := s.verifications.Create(ctx, v); err != nil {
		return nil, fmt.Errorf("notification: create verification: %w", err)
	}
	return v, nil
}

// VerifyCode checks code against the latest unverified record for
// userID/email. A wrong guess decrements AttemptsLeft; an expired record or
// one with no attempts left always fails regardless of the code supplied.
func (s *VerificationService) VerifyCode(ctx context.Context, userID uuid.UUID, email, code string) (bool, error) {
	v, err := s.verifications.GetLatestUnverified(ctx, userID, email)
	if err != nil {
		if err == repositories.ErrNotFound {
			return false, nil
		}
		return false, fmt.Errorf("notification: load verification: %w", err)
	}

	if s.now().UTC().After(v.ExpiresAt) {
		return false, nil
	}
	if v.AttemptsLeft <= 0 {
		return false, nil
	}
	if v.Code != code {
		if _, err := s.verifications.DecrementAttempts(ctx, v.ID); err != nil {
			return false, fmt.Errorf("notification: decrement verification attempts: %w", err)
		}
		return false, nil
	}

	if err := s.verifications.MarkVerified(ctx, v.ID, s.now().UTC()); err != nil {
		return false, fmt.Errorf("notification: mark verification verified: %w", err)
	}
	return true, nil
}

// CheckSpamLimits reports whether recipientEmail is still under both the
// daily (default 100) and hourly (default 10) successful-send caps, counting
// only notification_sends rows with status=success. Either
// cap reaching its limit blocks the send; a zero-valued limit is treated as
// "no cap" for that window.
func (s *VerificationService) CheckSpamLimits(ctx context.Context, recipientEmail string) (bool, error) {
	now := s.now().UTC()

	if s.cfg.SpamDailyLimit > 0 {
		daily, err := s.sends.CountSince(ctx, recipientEmail, now.Add(-24*time.Hour))
		if err != nil {
			return false, fmt.Errorf("notification: count daily sends: %w", err)
		}
		if daily >= int64(s.cfg.SpamDailyLimit) {
			return false, nil
		}
	}

	if s.cfg.SpamHourlyLimit > 0 {
		hourly, err := s.sends.CountSince(ctx, recipientEmail, now.Add(-time.Hour))
		if err != nil {
			return false, fmt.Errorf("notification: count hourly sends: %w", err)
		}
		if hourly >= int64(s.cfg.SpamHourlyLimit) {
			return false, nil
		}
	}

	return true, nil
}
