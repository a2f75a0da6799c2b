package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/toralehq/engine/internal/db"
)

// gormEmailVerificationRepository is the GORM implementation of
// EmailVerificationRepository.
type gormEmailVerificationRepository struct {
	db *gorm.DB
}

// NewEmailVerificationRepository returns an EmailVerificationRepository
// backed by the provided *gorm.DB.
func NewEmailVerificationRepository(gdb *gorm.DB) EmailVerificationRepository {
	return &gormEmailVerificationRepository{db: gdb}
}

func (r *gormEmailVerificationRepository) Create(ctx context.Context, v *db.EmailVerification) error {
	if err := r.db.WithContext(ctx).Create(v).Error; err != nil {
		return fmt.Errorf("email_verifications: create: %w", err)
	}
	return nil
}

func (r *gormEmailVerificationRepository) GetLatestUnverified(ctx context.Context, userID uuid.UUID, email string) (*db.EmailVerification, error) {
	var v db.EmailVerification
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND email = ? AND verified = ?", userID, email, false).
		Order("created_at DESC").
		First(&v).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("email_verifications: get latest unverified: %w", err)
	}
	return &v, nil
}

// CountIssuedSince backs the 3-codes/(user,email)/rolling-hour rate limit.
func (r *gormEmailVerificationRepository) CountIssuedSince(ctx context.Context, userID uuid.UUID, email string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.EmailVerification{}).
		Where("user_id = ? AND email = ? AND created_at >= ?", userID, email, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("email_verifications: count issued since: %w", err)
	}
	return count, nil
}

func (r *gormEmailVerificationRepository) MarkVerified(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.EmailVerification{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"verified":    true,
			"verified_at": at,
		})
	if result.Error != nil {
		return fmt.Errorf("email_verifications: mark verified: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DecrementAttempts decrements attempts_left by one and returns the new
// value. Callers treat attemptsLeft <= 0 as exhausted.
func (r *gormEmailVerificationRepository) DecrementAttempts(ctx context.Context, id uuid.UUID) (int, error) {
	result := r.db.WithContext(ctx).
		Model(&db.EmailVerification{}).
		Where("id = ? AND attempts_left > 0", id).
		Update("attempts_left", gorm.Expr("attempts_left - 1"))
	if result.Error != nil {
		return 0, fmt.Errorf("email_verifications: decrement attempts: %w", result.Error)
	}

	var v db.EmailVerification
	if err := r.db.WithContext(ctx).Select("attempts_left").First(&v, "id = ?", id).Error; err != nil {
		return 0, fmt.Errorf("email_verifications: decrement attempts: reload: %w", err)
	}
	return v.AttemptsLeft, nil
}
