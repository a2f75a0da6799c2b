package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/toralehq/engine/internal/db"
)

// gormUserRepository is the GORM implementation of UserRepository.
type gormUserRepository struct {
	db *gorm.DB
}

// NewUserRepository returns a UserRepository backed by the provided *gorm.DB.
func NewUserRepository(gdb *gorm.DB) UserRepository {
	return &gormUserRepository{db: gdb}
}

func (r *gormUserRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.User, error) {
	var u db.User
	err := r.db.WithContext(ctx).First(&u, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by id: %w", err)
	}
	return &u, nil
}

func (r *gormUserRepository) GetByEmail(ctx context.Context, email string) (*db.User, error) {
	var u db.User
	err := r.db.WithContext(ctx).First(&u, "email = ?", email).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("users: get by email: %w", err)
	}
	return &u, nil
}

// AddVerifiedEmail appends email to the user's verified_notification_emails
// set, idempotently (adding an already-present address is a no-op).
func (r *gormUserRepository) AddVerifiedEmail(ctx context.Context, id uuid.UUID, email string) error {
	var u db.User
	if err := r.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("users: add verified email: load: %w", err)
	}

	var emails []string
	if strings.TrimSpace(u.VerifiedNotificationEmails) != "" {
		if err := json.Unmarshal([]byte(u.VerifiedNotificationEmails), &emails); err != nil {
			return fmt.Errorf("users: add verified email: unmarshal: %w", err)
		}
	}
	for _, e := range emails {
		if e == email {
			return nil
		}
	}
	emails = append(emails, email)

	encoded, err := json.Marshal(emails)
	if err != nil {
		return fmt.Errorf("users: add verified email: marshal: %w", err)
	}

	result := r.db.WithContext(ctx).
		Model(&db.User{}).
		Where("id = ?", id).
		Update("verified_notification_emails", string(encoded))
	if result.Error != nil {
		return fmt.Errorf("users: add verified email: write: %w", result.Error)
	}
	return nil
}
