package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/toralehq/engine/internal/db"
)

// gormNotificationSendRepository is the GORM implementation of
// NotificationSendRepository.
type gormNotificationSendRepository struct {
	db *gorm.DB
}

// NewNotificationSendRepository returns a NotificationSendRepository backed
// by the provided *gorm.DB.
func NewNotificationSendRepository(gdb *gorm.DB) NotificationSendRepository {
	return &gormNotificationSendRepository{db: gdb}
}

func (r *gormNotificationSendRepository) Create(ctx context.Context, n *db.NotificationSend) error {
	if err := r.db.WithContext(ctx).Create(n).Error; err != nil {
		return fmt.Errorf("notification_sends: create: %w", err)
	}
	return nil
}

// CountSince counts successful sends to recipientEmail since since,
// backing the spam-cap checks (100/24h, 10/1h).
func (r *gormNotificationSendRepository) CountSince(ctx context.Context, recipientEmail string, since time.Time) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.NotificationSend{}).
		Where("recipient_email = ? AND status = ? AND created_at >= ?", recipientEmail, db.NotificationSendStatusSuccess, since).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("notification_sends: count since: %w", err)
	}
	return count, nil
}
