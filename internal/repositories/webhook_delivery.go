package repositories

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/toralehq/engine/internal/db"
)

// gormWebhookDeliveryRepository is the GORM implementation of
// WebhookDeliveryRepository.
type gormWebhookDeliveryRepository struct {
	db *gorm.DB
}

// NewWebhookDeliveryRepository returns a WebhookDeliveryRepository backed by
// the provided *gorm.DB.
func NewWebhookDeliveryRepository(gdb *gorm.DB) WebhookDeliveryRepository {
	return &gormWebhookDeliveryRepository{db: gdb}
}

func (r *gormWebhookDeliveryRepository) Create(ctx context.Context, d *db.WebhookDelivery) error {
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("webhook_deliveries: create: %w", err)
	}
	return nil
}

// ListDue returns rows eligible for retry, ordered oldest-due-first so the
// sweep drains the backlog fairly across tasks.
func (r *gormWebhookDeliveryRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]db.WebhookDelivery, error) {
	var deliveries []db.WebhookDelivery
	err := r.db.WithContext(ctx).
		Where("delivered_at IS NULL AND failed_at IS NULL AND next_retry_at IS NOT NULL AND next_retry_at <= ?", now).
		Order("next_retry_at ASC").
		Limit(limit).
		Find(&deliveries).Error
	if err != nil {
		return nil, fmt.Errorf("webhook_deliveries: list due: %w", err)
	}
	return deliveries, nil
}
