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

// gormTaskRepository is the GORM implementation of TaskRepository.
type gormTaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository returns a TaskRepository backed by the provided *gorm.DB.
func NewTaskRepository(gdb *gorm.DB) TaskRepository {
	return &gormTaskRepository{db: gdb}
}

func (r *gormTaskRepository) Create(ctx context.Context, t *db.Task) error {
	if err := r.db.WithContext(ctx).Create(t).Error; err != nil {
		return fmt.Errorf("tasks: create: %w", err)
	}
	return nil
}

func (r *gormTaskRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Task, error) {
	var t db.Task
	err := r.db.WithContext(ctx).First(&t, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tasks: get by id: %w", err)
	}
	return &t, nil
}

func (r *gormTaskRepository) Update(ctx context.Context, t *db.Task) error {
	result := r.db.WithContext(ctx).Save(t)
	if result.Error != nil {
		return fmt.Errorf("tasks: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormTaskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&db.Task{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("tasks: delete: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormTaskRepository) List(ctx context.Context, opts ListOptions) ([]db.Task, int64, error) {
	var tasks []db.Task
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.Task{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at ASC").
		Find(&tasks).Error; err != nil {
		return nil, 0, fmt.Errorf("tasks: list: %w", err)
	}
	return tasks, total, nil
}

// ListByState returns every non-deleted task in the given state, oldest
// first.
func (r *gormTaskRepository) ListByState(ctx context.Context, state string) ([]db.Task, error) {
	var tasks []db.Task
	if err := r.db.WithContext(ctx).
		Where("state = ?", state).
		Order("created_at ASC").
		Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("tasks: list by state: %w", err)
	}
	return tasks, nil
}

// CompareAndSwapState performs the conditional UPDATE backing a state
// transition: UPDATE tasks SET state=?, state_changed_at=? WHERE id=? AND state=?.
// Zero rows affected means either the task does not exist or another writer
// raced us — CompareAndSwapState cannot distinguish the two from RowsAffected
// alone, so it disambiguates with a follow-up existence check, exactly as the
// rollback path in internal/statemachine needs to know which error to surface.
func (r *gormTaskRepository) CompareAndSwapState(ctx context.Context, id uuid.UUID, from, to string, changedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ? AND state = ?", id, from).
		Updates(map[string]interface{}{
			"state":            to,
			"state_changed_at": changedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("tasks: compare-and-swap state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		exists := r.db.WithContext(ctx).Select("id").First(&db.Task{}, "id = ?", id).Error
		if errors.Is(exists, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (r *gormTaskRepository) SetNextRun(ctx context.Context, id uuid.UUID, nextRun *time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ?", id).
		Update("next_run", nextRun)
	if result.Error != nil {
		return fmt.Errorf("tasks: set next run: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormTaskRepository) Rename(ctx context.Context, id uuid.UUID, name string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Task{}).
		Where("id = ?", id).
		Update("name", name)
	if result.Error != nil {
		return fmt.Errorf("tasks: rename: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
