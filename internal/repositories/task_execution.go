package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/toralehq/engine/internal/db"
)

// gormTaskExecutionRepository is the GORM implementation of
// TaskExecutionRepository.
type gormTaskExecutionRepository struct {
	db *gorm.DB
}

// NewTaskExecutionRepository returns a TaskExecutionRepository backed by the
// provided *gorm.DB.
func NewTaskExecutionRepository(gdb *gorm.DB) TaskExecutionRepository {
	return &gormTaskExecutionRepository{db: gdb}
}

// CreatePending relies on the partial unique index
// idx_task_executions_inflight (migrations/000001_init.up.sql) rather than a
// separate SELECT-then-INSERT, closing the race job.py's original two-query
// pattern was prone to. A uniqueness violation on insert is translated to
// ErrConflict.
func (r *gormTaskExecutionRepository) CreatePending(ctx context.Context, taskID uuid.UUID, retryCount int, isFirstExecution bool) (*db.TaskExecution, error) {
	exec := &db.TaskExecution{
		TaskID:           taskID,
		Status:           db.ExecutionStatusPending,
		RetryCount:       retryCount,
		IsFirstExecution: isFirstExecution,
	}
	if err := r.db.WithContext(ctx).Create(exec).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("task_executions: create pending: %w", err)
	}
	return exec, nil
}

// isUniqueViolation recognizes the unique-constraint error shape returned by
// both the sqlite (modernc) and postgres (pgx) drivers without importing
// either driver's internal error type here.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func (r *gormTaskExecutionRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.TaskExecution, error) {
	var e db.TaskExecution
	err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("task_executions: get by id: %w", err)
	}
	return &e, nil
}

func (r *gormTaskExecutionRepository) GetInFlight(ctx context.Context, taskID uuid.UUID) (*db.TaskExecution, error) {
	var e db.TaskExecution
	err := r.db.WithContext(ctx).
		Where("task_id = ? AND status IN ?", taskID, []string{db.ExecutionStatusPending, db.ExecutionStatusRunning}).
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("task_executions: get in flight: %w", err)
	}
	return &e, nil
}

func (r *gormTaskExecutionRepository) GetLast(ctx context.Context, taskID uuid.UUID) (*db.TaskExecution, error) {
	var e db.TaskExecution
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at DESC").
		First(&e).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("task_executions: get last: %w", err)
	}
	return &e, nil
}

func (r *gormTaskExecutionRepository) ListRecent(ctx context.Context, taskID uuid.UUID, limit int) ([]db.TaskExecution, error) {
	var execs []db.TaskExecution
	if err := r.db.WithContext(ctx).
		Where("task_id = ? AND status IN ?", taskID, []string{db.ExecutionStatusSuccess, db.ExecutionStatusFailed}).
		Order("completed_at DESC").
		Limit(limit).
		Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("task_executions: list recent: %w", err)
	}
	return execs, nil
}

func (r *gormTaskExecutionRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.TaskExecution{}).
		Where("id = ? AND status = ?", id, db.ExecutionStatusPending).
		Updates(map[string]interface{}{
			"status":     db.ExecutionStatusRunning,
			"started_at": now,
		})
	if result.Error != nil {
		return fmt.Errorf("task_executions: mark running: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed finalizes an execution as FAILED. Finalizing an execution
// already in a terminal state is a no-op — the WHERE clause restricts
// the update to rows still in {pending, running}, and changed reports
// whether a row actually transitioned.
func (r *gormTaskExecutionRepository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) (bool, error) {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&db.TaskExecution{}).
		Where("id = ? AND status IN ?", id, []string{db.ExecutionStatusPending, db.ExecutionStatusRunning}).
		Updates(map[string]interface{}{
			"status":        db.ExecutionStatusFailed,
			"error_message": errMsg,
			"completed_at":  now,
		})
	if result.Error != nil {
		return false, fmt.Errorf("task_executions: mark failed: %w", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// FinalizeSuccess implements step 7: a single transaction that
// marks the execution SUCCESS with its full result and patches the owning
// task's last_execution_id/last_known_state, grounded on
// activities.py's persist_execution_result.
func (r *gormTaskExecutionRepository) FinalizeSuccess(ctx context.Context, in FinalizeSuccessInput) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&db.TaskExecution{}).
			Where("id = ? AND status IN ?", in.ExecutionID, []string{db.ExecutionStatusPending, db.ExecutionStatusRunning}).
			Updates(map[string]interface{}{
				"status":            db.ExecutionStatusSuccess,
				"result":            in.Result,
				"completed_at":      in.CompletedAt,
				"notification":      in.Notification,
				"change_summary":    in.ChangeSummary,
				"grounding_sources": in.GroundingSources,
			})
		if result.Error != nil {
			return fmt.Errorf("task_executions: finalize success: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			// Already terminal — R4 no-op. The task-row patch below is still
			// skipped since it is only meaningful alongside a fresh finalize.
			return nil
		}

		taskUpdates := map[string]interface{}{
			"last_execution_id": in.ExecutionID,
			"last_known_state":  in.LastKnownState,
		}
		if err := tx.Model(&db.Task{}).
			Where("id = ?", in.TaskID).
			Updates(taskUpdates).Error; err != nil {
			return fmt.Errorf("task_executions: finalize success: patch task: %w", err)
		}
		return nil
	})
}

// MergeResultFlag reads the execution's result JSON, sets flag to value, and
// writes it back. Concurrent flag merges on the same execution cannot race in
// practice — a single execution is only ever finalized by the orchestrator
// goroutine that created it — so no explicit row lock is taken here.
func (r *gormTaskExecutionRepository) MergeResultFlag(ctx context.Context, id uuid.UUID, flag string, value bool) error {
	var e db.TaskExecution
	if err := r.db.WithContext(ctx).Select("id", "result").First(&e, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("task_executions: merge result flag: load: %w", err)
	}

	merged := map[string]interface{}{}
	if strings.TrimSpace(e.Result) != "" {
		if err := json.Unmarshal([]byte(e.Result), &merged); err != nil {
			return fmt.Errorf("task_executions: merge result flag: unmarshal: %w", err)
		}
	}
	merged[flag] = value

	encoded, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("task_executions: merge result flag: marshal: %w", err)
	}

	result := r.db.WithContext(ctx).
		Model(&db.TaskExecution{}).
		Where("id = ?", id).
		Update("result", string(encoded))
	if result.Error != nil {
		return fmt.Errorf("task_executions: merge result flag: write: %w", result.Error)
	}
	return nil
}

func (r *gormTaskExecutionRepository) ListStaleRunning(ctx context.Context, olderThan time.Time) ([]db.TaskExecution, error) {
	var execs []db.TaskExecution
	if err := r.db.WithContext(ctx).
		Where("status = ? AND started_at < ?", db.ExecutionStatusRunning, olderThan).
		Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("task_executions: list stale running: %w", err)
	}
	return execs, nil
}
