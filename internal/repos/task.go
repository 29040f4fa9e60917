package repos

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tilebase/coremachine/internal/identity"
	"github.com/tilebase/coremachine/internal/platform/logger"
	"github.com/tilebase/coremachine/internal/types"
)

// TaskCompletion is the terminal outcome recorded for a task.
type TaskCompletion struct {
	Status      string // types.TaskCompleted or types.TaskFailed
	ResultData  datatypes.JSON
	ErrorKind   string
	ErrorDetail string
}

// StageCheck is the answer from the completion primitive: whether this call
// observed the final terminal transition for the stage, and whether any task
// in the stage failed.
type StageCheck struct {
	IsLast          bool
	AnyFailed       bool
	AlreadyTerminal bool
}

// TaskRepo persists task records and owns the stage-completion primitive.
type TaskRepo interface {
	// CreateBatch inserts task rows, silently ignoring primary-key conflicts
	// so a redelivered job message can re-plan a stage without duplication.
	CreateBatch(ctx context.Context, tasks []*types.Task) error
	GetByID(ctx context.Context, taskID string) (*types.Task, error)
	// GetStageResults returns the terminal task records of one stage, ordered
	// by task_id for stable aggregation.
	GetStageResults(ctx context.Context, jobID string, stage int) ([]*types.Task, error)
	// GetAllTerminal returns every terminal task record of the job across all
	// stages, for final aggregation.
	GetAllTerminal(ctx context.Context, jobID string) ([]*types.Task, error)
	// MarkProcessing moves a queued task to processing and bumps its attempt
	// counter. Best effort: correctness rests on the monotonic guard inside
	// CompleteAndCheckStage, not on this transition.
	MarkProcessing(ctx context.Context, taskID string) error
	// CompleteAndCheckStage atomically records the task's terminal state and
	// reports whether it was the last open task of its stage. Serialized per
	// (job_id, stage) by a transaction-scoped advisory lock so at most one
	// caller ever observes IsLast=true.
	CompleteAndCheckStage(ctx context.Context, taskID, jobID string, stage int, res TaskCompletion) (StageCheck, error)
	// FindStaleProcessing returns tasks stuck in processing longer than the
	// cutoff. Used by the reconciler to fail abandoned work.
	FindStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*types.Task, error)
}

type taskRepo struct {
	db            *gorm.DB
	log           *logger.Logger
	lockNamespace uint32
}

func NewTaskRepo(db *gorm.DB, baseLog *logger.Logger, lockNamespace uint32) TaskRepo {
	return &taskRepo{
		db:            db,
		log:           baseLog.With("repo", "TaskRepo"),
		lockNamespace: lockNamespace,
	}
}

func (r *taskRepo) CreateBatch(ctx context.Context, tasks []*types.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&tasks).Error
}

func (r *taskRepo) GetByID(ctx context.Context, taskID string) (*types.Task, error) {
	if taskID == "" {
		return nil, nil
	}
	var task types.Task
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).Limit(1).Find(&task).Error
	if err != nil {
		return nil, err
	}
	if task.TaskID == "" {
		return nil, nil
	}
	return &task, nil
}

func (r *taskRepo) GetStageResults(ctx context.Context, jobID string, stage int) ([]*types.Task, error) {
	var out []*types.Task
	err := r.db.WithContext(ctx).
		Where("parent_job_id = ? AND stage_number = ? AND status IN ?", jobID, stage, []string{types.TaskCompleted, types.TaskFailed}).
		Order("task_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) GetAllTerminal(ctx context.Context, jobID string) ([]*types.Task, error) {
	var out []*types.Task
	err := r.db.WithContext(ctx).
		Where("parent_job_id = ? AND status IN ?", jobID, []string{types.TaskCompleted, types.TaskFailed}).
		Order("stage_number ASC, task_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) MarkProcessing(ctx context.Context, taskID string) error {
	if taskID == "" {
		return nil
	}
	now := time.Now()
	return r.db.WithContext(ctx).
		Model(&types.Task{}).
		Where("task_id = ? AND status = ?", taskID, types.TaskQueued).
		Updates(map[string]interface{}{
			"status":     types.TaskProcessing,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": now,
		}).Error
}

func (r *taskRepo) CompleteAndCheckStage(ctx context.Context, taskID, jobID string, stage int, res TaskCompletion) (StageCheck, error) {
	if res.Status != types.TaskCompleted && res.Status != types.TaskFailed {
		return StageCheck{}, fmt.Errorf("task completion status must be terminal, got %q", res.Status)
	}
	var check StageCheck
	key := identity.StageLockKey(r.lockNamespace, jobID, stage)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Serializes all completion attempts for this (job, stage) across
		// every consumer. Released on commit.
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", key).Error; err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		var task types.Task
		if err := tx.Where("task_id = ?", taskID).Limit(1).Find(&task).Error; err != nil {
			return err
		}
		if task.TaskID == "" {
			return errors.New("task not found")
		}

		if types.TaskStatusTerminal(task.Status) {
			// Redelivered completion. Observable effects already happened;
			// report IsLast=false so the stage transition fires exactly once.
			check.AlreadyTerminal = true
			check.IsLast = false
			anyFailed, err := r.countFailed(tx, jobID, stage)
			if err != nil {
				return err
			}
			check.AnyFailed = anyFailed > 0
			return nil
		}

		now := time.Now()
		upd := tx.Model(&types.Task{}).
			Where("task_id = ? AND status NOT IN ?", taskID, []string{types.TaskCompleted, types.TaskFailed}).
			Updates(map[string]interface{}{
				"status":       res.Status,
				"result_data":  res.ResultData,
				"error_kind":   res.ErrorKind,
				"error_detail": res.ErrorDetail,
				"completed_at": now,
				"updated_at":   now,
			})
		if upd.Error != nil {
			return upd.Error
		}
		if upd.RowsAffected == 0 {
			// Guard tripped despite the lock: a bug, not a race. Leave state
			// untouched.
			return fmt.Errorf("monotonic guard rejected completion of task %s", taskID)
		}

		var total, terminal, failed int64
		if err := tx.Model(&types.Task{}).
			Where("parent_job_id = ? AND stage_number = ?", jobID, stage).
			Count(&total).Error; err != nil {
			return err
		}
		if err := tx.Model(&types.Task{}).
			Where("parent_job_id = ? AND stage_number = ? AND status IN ?", jobID, stage, []string{types.TaskCompleted, types.TaskFailed}).
			Count(&terminal).Error; err != nil {
			return err
		}
		failed, err := r.countFailed(tx, jobID, stage)
		if err != nil {
			return err
		}

		check.IsLast = terminal == total
		check.AnyFailed = failed > 0

		stageUpdates := map[string]interface{}{
			"completed_count": terminal - failed,
			"failed_count":    failed,
		}
		if check.IsLast {
			stageUpdates["completed_at"] = now
		}
		return tx.Model(&types.Stage{}).
			Where("job_id = ? AND stage_number = ?", jobID, stage).
			Updates(stageUpdates).Error
	})
	if err != nil {
		return StageCheck{}, err
	}
	return check, nil
}

func (r *taskRepo) countFailed(tx *gorm.DB, jobID string, stage int) (int64, error) {
	var failed int64
	err := tx.Model(&types.Task{}).
		Where("parent_job_id = ? AND stage_number = ? AND status = ?", jobID, stage, types.TaskFailed).
		Count(&failed).Error
	return failed, err
}

func (r *taskRepo) FindStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*types.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []*types.Task
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", types.TaskProcessing, olderThan).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}
