package repos

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tilebase/coremachine/internal/platform/logger"
	"github.com/tilebase/coremachine/internal/types"
)

// StageRepo maintains the per-stage progress rows. Rows are created when the
// job processor plans a stage; the counters are advanced inside the
// task-completion primitive.
type StageRepo interface {
	// Ensure upserts the stage row with its planned task count. Re-planning
	// after a redelivered job message refreshes task_count idempotently.
	Ensure(ctx context.Context, jobID string, stage int, taskCount int) error
	Get(ctx context.Context, jobID string, stage int) (*types.Stage, error)
	ListByJob(ctx context.Context, jobID string) ([]*types.Stage, error)
	SetSummary(ctx context.Context, jobID string, stage int, summary datatypes.JSON) error
}

type stageRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStageRepo(db *gorm.DB, baseLog *logger.Logger) StageRepo {
	return &stageRepo{
		db:  db,
		log: baseLog.With("repo", "StageRepo"),
	}
}

func (r *stageRepo) Ensure(ctx context.Context, jobID string, stage int, taskCount int) error {
	now := time.Now()
	row := &types.Stage{
		JobID:       jobID,
		StageNumber: stage,
		TaskCount:   taskCount,
		StartedAt:   &now,
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "job_id"}, {Name: "stage_number"}},
			DoUpdates: clause.Assignments(map[string]interface{}{"task_count": taskCount}),
		}).
		Create(row).Error
}

func (r *stageRepo) Get(ctx context.Context, jobID string, stage int) (*types.Stage, error) {
	var row types.Stage
	err := r.db.WithContext(ctx).
		Where("job_id = ? AND stage_number = ?", jobID, stage).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.JobID == "" {
		return nil, nil
	}
	return &row, nil
}

func (r *stageRepo) ListByJob(ctx context.Context, jobID string) ([]*types.Stage, error) {
	var out []*types.Stage
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("stage_number ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *stageRepo) SetSummary(ctx context.Context, jobID string, stage int, summary datatypes.JSON) error {
	return r.db.WithContext(ctx).
		Model(&types.Stage{}).
		Where("job_id = ? AND stage_number = ?", jobID, stage).
		Update("results_summary", summary).Error
}
