package repos

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/tilebase/coremachine/internal/platform/logger"
	"github.com/tilebase/coremachine/internal/types"
)

// JobRepo persists job records. Terminal statuses are frozen: every mutating
// method is guarded with a status predicate so a completed, failed or
// cancelled job is never written again. Callers receive the guard outcome as
// a bool and treat a rejected write as a state conflict, not an error.
type JobRepo interface {
	// CreateIfAbsent inserts the job. On a primary-key conflict it returns
	// the existing record with created=false, which is what makes submission
	// idempotent.
	CreateIfAbsent(ctx context.Context, job *types.Job) (created bool, existing *types.Job, err error)
	GetByID(ctx context.Context, jobID string) (*types.Job, error)
	// SetProcessing moves a non-terminal job to processing at the given stage.
	SetProcessing(ctx context.Context, jobID string, stage int) (bool, error)
	Complete(ctx context.Context, jobID string, result datatypes.JSON) (bool, error)
	Fail(ctx context.Context, jobID string, errMsg string) (bool, error)
	MarkCancelled(ctx context.Context, jobID string, reason string) (bool, error)
	// RequestCancellation flips the cancellation flag on a non-terminal job.
	// In-flight tasks are not interrupted; the planner observes the flag.
	RequestCancellation(ctx context.Context, jobID string) (bool, error)
}

type jobRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRepo(db *gorm.DB, baseLog *logger.Logger) JobRepo {
	return &jobRepo{
		db:  db,
		log: baseLog.With("repo", "JobRepo"),
	}
}

func (r *jobRepo) CreateIfAbsent(ctx context.Context, job *types.Job) (bool, *types.Job, error) {
	if job == nil || job.JobID == "" {
		return false, nil, errors.New("job with empty job_id")
	}
	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return true, job, nil
	}
	if !isUniqueViolation(err) {
		return false, nil, err
	}
	existing, gerr := r.GetByID(ctx, job.JobID)
	if gerr != nil {
		return false, nil, gerr
	}
	if existing == nil {
		// Row vanished between conflict and re-read; deterministic IDs make a
		// retry by the caller converge.
		return false, nil, err
	}
	return false, existing, nil
}

func (r *jobRepo) GetByID(ctx context.Context, jobID string) (*types.Job, error) {
	if jobID == "" {
		return nil, nil
	}
	var job types.Job
	err := r.db.WithContext(ctx).Where("job_id = ?", jobID).Limit(1).Find(&job).Error
	if err != nil {
		return nil, err
	}
	if job.JobID == "" {
		return nil, nil
	}
	return &job, nil
}

func (r *jobRepo) SetProcessing(ctx context.Context, jobID string, stage int) (bool, error) {
	return r.updateUnlessTerminal(ctx, jobID, map[string]interface{}{
		"status": types.JobProcessing,
		"stage":  stage,
	})
}

func (r *jobRepo) Complete(ctx context.Context, jobID string, result datatypes.JSON) (bool, error) {
	return r.updateUnlessTerminal(ctx, jobID, map[string]interface{}{
		"status":      types.JobCompleted,
		"result_data": result,
		"error":       "",
	})
}

func (r *jobRepo) Fail(ctx context.Context, jobID string, errMsg string) (bool, error) {
	return r.updateUnlessTerminal(ctx, jobID, map[string]interface{}{
		"status": types.JobFailed,
		"error":  errMsg,
	})
}

func (r *jobRepo) MarkCancelled(ctx context.Context, jobID string, reason string) (bool, error) {
	return r.updateUnlessTerminal(ctx, jobID, map[string]interface{}{
		"status": types.JobCancelled,
		"error":  reason,
	})
}

func (r *jobRepo) RequestCancellation(ctx context.Context, jobID string) (bool, error) {
	return r.updateUnlessTerminal(ctx, jobID, map[string]interface{}{
		"cancellation_requested": true,
	})
}

func (r *jobRepo) updateUnlessTerminal(ctx context.Context, jobID string, updates map[string]interface{}) (bool, error) {
	if jobID == "" {
		return false, nil
	}
	updates["updated_at"] = time.Now()
	res := r.db.WithContext(ctx).
		Model(&types.Job{}).
		Where("job_id = ? AND status NOT IN ?", jobID, []string{types.JobCompleted, types.JobFailed, types.JobCancelled}).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
