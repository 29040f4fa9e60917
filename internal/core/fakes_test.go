package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/datatypes"

	"github.com/tilebase/coremachine/internal/repos"
	"github.com/tilebase/coremachine/internal/types"
)

// In-memory doubles for the store repos. They keep the exact contract of the
// SQL implementations: terminal guards, idempotent creates, and a per-stage
// critical section standing in for the advisory lock.

type fakeJobRepo struct {
	mu   sync.Mutex
	rows map[string]*types.Job
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{rows: make(map[string]*types.Job)}
}

func (r *fakeJobRepo) CreateIfAbsent(ctx context.Context, job *types.Job) (bool, *types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.rows[job.JobID]; ok {
		cp := *existing
		return false, &cp, nil
	}
	cp := *job
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	r.rows[job.JobID] = &cp
	out := cp
	return true, &out, nil
}

func (r *fakeJobRepo) GetByID(ctx context.Context, jobID string) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[jobID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (r *fakeJobRepo) SetProcessing(ctx context.Context, jobID string, stage int) (bool, error) {
	return r.updateUnlessTerminal(jobID, func(j *types.Job) {
		j.Status = types.JobProcessing
		j.Stage = stage
	})
}

func (r *fakeJobRepo) Complete(ctx context.Context, jobID string, result datatypes.JSON) (bool, error) {
	return r.updateUnlessTerminal(jobID, func(j *types.Job) {
		j.Status = types.JobCompleted
		j.ResultData = result
		j.Error = ""
	})
}

func (r *fakeJobRepo) Fail(ctx context.Context, jobID string, errMsg string) (bool, error) {
	return r.updateUnlessTerminal(jobID, func(j *types.Job) {
		j.Status = types.JobFailed
		j.Error = errMsg
	})
}

func (r *fakeJobRepo) MarkCancelled(ctx context.Context, jobID string, reason string) (bool, error) {
	return r.updateUnlessTerminal(jobID, func(j *types.Job) {
		j.Status = types.JobCancelled
		j.Error = reason
	})
}

func (r *fakeJobRepo) RequestCancellation(ctx context.Context, jobID string) (bool, error) {
	return r.updateUnlessTerminal(jobID, func(j *types.Job) {
		j.CancellationRequested = true
	})
}

func (r *fakeJobRepo) updateUnlessTerminal(jobID string, apply func(*types.Job)) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[jobID]
	if !ok || types.JobStatusTerminal(row.Status) {
		return false, nil
	}
	apply(row)
	row.UpdatedAt = time.Now()
	return true, nil
}

type fakeTaskRepo struct {
	mu   sync.Mutex
	rows map[string]*types.Task
	// isLastCount tracks IsLast=true observations per (job, stage) so tests
	// can assert the exactly-once property.
	isLastCount map[string]int
	stages      *fakeStageRepo
}

func newFakeTaskRepo(stages *fakeStageRepo) *fakeTaskRepo {
	return &fakeTaskRepo{
		rows:        make(map[string]*types.Task),
		isLastCount: make(map[string]int),
		stages:      stages,
	}
}

func stageKey(jobID string, stage int) string {
	return fmt.Sprintf("%s:%d", jobID, stage)
}

func (r *fakeTaskRepo) CreateBatch(ctx context.Context, tasks []*types.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tasks {
		if _, exists := r.rows[t.TaskID]; exists {
			continue
		}
		cp := *t
		cp.CreatedAt = time.Now()
		cp.UpdatedAt = cp.CreatedAt
		r.rows[t.TaskID] = &cp
	}
	return nil
}

func (r *fakeTaskRepo) GetByID(ctx context.Context, taskID string) (*types.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[taskID]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (r *fakeTaskRepo) GetStageResults(ctx context.Context, jobID string, stage int) ([]*types.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminalLocked(jobID, &stage), nil
}

func (r *fakeTaskRepo) GetAllTerminal(ctx context.Context, jobID string) ([]*types.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminalLocked(jobID, nil), nil
}

func (r *fakeTaskRepo) terminalLocked(jobID string, stage *int) []*types.Task {
	var out []*types.Task
	for _, t := range r.rows {
		if t.ParentJobID != jobID || !types.TaskStatusTerminal(t.Status) {
			continue
		}
		if stage != nil && t.StageNumber != *stage {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StageNumber != out[j].StageNumber {
			return out[i].StageNumber < out[j].StageNumber
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

func (r *fakeTaskRepo) MarkProcessing(ctx context.Context, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[taskID]
	if !ok || row.Status != types.TaskQueued {
		return nil
	}
	row.Status = types.TaskProcessing
	row.Attempts++
	row.UpdatedAt = time.Now()
	return nil
}

func (r *fakeTaskRepo) CompleteAndCheckStage(ctx context.Context, taskID, jobID string, stage int, res repos.TaskCompletion) (repos.StageCheck, error) {
	if res.Status != types.TaskCompleted && res.Status != types.TaskFailed {
		return repos.StageCheck{}, fmt.Errorf("task completion status must be terminal, got %q", res.Status)
	}
	// The single mutex serializes all stages; a strict superset of the
	// per-stage advisory lock, so the exactly-once property carries over.
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[taskID]
	if !ok {
		return repos.StageCheck{}, errors.New("task not found")
	}

	var check repos.StageCheck
	if types.TaskStatusTerminal(row.Status) {
		check.AlreadyTerminal = true
		check.AnyFailed = r.countLocked(jobID, stage, types.TaskFailed) > 0
		return check, nil
	}

	now := time.Now()
	row.Status = res.Status
	row.ResultData = res.ResultData
	row.ErrorKind = res.ErrorKind
	row.ErrorDetail = res.ErrorDetail
	row.CompletedAt = &now
	row.UpdatedAt = now

	total, terminal, failed := 0, 0, 0
	for _, t := range r.rows {
		if t.ParentJobID != jobID || t.StageNumber != stage {
			continue
		}
		total++
		if types.TaskStatusTerminal(t.Status) {
			terminal++
		}
		if t.Status == types.TaskFailed {
			failed++
		}
	}
	check.IsLast = terminal == total
	check.AnyFailed = failed > 0
	if check.IsLast {
		r.isLastCount[stageKey(jobID, stage)]++
	}
	r.stages.setCounts(jobID, stage, terminal-failed, failed, check.IsLast)
	return check, nil
}

func (r *fakeTaskRepo) countLocked(jobID string, stage int, status string) int {
	n := 0
	for _, t := range r.rows {
		if t.ParentJobID == jobID && t.StageNumber == stage && t.Status == status {
			n++
		}
	}
	return n
}

func (r *fakeTaskRepo) FindStaleProcessing(ctx context.Context, olderThan time.Time, limit int) ([]*types.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Task
	for _, t := range r.rows {
		if t.Status == types.TaskProcessing && t.UpdatedAt.Before(olderThan) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeTaskRepo) lastObservations(jobID string, stage int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isLastCount[stageKey(jobID, stage)]
}

// forceProcessingAge rewinds a task's updated_at so reconciler tests can age
// it past the lease cap.
func (r *fakeTaskRepo) forceProcessingAge(taskID string, age time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[taskID]; ok {
		row.Status = types.TaskProcessing
		row.UpdatedAt = time.Now().Add(-age)
	}
}

type fakeStageRepo struct {
	mu   sync.Mutex
	rows map[string]*types.Stage
}

func newFakeStageRepo() *fakeStageRepo {
	return &fakeStageRepo{rows: make(map[string]*types.Stage)}
}

func (r *fakeStageRepo) Ensure(ctx context.Context, jobID string, stage int, taskCount int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := stageKey(jobID, stage)
	if row, ok := r.rows[key]; ok {
		row.TaskCount = taskCount
		return nil
	}
	now := time.Now()
	r.rows[key] = &types.Stage{
		JobID:       jobID,
		StageNumber: stage,
		TaskCount:   taskCount,
		StartedAt:   &now,
	}
	return nil
}

func (r *fakeStageRepo) Get(ctx context.Context, jobID string, stage int) (*types.Stage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[stageKey(jobID, stage)]
	if !ok {
		return nil, nil
	}
	cp := *row
	return &cp, nil
}

func (r *fakeStageRepo) ListByJob(ctx context.Context, jobID string) ([]*types.Stage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*types.Stage
	for _, row := range r.rows {
		if row.JobID == jobID {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StageNumber < out[j].StageNumber })
	return out, nil
}

func (r *fakeStageRepo) SetSummary(ctx context.Context, jobID string, stage int, summary datatypes.JSON) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if row, ok := r.rows[stageKey(jobID, stage)]; ok {
		row.ResultsSummary = summary
	}
	return nil
}

func (r *fakeStageRepo) setCounts(jobID string, stage, completed, failed int, done bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[stageKey(jobID, stage)]
	if !ok {
		return
	}
	row.CompletedCount = completed
	row.FailedCount = failed
	if done && row.CompletedAt == nil {
		now := time.Now()
		row.CompletedAt = &now
	}
}
