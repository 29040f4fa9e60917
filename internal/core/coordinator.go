package core

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/tilebase/coremachine/internal/platform/logger"
	"github.com/tilebase/coremachine/internal/types"
	"github.com/tilebase/coremachine/internal/workflow"
)

// StageCoordinator handles the last-task callback: advance the job to its
// next stage or finalize it. Advancement goes back through the job queue
// rather than planning inline, so a planning failure for stage N+1 never
// loses stage N's terminal state, and both tiers scale horizontally.
type StageCoordinator struct {
	core *Core
	log  *logger.Logger
}

func NewStageCoordinator(core *Core) *StageCoordinator {
	return &StageCoordinator{
		core: core,
		log:  core.Log.With("component", "StageCoordinator"),
	}
}

// StageComplete is invoked exactly once per stage, by whichever consumer the
// completion primitive elected.
func (c *StageCoordinator) StageComplete(ctx context.Context, jobID string, completedStage int, anyFailed bool) error {
	job, err := c.core.Jobs.GetByID(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		c.log.Warn("stage completion for unknown job", "job_id", jobID)
		return nil
	}
	log := c.log.With("job_id", jobID, "job_type", job.JobType, "stage", completedStage, "correlation_id", job.CorrelationID)
	if types.JobStatusTerminal(job.Status) {
		log.Debug("job already terminal, ignoring stage completion", "status", job.Status)
		return nil
	}

	def, ok := c.core.Registry.Job(job.JobType)
	if !ok {
		_, err := c.core.Jobs.Fail(ctx, jobID, types.ErrKindUnknownJobType+": "+job.JobType)
		return err
	}

	results, err := c.core.Tasks.GetStageResults(ctx, jobID, completedStage)
	if err != nil {
		return fmt.Errorf("load stage results: %w", err)
	}
	c.recordStageSummary(ctx, log, jobID, completedStage, results)

	if job.CancellationRequested {
		log.Info("cancellation requested, finalizing as cancelled")
		return c.CancelJob(ctx, job)
	}

	if anyFailed && !def.TolerateFailedTasks() {
		summary := failureSummary(completedStage, results)
		log.Warn("stage had failed tasks, failing job", "summary", summary)
		c.notifyFailure(ctx, def, job, summary)
		_, err := c.core.Jobs.Fail(ctx, jobID, summary)
		return err
	}

	if completedStage < job.TotalStages {
		next := types.JobMessage{
			JobID:         job.JobID,
			JobType:       job.JobType,
			Stage:         completedStage + 1,
			CorrelationID: job.CorrelationID,
		}
		body, _ := json.Marshal(next)
		if err := c.core.JobQueue.Publish(ctx, body, job.CorrelationID); err != nil {
			return fmt.Errorf("publish next-stage message: %w", err)
		}
		log.Info("advanced to next stage", "next_stage", completedStage+1)
		return nil
	}

	return c.finalize(ctx, log, def, job)
}

func (c *StageCoordinator) finalize(ctx context.Context, log *logger.Logger, def workflow.JobDefinition, job *types.Job) error {
	all, err := c.core.Tasks.GetAllTerminal(ctx, job.JobID)
	if err != nil {
		return fmt.Errorf("load terminal tasks: %w", err)
	}
	rc := buildResultContext(job, all)
	result, err := def.AggregateResults(ctx, rc)
	if err != nil {
		summary := fmt.Sprintf("result aggregation failed: %v", err)
		log.Error("aggregation failed", "error", err)
		c.notifyFailure(ctx, def, job, summary)
		_, ferr := c.core.Jobs.Fail(ctx, job.JobID, summary)
		return ferr
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		_, ferr := c.core.Jobs.Fail(ctx, job.JobID, fmt.Sprintf("encode result: %v", err))
		return ferr
	}
	changed, err := c.core.Jobs.Complete(ctx, job.JobID, datatypes.JSON(resultJSON))
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if !changed {
		// Terminal guard rejected the write: someone finished the job first.
		log.Warn("completion rejected by terminal guard")
		return nil
	}
	log.Info("job completed")
	return nil
}

// CancelJob finalizes a job whose cancellation flag is set. No partial
// results are promised.
func (c *StageCoordinator) CancelJob(ctx context.Context, job *types.Job) error {
	def, ok := c.core.Registry.Job(job.JobType)
	reason := "cancellation requested"
	if ok {
		c.notifyFailure(ctx, def, job, reason)
	}
	changed, err := c.core.Jobs.MarkCancelled(ctx, job.JobID, reason)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	if changed {
		c.log.Info("job cancelled", "job_id", job.JobID, "correlation_id", job.CorrelationID)
	}
	return nil
}

func (c *StageCoordinator) recordStageSummary(ctx context.Context, log *logger.Logger, jobID string, stage int, results []*types.Task) {
	completed, failed := 0, 0
	for _, t := range results {
		switch t.Status {
		case types.TaskCompleted:
			completed++
		case types.TaskFailed:
			failed++
		}
	}
	summary := map[string]any{
		"task_count":      len(results),
		"completed_count": completed,
		"failed_count":    failed,
	}
	b, _ := json.Marshal(summary)
	if err := c.core.Stages.SetSummary(ctx, jobID, stage, datatypes.JSON(b)); err != nil {
		log.Warn("failed to record stage summary", "error", err)
	}
}

func (c *StageCoordinator) notifyFailure(ctx context.Context, def workflow.JobDefinition, job *types.Job, reason string) {
	hook, ok := def.(workflow.FailureHook)
	if !ok {
		return
	}
	all, err := c.core.Tasks.GetAllTerminal(ctx, job.JobID)
	if err != nil {
		c.log.Warn("failure hook skipped, could not load tasks", "job_id", job.JobID, "error", err)
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("failure hook panic", "job_id", job.JobID, "panic", r)
		}
	}()
	hook.OnFailure(ctx, buildResultContext(job, all), reason)
}

func buildResultContext(job *types.Job, tasks []*types.Task) *workflow.ResultContext {
	byStage := make(map[int][]*types.Task)
	for _, t := range tasks {
		byStage[t.StageNumber] = append(byStage[t.StageNumber], t)
	}
	return &workflow.ResultContext{
		JobID:        job.JobID,
		Parameters:   decodeParams(job.Parameters),
		Tasks:        tasks,
		TasksByStage: byStage,
	}
}
