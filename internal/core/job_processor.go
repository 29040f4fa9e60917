package core

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"

	"github.com/tilebase/coremachine/internal/bus"
	"github.com/tilebase/coremachine/internal/identity"
	"github.com/tilebase/coremachine/internal/platform/logger"
	"github.com/tilebase/coremachine/internal/types"
	"github.com/tilebase/coremachine/internal/workflow"
)

// JobProcessor consumes job messages and plans stages: it asks the workflow
// definition for the stage's tasks, persists them, then fans the task
// messages out. Task rows are always created before task messages are
// published so a redelivered task message finds its row in place.
type JobProcessor struct {
	core        *Core
	coordinator *StageCoordinator
	log         *logger.Logger
	sem         *semaphore.Weighted
}

func NewJobProcessor(core *Core, coordinator *StageCoordinator) *JobProcessor {
	return &JobProcessor{
		core:        core,
		coordinator: coordinator,
		log:         core.Log.With("component", "JobProcessor"),
		sem:         semaphore.NewWeighted(int64(core.Cfg.MaxConcurrentJobs)),
	}
}

func (p *JobProcessor) Start(ctx context.Context) {
	go p.core.JobQueue.Consume(ctx, func(ctx context.Context, d *bus.Delivery) {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func() {
			defer p.sem.Release(1)
			p.handle(ctx, d)
		}()
	})
}

func (p *JobProcessor) handle(ctx context.Context, d *bus.Delivery) {
	var msg types.JobMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		p.log.Error("undecodable job message", "error", err)
		_ = d.Nack(ctx, "undecodable job message")
		return
	}
	log := p.log.With("job_id", msg.JobID, "job_type", msg.JobType, "stage", msg.Stage, "correlation_id", msg.CorrelationID)

	if err := p.process(ctx, log, msg); err != nil {
		log.Error("job message processing failed", "error", err)
		_ = d.Nack(ctx, err.Error())
		return
	}
	_ = d.Ack(ctx)
}

func (p *JobProcessor) process(ctx context.Context, log *logger.Logger, msg types.JobMessage) error {
	def, defOK := p.core.Registry.Job(msg.JobType)
	if !defOK {
		log.Error("no definition registered for job_type")
		_, err := p.core.Jobs.Fail(ctx, msg.JobID, types.ErrKindUnknownJobType+": "+msg.JobType)
		return err
	}

	var job *types.Job
	err := withStoreRetry(ctx, log, "get job", func() error {
		var err error
		job, err = p.core.Jobs.GetByID(ctx, msg.JobID)
		return err
	})
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job == nil {
		log.Warn("job message without a job row, dropping")
		return nil
	}
	if types.JobStatusTerminal(job.Status) {
		// Redelivered message for a finished job.
		log.Debug("job already terminal, ignoring replay", "status", job.Status)
		return nil
	}
	if job.CancellationRequested {
		log.Info("cancellation requested, stopping before planning")
		return p.coordinator.CancelJob(ctx, job)
	}

	if msg.Stage < 1 || msg.Stage > job.TotalStages {
		_, err := p.core.Jobs.Fail(ctx, job.JobID, fmt.Sprintf("stage %d out of range 1..%d", msg.Stage, job.TotalStages))
		return err
	}

	if _, err := p.core.Jobs.SetProcessing(ctx, job.JobID, msg.Stage); err != nil {
		return fmt.Errorf("mark processing: %w", err)
	}

	var prev []*types.Task
	if msg.Stage > 1 {
		err := withStoreRetry(ctx, log, "load previous stage results", func() error {
			var err error
			prev, err = p.core.Tasks.GetStageResults(ctx, job.JobID, msg.Stage-1)
			return err
		})
		if err != nil {
			return fmt.Errorf("load stage %d results: %w", msg.Stage-1, err)
		}
	}

	params := decodeParams(job.Parameters)
	specs, err := def.CreateTasksForStage(ctx, msg.Stage, params, job.JobID, prev)
	if err != nil {
		log.Error("stage planning failed", "error", err)
		_, ferr := p.core.Jobs.Fail(ctx, job.JobID, fmt.Sprintf("stage %d planning failed: %v", msg.Stage, err))
		return ferr
	}

	if err := p.core.Stages.Ensure(ctx, job.JobID, msg.Stage, len(specs)); err != nil {
		return fmt.Errorf("ensure stage row: %w", err)
	}

	if len(specs) == 0 {
		// Legal: an empty plan fast-completes the stage.
		log.Info("stage planned zero tasks, fast-completing")
		return p.coordinator.StageComplete(ctx, job.JobID, msg.Stage, false)
	}

	rows, messages, err := buildTasks(job, msg.Stage, specs)
	if err != nil {
		_, ferr := p.core.Jobs.Fail(ctx, job.JobID, fmt.Sprintf("stage %d task build failed: %v", msg.Stage, err))
		return ferr
	}

	// Rows first, messages second: a consumer must never receive a task
	// message whose row is not yet visible.
	if err := withStoreRetry(ctx, log, "create tasks", func() error {
		return p.core.Tasks.CreateBatch(ctx, rows)
	}); err != nil {
		return fmt.Errorf("create tasks: %w", err)
	}

	for _, tm := range messages {
		body, _ := json.Marshal(tm)
		if err := p.core.TaskQueue.Publish(ctx, body, tm.CorrelationID); err != nil {
			// Partial fan-out: the unpublished remainder is recovered by
			// redelivery of this job message, since task creation and
			// re-publication are both idempotent.
			return fmt.Errorf("publish task message %s: %w", shortID(tm.TaskID), err)
		}
	}

	log.Info("stage planned", "task_count", len(specs))
	return nil
}

func buildTasks(job *types.Job, stage int, specs []workflow.TaskSpec) ([]*types.Task, []types.TaskMessage, error) {
	rows := make([]*types.Task, 0, len(specs))
	messages := make([]types.TaskMessage, 0, len(specs))
	seen := make(map[string]string, len(specs))
	for _, spec := range specs {
		if spec.Discriminator == "" {
			return nil, nil, fmt.Errorf("task spec with empty discriminator")
		}
		if spec.TaskType == "" {
			return nil, nil, fmt.Errorf("task spec %q with empty task_type", spec.Discriminator)
		}
		if prior, dup := seen[spec.Discriminator]; dup {
			return nil, nil, fmt.Errorf("duplicate discriminator %q (task types %s, %s)", spec.Discriminator, prior, spec.TaskType)
		}
		seen[spec.Discriminator] = spec.TaskType

		taskID := identity.ComputeTaskID(job.JobID, stage, spec.Discriminator)
		paramsJSON, err := json.Marshal(spec.Parameters)
		if err != nil {
			return nil, nil, fmt.Errorf("encode parameters for %q: %w", spec.Discriminator, err)
		}
		rows = append(rows, &types.Task{
			TaskID:      taskID,
			ParentJobID: job.JobID,
			StageNumber: stage,
			TaskType:    spec.TaskType,
			Status:      types.TaskQueued,
			Parameters:  datatypes.JSON(paramsJSON),
		})
		messages = append(messages, types.TaskMessage{
			TaskID:        taskID,
			ParentJobID:   job.JobID,
			TaskType:      spec.TaskType,
			Stage:         stage,
			Parameters:    spec.Parameters,
			CorrelationID: job.CorrelationID,
		})
	}
	return rows, messages, nil
}

func decodeParams(raw datatypes.JSON) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
