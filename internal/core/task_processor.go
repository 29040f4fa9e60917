package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
	"gorm.io/datatypes"

	"github.com/tilebase/coremachine/internal/bus"
	"github.com/tilebase/coremachine/internal/platform/logger"
	"github.com/tilebase/coremachine/internal/repos"
	"github.com/tilebase/coremachine/internal/types"
	"github.com/tilebase/coremachine/internal/workflow"
)

// TaskProcessor consumes task messages, invokes handlers, and records
// outcomes through the stage-completion primitive. The handler contract is
// at-least-once: a redelivered message for an already-terminal task is acked
// without re-invoking anything.
type TaskProcessor struct {
	core        *Core
	coordinator *StageCoordinator
	log         *logger.Logger
	sem         *semaphore.Weighted
}

func NewTaskProcessor(core *Core, coordinator *StageCoordinator) *TaskProcessor {
	return &TaskProcessor{
		core:        core,
		coordinator: coordinator,
		log:         core.Log.With("component", "TaskProcessor"),
		sem:         semaphore.NewWeighted(int64(core.Cfg.MaxConcurrentTasks)),
	}
}

func (p *TaskProcessor) Start(ctx context.Context) {
	go p.core.TaskQueue.Consume(ctx, func(ctx context.Context, d *bus.Delivery) {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func() {
			defer p.sem.Release(1)
			p.handle(ctx, d)
		}()
	})
}

func (p *TaskProcessor) handle(ctx context.Context, d *bus.Delivery) {
	var msg types.TaskMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		p.log.Error("undecodable task message", "error", err)
		_ = d.Nack(ctx, "undecodable task message")
		return
	}
	log := p.log.With("task_id", shortID(msg.TaskID), "job_id", msg.ParentJobID,
		"task_type", msg.TaskType, "stage", msg.Stage, "correlation_id", msg.CorrelationID)

	if err := p.process(ctx, log, d, msg); err != nil {
		log.Error("task message processing failed", "error", err)
		_ = d.Nack(ctx, err.Error())
		return
	}
	_ = d.Ack(ctx)
}

func (p *TaskProcessor) process(ctx context.Context, log *logger.Logger, d *bus.Delivery, msg types.TaskMessage) error {
	handler, ok := p.core.Registry.Handler(msg.TaskType)
	if !ok {
		// Registry miss is a task failure, not a poison message: record it
		// and let the stage proceed.
		log.Error("no handler registered for task_type")
		return p.finish(ctx, log, msg, repos.TaskCompletion{
			Status:      types.TaskFailed,
			ResultData:  encodeResult(nil, false),
			ErrorKind:   types.ErrKindUnknownTaskType,
			ErrorDetail: "no handler registered for task_type=" + msg.TaskType,
		})
	}

	var row *types.Task
	if err := withStoreRetry(ctx, log, "get task", func() error {
		var err error
		row, err = p.core.Tasks.GetByID(ctx, msg.TaskID)
		return err
	}); err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if row == nil {
		// Rows are created before messages are published, so a missing row
		// means the job's records were removed out of band.
		log.Warn("task message without a task row, dropping")
		return nil
	}
	if types.TaskStatusTerminal(row.Status) {
		log.Debug("task already terminal, acking redelivery", "status", row.Status)
		return nil
	}

	// Best effort; correctness rests on the monotonic guard inside the
	// completion primitive, not on this transition.
	if err := p.core.Tasks.MarkProcessing(ctx, msg.TaskID); err != nil {
		log.Warn("mark processing failed", "error", err)
	}

	res := p.invoke(ctx, log, d, handler, msg)
	return p.finish(ctx, log, msg, res)
}

// invoke runs the handler under the lease cap, renewing the bus lease in the
// background for as long as it executes.
func (p *TaskProcessor) invoke(ctx context.Context, log *logger.Logger, d *bus.Delivery, handler workflow.TaskHandler, msg types.TaskMessage) repos.TaskCompletion {
	hctx, cancel := context.WithTimeout(ctx, p.core.Cfg.LeaseMaxTotal)
	defer cancel()

	renewDone := make(chan struct{})
	go p.renewLease(hctx, log, d, renewDone)
	defer func() {
		cancel()
		<-renewDone
	}()

	out, err := runHandler(hctx, handler, workflow.TaskInput{
		TaskID:        msg.TaskID,
		JobID:         msg.ParentJobID,
		Stage:         msg.Stage,
		Parameters:    msg.Parameters,
		CorrelationID: msg.CorrelationID,
	})
	if err == nil {
		return repos.TaskCompletion{
			Status:     types.TaskCompleted,
			ResultData: encodeResult(out, true),
		}
	}

	var reported *workflow.TaskFailure
	if errors.As(err, &reported) {
		log.Warn("handler reported failure", "kind", reported.Kind, "detail", reported.Detail)
		kind := reported.Kind
		if kind == "" {
			kind = types.ErrKindHandlerReportedFailure
		}
		return repos.TaskCompletion{
			Status:      types.TaskFailed,
			ResultData:  encodeResult(out, false),
			ErrorKind:   kind,
			ErrorDetail: reported.Detail,
		}
	}

	log.Warn("handler failed", "error", err)
	return repos.TaskCompletion{
		Status:      types.TaskFailed,
		ResultData:  encodeResult(out, false),
		ErrorKind:   types.ErrKindHandlerException,
		ErrorDetail: err.Error(),
	}
}

// finish records the terminal outcome and, when this was the stage's final
// open task, hands off to the coordinator.
func (p *TaskProcessor) finish(ctx context.Context, log *logger.Logger, msg types.TaskMessage, res repos.TaskCompletion) error {
	var check repos.StageCheck
	err := withStoreRetry(ctx, log, "complete task", func() error {
		var err error
		check, err = p.core.Tasks.CompleteAndCheckStage(ctx, msg.TaskID, msg.ParentJobID, msg.Stage, res)
		return err
	})
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	if check.AlreadyTerminal {
		log.Debug("task already terminal, acking redelivery")
		return nil
	}
	log.Info("task finished", "status", res.Status, "is_last", check.IsLast, "any_failed", check.AnyFailed)
	if check.IsLast {
		return p.coordinator.StageComplete(ctx, msg.ParentJobID, msg.Stage, check.AnyFailed)
	}
	return nil
}

func (p *TaskProcessor) renewLease(ctx context.Context, log *logger.Logger, d *bus.Delivery, done chan<- struct{}) {
	defer close(done)
	interval := p.core.Cfg.LeaseRenewalInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Renew(ctx); err != nil && ctx.Err() == nil {
				log.Warn("lease renewal failed", "error", err)
			}
		}
	}
}

// runHandler converts a panicking handler into the error variant.
func runHandler(ctx context.Context, handler workflow.TaskHandler, in workflow.TaskInput) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler.Run(ctx, in)
}

// encodeResult wraps handler output with the success flag recorded on every
// terminal task.
func encodeResult(out map[string]any, success bool) datatypes.JSON {
	merged := make(map[string]any, len(out)+1)
	for k, v := range out {
		merged[k] = v
	}
	merged["success"] = success
	b, err := json.Marshal(merged)
	if err != nil {
		b, _ = json.Marshal(map[string]any{"success": success})
	}
	return datatypes.JSON(b)
}
