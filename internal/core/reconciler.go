package core

import (
	"context"
	"time"

	"gorm.io/datatypes"

	"github.com/tilebase/coremachine/internal/platform/logger"
	"github.com/tilebase/coremachine/internal/repos"
	"github.com/tilebase/coremachine/internal/types"
)

// Reconciler sweeps tasks abandoned in processing: a worker that lost its
// lease (crash, eviction, runaway handler) leaves the row in processing
// while the bus dead-letters the message. The sweep fails such tasks and
// drives the completion primitive so their stages can still advance.
type Reconciler struct {
	core        *Core
	coordinator *StageCoordinator
	log         *logger.Logger
}

func NewReconciler(core *Core, coordinator *StageCoordinator) *Reconciler {
	return &Reconciler{
		core:        core,
		coordinator: coordinator,
		log:         core.Log.With("component", "Reconciler"),
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.core.Cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweep(ctx)
			}
		}
	}()
}

func (r *Reconciler) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-(r.core.Cfg.LeaseMaxTotal + r.core.Cfg.ReconcileGrace))
	stale, err := r.core.Tasks.FindStaleProcessing(ctx, cutoff, 100)
	if err != nil {
		r.log.Warn("stale task scan failed", "error", err)
		return
	}
	for _, task := range stale {
		log := r.log.With("task_id", shortID(task.TaskID), "job_id", task.ParentJobID, "stage", task.StageNumber)
		check, err := r.core.Tasks.CompleteAndCheckStage(ctx, task.TaskID, task.ParentJobID, task.StageNumber, repos.TaskCompletion{
			Status:      types.TaskFailed,
			ResultData:  datatypes.JSON(`{"success":false}`),
			ErrorKind:   types.ErrKindLeaseExpired,
			ErrorDetail: "task exceeded the maximum lease duration with no completion",
		})
		if err != nil {
			log.Warn("failed to reconcile stale task", "error", err)
			continue
		}
		if check.AlreadyTerminal {
			continue
		}
		log.Warn("stale task failed by reconciler", "is_last", check.IsLast)
		if check.IsLast {
			if err := r.coordinator.StageComplete(ctx, task.ParentJobID, task.StageNumber, check.AnyFailed); err != nil {
				log.Warn("stage completion after reconcile failed", "error", err)
			}
		}
	}
}
