package core

import (
	"context"
	"time"

	"github.com/tilebase/coremachine/internal/bus"
	"github.com/tilebase/coremachine/internal/platform/logger"
	"github.com/tilebase/coremachine/internal/repos"
	"github.com/tilebase/coremachine/internal/workflow"
)

// Core bundles the registries, state-store handles and bus handles the engine
// runs on. It is built once at startup and passed explicitly; nothing in it
// mutates after construction.
type Core struct {
	Log      *logger.Logger
	Registry *workflow.Registry
	Jobs     repos.JobRepo
	Tasks    repos.TaskRepo
	Stages   repos.StageRepo

	JobQueue  bus.Queue
	TaskQueue bus.Queue

	Cfg Config
}

// Config holds the worker-level knobs. Defaults follow the documented
// configuration table.
type Config struct {
	MaxConcurrentJobs    int
	MaxConcurrentTasks   int
	LeaseRenewalInterval time.Duration
	LeaseMaxTotal        time.Duration
	ReconcileInterval    time.Duration
	ReconcileGrace       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrentJobs <= 0 {
		c.MaxConcurrentJobs = 2
	}
	if c.MaxConcurrentTasks <= 0 {
		c.MaxConcurrentTasks = 8
	}
	if c.LeaseRenewalInterval <= 0 {
		c.LeaseRenewalInterval = 2 * time.Minute
	}
	if c.LeaseMaxTotal <= 0 {
		c.LeaseMaxTotal = 30 * time.Minute
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = time.Minute
	}
	if c.ReconcileGrace <= 0 {
		c.ReconcileGrace = time.Minute
	}
	return c
}

func New(log *logger.Logger, registry *workflow.Registry, jobs repos.JobRepo, tasks repos.TaskRepo, stages repos.StageRepo, jobQueue, taskQueue bus.Queue, cfg Config) *Core {
	return &Core{
		Log:       log.With("component", "Core"),
		Registry:  registry,
		Jobs:      jobs,
		Tasks:     tasks,
		Stages:    stages,
		JobQueue:  jobQueue,
		TaskQueue: taskQueue,
		Cfg:       cfg.withDefaults(),
	}
}

// withStoreRetry runs fn with bounded local retry. Store and bus transients
// never surface to handlers or submitters; after the budget is spent the
// caller decides (usually a nack, which dead-letters under the single
// delivery budget).
func withStoreRetry(ctx context.Context, log *logger.Logger, op string, fn func() error) error {
	const attempts = 3
	backoff := 200 * time.Millisecond
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if i < attempts {
			log.Warn("transient failure, retrying", "op", op, "attempt", i, "error", err)
			select {
			case <-ctx.Done():
				return err
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return err
}
