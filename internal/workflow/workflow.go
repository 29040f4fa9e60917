package workflow

import (
	"context"

	"github.com/tilebase/coremachine/internal/paramschema"
	"github.com/tilebase/coremachine/internal/types"
)

// The execution contract between the engine and workflow authors. A workflow
// declares its stage count and parameter schema up front, plans each stage's
// tasks when asked, and aggregates terminal task records into the final job
// result. All side effects live inside task handlers.

// TaskSpec is one planned unit of work within a stage. The discriminator must
// be stable across replays of the same stage: it feeds the deterministic task
// ID, which is what makes re-planning idempotent.
type TaskSpec struct {
	Discriminator string
	TaskType      string
	Parameters    map[string]any
}

// TaskInput is what a handler receives. TaskID doubles as an idempotency key
// the handler may use for its own external writes.
type TaskInput struct {
	TaskID        string
	JobID         string
	Stage         int
	Parameters    map[string]any
	CorrelationID string
}

// ResultContext carries every terminal task record of a job into
// AggregateResults, grouped for convenience.
type ResultContext struct {
	JobID        string
	Parameters   map[string]any
	Tasks        []*types.Task
	TasksByStage map[int][]*types.Task
}

// JobDefinition describes one registered job type. Implementations must be
// stateless; the engine calls them from many workers concurrently.
type JobDefinition interface {
	JobType() string
	TotalStages() int
	ParameterSchema() paramschema.Schema

	// ValidateParameters normalizes and validates raw submission parameters.
	// The default implementations delegate to ParameterSchema().Validate.
	ValidateParameters(raw map[string]any) (map[string]any, error)

	// CreateTasksForStage plans one stage. For stage > 1, prev holds the
	// terminal task records of stage-1. Returning an empty list is legal and
	// fast-completes the stage.
	CreateTasksForStage(ctx context.Context, stage int, params map[string]any, jobID string, prev []*types.Task) ([]TaskSpec, error)

	// AggregateResults builds the final job result_data from all terminal
	// task records. Must be pure: no side effects.
	AggregateResults(ctx context.Context, rc *ResultContext) (map[string]any, error)

	// TolerateFailedTasks reports whether the job should advance past a stage
	// that contains failed tasks. Default policy is fatal.
	TolerateFailedTasks() bool
}

// FailureHook is an optional extension: definitions that implement it are
// notified before the job is marked failed or cancelled.
type FailureHook interface {
	OnFailure(ctx context.Context, rc *ResultContext, reason string)
}

// TaskHandler executes a single task. Run may perform I/O; it must be
// idempotent with respect to its external side effects because the bus
// delivers at least once. A returned *TaskFailure is recorded verbatim as a
// handler-reported failure; any other error is recorded as a handler
// exception. The returned map becomes the task's result_data.
type TaskHandler interface {
	TaskType() string
	Run(ctx context.Context, in TaskInput) (map[string]any, error)
}
