package workflows

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tilebase/coremachine/internal/paramschema"
	"github.com/tilebase/coremachine/internal/types"
	"github.com/tilebase/coremachine/internal/workflow"
)

// The echo workflow is a deploy smoke test: one stage, one task, no external
// I/O. Submitting it exercises the full path (validation, identity, planning,
// fan-out, completion primitive, aggregation) against live infrastructure.

const (
	EchoJobType  = "echo"
	echoTaskType = "echo.return"
)

type EchoJob struct{}

func (EchoJob) JobType() string  { return EchoJobType }
func (EchoJob) TotalStages() int { return 1 }

func (EchoJob) ParameterSchema() paramschema.Schema {
	return paramschema.Schema{Fields: []paramschema.Field{
		{Name: "message", Type: paramschema.String, Required: true, Rules: "min=1,max=1024"},
		{Name: "delay_ms", Type: paramschema.Int, Default: 0, Rules: "min=0,max=10000"},
	}}
}

func (j EchoJob) ValidateParameters(raw map[string]any) (map[string]any, error) {
	return j.ParameterSchema().Validate(raw)
}

func (EchoJob) CreateTasksForStage(_ context.Context, stage int, params map[string]any, _ string, _ []*types.Task) ([]workflow.TaskSpec, error) {
	return []workflow.TaskSpec{{
		Discriminator: "echo",
		TaskType:      echoTaskType,
		Parameters: map[string]any{
			"message":  params["message"],
			"delay_ms": params["delay_ms"],
		},
	}}, nil
}

func (EchoJob) AggregateResults(_ context.Context, rc *workflow.ResultContext) (map[string]any, error) {
	out := map[string]any{"message": rc.Parameters["message"]}
	for _, task := range rc.TasksByStage[1] {
		var res map[string]any
		if err := json.Unmarshal(task.ResultData, &res); err != nil {
			continue
		}
		if at, ok := res["echoed_at"]; ok {
			out["echoed_at"] = at
		}
	}
	return out, nil
}

func (EchoJob) TolerateFailedTasks() bool { return false }

type EchoHandler struct{}

func (EchoHandler) TaskType() string { return echoTaskType }

func (EchoHandler) Run(ctx context.Context, in workflow.TaskInput) (map[string]any, error) {
	if d, ok := in.Parameters["delay_ms"].(float64); ok && d > 0 {
		select {
		case <-time.After(time.Duration(d) * time.Millisecond):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return map[string]any{
		"message":   in.Parameters["message"],
		"echoed_at": time.Now().UTC().Format(time.RFC3339Nano),
	}, nil
}

// Register wires the echo workflow into a registry.
func Register(reg *workflow.Registry) error {
	if err := reg.RegisterJob(EchoJob{}); err != nil {
		return err
	}
	return reg.RegisterHandler(EchoHandler{})
}
