package workflows

import (
	"context"
	"testing"

	"gorm.io/datatypes"

	"github.com/tilebase/coremachine/internal/types"
	"github.com/tilebase/coremachine/internal/workflow"
)

func TestEchoValidateParameters(t *testing.T) {
	job := EchoJob{}

	params, err := job.ValidateParameters(map[string]any{"message": "ping"})
	if err != nil {
		t.Fatalf("ValidateParameters: %v", err)
	}
	if params["delay_ms"] != 0 {
		t.Fatalf("delay_ms default = %v, want 0", params["delay_ms"])
	}

	if _, err := job.ValidateParameters(map[string]any{}); err == nil {
		t.Fatalf("missing message accepted")
	}
	if _, err := job.ValidateParameters(map[string]any{"message": "x", "delay_ms": float64(60000)}); err == nil {
		t.Fatalf("out-of-range delay_ms accepted")
	}
}

func TestEchoPlanIsStable(t *testing.T) {
	job := EchoJob{}
	params := map[string]any{"message": "ping", "delay_ms": 0}

	first, err := job.CreateTasksForStage(context.Background(), 1, params, "job", nil)
	if err != nil {
		t.Fatalf("CreateTasksForStage: %v", err)
	}
	second, _ := job.CreateTasksForStage(context.Background(), 1, params, "job", nil)
	if len(first) != 1 || first[0].Discriminator != second[0].Discriminator {
		t.Fatalf("plan not stable across replays: %+v vs %+v", first, second)
	}
	if first[0].TaskType != echoTaskType {
		t.Fatalf("task type = %s", first[0].TaskType)
	}
}

func TestEchoHandlerReturnsMessage(t *testing.T) {
	out, err := EchoHandler{}.Run(context.Background(), workflow.TaskInput{
		Parameters: map[string]any{"message": "ping"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out["message"] != "ping" {
		t.Fatalf("message = %v", out["message"])
	}
	if out["echoed_at"] == "" {
		t.Fatalf("echoed_at missing")
	}
}

func TestEchoAggregateCarriesEchoedAt(t *testing.T) {
	rc := &workflow.ResultContext{
		Parameters: map[string]any{"message": "ping"},
		TasksByStage: map[int][]*types.Task{
			1: {{
				Status:     types.TaskCompleted,
				ResultData: datatypes.JSON(`{"success":true,"message":"ping","echoed_at":"2026-01-02T03:04:05Z"}`),
			}},
		},
	}
	out, err := EchoJob{}.AggregateResults(context.Background(), rc)
	if err != nil {
		t.Fatalf("AggregateResults: %v", err)
	}
	if out["message"] != "ping" || out["echoed_at"] != "2026-01-02T03:04:05Z" {
		t.Fatalf("aggregate = %v", out)
	}
}

func TestRegisterEcho(t *testing.T) {
	reg := workflow.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := reg.Job(EchoJobType); !ok {
		t.Fatalf("echo job not registered")
	}
	if _, ok := reg.Handler(echoTaskType); !ok {
		t.Fatalf("echo handler not registered")
	}
}
