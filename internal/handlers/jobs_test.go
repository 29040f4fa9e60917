package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"github.com/tilebase/coremachine/internal/core"
	"github.com/tilebase/coremachine/internal/paramschema"
	"github.com/tilebase/coremachine/internal/platform/logger"
	"github.com/tilebase/coremachine/internal/types"
)

type stubJobService struct {
	submit func(jobType string, raw map[string]any, opts core.SubmitOptions) (*core.SubmitResult, error)
	jobs   map[string]*types.Job
	cancel func(jobID string) (bool, error)
}

func (s *stubJobService) Submit(_ context.Context, jobType string, raw map[string]any, opts core.SubmitOptions) (*core.SubmitResult, error) {
	return s.submit(jobType, raw, opts)
}

func (s *stubJobService) GetJobStatus(_ context.Context, jobID string) (*types.Job, error) {
	return s.jobs[jobID], nil
}

func (s *stubJobService) RequestCancellation(_ context.Context, jobID string) (bool, error) {
	return s.cancel(jobID)
}

type stubStageRepo struct {
	stages []*types.Stage
}

func (s *stubStageRepo) Ensure(context.Context, string, int, int) error { return nil }
func (s *stubStageRepo) Get(context.Context, string, int) (*types.Stage, error) {
	return nil, nil
}
func (s *stubStageRepo) ListByJob(context.Context, string) ([]*types.Stage, error) {
	return s.stages, nil
}
func (s *stubStageRepo) SetSummary(context.Context, string, int, datatypes.JSON) error {
	return nil
}

func newTestHandler(t *testing.T, svc *stubJobService, stages *stubStageRepo) *JobsHandler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, err := logger.New("dev")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	t.Cleanup(log.Sync)
	if stages == nil {
		stages = &stubStageRepo{}
	}
	return NewJobsHandler(log, svc, stages)
}

func performJSON(h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func newTestRouter(h *JobsHandler) *gin.Engine {
	r := gin.New()
	r.POST("/api/jobs", h.Submit)
	r.GET("/api/jobs/:job_id", h.GetJob)
	r.POST("/api/jobs/:job_id/cancel", h.Cancel)
	return r
}

func TestSubmitReturns202OnFirstSubmission(t *testing.T) {
	svc := &stubJobService{
		submit: func(jobType string, raw map[string]any, _ core.SubmitOptions) (*core.SubmitResult, error) {
			return &core.SubmitResult{JobID: "abc", Status: types.JobQueued, Idempotent: false}, nil
		},
	}
	r := newTestRouter(newTestHandler(t, svc, nil))

	rec := performJSON(r, http.MethodPost, "/api/jobs", map[string]any{
		"job_type": "echo", "parameters": map[string]any{"message": "hi"},
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body %s", rec.Code, rec.Body.String())
	}
	var res core.SubmitResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if res.JobID != "abc" || res.Idempotent {
		t.Fatalf("body = %+v", res)
	}
}

func TestSubmitReturns200OnDuplicate(t *testing.T) {
	svc := &stubJobService{
		submit: func(string, map[string]any, core.SubmitOptions) (*core.SubmitResult, error) {
			return &core.SubmitResult{JobID: "abc", Status: types.JobProcessing, Idempotent: true}, nil
		},
	}
	r := newTestRouter(newTestHandler(t, svc, nil))

	rec := performJSON(r, http.MethodPost, "/api/jobs", map[string]any{"job_type": "echo"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestSubmitErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
		code string
	}{
		{"unknown type", &core.UnknownJobTypeError{JobType: "nope"}, http.StatusNotFound, "unknown_job_type"},
		{"invalid params", &paramschema.ValidationError{Issues: []string{"message: required"}}, http.StatusBadRequest, "invalid_parameters"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubJobService{
				submit: func(string, map[string]any, core.SubmitOptions) (*core.SubmitResult, error) {
					return nil, tc.err
				},
			}
			r := newTestRouter(newTestHandler(t, svc, nil))
			rec := performJSON(r, http.MethodPost, "/api/jobs", map[string]any{"job_type": "x"})
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			var env ErrorEnvelope
			_ = json.Unmarshal(rec.Body.Bytes(), &env)
			if env.Error.Code != tc.code {
				t.Fatalf("code = %s, want %s", env.Error.Code, tc.code)
			}
		})
	}
}

func TestSubmitRequiresJobType(t *testing.T) {
	svc := &stubJobService{
		submit: func(string, map[string]any, core.SubmitOptions) (*core.SubmitResult, error) {
			t.Fatalf("service called for malformed request")
			return nil, nil
		},
	}
	r := newTestRouter(newTestHandler(t, svc, nil))
	rec := performJSON(r, http.MethodPost, "/api/jobs", map[string]any{"parameters": map[string]any{}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestGetJobIncludesStages(t *testing.T) {
	svc := &stubJobService{jobs: map[string]*types.Job{
		"abc": {
			JobID: "abc", JobType: "echo", Status: types.JobCompleted,
			Stage: 1, TotalStages: 1, CorrelationID: "cid",
			ResultData: datatypes.JSON(`{"message":"hi"}`),
		},
	}}
	stages := &stubStageRepo{stages: []*types.Stage{
		{JobID: "abc", StageNumber: 1, TaskCount: 3, CompletedCount: 3},
	}}
	r := newTestRouter(newTestHandler(t, svc, stages))

	rec := performJSON(r, http.MethodGet, "/api/jobs/abc", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp jobStatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if resp.Status != types.JobCompleted || len(resp.Stages) != 1 || resp.Stages[0].TaskCount != 3 {
		t.Fatalf("response = %+v", resp)
	}
}

func TestGetJobMissingReturns404(t *testing.T) {
	svc := &stubJobService{jobs: map[string]*types.Job{}}
	r := newTestRouter(newTestHandler(t, svc, nil))
	rec := performJSON(r, http.MethodGet, "/api/jobs/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCancelResponses(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		svc := &stubJobService{
			jobs:   map[string]*types.Job{"abc": {JobID: "abc", Status: types.JobProcessing}},
			cancel: func(string) (bool, error) { return true, nil },
		}
		r := newTestRouter(newTestHandler(t, svc, nil))
		rec := performJSON(r, http.MethodPost, "/api/jobs/abc/cancel", nil)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status = %d, want 202", rec.Code)
		}
	})
	t.Run("terminal job conflicts", func(t *testing.T) {
		svc := &stubJobService{
			jobs:   map[string]*types.Job{"abc": {JobID: "abc", Status: types.JobCompleted}},
			cancel: func(string) (bool, error) { return false, nil },
		}
		r := newTestRouter(newTestHandler(t, svc, nil))
		rec := performJSON(r, http.MethodPost, "/api/jobs/abc/cancel", nil)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
	})
	t.Run("missing job 404s", func(t *testing.T) {
		svc := &stubJobService{
			jobs:   map[string]*types.Job{},
			cancel: func(string) (bool, error) { return false, nil },
		}
		r := newTestRouter(newTestHandler(t, svc, nil))
		rec := performJSON(r, http.MethodPost, "/api/jobs/missing/cancel", nil)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	})
}
