package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"

	"github.com/tilebase/coremachine/internal/core"
	"github.com/tilebase/coremachine/internal/paramschema"
	"github.com/tilebase/coremachine/internal/platform/logger"
	"github.com/tilebase/coremachine/internal/repos"
	"github.com/tilebase/coremachine/internal/types"
)

// JobService is the slice of the engine the HTTP surface needs.
type JobService interface {
	Submit(ctx context.Context, jobType string, raw map[string]any, opts core.SubmitOptions) (*core.SubmitResult, error)
	GetJobStatus(ctx context.Context, jobID string) (*types.Job, error)
	RequestCancellation(ctx context.Context, jobID string) (bool, error)
}

type JobsHandler struct {
	log    *logger.Logger
	jobs   JobService
	stages repos.StageRepo
}

func NewJobsHandler(log *logger.Logger, jobs JobService, stages repos.StageRepo) *JobsHandler {
	return &JobsHandler{
		log:    log.With("handler", "JobsHandler"),
		jobs:   jobs,
		stages: stages,
	}
}

type submitRequest struct {
	JobType       string         `json:"job_type" binding:"required"`
	Parameters    map[string]any `json:"parameters"`
	CorrelationID string         `json:"correlation_id"`
	AssetID       string         `json:"asset_id"`
}

func (h *JobsHandler) Submit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if req.Parameters == nil {
		req.Parameters = map[string]any{}
	}

	res, err := h.jobs.Submit(c.Request.Context(), req.JobType, req.Parameters, core.SubmitOptions{
		CorrelationID: req.CorrelationID,
		AssetID:       req.AssetID,
	})
	if err != nil {
		var unknown *core.UnknownJobTypeError
		var invalid *paramschema.ValidationError
		switch {
		case errors.As(err, &unknown):
			RespondError(c, http.StatusNotFound, "unknown_job_type", err)
		case errors.As(err, &invalid):
			RespondError(c, http.StatusBadRequest, "invalid_parameters", err)
		default:
			h.log.Error("submit failed", "job_type", req.JobType, "error", err)
			RespondError(c, http.StatusInternalServerError, "internal", errors.New("submission failed"))
		}
		return
	}

	if res.Idempotent {
		RespondOK(c, res)
		return
	}
	RespondAccepted(c, res)
}

type stageStatus struct {
	StageNumber    int            `json:"stage_number"`
	TaskCount      int            `json:"task_count"`
	CompletedCount int            `json:"completed_count"`
	FailedCount    int            `json:"failed_count"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	ResultsSummary datatypes.JSON `json:"results_summary,omitempty"`
}

type jobStatusResponse struct {
	JobID                 string         `json:"job_id"`
	JobType               string         `json:"job_type"`
	Status                string         `json:"status"`
	Stage                 int            `json:"stage"`
	TotalStages           int            `json:"total_stages"`
	Parameters            datatypes.JSON `json:"parameters,omitempty"`
	ResultData            datatypes.JSON `json:"result_data,omitempty"`
	Error                 string         `json:"error,omitempty"`
	CorrelationID         string         `json:"correlation_id"`
	AssetID               *string        `json:"asset_id,omitempty"`
	CancellationRequested bool           `json:"cancellation_requested"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
	Stages                []stageStatus  `json:"stages"`
}

func (h *JobsHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	job, err := h.jobs.GetJobStatus(c.Request.Context(), jobID)
	if err != nil {
		h.log.Error("status lookup failed", "job_id", jobID, "error", err)
		RespondError(c, http.StatusInternalServerError, "internal", errors.New("status lookup failed"))
		return
	}
	if job == nil {
		RespondError(c, http.StatusNotFound, "job_not_found", fmt.Errorf("no job with id %s", jobID))
		return
	}

	resp := jobStatusResponse{
		JobID:                 job.JobID,
		JobType:               job.JobType,
		Status:                job.Status,
		Stage:                 job.Stage,
		TotalStages:           job.TotalStages,
		Parameters:            job.Parameters,
		ResultData:            job.ResultData,
		Error:                 job.Error,
		CorrelationID:         job.CorrelationID,
		AssetID:               job.AssetID,
		CancellationRequested: job.CancellationRequested,
		CreatedAt:             job.CreatedAt,
		UpdatedAt:             job.UpdatedAt,
		Stages:                []stageStatus{},
	}
	stages, err := h.stages.ListByJob(c.Request.Context(), jobID)
	if err != nil {
		h.log.Warn("stage listing failed", "job_id", jobID, "error", err)
	}
	for _, s := range stages {
		resp.Stages = append(resp.Stages, stageStatus{
			StageNumber:    s.StageNumber,
			TaskCount:      s.TaskCount,
			CompletedCount: s.CompletedCount,
			FailedCount:    s.FailedCount,
			StartedAt:      s.StartedAt,
			CompletedAt:    s.CompletedAt,
			ResultsSummary: s.ResultsSummary,
		})
	}
	RespondOK(c, resp)
}

func (h *JobsHandler) Cancel(c *gin.Context) {
	jobID := c.Param("job_id")
	changed, err := h.jobs.RequestCancellation(c.Request.Context(), jobID)
	if err != nil {
		h.log.Error("cancellation failed", "job_id", jobID, "error", err)
		RespondError(c, http.StatusInternalServerError, "internal", errors.New("cancellation failed"))
		return
	}
	if !changed {
		job, err := h.jobs.GetJobStatus(c.Request.Context(), jobID)
		if err == nil && job == nil {
			RespondError(c, http.StatusNotFound, "job_not_found", fmt.Errorf("no job with id %s", jobID))
			return
		}
		status := "unknown"
		if job != nil {
			status = job.Status
		}
		RespondError(c, http.StatusConflict, "state_conflict", fmt.Errorf("job is already %s", status))
		return
	}
	RespondAccepted(c, gin.H{"job_id": jobID, "cancellation_requested": true})
}
