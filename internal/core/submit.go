package core

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/tilebase/coremachine/internal/identity"
	"github.com/tilebase/coremachine/internal/platform/logger"
	"github.com/tilebase/coremachine/internal/types"
)

// Submitter is the inbound surface: validate, create-if-absent, publish the
// stage-1 job message. Identical inputs hash to the same job ID, so repeat
// submissions return the existing job instead of spawning a second execution.
type Submitter struct {
	core *Core
	log  *logger.Logger
}

type SubmitOptions struct {
	// CorrelationID threads an external trace through every message and log
	// line of the job. Generated when empty.
	CorrelationID string
	// AssetID is an optional external domain reference stored on the job.
	AssetID string
}

type SubmitResult struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	Idempotent bool   `json:"idempotent"`
}

func NewSubmitter(core *Core) *Submitter {
	return &Submitter{
		core: core,
		log:  core.Log.With("component", "Submitter"),
	}
}

func (s *Submitter) Submit(ctx context.Context, jobType string, raw map[string]any, opts SubmitOptions) (*SubmitResult, error) {
	def, ok := s.core.Registry.Job(jobType)
	if !ok {
		return nil, &UnknownJobTypeError{JobType: jobType}
	}

	// Rejected parameters never create a job row or queue traffic.
	params, err := def.ValidateParameters(raw)
	if err != nil {
		return nil, err
	}

	jobID, err := identity.ComputeJobID(jobType, params)
	if err != nil {
		return nil, err
	}

	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}

	correlationID := strings.TrimSpace(opts.CorrelationID)
	if correlationID == "" {
		correlationID = NewCorrelationID()
	}

	job := &types.Job{
		JobID:         jobID,
		JobType:       jobType,
		Status:        types.JobQueued,
		Stage:         1,
		TotalStages:   def.TotalStages(),
		Parameters:    datatypes.JSON(paramsJSON),
		CorrelationID: correlationID,
	}
	if a := strings.TrimSpace(opts.AssetID); a != "" {
		job.AssetID = &a
	}

	created, existing, err := s.core.Jobs.CreateIfAbsent(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if !created {
		s.log.Info("duplicate submission, returning existing job",
			"job_id", existing.JobID, "job_type", jobType, "status", existing.Status)
		return &SubmitResult{JobID: existing.JobID, Status: existing.Status, Idempotent: true}, nil
	}

	msg := types.JobMessage{
		JobID:         jobID,
		JobType:       jobType,
		Stage:         1,
		CorrelationID: correlationID,
	}
	body, _ := json.Marshal(msg)
	if err := s.core.JobQueue.Publish(ctx, body, correlationID); err != nil {
		// The row exists but the seed message is lost; surface the error so
		// the submitter retries. Deterministic IDs make the retry converge.
		return nil, fmt.Errorf("publish job message: %w", err)
	}

	s.log.Info("job submitted", "job_id", jobID, "job_type", jobType, "correlation_id", correlationID)
	return &SubmitResult{JobID: jobID, Status: types.JobQueued, Idempotent: false}, nil
}

// GetJobStatus reads the job record, or nil if it does not exist.
func (s *Submitter) GetJobStatus(ctx context.Context, jobID string) (*types.Job, error) {
	return s.core.Jobs.GetByID(ctx, jobID)
}

// RequestCancellation flags the job for cancellation. The planner observes
// the flag before the next stage; in-flight tasks are not interrupted.
func (s *Submitter) RequestCancellation(ctx context.Context, jobID string) (bool, error) {
	return s.core.Jobs.RequestCancellation(ctx, jobID)
}

// NewCorrelationID produces a 16-char trace token within the documented
// 8-32 char envelope.
func NewCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
