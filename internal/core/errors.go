package core

import (
	"fmt"
	"strings"

	"github.com/tilebase/coremachine/internal/types"
)

// UnknownJobTypeError is returned by Submit when no definition is registered
// for the requested job type.
type UnknownJobTypeError struct {
	JobType string
}

func (e *UnknownJobTypeError) Error() string {
	return "unknown job_type: " + e.JobType
}

// failureSummary builds the user-visible failure string for a job: the
// failing stage, the failed-task count, and a sample of error detail from the
// first few failures.
func failureSummary(stage int, results []*types.Task) string {
	var failed []*types.Task
	for _, t := range results {
		if t != nil && t.Status == types.TaskFailed {
			failed = append(failed, t)
		}
	}
	if len(failed) == 0 {
		return fmt.Sprintf("stage %d failed", stage)
	}
	const sampleSize = 3
	samples := make([]string, 0, sampleSize)
	for _, t := range failed {
		if len(samples) == sampleSize {
			break
		}
		detail := t.ErrorDetail
		if detail == "" {
			detail = t.ErrorKind
		}
		samples = append(samples, fmt.Sprintf("%s: %s", shortID(t.TaskID), detail))
	}
	return fmt.Sprintf("stage %d failed: %d of %d tasks failed; first errors: %s",
		stage, len(failed), len(results), strings.Join(samples, " | "))
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
