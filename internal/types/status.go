package types

// Job statuses. Terminal statuses are frozen: once a job reaches one of them no
// further mutation is accepted by the store.
const (
	JobQueued     = "queued"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// Task statuses. Transitions are monotonic:
// queued -> processing -> (completed | failed).
const (
	TaskQueued     = "queued"
	TaskProcessing = "processing"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Error kinds recorded on failed tasks and jobs.
const (
	ErrKindUnknownJobType         = "UnknownJobType"
	ErrKindUnknownTaskType        = "UnknownTaskType"
	ErrKindHandlerException       = "HandlerException"
	ErrKindHandlerReportedFailure = "HandlerReportedFailure"
	ErrKindLeaseExpired           = "LeaseExpired"
	ErrKindCancelled              = "Cancelled"
	ErrKindStageFailed            = "StageFailed"
)

func JobStatusTerminal(status string) bool {
	switch status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

func TaskStatusTerminal(status string) bool {
	switch status {
	case TaskCompleted, TaskFailed:
		return true
	default:
		return false
	}
}
