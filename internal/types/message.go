package types

// Bus envelopes. Messages carry no business state beyond routing data; the
// state store is the source of truth, so a redelivered envelope is always safe
// to process against the current row.

type JobMessage struct {
	JobID         string `json:"job_id"`
	JobType       string `json:"job_type"`
	Stage         int    `json:"stage"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

type TaskMessage struct {
	TaskID        string         `json:"task_id"`
	ParentJobID   string         `json:"parent_job_id"`
	TaskType      string         `json:"task_type"`
	Stage         int            `json:"stage"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}
