package types

import (
	"time"

	"gorm.io/datatypes"
)

// Job is one execution of a workflow. The primary key is a deterministic
// SHA-256 of (job_type, canonical parameters), so re-submitting identical
// inputs collides on the PK instead of spawning a second execution.
type Job struct {
	JobID                 string         `gorm:"column:job_id;type:char(64);primaryKey" json:"job_id"`
	JobType               string         `gorm:"column:job_type;not null;index" json:"job_type"`
	Status                string         `gorm:"column:status;not null;index" json:"status"`
	Stage                 int            `gorm:"column:stage;not null;default:1" json:"stage"`
	TotalStages           int            `gorm:"column:total_stages;not null" json:"total_stages"`
	Parameters            datatypes.JSON `gorm:"type:jsonb;column:parameters" json:"parameters"`
	ResultData            datatypes.JSON `gorm:"type:jsonb;column:result_data" json:"result_data,omitempty"`
	Error                 string         `gorm:"column:error" json:"error,omitempty"`
	CorrelationID         string         `gorm:"column:correlation_id;index" json:"correlation_id,omitempty"`
	AssetID               *string        `gorm:"column:asset_id;index" json:"asset_id,omitempty"`
	CancellationRequested bool           `gorm:"column:cancellation_requested;not null;default:false" json:"cancellation_requested"`
	CreatedAt             time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt             time.Time      `gorm:"not null;default:now()" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }
