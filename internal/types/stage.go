package types

import (
	"time"

	"gorm.io/datatypes"
)

// Stage tracks per-stage progress counters for a job. The counters are
// maintained inside the task-completion primitive while the advisory lock for
// (job_id, stage_number) is held, so they never drift from the task rows.
type Stage struct {
	JobID          string         `gorm:"column:job_id;type:char(64);primaryKey" json:"job_id"`
	StageNumber    int            `gorm:"column:stage_number;primaryKey" json:"stage_number"`
	TaskCount      int            `gorm:"column:task_count;not null;default:0" json:"task_count"`
	CompletedCount int            `gorm:"column:completed_count;not null;default:0" json:"completed_count"`
	FailedCount    int            `gorm:"column:failed_count;not null;default:0" json:"failed_count"`
	ResultsSummary datatypes.JSON `gorm:"type:jsonb;column:results_summary" json:"results_summary,omitempty"`
	StartedAt      *time.Time     `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt    *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Stage) TableName() string { return "stages" }
