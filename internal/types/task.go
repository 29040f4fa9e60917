package types

import (
	"time"

	"gorm.io/datatypes"
)

// Task is a single unit of work within a stage. task_id is a deterministic
// SHA-256 of (job_id, stage_number, discriminator); bulk creation ignores PK
// conflicts so redelivered job messages re-plan stages without duplication.
type Task struct {
	TaskID      string         `gorm:"column:task_id;type:char(64);primaryKey" json:"task_id"`
	ParentJobID string         `gorm:"column:parent_job_id;type:char(64);not null;index" json:"parent_job_id"`
	StageNumber int            `gorm:"column:stage_number;not null;index" json:"stage_number"`
	TaskType    string         `gorm:"column:task_type;not null" json:"task_type"`
	Status      string         `gorm:"column:status;not null;index" json:"status"`
	Parameters  datatypes.JSON `gorm:"type:jsonb;column:parameters" json:"parameters"`
	ResultData  datatypes.JSON `gorm:"type:jsonb;column:result_data" json:"result_data,omitempty"`
	ErrorKind   string         `gorm:"column:error_kind" json:"error_kind,omitempty"`
	ErrorDetail string         `gorm:"column:error_detail" json:"error_detail,omitempty"`
	Attempts    int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	CreatedAt   time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Task) TableName() string { return "tasks" }
