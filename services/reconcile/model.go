package reconcile

import (
	"time"

	"gorm.io/datatypes"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// JobRun is the execution record of one reconciliation run.
type JobRun struct {
	ID          string         `gorm:"column:id;primaryKey;size:32"`
	RunID       string         `gorm:"column:run_id;size:36;uniqueIndex;not null"`
	Job         string         `gorm:"column:job;size:64;index;not null"`
	Status      Status         `gorm:"column:status;size:16;not null"`
	DryRun      bool           `gorm:"column:dry_run;not null"`
	Examined    int            `gorm:"column:examined;not null;default:0"`
	Found       int            `gorm:"column:found;not null;default:0"`
	Fixed       int            `gorm:"column:fixed;not null;default:0"`
	ErrorMsg    string         `gorm:"column:error_msg;type:text"`
	Operator    string         `gorm:"column:operator;size:96"`
	Report      datatypes.JSON `gorm:"column:report"`
	StartedAt   *time.Time     `gorm:"column:started_at"`
	CompletedAt *time.Time     `gorm:"column:completed_at"`
	CreatedAt   time.Time      `gorm:"column:created_at"`
	UpdatedAt   time.Time      `gorm:"column:updated_at"`
}

func (JobRun) TableName() string { return "reconcile_job_runs" }
