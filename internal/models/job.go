package models

import "time"

type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"     // Waiting for the worker
	JobStatusRunning    JobStatus = "running"    // Held by the worker
	JobStatusCancelling JobStatus = "cancelling" // Cancel requested, worker stops at the next username boundary
	JobStatusCancelled  JobStatus = "cancelled"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether the worker will never touch a job in this status again
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCancelled || s == JobStatusCompleted || s == JobStatusFailed
}

// Failure reasons stored on failed jobs
const (
	ReasonNoAccountAvailable = "no_account_available"
	ReasonAccountUnavailable = "account_unavailable"
	ReasonDeviceUnreachable  = "device_unreachable"
	ReasonPersistenceFailure = "persistence_failure"
	ReasonInterrupted        = "interrupted"
	ReasonInternal           = "internal"
)

// Job is one batch of usernames submitted for checking
type Job struct {
	ID              string     `gorm:"column:id;primaryKey" json:"id"`
	Seq             int64      `gorm:"column:seq;index" json:"seq"`
	Usernames       StringList `gorm:"column:usernames" json:"usernames"`
	Status          JobStatus  `gorm:"column:status;index" json:"status"`
	FailureReason   *string    `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	LastError       *string    `gorm:"column:last_error" json:"last_error,omitempty"`
	AssignedAccount *string    `gorm:"column:assigned_account" json:"assigned_account,omitempty"`
	Processed       int        `gorm:"column:processed" json:"processed"`
	ParentJobID     *string    `gorm:"column:parent_job_id" json:"parent_job_id,omitempty"`
	CreatedAt       time.Time  `gorm:"column:created_at" json:"created_at"`
	StartedAt       *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt      *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`
	UpdatedAt       time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Job) TableName() string {
	return "jobs"
}
