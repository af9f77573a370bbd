package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobCreatedAtField is the database field name for the job creation timestamp
const JobCreatedAtField = "created_at"

// JobStatus represents the current state of a job
type JobStatus string

// Job status constants
const (
	// JobStatusUnknown represents an unknown or invalid job status
	JobStatusUnknown JobStatus = "unknown"
	// JobStatusPending indicates the job has been accepted but not started
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently executing steps
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job ran all steps to the end
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the run loop itself errored
	JobStatusFailed JobStatus = "failed"
	// JobStatusCancelled indicates the job was cancelled before finishing
	JobStatusCancelled JobStatus = "cancelled"
)

// String returns the string representation of the job status
func (s JobStatus) String() string {
	return string(s)
}

// Terminal reports whether the status is one a job never leaves
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether the status counts toward the one-job-per-workspace lock
func (s JobStatus) Active() bool {
	return s == JobStatusPending || s == JobStatusRunning
}

// ParseJobStatus converts a string to a JobStatus type
func ParseJobStatus(str string) (JobStatus, error) {
	switch JobStatus(str) {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return JobStatus(str), nil
	default:
		return JobStatusUnknown, fmt.Errorf("invalid job status: %s", str)
	}
}

// UnmarshalJSON implements json.Unmarshaler for JobStatus
func (s *JobStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	status, err := ParseJobStatus(str)
	if err != nil {
		return err
	}

	*s = status
	return nil
}

// Job represents one asynchronous run of diagnostic tests against a workspace.
//
// Status only ever moves pending -> running -> {completed, failed, cancelled};
// TotalSteps is fixed once the job is running and CurrentStepIndex stays
// within [0, TotalSteps) for the whole run.
type Job struct {
	ID               string          `json:"id" gorm:"primaryKey;size:64"`
	WorkspaceID      string          `json:"workspace_id" gorm:"not null;index"`
	TestIDs          StringSlice     `json:"test_ids" gorm:"type:jsonb"`
	TestGroup        string          `json:"test_group" gorm:"index"`
	Status           JobStatus       `json:"status" gorm:"not null;index"`
	ProgressPercent  int             `json:"progress_percent"`
	CurrentStep      string          `json:"current_step"`
	CurrentStepIndex int             `json:"current_step_index"`
	TotalSteps       int             `json:"total_steps"`
	CreatedAt        time.Time       `json:"created_at" gorm:"index"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Result           json.RawMessage `json:"result,omitempty" gorm:"type:jsonb"`
	ErrorMessage     string          `json:"error_message,omitempty" gorm:"type:text"`
	Events           EventLog        `json:"events" gorm:"type:jsonb"`
	Metadata         JSONMap         `json:"metadata,omitempty" gorm:"type:jsonb"`
	UserID           string          `json:"user_id,omitempty" gorm:"index"`
	ConversationID   string          `json:"conversation_id,omitempty"`
}

// StepCount returns the number of steps the job will run: one per test id, or
// a single synthetic whole-group step when no explicit ids were given.
func (j *Job) StepCount() int {
	if len(j.TestIDs) == 0 {
		return 1
	}
	return len(j.TestIDs)
}

// Validate ensures the job data is valid
func (j *Job) Validate() error {
	if j.WorkspaceID == "" {
		return fmt.Errorf("job workspace_id cannot be empty")
	}
	return nil
}

// BeforeCreate is a GORM hook that runs before creating a new job
func (j *Job) BeforeCreate(_ *gorm.DB) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = JobStatusPending
	}
	if j.TotalSteps == 0 {
		j.TotalSteps = j.StepCount()
	}
	return j.Validate()
}
