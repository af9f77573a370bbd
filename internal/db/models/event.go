package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// EventType represents the kind of lifecycle event emitted while a job runs
type EventType string

// Event type constants
const (
	// EventStarted is emitted once when the job transitions to running
	EventStarted EventType = "started"
	// EventProgress is emitted when overall progress changes outside a step boundary
	EventProgress EventType = "progress"
	// EventStepStarted is emitted before a step is handed to the executor
	EventStepStarted EventType = "step_started"
	// EventStepCompleted is emitted when a step finishes successfully
	EventStepCompleted EventType = "step_completed"
	// EventStepFailed is emitted when a step's executor returned or raised a failure
	EventStepFailed EventType = "step_failed"
	// EventTypeLog carries informational output, including stream keep-alives
	EventTypeLog EventType = "log"
	// EventCompleted is the terminal event for a job that ran to the end
	EventCompleted EventType = "completed"
	// EventFailed is the terminal event for a job whose run loop errored
	EventFailed EventType = "failed"
	// EventCancelled is the terminal event for a cancelled job
	EventCancelled EventType = "cancelled"
)

// Terminal reports whether this event type ends a job's event stream
func (t EventType) Terminal() bool {
	switch t {
	case EventCompleted, EventFailed, EventCancelled:
		return true
	default:
		return false
	}
}

// Event is a single lifecycle record. Events are append-only and ordered;
// they are produced solely by the worker and never mutated after emission.
type Event struct {
	Type            EventType `json:"event_type"`
	Message         string    `json:"message"`
	Timestamp       time.Time `json:"timestamp"`
	StepIndex       *int      `json:"step_index,omitempty"`
	TotalSteps      *int      `json:"total_steps,omitempty"`
	ProgressPercent *int      `json:"progress_percent,omitempty"`
	Details         JSONMap   `json:"details,omitempty" gorm:"type:jsonb"`
}

// EventLog is the embedded, ordered event history stored on the job row
type EventLog []Event

// Value implements the driver.Valuer interface
func (l EventLog) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]Event{})
	}
	return json.Marshal([]Event(l))
}

// Scan implements the sql.Scanner interface
func (l *EventLog) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, err := jsonBytes(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(bytes, l)
}

// JobEvent is the queryable row form of an Event. The same record also lives
// in the job's embedded log; this table exists so events can be fetched and
// replayed without loading the whole job.
type JobEvent struct {
	ID       uint   `json:"-" gorm:"primarykey"`
	JobID    string `json:"job_id" gorm:"not null;uniqueIndex:idx_job_events_job_seq"`
	Sequence int    `json:"sequence" gorm:"not null;uniqueIndex:idx_job_events_job_seq"`
	Event    Event  `json:"event" gorm:"embedded"`

	// Job anchors the cascading-delete foreign key to the jobs table
	Job Job `json:"-" gorm:"foreignKey:JobID;references:ID;constraint:OnDelete:CASCADE"`
}
