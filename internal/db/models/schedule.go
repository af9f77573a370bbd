package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MaxConsecutiveFailures is the number of fully failed trigger attempts after
// which a schedule is automatically disabled.
const MaxConsecutiveFailures = 3

// Schedule is a durable cron-driven definition that periodically originates
// jobs across one or more workspaces.
type Schedule struct {
	ID                  string      `json:"id" gorm:"primaryKey;size:64"`
	Name                string      `json:"name" gorm:"not null;index"`
	Enabled             bool        `json:"enabled" gorm:"index"`
	CronExpression      string      `json:"cron_expression" gorm:"not null"`
	WorkspaceIDs        StringSlice `json:"workspace_ids" gorm:"type:jsonb"`
	TestGroup           string      `json:"test_group"`
	TestIDs             StringSlice `json:"test_ids" gorm:"type:jsonb"`
	LastRunTime         *time.Time  `json:"last_run_time,omitempty"`
	NextRunTime         *time.Time  `json:"next_run_time,omitempty" gorm:"index"`
	LastRunJobIDs       StringSlice `json:"last_run_job_ids" gorm:"type:jsonb"`
	TotalRuns           int         `json:"total_runs"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// Due reports whether the schedule should fire at the given instant
func (s *Schedule) Due(now time.Time) bool {
	return s.Enabled && s.NextRunTime != nil && !s.NextRunTime.After(now)
}

// Validate ensures the schedule data is valid
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule name cannot be empty")
	}
	if s.CronExpression == "" {
		return fmt.Errorf("schedule cron_expression cannot be empty")
	}
	if len(s.WorkspaceIDs) == 0 {
		return fmt.Errorf("schedule must target at least one workspace")
	}
	return nil
}

// BeforeCreate is a GORM hook that runs before creating a new schedule
func (s *Schedule) BeforeCreate(_ *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return s.Validate()
}
