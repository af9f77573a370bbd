package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oberonlabs/testrig/internal/db/models"
	"github.com/oberonlabs/testrig/internal/db/repos"
	"github.com/oberonlabs/testrig/internal/logger"
	"github.com/oberonlabs/testrig/internal/types"
)

// DefaultTickInterval is how often the scheduler checks for due schedules
const DefaultTickInterval = 60 * time.Second

// scheduleOriginKey marks jobs created by the scheduler in their metadata
const scheduleOriginKey = "schedule_id"

// Scheduler converts durable schedule records into jobs on a timer. One
// long-lived loop goroutine lists enabled schedules every tick and triggers
// each one whose next run time has passed.
type Scheduler struct {
	schedules *repos.ScheduleRepository
	worker    *Worker
	interval  time.Duration

	// now is swappable for tests
	now func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler; a non-positive interval selects the default
func NewScheduler(schedules *repos.ScheduleRepository, worker *Worker, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	return &Scheduler{
		schedules: schedules,
		worker:    worker,
		interval:  interval,
		now:       time.Now,
	}
}

// NextRunTime computes the next fire time of a cron expression after the
// given instant. Standard 5-field cron syntax.
func NextRunTime(cronExpression string, after time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(cronExpression)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(after), nil
}

// Start launches the tick loop. Calling it on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
	logger.Infof("scheduler started, tick interval %s", s.interval)
}

// Stop cancels the loop and waits for it to finish. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}

	cancel()
	<-done
	logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick triggers every due schedule. Tick-level failures are logged and never
// halt the loop; one bad schedule cannot block the others.
func (s *Scheduler) tick(ctx context.Context) {
	schedules, err := s.schedules.List(ctx, true)
	if err != nil {
		logger.Errorf("scheduler tick failed to list schedules: %v", err)
		return
	}

	now := s.now().UTC()
	for _, schedule := range schedules {
		if !schedule.Due(now) {
			continue
		}
		if err := s.Trigger(ctx, schedule.ID); err != nil {
			logger.Errorf("failed to trigger schedule %s: %v", schedule.ID, err)
		}
	}
}

// Trigger fires one schedule: it re-fetches the authoritative record, submits
// a job per target workspace, and updates the schedule's run bookkeeping.
// A schedule that was deleted or disabled since listing is skipped. Jobs
// already submitted remain valid even if the schedule vanishes afterwards.
func (s *Scheduler) Trigger(ctx context.Context, scheduleID string) error {
	schedule, err := s.schedules.Get(ctx, scheduleID)
	if err != nil {
		return err
	}
	if schedule == nil {
		logger.Warnf("schedule %s no longer exists, skipping trigger", scheduleID)
		return nil
	}
	if !schedule.Enabled {
		logger.Infof("schedule %s was disabled since listing, skipping trigger", scheduleID)
		return nil
	}

	now := s.now().UTC()
	var submittedIDs []string

	for _, workspaceID := range schedule.WorkspaceIDs {
		job := &models.Job{
			WorkspaceID: workspaceID,
			TestIDs:     schedule.TestIDs,
			TestGroup:   schedule.TestGroup,
			Metadata: models.JSONMap{
				scheduleOriginKey: schedule.ID,
				"schedule_name":   schedule.Name,
				"origin":          "schedule",
			},
		}

		submitted, err := s.worker.Submit(ctx, job)
		if err != nil {
			logger.WarnWithFields("scheduled submission failed", map[string]interface{}{
				"schedule_id":  schedule.ID,
				"workspace_id": workspaceID,
				"error":        err.Error(),
			})
			continue
		}
		submittedIDs = append(submittedIDs, submitted.ID)
	}

	schedule.LastRunTime = &now
	schedule.LastRunJobIDs = submittedIDs
	schedule.TotalRuns++

	if len(submittedIDs) > 0 {
		schedule.ConsecutiveFailures = 0
	} else {
		schedule.ConsecutiveFailures++
	}

	if schedule.ConsecutiveFailures >= models.MaxConsecutiveFailures {
		logger.WarnWithFields("disabling schedule after repeated failed triggers", map[string]interface{}{
			"schedule_id": schedule.ID,
			"failures":    schedule.ConsecutiveFailures,
		})
		schedule.Enabled = false
		schedule.NextRunTime = nil
	} else if schedule.Enabled {
		next, err := NextRunTime(schedule.CronExpression, now)
		if err != nil {
			logger.Errorf("invalid cron expression on schedule %s: %v", schedule.ID, err)
			schedule.Enabled = false
			schedule.NextRunTime = nil
		} else {
			schedule.NextRunTime = &next
		}
	}

	if err := s.schedules.Update(ctx, schedule); err != nil {
		var gone *types.ScheduleNotFoundError
		if errors.As(err, &gone) {
			logger.Warnf("schedule %s was deleted during trigger, jobs remain valid", scheduleID)
			return nil
		}
		return err
	}
	return nil
}
