package repos

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/oberonlabs/testrig/internal/db/models"
	"github.com/oberonlabs/testrig/internal/types"
)

type JobRepositoryTestSuite struct {
	DBRepositoryTestSuite
}

func TestJobRepository(t *testing.T) {
	suite.Run(t, new(JobRepositoryTestSuite))
}

func (s *JobRepositoryTestSuite) TestCreate() {
	job := s.createTestJob("ws-1")
	s.NotEmpty(job.ID)
	s.Equal(models.JobStatusPending, job.Status)
	s.Equal(2, job.TotalSteps)
}

func (s *JobRepositoryTestSuite) TestGetByID() {
	original := s.createTestJob("ws-1")

	found, err := s.jobRepo.GetByID(s.ctx, original.ID)
	s.NoError(err)
	s.Equal(original.ID, found.ID)
	s.Equal(original.WorkspaceID, found.WorkspaceID)

	_, err = s.jobRepo.GetByID(s.ctx, "missing")
	var notFound *types.JobNotFoundError
	s.ErrorAs(err, &notFound)
}

func (s *JobRepositoryTestSuite) TestGetActiveForWorkspace() {
	job := s.createTestJob("ws-1")

	active, err := s.jobRepo.GetActiveForWorkspace(s.ctx, "ws-1")
	s.NoError(err)
	s.Require().NotNil(active)
	s.Equal(job.ID, active.ID)

	// Other workspaces are unaffected
	active, err = s.jobRepo.GetActiveForWorkspace(s.ctx, "ws-2")
	s.NoError(err)
	s.Nil(active)

	// A terminal job releases the workspace
	job.Status = models.JobStatusCompleted
	s.Require().NoError(s.jobRepo.Update(s.ctx, job))
	active, err = s.jobRepo.GetActiveForWorkspace(s.ctx, "ws-1")
	s.NoError(err)
	s.Nil(active)
}

func (s *JobRepositoryTestSuite) TestCreateClaim() {
	first := &models.Job{WorkspaceID: "ws-1", TestIDs: models.StringSlice{"t1"}}
	s.Require().NoError(s.jobRepo.CreateClaim(s.ctx, first))

	second := &models.Job{WorkspaceID: "ws-1", TestIDs: models.StringSlice{"t2"}}
	err := s.jobRepo.CreateClaim(s.ctx, second)
	var lockErr *types.WorkspaceLockError
	s.Require().ErrorAs(err, &lockErr)
	s.Equal("ws-1", lockErr.WorkspaceID)
	s.Equal(first.ID, lockErr.HolderJobID)

	// The failed claim must not have persisted the second job
	jobs, err := s.jobRepo.List(s.ctx, JobFilter{WorkspaceID: "ws-1"}, models.ListOptions{})
	s.NoError(err)
	s.Len(jobs, 1)

	// Claiming a different workspace succeeds
	other := &models.Job{WorkspaceID: "ws-2", TestIDs: models.StringSlice{"t1"}}
	s.NoError(s.jobRepo.CreateClaim(s.ctx, other))
}

func (s *JobRepositoryTestSuite) TestUpdateRoundTrip() {
	job := s.createTestJob("ws-1")

	started := time.Now().UTC().Truncate(time.Second)
	completed := started.Add(42 * time.Second)
	job.Status = models.JobStatusCompleted
	job.ProgressPercent = 100
	job.CurrentStep = "ha-failover"
	job.CurrentStepIndex = 1
	job.StartedAt = &started
	job.CompletedAt = &completed
	job.Result = json.RawMessage(`{"status":"partial","tests_passed":1,"tests_failed":1}`)
	job.ErrorMessage = ""
	job.Events = models.EventLog{
		{Type: models.EventStarted, Message: "Started", Timestamp: started},
		{Type: models.EventCompleted, Message: "Completed", Timestamp: completed,
			ProgressPercent: intptr(100), Details: models.JSONMap{"status": "partial"}},
	}
	job.Metadata = models.JSONMap{"origin": "test", "schedule_id": "sched-1"}
	s.Require().NoError(s.jobRepo.Update(s.ctx, job))

	got, err := s.jobRepo.GetByID(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Equal(job.Status, got.Status)
	s.Equal(job.ProgressPercent, got.ProgressPercent)
	s.Equal(job.CurrentStep, got.CurrentStep)
	s.Equal(job.CurrentStepIndex, got.CurrentStepIndex)
	s.Equal(job.TotalSteps, got.TotalSteps)
	s.Equal(job.TestIDs, got.TestIDs)
	s.Equal(job.Metadata, got.Metadata)
	s.JSONEq(string(job.Result), string(got.Result))
	s.Require().NotNil(got.StartedAt)
	s.True(started.Equal(got.StartedAt.UTC()))
	s.Require().NotNil(got.CompletedAt)
	s.True(completed.Equal(got.CompletedAt.UTC()))
	s.Require().Len(got.Events, 2)
	s.Equal(models.EventStarted, got.Events[0].Type)
	s.Equal(models.EventCompleted, got.Events[1].Type)
	s.Equal(models.JSONMap{"status": "partial"}, got.Events[1].Details)
}

func (s *JobRepositoryTestSuite) TestList() {
	s.createTestJob("ws-1")
	second := s.createTestJob("ws-2")
	second.Status = models.JobStatusCompleted
	s.Require().NoError(s.jobRepo.Update(s.ctx, second))

	jobs, err := s.jobRepo.List(s.ctx, JobFilter{}, models.ListOptions{})
	s.NoError(err)
	s.Len(jobs, 2)

	jobs, err = s.jobRepo.List(s.ctx, JobFilter{WorkspaceID: "ws-1"}, models.ListOptions{})
	s.NoError(err)
	s.Len(jobs, 1)

	jobs, err = s.jobRepo.List(s.ctx, JobFilter{Status: models.JobStatusCompleted}, models.ListOptions{})
	s.NoError(err)
	s.Len(jobs, 1)
	s.Equal(second.ID, jobs[0].ID)

	jobs, err = s.jobRepo.List(s.ctx, JobFilter{UserID: "user-1"}, models.ListOptions{})
	s.NoError(err)
	s.Len(jobs, 2)

	jobs, err = s.jobRepo.List(s.ctx, JobFilter{}, models.ListOptions{Limit: 1})
	s.NoError(err)
	s.Len(jobs, 1)
}

func (s *JobRepositoryTestSuite) TestAppendEvent() {
	job := s.createTestJob("ws-1")

	for i, eventType := range []models.EventType{models.EventStarted, models.EventStepStarted, models.EventStepCompleted} {
		event := models.Event{
			Type:      eventType,
			Message:   "event",
			Timestamp: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		}
		s.Require().NoError(s.jobRepo.AppendEvent(s.ctx, job.ID, event))
	}

	// Embedded log and queryable table agree on content and order
	got, err := s.jobRepo.GetByID(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Len(got.Events, 3)

	events, err := s.jobRepo.ListEvents(s.ctx, job.ID)
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	s.Equal(models.EventStarted, events[0].Type)
	s.Equal(models.EventStepStarted, events[1].Type)
	s.Equal(models.EventStepCompleted, events[2].Type)

	err = s.jobRepo.AppendEvent(s.ctx, "missing", models.Event{Type: models.EventTypeLog})
	var notFound *types.JobNotFoundError
	s.ErrorAs(err, &notFound)
}

func (s *JobRepositoryTestSuite) TestEventListeners() {
	job := s.createTestJob("ws-1")

	var received []models.Event
	s.jobRepo.RegisterEventListener(func(jobID string, event models.Event) {
		s.Equal(job.ID, jobID)
		received = append(received, event)
	})
	// A panicking listener must not break persistence or other listeners
	s.jobRepo.RegisterEventListener(func(string, models.Event) {
		panic("bad subscriber")
	})

	event := models.Event{Type: models.EventStarted, Message: "go", Timestamp: time.Now().UTC()}
	s.Require().NoError(s.jobRepo.AppendEvent(s.ctx, job.ID, event))
	s.Require().Len(received, 1)
	s.Equal(models.EventStarted, received[0].Type)

	events, err := s.jobRepo.ListEvents(s.ctx, job.ID)
	s.NoError(err)
	s.Len(events, 1)
}

func intptr(v int) *int {
	return &v
}
