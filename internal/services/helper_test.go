package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/oberonlabs/testrig/internal/db/models"
	"github.com/oberonlabs/testrig/internal/db/repos"
)

var testDBCounter atomic.Int64

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:services_test_%d?mode=memory&cache=shared", testDBCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "Failed to create in-memory database")

	err = db.AutoMigrate(&models.Job{}, &models.JobEvent{}, &models.Schedule{})
	require.NoError(t, err, "Failed to run database migrations")

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil && sqlDB != nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

func newTestRepos(t *testing.T) (*repos.JobRepository, *repos.ScheduleRepository) {
	t.Helper()
	db := openTestDB(t)
	return repos.NewJobRepository(db), repos.NewScheduleRepository(db)
}

// waitForTerminal polls the store until the job reaches a terminal status
func waitForTerminal(t *testing.T, jobs *repos.JobRepository, jobID string) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = jobs.GetByID(context.Background(), jobID)
		require.NoError(t, err)
		return job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached a terminal status", jobID)
	return job
}

// collectEvents drains an event stream until it closes or a terminal event
// arrives, with a hard deadline so a broken stream fails instead of hanging.
func collectEvents(t *testing.T, stream <-chan models.Event) []models.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	var events []models.Event
	for {
		select {
		case event, ok := <-stream:
			if !ok {
				return events
			}
			events = append(events, event)
			if event.Type.Terminal() {
				return events
			}
		case <-deadline:
			t.Fatalf("event stream did not finish, got %d events", len(events))
		}
	}
}

func eventTypes(events []models.Event) []models.EventType {
	types := make([]models.EventType, len(events))
	for i, event := range events {
		types[i] = event.Type
	}
	return types
}
