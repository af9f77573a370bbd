package repos

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/oberonlabs/testrig/internal/db/models"
)

var testDBCounter atomic.Int64

// openTestDB creates a fresh in-memory database with the full schema
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:repos_test_%d?mode=memory&cache=shared", testDBCounter.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err, "Failed to create in-memory database")

	err = db.AutoMigrate(&models.Job{}, &models.JobEvent{}, &models.Schedule{})
	require.NoError(t, err, "Failed to run database migrations")
	return db
}

// DBRepositoryTestSuite provides a base test suite for repository tests
type DBRepositoryTestSuite struct {
	suite.Suite
	db           *gorm.DB
	ctx          context.Context
	jobRepo      *JobRepository
	scheduleRepo *ScheduleRepository
}

func (s *DBRepositoryTestSuite) SetupTest() {
	s.db = openTestDB(s.T())
	s.jobRepo = NewJobRepository(s.db)
	s.scheduleRepo = NewScheduleRepository(s.db)
	s.ctx = context.Background()
}

func (s *DBRepositoryTestSuite) TearDownTest() {
	sqlDB, err := s.db.DB()
	if err == nil && sqlDB != nil {
		_ = sqlDB.Close()
	}
}

// Helper methods for creating test data

func (s *DBRepositoryTestSuite) createTestJob(workspaceID string) *models.Job {
	job := &models.Job{
		WorkspaceID: workspaceID,
		TestIDs:     models.StringSlice{"ha-config", "ha-failover"},
		TestGroup:   "ha",
		UserID:      "user-1",
		Metadata:    models.JSONMap{"origin": "test"},
	}
	s.Require().NoError(s.jobRepo.Create(s.ctx, job))
	return job
}

func (s *DBRepositoryTestSuite) createTestSchedule(name string) *models.Schedule {
	next := time.Now().UTC().Add(time.Minute).Truncate(time.Second)
	schedule := &models.Schedule{
		Name:           name,
		Enabled:        true,
		CronExpression: "*/5 * * * *",
		WorkspaceIDs:   models.StringSlice{"ws-a", "ws-b"},
		TestGroup:      "ha",
		TestIDs:        models.StringSlice{"ha-config"},
		NextRunTime:    &next,
	}
	s.Require().NoError(s.scheduleRepo.Create(s.ctx, schedule))
	return schedule
}
