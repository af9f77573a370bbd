package repos

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/oberonlabs/testrig/internal/db/models"
	"github.com/oberonlabs/testrig/internal/types"
)

// ScheduleRepository provides access to schedule-related database operations
type ScheduleRepository struct {
	db *gorm.DB
}

// NewScheduleRepository creates a new schedule repository instance
func NewScheduleRepository(db *gorm.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

// Create creates a new schedule in the database
func (r *ScheduleRepository) Create(ctx context.Context, schedule *models.Schedule) error {
	if err := r.db.WithContext(ctx).Create(schedule).Error; err != nil {
		return types.NewStorageError("create schedule", err)
	}
	return nil
}

// Get retrieves a schedule by its ID, or nil when it does not exist
func (r *ScheduleRepository) Get(ctx context.Context, id string) (*models.Schedule, error) {
	var schedule models.Schedule
	err := r.db.WithContext(ctx).Where(&models.Schedule{ID: id}).First(&schedule).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewStorageError("get schedule", err)
	}
	return &schedule, nil
}

// List returns all schedules, optionally restricted to enabled ones
func (r *ScheduleRepository) List(ctx context.Context, enabledOnly bool) ([]models.Schedule, error) {
	db := r.db.WithContext(ctx).Model(&models.Schedule{})
	if enabledOnly {
		db = db.Where("enabled = ?", true)
	}

	var schedules []models.Schedule
	if err := db.Order("name ASC").Find(&schedules).Error; err != nil {
		return nil, types.NewStorageError("list schedules", err)
	}
	return schedules, nil
}

// Update persists the full schedule snapshot. It fails with a
// ScheduleNotFoundError when the schedule no longer exists.
func (r *ScheduleRepository) Update(ctx context.Context, schedule *models.Schedule) error {
	res := r.db.WithContext(ctx).Model(&models.Schedule{}).
		Where("id = ?", schedule.ID).
		Select("*").Omit("id", "created_at").
		Updates(schedule)
	if res.Error != nil {
		return types.NewStorageError("update schedule", res.Error)
	}
	if res.RowsAffected == 0 {
		return &types.ScheduleNotFoundError{ScheduleID: schedule.ID}
	}
	return nil
}

// Delete removes a schedule. Jobs already submitted stay valid independent of
// the schedule's lifecycle.
func (r *ScheduleRepository) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Schedule{})
	if res.Error != nil {
		return types.NewStorageError("delete schedule", res.Error)
	}
	if res.RowsAffected == 0 {
		return &types.ScheduleNotFoundError{ScheduleID: id}
	}
	return nil
}
