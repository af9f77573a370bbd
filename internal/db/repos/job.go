package repos

import (
	"context"
	"errors"
	"sync"

	"gorm.io/gorm"

	"github.com/oberonlabs/testrig/internal/db/models"
	"github.com/oberonlabs/testrig/internal/logger"
	"github.com/oberonlabs/testrig/internal/types"
)

// EventListener receives every event appended to the store. Listener failures
// are isolated so a bad subscriber cannot break persistence.
type EventListener func(jobID string, event models.Event)

// JobRepository provides access to job-related database operations. It is the
// single source of truth for "is workspace X busy".
type JobRepository struct {
	db *gorm.DB

	listenersMu sync.RWMutex
	listeners   []EventListener
}

// NewJobRepository creates a new job repository instance
func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create creates a new job in the database. It performs no safety checks;
// callers must already have consulted the guard.
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		return types.NewStorageError("create job", err)
	}
	return nil
}

// CreateClaim creates a Pending job and verifies the one-job-per-workspace
// invariant in the same transaction, closing the check-then-act race between
// two near-simultaneous submissions for the same workspace.
func (r *JobRepository) CreateClaim(ctx context.Context, job *models.Job) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var holder models.Job
		err := tx.Where("workspace_id = ? AND status IN ?", job.WorkspaceID,
			[]models.JobStatus{models.JobStatusPending, models.JobStatusRunning}).
			Order(models.JobCreatedAtField + " DESC").
			First(&holder).Error
		if err == nil {
			return &types.WorkspaceLockError{WorkspaceID: job.WorkspaceID, HolderJobID: holder.ID}
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(job).Error
	})
	if err != nil {
		var lockErr *types.WorkspaceLockError
		if errors.As(err, &lockErr) {
			return lockErr
		}
		return types.NewStorageError("claim workspace", err)
	}
	return nil
}

// GetByID retrieves a job by its ID
func (r *JobRepository) GetByID(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).Where(&models.Job{ID: id}).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &types.JobNotFoundError{JobID: id}
	}
	if err != nil {
		return nil, types.NewStorageError("get job", err)
	}
	return &job, nil
}

// GetActiveForWorkspace returns the most recent pending or running job for the
// workspace, or nil when the workspace is idle. This is the primitive the
// locking invariant is built on.
func (r *JobRepository) GetActiveForWorkspace(ctx context.Context, workspaceID string) (*models.Job, error) {
	var job models.Job
	err := r.db.WithContext(ctx).
		Where("workspace_id = ? AND status IN ?", workspaceID,
			[]models.JobStatus{models.JobStatusPending, models.JobStatusRunning}).
		Order(models.JobCreatedAtField + " DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, types.NewStorageError("get active job", err)
	}
	return &job, nil
}

// JobFilter narrows a history listing
type JobFilter struct {
	WorkspaceID string
	UserID      string
	Status      models.JobStatus
}

// List returns job history, most recent first
func (r *JobRepository) List(ctx context.Context, filter JobFilter, opts models.ListOptions) ([]models.Job, error) {
	opts = opts.WithDefaults()

	db := r.db.WithContext(ctx).Model(&models.Job{})
	if filter.WorkspaceID != "" {
		db = db.Where("workspace_id = ?", filter.WorkspaceID)
	}
	if filter.UserID != "" {
		db = db.Where("user_id = ?", filter.UserID)
	}
	if filter.Status != "" && filter.Status != models.JobStatusUnknown {
		db = db.Where("status = ?", filter.Status)
	}

	var jobs []models.Job
	err := db.Limit(opts.Limit).Offset(opts.Offset).
		Order(models.JobCreatedAtField + " DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, types.NewStorageError("list jobs", err)
	}
	return jobs, nil
}

// Update persists the full current snapshot of a job. Last writer wins; the
// worker is the sole expected writer during a job's life.
func (r *JobRepository) Update(ctx context.Context, job *models.Job) error {
	if err := r.db.WithContext(ctx).Save(job).Error; err != nil {
		return types.NewStorageError("update job", err)
	}
	return nil
}

// AppendEvent appends an event to the job's embedded log and the queryable
// events table, then notifies registered listeners synchronously.
func (r *JobRepository) AppendEvent(ctx context.Context, jobID string, event models.Event) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.Where(&models.Job{ID: jobID}).First(&job).Error; err != nil {
			return err
		}

		job.Events = append(job.Events, event)
		if err := tx.Model(&models.Job{ID: jobID}).Update("events", job.Events).Error; err != nil {
			return err
		}

		row := models.JobEvent{
			JobID:    jobID,
			Sequence: len(job.Events),
			Event:    event,
		}
		return tx.Omit("Job").Create(&row).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &types.JobNotFoundError{JobID: jobID}
		}
		return types.NewStorageError("append event", err)
	}

	r.notifyListeners(jobID, event)
	return nil
}

// ListEvents returns the persisted events of a job in production order
func (r *JobRepository) ListEvents(ctx context.Context, jobID string) ([]models.Event, error) {
	var rows []models.JobEvent
	err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("sequence ASC").
		Find(&rows).Error
	if err != nil {
		return nil, types.NewStorageError("list events", err)
	}

	events := make([]models.Event, len(rows))
	for i, row := range rows {
		events[i] = row.Event
	}
	return events, nil
}

// RegisterEventListener registers a callback invoked for every appended event.
// Delivery is decoupled from persistence: a panicking listener is logged and
// ignored.
func (r *JobRepository) RegisterEventListener(listener EventListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, listener)
}

func (r *JobRepository) notifyListeners(jobID string, event models.Event) {
	r.listenersMu.RLock()
	listeners := make([]EventListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.RUnlock()

	for _, listener := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("event listener panicked for job %s: %v", jobID, rec)
				}
			}()
			listener(jobID, event)
		}()
	}
}
