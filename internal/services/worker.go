package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oberonlabs/testrig/internal/db/models"
	"github.com/oberonlabs/testrig/internal/db/repos"
	"github.com/oberonlabs/testrig/internal/logger"
	"github.com/oberonlabs/testrig/internal/types"
)

const (
	// eventBufferSize bounds the per-job live event channel. The producer
	// never blocks on it: when a consumer falls this far behind, events are
	// dropped from the live stream and remain available in the persisted log.
	eventBufferSize = 256

	// DefaultIdleTimeout is how long an event stream stays silent before a
	// keep-alive log event is synthesized instead of closing the stream.
	DefaultIdleTimeout = 30 * time.Second
)

// Worker owns background job execution and live event delivery. It keeps an
// in-memory table of running jobs that exists only for the duration of each
// job and is cleaned up on every terminal outcome.
type Worker struct {
	jobs     *repos.JobRepository
	executor StepExecutor

	mu      sync.Mutex
	running map[string]*jobRun

	wg sync.WaitGroup
}

// jobRun is the transient state of one in-flight job: its cancellation handle
// and its bounded live event channel. Owned exclusively by the worker.
type jobRun struct {
	cancelStep context.CancelFunc
	events     chan models.Event

	cancelMu        sync.Mutex
	cancelRequested bool
	cancelReason    string
}

func (r *jobRun) requestCancel(reason string) bool {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	if r.cancelRequested {
		return false
	}
	r.cancelRequested = true
	r.cancelReason = reason
	r.cancelStep()
	return true
}

func (r *jobRun) cancelled() (bool, string) {
	r.cancelMu.Lock()
	defer r.cancelMu.Unlock()
	return r.cancelRequested, r.cancelReason
}

// NewWorker creates a worker backed by the given store and step executor
func NewWorker(jobs *repos.JobRepository, executor StepExecutor) *Worker {
	return &Worker{
		jobs:     jobs,
		executor: executor,
		running:  make(map[string]*jobRun),
	}
}

// Submit accepts a job for background execution and returns without blocking.
// A job without an identity is created through the store's atomic workspace
// claim; a job that already has one (e.g. scheduler-originated) is assumed to
// be a persisted Pending job, and the one-job-per-workspace invariant is
// re-checked before execution starts.
func (w *Worker) Submit(ctx context.Context, job *models.Job) (*models.Job, error) {
	if job.ID == "" {
		if err := w.jobs.CreateClaim(ctx, job); err != nil {
			return nil, err
		}
	} else {
		active, err := w.jobs.GetActiveForWorkspace(ctx, job.WorkspaceID)
		if err != nil {
			return nil, err
		}
		if active != nil && active.ID != job.ID {
			return nil, &types.WorkspaceLockError{WorkspaceID: job.WorkspaceID, HolderJobID: active.ID}
		}
	}

	stepCtx, cancel := context.WithCancel(context.Background())
	run := &jobRun{
		cancelStep: cancel,
		events:     make(chan models.Event, eventBufferSize),
	}

	w.mu.Lock()
	w.running[job.ID] = run
	w.mu.Unlock()

	w.wg.Add(1)
	go w.run(stepCtx, job, run)

	logger.InfoWithFields("Job submitted", map[string]interface{}{
		"job_id":       job.ID,
		"workspace_id": job.WorkspaceID,
		"total_steps":  job.TotalSteps,
	})
	return job, nil
}

// run executes the job's steps in order. It is the only writer of the job's
// running-to-terminal transition; Cancel only requests cancellation, and the
// two converge here on a single terminal write.
func (w *Worker) run(ctx context.Context, job *models.Job, run *jobRun) {
	defer w.wg.Done()
	defer func() {
		close(run.events)
		w.mu.Lock()
		delete(w.running, job.ID)
		w.mu.Unlock()
	}()

	storeCtx := context.Background()

	now := time.Now().UTC()
	job.Status = models.JobStatusRunning
	job.StartedAt = &now
	job.ProgressPercent = 0
	job.TotalSteps = job.StepCount()
	if err := w.jobs.Update(storeCtx, job); err != nil {
		w.finalizeFailed(storeCtx, job, run, err)
		return
	}
	w.emit(storeCtx, job, run, models.Event{
		Type:       models.EventStarted,
		Message:    fmt.Sprintf("Started %d step(s) on workspace %s", job.TotalSteps, job.WorkspaceID),
		Timestamp:  time.Now().UTC(),
		TotalSteps: intPtr(job.TotalSteps),
	})

	steps := w.resolveSteps(job)
	results := make([]StepResult, 0, len(steps))

	for i, testID := range steps {
		if cancelled, _ := run.cancelled(); cancelled {
			break
		}

		job.CurrentStep = testID
		job.CurrentStepIndex = i
		w.emit(storeCtx, job, run, models.Event{
			Type:       models.EventStepStarted,
			Message:    fmt.Sprintf("Running %s", testID),
			Timestamp:  time.Now().UTC(),
			StepIndex:  intPtr(i),
			TotalSteps: intPtr(job.TotalSteps),
		})

		result := w.executeStep(ctx, job, testID)
		results = append(results, result)

		progress := (i + 1) * 100 / job.TotalSteps
		if result.Status == StepStatusSuccess {
			w.emit(storeCtx, job, run, models.Event{
				Type:            models.EventStepCompleted,
				Message:         fmt.Sprintf("%s completed", testID),
				Timestamp:       time.Now().UTC(),
				StepIndex:       intPtr(i),
				TotalSteps:      intPtr(job.TotalSteps),
				ProgressPercent: intPtr(progress),
			})
		} else {
			w.emit(storeCtx, job, run, models.Event{
				Type:            models.EventStepFailed,
				Message:         fmt.Sprintf("%s failed: %s", testID, result.Error),
				Timestamp:       time.Now().UTC(),
				StepIndex:       intPtr(i),
				TotalSteps:      intPtr(job.TotalSteps),
				ProgressPercent: intPtr(progress),
				Details:         models.JSONMap{"error": result.Error},
			})
		}

		job.ProgressPercent = progress
		if err := w.jobs.Update(storeCtx, job); err != nil {
			w.finalizeFailed(storeCtx, job, run, err)
			return
		}
	}

	if cancelled, reason := run.cancelled(); cancelled {
		w.finalizeCancelled(storeCtx, job, run, reason, results)
		return
	}
	w.finalizeCompleted(storeCtx, job, run, results)
}

// resolveSteps maps the job to its ordered step list: one step per test id,
// or one synthetic whole-group step when no explicit ids were given.
func (w *Worker) resolveSteps(job *models.Job) []string {
	if len(job.TestIDs) > 0 {
		return job.TestIDs
	}
	return []string{job.TestGroup}
}

// executeStep invokes the step executor and folds every failure mode,
// including panics, into a failed StepResult.
func (w *Worker) executeStep(ctx context.Context, job *models.Job, testID string) (result StepResult) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Errorf("step executor panicked on job %s step %s: %v", job.ID, testID, rec)
			result = StepResult{
				TestID: testID,
				Status: StepStatusFailed,
				Error:  fmt.Sprintf("executor panic: %v", rec),
			}
		}
	}()

	result, err := w.executor.ExecuteStep(ctx, job.WorkspaceID, testID, job.TestGroup)
	result.TestID = testID
	if err != nil {
		stepErr := &types.StepExecutionError{TestID: testID, Err: err}
		result.Status = StepStatusFailed
		if result.Error == "" {
			result.Error = stepErr.Error()
		}
	}
	if result.Status == "" {
		result.Status = StepStatusFailed
	}
	return result
}

func (w *Worker) finalizeCompleted(ctx context.Context, job *models.Job, run *jobRun, results []StepResult) {
	summary := summarize(results, false)
	payload, err := json.Marshal(summary)
	if err != nil {
		w.finalizeFailed(ctx, job, run, fmt.Errorf("failed to marshal run summary: %w", err))
		return
	}

	now := time.Now().UTC()
	job.Status = models.JobStatusCompleted
	job.CompletedAt = &now
	job.ProgressPercent = 100
	job.Result = payload
	if err := w.jobs.Update(ctx, job); err != nil {
		logger.Errorf("failed to persist completion of job %s: %v", job.ID, err)
	}

	w.emit(ctx, job, run, models.Event{
		Type:            models.EventCompleted,
		Message:         fmt.Sprintf("Completed: %d passed, %d failed", summary.TestsPassed, summary.TestsFailed),
		Timestamp:       now,
		ProgressPercent: intPtr(100),
		Details:         models.JSONMap{"status": summary.Status},
	})
}

func (w *Worker) finalizeCancelled(ctx context.Context, job *models.Job, run *jobRun, reason string, results []StepResult) {
	summary := summarize(results, true)
	payload, marshalErr := json.Marshal(summary)

	now := time.Now().UTC()
	job.Status = models.JobStatusCancelled
	job.CompletedAt = &now
	job.ProgressPercent = 100
	if marshalErr == nil {
		job.Result = payload
	}
	if reason != "" {
		job.ErrorMessage = reason
	}
	if err := w.jobs.Update(ctx, job); err != nil {
		logger.Errorf("failed to persist cancellation of job %s: %v", job.ID, err)
	}

	message := "Job cancelled"
	if reason != "" {
		message = fmt.Sprintf("Job cancelled: %s", reason)
	}
	w.emit(ctx, job, run, models.Event{
		Type:      models.EventCancelled,
		Message:   message,
		Timestamp: now,
	})
}

func (w *Worker) finalizeFailed(ctx context.Context, job *models.Job, run *jobRun, cause error) {
	logger.Errorf("job %s failed: %v", job.ID, cause)

	now := time.Now().UTC()
	job.Status = models.JobStatusFailed
	job.CompletedAt = &now
	job.ProgressPercent = 100
	job.ErrorMessage = cause.Error()
	if err := w.jobs.Update(ctx, job); err != nil {
		logger.Errorf("failed to persist failure of job %s: %v", job.ID, err)
	}

	w.emit(ctx, job, run, models.Event{
		Type:      models.EventFailed,
		Message:   fmt.Sprintf("Job failed: %v", cause),
		Timestamp: now,
	})
}

// emit persists the event, mirrors it onto the in-memory job so later full
// snapshot writes stay consistent, and forwards it to the live channel. The
// channel send never blocks: a consumer that has fallen behind loses live
// events but can always replay the persisted log.
func (w *Worker) emit(ctx context.Context, job *models.Job, run *jobRun, event models.Event) {
	if err := w.jobs.AppendEvent(ctx, job.ID, event); err != nil {
		logger.Errorf("failed to persist event for job %s: %v", job.ID, err)
	}
	job.Events = append(job.Events, event)

	select {
	case run.events <- event:
	default:
		logger.Warnf("live event channel full for job %s, dropping %s", job.ID, event.Type)
	}
}

// Cancel requests cooperative cancellation of a running job. It returns true
// when a live, unfinished run accepted the request; the run goroutine then
// performs the single terminal transition at the next step boundary. Calling
// it again, or on a finished job, returns false with no side effects.
func (w *Worker) Cancel(jobID, reason string) bool {
	w.mu.Lock()
	run, ok := w.running[jobID]
	w.mu.Unlock()
	if !ok {
		return false
	}
	if !run.requestCancel(reason) {
		return false
	}
	logger.Infof("cancellation requested for job %s: %s", jobID, reason)
	return true
}

// GetEvents returns a finite, ordered stream of the job's events. While the
// job runs the stream is live; when no live channel exists (job finished, or
// the process restarted) the persisted log is replayed once. The stream ends
// after any terminal event. When the stream is idle longer than idleTimeout a
// keep-alive log event is synthesized instead of closing. Delivery to live
// subscribers is at least once; reconnecting consumers should replay from the
// persisted log rather than assume channel continuity.
func (w *Worker) GetEvents(ctx context.Context, jobID string, idleTimeout time.Duration) (<-chan models.Event, error) {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}

	w.mu.Lock()
	run, live := w.running[jobID]
	w.mu.Unlock()

	if !live {
		events, err := w.replay(ctx, jobID)
		if err != nil {
			return nil, err
		}
		out := make(chan models.Event)
		go func() {
			defer close(out)
			for _, event := range events {
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
				if event.Type.Terminal() {
					return
				}
			}
		}()
		return out, nil
	}

	out := make(chan models.Event)
	go func() {
		defer close(out)
		idle := time.NewTimer(idleTimeout)
		defer idle.Stop()
		for {
			select {
			case event, ok := <-run.events:
				if !ok {
					return
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
				if event.Type.Terminal() {
					return
				}
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(idleTimeout)
			case <-idle.C:
				keepAlive := models.Event{
					Type:      models.EventTypeLog,
					Message:   "keep-alive",
					Timestamp: time.Now().UTC(),
				}
				select {
				case out <- keepAlive:
				case <-ctx.Done():
					return
				}
				idle.Reset(idleTimeout)
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// replay loads the persisted event log, verifying the job exists
func (w *Worker) replay(ctx context.Context, jobID string) ([]models.Event, error) {
	if _, err := w.jobs.GetByID(ctx, jobID); err != nil {
		return nil, err
	}
	return w.jobs.ListEvents(ctx, jobID)
}

// Drain waits until all in-flight jobs have reached a terminal state or the
// context expires.
func (w *Worker) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func intPtr(v int) *int {
	return &v
}
