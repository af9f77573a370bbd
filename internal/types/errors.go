// Package types holds the shared domain types and error taxonomy for the
// job-execution subsystem.
package types

import "fmt"

// StorageError wraps a persistence failure. Storage errors are always
// propagated to the caller, never swallowed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError wraps err as a StorageError for the given operation
func NewStorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

// WorkspaceLockError indicates a submission was refused because another job
// already holds the workspace. Recoverable by waiting or cancelling the holder.
type WorkspaceLockError struct {
	WorkspaceID string
	HolderJobID string
}

func (e *WorkspaceLockError) Error() string {
	return fmt.Sprintf("workspace %s is locked by job %s", e.WorkspaceID, e.HolderJobID)
}

// JobNotFoundError indicates the referenced job does not exist
type JobNotFoundError struct {
	JobID string
}

func (e *JobNotFoundError) Error() string {
	return fmt.Sprintf("job not found: %s", e.JobID)
}

// ScheduleNotFoundError indicates the referenced schedule does not exist
type ScheduleNotFoundError struct {
	ScheduleID string
}

func (e *ScheduleNotFoundError) Error() string {
	return fmt.Sprintf("schedule not found: %s", e.ScheduleID)
}

// JobCancellationError indicates cancellation was requested but could not be
// honored, e.g. the job already reached a terminal state.
type JobCancellationError struct {
	JobID  string
	Reason string
}

func (e *JobCancellationError) Error() string {
	return fmt.Sprintf("cannot cancel job %s: %s", e.JobID, e.Reason)
}

// StepExecutionError indicates a single step's executor failed. It is folded
// into the job state and does not abort the remaining steps.
type StepExecutionError struct {
	TestID string
	Err    error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %s failed: %v", e.TestID, e.Err)
}

func (e *StepExecutionError) Unwrap() error {
	return e.Err
}
