package services

import (
	"context"
)

// StepStatus is the outcome of a single executed step
type StepStatus string

// Step outcome constants
const (
	// StepStatusSuccess means the step ran and passed
	StepStatusSuccess StepStatus = "success"
	// StepStatusFailed means the step ran and failed, or its executor errored
	StepStatusFailed StepStatus = "failed"
	// StepStatusSkipped means the step did not run
	StepStatusSkipped StepStatus = "skipped"
)

// StepResult is the executor's report for one step
type StepResult struct {
	TestID string     `json:"test_id"`
	Status StepStatus `json:"status"`
	Stdout string     `json:"stdout,omitempty"`
	Stderr string     `json:"stderr,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// StepExecutor performs a single test against a workspace. Implementations
// may block; the worker always invokes them from the job's own goroutine so a
// slow step cannot stall the rest of the system. Any returned error is
// treated as a failed step.
type StepExecutor interface {
	ExecuteStep(ctx context.Context, workspaceID, testID, testGroup string) (StepResult, error)
}

// StepExecutorFunc adapts a plain function to the StepExecutor interface
type StepExecutorFunc func(ctx context.Context, workspaceID, testID, testGroup string) (StepResult, error)

// ExecuteStep implements StepExecutor
func (f StepExecutorFunc) ExecuteStep(ctx context.Context, workspaceID, testID, testGroup string) (StepResult, error) {
	return f(ctx, workspaceID, testID, testGroup)
}

// RunSummary aggregates per-step outcomes into the job result payload
type RunSummary struct {
	Status       string       `json:"status"` // success, partial or cancelled
	TestsPassed  int          `json:"tests_passed"`
	TestsFailed  int          `json:"tests_failed"`
	TestsSkipped int          `json:"tests_skipped"`
	Steps        []StepResult `json:"steps"`
}

// Summary status constants
const (
	// RunStatusSuccess means every step passed
	RunStatusSuccess = "success"
	// RunStatusPartial means at least one step failed
	RunStatusPartial = "partial"
	// RunStatusCancelled means the run was cut short by a cancellation
	RunStatusCancelled = "cancelled"
)

func summarize(steps []StepResult, cancelled bool) RunSummary {
	summary := RunSummary{Steps: steps}
	for _, step := range steps {
		switch step.Status {
		case StepStatusSuccess:
			summary.TestsPassed++
		case StepStatusFailed:
			summary.TestsFailed++
		case StepStatusSkipped:
			summary.TestsSkipped++
		}
	}

	switch {
	case cancelled:
		summary.Status = RunStatusCancelled
	case summary.TestsFailed > 0:
		summary.Status = RunStatusPartial
	default:
		summary.Status = RunStatusSuccess
	}
	return summary
}
