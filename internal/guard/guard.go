// Package guard implements deterministic, side-effect-free admission control
// for job submissions. It is the only code path allowed to block a submission
// and requires no external calls beyond its collaborators, so identical input
// always yields identical output.
package guard

import (
	"context"
	"errors"
	"fmt"

	"github.com/oberonlabs/testrig/internal/catalog"
	"github.com/oberonlabs/testrig/internal/db/models"
	"github.com/oberonlabs/testrig/internal/workspace"
)

// Reason classifies why a submission was denied
type Reason string

// Denial reasons, in check order
const (
	// ReasonNone means the submission is allowed
	ReasonNone Reason = "none"
	// ReasonAsyncNotEnabled means the async execution subsystem is not ready
	ReasonAsyncNotEnabled Reason = "async_not_enabled"
	// ReasonWorkspaceNotFound means the workspace id is unknown
	ReasonWorkspaceNotFound Reason = "workspace_not_found"
	// ReasonWorkspaceLocked means another job holds the workspace
	ReasonWorkspaceLocked Reason = "workspace_locked"
	// ReasonPrdDestructiveBlocked means a destructive run targeted production
	ReasonPrdDestructiveBlocked Reason = "prd_destructive_blocked"
	// ReasonInvalidTestIDs means no test ids were supplied
	ReasonInvalidTestIDs Reason = "invalid_test_ids"
)

// Result is the outcome of an admission check. Denials are surfaced as data,
// never as errors, so a broad error handler cannot accidentally bypass a
// safety decision. Results are produced fresh per call and never persisted.
type Result struct {
	Allowed     bool              `json:"allowed"`
	Reason      Reason            `json:"reason"`
	Message     string            `json:"message,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	BlockingJob *models.Job       `json:"blocking_job,omitempty"`
}

// ActiveJobSource is the slice of the job store the guard needs for lock
// lookups.
type ActiveJobSource interface {
	GetActiveForWorkspace(ctx context.Context, workspaceID string) (*models.Job, error)
}

// Config holds the guard's static configuration
type Config struct {
	// Enabled gates the whole async subsystem
	Enabled bool
	// ProductionEnvironment is the environment tag destructive runs must
	// never target. Compared case-sensitively.
	ProductionEnvironment string
	// UnknownTestsDestructive makes IsDestructive fail safe: test ids absent
	// from the catalog count as destructive.
	UnknownTestsDestructive bool
}

// DefaultProductionEnvironment is the environment tag used when none is
// configured.
const DefaultProductionEnvironment = "PRD"

// Guard performs pre-flight admission checks for job submissions
type Guard struct {
	cfg        Config
	workspaces workspace.Lookup
	catalog    catalog.Catalog
	jobs       ActiveJobSource
}

// New creates a guard with the given collaborators
func New(cfg Config, workspaces workspace.Lookup, cat catalog.Catalog, jobs ActiveJobSource) *Guard {
	if cfg.ProductionEnvironment == "" {
		cfg.ProductionEnvironment = DefaultProductionEnvironment
	}
	return &Guard{cfg: cfg, workspaces: workspaces, catalog: cat, jobs: jobs}
}

// Check runs the ordered admission checks; the first failing check wins.
// The destructive-against-production check is the last line of defense: it is
// unconditional, has no override, and no higher-level logic may bypass it.
// A non-nil error is only returned on collaborator I/O failure.
func (g *Guard) Check(ctx context.Context, workspaceID string, testIDs []string, isDestructive bool) (Result, error) {
	if !g.cfg.Enabled {
		return deny(ReasonAsyncNotEnabled, "asynchronous test execution is not enabled", nil), nil
	}

	ws, err := g.workspaces.Get(ctx, workspaceID)
	if err != nil {
		if workspaceNotFound(err) {
			return deny(ReasonWorkspaceNotFound,
				fmt.Sprintf("workspace %s does not exist", workspaceID),
				map[string]string{"workspace_id": workspaceID}), nil
		}
		return Result{}, fmt.Errorf("workspace lookup failed: %w", err)
	}

	active, err := g.jobs.GetActiveForWorkspace(ctx, workspaceID)
	if err != nil {
		return Result{}, err
	}
	if active != nil {
		result := deny(ReasonWorkspaceLocked,
			fmt.Sprintf("workspace %s is busy with job %s", workspaceID, active.ID),
			map[string]string{"blocking_job_id": active.ID})
		result.BlockingJob = active
		return result, nil
	}

	if isDestructive && ws.Environment == g.cfg.ProductionEnvironment {
		return deny(ReasonPrdDestructiveBlocked,
			"destructive tests are never allowed against a production workspace",
			map[string]string{"environment": ws.Environment}), nil
	}

	if len(testIDs) == 0 {
		return deny(ReasonInvalidTestIDs, "at least one test id is required", nil), nil
	}

	return Result{Allowed: true, Reason: ReasonNone}, nil
}

// IsDestructive reports whether any of the test ids is classified destructive
// in the catalog. This is advisory input to Check's isDestructive argument,
// not a substitute for it. Unknown ids follow the configured default.
func (g *Guard) IsDestructive(testGroup string, testIDs []string) bool {
	for _, id := range testIDs {
		info, ok := g.catalog.Lookup(testGroup, id)
		if !ok {
			if g.cfg.UnknownTestsDestructive {
				return true
			}
			continue
		}
		if info.Destructive {
			return true
		}
	}
	return false
}

func deny(reason Reason, message string, details map[string]string) Result {
	return Result{Allowed: false, Reason: reason, Message: message, Details: details}
}

func workspaceNotFound(err error) bool {
	return errors.Is(err, workspace.ErrNotFound)
}
