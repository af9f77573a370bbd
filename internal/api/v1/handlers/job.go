package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"

	"github.com/oberonlabs/testrig/internal/db/models"
	"github.com/oberonlabs/testrig/internal/db/repos"
	"github.com/oberonlabs/testrig/internal/guard"
	"github.com/oberonlabs/testrig/internal/services"
	"github.com/oberonlabs/testrig/internal/types"
)

// SubmitJobRequest is the payload for submitting a job
type SubmitJobRequest struct {
	WorkspaceID string            `json:"workspace_id"`
	TestIDs     []string          `json:"test_ids"`
	TestGroup   string            `json:"test_group"`
	UserID      string            `json:"user_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// JobHandler serves the job endpoints
type JobHandler struct {
	guard  *guard.Guard
	worker *services.Worker
	jobs   *repos.JobRepository
}

// NewJobHandler creates a new job handler instance
func NewJobHandler(g *guard.Guard, worker *services.Worker, jobs *repos.JobRepository) *JobHandler {
	return &JobHandler{guard: g, worker: worker, jobs: jobs}
}

// SubmitJob runs the admission checks and, when allowed, starts background
// execution. A denied submission returns the guard result synchronously.
func (h *JobHandler) SubmitJob(c *fiber.Ctx) error {
	var req SubmitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
	}

	destructive := h.guard.IsDestructive(req.TestGroup, req.TestIDs)
	result, err := h.guard.Check(c.Context(), req.WorkspaceID, req.TestIDs, destructive)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": fmt.Sprintf("admission check failed: %v", err),
		})
	}
	if !result.Allowed {
		return c.Status(guardStatusCode(result.Reason)).JSON(result)
	}

	job := &models.Job{
		WorkspaceID: req.WorkspaceID,
		TestIDs:     req.TestIDs,
		TestGroup:   req.TestGroup,
		UserID:      req.UserID,
		Metadata:    req.Metadata,
	}
	submitted, err := h.worker.Submit(c.Context(), job)
	if err != nil {
		var lockErr *types.WorkspaceLockError
		if errors.As(err, &lockErr) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":           lockErr.Error(),
				"blocking_job_id": lockErr.HolderJobID,
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": fmt.Sprintf("failed to submit job: %v", err),
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(submitted)
}

// GetJob returns a single job by id
func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	job, err := h.jobs.GetByID(c.Context(), c.Params("id"))
	if err != nil {
		var notFound *types.JobNotFoundError
		if errors.As(err, &notFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": notFound.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(job)
}

// ListJobs returns job history with optional filters
func (h *JobHandler) ListJobs(c *fiber.Ctx) error {
	filter := repos.JobFilter{
		WorkspaceID: c.Query("workspace_id"),
		UserID:      c.Query("user_id"),
		Status:      models.JobStatus(c.Query("status")),
	}
	opts := models.ListOptions{
		Limit:  c.QueryInt("limit"),
		Offset: c.QueryInt("offset"),
	}

	jobs, err := h.jobs.List(c.Context(), filter, opts)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(jobs)
}

// GetActiveJob returns the job currently holding a workspace, if any
func (h *JobHandler) GetActiveJob(c *fiber.Ctx) error {
	job, err := h.jobs.GetActiveForWorkspace(c.Context(), c.Params("workspace_id"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if job == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no active job for workspace"})
	}
	return c.JSON(job)
}

// CancelJob requests cooperative cancellation of a running job
func (h *JobHandler) CancelJob(c *fiber.Ctx) error {
	jobID := c.Params("id")
	reason := c.Query("reason", "cancelled via API")

	if h.worker.Cancel(jobID, reason) {
		return c.JSON(fiber.Map{"cancelled": true})
	}

	// Distinguish a missing job from one that simply is not running
	if _, err := h.jobs.GetByID(c.Context(), jobID); err != nil {
		var notFound *types.JobNotFoundError
		if errors.As(err, &notFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": notFound.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	notRunning := &types.JobCancellationError{JobID: jobID, Reason: "job is not running"}
	return c.Status(fiber.StatusConflict).JSON(fiber.Map{
		"cancelled": false,
		"error":     notRunning.Error(),
	})
}

// StreamEvents streams the job's events as NDJSON until a terminal event.
// Finished jobs get a replay of the persisted log.
func (h *JobHandler) StreamEvents(c *fiber.Ctx) error {
	jobID := c.Params("id")
	idleTimeout := time.Duration(c.QueryInt("keepalive_seconds", 0)) * time.Second

	events, err := h.worker.GetEvents(c.Context(), jobID, idleTimeout)
	if err != nil {
		var notFound *types.JobNotFoundError
		if errors.As(err, &notFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": notFound.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	c.Set(fiber.HeaderContentType, "application/x-ndjson")
	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		encoder := json.NewEncoder(w)
		for event := range events {
			if err := encoder.Encode(event); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}
	}))
	return nil
}

func guardStatusCode(reason guard.Reason) int {
	switch reason {
	case guard.ReasonAsyncNotEnabled:
		return fiber.StatusServiceUnavailable
	case guard.ReasonWorkspaceNotFound:
		return fiber.StatusNotFound
	case guard.ReasonWorkspaceLocked:
		return fiber.StatusConflict
	case guard.ReasonPrdDestructiveBlocked:
		return fiber.StatusForbidden
	default:
		return fiber.StatusBadRequest
	}
}
