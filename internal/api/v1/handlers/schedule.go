package handlers

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/oberonlabs/testrig/internal/db/models"
	"github.com/oberonlabs/testrig/internal/db/repos"
	"github.com/oberonlabs/testrig/internal/services"
	"github.com/oberonlabs/testrig/internal/types"
)

// CreateScheduleRequest is the payload for creating a schedule
type CreateScheduleRequest struct {
	Name           string   `json:"name"`
	CronExpression string   `json:"cron_expression"`
	WorkspaceIDs   []string `json:"workspace_ids"`
	TestGroup      string   `json:"test_group"`
	TestIDs        []string `json:"test_ids"`
	Enabled        *bool    `json:"enabled,omitempty"`
}

// ScheduleHandler serves the schedule endpoints
type ScheduleHandler struct {
	schedules *repos.ScheduleRepository
	scheduler *services.Scheduler
}

// NewScheduleHandler creates a new schedule handler instance
func NewScheduleHandler(schedules *repos.ScheduleRepository, scheduler *services.Scheduler) *ScheduleHandler {
	return &ScheduleHandler{schedules: schedules, scheduler: scheduler}
}

// CreateSchedule stores a new schedule and computes its first run time
func (h *ScheduleHandler) CreateSchedule(c *fiber.Ctx) error {
	var req CreateScheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("invalid request body: %v", err),
		})
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	schedule := &models.Schedule{
		Name:           req.Name,
		Enabled:        enabled,
		CronExpression: req.CronExpression,
		WorkspaceIDs:   req.WorkspaceIDs,
		TestGroup:      req.TestGroup,
		TestIDs:        req.TestIDs,
	}
	if err := schedule.Validate(); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	next, err := services.NextRunTime(schedule.CronExpression, c.Context().Time())
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": fmt.Sprintf("invalid cron expression: %v", err),
		})
	}
	if enabled {
		schedule.NextRunTime = &next
	}

	if err := h.schedules.Create(c.Context(), schedule); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(schedule)
}

// ListSchedules returns all schedules
func (h *ScheduleHandler) ListSchedules(c *fiber.Ctx) error {
	schedules, err := h.schedules.List(c.Context(), c.QueryBool("enabled_only"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(schedules)
}

// GetSchedule returns a single schedule by id
func (h *ScheduleHandler) GetSchedule(c *fiber.Ctx) error {
	schedule, err := h.schedules.Get(c.Context(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	if schedule == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "schedule not found"})
	}
	return c.JSON(schedule)
}

// DeleteSchedule removes a schedule; jobs it already originated are untouched
func (h *ScheduleHandler) DeleteSchedule(c *fiber.Ctx) error {
	err := h.schedules.Delete(c.Context(), c.Params("id"))
	if err != nil {
		var notFound *types.ScheduleNotFoundError
		if errors.As(err, &notFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": notFound.Error()})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// TriggerSchedule fires a schedule immediately, outside its cron cadence
func (h *ScheduleHandler) TriggerSchedule(c *fiber.Ctx) error {
	if err := h.scheduler.Trigger(c.Context(), c.Params("id")); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
	return c.JSON(fiber.Map{"triggered": true})
}
