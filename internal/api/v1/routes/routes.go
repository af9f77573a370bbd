// Package routes wires the v1 API surface
package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/oberonlabs/testrig/internal/api/v1/handlers"
)

// SetupRoutes configures all the v1 routes
func SetupRoutes(router fiber.Router, jobs *handlers.JobHandler, schedules *handlers.ScheduleHandler) {
	jobGroup := router.Group("/jobs")
	jobGroup.Post("/", jobs.SubmitJob)
	jobGroup.Get("/", jobs.ListJobs)
	jobGroup.Get("/:id", jobs.GetJob)
	jobGroup.Get("/:id/events", jobs.StreamEvents)
	jobGroup.Delete("/:id", jobs.CancelJob)

	router.Get("/workspaces/:workspace_id/active", jobs.GetActiveJob)

	scheduleGroup := router.Group("/schedules")
	scheduleGroup.Post("/", schedules.CreateSchedule)
	scheduleGroup.Get("/", schedules.ListSchedules)
	scheduleGroup.Get("/:id", schedules.GetSchedule)
	scheduleGroup.Delete("/:id", schedules.DeleteSchedule)
	scheduleGroup.Post("/:id/trigger", schedules.TriggerSchedule)
}

// Register registers the v1 routes
func Register(app *fiber.App, jobs *handlers.JobHandler, schedules *handlers.ScheduleHandler) {
	v1Group := app.Group("/api/v1")
	SetupRoutes(v1Group, jobs, schedules)
}
