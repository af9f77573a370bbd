package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/oberonlabs/testrig/config"
	"github.com/oberonlabs/testrig/internal/api/v1/handlers"
	"github.com/oberonlabs/testrig/internal/api/v1/middleware"
	"github.com/oberonlabs/testrig/internal/api/v1/routes"
	"github.com/oberonlabs/testrig/internal/catalog"
	"github.com/oberonlabs/testrig/internal/db"
	"github.com/oberonlabs/testrig/internal/db/repos"
	"github.com/oberonlabs/testrig/internal/guard"
	"github.com/oberonlabs/testrig/internal/logger"
	"github.com/oberonlabs/testrig/internal/services"
	"github.com/oberonlabs/testrig/internal/workspace"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "testrig",
		Short: "testrig runs diagnostic test jobs against remote workspaces",
	}
	rootCmd.AddCommand(serveCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server, worker and scheduler",
		RunE: func(_ *cobra.Command, _ []string) error {
			return serve()
		},
	}
}

func serve() error {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()
	logger.Initialize()

	conn, err := db.New(db.Options{
		Host:     config.GetEnv("DB_HOST", ""),
		User:     config.GetEnv("DB_USER", ""),
		Password: config.GetEnv("DB_PASSWORD", ""),
		DBName:   config.GetEnv("DB_NAME", ""),
		Port:     config.GetEnvInt("DB_PORT", 0),
		SSLMode:  config.GetEnv("DB_SSLMODE", ""),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	workspaces, err := workspace.LoadFile(config.GetEnv("WORKSPACES_FILE", "workspaces.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load workspace registry: %w", err)
	}
	testCatalog, err := catalog.LoadFile(config.GetEnv("CATALOG_FILE", "catalog.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load test catalog: %w", err)
	}

	jobRepo := repos.NewJobRepository(conn)
	scheduleRepo := repos.NewScheduleRepository(conn)

	// The step executor is an external capability; until one is wired in via
	// TEST_RUNNER_CMD integration the server reports every step as skipped.
	executor := services.StepExecutorFunc(func(_ context.Context, _, testID, _ string) (services.StepResult, error) {
		return services.StepResult{
			TestID: testID,
			Status: services.StepStatusSkipped,
			Stderr: "no step executor configured",
		}, nil
	})

	worker := services.NewWorker(jobRepo, executor)
	scheduler := services.NewScheduler(scheduleRepo, worker,
		config.GetEnvDuration("SCHEDULER_INTERVAL", services.DefaultTickInterval))

	admission := guard.New(guard.Config{
		Enabled:                 config.GetEnvBool("ASYNC_ENABLED", true),
		ProductionEnvironment:   config.GetEnv("PRODUCTION_ENVIRONMENT", guard.DefaultProductionEnvironment),
		UnknownTestsDestructive: config.GetEnvBool("GUARD_UNKNOWN_TESTS_DESTRUCTIVE", false),
	}, workspaces, testCatalog, jobRepo)

	app := fiber.New(fiber.Config{ErrorHandler: errorHandler})
	app.Use(middleware.Logger())
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "healthy"})
	})
	routes.Register(app,
		handlers.NewJobHandler(admission, worker, jobRepo),
		handlers.NewScheduleHandler(scheduleRepo, scheduler))

	scheduler.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- app.Listen(config.GetEnv("LISTEN_ADDR", ":8080"))
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		scheduler.Stop()
		return err
	case <-sigCtx.Done():
	}

	logger.Info("shutting down")
	scheduler.Stop()
	if err := app.Shutdown(); err != nil {
		logger.Errorf("server shutdown failed: %v", err)
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := worker.Drain(drainCtx); err != nil {
		logger.Warnf("jobs still running at shutdown: %v", err)
	}
	return nil
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
	}
	return c.Status(code).JSON(fiber.Map{"error": err.Error()})
}
