package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tilebase/coremachine/internal/app"
	"github.com/tilebase/coremachine/internal/bus"
	"github.com/tilebase/coremachine/internal/core"
	"github.com/tilebase/coremachine/internal/db"
	"github.com/tilebase/coremachine/internal/handlers"
	"github.com/tilebase/coremachine/internal/platform/logger"
	"github.com/tilebase/coremachine/internal/repos"
	"github.com/tilebase/coremachine/internal/server"
	"github.com/tilebase/coremachine/internal/workflow"
	"github.com/tilebase/coremachine/internal/workflows"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Config
	cfg, err := app.LoadConfig(log)
	if err != nil {
		log.Fatal("Config load failed", "error", err)
	}

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Fatal("Postgres init failed", "error", err)
	}
	if err := postgresService.AutoMigrateAll(); err != nil {
		log.Fatal("Postgres auto migration failed", "error", err)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up repos from main...")
	jobRepo := repos.NewJobRepo(thePG, log)
	taskRepo := repos.NewTaskRepo(thePG, log, cfg.AdvisoryLockNamespace)
	stageRepo := repos.NewStageRepo(thePG, log)

	// Bus
	log.Info("Setting up bus from main...")
	rdb, err := bus.NewRedisClient(cfg.RedisAddr)
	if err != nil {
		log.Fatal("Redis init failed", "error", err)
	}
	jobQueue, err := bus.NewRedisQueue(log, rdb, bus.RedisQueueConfig{
		Stream:           cfg.JobQueueName,
		LeaseDuration:    cfg.LeaseDuration,
		MaxDeliveryCount: int64(cfg.BusMaxDeliveryCount),
	})
	if err != nil {
		log.Fatal("Job queue init failed", "error", err)
	}
	taskQueue, err := bus.NewRedisQueue(log, rdb, bus.RedisQueueConfig{
		Stream:           cfg.TaskQueueName,
		LeaseDuration:    cfg.LeaseDuration,
		MaxDeliveryCount: int64(cfg.BusMaxDeliveryCount),
	})
	if err != nil {
		log.Fatal("Task queue init failed", "error", err)
	}

	// Workflows
	log.Info("Registering workflows from main...")
	registry := workflow.NewRegistry()
	if err := workflows.Register(registry); err != nil {
		log.Fatal("Workflow registration failed", "error", err)
	}
	log.Info("Workflows registered", "job_types", registry.JobTypes())

	// Engine
	engine := core.New(log, registry, jobRepo, taskRepo, stageRepo, jobQueue, taskQueue, core.Config{
		MaxConcurrentJobs:    cfg.MaxConcurrentJobs,
		MaxConcurrentTasks:   cfg.MaxConcurrentTasks,
		LeaseRenewalInterval: cfg.LeaseRenewalInterval,
		LeaseMaxTotal:        cfg.LeaseMaxTotal,
		ReconcileInterval:    cfg.ReconcileInterval,
		ReconcileGrace:       cfg.ReconcileGrace,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	coordinator := core.NewStageCoordinator(engine)
	core.NewJobProcessor(engine, coordinator).Start(ctx)
	core.NewTaskProcessor(engine, coordinator).Start(ctx)
	core.NewReconciler(engine, coordinator).Start(ctx)
	submitter := core.NewSubmitter(engine)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		JobsHandler:    handlers.NewJobsHandler(log, submitter, stageRepo),
		AllowedOrigins: cfg.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}
	go func() {
		log.Info("Server listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server shutdown failed", "error", err)
	}
	if err := jobQueue.Close(); err != nil {
		log.Warn("Job queue close failed", "error", err)
	}
	if err := taskQueue.Close(); err != nil {
		log.Warn("Task queue close failed", "error", err)
	}
	if err := rdb.Close(); err != nil {
		log.Warn("Redis close failed", "error", err)
	}
	log.Info("Shutdown complete")
}
