// Package main provides the pipeline worker entry point.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pariszhuang123/kinly-backend-sub001/internal/config"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/logging"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/provider"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/service"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/storage"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel := logging.ParseLogLevel(cfg.Logging.Level)
	logFormat := logging.ParseLogFormat(cfg.Logging.Format)
	logging.InitGlobalLogger(logLevel, logFormat)

	logger := logging.GetGlobalLogger()

	workerID := os.Getenv("WORKER_ID")
	if workerID == "" {
		hostname, _ := os.Hostname() // nolint:errcheck
		workerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}
	logger.WithField("workerId", workerID).Info("Starting pipeline worker")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer redis.Close()

	var events *storage.EventSink
	if cfg.Database.ClickHouse.Enabled {
		clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("ClickHouse unavailable, pipeline events disabled")
		} else {
			defer clickhouse.Close()
			events = storage.NewEventSink(clickhouse)
		}
	}

	triggerRepo := storage.NewTriggerQueueRepository(postgres)
	jobRepo := storage.NewRewriteJobRepository(postgres)
	batchRepo := storage.NewProviderBatchRepository(postgres)
	directoryRepo := storage.NewHomeDirectoryRepository(postgres)

	wake := storage.NewWakeSignal(redis)
	client := provider.NewOpenAIBatchClient(&cfg.Provider)

	triggerService := service.NewTriggerService(&service.TriggerServiceConfig{
		Triggers:           triggerRepo,
		Registry:           jobRepo,
		Directory:          directoryRepo,
		Classifier:         service.NewHeuristicClassifier(),
		Preferences:        service.NewPreferenceResolver(directoryRepo),
		Wake:               wake,
		Events:             events,
		TriggerMaxAttempts: cfg.Pipeline.TriggerMaxAttempts,
		JobMaxAttempts:     cfg.Pipeline.JobMaxAttempts,
	})

	pipelineService := service.NewPipelineService(&service.PipelineServiceConfig{
		Jobs:               jobRepo,
		Batches:            batchRepo,
		Triggers:           triggerRepo,
		Client:             client,
		Events:             events,
		Model:              cfg.Provider.Model,
		SubmitBatchSize:    cfg.Pipeline.SubmitBatchSize,
		CollectBatchSize:   cfg.Pipeline.CollectBatchSize,
		StaleAfter:         cfg.Pipeline.StaleAfter,
		TriggerMaxAttempts: cfg.Pipeline.TriggerMaxAttempts,
	})

	rewriteWorker, err := worker.NewRewriteWorker(&worker.RewriteWorkerConfig{
		WorkerID: workerID,
		Triggers: triggerService,
		Pipeline: pipelineService,
		Wake:     wake,
		Settings: &cfg.Pipeline,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create rewrite worker")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rewriteWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start rewrite worker")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()

	if err := rewriteWorker.Stop(stopCtx); err != nil {
		logger.WithError(err).Error("Worker stop failed")
	}

	logger.Info("Worker exited")
}
