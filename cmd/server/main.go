// Package main provides the API server entry point for the rewrite pipeline.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pariszhuang123/kinly-backend-sub001/internal/api"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/config"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/logging"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/service"
	"github.com/pariszhuang123/kinly-backend-sub001/internal/storage"
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
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

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

	logger.Info("Database connections established")

	triggerRepo := storage.NewTriggerQueueRepository(postgres)
	jobRepo := storage.NewRewriteJobRepository(postgres)
	directoryRepo := storage.NewHomeDirectoryRepository(postgres)

	wake := storage.NewWakeSignal(redis)

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

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    15 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}

	server := api.NewServer(serverConfig, triggerService, postgres)

	go func() {
		if err := server.Start(); err != nil {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Fatal("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
