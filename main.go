package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/newpush/coach-sub004/internal/app"
	"github.com/newpush/coach-sub004/internal/config"
	"github.com/newpush/coach-sub004/internal/handlers"
	"github.com/newpush/coach-sub004/internal/metrics"
	"github.com/newpush/coach-sub004/internal/middleware"
	"github.com/newpush/coach-sub004/internal/outbox"
	"github.com/newpush/coach-sub004/internal/webhook"
	"github.com/newpush/coach-sub004/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := app.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("Starting coach sync server",
		"host", cfg.Host,
		"port", cfg.Port,
		"database", cfg.DatabasePath,
		"log_level", cfg.LogLevel,
		"workers", cfg.WorkerCount)

	engine, err := app.Open(cfg)
	if err != nil {
		logger.Error("Failed to start engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()
	db := engine.DB

	logger.Info("Providers enabled", "providers", engine.Registry.Names())

	router, err := webhook.NewRouter(db, engine.Orchestrator, webhook.DefaultMappers()...)
	if err != nil {
		logger.Error("Failed to build webhook router", "error", err)
		os.Exit(1)
	}

	auth := middleware.NewJWTAuth(cfg.InternalAPISecret, cfg.InternalAPIIssuer)
	handler := handlers.Routes{
		Webhooks: handlers.NewWebhookHandler(db, router, cfg.StravaVerifyToken),
		Sync:     handlers.NewSyncHandler(engine.Orchestrator),
		Events:   handlers.NewEventsHandler(db),
		Health:   handlers.HealthHandler(db),
		Auth:     auth,
	}.Handler()

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  35 * time.Second, // Slightly more than long-poll timeout
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var background sync.WaitGroup
	run := func(name string, fn func()) {
		background.Add(1)
		go func() {
			defer background.Done()
			logger.Info("Starting " + name)
			fn()
		}()
	}

	w := worker.NewWorker(db, router, engine.Orchestrator, engine.Registry, cfg.Worker())
	run("worker pool", func() {
		if err := w.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Worker pool failed", "error", err)
		}
	})

	scheduler := worker.NewScheduler(db, engine.Registry, cfg.ScheduleInterval, cfg.ScheduleLookbackDays)
	run("sync scheduler", func() { scheduler.Start(ctx) })

	run("zone file watcher", func() {
		if err := engine.Zones.Watch(ctx); err != nil {
			logger.Error("Zone file watcher failed", "error", err)
		}
	})

	if len(cfg.KafkaBrokers) > 0 {
		writer := outbox.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer writer.Close()
		dispatcher := outbox.NewDispatcher(db, writer, cfg.OutboxPollInterval, cfg.OutboxBatchSize)
		run("outbox dispatcher", func() { dispatcher.Start(ctx) })
	} else {
		logger.Warn("KAFKA_BROKERS not set, completion events are only served on /events")
	}

	var metricsServer *http.Server
	if cfg.MetricsEnabled {
		run("queue depth collector", func() { metrics.StartQueueDepthCollector(ctx, db, 15*time.Second) })

		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsAddr := fmt.Sprintf("%s:%d", cfg.MetricsHost, cfg.MetricsPort)
		metricsServer = &http.Server{Addr: metricsAddr, Handler: metricsMux}

		go func() {
			logger.Info("Metrics server listening", "addr", metricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	cancel()
	background.Wait()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server shutdown failed", "error", err)
		}
	}

	logger.Info("Server stopped")
}
