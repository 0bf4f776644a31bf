package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kirillkom/document-vault/internal/bootstrap"
	"github.com/kirillkom/document-vault/internal/config"
	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/observability/logging"
	"github.com/kirillkom/document-vault/internal/observability/metrics"
)

const serviceName = "document-vault-worker"

func main() {
	cfg := config.Load()
	logging.NewJSONLogger(serviceName, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics(serviceName)
	app, err := bootstrap.New(ctx, cfg, bootstrap.WithDeadLetterObserver(func(msg domain.ProcessingMessage, reason string) {
		workerMetrics.RecordDeadLetter(serviceName, reason)
	}))
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           workerMetrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		slog.Info("worker_metrics_listening", "port", cfg.WorkerMetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker_metrics_failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	slog.Info("worker_started", "queue_backend", cfg.QueueBackend, "concurrency", cfg.WorkerConcurrency)
	err = app.Queue.Consume(ctx, func(handlerCtx context.Context, delivery domain.Delivery) error {
		msg := delivery.Message
		workerMetrics.ObserveAttempt(serviceName, delivery.Attempt)
		if !msg.EnqueuedAt.IsZero() {
			workerMetrics.ObserveQueueLag(serviceName, time.Since(msg.EnqueuedAt))
		}

		processCtx, cancel := context.WithTimeout(handlerCtx, cfg.WorkerProcessTimeout)
		defer cancel()

		started := time.Now()
		workerMetrics.StartDocument()
		result, err := app.ProcessUC.Run(processCtx, msg)
		workerMetrics.FinishDocument(serviceName, time.Since(started), err)
		workerMetrics.RecordThumbnail(serviceName, string(result.Thumbnail))
		if err != nil {
			slog.Warn("document_process_failed",
				"document_id", msg.DocumentID,
				"attempt", delivery.Attempt,
				"error", err,
			)
		}
		return err
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("worker_consume_failed", "error", err)
		os.Exit(1)
	}
	slog.Info("worker_stopped")
}
