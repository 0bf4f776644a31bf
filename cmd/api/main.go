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

	httpadapter "github.com/kirillkom/document-vault/internal/adapters/http"
	"github.com/kirillkom/document-vault/internal/bootstrap"
	"github.com/kirillkom/document-vault/internal/config"
	"github.com/kirillkom/document-vault/internal/core/usecase"
	"github.com/kirillkom/document-vault/internal/observability/logging"
	"github.com/kirillkom/document-vault/internal/observability/metrics"
)

const serviceName = "document-vault-api"

func main() {
	cfg := config.Load()
	logging.NewJSONLogger(serviceName, cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		slog.Error("config_invalid", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap_failed", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	httpMetrics := metrics.NewHTTPServerMetrics(serviceName)
	router := httpadapter.NewRouter(cfg, app.UploadUC, app.IngestUC, app.IngestUC,
		httpadapter.WithMetrics(httpMetrics),
		httpadapter.WithBlobStore(app.Blobs),
		httpadapter.WithReadinessChecks(app.Readiness...),
	).Handler()

	server := &http.Server{
		Addr:              ":" + cfg.APIPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go runSweeper(ctx, app.UploadUC, httpMetrics, cfg.UploadSweepInterval, cfg.UploadSweepBatchSize)

	go func() {
		slog.Info("api_listening", "port", cfg.APIPort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api_server_failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("api_shutdown_failed", "error", err)
	}
	slog.Info("api_stopped")
}

// runSweeper periodically releases sessions that expired before completion.
func runSweeper(ctx context.Context, uploads *usecase.ChunkUploadUseCase, m *metrics.HTTPServerMetrics, interval time.Duration, batch int) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// drain full batches so a backlog clears within one tick
			for {
				n, err := uploads.SweepExpired(ctx, batch)
				if err != nil {
					slog.Warn("upload_sweep_failed", "error", err)
					break
				}
				m.RecordSessionsSwept(serviceName, n)
				if n == 0 || n < batch || ctx.Err() != nil {
					break
				}
			}
		}
	}
}
