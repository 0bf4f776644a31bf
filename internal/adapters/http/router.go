package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kirillkom/document-vault/internal/config"
	"github.com/kirillkom/document-vault/internal/core/domain"
	"github.com/kirillkom/document-vault/internal/core/ports"
	"github.com/kirillkom/document-vault/internal/observability/metrics"
)

const (
	serviceName  = "document-vault-api"
	userIDHeader = "X-User-Id"

	maxJSONBodyBytes     = 1 << 20
	multipartMemoryBytes = 32 << 20
)

// BlobStore serves objects behind signed local download URLs.
type BlobStore interface {
	Verify(key, expires, sig string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// ReadinessCheck backs /readyz; any error marks the API unready.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Option func(*Router)

func WithMetrics(m *metrics.HTTPServerMetrics) Option {
	return func(rt *Router) { rt.metrics = m }
}

func WithBlobStore(b BlobStore) Option {
	return func(rt *Router) { rt.blobs = b }
}

func WithReadinessChecks(checks ...ReadinessCheck) Option {
	return func(rt *Router) { rt.readiness = append(rt.readiness, checks...) }
}

type Router struct {
	cfg       config.Config
	uploads   ports.ChunkUploader
	ingest    ports.DocumentIngestor
	docs      ports.DocumentManager
	blobs     BlobStore
	metrics   *metrics.HTTPServerMetrics
	readiness []ReadinessCheck
}

func NewRouter(
	cfg config.Config,
	uploads ports.ChunkUploader,
	ingest ports.DocumentIngestor,
	docs ports.DocumentManager,
	opts ...Option,
) *Router {
	rt := &Router{
		cfg:     cfg,
		uploads: uploads,
		ingest:  ingest,
		docs:    docs,
	}
	for _, opt := range opts {
		opt(rt)
	}
	return rt
}

func (rt *Router) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /readyz", rt.readyz)
	mux.HandleFunc("GET /v1/openapi.yaml", serveOpenAPISpec)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}

	mux.HandleFunc("POST /v1/uploads", rt.initUpload)
	mux.HandleFunc("GET /v1/uploads/{id}", rt.getUpload)
	mux.HandleFunc("DELETE /v1/uploads/{id}", rt.cancelUpload)
	mux.HandleFunc("PUT /v1/uploads/{id}/chunks/{index}", rt.uploadChunk)
	mux.HandleFunc("POST /v1/uploads/{id}/complete", rt.completeUpload)

	mux.HandleFunc("POST /v1/documents", rt.uploadDocument)
	mux.HandleFunc("GET /v1/documents", rt.listDocuments)
	mux.HandleFunc("GET /v1/documents/{id}", rt.getDocument)
	mux.HandleFunc("PATCH /v1/documents/{id}", rt.updateDocument)
	mux.HandleFunc("DELETE /v1/documents/{id}", rt.deleteDocument)
	mux.HandleFunc("POST /v1/documents/{id}/versions", rt.uploadVersion)
	mux.HandleFunc("POST /v1/documents/{id}/reprocess", rt.reprocessDocument)
	mux.HandleFunc("GET /v1/documents/{id}/download", rt.downloadDocument)

	if rt.blobs != nil {
		mux.HandleFunc("GET /v1/blobs/{key...}", rt.serveBlob)
	}

	var handler http.Handler = mux
	if rt.cfg.APIValidateOpenAPI {
		validator, err := newRequestValidator()
		if err != nil {
			// openapi.yaml is embedded, so a load failure is a build defect
			panic(err)
		}
		handler = validator.middleware(handler)
	}
	handler = backpressureMiddleware(handler, rt.cfg.APIMaxInFlight, rt.cfg.APIInFlightWait, rt.onRejected("backpressure"))
	handler = rateLimitMiddleware(handler, rt.cfg.APIRateLimitRPS, rt.cfg.APIRateLimitBurst, rt.onRejected("rate_limit"))
	handler = accessLogMiddleware(handler)
	handler = requestIDMiddleware(handler)
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(serviceName, handler)
	}
	return handler
}

func (rt *Router) onRejected(reason string) func() {
	if rt.metrics == nil {
		return nil
	}
	return func() { rt.metrics.RecordRejected(serviceName, reason) }
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	failures := make(map[string]string)
	for _, check := range rt.readiness {
		if err := check.Check(ctx); err != nil {
			failures[check.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		slog.Warn("readiness_check_failed", "failures", failures)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// requireUser returns the caller identity. Authentication happens upstream; the API only
// partitions data by the forwarded user id.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(userIDHeader))
	if userID == "" {
		writeError(w, r, domain.WrapError(domain.ErrUnauthorized, "resolve user", errors.New("X-User-Id header is required")))
		return "", false
	}
	return userID, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, domain.WrapError(domain.ErrInvalidInput, "decode request", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
