package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docvault"

// HTTPServerMetrics is the API's private registry: request traffic plus the upload
// counters the handlers report directly.
type HTTPServerMetrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	uploadChunksTotal    *prometheus.CounterVec
	uploadChunkBytes     *prometheus.CounterVec
	uploadsCompleted     *prometheus.CounterVec
	uploadSessionsSwept  *prometheus.CounterVec
	trafficRejectedTotal *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()
	f := promauto.With(registry)
	counter := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: subsystem, Name: name, Help: help}, labels)
	}

	// upload chunks can take seconds on slow links
	durationBuckets := []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	return &HTTPServerMetrics{
		registry:     registry,
		requestTotal: counter("http", "requests_total", "HTTP requests by route and status.", "service", "method", "path", "status"),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   durationBuckets,
		}, []string{"service", "method", "path"}),
		requestInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "http",
			Name:        "in_flight_requests",
			Help:        "Requests currently being served.",
			ConstLabels: prometheus.Labels{"service": service},
		}),
		uploadChunksTotal:    counter("upload", "chunks_total", "Chunk upload attempts by outcome.", "service", "status"),
		uploadChunkBytes:     counter("upload", "chunk_bytes_total", "Bytes received in accepted chunks.", "service"),
		uploadsCompleted:     counter("upload", "completed_total", "Uploads that produced a document, by mode.", "service", "mode"),
		uploadSessionsSwept:  counter("upload", "sessions_swept_total", "Expired upload sessions removed by the sweeper.", "service"),
		trafficRejectedTotal: counter("http", "rejected_total", "Requests rejected by traffic control, by reason.", "service", "reason"),
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		began := time.Now()
		cw := &codeWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(cw, r)

		route := NormalizePath(r.URL.Path)
		m.requestTotal.WithLabelValues(service, r.Method, route, strconv.Itoa(cw.code)).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, route).Observe(time.Since(began).Seconds())
	})
}

// NormalizePath collapses ids and keys so label cardinality stays bounded.
func NormalizePath(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		return path
	}
	switch parts[1] {
	case "blobs":
		return "/v1/blobs/{key}"
	case "uploads":
		switch {
		case len(parts) == 2:
			return "/v1/uploads"
		case len(parts) == 3:
			return "/v1/uploads/{session_id}"
		case len(parts) == 5 && parts[3] == "chunks":
			return "/v1/uploads/{session_id}/chunks/{index}"
		default:
			return "/v1/uploads/{session_id}/" + parts[3]
		}
	case "documents":
		switch len(parts) {
		case 2:
			return "/v1/documents"
		case 3:
			return "/v1/documents/{document_id}"
		default:
			return "/v1/documents/{document_id}/" + parts[3]
		}
	}
	return path
}

func (m *HTTPServerMetrics) RecordChunk(service string, bytes int, err error) {
	status := "accepted"
	if err != nil {
		status = "rejected"
	}
	m.uploadChunksTotal.WithLabelValues(service, status).Inc()
	if err == nil && bytes > 0 {
		m.uploadChunkBytes.WithLabelValues(service).Add(float64(bytes))
	}
}

func (m *HTTPServerMetrics) RecordUploadCompleted(service, mode string) {
	if mode == "" {
		mode = "unknown"
	}
	m.uploadsCompleted.WithLabelValues(service, mode).Inc()
}

func (m *HTTPServerMetrics) RecordSessionsSwept(service string, count int) {
	if count <= 0 {
		return
	}
	m.uploadSessionsSwept.WithLabelValues(service).Add(float64(count))
}

func (m *HTTPServerMetrics) RecordRejected(service, reason string) {
	m.trafficRejectedTotal.WithLabelValues(service, reason).Inc()
}

type codeWriter struct {
	http.ResponseWriter
	code    int
	written bool
}

func (w *codeWriter) WriteHeader(code int) {
	if !w.written {
		w.code, w.written = code, true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *codeWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
