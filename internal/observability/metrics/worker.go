package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerMetrics is served on WORKER_METRICS_PORT. Dead letters are counted from the queue's
// observer, everything else from the consume handler.
type WorkerMetrics struct {
	registry *prometheus.Registry

	processTotal     *prometheus.CounterVec
	processDuration  *prometheus.HistogramVec
	processInFlight  prometheus.Gauge
	queueLag         *prometheus.HistogramVec
	deliveryAttempts *prometheus.HistogramVec
	deadLetterTotal  *prometheus.CounterVec
	thumbnailTotal   *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()
	f := promauto.With(registry)
	histogram := func(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "worker", Name: name, Help: help, Buckets: buckets,
		}, labels)
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Subsystem: "worker", Name: name, Help: help}, labels)
	}

	return &WorkerMetrics{
		registry:     registry,
		processTotal: counter("document_process_total", "Processed documents by outcome.", "service", "status"),
		// OCR of a large scan dominates the tail
		processDuration: histogram("document_process_duration_seconds", "Extraction, tagging and thumbnail time per document.",
			[]float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}, "service", "status"),
		processInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "document_process_in_flight",
			Help:        "Documents being processed right now.",
			ConstLabels: prometheus.Labels{"service": service},
		}),
		queueLag: histogram("queue_lag_seconds", "Delay between enqueue and processing start.",
			[]float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}, "service"),
		deliveryAttempts: histogram("delivery_attempt", "Delivery attempt number of handled messages.",
			[]float64{1, 2, 3, 4, 5, 8, 10}, "service"),
		deadLetterTotal: counter("dead_letter_total", "Messages moved to the dead-letter destination, by reason.", "service", "reason"),
		thumbnailTotal:  counter("thumbnail_total", "Thumbnail step outcomes.", "service", "outcome"),
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *WorkerMetrics) StartDocument() {
	m.processInFlight.Inc()
}

func (m *WorkerMetrics) FinishDocument(service string, duration time.Duration, err error) {
	m.processInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}

	m.processTotal.WithLabelValues(service, status).Inc()
	m.processDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveQueueLag(service string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(service).Observe(lag.Seconds())
}

func (m *WorkerMetrics) ObserveAttempt(service string, attempt int) {
	if attempt <= 0 {
		return
	}
	m.deliveryAttempts.WithLabelValues(service).Observe(float64(attempt))
}

func (m *WorkerMetrics) RecordDeadLetter(service, reason string) {
	if reason == "" {
		reason = "unknown"
	}
	m.deadLetterTotal.WithLabelValues(service, reason).Inc()
}

func (m *WorkerMetrics) RecordThumbnail(service, outcome string) {
	if outcome == "" {
		return
	}
	m.thumbnailTotal.WithLabelValues(service, outcome).Inc()
}
