package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerMetrics records enrichment and reconciliation activity. It satisfies
// the enrichment and reconcile observer ports.
type WorkerMetrics struct {
	service  string
	registry *prometheus.Registry

	enrichTotal    *prometheus.CounterVec
	enrichDuration *prometheus.HistogramVec
	enrichInFlight prometheus.Gauge
	queueLag       *prometheus.HistogramVec
	retriesTotal   *prometheus.CounterVec
	requeuedTotal  *prometheus.CounterVec
	orphansTotal   *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	return NewWorkerMetricsWithRegistry(service, prometheus.NewRegistry())
}

// NewWorkerMetricsWithRegistry registers the worker collectors on an existing registry.
func NewWorkerMetricsWithRegistry(service string, registry *prometheus.Registry) *WorkerMetrics {
	enrichTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ocr_ingest",
			Subsystem: "enrich",
			Name:      "total",
			Help:      "Total enrichment runs by outcome.",
		},
		[]string{"service", "outcome"},
	)
	enrichDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ocr_ingest",
			Subsystem: "enrich",
			Name:      "duration_seconds",
			Help:      "Enrichment duration in seconds by outcome.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"service", "outcome"},
	)
	enrichInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ocr_ingest",
			Subsystem: "enrich",
			Name:      "in_flight",
			Help:      "Number of in-flight enrichment runs.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ocr_ingest",
			Subsystem: "enrich",
			Name:      "queue_lag_seconds",
			Help:      "Delay between enqueue and enrichment start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)
	retriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ocr_ingest",
			Subsystem: "resilience",
			Name:      "retries_total",
			Help:      "Retries performed by the resilience executor.",
		},
		[]string{"service", "operation"},
	)
	requeuedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ocr_ingest",
			Subsystem: "reconcile",
			Name:      "requeued_total",
			Help:      "Stale records put back on the enrichment queue.",
		},
		[]string{"service"},
	)
	orphansTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ocr_ingest",
			Subsystem: "reconcile",
			Name:      "orphans_deleted_total",
			Help:      "Blobs deleted because no record references them.",
		},
		[]string{"service"},
	)

	registry.MustRegister(enrichTotal, enrichDuration, enrichInFlight, queueLag, retriesTotal, requeuedTotal, orphansTotal)

	return &WorkerMetrics{
		service:        service,
		registry:       registry,
		enrichTotal:    enrichTotal,
		enrichDuration: enrichDuration,
		enrichInFlight: enrichInFlight,
		queueLag:       queueLag,
		retriesTotal:   retriesTotal,
		requeuedTotal:  requeuedTotal,
		orphansTotal:   orphansTotal,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartEnrichment() {
	m.enrichInFlight.Inc()
}

func (m *WorkerMetrics) FinishEnrichment(outcome string, duration time.Duration) {
	m.enrichInFlight.Dec()
	if outcome == "" {
		outcome = "unknown"
	}
	m.enrichTotal.WithLabelValues(m.service, outcome).Inc()
	m.enrichDuration.WithLabelValues(m.service, outcome).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service).Observe(lag.Seconds())
}

// RecordRetry has the shape of resilience.RetryObserver.
func (m *WorkerMetrics) RecordRetry(operation string, _ int) {
	m.retriesTotal.WithLabelValues(m.service, operation).Inc()
}

func (m *WorkerMetrics) RecordRequeued(n int) {
	if n > 0 {
		m.requeuedTotal.WithLabelValues(m.service).Add(float64(n))
	}
}

func (m *WorkerMetrics) RecordOrphansDeleted(n int) {
	if n > 0 {
		m.orphansTotal.WithLabelValues(m.service).Add(float64(n))
	}
}
