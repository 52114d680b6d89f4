// Package metrics exposes prometheus collectors for the session server and
// the analysis workflow on a private registry.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agroscope"

// Metrics holds every collector the CLI registers.
type Metrics struct {
	registry *prometheus.Registry

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	submissionsTotal   *prometheus.CounterVec
	submissionDuration *prometheus.HistogramVec
	submissionInFlight prometheus.Gauge
	checkpointsTotal   prometheus.Counter

	tileFetchTotal    *prometheus.CounterVec
	tileFetchDuration prometheus.Histogram

	classifyTotal    *prometheus.CounterVec
	classifyDuration prometheus.Histogram

	areaRejectionsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
		},
	)
	submissionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "submissions_total",
			Help:      "Analysis submissions by terminal status.",
		},
		[]string{"status"},
	)
	submissionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "submission_duration_seconds",
			Help:      "Analysis submission duration in seconds by status.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)
	submissionInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "submissions_in_flight",
			Help:      "Number of analysis submissions in flight.",
		},
	)
	checkpointsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "analysis",
			Name:      "progress_checkpoints_total",
			Help:      "Progress checkpoints received from the analysis service.",
		},
	)
	tileFetchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "basemap",
			Name:      "tile_fetch_total",
			Help:      "Basemap tile lookups by outcome (hit, miss, error).",
		},
		[]string{"outcome"},
	)
	tileFetchDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "basemap",
			Name:      "tile_fetch_duration_seconds",
			Help:      "Upstream tile fetch duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)
	classifyTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "landcover",
			Name:      "classifications_total",
			Help:      "Land-cover checks by verdict.",
		},
		[]string{"verdict"},
	)
	classifyDuration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "landcover",
			Name:      "classification_duration_seconds",
			Help:      "Land-cover check duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	areaRejectionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aoi",
			Name:      "area_rejections_total",
			Help:      "Shapes rejected for exceeding the area ceiling, by event.",
		},
		[]string{"event"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		submissionsTotal,
		submissionDuration,
		submissionInFlight,
		checkpointsTotal,
		tileFetchTotal,
		tileFetchDuration,
		classifyTotal,
		classifyDuration,
		areaRejectionsTotal,
	)

	return &Metrics{
		registry:            registry,
		requestTotal:        requestTotal,
		requestDuration:     requestDuration,
		requestInFlight:     requestInFlight,
		submissionsTotal:    submissionsTotal,
		submissionDuration:  submissionDuration,
		submissionInFlight:  submissionInFlight,
		checkpointsTotal:    checkpointsTotal,
		tileFetchTotal:      tileFetchTotal,
		tileFetchDuration:   tileFetchDuration,
		classifyTotal:       classifyTotal,
		classifyDuration:    classifyDuration,
		areaRejectionsTotal: areaRejectionsTotal,
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts, durations and in-flight requests.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(r.Method, path, strconv.Itoa(recorder.statusCode)).Inc()
		m.requestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/tiles/"):
		return "/tiles/{z}/{x}/{y}"
	case strings.HasPrefix(path, "/api/export/"):
		return "/api/export/{dataset}"
	default:
		return path
	}
}

// StartSubmission marks an analysis submission as in flight.
func (m *Metrics) StartSubmission() {
	m.submissionInFlight.Inc()
}

// FinishSubmission records the terminal status of a submission.
func (m *Metrics) FinishSubmission(status string, d time.Duration) {
	m.submissionInFlight.Dec()
	if status == "" {
		status = "unknown"
	}
	m.submissionsTotal.WithLabelValues(status).Inc()
	m.submissionDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveCheckpoint counts one progress checkpoint.
func (m *Metrics) ObserveCheckpoint() {
	m.checkpointsTotal.Inc()
}

// ObserveTileFetch records a tile lookup. d is only observed for upstream
// fetches.
func (m *Metrics) ObserveTileFetch(outcome string, d time.Duration) {
	m.tileFetchTotal.WithLabelValues(outcome).Inc()
	if outcome != "hit" {
		m.tileFetchDuration.Observe(d.Seconds())
	}
}

// ObserveClassification records one land-cover check.
func (m *Metrics) ObserveClassification(verdict string, d time.Duration) {
	m.classifyTotal.WithLabelValues(verdict).Inc()
	m.classifyDuration.Observe(d.Seconds())
}

// ObserveAreaRejection counts a shape rejected by the area ceiling.
func (m *Metrics) ObserveAreaRejection(event string) {
	m.areaRejectionsTotal.WithLabelValues(event).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
