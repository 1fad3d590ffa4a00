package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the worldrates collectors.
	Registry = prometheus.NewRegistry()

	fetchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worldrates",
			Subsystem: "ingest",
			Name:      "fetch_runs_total",
			Help:      "Fetcher executions by series and outcome.",
		},
		[]string{"series", "status"},
	)

	fetchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "worldrates",
			Subsystem: "ingest",
			Name:      "fetch_duration_seconds",
			Help:      "Duration of one fetcher execution.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		},
		[]string{"series"},
	)

	recordsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worldrates",
			Subsystem: "ingest",
			Name:      "records_written_total",
			Help:      "Observations applied to the store.",
		},
		[]string{"series"},
	)

	pageFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worldrates",
			Subsystem: "ingest",
			Name:      "page_failures_total",
			Help:      "Source pages abandoned after retries.",
		},
		[]string{"source"},
	)

	cycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worldrates",
			Subsystem: "ingest",
			Name:      "cycles_total",
			Help:      "Ingestion cycles by outcome (ok, partial, aborted, skipped).",
		},
		[]string{"outcome"},
	)

	persistDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "worldrates",
			Subsystem: "store",
			Name:      "persist_duration_seconds",
			Help:      "Duration of full snapshot rewrites.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"status"},
	)

	queueWaiting = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "worldrates",
			Subsystem: "queue",
			Name:      "waiting",
			Help:      "Units waiting for an admission slot.",
		},
		[]string{"queue"},
	)

	queueRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "worldrates",
			Subsystem: "queue",
			Name:      "running",
			Help:      "Units currently holding an admission slot.",
		},
		[]string{"queue"},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "worldrates",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "worldrates",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
		[]string{"method", "route"},
	)
)

func init() {
	Registry.MustRegister(
		fetchRuns,
		fetchDuration,
		recordsWritten,
		pageFailures,
		cycles,
		persistDuration,
		queueWaiting,
		queueRunning,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordFetch(series string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	fetchRuns.WithLabelValues(series, status).Inc()
	fetchDuration.WithLabelValues(series).Observe(duration.Seconds())
}

func RecordWritten(series string, count int) {
	if count <= 0 {
		return
	}
	recordsWritten.WithLabelValues(series).Add(float64(count))
}

func RecordPageFailure(source string) {
	pageFailures.WithLabelValues(source).Inc()
}

func RecordCycle(outcome string) {
	cycles.WithLabelValues(outcome).Inc()
}

func RecordPersist(duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	persistDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func SetQueueDepth(queue string, waiting, running int) {
	queueWaiting.WithLabelValues(queue).Set(float64(waiting))
	queueRunning.WithLabelValues(queue).Set(float64(running))
}

// InstrumentHandler wraps the router with request counting, labelled by the
// matched route template.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := routeTemplate(r)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if template, err := route.GetPathTemplate(); err == nil {
			return template
		}
	}
	return "unmatched"
}
