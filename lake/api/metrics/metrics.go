package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pharma_lake_api_build_info",
			Help: "Build information of the Pharma Lake API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharma_lake_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pharma_lake_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pharma_lake_api_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	WorkflowRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharma_lake_api_workflow_runs_total",
			Help: "Total number of chat workflow runs by outcome",
		},
		[]string{"outcome"},
	)

	WorkflowRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pharma_lake_api_workflow_retries_total",
			Help: "Total number of SQL repair attempts by source",
		},
		[]string{"source"},
	)

	WorkflowLLMDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pharma_lake_api_workflow_llm_duration_seconds",
			Help:    "Time spent in structured LLM calls per run",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80},
		},
	)

	WorkflowDBDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pharma_lake_api_workflow_db_duration_seconds",
			Help:    "Time spent executing warehouse queries per run",
			Buckets: prometheus.DefBuckets,
		},
	)

	WorkflowRowsReturned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pharma_lake_api_workflow_rows_returned_total",
			Help: "Total number of rows returned to chat runs",
		},
	)

	StreamDisconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pharma_lake_api_stream_disconnects_total",
			Help: "Chat streams cancelled because the client went away",
		},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := chi.RouteContext(r.Context()).RoutePattern()
		if path == "" {
			path = r.URL.Path
		}

		status := strconv.Itoa(ww.Status())
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// ObserveRun records the per-run workflow counters.
func ObserveRun(outcome string, llm, db time.Duration, rows int) {
	WorkflowRunsTotal.WithLabelValues(outcome).Inc()
	WorkflowLLMDuration.Observe(llm.Seconds())
	WorkflowDBDuration.Observe(db.Seconds())
	WorkflowRowsReturned.Add(float64(rows))
}
