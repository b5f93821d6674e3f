package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stageDurationBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800, 3600}
	bodySizeBuckets      = []float64{100, 1024, 10240, 102400, 1048576}
)

// Circuit breaker gauge values.
const (
	BreakerGaugeClosed   = 0
	BreakerGaugeOpen     = 1
	BreakerGaugeHalfOpen = 2
)

// Metrics holds all Prometheus metric instruments for the engine. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Execution metrics
	ExecutionsStartedTotal  *prometheus.CounterVec
	ExecutionsFinishedTotal *prometheus.CounterVec
	ActiveExecutions        *prometheus.GaugeVec
	StageDuration           *prometheus.HistogramVec
	StageAttemptsTotal      *prometheus.CounterVec
	StageRetriesTotal       *prometheus.CounterVec

	// Engine health
	StuckExecutions      prometheus.Gauge
	ScheduledWorkflows   prometheus.Gauge
	ScheduledRunsTotal   *prometheus.CounterVec
	RunnerCircuitBreaker *prometheus.GaugeVec
	EventsDroppedTotal   prometheus.Counter
	WorkflowsRegistered  prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Executions
		ExecutionsStartedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_executions_started_total",
			Help: "Total number of workflow executions started.",
		}, []string{"workflow_id", "trigger"}),
		ExecutionsFinishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_executions_finished_total",
			Help: "Total number of workflow executions that reached a terminal status.",
		}, []string{"workflow_id", "status"}),
		ActiveExecutions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conduit_active_executions",
			Help: "Number of executions currently pending or running.",
		}, []string{"workflow_id"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_stage_duration_seconds",
			Help:    "Duration of individual stage attempts in seconds.",
			Buckets: stageDurationBuckets,
		}, []string{"workflow_id", "stage_id"}),
		StageAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_stage_attempts_total",
			Help: "Total number of stage attempts by outcome.",
		}, []string{"workflow_id", "stage_id", "outcome"}),
		StageRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_stage_retries_total",
			Help: "Total number of stage retries scheduled.",
		}, []string{"workflow_id", "stage_id"}),

		// Engine health
		StuckExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_stuck_executions",
			Help: "Executions found pending or running past the stuck threshold at the last sweep.",
		}),
		ScheduledWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_scheduled_workflows",
			Help: "Number of workflows with an armed schedule.",
		}),
		ScheduledRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_scheduled_runs_total",
			Help: "Total number of schedule firings by result.",
		}, []string{"workflow_id", "result"}),
		RunnerCircuitBreaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conduit_runner_circuit_breaker_state",
			Help: "Stage runner circuit breaker state (0=closed, 1=open, 2=half-open).",
		}, []string{"service"}),
		EventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conduit_events_dropped_total",
			Help: "Lifecycle events dropped because the event buffer was full.",
		}),
		WorkflowsRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_workflows_registered",
			Help: "Number of workflows in the registry.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.ExecutionsStartedTotal,
		m.ExecutionsFinishedTotal,
		m.ActiveExecutions,
		m.StageDuration,
		m.StageAttemptsTotal,
		m.StageRetriesTotal,
		m.StuckExecutions,
		m.ScheduledWorkflows,
		m.ScheduledRunsTotal,
		m.RunnerCircuitBreaker,
		m.EventsDroppedTotal,
		m.WorkflowsRegistered,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordExecutionStart records a new execution and counts it as active.
func (m *Metrics) RecordExecutionStart(workflowID, trigger string) {
	if m == nil {
		return
	}
	m.ExecutionsStartedTotal.WithLabelValues(workflowID, trigger).Inc()
	m.ActiveExecutions.WithLabelValues(workflowID).Inc()
}

// RecordExecutionFinish records a terminal status and releases the active slot.
func (m *Metrics) RecordExecutionFinish(workflowID, status string) {
	if m == nil {
		return
	}
	m.ExecutionsFinishedTotal.WithLabelValues(workflowID, status).Inc()
	m.ActiveExecutions.WithLabelValues(workflowID).Dec()
}

// RecordStageAttempt records the outcome and duration of one stage attempt.
func (m *Metrics) RecordStageAttempt(workflowID, stageID, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.StageAttemptsTotal.WithLabelValues(workflowID, stageID, outcome).Inc()
	m.StageDuration.WithLabelValues(workflowID, stageID).Observe(duration.Seconds())
}

// RecordStageRetry records a retry being scheduled for a stage.
func (m *Metrics) RecordStageRetry(workflowID, stageID string) {
	if m == nil {
		return
	}
	m.StageRetriesTotal.WithLabelValues(workflowID, stageID).Inc()
}

// SetStuckExecutions sets the number of stuck executions seen by the last sweep.
func (m *Metrics) SetStuckExecutions(n int) {
	if m == nil {
		return
	}
	m.StuckExecutions.Set(float64(n))
}

// SetScheduledWorkflows sets the number of armed schedules.
func (m *Metrics) SetScheduledWorkflows(n int) {
	if m == nil {
		return
	}
	m.ScheduledWorkflows.Set(float64(n))
}

// RecordScheduledRun records a schedule firing; result is "started" or "error".
func (m *Metrics) RecordScheduledRun(workflowID, result string) {
	if m == nil {
		return
	}
	m.ScheduledRunsTotal.WithLabelValues(workflowID, result).Inc()
}

// SetRunnerCircuitBreakerState sets the breaker gauge for a stage service.
func (m *Metrics) SetRunnerCircuitBreakerState(service string, state float64) {
	if m == nil {
		return
	}
	m.RunnerCircuitBreaker.WithLabelValues(service).Set(state)
}

// RecordEventDropped counts an event dropped by the event bus.
func (m *Metrics) RecordEventDropped() {
	if m == nil {
		return
	}
	m.EventsDroppedTotal.Inc()
}

// SetWorkflowsRegistered sets the registry size.
func (m *Metrics) SetWorkflowsRegistered(n int) {
	if m == nil {
		return
	}
	m.WorkflowsRegistered.Set(float64(n))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint. A nil
// gatherer serves the default registry.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
