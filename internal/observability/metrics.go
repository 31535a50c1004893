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
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	llmDurationBuckets     = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Run metrics
	RunStartsTotal        *prometheus.CounterVec
	RunCompletionsTotal   *prometheus.CounterVec
	RunActive             *prometheus.GaugeVec
	RunStepDuration       *prometheus.HistogramVec
	ApprovalsTotal        *prometheus.CounterVec
	ApprovalTimeoutsTotal *prometheus.CounterVec
	EvidenceGathered      *prometheus.HistogramVec

	// Provider metrics
	ProviderAttemptsTotal  *prometheus.CounterVec
	ProviderLatency        *prometheus.HistogramVec
	ProviderExhaustedTotal prometheus.Counter

	// Search backend metrics
	SearchRequestsTotal       *prometheus.CounterVec
	SearchRequestDuration     *prometheus.HistogramVec
	SearchCircuitBreakerState *prometheus.GaugeVec

	// Stream metrics
	StreamSubscribers    prometheus.Gauge
	StreamEventsTotal    *prometheus.CounterVec
	StreamDroppedClients prometheus.Counter

	// Idempotency metrics
	IdempotencyHitsTotal      prometheus.Counter
	IdempotencyConflictsTotal prometheus.Counter
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edict_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edict_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edict_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edict_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Runs
		RunStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edict_run_starts_total",
			Help: "Total number of workflow runs started.",
		}, []string{"workflow_type"}),
		RunCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edict_run_completions_total",
			Help: "Total number of workflow runs reaching a terminal status.",
		}, []string{"workflow_type", "final_status"}),
		RunActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edict_run_active",
			Help: "Number of non-terminal workflow runs.",
		}, []string{"workflow_type"}),
		RunStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edict_run_step_duration_seconds",
			Help:    "Run step duration in seconds.",
			Buckets: llmDurationBuckets,
		}, []string{"workflow_type", "step_kind"}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edict_approvals_total",
			Help: "Total number of approval resolutions by decision.",
		}, []string{"workflow_type", "decision"}),
		ApprovalTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edict_approval_timeouts_total",
			Help: "Total number of approvals that expired unresolved.",
		}, []string{"workflow_type"}),
		EvidenceGathered: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edict_evidence_gathered",
			Help:    "Evidence items gathered per completed run.",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}, []string{"workflow_type"}),

		// Providers
		ProviderAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edict_provider_attempts_total",
			Help: "Total number of LLM provider attempts by outcome.",
		}, []string{"provider", "outcome"}),
		ProviderLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edict_provider_latency_seconds",
			Help:    "LLM provider call latency in seconds.",
			Buckets: llmDurationBuckets,
		}, []string{"provider"}),
		ProviderExhaustedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edict_provider_exhausted_total",
			Help: "Total number of gateway calls that exhausted every provider.",
		}),

		// Search
		SearchRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edict_search_requests_total",
			Help: "Total number of search backend requests.",
		}, []string{"backend", "status"}),
		SearchRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edict_search_request_duration_seconds",
			Help:    "Search backend request duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"backend"}),
		SearchCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "edict_search_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"backend"}),

		// Stream
		StreamSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "edict_stream_subscribers",
			Help: "Number of connected event stream subscribers.",
		}),
		StreamEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edict_stream_events_total",
			Help: "Total number of run events published.",
		}, []string{"kind"}),
		StreamDroppedClients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edict_stream_dropped_clients_total",
			Help: "Total number of subscribers disconnected for slow consumption.",
		}),

		// Idempotency
		IdempotencyHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edict_idempotency_hits_total",
			Help: "Total requests answered from the idempotency store.",
		}),
		IdempotencyConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "edict_idempotency_conflicts_total",
			Help: "Total idempotency key reuses with a different payload.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Runs
		m.RunStartsTotal,
		m.RunCompletionsTotal,
		m.RunActive,
		m.RunStepDuration,
		m.ApprovalsTotal,
		m.ApprovalTimeoutsTotal,
		m.EvidenceGathered,
		// Providers
		m.ProviderAttemptsTotal,
		m.ProviderLatency,
		m.ProviderExhaustedTotal,
		// Search
		m.SearchRequestsTotal,
		m.SearchRequestDuration,
		m.SearchCircuitBreakerState,
		// Stream
		m.StreamSubscribers,
		m.StreamEventsTotal,
		m.StreamDroppedClients,
		// Idempotency
		m.IdempotencyHitsTotal,
		m.IdempotencyConflictsTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordRunStart records a run start.
func (m *Metrics) RecordRunStart(workflowType string) {
	m.RunStartsTotal.WithLabelValues(workflowType).Inc()
	m.RunActive.WithLabelValues(workflowType).Inc()
}

// RecordRunCompletion records a run reaching a terminal status.
func (m *Metrics) RecordRunCompletion(workflowType, finalStatus string, evidenceCount int) {
	m.RunCompletionsTotal.WithLabelValues(workflowType, finalStatus).Inc()
	m.RunActive.WithLabelValues(workflowType).Dec()
	m.EvidenceGathered.WithLabelValues(workflowType).Observe(float64(evidenceCount))
}

// RecordRunStepDuration records the duration of a run step.
func (m *Metrics) RecordRunStepDuration(workflowType, stepKind string, duration time.Duration) {
	m.RunStepDuration.WithLabelValues(workflowType, stepKind).Observe(duration.Seconds())
}

// RecordApproval records an approval resolution.
func (m *Metrics) RecordApproval(workflowType, decision string) {
	m.ApprovalsTotal.WithLabelValues(workflowType, decision).Inc()
}

// RecordApprovalTimeout records an approval that expired unresolved.
func (m *Metrics) RecordApprovalTimeout(workflowType string) {
	m.ApprovalTimeoutsTotal.WithLabelValues(workflowType).Inc()
}

// RecordProviderAttempt records one provider attempt.
func (m *Metrics) RecordProviderAttempt(provider, outcome string, latency time.Duration) {
	m.ProviderAttemptsTotal.WithLabelValues(provider, outcome).Inc()
	m.ProviderLatency.WithLabelValues(provider).Observe(latency.Seconds())
}

// RecordProviderExhausted records a gateway call that failed on every provider.
func (m *Metrics) RecordProviderExhausted() {
	m.ProviderExhaustedTotal.Inc()
}

// RecordSearchRequest records a search backend request.
func (m *Metrics) RecordSearchRequest(backend, status string, duration time.Duration) {
	m.SearchRequestsTotal.WithLabelValues(backend, status).Inc()
	m.SearchRequestDuration.WithLabelValues(backend).Observe(duration.Seconds())
}

// SetSearchCircuitBreakerState sets the circuit breaker state for a backend.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetSearchCircuitBreakerState(backend string, state float64) {
	m.SearchCircuitBreakerState.WithLabelValues(backend).Set(state)
}

// RecordStreamEvent records a published run event.
func (m *Metrics) RecordStreamEvent(kind string) {
	m.StreamEventsTotal.WithLabelValues(kind).Inc()
}

// RecordIdempotencyHit records a request answered from the idempotency store.
func (m *Metrics) RecordIdempotencyHit() {
	m.IdempotencyHitsTotal.Inc()
}

// RecordIdempotencyConflict records an idempotency key reuse with a different
// payload.
func (m *Metrics) RecordIdempotencyConflict() {
	m.IdempotencyConflictsTotal.Inc()
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

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
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

// Flush lets streaming handlers flush through the wrapper.
func (w *metricsResponseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
