package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/formflow/model"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	actionDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	lockWaitBuckets       = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}
)

// Outcome labels for workflow actions.
const (
	OutcomeOK           = "ok"
	OutcomeForbidden    = "forbidden"
	OutcomeNotFound     = "not_found"
	OutcomeInvalidState = "invalid_state"
	OutcomeConflict     = "conflict"
	OutcomeError        = "error"
)

// OutcomeFor maps an ExecuteAction error to its outcome label.
func OutcomeFor(err error) string {
	if err == nil {
		return OutcomeOK
	}
	switch model.ErrorCode(err) {
	case model.ErrForbidden:
		return OutcomeForbidden
	case model.ErrNotFound:
		return OutcomeNotFound
	case model.ErrInvalidState:
		return OutcomeInvalidState
	case model.ErrConflict:
		return OutcomeConflict
	default:
		return OutcomeError
	}
}

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflow metrics
	WorkflowActionsTotal   *prometheus.CounterVec
	WorkflowActionDuration *prometheus.HistogramVec
	WorkflowLockWait       prometheus.Histogram

	// Permission metrics
	PermissionChecksTotal        *prometheus.CounterVec
	PermissionCheckFailuresTotal *prometheus.CounterVec
	PermissionGrantChangesTotal  *prometheus.CounterVec
	UserCacheHitsTotal           prometheus.Counter
	UserCacheMissesTotal         prometheus.Counter

	// System metrics
	NotifyPublishFailuresTotal prometheus.Counter
	DefinitionsLoaded          prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		WorkflowActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formflow_workflow_actions_total",
			Help: "Total number of workflow actions by outcome.",
		}, []string{"workflow_id", "action", "outcome"}),
		WorkflowActionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "formflow_workflow_action_duration_seconds",
			Help:    "Workflow action execution duration in seconds, including lock wait.",
			Buckets: actionDurationBuckets,
		}, []string{"workflow_id"}),
		WorkflowLockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "formflow_workflow_lock_wait_seconds",
			Help:    "Time spent waiting for the per-submission lock.",
			Buckets: lockWaitBuckets,
		}),

		PermissionChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formflow_permission_checks_total",
			Help: "Total number of permission checks by result.",
		}, []string{"kind", "result"}),
		PermissionCheckFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formflow_permission_check_failures_total",
			Help: "Permission checks denied because of a storage error.",
		}, []string{"kind"}),
		PermissionGrantChangesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "formflow_permission_grant_changes_total",
			Help: "Total number of grant and revoke operations.",
		}, []string{"operation"}),
		UserCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formflow_user_cache_hits_total",
			Help: "Total user cache hits.",
		}),
		UserCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formflow_user_cache_misses_total",
			Help: "Total user cache misses.",
		}),

		NotifyPublishFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "formflow_notify_publish_failures_total",
			Help: "Transition events that could not be published.",
		}),
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "formflow_definitions_loaded",
			Help: "Number of loaded workflow definitions.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.WorkflowActionsTotal,
		m.WorkflowActionDuration,
		m.WorkflowLockWait,
		m.PermissionChecksTotal,
		m.PermissionCheckFailuresTotal,
		m.PermissionGrantChangesTotal,
		m.UserCacheHitsTotal,
		m.UserCacheMissesTotal,
		m.NotifyPublishFailuresTotal,
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordWorkflowAction records one ExecuteAction call.
func (m *Metrics) RecordWorkflowAction(workflowID, action, outcome string, duration time.Duration) {
	m.WorkflowActionsTotal.WithLabelValues(workflowID, action, outcome).Inc()
	m.WorkflowActionDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// RecordLockWait records time spent acquiring a submission lock.
func (m *Metrics) RecordLockWait(duration time.Duration) {
	m.WorkflowLockWait.Observe(duration.Seconds())
}

// RecordPermissionCheck records a permission decision. Kind is "resource" or
// "field".
func (m *Metrics) RecordPermissionCheck(kind string, allowed bool) {
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.PermissionChecksTotal.WithLabelValues(kind, result).Inc()
}

// RecordPermissionCheckFailure records a check that failed closed.
func (m *Metrics) RecordPermissionCheckFailure(kind string) {
	m.PermissionCheckFailuresTotal.WithLabelValues(kind).Inc()
}

// RecordGrantChange records a grant or revoke.
func (m *Metrics) RecordGrantChange(operation string) {
	m.PermissionGrantChangesTotal.WithLabelValues(operation).Inc()
}

// RecordUserCacheHit records a user cache hit.
func (m *Metrics) RecordUserCacheHit() {
	m.UserCacheHitsTotal.Inc()
}

// RecordUserCacheMiss records a user cache miss.
func (m *Metrics) RecordUserCacheMiss() {
	m.UserCacheMissesTotal.Inc()
}

// RecordPublishFailure records a transition event that was dropped.
func (m *Metrics) RecordPublishFailure() {
	m.NotifyPublishFailuresTotal.Inc()
}

// SetDefinitionsLoaded sets the number of loaded definitions.
func (m *Metrics) SetDefinitionsLoaded(count int) {
	m.DefinitionsLoaded.Set(float64(count))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to keep label cardinality
// bounded.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newStatusRecorder(w)

		next.ServeHTTP(rec, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), rec.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
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
