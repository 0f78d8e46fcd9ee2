package observability

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/formflow/model"
)

func newTestMetrics(t *testing.T) (*Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := InitMetrics(reg)
	return m, reg
}

func TestInitMetrics_registersAllMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)

	// Vectors only appear in Gather output once a child exists.
	m.RecordHTTPRequest("GET", "/health", 200, time.Millisecond)
	m.RecordWorkflowAction("wf", "approve", OutcomeOK, time.Millisecond)
	m.RecordPermissionCheck("resource", true)
	m.RecordPermissionCheckFailure("resource")
	m.RecordGrantChange("grant")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}

	expected := []string{
		"formflow_http_requests_total",
		"formflow_http_request_duration_seconds",
		"formflow_workflow_actions_total",
		"formflow_workflow_action_duration_seconds",
		"formflow_workflow_lock_wait_seconds",
		"formflow_permission_checks_total",
		"formflow_permission_check_failures_total",
		"formflow_permission_grant_changes_total",
		"formflow_user_cache_hits_total",
		"formflow_user_cache_misses_total",
		"formflow_notify_publish_failures_total",
		"formflow_definitions_loaded",
	}
	for _, name := range expected {
		if !names[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestRecordWorkflowAction(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordWorkflowAction("expense", "approve", OutcomeOK, 5*time.Millisecond)
	m.RecordWorkflowAction("expense", "approve", OutcomeOK, 7*time.Millisecond)
	m.RecordWorkflowAction("expense", "approve", OutcomeForbidden, time.Millisecond)

	if v := testutil.ToFloat64(m.WorkflowActionsTotal.WithLabelValues("expense", "approve", OutcomeOK)); v != 2 {
		t.Errorf("ok actions = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.WorkflowActionsTotal.WithLabelValues("expense", "approve", OutcomeForbidden)); v != 1 {
		t.Errorf("forbidden actions = %v, want 1", v)
	}
	if testutil.CollectAndCount(m.WorkflowActionDuration) == 0 {
		t.Error("expected action duration histogram to have observations")
	}
}

func TestRecordPermissionCheck(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordPermissionCheck("resource", true)
	m.RecordPermissionCheck("resource", false)
	m.RecordPermissionCheck("field", false)
	m.RecordPermissionCheckFailure("field")

	if v := testutil.ToFloat64(m.PermissionChecksTotal.WithLabelValues("resource", "allow")); v != 1 {
		t.Errorf("resource allow = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.PermissionChecksTotal.WithLabelValues("field", "deny")); v != 1 {
		t.Errorf("field deny = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.PermissionCheckFailuresTotal.WithLabelValues("field")); v != 1 {
		t.Errorf("field failures = %v, want 1", v)
	}
}

func TestRecordUserCache_and_gauges(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordUserCacheHit()
	m.RecordUserCacheHit()
	m.RecordUserCacheMiss()
	m.RecordPublishFailure()
	m.SetDefinitionsLoaded(4)
	m.RecordLockWait(3 * time.Millisecond)

	if v := testutil.ToFloat64(m.UserCacheHitsTotal); v != 2 {
		t.Errorf("cache hits = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.UserCacheMissesTotal); v != 1 {
		t.Errorf("cache misses = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.NotifyPublishFailuresTotal); v != 1 {
		t.Errorf("publish failures = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.DefinitionsLoaded); v != 4 {
		t.Errorf("definitions loaded = %v, want 4", v)
	}
}

func TestOutcomeFor(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{model.NewForbiddenError("x"), OutcomeForbidden},
		{model.NewNotFoundError("x"), OutcomeNotFound},
		{model.NewInvalidStateError("x"), OutcomeInvalidState},
		{fmt.Errorf("save: %w", model.NewConflictError("x")), OutcomeConflict},
		{errors.New("boom"), OutcomeError},
	}
	for _, tt := range tests {
		if got := OutcomeFor(tt.err); got != tt.want {
			t.Errorf("OutcomeFor(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestMetricsMiddleware_recordsRoutePattern(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Get("/api/workflows/{workflowId}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/workflows/expense", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/api/workflows/{workflowId}", "200"))
	if val != 1 {
		t.Errorf("requests total = %v, want 1", val)
	}
}

func TestMetricsMiddleware_capturesStatusCode(t *testing.T) {
	m, _ := newTestMetrics(t)

	r := chi.NewRouter()
	r.Use(m.MetricsMiddleware)
	r.Post("/api/permissions/check", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/permissions/check", nil))

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/api/permissions/check", "400"))
	if val != 1 {
		t.Errorf("400 requests = %v, want 1", val)
	}
}

func TestMetricsMiddleware_fallsBackToPath(t *testing.T) {
	m, _ := newTestMetrics(t)

	handler := m.MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/raw/path", nil))

	val := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("GET", "/raw/path", "200"))
	if val != 1 {
		t.Errorf("raw path requests = %v, want 1", val)
	}
}

func TestHandler_servesMetrics(t *testing.T) {
	m, reg := newTestMetrics(t)
	m.SetDefinitionsLoaded(2)

	rec := httptest.NewRecorder()
	Handler(reg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "formflow_definitions_loaded 2") {
		t.Error("metrics response should contain formflow_definitions_loaded")
	}
}

func TestHistogramBuckets_sorted(t *testing.T) {
	for name, buckets := range map[string][]float64{
		"http":   httpDurationBuckets,
		"action": actionDurationBuckets,
		"lock":   lockWaitBuckets,
	} {
		for i := 1; i < len(buckets); i++ {
			if buckets[i] <= buckets[i-1] {
				t.Errorf("%s buckets not sorted at index %d", name, i)
			}
		}
	}
}
