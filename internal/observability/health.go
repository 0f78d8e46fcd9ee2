package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the JSON response for the readiness endpoint.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ReadinessChecks holds the dependency checkers for the readiness endpoint.
type ReadinessChecks struct {
	// Always run.
	DefinitionsLoaded func() bool
	Store             HealthChecker

	// Only run if non-nil.
	Locker    HealthChecker
	Publisher HealthChecker
}

const checkTimeout = 2 * time.Second

// HandleHealth returns an HTTP handler for the liveness endpoint.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

// HealthCheck calls f(ctx).
func (f HealthCheckFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

var (
	errNoDefinitions = errors.New("no workflow definitions loaded")
	errNoStore       = errors.New("no store configured")
)

type namedCheck struct {
	name    string
	checker HealthChecker
}

// list expands the configured dependencies into the checks to run. The
// definitions and store checks are always present and fail when unset.
func (c ReadinessChecks) list() []namedCheck {
	definitions := HealthCheckFunc(func(context.Context) error {
		if c.DefinitionsLoaded == nil || !c.DefinitionsLoaded() {
			return errNoDefinitions
		}
		return nil
	})
	var store HealthChecker = HealthCheckFunc(func(context.Context) error { return errNoStore })
	if c.Store != nil {
		store = c.Store
	}

	checks := []namedCheck{{"definitions", definitions}, {"store", store}}
	if c.Locker != nil {
		checks = append(checks, namedCheck{"locker", c.Locker})
	}
	if c.Publisher != nil {
		checks = append(checks, namedCheck{"publisher", c.Publisher})
	}
	return checks
}

// HandleReady returns the readiness handler. Checks run concurrently, each
// under its own timeout; any failure turns the response into a 503.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := checks.list()
		outcomes := make([]CheckResult, len(list))

		var wg sync.WaitGroup
		for i, c := range list {
			wg.Add(1)
			go func() {
				defer wg.Done()
				outcomes[i] = runCheck(r.Context(), c.checker)
			}()
		}
		wg.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: make(map[string]CheckResult, len(list))}
		httpStatus := http.StatusOK
		for i, c := range list {
			resp.Checks[c.name] = outcomes[i]
			if outcomes[i].Status != "ok" {
				resp.Status = "not_ready"
				httpStatus = http.StatusServiceUnavailable
			}
		}
		writeHealthJSON(w, httpStatus, resp)
	}
}

func writeHealthJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	result := CheckResult{Status: "ok", LatencyMs: time.Since(start).Milliseconds()}
	if err != nil {
		result.Status = "error"
		result.Error = err.Error()
	}
	return result
}
