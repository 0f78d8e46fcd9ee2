package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/formflow/internal/config"
	"github.com/pitabwire/formflow/internal/observability"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Authenticate func(http.Handler) http.Handler
	Engine       WorkflowService
	Definitions  DefinitionSource
	Permissions  PermissionService
	Readiness    observability.ReadinessChecks

	// Metrics and Gatherer are optional; without them /metrics is not
	// mounted and requests are not counted.
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil && deps.Config.Observability.Metrics.Enabled {
		r.Handle(deps.Config.Observability.Metrics.Path, observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}
	adminResource := deps.Config.Permission.AdminResource

	r.Route("/api", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/workflows/{workflowId}", handleGetWorkflow(deps.Definitions))
		r.Get("/workflows/{workflowId}/submissions/{submissionId}", handleDescribeSubmission(deps.Engine, deps.Definitions))
		r.Post("/workflows/{workflowId}/submissions/{submissionId}/actions", handleExecuteAction(deps.Engine, deps.Definitions))

		r.Post("/permissions/check", handleCheckPermission(deps.Permissions))
		r.Post("/permissions/grants", handleGrantPermission(deps.Permissions, adminResource))
		r.Post("/permissions/revoke", handleRevokePermission(deps.Permissions, adminResource))
		r.Get("/users/{userId}/grants", handleListGrants(deps.Permissions, adminResource))
	})

	return r
}
