package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/edict-hq/edict/internal/config"
	"github.com/edict-hq/edict/internal/observability"
	"github.com/edict-hq/edict/internal/run"
	"github.com/edict-hq/edict/internal/stream"
	"github.com/edict-hq/edict/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Machine      *run.Machine
	Streamer     *stream.Streamer
	Idempotency  run.IdempotencyStore
	Readiness    observability.ReadinessChecks
	Authenticate func(http.Handler) http.Handler
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

	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	metricsPath := deps.Config.Observability.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	r.Method(http.MethodGet, metricsPath, observability.Handler())

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	var idem run.IdempotencyStore
	if deps.Config.Idempotency.Enabled {
		idem = deps.Idempotency
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext)
		r.Use(observability.TracingMiddleware)
		r.Use(RequestLogging(logger))
		r.Use(deps.Metrics.MetricsMiddleware)

		// The event stream stays open past the handler timeout.
		r.Get("/runs/{runID}/events", handleRunEvents(deps.Machine, deps.Streamer))

		r.Group(func(r chi.Router) {
			r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

			r.Post("/runs", handleRunStart(deps.Machine, idem, deps.Config.Idempotency.Store.DefaultTTL, logger, deps.Metrics))
			r.Get("/runs", handleRunList(deps.Machine))
			r.Get("/runs/{runID}", handleRunGet(deps.Machine))
			r.Post("/runs/{runID}/cancel", handleRunCancel(deps.Machine))

			// Resolving approvals is an operator action.
			r.With(RequireRole(model.RoleOperator)).
				Post("/runs/{runID}/approvals/{approvalID}", handleApprovalResolve(deps.Machine))
		})
	})

	return r
}
