package transport

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/traveler/internal/config"
	"github.com/pitabwire/traveler/internal/dispatch"
	"github.com/pitabwire/traveler/internal/idempotency"
	"github.com/pitabwire/traveler/internal/observability"
	"github.com/pitabwire/traveler/internal/openapi"
	"github.com/pitabwire/traveler/internal/stage"
	"github.com/pitabwire/traveler/internal/transfer"
	"github.com/pitabwire/traveler/internal/workorder"
)

// Dependencies holds everything the HTTP layer needs.
type Dependencies struct {
	Config     *config.Config
	Logger     *zap.Logger
	Table      *stage.Table
	Executor   *transfer.Executor
	WorkOrders workorder.Store
	Dispatches dispatch.Store
	OpenAPI    *openapi.Index

	// Idempotency is optional; nil disables replay of transfer responses.
	Idempotency    idempotency.Store
	IdempotencyTTL time.Duration

	// Metrics and Gatherer are optional.
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer

	Readiness observability.ReadinessChecks
}

// NewRouter creates the chi router with the middleware pipeline and every
// route. Health, readiness, metrics and the API document skip request
// attribution and logging.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil && deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(deps.Gatherer))
	}
	r.Get("/api/openapi.yaml", handleOpenAPIDocument)

	r.Group(func(r chi.Router) {
		r.Use(BuildRequestContext)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/api/stages", handleListStages(deps.Table))
		r.Get("/api/stages/{stageId}", handleGetStage(deps.Table))
		r.Get("/api/tracks", handleListTracks(deps.Table))

		r.Get("/api/work-orders", handleListWorkOrders(deps.WorkOrders, deps.Table))
		r.Post("/api/work-orders", handleCreateWorkOrder(deps.WorkOrders, deps.Table, deps.OpenAPI, deps.Metrics))
		r.Get("/api/work-orders/{id}", handleGetWorkOrder(deps.WorkOrders))
		r.Get("/api/work-orders/{id}/readiness", handleGetReadiness(deps.WorkOrders, deps.Table, deps.Executor))
		r.Post("/api/work-orders/{id}/transfer", handleTransfer(transferDeps{
			executor:    deps.Executor,
			index:       deps.OpenAPI,
			idempotency: deps.Idempotency,
			ttl:         deps.IdempotencyTTL,
			metrics:     deps.Metrics,
			logger:      logger,
		}))
		r.Get("/api/work-orders/{id}/history", handleGetHistory(deps.WorkOrders))
		r.Get("/api/work-orders/{id}/dispatches", handleListDispatches(deps.WorkOrders, deps.Dispatches))
	})

	return r
}

func handleOpenAPIDocument(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openapi.Spec())
}
