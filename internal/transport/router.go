package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/conduit/internal/config"
	"github.com/pitabwire/conduit/internal/idempotency"
	"github.com/pitabwire/conduit/internal/observability"
	"github.com/pitabwire/conduit/internal/workflow"
	"github.com/pitabwire/conduit/model"
)

// Engine is the orchestrator surface the HTTP API exposes.
type Engine interface {
	CreateWorkflow(ctx context.Context, wf model.Workflow) (model.Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, wf model.Workflow) (model.Workflow, error)
	SetWorkflowStatus(ctx context.Context, id, status string) (model.Workflow, error)
	GetWorkflow(ctx context.Context, id string) (model.Workflow, error)
	ListWorkflows(ctx context.Context) []model.Workflow
	ExecuteWorkflow(ctx context.Context, id string, opts workflow.ExecuteOptions) (string, error)
	GetWorkflowStatus(ctx context.Context, id string) (workflow.WorkflowStatus, error)
	GetExecution(ctx context.Context, id string) (model.Execution, error)
	ListExecutions(ctx context.Context, workflowID string, limit int) ([]model.Execution, error)
	CancelExecution(ctx context.Context, id string) (model.Execution, error)
	GetSystemOverview(ctx context.Context) (workflow.SystemOverview, error)
	OptimizeWorkflows(ctx context.Context) ([]workflow.Recommendation, error)
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Engine    Engine
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Readiness observability.ReadinessChecks
	// Idempotency deduplicates execute requests. Nil disables the
	// Idempotency-Key header.
	Idempotency idempotency.Store
}

// NewRouter creates a chi.Router with the middleware pipeline and every
// route registration. Health, readiness, and metrics skip request logging
// and the handler timeout.
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

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		WriteNotFound(w, fmt.Sprintf("no route for %s %s", req.Method, req.URL.Path))
	})

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if mc := deps.Config.Observability.Metrics; mc.Enabled {
		path := mc.Path
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, observability.Handler(deps.Gatherer))
	}

	r.Group(func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Use(deps.Metrics.MetricsMiddleware)

		h := &handlers{
			engine:         deps.Engine,
			logger:         logger,
			idempotency:    deps.Idempotency,
			idempotencyTTL: deps.Config.Server.IdempotencyTTL,
		}

		r.Route("/workflows", func(r chi.Router) {
			r.Post("/", h.createWorkflow)
			r.Get("/", h.listWorkflows)
			r.Get("/{workflowId}", h.getWorkflow)
			r.Put("/{workflowId}", h.updateWorkflow)
			r.Post("/{workflowId}/status", h.setWorkflowStatus)
			r.Get("/{workflowId}/status", h.workflowStatus)
			r.Post("/{workflowId}/execute", h.executeWorkflow)
		})
		r.Get("/executions", h.listExecutions)
		r.Get("/executions/{executionId}", h.getExecution)
		r.Post("/executions/{executionId}/cancel", h.cancelExecution)
		r.Get("/overview", h.overview)
		r.Get("/optimizations", h.optimizations)
	})

	return r
}
