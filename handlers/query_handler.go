package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/internal/observability"
	"github.com/upb/analytics-control-plane/middleware"
	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/services/pipeline"
	"github.com/upb/analytics-control-plane/utils"
)

// QueryRequest is the body of POST /api/v1/queries
type QueryRequest struct {
	Plan *models.DslPlan `json:"plan" validate:"required"`
}

// QueryRunner takes one analytics request to a terminal state
type QueryRunner interface {
	Run(ctx context.Context, req pipeline.Request, opts pipeline.Options) (*pipeline.Result, error)
	DefaultOptions() pipeline.Options
}

// QueryHandler handles analytics query requests
type QueryHandler struct {
	runner QueryRunner
	logger *zap.Logger
}

// NewQueryHandler creates a new QueryHandler
func NewQueryHandler(runner QueryRunner, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{
		runner: runner,
		logger: logger,
	}
}

// HandleRun handles POST /api/v1/queries. The query executes when an analytics engine
// is configured.
func (h *QueryHandler) HandleRun(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, h.runner.DefaultOptions())
}

// HandleCompile handles POST /api/v1/queries/compile. Nothing is executed and the
// pack carries no row count.
func (h *QueryHandler) HandleCompile(w http.ResponseWriter, r *http.Request) {
	h.handle(w, r, pipeline.Options{Execute: false})
}

func (h *QueryHandler) handle(w http.ResponseWriter, r *http.Request, opts pipeline.Options) {
	ctx := r.Context()
	logger := observability.WithRequest(ctx, h.logger)

	caller, ok := middleware.GetCallerFromContext(ctx)
	if !ok {
		_ = utils.WriteUnauthorized(w, "Authentication required")
		return
	}

	var req QueryRequest
	if err := utils.DecodeJSON(r, &req); err != nil {
		HandleValidationError(w, err, logger)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		HandleValidationError(w, err, logger)
		return
	}

	result, err := h.runner.Run(ctx, pipeline.Request{
		Plan:      req.Plan,
		Caller:    caller,
		RequestID: middleware.GetRequestIDFromContext(ctx),
	}, opts)
	if err != nil {
		HandleServiceError(w, err, logger)
		return
	}

	if result.State == pipeline.StateDenied {
		if err := utils.WriteJSON(w, http.StatusForbidden, result.Denial); err != nil {
			logger.Error("failed to write denial response", zap.Error(err))
		}
		return
	}

	if err := utils.WriteOK(w, result); err != nil {
		logger.Error("failed to write query response", zap.Error(err))
	}
}
