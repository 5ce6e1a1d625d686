package handlers

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/utils"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthHandler handles health-related HTTP requests
type HealthHandler struct {
	db       *sql.DB
	recorder func() bool
	logger   *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. db is the evidence database and is nil
// for the in-memory store; recorderRunning reports whether the evidence recorder accepts
// records and may be nil.
func NewHealthHandler(db *sql.DB, recorderRunning func() bool, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		db:       db,
		recorder: recorderRunning,
		logger:   logger,
	}
}

// HandleHealth handles GET /healthz. It answers 200 while the process is up.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleReadiness handles GET /readyz. Requests are only accepted when evidence can be
// persisted.
func (h *HealthHandler) HandleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	if h.db != nil {
		if err := h.checkDatabase(ctx); err != nil {
			h.logger.Warn("evidence database health check failed", zap.Error(err))
			checks["evidence_store"] = "unhealthy"
			allHealthy = false
		} else {
			checks["evidence_store"] = "healthy"
		}
	}

	if h.recorder != nil {
		if h.recorder() {
			checks["evidence_recorder"] = "healthy"
		} else {
			checks["evidence_recorder"] = "stopped"
			allHealthy = false
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !allHealthy {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	if err := utils.WriteJSON(w, httpStatus, HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	}); err != nil {
		h.logger.Error("failed to write readiness response", zap.Error(err))
	}
}

func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	if err := h.db.PingContext(ctx); err != nil {
		return err
	}
	var result int
	return h.db.QueryRowContext(ctx, "SELECT 1").Scan(&result)
}
