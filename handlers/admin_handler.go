package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/internal/observability"
	"github.com/upb/analytics-control-plane/services/audit"
	"github.com/upb/analytics-control-plane/services/compiler"
	"github.com/upb/analytics-control-plane/services/governance"
	"github.com/upb/analytics-control-plane/utils"
)

// GovernanceReloader swaps in a fresh catalog and rule set
type GovernanceReloader interface {
	Reload(ctx context.Context) (*governance.ReloadResult, error)
	Versions() governance.ReloadResult
}

// StatsSources are the counters reported by GET /api/v1/stats. Any may be nil.
type StatsSources struct {
	Pipeline func() observability.OutcomeStats
	Cache    func() compiler.CacheStats
	Recorder func() audit.Stats
}

// StatsResponse is the body of GET /api/v1/stats
type StatsResponse struct {
	Governance governance.ReloadResult     `json:"governance"`
	Pipeline   *observability.OutcomeStats `json:"pipeline,omitempty"`
	Cache      *compiler.CacheStats        `json:"query_cache,omitempty"`
	Recorder   *audit.Stats                `json:"recorder,omitempty"`
}

// AdminHandler handles operator endpoints
type AdminHandler struct {
	reloader GovernanceReloader
	stats    StatsSources
	logger   *zap.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(reloader GovernanceReloader, stats StatsSources, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		reloader: reloader,
		stats:    stats,
		logger:   logger,
	}
}

// HandleReload handles POST /api/v1/admin/reload
func (h *AdminHandler) HandleReload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := observability.WithRequest(ctx, h.logger)

	result, err := h.reloader.Reload(ctx)
	if err != nil {
		HandleServiceError(w, err, logger)
		return
	}
	_ = utils.WriteOK(w, result)
}

// HandleStats handles GET /api/v1/stats
func (h *AdminHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Governance: h.reloader.Versions()}
	if h.stats.Pipeline != nil {
		s := h.stats.Pipeline()
		resp.Pipeline = &s
	}
	if h.stats.Cache != nil {
		s := h.stats.Cache()
		resp.Cache = &s
	}
	if h.stats.Recorder != nil {
		s := h.stats.Recorder()
		resp.Recorder = &s
	}
	_ = utils.WriteOK(w, resp)
}
