package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/services/catalog"
	"github.com/upb/analytics-control-plane/utils"
)

// CatalogSource publishes the active catalog snapshot
type CatalogSource interface {
	Current() *catalog.Catalog
}

// CatalogSearchResponse is the body of GET /api/v1/catalog/metrics
type CatalogSearchResponse struct {
	CatalogVersion string                 `json:"catalog_version"`
	Query          string                 `json:"query"`
	Results        []catalog.SearchResult `json:"results"`
}

// CatalogHandler serves catalog discovery
type CatalogHandler struct {
	catalogs CatalogSource
	logger   *zap.Logger
}

// NewCatalogHandler creates a new CatalogHandler
func NewCatalogHandler(catalogs CatalogSource, logger *zap.Logger) *CatalogHandler {
	return &CatalogHandler{catalogs: catalogs, logger: logger}
}

// HandleSearch handles GET /api/v1/catalog/metrics?q=
func (h *CatalogHandler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	c := h.catalogs.Current()
	q := r.URL.Query().Get("q")

	results := c.Search(q)
	if results == nil {
		results = []catalog.SearchResult{}
	}
	_ = utils.WriteOK(w, CatalogSearchResponse{
		CatalogVersion: c.Version(),
		Query:          q,
		Results:        results,
	})
}
