package catalog

import (
	"strings"

	"github.com/upb/analytics-control-plane/models"
)

// SearchResult is one catalog hit.
type SearchResult struct {
	Kind        string             `json:"kind"` // metric | data_product
	Name        string             `json:"name"`
	Version     string             `json:"version"`
	Description string             `json:"description,omitempty"`
	DataProduct string             `json:"data_product,omitempty"`
	Aggregation models.Aggregation `json:"aggregation,omitempty"`
	Sensitivity models.Sensitivity `json:"sensitivity,omitempty"`
	Unit        string             `json:"unit,omitempty"`
}

// Search does a keyword match over product and metric names, descriptions and fields.
// An empty query lists everything. Products come first, each group ordered by key.
func (c *Catalog) Search(query string) []SearchResult {
	tokens := strings.Fields(strings.ToLower(query))
	hit := func(text string) bool {
		if len(tokens) == 0 {
			return true
		}
		text = strings.ToLower(text)
		for _, t := range tokens {
			if strings.Contains(text, t) {
				return true
			}
		}
		return false
	}

	var out []SearchResult
	for _, p := range c.Products() {
		parts := []string{p.Name, p.Description}
		for _, f := range p.Fields {
			parts = append(parts, f.Name)
		}
		if hit(strings.Join(parts, " ")) {
			out = append(out, SearchResult{
				Kind:        "data_product",
				Name:        p.Name,
				Version:     p.Version,
				Description: p.Description,
			})
		}
	}
	for _, m := range c.Metrics() {
		if hit(strings.Join([]string{m.Name, m.Description, m.DataProduct}, " ")) {
			out = append(out, SearchResult{
				Kind:        "metric",
				Name:        m.Name,
				Version:     m.Version,
				Description: m.Description,
				DataProduct: m.DataProduct,
				Aggregation: m.Aggregation,
				Sensitivity: m.Sensitivity,
				Unit:        m.Unit,
			})
		}
	}
	return out
}
