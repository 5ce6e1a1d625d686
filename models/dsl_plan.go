package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Intent is the requested output shape.
type Intent string

const (
	IntentChart  Intent = "chart"
	IntentTable  Intent = "table"
	IntentExport Intent = "export"
)

// Filter is a single user predicate. Value is a string, number, bool or a list of those.
type Filter struct {
	Field string `json:"field" validate:"required"`
	Op    string `json:"op" validate:"required"`
	Value any    `json:"value"`
}

// TimeRange bounds the product's time field. Dates are YYYY-MM-DD, both ends inclusive.
type TimeRange struct {
	Start string    `json:"start,omitempty"`
	End   string    `json:"end,omitempty"`
	Grain TimeGrain `json:"grain,omitempty"`
}

// SortSpec orders the output by a projected column.
type SortSpec struct {
	Field     string `json:"field" validate:"required"`
	Direction string `json:"direction,omitempty" validate:"omitempty,oneof=asc desc ASC DESC"`
}

// Privacy carries caller-requested privacy settings. They may only tighten policy.
type Privacy struct {
	MinGroupSize int `json:"min_group_size,omitempty" validate:"gte=0"`
}

// DslPlan is the structured analytics request produced by an external parser.
// It is untrusted until resolved against the catalog.
type DslPlan struct {
	Metrics     []string   `json:"metrics"`
	DataProduct string     `json:"data_product,omitempty"`
	Dimensions  []string   `json:"dimensions,omitempty"`
	Filters     []Filter   `json:"filters,omitempty" validate:"dive"`
	TimeRange   *TimeRange `json:"time_range,omitempty"`
	Fields      []string   `json:"fields,omitempty"`
	Intent      Intent     `json:"intent,omitempty" validate:"omitempty,oneof=chart table export"`
	Sort        []SortSpec `json:"sort,omitempty" validate:"dive"`
	Limit       int        `json:"limit,omitempty" validate:"gte=0"`
	Privacy     Privacy    `json:"privacy,omitempty"`
}

// Clone returns a deep copy. Filter values are copied through JSON so nested lists are not shared.
// Numbers come back as json.Number and keep every digit.
func (p *DslPlan) Clone() (*DslPlan, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to copy plan: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out DslPlan
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to copy plan: %w", err)
	}
	return &out, nil
}

// Grouped reports whether the plan requests grouping.
func (p *DslPlan) Grouped() bool {
	return len(p.Dimensions) > 0
}

// SplitMetricRef splits "name@version" into its parts. A bare name has an empty version.
func SplitMetricRef(ref string) (name, version string) {
	if i := strings.LastIndex(ref, "@"); i >= 0 {
		return ref[:i], ref[i+1:]
	}
	return ref, ""
}
