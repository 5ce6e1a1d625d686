package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/services"
)

// DefaultLimit applies when neither the plan nor the caller sets one.
const DefaultLimit = 200

// FieldUse records why a plan touches a field.
type FieldUse string

const (
	UseMetric    FieldUse = "metric"
	UseDimension FieldUse = "dimension"
	UseFilter    FieldUse = "filter"
	UseRequested FieldUse = "requested"
	UseSort      FieldUse = "sort"
	UseTime      FieldUse = "time"
)

// FieldRef is one referenced field with every use the plan makes of it.
type FieldRef struct {
	Field   *models.Field
	Uses    []FieldUse
	Metrics []*models.MetricDefinition // metrics computed over this field
}

// Has reports whether the field is used as u.
func (r FieldRef) Has(u FieldUse) bool {
	for _, have := range r.Uses {
		if have == u {
			return true
		}
	}
	return false
}

// ResolvedFilter is a user filter bound to its catalog field.
type ResolvedFilter struct {
	Field *models.Field
	Op    string
	Value any
}

// ResolvedSort orders by a dimension, a metric output or a raw field.
type ResolvedSort struct {
	Name string // field name or metric output name
	Desc bool
}

// ResolvedPlan is a DslPlan bound to one catalog snapshot. Definitions are shared
// pointers into that snapshot.
type ResolvedPlan struct {
	Plan           *models.DslPlan // normalised deep copy
	Product        *models.DataProduct
	Metrics        []*models.MetricDefinition
	Dimensions     []*models.Field
	Fields         []*models.Field
	Filters        []ResolvedFilter
	Sort           []ResolvedSort
	TimeRange      *models.TimeRange
	CatalogVersion string
	CatalogDigest  string
	Quality        []models.DatasetQuality
}

// Options tune resolution defaults.
type Options struct {
	DefaultLimit int
}

// Detail reports whether the plan projects row-level values instead of aggregates.
func (r *ResolvedPlan) Detail() bool {
	if len(r.Fields) > 0 {
		return true
	}
	for _, m := range r.Metrics {
		if m.Aggregation.IsDetail() {
			return true
		}
	}
	return false
}

// TimeGrain is the requested time grain: the time range's grain, else the finest grouped
// time dimension. It is empty when the plan has neither.
func (r *ResolvedPlan) TimeGrain() models.TimeGrain {
	if r.TimeRange != nil && r.TimeRange.Grain != "" {
		return r.TimeRange.Grain
	}
	return finestGrain(r.Dimensions)
}

// Grouped reports whether the plan aggregates per dimension.
func (r *ResolvedPlan) Grouped() bool {
	return len(r.Dimensions) > 0 && !r.Detail()
}

// FieldRefs lists every referenced field once, ordered by name.
func (r *ResolvedPlan) FieldRefs() []FieldRef {
	refs := make(map[string]*FieldRef)
	add := func(f *models.Field, use FieldUse, m *models.MetricDefinition) {
		ref, ok := refs[f.Name]
		if !ok {
			ref = &FieldRef{Field: f}
			refs[f.Name] = ref
		}
		if !ref.Has(use) {
			ref.Uses = append(ref.Uses, use)
		}
		if m != nil {
			ref.Metrics = append(ref.Metrics, m)
		}
	}

	for _, m := range r.Metrics {
		if m.Field != "" {
			f, _ := r.Product.Field(m.Field)
			add(f, UseMetric, m)
			continue
		}
		if m.Sensitivity == models.SensitivityHigh {
			// a field-less metric that is itself sensitive is judged under its own name
			add(&models.Field{Name: m.Name, Type: models.FieldTypeInteger, Sensitivity: m.Sensitivity}, UseMetric, m)
		}
	}
	for _, f := range r.Dimensions {
		add(f, UseDimension, nil)
	}
	for _, f := range r.Fields {
		add(f, UseRequested, nil)
	}
	for _, flt := range r.Filters {
		add(flt.Field, UseFilter, nil)
	}
	for _, s := range r.Sort {
		if f, ok := r.Product.Field(s.Name); ok {
			add(f, UseSort, nil)
		}
	}
	if r.TimeRange != nil && r.Product.TimeField != "" {
		f, _ := r.Product.Field(r.Product.TimeField)
		add(f, UseTime, nil)
	}

	names := make([]string, 0, len(refs))
	for name := range refs {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]FieldRef, 0, len(names))
	for _, name := range names {
		out = append(out, *refs[name])
	}
	return out
}

// Resolve binds plan to the catalog. Under-specified plans are filled in with the most
// aggregated reading available: the product's default metric, no extra grouping, the
// coarsest time grain and ascending order by dimension.
func (c *Catalog) Resolve(plan *models.DslPlan, opts Options) (*ResolvedPlan, error) {
	if plan == nil {
		return nil, services.NewCatalogResolutionError("plan is required", nil)
	}
	p, err := plan.Clone()
	if err != nil {
		return nil, services.NewCatalogResolutionError("plan could not be copied", err)
	}

	r := &ResolvedPlan{Plan: p, CatalogVersion: c.version, CatalogDigest: c.digest}

	if err := c.resolveMetrics(r); err != nil {
		return nil, err
	}

	field := func(name, use string) (*models.Field, error) {
		f, ok := r.Product.Field(name)
		if !ok {
			return nil, services.NewCatalogResolutionError(
				fmt.Sprintf("unknown %s field %q on %s", use, name, r.Product.Name), nil).
				WithDetail("field", name)
		}
		return f, nil
	}

	seen := make(map[string]bool)
	dims := p.Dimensions[:0:0]
	for _, name := range p.Dimensions {
		if seen[name] {
			continue
		}
		seen[name] = true
		f, err := field(name, "dimension")
		if err != nil {
			return nil, err
		}
		r.Dimensions = append(r.Dimensions, f)
		dims = append(dims, name)
	}
	p.Dimensions = dims

	for _, name := range p.Fields {
		f, err := field(name, "requested")
		if err != nil {
			return nil, err
		}
		r.Fields = append(r.Fields, f)
	}

	for _, flt := range p.Filters {
		f, err := field(flt.Field, "filter")
		if err != nil {
			return nil, err
		}
		r.Filters = append(r.Filters, ResolvedFilter{Field: f, Op: strings.ToLower(strings.TrimSpace(flt.Op)), Value: flt.Value})
	}

	if p.TimeRange != nil {
		if r.Product.TimeField == "" {
			return nil, services.NewCatalogResolutionError(
				fmt.Sprintf("data product %s has no time dimension for a time range", r.Product.Name), nil)
		}
		if err := resolveGrain(r); err != nil {
			return nil, err
		}
		tr := *p.TimeRange
		r.TimeRange = &tr
	}

	if err := c.resolveSort(r); err != nil {
		return nil, err
	}

	if p.Intent == "" {
		p.Intent = models.IntentTable
	}
	if p.Limit == 0 {
		p.Limit = opts.DefaultLimit
		if p.Limit == 0 {
			p.Limit = DefaultLimit
		}
	}

	r.Quality = []models.DatasetQuality{Quality(r.Product)}
	return r, nil
}

func (c *Catalog) resolveMetrics(r *ResolvedPlan) error {
	p := r.Plan

	if p.DataProduct != "" {
		name, version := models.SplitMetricRef(p.DataProduct)
		product, err := c.product(name, version)
		if err != nil {
			return err
		}
		r.Product = product
	}

	if len(p.Metrics) == 0 {
		if r.Product == nil {
			if len(p.Fields) == 0 {
				return services.NewCatalogResolutionError("no metric requested and no data product to default from", nil)
			}
			return services.NewCatalogResolutionError("requested fields need a data product", nil)
		}
		if len(p.Fields) == 0 && r.Product.DefaultMetric != "" {
			p.Metrics = []string{r.Product.DefaultMetric}
		}
	}

	seen := make(map[string]bool)
	refs := p.Metrics[:0:0]
	for _, ref := range p.Metrics {
		name, version := models.SplitMetricRef(ref)
		m, err := c.Metric(name, version)
		if err != nil {
			return err
		}
		if seen[m.Key()] {
			continue
		}
		seen[m.Key()] = true
		owner := c.metricProduct[m.Key()]
		if r.Product == nil {
			r.Product = owner
		} else if owner != r.Product {
			return services.NewCatalogResolutionError(
				fmt.Sprintf("metric %s belongs to %s, not %s", m.Name, owner.Name, r.Product.Name), nil).
				WithDetail("metric", m.Name)
		}
		r.Metrics = append(r.Metrics, m)
		refs = append(refs, m.Key())
	}
	p.Metrics = refs

	if r.Product == nil {
		return services.NewCatalogResolutionError("no data product could be resolved", nil)
	}
	p.DataProduct = r.Product.Key()
	return nil
}

func (c *Catalog) resolveSort(r *ResolvedPlan) error {
	p := r.Plan
	if len(p.Sort) == 0 {
		for _, f := range r.Dimensions {
			p.Sort = append(p.Sort, models.SortSpec{Field: f.Name, Direction: "asc"})
		}
	}
	for i, s := range p.Sort {
		dir := strings.ToLower(s.Direction)
		if dir == "" {
			dir = "asc"
		}
		if dir != "asc" && dir != "desc" {
			return services.NewCatalogResolutionError(fmt.Sprintf("unknown sort direction %q", s.Direction), nil)
		}
		p.Sort[i].Direction = dir

		name, found := "", false
		for _, m := range r.Metrics {
			if m.Name == s.Field || m.OutputName() == s.Field {
				name, found = m.OutputName(), true
				break
			}
		}
		if !found {
			if _, ok := r.Product.Field(s.Field); !ok {
				return services.NewCatalogResolutionError(fmt.Sprintf("unknown sort field %q", s.Field), nil).
					WithDetail("field", s.Field)
			}
			name = s.Field
		}
		r.Sort = append(r.Sort, ResolvedSort{Name: name, Desc: dir == "desc"})
	}
	return nil
}

// resolveGrain checks the requested time grain against the product's time buckets. An
// unset grain follows the finest grouped time dimension. Row-level plans get the finest
// bucket, and the coarsest one is used when nothing time-based is grouped.
func resolveGrain(r *ResolvedPlan) error {
	tr := r.Plan.TimeRange
	tr.Grain = models.TimeGrain(strings.ToLower(strings.TrimSpace(string(tr.Grain))))
	if tr.Grain == "" {
		if r.Detail() {
			tr.Grain = finestGrain(r.Product.Fields)
			return nil
		}
		tr.Grain = finestGrain(r.Dimensions)
		if tr.Grain == "" {
			tr.Grain = coarsestGrain(r.Product)
		}
		return nil
	}
	if !tr.Grain.Valid() {
		return services.NewCatalogResolutionError(
			fmt.Sprintf("unknown time grain %q", tr.Grain), nil).WithDetail("grain", string(tr.Grain))
	}
	if timeBucket(r.Product, tr.Grain) == nil {
		return services.NewCatalogResolutionError(
			fmt.Sprintf("data product %s has no %s time bucket", r.Product.Name, tr.Grain), nil).
			WithDetail("grain", string(tr.Grain))
	}
	return nil
}

// timeBucket returns the product field bucketing time at exactly grain.
func timeBucket(p *models.DataProduct, grain models.TimeGrain) *models.Field {
	for _, f := range p.Fields {
		if f.TimeGrain == grain {
			return f
		}
	}
	return nil
}

func finestGrain(fields []*models.Field) models.TimeGrain {
	var best models.TimeGrain
	for _, f := range fields {
		if f.TimeGrain.Valid() && (best == "" || f.TimeGrain.FinerThan(best)) {
			best = f.TimeGrain
		}
	}
	return best
}

func coarsestGrain(p *models.DataProduct) models.TimeGrain {
	var best models.TimeGrain
	for _, f := range p.Fields {
		if f.TimeGrain.Rank() > best.Rank() {
			best = f.TimeGrain
		}
	}
	return best
}
