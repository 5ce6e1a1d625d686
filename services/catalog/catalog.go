package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/services"
)

// identifierPattern is the only shape of name that reaches generated SQL unquoted.
var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Derived-column expressions are spliced into SELECT lists verbatim, so they must stay a
// single expression.
var expressionTerminators = []string{";", "--", "/*", "*/"}

func validateExpression(expr string) error {
	for _, tok := range expressionTerminators {
		if strings.Contains(expr, tok) {
			return fmt.Errorf("contains %q", tok)
		}
	}
	return nil
}

// catalogFile is the on-disk YAML layout.
type catalogFile struct {
	Version      string                     `yaml:"version"`
	DataProducts []*models.DataProduct      `yaml:"data_products"`
	Metrics      []*models.MetricDefinition `yaml:"metrics"`
}

// Catalog is an immutable arena of definitions indexed by name@version.
// Lookups hand out the shared pointers; callers must not modify them.
type Catalog struct {
	version string
	digest  string // SHA-256 of the source document

	products map[string]*models.DataProduct
	metrics  map[string]*models.MetricDefinition

	latestProducts map[string]*models.DataProduct
	latestMetrics  map[string]*models.MetricDefinition

	metricProduct map[string]*models.DataProduct // metric key -> owning product
}

// Entry is the result of a generic Lookup: exactly one field is set.
type Entry struct {
	Metric  *models.MetricDefinition
	Product *models.DataProduct
}

// Parse decodes and validates a catalog document.
func Parse(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, services.NewDomainError(services.ErrorTypeValidation, "invalid catalog", fmt.Errorf("failed to decode catalog: %w", err))
	}
	c, err := build(file)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	c.digest = hex.EncodeToString(sum[:])
	return c, nil
}

func invalid(format string, args ...any) error {
	return services.NewDomainError(services.ErrorTypeValidation, "invalid catalog", fmt.Errorf(format, args...))
}

func build(file catalogFile) (*Catalog, error) {
	if file.Version == "" {
		return nil, invalid("catalog version is required")
	}

	c := &Catalog{
		version:        file.Version,
		products:       make(map[string]*models.DataProduct),
		metrics:        make(map[string]*models.MetricDefinition),
		latestProducts: make(map[string]*models.DataProduct),
		latestMetrics:  make(map[string]*models.MetricDefinition),
		metricProduct:  make(map[string]*models.DataProduct),
	}

	for _, p := range file.DataProducts {
		if err := validateProduct(p); err != nil {
			return nil, err
		}
		if _, dup := c.products[p.Key()]; dup {
			return nil, invalid("duplicate data product %s", p.Key())
		}
		p.Index()
		c.products[p.Key()] = p
		if cur, ok := c.latestProducts[p.Name]; !ok || newer(p.Version, cur.Version) {
			c.latestProducts[p.Name] = p
		}
	}

	for _, m := range file.Metrics {
		if err := validateMetricShape(m); err != nil {
			return nil, err
		}
		if _, dup := c.metrics[m.Key()]; dup {
			return nil, invalid("duplicate metric %s", m.Key())
		}
		name, version := models.SplitMetricRef(m.DataProduct)
		product, err := c.product(name, version)
		if err != nil {
			return nil, invalid("metric %s references unknown data product %q", m.Key(), m.DataProduct)
		}
		if err := bindMetric(m, product); err != nil {
			return nil, err
		}
		c.metrics[m.Key()] = m
		c.metricProduct[m.Key()] = product
		if cur, ok := c.latestMetrics[m.Name]; !ok || newer(m.Version, cur.Version) {
			c.latestMetrics[m.Name] = m
		}
	}

	for _, p := range c.products {
		if p.DefaultMetric == "" {
			continue
		}
		m, ok := c.latestMetrics[p.DefaultMetric]
		if !ok || c.metricProduct[m.Key()].Name != p.Name {
			return nil, invalid("data product %s default metric %q is not one of its metrics", p.Key(), p.DefaultMetric)
		}
	}

	return c, nil
}

func newer(a, b string) bool {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	if errA != nil || errB != nil {
		return a > b
	}
	return va.GreaterThan(vb)
}

func validateProduct(p *models.DataProduct) error {
	if !identifierPattern.MatchString(p.Name) {
		return invalid("data product name %q is not a valid identifier", p.Name)
	}
	if _, err := semver.NewVersion(p.Version); err != nil {
		return invalid("data product %s has invalid version %q: %v", p.Name, p.Version, err)
	}
	if p.Table == "" {
		p.Table = p.Name
	}
	if !identifierPattern.MatchString(p.Table) {
		return invalid("data product %s table %q is not a valid identifier", p.Name, p.Table)
	}
	switch p.Grain {
	case models.GrainIndividual, models.GrainAggregate:
	default:
		return invalid("data product %s has unknown grain %q", p.Name, p.Grain)
	}
	if len(p.Fields) == 0 {
		return invalid("data product %s exposes no fields", p.Name)
	}

	seen := make(map[string]bool, len(p.Fields))
	for _, f := range p.Fields {
		if !identifierPattern.MatchString(f.Name) {
			return invalid("field %q on %s is not a valid identifier", f.Name, p.Name)
		}
		if seen[f.Name] {
			return invalid("duplicate field %s on %s", f.Name, p.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case models.FieldTypeString, models.FieldTypeInteger, models.FieldTypeNumber, models.FieldTypeDate, models.FieldTypeBoolean:
		default:
			return invalid("field %s.%s has unknown type %q", p.Name, f.Name, f.Type)
		}
		if f.Sensitivity == "" {
			f.Sensitivity = models.SensitivityLow
		}
		if f.Sensitivity != models.SensitivityLow && f.Sensitivity != models.SensitivityHigh {
			return invalid("field %s.%s has unknown sensitivity %q", p.Name, f.Name, f.Sensitivity)
		}
		if err := validateExpression(f.Expression); err != nil {
			return invalid("field %s.%s has an unsafe expression: %v", p.Name, f.Name, err)
		}
		if f.TimeGrain != "" && !f.TimeGrain.Valid() {
			return invalid("field %s.%s has unknown time grain %q", p.Name, f.Name, f.TimeGrain)
		}
		sort.Strings(f.Tags)
	}

	if p.TimeField != "" {
		if !seen[p.TimeField] {
			return invalid("data product %s time field %q is not a declared field", p.Name, p.TimeField)
		}
		if p.TimeFormat == "" {
			p.TimeFormat = models.TimeFormatDate
		}
		if p.TimeFormat != models.TimeFormatDate && p.TimeFormat != models.TimeFormatQuarter {
			return invalid("data product %s has unknown time format %q", p.Name, p.TimeFormat)
		}
	}
	return nil
}

func validateMetricShape(m *models.MetricDefinition) error {
	if !identifierPattern.MatchString(m.Name) {
		return invalid("metric name %q is not a valid identifier", m.Name)
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return invalid("metric %s has invalid version %q: %v", m.Name, m.Version, err)
	}
	if m.Alias != "" && !identifierPattern.MatchString(m.Alias) {
		return invalid("metric %s alias %q is not a valid identifier", m.Name, m.Alias)
	}
	switch m.Aggregation {
	case models.AggregationCount, models.AggregationCountDistinct, models.AggregationSum,
		models.AggregationAvg, models.AggregationMin, models.AggregationMax, models.AggregationNone:
	default:
		return invalid("metric %s has unknown aggregation %q", m.Name, m.Aggregation)
	}
	if m.Field == "" && m.Aggregation != models.AggregationCount {
		return invalid("metric %s aggregation %s requires a field", m.Name, m.Aggregation)
	}
	return nil
}

// bindMetric checks the metric's field against its product and inherits the field's
// sensitivity when the metric declares none.
func bindMetric(m *models.MetricDefinition, p *models.DataProduct) error {
	m.DataProduct = p.Name
	if m.Field == "" {
		if m.Sensitivity == "" {
			m.Sensitivity = models.SensitivityLow
		}
		return nil
	}
	f, ok := p.Field(m.Field)
	if !ok {
		return invalid("metric %s field %q is not declared on %s", m.Key(), m.Field, p.Key())
	}
	if m.Sensitivity == "" {
		m.Sensitivity = f.Sensitivity
	}
	if m.Sensitivity != models.SensitivityLow && m.Sensitivity != models.SensitivityHigh {
		return invalid("metric %s has unknown sensitivity %q", m.Key(), m.Sensitivity)
	}
	return nil
}

// SnapshotVersion implements runtimeconfig.Versioned.
func (c *Catalog) SnapshotVersion() string { return c.version }

// Version returns the catalog document version.
func (c *Catalog) Version() string { return c.version }

// Digest identifies the catalog content. Two catalogs that share a version string but
// differ in content have different digests.
func (c *Catalog) Digest() string { return c.digest }

// Metric looks up a metric. An empty version selects the highest semver.
func (c *Catalog) Metric(name, version string) (*models.MetricDefinition, error) {
	var (
		m  *models.MetricDefinition
		ok bool
	)
	if version == "" {
		m, ok = c.latestMetrics[name]
	} else {
		m, ok = c.metrics[name+"@"+version]
	}
	if !ok {
		ref := name
		if version != "" {
			ref = name + "@" + version
		}
		return nil, services.NewCatalogResolutionError(fmt.Sprintf("unknown metric %q", ref), nil).
			WithDetail("metric", ref)
	}
	return m, nil
}

// Product looks up a data product. An empty version selects the highest semver.
func (c *Catalog) Product(name, version string) (*models.DataProduct, error) {
	return c.product(name, version)
}

func (c *Catalog) product(name, version string) (*models.DataProduct, error) {
	var (
		p  *models.DataProduct
		ok bool
	)
	if version == "" {
		p, ok = c.latestProducts[name]
	} else {
		p, ok = c.products[name+"@"+version]
	}
	if !ok {
		return nil, services.NewCatalogResolutionError(fmt.Sprintf("unknown data product %q", name), nil).
			WithDetail("data_product", name)
	}
	return p, nil
}

// ProductOf returns the product a metric is bound to.
func (c *Catalog) ProductOf(m *models.MetricDefinition) *models.DataProduct {
	return c.metricProduct[m.Key()]
}

// Lookup resolves a name to a metric or a data product. Metrics win when a name is both.
func (c *Catalog) Lookup(name, version string) (Entry, error) {
	if m, err := c.Metric(name, version); err == nil {
		return Entry{Metric: m}, nil
	}
	if p, err := c.product(name, version); err == nil {
		return Entry{Product: p}, nil
	}
	return Entry{}, services.NewCatalogResolutionError(fmt.Sprintf("unknown metric %q", name), nil).
		WithDetail("metric", name)
}

// Metrics returns every metric definition ordered by key.
func (c *Catalog) Metrics() []*models.MetricDefinition {
	out := make([]*models.MetricDefinition, 0, len(c.metrics))
	for _, m := range c.metrics {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Products returns every data product ordered by key.
func (c *Catalog) Products() []*models.DataProduct {
	out := make([]*models.DataProduct, 0, len(c.products))
	for _, p := range c.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Quality snapshots a product's quality metadata by value.
func Quality(p *models.DataProduct) models.DatasetQuality {
	return models.DatasetQuality{
		Dataset:     p.Name,
		Version:     p.Version,
		Freshness:   p.Freshness,
		TestsPassed: p.TestsPassed,
	}
}
