package models

// Sensitivity classifies how restricted a catalog field is.
type Sensitivity string

const (
	SensitivityLow  Sensitivity = "LOW"
	SensitivityHigh Sensitivity = "HIGH"
)

// Grain is the level of detail a data product stores.
type Grain string

const (
	GrainIndividual Grain = "individual" // one row per person, complaint, account
	GrainAggregate  Grain = "aggregate"  // already summarised upstream
)

// FieldType is the catalog-declared column type.
type FieldType string

const (
	FieldTypeString  FieldType = "string"
	FieldTypeInteger FieldType = "integer"
	FieldTypeNumber  FieldType = "number"
	FieldTypeDate    FieldType = "date"
	FieldTypeBoolean FieldType = "boolean"
)

// IsNumeric reports whether SUM/AVG can be applied to the type.
func (t FieldType) IsNumeric() bool {
	return t == FieldTypeInteger || t == FieldTypeNumber
}

// IsOrdered reports whether MIN/MAX can be applied to the type.
func (t FieldType) IsOrdered() bool {
	return t.IsNumeric() || t == FieldTypeDate
}

// Aggregation is how a metric summarises its field.
type Aggregation string

const (
	AggregationCount         Aggregation = "count"
	AggregationCountDistinct Aggregation = "count_distinct"
	AggregationSum           Aggregation = "sum"
	AggregationAvg           Aggregation = "avg"
	AggregationMin           Aggregation = "min"
	AggregationMax           Aggregation = "max"
	AggregationNone          Aggregation = "none" // row-level detail column
)

// IsDetail reports whether the metric projects raw rows rather than an aggregate.
func (a Aggregation) IsDetail() bool {
	return a == AggregationNone
}

// TimeGrain orders time buckets from finest to coarsest.
type TimeGrain string

const (
	TimeGrainDay     TimeGrain = "day"
	TimeGrainMonth   TimeGrain = "month"
	TimeGrainQuarter TimeGrain = "quarter"
	TimeGrainYear    TimeGrain = "year"
)

var timeGrainRank = map[TimeGrain]int{
	TimeGrainDay:     1,
	TimeGrainMonth:   2,
	TimeGrainQuarter: 3,
	TimeGrainYear:    4,
}

// Rank returns the coarseness of the grain; 0 for unknown or empty.
func (g TimeGrain) Rank() int {
	return timeGrainRank[g]
}

// Valid reports whether g is a known grain.
func (g TimeGrain) Valid() bool {
	return g.Rank() > 0
}

// FinerThan reports whether g is a strictly finer bucket than other.
func (g TimeGrain) FinerThan(other TimeGrain) bool {
	return g.Valid() && other.Valid() && g.Rank() < other.Rank()
}

// TimeFormat describes how a product's time field is stored.
type TimeFormat string

const (
	TimeFormatDate    TimeFormat = "date"    // DATE column, compared as DATE 'YYYY-MM-DD'
	TimeFormatQuarter TimeFormat = "quarter" // text label such as 2020-Q1
)

// Field is one column exposed by a data product.
type Field struct {
	Name        string      `json:"name" yaml:"name"`
	Type        FieldType   `json:"type" yaml:"type"`
	Sensitivity Sensitivity `json:"sensitivity" yaml:"sensitivity"`
	Tags        []string    `json:"tags,omitempty" yaml:"tags"`
	Unique      bool        `json:"unique,omitempty" yaml:"unique"`
	Expression  string      `json:"expression,omitempty" yaml:"expression"` // derived column SQL
	TimeGrain   TimeGrain   `json:"time_grain,omitempty" yaml:"time_grain"`
	Description string      `json:"description,omitempty" yaml:"description"`
}

// HasTag reports whether the field carries any of the given tags.
func (f *Field) HasTag(tags ...string) bool {
	for _, have := range f.Tags {
		for _, want := range tags {
			if have == want {
				return true
			}
		}
	}
	return false
}

// IsHigh reports whether the field is HIGH sensitivity.
func (f *Field) IsHigh() bool {
	return f.Sensitivity == SensitivityHigh
}

// SQL returns the expression that produces the field's value.
func (f *Field) SQL() string {
	if f.Expression != "" {
		return f.Expression
	}
	return f.Name
}

// DataProduct is a governed, versioned dataset. Immutable per version once loaded.
type DataProduct struct {
	Name          string     `json:"name" yaml:"name"`
	Version       string     `json:"version" yaml:"version"`
	Description   string     `json:"description,omitempty" yaml:"description"`
	Table         string     `json:"table" yaml:"table"`
	Grain         Grain      `json:"grain" yaml:"grain"`
	Freshness     string     `json:"freshness" yaml:"freshness"`
	TestsPassed   bool       `json:"tests_passed" yaml:"tests_passed"`
	TimeField     string     `json:"time_field,omitempty" yaml:"time_field"`
	TimeFormat    TimeFormat `json:"time_format,omitempty" yaml:"time_format"`
	DefaultMetric string     `json:"default_metric,omitempty" yaml:"default_metric"`
	Fields        []*Field   `json:"fields" yaml:"fields"`

	byName map[string]*Field
}

// Index builds the field lookup table. Called once by the catalog loader.
func (p *DataProduct) Index() {
	p.byName = make(map[string]*Field, len(p.Fields))
	for _, f := range p.Fields {
		p.byName[f.Name] = f
	}
}

// Field looks up a field by name.
func (p *DataProduct) Field(name string) (*Field, bool) {
	if p.byName == nil {
		for _, f := range p.Fields {
			if f.Name == name {
				return f, true
			}
		}
		return nil, false
	}
	f, ok := p.byName[name]
	return f, ok
}

// Key returns the arena key name@version.
func (p *DataProduct) Key() string {
	return p.Name + "@" + p.Version
}

// IsIndividual reports whether the product holds individual-level records.
func (p *DataProduct) IsIndividual() bool {
	return p.Grain == GrainIndividual
}

// MetricDefinition is a named KPI bound to a data product. Identified by (name, version).
type MetricDefinition struct {
	Name        string      `json:"name" yaml:"name"`
	Version     string      `json:"version" yaml:"version"`
	Description string      `json:"description,omitempty" yaml:"description"`
	Aggregation Aggregation `json:"aggregation" yaml:"aggregation"`
	Field       string      `json:"field,omitempty" yaml:"field"` // empty only for count
	Alias       string      `json:"alias,omitempty" yaml:"alias"`
	Unit        string      `json:"unit,omitempty" yaml:"unit"`
	Sensitivity Sensitivity `json:"sensitivity" yaml:"sensitivity"`
	DataProduct string      `json:"data_product" yaml:"data_product"`
}

// Key returns the arena key name@version.
func (m *MetricDefinition) Key() string {
	return m.Name + "@" + m.Version
}

// OutputName is the column name the metric is projected as.
func (m *MetricDefinition) OutputName() string {
	if m.Alias != "" {
		return m.Alias
	}
	return m.Name
}

// DatasetQuality is the per-dataset snapshot recorded in an evidence pack.
type DatasetQuality struct {
	Dataset     string `json:"dataset"`
	Version     string `json:"version"`
	Freshness   string `json:"freshness"`
	TestsPassed bool   `json:"tests_passed"`
}
