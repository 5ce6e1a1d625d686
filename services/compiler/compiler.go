package compiler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/text/unicode/norm"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/services"
	"github.com/upb/analytics-control-plane/services/catalog"
)

// DefaultMaxLimit caps LIMIT when no other bound is configured.
const DefaultMaxLimit = 10000

// Options bound what the compiler will emit.
type Options struct {
	MaxLimit int
}

// Compiler turns a resolved plan and its policy constraints into one SELECT statement.
// Output is byte-identical for the same plan, constraints and catalog version.
type Compiler struct {
	maxLimit int
}

// NewCompiler creates a compiler.
func NewCompiler(opts Options) *Compiler {
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = DefaultMaxLimit
	}
	return &Compiler{maxLimit: opts.MaxLimit}
}

// column is one projected output.
type column struct {
	name   string
	expr   string
	metric *models.MetricDefinition
}

func (c column) selectItem() string {
	if c.expr == c.name {
		return c.name
	}
	return c.expr + " AS " + c.name
}

// query accumulates the clauses of one compilation.
type query struct {
	r        *catalog.ResolvedPlan
	cons     models.Constraints
	redacted map[string]bool

	dims    []*models.Field
	fields  []*models.Field
	metrics []*models.MetricDefinition
	renamed map[string]string // sort name -> substituted bucket
	dropped map[string]bool   // output names removed by redaction
	columns []column
	where   []string
	refs    []string
	detail  bool
}

func compileErr(format string, args ...any) error {
	return services.NewCompilationError(fmt.Sprintf(format, args...), nil)
}

// Compile renders r under cons. It never loosens a constraint: anything it cannot express
// exactly is a CompilationError.
func (c *Compiler) Compile(r *catalog.ResolvedPlan, cons models.Constraints) (*models.CompiledQuery, error) {
	if r == nil || r.Product == nil {
		return nil, compileErr("plan is not resolved")
	}
	q := &query{
		r:        r,
		cons:     cons,
		redacted: lo.SliceToMap(cons.RedactedFields, func(f string) (string, bool) { return f, true }),
		renamed:  make(map[string]string),
		dropped:  make(map[string]bool),
	}

	steps := []func() error{
		q.applyRedactions,
		q.checkShape,
		q.applyTimeGrain,
		q.applyForcedGrain,
		q.project,
		q.filter,
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}

	limit := r.Plan.Limit
	if limit <= 0 {
		return nil, compileErr("limit must be positive, got %d", limit)
	}
	if limit > c.maxLimit {
		return nil, compileErr("limit %d exceeds the maximum of %d", limit, c.maxLimit)
	}

	var sb strings.Builder
	sb.WriteString("SELECT ")
	sb.WriteString(strings.Join(lo.Map(q.columns, func(col column, _ int) string { return col.selectItem() }), ", "))
	sb.WriteString(" FROM ")
	sb.WriteString(r.Product.Table)
	if len(q.where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(q.where, " AND "))
	}
	if !q.detail && len(q.dims) > 0 {
		sb.WriteString(" GROUP BY ")
		sb.WriteString(strings.Join(lo.Map(q.dims, func(f *models.Field, _ int) string { return f.SQL() }), ", "))
	}
	if cons.MinGroupSize > 0 {
		if q.detail {
			return nil, compileErr("a minimum group size of %d cannot be enforced on row-level output", cons.MinGroupSize)
		}
		fmt.Fprintf(&sb, " HAVING COUNT(*) >= %d", cons.MinGroupSize)
	}
	order, err := q.orderBy()
	if err != nil {
		return nil, err
	}
	if order != "" {
		sb.WriteString(" ORDER BY ")
		sb.WriteString(order)
	}
	sb.WriteString(" LIMIT ")
	sb.WriteString(strconv.Itoa(limit))

	canonical := norm.NFC.Bytes([]byte(sb.String()))
	refs := lo.Uniq(q.refs)
	sort.Strings(refs)
	return &models.CompiledQuery{
		SQL:            string(canonical),
		Fields:         refs,
		Tables:         []string{r.Product.Table},
		CatalogVersion: r.CatalogVersion,
		CatalogDigest:  r.CatalogDigest,
		Canonical:      canonical,
	}, nil
}

// applyRedactions removes redacted columns from the projection entirely.
func (q *query) applyRedactions() error {
	for _, m := range q.r.Metrics {
		if q.redacted[m.Name] || (m.Field != "" && q.redacted[m.Field]) {
			q.dropped[m.OutputName()] = true
			continue
		}
		q.metrics = append(q.metrics, m)
	}
	for _, f := range q.r.Dimensions {
		if q.redacted[f.Name] {
			q.dropped[f.Name] = true
			continue
		}
		q.dims = append(q.dims, f)
	}
	for _, f := range q.r.Fields {
		if q.redacted[f.Name] {
			q.dropped[f.Name] = true
			continue
		}
		q.fields = append(q.fields, f)
	}
	if len(q.metrics) == 0 && len(q.fields) == 0 {
		return compileErr("every requested column is redacted")
	}

	for _, flt := range q.r.Filters {
		if q.redacted[flt.Field.Name] {
			return compileErr("filter on redacted field %s", flt.Field.Name)
		}
	}
	if q.r.TimeRange != nil && q.redacted[q.r.Product.TimeField] {
		return compileErr("time range on redacted field %s", q.r.Product.TimeField)
	}
	return nil
}

func (q *query) checkShape() error {
	var detail, aggregate []string
	for _, m := range q.metrics {
		if m.Aggregation.IsDetail() {
			detail = append(detail, m.Name)
		} else {
			aggregate = append(aggregate, m.Name)
		}
	}
	for _, f := range q.fields {
		detail = append(detail, f.Name)
	}
	if len(detail) > 0 && len(aggregate) > 0 {
		return compileErr("cannot mix row-level columns (%s) with aggregate metrics (%s)",
			strings.Join(detail, ", "), strings.Join(aggregate, ", "))
	}
	q.detail = len(detail) > 0
	return nil
}

// applyTimeGrain buckets grouped time dimensions finer than the requested grain at that
// grain. At least one grouped time dimension must end up at the requested grain.
func (q *query) applyTimeGrain() error {
	tr := q.r.TimeRange
	if tr == nil || tr.Grain == "" {
		return nil
	}
	grain := tr.Grain
	if !grain.Valid() {
		return compileErr("unknown time grain %q", grain)
	}

	var dims []*models.Field
	var timeDims, matched int
	for _, f := range q.dims {
		if !f.TimeGrain.Valid() {
			dims = append(dims, f)
			continue
		}
		timeDims++
		if f.TimeGrain.FinerThan(grain) {
			bucket := q.exactBucket(grain)
			if bucket == nil {
				return compileErr("%s cannot be bucketed by %s: %s has no such time bucket", f.Name, grain, q.r.Product.Name)
			}
			q.renamed[f.Name] = bucket.Name
			f = bucket
		}
		if f.TimeGrain == grain {
			matched++
		}
		dims = append(dims, f)
	}
	if timeDims > 0 && matched == 0 {
		return compileErr("time grain %s conflicts with the grouped time dimensions, which are all coarser", grain)
	}
	q.dims = lo.UniqBy(dims, func(f *models.Field) string { return f.Name })

	if q.detail && grain != finestGrain(q.r.Product) {
		return compileErr("row-level output cannot be bucketed by %s", grain)
	}
	return nil
}

func finestGrain(p *models.DataProduct) models.TimeGrain {
	var best models.TimeGrain
	for _, f := range p.Fields {
		if f.TimeGrain.Valid() && (best == "" || f.TimeGrain.FinerThan(best)) {
			best = f.TimeGrain
		}
	}
	return best
}

func (q *query) exactBucket(grain models.TimeGrain) *models.Field {
	for _, f := range q.r.Product.Fields {
		if f.TimeGrain == grain && !q.redacted[f.Name] {
			return f
		}
	}
	return nil
}

// applyForcedGrain swaps time dimensions finer than the forced grain for the product's
// bucket at that grain, or the nearest coarser one.
func (q *query) applyForcedGrain() error {
	grain := q.cons.ForcedGrain
	if grain == "" {
		return nil
	}
	if !grain.Valid() {
		return compileErr("unknown forced grain %q", grain)
	}

	var dims []*models.Field
	for _, f := range q.dims {
		if !f.TimeGrain.FinerThan(grain) {
			dims = append(dims, f)
			continue
		}
		bucket := q.bucket(grain)
		if bucket == nil {
			return compileErr("%s cannot be coarsened to %s: %s has no such time bucket", f.Name, grain, q.r.Product.Name)
		}
		q.renamed[f.Name] = bucket.Name
		dims = append(dims, bucket)
	}
	q.dims = lo.UniqBy(dims, func(f *models.Field) string { return f.Name })

	for _, f := range q.fields {
		if f.TimeGrain.FinerThan(grain) {
			return compileErr("row-level field %s is finer than the required %s grain", f.Name, grain)
		}
	}
	return nil
}

func (q *query) bucket(grain models.TimeGrain) *models.Field {
	var best *models.Field
	for _, f := range q.r.Product.Fields {
		if q.redacted[f.Name] || f.TimeGrain.Rank() < grain.Rank() {
			continue
		}
		if best == nil || f.TimeGrain.Rank() < best.TimeGrain.Rank() {
			best = f
		}
	}
	return best
}

func (q *query) project() error {
	add := func(col column) error {
		for _, have := range q.columns {
			if have.name == col.name {
				if have.expr == col.expr && col.metric == nil && have.metric == nil {
					return nil
				}
				return compileErr("output column %s is ambiguous", col.name)
			}
		}
		q.columns = append(q.columns, col)
		return nil
	}

	for _, f := range q.dims {
		q.refs = append(q.refs, f.Name)
		if err := add(column{name: f.Name, expr: f.SQL()}); err != nil {
			return err
		}
	}
	for _, f := range q.fields {
		q.refs = append(q.refs, f.Name)
		if err := add(column{name: f.Name, expr: f.SQL()}); err != nil {
			return err
		}
	}
	for _, m := range q.metrics {
		expr, err := q.metricSQL(m)
		if err != nil {
			return err
		}
		if err := add(column{name: m.OutputName(), expr: expr, metric: m}); err != nil {
			return err
		}
	}
	return nil
}

func (q *query) metricSQL(m *models.MetricDefinition) (string, error) {
	var f *models.Field
	if m.Field != "" {
		var ok bool
		if f, ok = q.r.Product.Field(m.Field); !ok {
			return "", compileErr("metric %s references unknown field %s", m.Name, m.Field)
		}
		q.refs = append(q.refs, f.Name)
	}
	needField := func() error {
		if f == nil {
			return compileErr("metric %s needs a field for %s", m.Name, m.Aggregation)
		}
		return nil
	}

	switch m.Aggregation {
	case models.AggregationCount:
		if f == nil {
			return "COUNT(*)", nil
		}
		return "COUNT(" + f.SQL() + ")", nil
	case models.AggregationCountDistinct:
		if err := needField(); err != nil {
			return "", err
		}
		return "COUNT(DISTINCT " + f.SQL() + ")", nil
	case models.AggregationSum, models.AggregationAvg:
		if err := needField(); err != nil {
			return "", err
		}
		if !f.Type.IsNumeric() {
			return "", compileErr("%s of non-numeric field %s (%s)", strings.ToUpper(string(m.Aggregation)), f.Name, f.Type)
		}
		return strings.ToUpper(string(m.Aggregation)) + "(" + f.SQL() + ")", nil
	case models.AggregationMin, models.AggregationMax:
		if err := needField(); err != nil {
			return "", err
		}
		if !f.Type.IsOrdered() {
			return "", compileErr("%s of unordered field %s (%s)", strings.ToUpper(string(m.Aggregation)), f.Name, f.Type)
		}
		return strings.ToUpper(string(m.Aggregation)) + "(" + f.SQL() + ")", nil
	case models.AggregationNone:
		if err := needField(); err != nil {
			return "", err
		}
		return f.SQL(), nil
	default:
		return "", compileErr("unsupported aggregation %q on metric %s", m.Aggregation, m.Name)
	}
}

// filter renders WHERE: time range, then user filters in plan order, then row filters by field.
func (q *query) filter() error {
	p := q.r.Product
	if tr := q.r.TimeRange; tr != nil {
		tf, ok := p.Field(p.TimeField)
		if !ok {
			return compileErr("%s has no time field", p.Name)
		}
		q.refs = append(q.refs, tf.Name)
		for _, bound := range []struct{ op, value string }{{">=", tr.Start}, {"<=", tr.End}} {
			if bound.value == "" {
				continue
			}
			lit, err := timeLiteral(p, tf, bound.value)
			if err != nil {
				return err
			}
			q.where = append(q.where, tf.SQL()+" "+bound.op+" "+lit)
		}
	}

	for _, flt := range q.r.Filters {
		pred, err := predicate(flt.Field, flt.Op, flt.Value)
		if err != nil {
			return err
		}
		q.refs = append(q.refs, flt.Field.Name)
		q.where = append(q.where, pred)
	}

	for _, name := range q.cons.RowFilterFields() {
		f, ok := p.Field(name)
		if !ok {
			return compileErr("row filter on %s cannot be applied to %s", name, p.Name)
		}
		values := append([]string{}, q.cons.RowFilters[name]...)
		if len(values) == 0 {
			return compileErr("row filter on %s admits no rows", name)
		}
		sort.Strings(values)
		values = lo.Uniq(values)
		lits := make([]string, 0, len(values))
		for _, v := range values {
			lit, err := literal(f, v)
			if err != nil {
				return err
			}
			lits = append(lits, lit)
		}
		q.refs = append(q.refs, f.Name)
		if len(lits) == 1 {
			q.where = append(q.where, f.SQL()+" = "+lits[0])
		} else {
			q.where = append(q.where, f.SQL()+" IN ("+strings.Join(lits, ", ")+")")
		}
	}
	return nil
}

func (q *query) orderBy() (string, error) {
	projected := lo.SliceToMap(q.columns, func(c column) (string, bool) { return c.name, true })
	seen := make(map[string]bool)
	var parts []string
	for _, s := range q.r.Sort {
		name := s.Name
		if to, ok := q.renamed[name]; ok {
			name = to
		}
		if q.dropped[name] && !projected[name] {
			continue
		}
		if !projected[name] {
			return "", compileErr("cannot sort by %s: it is not a projected column", s.Name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		dir := "ASC"
		if s.Desc {
			dir = "DESC"
		}
		parts = append(parts, name+" "+dir)
	}
	return strings.Join(parts, ", "), nil
}
