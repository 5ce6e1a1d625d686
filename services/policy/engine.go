package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/services/catalog"
)

// Reason codes produced by the engine itself rather than by a rule.
const (
	ReasonAllow                   = "POLICY_ALLOW"
	ReasonConstraintsApplied      = "CONSTRAINTS_APPLIED"
	ReasonSensitiveDefaultDeny    = "SENSITIVE_FIELD_DEFAULT_DENY"
	ReasonUnsatisfiableMinGroup   = "UNSATISFIABLE_MIN_GROUP_SIZE"
	ReasonRowScopeUnenforceable   = "ROW_SCOPE_UNENFORCEABLE"
	ReasonFilterOnRestrictedField = "FILTER_ON_RESTRICTED_FIELD"
)

const safeDefaultRule = "safe_default_high_sensitivity"

const elevationAlternative = "Try the query without the restricted fields, or request access elevation."

// Engine interprets a rule set. It holds no per-request state and is safe for
// concurrent use.
type Engine struct {
	floor int // deployment-wide minimum group size; may only raise the rule-set floor
}

// NewEngine creates an engine. floor <= 0 leaves the rule-set floor in charge.
func NewEngine(floor int) *Engine {
	return &Engine{floor: floor}
}

type fieldVerdict int

const (
	fieldUndecided fieldVerdict = iota
	fieldAllowed
	fieldDenied
)

type contribution struct {
	ruleID      string
	reason      string
	constraints models.Constraints
}

// evaluation is the scratch state of one Evaluate call.
type evaluation struct {
	plan   *catalog.ResolvedPlan
	caller models.CallerContext
	refs   []catalog.FieldRef
	floor  int

	verdicts       map[string]fieldVerdict
	droppedMetrics map[string]bool
	redacted       map[string]bool
	constraints    models.Constraints
	contributions  []contribution
	matched        []string
}

// Evaluate returns the decision for plan and caller under rs. It is a pure function of
// its inputs: the same plan, caller, rule set and catalog always give the same decision.
func (e *Engine) Evaluate(plan *catalog.ResolvedPlan, caller models.CallerContext, rs *RuleSet) *models.PolicyDecision {
	ev := &evaluation{
		plan:           plan,
		caller:         caller,
		refs:           plan.FieldRefs(),
		floor:          max(rs.MinGroupSize(), e.floor, plan.Plan.Privacy.MinGroupSize),
		verdicts:       make(map[string]fieldVerdict),
		droppedMetrics: make(map[string]bool),
		redacted:       make(map[string]bool),
	}
	decision := ev.run(rs)
	decision.RulesetVersion = rs.Version()
	decision.CatalogVersion = plan.CatalogVersion
	decision.CatalogDigest = plan.CatalogDigest
	decision.MatchedRules = ev.matched
	return decision
}

func (ev *evaluation) run(rs *RuleSet) *models.PolicyDecision {
	for i := range rs.rules {
		rule := &rs.rules[i]
		switch rule.Scope {
		case models.RuleScopeRequest:
			if !ev.matches(rule, nil) {
				continue
			}
			ev.match(rule.ID)
			switch rule.Effect {
			case models.EffectDeny:
				return deny(rule.ReasonCode, rule.Reason, rule.Alternative)
			case models.EffectAllowWithConstraints:
				ev.contribute(rule)
			}

		case models.RuleScopeField:
			for j := range ev.refs {
				ref := &ev.refs[j]
				if ev.redacted[ref.Field.Name] {
					continue
				}
				decided := ev.verdicts[ref.Field.Name] != fieldUndecided
				if decided && rule.Effect != models.EffectAllowWithConstraints {
					continue
				}
				if !ev.matches(rule, ref) {
					continue
				}
				ev.match(rule.ID)
				switch rule.Effect {
				case models.EffectAllow:
					ev.verdicts[ref.Field.Name] = fieldAllowed
				case models.EffectDeny:
					ev.verdicts[ref.Field.Name] = fieldDenied
					if d := ev.denyField(ref, rule.ReasonCode, rule.Reason, rule.Alternative); d != nil {
						return d
					}
				case models.EffectAllowWithConstraints:
					ev.contribute(rule)
				}
			}
		}
	}

	// Safe default: HIGH fields nobody explicitly allowed are denied.
	for j := range ev.refs {
		ref := &ev.refs[j]
		if ev.redacted[ref.Field.Name] || ev.verdicts[ref.Field.Name] != fieldUndecided || !ref.Field.IsHigh() {
			continue
		}
		ev.match(safeDefaultRule)
		ev.verdicts[ref.Field.Name] = fieldDenied
		reason := fmt.Sprintf("Field %s is HIGH sensitivity and no rule allows it for role %q.", ref.Field.Name, ev.caller.Role)
		if d := ev.denyField(ref, ReasonSensitiveDefaultDeny, reason, elevationAlternative); d != nil {
			return d
		}
	}

	// Rule-declared redactions go through the same path as field denials.
	for _, name := range ev.constraints.RedactedFields {
		for j := range ev.refs {
			ref := &ev.refs[j]
			if ref.Field.Name != name || ev.redacted[name] {
				continue
			}
			if d := ev.denyField(ref, ReasonConstraintsApplied, "Field "+name+" is redacted by policy.", elevationAlternative); d != nil {
				return d
			}
		}
	}

	if d := ev.applyRowScope(); d != nil {
		return d
	}

	final := ev.prune()

	if final.MinGroupSize > 1 && ev.grouped() {
		for _, f := range ev.plan.Dimensions {
			if f.Unique && !ev.redacted[f.Name] {
				return deny(ReasonUnsatisfiableMinGroup, fmt.Sprintf(
					"Grouping by %s yields one record per group, so the minimum group size of %d can never be met.",
					f.Name, final.MinGroupSize), "Group by a coarser dimension than "+f.Name+".")
			}
		}
	}

	if final.IsEmpty() {
		return &models.PolicyDecision{
			Decision:   models.DecisionAllow,
			ReasonCode: ReasonAllow,
			Reason:     "Request complies with all policies.",
		}
	}
	return &models.PolicyDecision{
		Decision:    models.DecisionAllowWithConstraints,
		ReasonCode:  ReasonConstraintsApplied,
		Reason:      ev.reasonFor(final),
		Constraints: final,
	}
}

func deny(code, reason, alternative string) *models.PolicyDecision {
	return &models.PolicyDecision{
		Decision:    models.DecisionDeny,
		ReasonCode:  code,
		Reason:      reason,
		Alternative: alternative,
	}
}

func (ev *evaluation) match(id string) {
	if !lo.Contains(ev.matched, id) {
		ev.matched = append(ev.matched, id)
	}
}

// matches applies a rule's predicate. Missing caller data is read as the least
// privileged value: it never satisfies an allow, and it never exempts from a
// restriction.
func (ev *evaluation) matches(rule *compiledRule, ref *catalog.FieldRef) bool {
	m := rule.Match
	granting := rule.Effect == models.EffectAllow
	anonymous := ev.caller.Anonymous()

	if len(m.Roles) > 0 {
		if anonymous {
			if granting {
				return false
			}
		} else if !lo.Contains(m.Roles, ev.caller.Role) {
			return false
		}
	}
	if len(m.ExceptRoles) > 0 && !anonymous && lo.Contains(m.ExceptRoles, ev.caller.Role) {
		return false
	}

	for _, key := range sortedKeys(m.Attributes) {
		v, ok := ev.caller.Attribute(key)
		if !ok {
			if granting {
				return false
			}
			continue
		}
		if !lo.Contains(m.Attributes[key], v) {
			return false
		}
	}
	for _, key := range sortedKeys(m.ExceptAttributes) {
		if v, ok := ev.caller.Attribute(key); ok && lo.Contains(m.ExceptAttributes[key], v) {
			return false
		}
	}

	if len(m.Grain) > 0 && !lo.Contains(m.Grain, ev.plan.Product.Grain) {
		return false
	}
	if len(m.TimeGrain) > 0 && !lo.Contains(m.TimeGrain, ev.plan.TimeGrain()) {
		return false
	}
	if m.Grouped != nil && *m.Grouped != ev.grouped() {
		return false
	}
	if m.Detail != nil && *m.Detail != ev.detail() {
		return false
	}

	if len(m.Sensitivity) > 0 || len(m.Tags) > 0 {
		if ref == nil {
			return false
		}
		if len(m.Sensitivity) > 0 && !lo.Contains(m.Sensitivity, ref.Field.Sensitivity) {
			return false
		}
		if len(m.Tags) > 0 && !ref.Field.HasTag(m.Tags...) {
			return false
		}
	}

	if rule.condition != nil {
		ok, err := evalCondition(rule.condition, conditionVars(ev.plan, ev.caller, ref))
		if err != nil {
			return !granting
		}
		if !ok {
			return false
		}
	}
	return true
}

// denyField removes a field from the request. It returns a DENY decision when the
// field cannot be dropped without changing what the caller asked for, or when
// nothing requested would survive.
func (ev *evaluation) denyField(ref *catalog.FieldRef, code, reason, alternative string) *models.PolicyDecision {
	if ref.Has(catalog.UseFilter) || ref.Has(catalog.UseTime) {
		return deny(ReasonFilterOnRestrictedField, fmt.Sprintf("Filtering on %s is not permitted: %s", ref.Field.Name, reason),
			"Remove the filter on "+ref.Field.Name+", or request access elevation.")
	}
	ev.redacted[ref.Field.Name] = true
	for _, m := range ref.Metrics {
		ev.droppedMetrics[m.Key()] = true
	}
	ev.constraints = MergeConstraints(ev.constraints, models.Constraints{RedactedFields: []string{ref.Field.Name}})
	ev.contributions = append(ev.contributions, contribution{
		ruleID:      code,
		reason:      reason,
		constraints: models.Constraints{RedactedFields: []string{ref.Field.Name}},
	})

	if ev.surviving() == 0 {
		return deny(code, reason, alternative)
	}
	return nil
}

// surviving counts requested outputs that are still present.
func (ev *evaluation) surviving() int {
	n := 0
	for _, m := range ev.plan.Metrics {
		if !ev.droppedMetrics[m.Key()] {
			n++
		}
	}
	for _, f := range ev.plan.Fields {
		if !ev.redacted[f.Name] {
			n++
		}
	}
	return n
}

func (ev *evaluation) detail() bool {
	for _, m := range ev.plan.Metrics {
		if m.Aggregation.IsDetail() && !ev.droppedMetrics[m.Key()] {
			return true
		}
	}
	for _, f := range ev.plan.Fields {
		if !ev.redacted[f.Name] {
			return true
		}
	}
	return false
}

func (ev *evaluation) grouped() bool {
	if ev.detail() {
		return false
	}
	for _, f := range ev.plan.Dimensions {
		if !ev.redacted[f.Name] {
			return true
		}
	}
	return false
}

func (ev *evaluation) contribute(rule *compiledRule) {
	spec := rule.Constraints
	c := models.Constraints{
		ForcedGrain: spec.ForcedGrain,
	}
	if spec.MinGroup || spec.MinGroupSize > 0 {
		c.MinGroupSize = max(spec.MinGroupSize, ev.floor)
	}
	if len(spec.RedactFields) > 0 {
		c.RedactedFields = normaliseValues(spec.RedactFields)
	}
	if len(spec.RowFilters) > 0 {
		c.RowFilters = make(map[string][]string, len(spec.RowFilters))
		for field, values := range spec.RowFilters {
			c.RowFilters[field] = normaliseValues(values)
		}
	}
	ev.constraints = MergeConstraints(ev.constraints, c)
	ev.contributions = append(ev.contributions, contribution{ruleID: rule.ID, reason: rule.Reason, constraints: c})
}

// applyRowScope turns the caller's requested row scope and any rule row filters into
// enforceable predicates. A scope on a field the product lacks cannot be enforced.
func (ev *evaluation) applyRowScope() *models.PolicyDecision {
	if len(ev.caller.RowScope) > 0 {
		scope := models.Constraints{RowFilters: make(map[string][]string, len(ev.caller.RowScope))}
		for field, values := range ev.caller.RowScope {
			scope.RowFilters[field] = normaliseValues(values)
		}
		ev.constraints = MergeConstraints(ev.constraints, scope)
		ev.contributions = append(ev.contributions, contribution{
			ruleID:      "caller_row_scope",
			reason:      "Results are limited to the caller's row scope.",
			constraints: scope,
		})
	}
	for _, field := range ev.constraints.RowFilterFields() {
		if _, ok := ev.plan.Product.Field(field); !ok {
			return deny(ReasonRowScopeUnenforceable, fmt.Sprintf(
				"Row scope on %s cannot be enforced against %s, which has no such field.", field, ev.plan.Product.Name),
				"Query a data product that carries "+field+".")
		}
	}
	return nil
}

// prune drops constraints that cannot affect this plan so the decision reads ALLOW
// when nothing actually restricts it.
func (ev *evaluation) prune() models.Constraints {
	out := ev.constraints.Clone()
	out.RedactedFields = nil
	if len(ev.redacted) > 0 {
		out.RedactedFields = lo.Keys(ev.redacted)
		sort.Strings(out.RedactedFields)
	}
	if !ev.grouped() {
		out.MinGroupSize = 0
	}
	if out.ForcedGrain != "" {
		finer := false
		for _, f := range ev.plan.Dimensions {
			if !ev.redacted[f.Name] && f.TimeGrain.FinerThan(out.ForcedGrain) {
				finer = true
				break
			}
		}
		if !finer {
			out.ForcedGrain = ""
		}
	}
	if len(out.RowFilters) == 0 {
		out.RowFilters = nil
	}
	return out
}

func (ev *evaluation) reasonFor(final models.Constraints) string {
	var reasons []string
	for _, c := range ev.contributions {
		if !survives(c.constraints, final) {
			continue
		}
		if !lo.Contains(reasons, c.reason) {
			reasons = append(reasons, c.reason)
		}
	}
	return strings.Join(reasons, " ")
}

func survives(c, final models.Constraints) bool {
	if lo.Some(c.RedactedFields, final.RedactedFields) {
		return true
	}
	if c.MinGroupSize > 0 && final.MinGroupSize > 0 {
		return true
	}
	if len(c.RowFilters) > 0 && len(final.RowFilters) > 0 {
		return true
	}
	return c.ForcedGrain != "" && final.ForcedGrain != ""
}

func sortedKeys(m map[string][]string) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}
