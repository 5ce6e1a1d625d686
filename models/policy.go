package models

import (
	"sort"
)

// Decision is the outcome of policy evaluation.
type Decision string

const (
	DecisionAllow                Decision = "ALLOW"
	DecisionDeny                 Decision = "DENY"
	DecisionAllowWithConstraints Decision = "ALLOW_WITH_CONSTRAINTS"
)

// RuleScope says what a rule is matched against.
type RuleScope string

const (
	RuleScopeRequest RuleScope = "request" // matched once per request
	RuleScopeField   RuleScope = "field"   // matched once per referenced field
)

// Effect is the tagged result of a matching rule.
type Effect string

const (
	EffectAllow                Effect = "allow"
	EffectDeny                 Effect = "deny"
	EffectAllowWithConstraints Effect = "allow_with_constraints"
)

// RuleMatch is the predicate half of a rule. Empty lists match anything.
type RuleMatch struct {
	Roles            []string            `json:"roles,omitempty" yaml:"roles"`
	ExceptRoles      []string            `json:"except_roles,omitempty" yaml:"except_roles"`
	Attributes       map[string][]string `json:"attributes,omitempty" yaml:"attributes"`
	ExceptAttributes map[string][]string `json:"except_attributes,omitempty" yaml:"except_attributes"`
	Sensitivity      []Sensitivity       `json:"sensitivity,omitempty" yaml:"sensitivity"`
	Tags             []string            `json:"tags,omitempty" yaml:"tags"`
	Grain            []Grain             `json:"grain,omitempty" yaml:"grain"`
	TimeGrain        []TimeGrain         `json:"time_grain,omitempty" yaml:"time_grain"` // requested grain
	Grouped          *bool               `json:"grouped,omitempty" yaml:"grouped"`
	Detail           *bool               `json:"detail,omitempty" yaml:"detail"`
	Condition        string              `json:"condition,omitempty" yaml:"condition"` // CEL
}

// ConstraintSpec is what an allow_with_constraints rule contributes.
// MinGroup or a positive MinGroupSize imposes a floor; the floor is never below the rule-set's.
type ConstraintSpec struct {
	RedactFields []string            `json:"redact_fields,omitempty" yaml:"redact_fields"`
	MinGroup     bool                `json:"min_group,omitempty" yaml:"min_group"`
	MinGroupSize int                 `json:"min_group_size,omitempty" yaml:"min_group_size"`
	RowFilters   map[string][]string `json:"row_filters,omitempty" yaml:"row_filters"`
	ForcedGrain  TimeGrain           `json:"forced_grain,omitempty" yaml:"forced_grain"`
}

// Rule is one declarative predicate -> effect mapping.
type Rule struct {
	ID          string         `json:"id" yaml:"id"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Scope       RuleScope      `json:"scope" yaml:"scope"`
	Effect      Effect         `json:"effect" yaml:"effect"`
	ReasonCode  string         `json:"reason_code" yaml:"reason_code"`
	Reason      string         `json:"reason" yaml:"reason"`
	Alternative string         `json:"alternative,omitempty" yaml:"alternative"` // hint returned with a denial
	Match       RuleMatch      `json:"match" yaml:"match"`
	Constraints ConstraintSpec `json:"constraints,omitempty" yaml:"constraints"`
}

// Constraints are the merged restrictions attached to an ALLOW_WITH_CONSTRAINTS decision.
// A row filter key with an empty value list admits no rows.
type Constraints struct {
	RedactedFields []string            `json:"redacted_fields,omitempty"`
	MinGroupSize   int                 `json:"min_group_size,omitempty"`
	RowFilters     map[string][]string `json:"row_filters,omitempty"`
	ForcedGrain    TimeGrain           `json:"forced_grain,omitempty"`
}

// IsEmpty reports whether no restriction is present.
func (c Constraints) IsEmpty() bool {
	return len(c.RedactedFields) == 0 && c.MinGroupSize == 0 && len(c.RowFilters) == 0 && c.ForcedGrain == ""
}

// Redacts reports whether field has been redacted.
func (c Constraints) Redacts(field string) bool {
	i := sort.SearchStrings(c.RedactedFields, field)
	return i < len(c.RedactedFields) && c.RedactedFields[i] == field
}

// RowFilterFields returns the row filter keys in sorted order.
func (c Constraints) RowFilterFields() []string {
	keys := make([]string, 0, len(c.RowFilters))
	for k := range c.RowFilters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a deep copy.
func (c Constraints) Clone() Constraints {
	out := Constraints{
		MinGroupSize: c.MinGroupSize,
		ForcedGrain:  c.ForcedGrain,
	}
	if c.RedactedFields != nil {
		out.RedactedFields = append([]string{}, c.RedactedFields...)
	}
	if c.RowFilters != nil {
		out.RowFilters = make(map[string][]string, len(c.RowFilters))
		for k, v := range c.RowFilters {
			out.RowFilters[k] = append([]string{}, v...)
		}
	}
	return out
}

// PolicyDecision is the engine's verdict for one request.
type PolicyDecision struct {
	Decision       Decision    `json:"decision"`
	ReasonCode     string      `json:"reason_code"`
	Reason         string      `json:"reason"`
	Alternative    string      `json:"alternative,omitempty"`
	Constraints    Constraints `json:"constraints"`
	MatchedRules   []string    `json:"matched_rules,omitempty"`
	RulesetVersion string      `json:"ruleset_version,omitempty"`
	CatalogVersion string      `json:"catalog_version,omitempty"`
	CatalogDigest  string      `json:"catalog_digest,omitempty"`
}

// IsDenied reports whether the decision is DENY.
func (d *PolicyDecision) IsDenied() bool {
	return d.Decision == DecisionDeny
}

// Clone returns a deep copy.
func (d *PolicyDecision) Clone() *PolicyDecision {
	out := *d
	out.Constraints = d.Constraints.Clone()
	if d.MatchedRules != nil {
		out.MatchedRules = append([]string{}, d.MatchedRules...)
	}
	return &out
}
