package policy

import (
	"context"
	_ "embed"
	"fmt"
	"os"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/upb/analytics-control-plane/internal/runtimeconfig"
	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/services"
)

// DefaultMinGroupSize is the privacy floor when a rule set does not declare one.
const DefaultMinGroupSize = 10

//go:embed default_rules.yaml
var defaultRules []byte

type ruleSetFile struct {
	Version      string         `yaml:"version"`
	MinGroupSize int            `yaml:"min_group_size"`
	Rules        []*models.Rule `yaml:"rules"`
}

type compiledRule struct {
	*models.Rule
	condition cel.Program
}

// RuleSet is an immutable, ordered, versioned list of rules.
type RuleSet struct {
	version      string
	minGroupSize int
	rules        []compiledRule
}

// SnapshotVersion implements runtimeconfig.Versioned.
func (rs *RuleSet) SnapshotVersion() string { return rs.version }

// Version returns the rule-set document version.
func (rs *RuleSet) Version() string { return rs.version }

// MinGroupSize returns the rule-set privacy floor.
func (rs *RuleSet) MinGroupSize() int { return rs.minGroupSize }

// Rules returns the rules in evaluation order.
func (rs *RuleSet) Rules() []models.Rule {
	out := make([]models.Rule, 0, len(rs.rules))
	for _, r := range rs.rules {
		out = append(out, *r.Rule)
	}
	return out
}

func invalidRules(format string, args ...any) error {
	return services.NewDomainError(services.ErrorTypeValidation, "invalid rule set", fmt.Errorf(format, args...))
}

// ParseRuleSet decodes, validates and compiles a rule-set document.
func ParseRuleSet(data []byte) (*RuleSet, error) {
	var file ruleSetFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, invalidRules("failed to decode rule set: %w", err)
	}
	return NewRuleSet(file.Version, file.MinGroupSize, file.Rules)
}

// NewRuleSet validates rules and compiles their conditions.
func NewRuleSet(version string, minGroupSize int, rules []*models.Rule) (*RuleSet, error) {
	if version == "" {
		return nil, invalidRules("rule set version is required")
	}
	if minGroupSize < 0 {
		return nil, invalidRules("min_group_size must not be negative")
	}
	if minGroupSize == 0 {
		minGroupSize = DefaultMinGroupSize
	}

	env, err := newConditionEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create condition environment: %w", err)
	}

	rs := &RuleSet{version: version, minGroupSize: minGroupSize}
	seen := make(map[string]bool, len(rules))
	for i, r := range rules {
		if r == nil || r.ID == "" {
			return nil, invalidRules("rule %d has no id", i)
		}
		if seen[r.ID] {
			return nil, invalidRules("duplicate rule id %s", r.ID)
		}
		seen[r.ID] = true

		switch r.Scope {
		case "":
			r.Scope = models.RuleScopeRequest
		case models.RuleScopeRequest, models.RuleScopeField:
		default:
			return nil, invalidRules("rule %s has unknown scope %q", r.ID, r.Scope)
		}
		switch r.Effect {
		case models.EffectAllow, models.EffectDeny:
		case models.EffectAllowWithConstraints:
			if !hasConstraints(r.Constraints) {
				return nil, invalidRules("rule %s is allow_with_constraints but declares no constraints", r.ID)
			}
		default:
			return nil, invalidRules("rule %s has unknown effect %q", r.ID, r.Effect)
		}
		if r.Constraints.MinGroupSize < 0 {
			return nil, invalidRules("rule %s min_group_size must not be negative", r.ID)
		}
		if g := r.Constraints.ForcedGrain; g != "" && !g.Valid() {
			return nil, invalidRules("rule %s has unknown forced_grain %q", r.ID, g)
		}
		for _, g := range r.Match.TimeGrain {
			if !g.Valid() {
				return nil, invalidRules("rule %s matches unknown time_grain %q", r.ID, g)
			}
		}
		if r.Effect == models.EffectDeny && r.Reason == "" {
			return nil, invalidRules("deny rule %s needs a reason", r.ID)
		}
		if r.ReasonCode == "" {
			r.ReasonCode = r.ID
		}

		program, err := compileCondition(env, r.Match.Condition)
		if err != nil {
			return nil, invalidRules("rule %s condition: %w", r.ID, err)
		}
		rs.rules = append(rs.rules, compiledRule{Rule: r, condition: program})
	}
	return rs, nil
}

func hasConstraints(c models.ConstraintSpec) bool {
	return len(c.RedactFields) > 0 || c.MinGroup || c.MinGroupSize > 0 || len(c.RowFilters) > 0 || c.ForcedGrain != ""
}

// DefaultRuleSet parses the embedded rules.
func DefaultRuleSet() (*RuleSet, error) {
	return ParseRuleSet(defaultRules)
}

// LoadRuleSetFile parses the rules at path, or the embedded rules when path is empty.
func LoadRuleSetFile(path string) (*RuleSet, error) {
	if path == "" {
		return DefaultRuleSet()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule set %s: %w", path, err)
	}
	return ParseRuleSet(data)
}

// Store publishes the active rule set.
type Store struct {
	holder *runtimeconfig.Holder[*RuleSet]
	logger *zap.Logger
}

// NewStore loads rules from path and publishes them.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	rs, err := LoadRuleSetFile(path)
	if err != nil {
		return nil, err
	}
	logger.Info("rule set loaded",
		zap.String("version", rs.Version()),
		zap.Int("rules", len(rs.rules)),
		zap.Int("min_group_size", rs.MinGroupSize()),
	)
	return &Store{
		holder: runtimeconfig.NewHolder(rs, func(ctx context.Context) (*RuleSet, error) {
			return LoadRuleSetFile(path)
		}),
		logger: logger,
	}, nil
}

// NewStaticStore publishes rs without a backing file.
func NewStaticStore(rs *RuleSet, logger *zap.Logger) *Store {
	return &Store{
		holder: runtimeconfig.NewHolder(rs, func(ctx context.Context) (*RuleSet, error) {
			return rs, nil
		}),
		logger: logger,
	}
}

// Current returns the active rule set.
func (s *Store) Current() *RuleSet {
	return s.holder.Current()
}

// Reload re-reads the rules and swaps them in atomically.
func (s *Store) Reload(ctx context.Context) (*RuleSet, error) {
	snap, err := s.holder.Reload(ctx)
	if err != nil {
		s.logger.Error("rule set reload failed", zap.Error(err))
		return nil, err
	}
	s.logger.Info("rule set reloaded",
		zap.String("version", snap.Version()),
		zap.Uint64("generation", snap.Generation),
	)
	return snap.Value, nil
}

// Fetch re-reads the rules without publishing them.
func (s *Store) Fetch(ctx context.Context) (*RuleSet, error) {
	return s.holder.Fetch(ctx)
}

// Publish swaps in an already parsed rule set.
func (s *Store) Publish(rs *RuleSet) {
	snap := s.holder.Store(rs)
	s.logger.Info("rule set published",
		zap.String("version", snap.Version()),
		zap.Uint64("generation", snap.Generation),
	)
}
