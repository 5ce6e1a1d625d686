package policy

import (
	"context"

	"go.uber.org/zap"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/services/catalog"
)

// PolicyService evaluates resolved plans against the active rule set.
type PolicyService struct {
	store  *Store
	engine *Engine
	logger *zap.Logger
}

// NewPolicyService creates a new PolicyService instance
func NewPolicyService(store *Store, engine *Engine, logger *zap.Logger) *PolicyService {
	return &PolicyService{
		store:  store,
		engine: engine,
		logger: logger,
	}
}

// Evaluate decides plan for caller under the active rule set.
func (s *PolicyService) Evaluate(ctx context.Context, plan *catalog.ResolvedPlan, caller models.CallerContext) *models.PolicyDecision {
	return s.EvaluateWith(ctx, s.store.Current(), plan, caller)
}

// EvaluateWith decides plan for caller under a specific rule-set snapshot.
func (s *PolicyService) EvaluateWith(ctx context.Context, rs *RuleSet, plan *catalog.ResolvedPlan, caller models.CallerContext) *models.PolicyDecision {
	decision := s.engine.Evaluate(plan, caller, rs)

	fields := []zap.Field{
		zap.String("decision", string(decision.Decision)),
		zap.String("reason_code", decision.ReasonCode),
		zap.String("role", caller.Role),
		zap.String("data_product", plan.Product.Key()),
		zap.String("ruleset_version", decision.RulesetVersion),
		zap.Strings("matched_rules", decision.MatchedRules),
	}
	if decision.IsDenied() {
		s.logger.Info("policy denied request", fields...)
	} else {
		s.logger.Debug("policy evaluated", fields...)
	}
	return decision
}

// Reload re-reads the rule set.
func (s *PolicyService) Reload(ctx context.Context) (*RuleSet, error) {
	return s.store.Reload(ctx)
}
