package policy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/upb/analytics-control-plane/models"
	"github.com/upb/analytics-control-plane/services/catalog"
)

var errConditionType = errors.New("condition must evaluate to bool")

func newConditionEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("caller", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("plan", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("product", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("field", cel.MapType(cel.StringType, cel.DynType)),
	)
}

// compileCondition type-checks expr once at rule-set load time.
func compileCondition(env *cel.Env, expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, errConditionType
	}
	return env.Program(ast)
}

func evalCondition(program cel.Program, vars map[string]any) (bool, error) {
	out, _, err := program.Eval(vars)
	if err != nil {
		return false, err
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("%w: got %T", errConditionType, out.Value())
	}
	return v, nil
}

// conditionVars builds the activation. Absent attributes stay absent so a condition
// that reads them fails rather than seeing an empty string.
func conditionVars(r *catalog.ResolvedPlan, caller models.CallerContext, ref *catalog.FieldRef) map[string]any {
	attrs := make(map[string]string, len(caller.Attributes))
	for k, v := range caller.Attributes {
		if v != "" {
			attrs[k] = v
		}
	}
	metrics := make([]string, 0, len(r.Metrics))
	for _, m := range r.Metrics {
		metrics = append(metrics, m.Name)
	}

	vars := map[string]any{
		"caller": map[string]any{
			"role":       caller.Role,
			"subject":    caller.Subject,
			"attributes": attrs,
		},
		"plan": map[string]any{
			"intent":     string(r.Plan.Intent),
			"metrics":    metrics,
			"dimensions": append([]string{}, r.Plan.Dimensions...),
			"limit":      int64(r.Plan.Limit),
			"time_grain": string(r.TimeGrain()),
		},
		"product": map[string]any{
			"name":  r.Product.Name,
			"grain": string(r.Product.Grain),
		},
		"field": map[string]any{},
	}
	if ref != nil {
		uses := make([]string, 0, len(ref.Uses))
		for _, u := range ref.Uses {
			uses = append(uses, string(u))
		}
		vars["field"] = map[string]any{
			"name":        ref.Field.Name,
			"type":        string(ref.Field.Type),
			"sensitivity": string(ref.Field.Sensitivity),
			"tags":        append([]string{}, ref.Field.Tags...),
			"unique":      ref.Field.Unique,
			"uses":        uses,
		}
	}
	return vars
}
