package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/cognalith/governor/internal/model"
)

// TrustInput is the evidence a trust-tier rule is evaluated against.
type TrustInput struct {
	// TrustScore is proven / completed amendments for the agent.
	TrustScore float64
	// Completed counts amendments whose evaluation window closed.
	Completed int
	// ActiveDays is the age of the agent's first activated amendment in days.
	ActiveDays int
}

// tierRules decide, per amendment type, whether trust mode may auto-approve.
// Remove is never autonomous.
var tierRules = map[model.AmendmentType]string{
	model.AmendmentAppend:  `trust_score >= 0.6 && completed >= 5 && active_days >= 7`,
	model.AmendmentReplace: `trust_score >= 0.8 && completed >= 10 && active_days >= 14`,
	model.AmendmentRemove:  `false`,
}

// TierEvaluator evaluates the compiled trust-tier rules.
type TierEvaluator struct {
	programs map[model.AmendmentType]cel.Program
	sources  map[model.AmendmentType]string
}

func mustTierEvaluator() *TierEvaluator {
	t, err := newTierEvaluator(tierRules)
	if err != nil {
		panic(fmt.Sprintf("policy: compile trust tiers: %v", err))
	}
	return t
}

func newTierEvaluator(rules map[model.AmendmentType]string) (*TierEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("trust_score", cel.DoubleType),
		cel.Variable("completed", cel.IntType),
		cel.Variable("active_days", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	t := &TierEvaluator{
		programs: make(map[model.AmendmentType]cel.Program, len(rules)),
		sources:  make(map[model.AmendmentType]string, len(rules)),
	}
	for typ, expr := range rules {
		ast, iss := env.Compile(expr)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("compile %s tier: %w", typ, iss.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("%s tier must evaluate to bool, got %s", typ, ast.OutputType())
		}
		prg, err := env.Program(ast, cel.CostLimit(1000))
		if err != nil {
			return nil, fmt.Errorf("program %s tier: %w", typ, err)
		}
		t.programs[typ] = prg
		t.sources[typ] = expr
	}
	return t, nil
}

// Allows reports whether the tier for typ permits autonomous approval.
// Unknown amendment types are denied.
func (t *TierEvaluator) Allows(typ model.AmendmentType, in TrustInput) (bool, error) {
	prg, ok := t.programs[typ]
	if !ok {
		return false, nil
	}
	out, _, err := prg.Eval(map[string]any{
		"trust_score": in.TrustScore,
		"completed":   int64(in.Completed),
		"active_days": int64(in.ActiveDays),
	})
	if err != nil {
		return false, fmt.Errorf("policy: evaluate %s tier: %w", typ, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("policy: %s tier returned %T", typ, out.Value())
	}
	return allowed, nil
}

// Rule returns the source expression of the tier for typ.
func (t *TierEvaluator) Rule(typ model.AmendmentType) string { return t.sources[typ] }
