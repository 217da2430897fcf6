package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/roundtable-labs/roundtable/core/pkg/manifest"
)

// celLaw evaluates a manifest-supplied CEL expression over the action
// context. The expression must return bool; true is a pass. Evaluation
// errors fail closed.
type celLaw struct {
	id     string
	level  manifest.EnforcementLevel
	onFail Outcome // OutcomeViolate or OutcomeNeedsApproval
	role   string  // approver role when onFail is needs_approval
	prg    cel.Program
}

func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("actor", types.StringType),
			decls.NewVariable("action", types.StringType),
			decls.NewVariable("jurisdiction", types.StringType),
			decls.NewVariable("classification", types.StringType),
			decls.NewVariable("risk", types.StringType),
			decls.NewVariable("payload", types.StringType),
			decls.NewVariable("token_count", types.IntType),
			decls.NewVariable("metadata", types.NewMapType(types.StringType, types.DynType)),
		),
	)
}

func newCELLaw(law manifest.Law, env *cel.Env) (*celLaw, error) {
	source, _ := law.PredicateConfig["cel"].(string)
	if source == "" {
		return nil, fmt.Errorf("law %s: predicate_config.cel missing", law.ID)
	}

	ast, issues := env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("law %s: compile: %w", law.ID, issues.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("law %s: program: %w", law.ID, err)
	}

	l := &celLaw{id: law.ID, level: law.EnforcementLevel, onFail: OutcomeViolate, prg: prg}
	if v, _ := law.PredicateConfig["on_fail"].(string); v == "needs_approval" {
		l.onFail = OutcomeNeedsApproval
	}
	if role, _ := law.PredicateConfig["approver_role"].(string); role != "" {
		l.role = role
	} else {
		l.role = "operator"
	}
	return l, nil
}

func (l *celLaw) ID() string { return l.id }

func (l *celLaw) Evaluate(actx *ActionContext) Finding {
	input := map[string]any{
		"actor":          actx.ActorID,
		"action":         actx.ActionType,
		"jurisdiction":   actx.Jurisdiction,
		"classification": actx.DataClassification,
		"risk":           actx.RiskLevel,
		"payload":        actx.Payload,
		"token_count":    actx.TokenCount,
		"metadata":       actx.Metadata,
	}
	if input["metadata"] == nil {
		input["metadata"] = map[string]any{}
	}

	out, _, err := l.prg.Eval(input)
	if err != nil {
		// Fail closed.
		return violate(l.id, string(l.level), fmt.Sprintf("predicate evaluation error: %v", err), "")
	}
	ok, isBool := out.Value().(bool)
	if !isBool {
		return violate(l.id, string(l.level), "predicate did not return bool", "")
	}
	if ok {
		return pass()
	}

	if l.onFail == OutcomeNeedsApproval {
		return Finding{
			Outcome:  OutcomeNeedsApproval,
			Approval: &ApprovalRequirement{LawID: l.id, Role: l.role, Reason: "predicate requires sign-off"},
		}
	}
	return violate(l.id, string(l.level), "predicate returned false", "")
}
