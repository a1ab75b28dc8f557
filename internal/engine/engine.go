// Package engine evaluates canonical records against an immutable rule
// snapshot. Evaluation is exhaustive and order-preserving: every rule
// is tested, no short-circuit on first match, so consumers see the
// full violation surface of a record.
package engine

import (
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-compliance/kestrel/internal/domain"
	"github.com/opensource-compliance/kestrel/internal/rulebook"
)

// Engine holds a compiled rule snapshot. Safe for concurrent use: the
// snapshot is read-only and CEL programs are thread-safe.
type Engine struct {
	snapshot *rulebook.Snapshot
	programs map[string]cel.Program
}

// New compiles the snapshot's expression rules and returns an engine
// bound to it. The snapshot must not be mutated afterwards.
func New(snapshot *rulebook.Snapshot) (*Engine, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	// A store rule that fails to compile is skipped, not fatal: only
	// the built-in table may abort processing.
	programs := make(map[string]cel.Program)
	for _, rule := range snapshot.Rules {
		if rule.Expression == "" {
			continue
		}
		prg, err := compile(env, rule)
		if err != nil {
			slog.Warn("skipping uncompilable store rule", "rule_id", rule.ID, "error", err)
			continue
		}
		programs[rule.ID] = prg
	}

	return &Engine{snapshot: snapshot, programs: programs}, nil
}

func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("record_id", cel.StringType),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("has_amount", cel.BoolType),
		cel.Variable("kyc_status", cel.StringType),
		cel.Variable("sender_id", cel.StringType),
		cel.Variable("receiver_id", cel.StringType),
		cel.Variable("flags", cel.ListType(cel.StringType)),
		cel.Variable("monthly_total", cel.DoubleType),
		cel.Variable("record", cel.MapType(cel.StringType, cel.StringType)),
	)
}

func compile(env *cel.Env, rule domain.Rule) (cel.Program, error) {
	ast, issues := env.Compile(rule.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile rule %s: %w", rule.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule %s: expression must return bool, got %s", rule.ID, ast.OutputType())
	}
	return env.Program(ast)
}

// ValidateExpression compiles an expression without building an engine.
// Used by the API to reject bad rules at creation time.
func ValidateExpression(expr string) error {
	env, err := newEnv()
	if err != nil {
		return err
	}
	_, err = compile(env, domain.Rule{ID: "candidate", Expression: expr})
	return err
}

// Evaluate tests every rule against the input and returns the matches
// in snapshot order. Deterministic: the same input and snapshot always
// produce the same match list in the same order.
func (e *Engine) Evaluate(in *domain.RuleInput) []domain.Match {
	var matches []domain.Match
	var activation map[string]any

	for _, rule := range e.snapshot.Rules {
		fired := false
		switch {
		case rule.Test != nil:
			fired = rule.Test(in)
		default:
			prg, ok := e.programs[rule.ID]
			if !ok {
				continue
			}
			if activation == nil {
				activation = buildActivation(in)
			}
			out, _, err := prg.Eval(activation)
			if err != nil {
				slog.Debug("expression rule evaluation error",
					"rule_id", rule.ID,
					"record_id", in.Record.RecordID,
					"error", err,
				)
				continue
			}
			fired = out == types.True
		}

		if fired {
			matches = append(matches, newMatch(rule, in))
		}
	}

	return matches
}

// RulesCount returns the number of rules in the bound snapshot.
func (e *Engine) RulesCount() int { return len(e.snapshot.Rules) }

// Source reports where the bound snapshot came from.
func (e *Engine) Source() domain.RuleSource { return e.snapshot.Source }

func newMatch(rule domain.Rule, in *domain.RuleInput) domain.Match {
	reason := ""
	if rule.Describe != nil {
		reason = rule.Describe(in)
	} else {
		reason = fmt.Sprintf("record matched rule %s (%s)", rule.ID, rule.ViolationType)
	}
	return domain.Match{
		RecordID:       in.Record.RecordID,
		RuleID:         rule.ID,
		ViolationType:  rule.ViolationType,
		Severity:       rule.Severity,
		PenaltyMin:     rule.PenaltyMin,
		PenaltyMax:     rule.PenaltyMax,
		LegalProvision: rule.LegalProvision,
		Reason:         reason,
	}
}

// buildActivation flattens the input into CEL variables. Amount is 0
// with has_amount=false when unparseable so expressions can guard on it.
func buildActivation(in *domain.RuleInput) map[string]any {
	rec := in.Record

	amount := 0.0
	if rec.Amount != nil {
		amount = rec.Amount.InexactFloat64()
	}
	monthly := in.MonthlyTotal.InexactFloat64()

	return map[string]any{
		"record_id":     rec.RecordID,
		"amount":        amount,
		"has_amount":    rec.Amount != nil,
		"kyc_status":    string(rec.KYCStatus),
		"sender_id":     rec.SenderID,
		"receiver_id":   rec.ReceiverID,
		"flags":         rec.Flags.List(),
		"monthly_total": monthly,
		"record":        rec.Raw,
	}
}
