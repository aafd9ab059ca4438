// Package routecel provides CEL-gated conditional forwarding rules for
// the orchestrator's agent-to-agent wiring. A plain Wiring entry (spec
// §4.5: "X-out" -> "Y-in") always forwards; a Rule here only forwards
// when a Common Expression Language predicate evaluated against the
// forwarded event's payload is true — e.g. routing a completion to a
// reviewer agent only when its payload's risk_score exceeds a threshold.
//
// Every rule is validated at registration time against the same
// determinism constraints the teacher's kernel/celdp.CELDPValidator
// enforces for its determinism-policy expressions: no now() (the wall
// clock is not part of the coordination runtime's deterministic state),
// no keys()/values() map iteration (Go map iteration order is
// unspecified), and no floating-point literals (float comparisons are
// not bitwise-reproducible across architectures). A rule that fails
// validation is rejected at AddRule time rather than at first evaluation,
// so a malformed wiring config fails closed at startup.
package routecel

import (
	"fmt"

	"github.com/google/cel-go/cel"
	exprpb "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
)

// Issue is one determinism-policy violation found in a rule's expression.
type Issue struct {
	Message  string
	Severity string
}

// Rule is one compiled, validated CEL forwarding rule: when Expr
// evaluates to true against an event's decoded payload (bound to the
// `input` variable), the event is forwarded to Dest in addition to
// (or instead of, depending on how the caller wires it) any static
// destination.
type Rule struct {
	Source string
	Dest   string
	Expr   string
	prg    cel.Program
}

// Router holds every registered rule, keyed by source topic, plus the one
// shared *cel.Env every rule is validated and compiled against.
type Router struct {
	env   *cel.Env
	rules map[string][]*Rule
}

// NewRouter constructs a Router whose CEL environment exposes a single
// `input` variable of type map(string, dyn) — the decoded JSON payload of
// the event being considered for forwarding — matching the teacher's
// celdp.NewEvaluator environment shape exactly.
func NewRouter() (*Router, error) {
	env, err := cel.NewEnv(cel.Variable("input", cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("routecel: build CEL env: %w", err)
	}
	return &Router{env: env, rules: make(map[string][]*Rule)}, nil
}

// AddRule validates, compiles, and registers a new forwarding rule from
// source to dest, gated on expr. Returns the determinism issues found (if
// any) as part of the error so a caller wiring rules from a config file
// can report exactly what is wrong.
func (r *Router) AddRule(source, dest, expr string) error {
	issues, err := r.validate(expr)
	if err != nil {
		return fmt.Errorf("routecel: parse %q: %w", expr, err)
	}
	if len(issues) > 0 {
		return fmt.Errorf("routecel: rule %s->%s rejected: %s", source, dest, issues[0].Message)
	}

	ast, celIssues := r.env.Compile(expr)
	if celIssues != nil && celIssues.Err() != nil {
		return fmt.Errorf("routecel: compile %q: %w", expr, celIssues.Err())
	}
	prg, err := r.env.Program(ast)
	if err != nil {
		return fmt.Errorf("routecel: program %q: %w", expr, err)
	}

	rule := &Rule{Source: source, Dest: dest, Expr: expr, prg: prg}
	r.rules[source] = append(r.rules[source], rule)
	return nil
}

// validate parses expr and walks its AST for the same three forbidden
// constructs celdp.CELDPValidator rejects, ported directly from
// checkRecursively in _examples/Mindburn-Labs-helm/core/pkg/kernel/celdp/validator.go.
func (r *Router) validate(expr string) ([]Issue, error) {
	ast, issues := r.env.Parse(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	var found []Issue
	checkRecursively(ast.Expr(), &found) //nolint:staticcheck // Deprecated but no alternative for AST traversal yet
	return found, nil
}

func checkRecursively(e *exprpb.Expr, issues *[]Issue) {
	if e == nil {
		return
	}
	switch k := e.ExprKind.(type) {
	case *exprpb.Expr_ConstExpr:
		if _, ok := k.ConstExpr.ConstantKind.(*exprpb.Constant_DoubleValue); ok {
			*issues = append(*issues, Issue{Message: "floating point literals are forbidden", Severity: "ERROR"})
		}
	case *exprpb.Expr_CallExpr:
		call := k.CallExpr
		if call.Function == "now" {
			*issues = append(*issues, Issue{Message: "now() is forbidden", Severity: "ERROR"})
		}
		if call.Function == "keys" || call.Function == "values" {
			*issues = append(*issues, Issue{Message: "map iteration (keys/values) is forbidden due to non-determinism", Severity: "ERROR"})
		}
		if call.Target != nil {
			checkRecursively(call.Target, issues)
		}
		for _, arg := range call.Args {
			checkRecursively(arg, issues)
		}
	case *exprpb.Expr_SelectExpr:
		checkRecursively(k.SelectExpr.Operand, issues)
	case *exprpb.Expr_ListExpr:
		for _, el := range k.ListExpr.Elements {
			checkRecursively(el, issues)
		}
	case *exprpb.Expr_StructExpr:
		for _, entry := range k.StructExpr.Entries {
			if entry.GetMapKey() != nil {
				checkRecursively(entry.GetMapKey(), issues)
			}
			checkRecursively(entry.Value, issues)
		}
	case *exprpb.Expr_ComprehensionExpr:
		comp := k.ComprehensionExpr
		checkRecursively(comp.IterRange, issues)
		checkRecursively(comp.AccuInit, issues)
		checkRecursively(comp.LoopCondition, issues)
		checkRecursively(comp.LoopStep, issues)
		checkRecursively(comp.Result, issues)
	}
}

// Route evaluates every rule registered for source against payload (the
// event's JSON payload, already decoded to map[string]any by the
// caller), returning every destination whose rule matched. A rule whose
// evaluation errors (e.g. the payload lacks a field the expression
// references) is treated as non-matching rather than propagated, the
// same fail-closed-per-rule posture celdp.CELDPEvaluator takes by
// wrapping a runtime error into a non-fatal CELDPResult.Error instead of
// returning a Go error.
func (r *Router) Route(source string, payload map[string]any) []string {
	var dests []string
	for _, rule := range r.rules[source] {
		val, _, err := rule.prg.Eval(map[string]any{"input": payload})
		if err != nil {
			continue
		}
		matched, ok := val.Value().(bool)
		if ok && matched {
			dests = append(dests, rule.Dest)
		}
	}
	return dests
}

// HasRules reports whether any rule is registered for source, so a
// caller can skip the decode-and-evaluate path entirely for topics with
// no CEL gating.
func (r *Router) HasRules(source string) bool {
	return len(r.rules[source]) > 0
}

// Topics returns every source topic with at least one registered rule, so
// a caller building its bus subscription set can include CEL-gated
// sources alongside its static wiring map's sources.
func (r *Router) Topics() []string {
	out := make([]string, 0, len(r.rules))
	for topic := range r.rules {
		out = append(out, topic)
	}
	return out
}
