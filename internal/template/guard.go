package template

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// guardEnv is the shared CEL environment for when: guards. Guards see only
// the event triple; policy internals stay out of scope deliberately.
var guardEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("agent", cel.StringType),
		cel.Variable("intent", cel.StringType),
		cel.Variable("target", cel.StringType),
	)
})

// Guard is a compiled when: expression. A template with a nil Guard applies
// unconditionally.
type Guard struct {
	expr string
	prg  cel.Program
}

// CompileGuard compiles expr into a Guard. Expressions must type-check to
// bool; anything else is a validation error, caught at load time rather
// than during a decision.
func CompileGuard(expr string) (*Guard, error) {
	env, err := guardEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to build guard environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile guard %q: %w", expr, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("guard %q must evaluate to bool, got %s", expr, ast.OutputType())
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to build guard program: %w", err)
	}
	return &Guard{expr: expr, prg: prg}, nil
}

// Evaluate runs the guard against one event triple.
func (g *Guard) Evaluate(agent, intent, target string) (bool, error) {
	out, _, err := g.prg.Eval(map[string]any{
		"agent":  agent,
		"intent": intent,
		"target": target,
	})
	if err != nil {
		return false, fmt.Errorf("guard evaluation failed: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("guard returned non-boolean %T", out.Value())
	}
	return b, nil
}

// Expr returns the source expression.
func (g *Guard) Expr() string {
	return g.expr
}
