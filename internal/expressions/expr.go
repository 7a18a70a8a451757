package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/defiflow/pkg/schema"
)

// MigrationVars declares the variables of a DeFi migration rule. All values
// are APY fractions (0.05 is 5%).
var MigrationVars = map[string]any{
	"apy_gain":     0.0,
	"min_apy_diff": 0.0,
	"current_apy":  0.0,
	"target_apy":   0.0,
}

// ExprEngine evaluates expr-lang decision rules. Rules are type-checked
// against a declared variable set and must produce a bool.
type ExprEngine struct {
	vars map[string]any

	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewExprEngine creates an engine for rules over vars. Referencing a variable
// outside vars is a compile error.
func NewExprEngine(vars map[string]any) *ExprEngine {
	return &ExprEngine{vars: vars, programs: make(map[string]*vm.Program)}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate runs rule with data as its variables. Declared variables missing
// from data take their zero value.
func (e *ExprEngine) Evaluate(_ context.Context, rule string, data map[string]any) (any, error) {
	prg, err := e.program(rule)
	if err != nil {
		return nil, err
	}

	env := make(map[string]any, len(e.vars))
	for k, v := range e.vars {
		env[k] = v
	}
	for k, v := range data {
		env[k] = v
	}

	out, err := vm.Run(prg, env)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expr rule %q failed: %s", rule, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": rule})
	}
	return out, nil
}

// Compile checks rule without running it.
func (e *ExprEngine) Compile(rule string) error {
	_, err := e.program(rule)
	return err
}

func (e *ExprEngine) program(rule string) (*vm.Program, error) {
	if rule == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expr rule")
	}

	e.mu.RLock()
	prg, ok := e.programs[rule]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	prg, err := expr.Compile(rule, expr.Env(e.vars), expr.AsBool())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expr compile error in %q: %s", rule, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": rule, "variables": sortedKeys(e.vars)})
	}

	e.mu.Lock()
	e.programs[rule] = prg
	e.mu.Unlock()
	return prg, nil
}

var _ Engine = (*ExprEngine)(nil)
