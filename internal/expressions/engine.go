package expressions

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/rendis/defiflow/pkg/schema"
)

// Engine evaluates policy expressions used by the reference agents.
// Three implementations: CEL (safety rules), GoJQ (QA checks), Expr (decision rules).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvalBool evaluates expression and requires a boolean result.
func EvalBool(ctx context.Context, e Engine, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeExpression,
			"%s expression %q returned %s, want bool", e.Name(), expression, typeName(out)).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

func typeName(v any) string {
	if v == nil {
		return "null"
	}
	return fmt.Sprintf("%T", v)
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
