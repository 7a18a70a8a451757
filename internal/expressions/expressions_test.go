package expressions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/defiflow/pkg/schema"
)

func TestExpr_MigrationRule(t *testing.T) {
	e := NewExprEngine(MigrationVars)
	assert.Equal(t, "expr", e.Name())

	tests := []struct {
		name string
		gain float64
		want bool
	}{
		{"gain above threshold", 0.03, true},
		{"gain below threshold", 0.001, false},
		{"equal is not enough", 0.005, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ok, err := EvalBool(context.Background(), e, "apy_gain > min_apy_diff",
				map[string]any{"apy_gain": tc.gain, "min_apy_diff": 0.005})
			require.NoError(t, err)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestExpr_Errors(t *testing.T) {
	e := NewExprEngine(MigrationVars)

	_, err := e.Evaluate(context.Background(), "", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), "apy_gain >", map[string]any{"apy_gain": 1.0})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	// Rules must be boolean.
	assert.True(t, schema.IsCode(e.Compile("apy_gain * 2"), schema.ErrCodeValidation))

	// Misspelled variables are rejected before any data is seen.
	err = e.Compile("apy_gian > min_apy_diff")
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeValidation, fe.Code)
	assert.ElementsMatch(t, []string{"apy_gain", "current_apy", "min_apy_diff", "target_apy"}, fe.Details["variables"])
}

func TestExpr_MissingVariablesTakeZeroValue(t *testing.T) {
	e := NewExprEngine(MigrationVars)
	ok, err := EvalBool(context.Background(), e, "target_apy > current_apy", map[string]any{"target_apy": 0.04})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_SafetyRule(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())

	rule := `risk.score < policy.threshold && proposal.action == "migrate"`
	data := map[string]any{
		"proposal": map[string]any{"action": "migrate", "to_protocol": "Compound"},
		"risk":     map[string]any{"score": 4.5},
		"policy":   map[string]any{"threshold": 7.0},
	}
	ok, err := EvalBool(context.Background(), e, rule, data)
	require.NoError(t, err)
	assert.True(t, ok)

	data["risk"] = map[string]any{"score": 8.0}
	ok, err = EvalBool(context.Background(), e, rule, data)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCEL_MissingVariablesDefaultToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), `size(portfolio) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCEL_CompileError(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.Evaluate(context.Background(), `unknown_var > 1`, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestGoJQ_QACheck(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())

	data := map[string]any{
		"proposal": map[string]any{"action": "migrate", "amount": 10000},
		"risk":     map[string]any{"safe": true},
	}
	ok, err := EvalBool(context.Background(), e, `.proposal.amount > 0`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	out, err := e.Evaluate(context.Background(), `.proposal.amount`, data)
	require.NoError(t, err)
	assert.Equal(t, float64(10000), out)
}

func TestGoJQ_RunOverStructs(t *testing.T) {
	type position struct {
		Protocol string          `json:"protocol"`
		APY      float64         `json:"apy"`
		Extra    json.RawMessage `json:"extra,omitempty"`
	}
	e := NewGoJQEngine()
	input := map[string]any{
		"positions": []position{
			{Protocol: "Aave", APY: 0.03},
			{Protocol: "Compound", APY: 0.05, Extra: json.RawMessage(`{"tvl":1}`)},
		},
		"chain_id": int64(1),
	}

	out, err := e.Run(context.Background(), `[.positions[] | select(.apy > 0.04) | .protocol]`, input)
	require.NoError(t, err)
	assert.Equal(t, []any{"Compound"}, out)

	out, err = e.Run(context.Background(), `.positions[1].extra.tvl + .chain_id`, input)
	require.NoError(t, err)
	assert.Equal(t, float64(2), out)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"steps": []any{"a", "b", "c"}}

	out, err := e.Evaluate(context.Background(), `.steps[]`, data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, out)

	out, err = e.Evaluate(context.Background(), `.missing[]?`, data)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), `.[`, map[string]any{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), `error("boom")`, map[string]any{})
	assert.True(t, schema.IsCode(err, schema.ErrCodeExpression))
}

func TestEngines_ConcurrentCompileCache(t *testing.T) {
	jq := NewGoJQEngine()
	ex := NewExprEngine(map[string]any{"n": 0})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := jq.Evaluate(context.Background(), `.n + 1`, map[string]any{"n": i})
			assert.NoError(t, err)
			assert.Equal(t, float64(i+1), out)

			ok, err := EvalBool(context.Background(), ex, "n >= 0", map[string]any{"n": i})
			assert.NoError(t, err)
			assert.True(t, ok)
		}(i)
	}
	wg.Wait()
}
