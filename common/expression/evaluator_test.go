package expression

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEvaluator_EvalBool verifies condition evaluation over a merged env
func TestEvaluator_EvalBool(t *testing.T) {
	e := NewEvaluator()
	env := map[string]any{
		"amount":   150.0,
		"status":   "approved",
		"retries":  2,
		"customer": map[string]any{"tier": "gold"},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{name: "numeric_comparison", expr: "amount > 100", want: true},
		{name: "string_equality", expr: "status == 'approved'", want: true},
		{name: "nested_access", expr: "customer.tier == 'gold'", want: true},
		{name: "combined", expr: "amount > 100 && retries < 3", want: true},
		{name: "negative", expr: "amount > 1000", want: false},
		{name: "undefined_field_compares_false", expr: "missing == 'x'", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvalBool(tt.expr, env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestEvaluator_EvalBool_NonBoolean verifies the type guard
func TestEvaluator_EvalBool_NonBoolean(t *testing.T) {
	e := NewEvaluator()

	_, err := e.EvalBool("amount + 1", map[string]any{"amount": 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "condition must return boolean")
}

// TestEvaluator_Eval verifies formula evaluation
func TestEvaluator_Eval(t *testing.T) {
	e := NewEvaluator()

	got, err := e.Eval("price * quantity * (1 + tax_rate)", map[string]any{
		"price":    10.0,
		"quantity": 3,
		"tax_rate": 0.2,
	})
	require.NoError(t, err)
	assert.InDelta(t, 36.0, got, 1e-9)

	got, err = e.Eval("upper(code)", map[string]any{"code": "ab"})
	require.NoError(t, err)
	assert.Equal(t, "AB", got)
}

// TestEvaluator_CompileError verifies malformed expressions fail fast
func TestEvaluator_CompileError(t *testing.T) {
	e := NewEvaluator()

	_, err := e.Eval("amount >", map[string]any{"amount": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile expression")
}

// TestEvaluator_NilEnv verifies evaluation without an environment
func TestEvaluator_NilEnv(t *testing.T) {
	e := NewEvaluator()

	got, err := e.EvalBool("1 < 2", nil)
	require.NoError(t, err)
	assert.True(t, got)
}

// TestEvaluator_Cache verifies programs compile once
func TestEvaluator_Cache(t *testing.T) {
	e := NewEvaluator()

	for i := 0; i < 5; i++ {
		_, err := e.EvalBool("amount > 10", map[string]any{"amount": i * 10})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.CacheSize())

	e.ClearCache()
	assert.Equal(t, 0, e.CacheSize())
}
