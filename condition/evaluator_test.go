package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oomol/oocana/manifest"
)

func block(cases []*manifest.ConditionCase, def *manifest.ConditionDefault) *manifest.ConditionBlock {
	return &manifest.ConditionBlock{Cases: cases, Default: def}
}

func expr(handle manifest.HandleName, op manifest.ExpressionOperator, value any) *manifest.ConditionExpression {
	return &manifest.ConditionExpression{InputHandle: handle, Operator: op, Value: value}
}

func TestEvaluateOrderedCases(t *testing.T) {
	e := NewEvaluator()
	b := block([]*manifest.ConditionCase{
		{Handle: "small", Expressions: []*manifest.ConditionExpression{expr("x", manifest.OpLessThan, 10)}},
		{Handle: "large", Expressions: []*manifest.ConditionExpression{expr("x", manifest.OpGreaterThanOrEqual, 10)}},
	}, nil)

	handle, ok, err := e.Evaluate(b, map[manifest.HandleName]any{"x": 3})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, manifest.HandleName("small"), handle)

	handle, ok, err = e.Evaluate(b, map[manifest.HandleName]any{"x": 42})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, manifest.HandleName("large"), handle)
}

func TestEvaluateAndOr(t *testing.T) {
	e := NewEvaluator()

	andCase := &manifest.ConditionCase{
		Handle:  "band",
		Logical: manifest.LogicalAnd,
		Expressions: []*manifest.ConditionExpression{
			expr("x", manifest.OpGreaterThan, 5),
			expr("x", manifest.OpLessThan, 10),
		},
	}
	orCase := &manifest.ConditionCase{
		Handle:  "edges",
		Logical: manifest.LogicalOr,
		Expressions: []*manifest.ConditionExpression{
			expr("x", manifest.OpLessThanOrEqual, 5),
			expr("x", manifest.OpGreaterThanOrEqual, 10),
		},
	}
	b := block([]*manifest.ConditionCase{andCase, orCase}, nil)

	handle, ok, err := e.Evaluate(b, map[manifest.HandleName]any{"x": 7})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, manifest.HandleName("band"), handle)

	handle, ok, err = e.Evaluate(b, map[manifest.HandleName]any{"x": 12})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, manifest.HandleName("edges"), handle)
}

func TestEvaluateDefaultAndNoMatch(t *testing.T) {
	e := NewEvaluator()
	cases := []*manifest.ConditionCase{
		{Handle: "yes", Expressions: []*manifest.ConditionExpression{expr("ok", manifest.OpTrue, nil)}},
	}

	handle, ok, err := e.Evaluate(block(cases, &manifest.ConditionDefault{Handle: "fallback"}),
		map[manifest.HandleName]any{"ok": false})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, manifest.HandleName("fallback"), handle)

	_, ok, err = e.Evaluate(block(cases, nil), map[manifest.HandleName]any{"ok": false})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvaluateStringAndCollectionOperators(t *testing.T) {
	e := NewEvaluator()
	inputs := map[manifest.HandleName]any{
		"name": "oocana-flow",
		"tags": []any{"a", "b"},
		"meta": map[string]any{"k": 1},
	}

	check := func(op manifest.ExpressionOperator, handle manifest.HandleName, value any, want bool) {
		t.Helper()
		b := block([]*manifest.ConditionCase{
			{Handle: "hit", Expressions: []*manifest.ConditionExpression{expr(handle, op, value)}},
		}, nil)
		_, ok, err := e.Evaluate(b, inputs)
		require.NoError(t, err)
		assert.Equal(t, want, ok, "op %s", op)
	}

	check(manifest.OpStartsWith, "name", "oocana", true)
	check(manifest.OpEndsWith, "name", "flow", true)
	check(manifest.OpContains, "name", "cana", true)
	check(manifest.OpContains, "tags", "a", true)
	check(manifest.OpIn, "name", []any{"oocana-flow", "other"}, true)
	check(manifest.OpNotIn, "name", []any{"other"}, true)
	check(manifest.OpHasKey, "meta", "k", true)
	check(manifest.OpIsNotEmpty, "tags", nil, true)
	check(manifest.OpIsEmpty, "tags", nil, false)
}

func TestEvaluateNullChecks(t *testing.T) {
	e := NewEvaluator()
	b := block([]*manifest.ConditionCase{
		{Handle: "missing", Expressions: []*manifest.ConditionExpression{expr("absent", manifest.OpNull, nil)}},
	}, nil)

	handle, ok, err := e.Evaluate(b, map[manifest.HandleName]any{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, manifest.HandleName("missing"), handle)

	_, ok, err = e.Evaluate(b, map[manifest.HandleName]any{"absent": 1})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTypeMismatchReadsAsNonMatch(t *testing.T) {
	e := NewEvaluator()
	b := block([]*manifest.ConditionCase{
		{Handle: "hit", Expressions: []*manifest.ConditionExpression{expr("x", manifest.OpGreaterThan, 5)}},
	}, nil)
	_, ok, err := e.Evaluate(b, map[manifest.HandleName]any{"x": "not a number"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProgramCacheReuse(t *testing.T) {
	e := NewEvaluator()
	b := block([]*manifest.ConditionCase{
		{Handle: "hit", Expressions: []*manifest.ConditionExpression{expr("x", manifest.OpEqual, 1)}},
	}, nil)
	for i := 0; i < 3; i++ {
		_, _, err := e.Evaluate(b, map[manifest.HandleName]any{"x": 1})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.CacheSize())
}
