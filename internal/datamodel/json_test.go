package datamodel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hulaishun/qtscxml/internal/model"
)

func newJSONWithExprs(exprs ...string) *JSON {
	j := NewJSON()
	j.evaluators = exprs
	return j
}

func TestJSON_SetupAndProperty(t *testing.T) {
	j := NewJSON()
	require.True(t, j.Setup(map[string]any{"count": 3, "name": "alice"}))

	v, ok := j.Property("count")
	require.True(t, ok)
	assert.Equal(t, int64(3), v.Int)

	assert.True(t, j.HasProperty("name"))
	assert.False(t, j.HasProperty("missing"))
}

func TestJSON_SetProperty(t *testing.T) {
	j := NewJSON()
	require.True(t, j.SetProperty("x.y", Int(42)))
	v, ok := j.Property("x.y")
	require.True(t, ok)
	assert.Equal(t, int64(42), v.Int)
}

func TestJSON_EvaluateToBool_SingleComparison(t *testing.T) {
	j := newJSONWithExprs("count > 2")
	require.True(t, j.Setup(map[string]any{"count": 5}))

	ok, valid := j.EvaluateToBool(0)
	assert.True(t, valid)
	assert.True(t, ok)
}

func TestJSON_EvaluateToBool_And(t *testing.T) {
	j := newJSONWithExprs("a == 1 && b == 2")
	require.True(t, j.Setup(map[string]any{"a": 1, "b": 2}))

	ok, valid := j.EvaluateToBool(0)
	assert.True(t, valid)
	assert.True(t, ok)

	require.True(t, j.SetProperty("b", Int(3)))
	ok, valid = j.EvaluateToBool(0)
	assert.True(t, valid)
	assert.False(t, ok)
}

func TestJSON_EvaluateToBool_Or(t *testing.T) {
	j := newJSONWithExprs("a == 1 || a == 2")
	require.True(t, j.Setup(map[string]any{"a": 2}))

	ok, valid := j.EvaluateToBool(0)
	assert.True(t, valid)
	assert.True(t, ok)
}

func TestJSON_EvaluateToBool_NoEvaluatorIsTrue(t *testing.T) {
	j := NewJSON()
	ok, valid := j.EvaluateToBool(model.NoEvaluator)
	assert.True(t, valid)
	assert.True(t, ok)
}

func TestJSON_EvaluateToBool_Truthiness(t *testing.T) {
	j := newJSONWithExprs("flag")
	require.True(t, j.Setup(map[string]any{"flag": true}))

	ok, valid := j.EvaluateToBool(0)
	assert.True(t, valid)
	assert.True(t, ok)
}

func TestJSON_EvaluateAssignment(t *testing.T) {
	j := newJSONWithExprs("total = count")
	require.True(t, j.Setup(map[string]any{"count": 7}))

	require.True(t, j.EvaluateAssignment(0))
	v, ok := j.Property("total")
	require.True(t, ok)
	assert.Equal(t, int64(7), v.Int)
}

func TestJSON_EvaluateAssignment_Literal(t *testing.T) {
	j := newJSONWithExprs(`name = "bob"`)

	require.True(t, j.EvaluateAssignment(0))
	v, ok := j.Property("name")
	require.True(t, ok)
	assert.Equal(t, "bob", v.Str)
}

func TestJSON_EvaluateInitialization(t *testing.T) {
	j := newJSONWithExprs("x = 1")
	require.True(t, j.EvaluateInitialization(0))
	v, ok := j.Property("x")
	require.True(t, ok)
	assert.Equal(t, int64(1), v.Int)
}

func TestJSON_EvaluateForeach(t *testing.T) {
	j := newJSONWithExprs("items")
	require.True(t, j.Setup(map[string]any{"items": []any{1, 2, 3}}))

	var seen []int64
	ok := j.EvaluateForeach(0, "item", "idx", func(item Value, index int) bool {
		seen = append(seen, item.Int)
		idxVal, _ := j.Property("idx")
		assert.Equal(t, int64(index), idxVal.Int)
		return true
	})
	require.True(t, ok)
	assert.Equal(t, []int64{1, 2, 3}, seen)
}

func TestJSON_EvaluateForeach_StopsEarly(t *testing.T) {
	j := newJSONWithExprs("items")
	require.True(t, j.Setup(map[string]any{"items": []any{1, 2, 3}}))

	calls := 0
	j.EvaluateForeach(0, "item", "", func(Value, int) bool {
		calls++
		return calls < 2
	})
	assert.Equal(t, 2, calls)
}

func TestJSON_EvaluateForeach_NonArrayFails(t *testing.T) {
	j := newJSONWithExprs("count")
	require.True(t, j.Setup(map[string]any{"count": 3}))

	ok := j.EvaluateForeach(0, "item", "", func(Value, int) bool { return true })
	assert.False(t, ok)
}

func TestJSON_SetEvent(t *testing.T) {
	j := NewJSON()
	ev := model.New("go", "payload")
	ev.SendId = "s1"
	j.SetEvent(ev)

	v, ok := j.Property("_event.name")
	require.True(t, ok)
	assert.Equal(t, "go", v.Str)

	v, ok = j.Property("_event.sendid")
	require.True(t, ok)
	assert.Equal(t, "s1", v.Str)
}

func TestJSON_EvaluateToVariant_UnknownExprFails(t *testing.T) {
	j := NewJSON()
	_, ok := j.EvaluateToVariant(model.NoEvaluator)
	assert.False(t, ok)
}

func TestJSON_EvaluateToString(t *testing.T) {
	j := newJSONWithExprs("n")
	require.True(t, j.Setup(map[string]any{"n": 3.5}))

	s, ok := j.EvaluateToString(0)
	require.True(t, ok)
	assert.Equal(t, "3.5", s)
}
