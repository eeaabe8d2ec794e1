package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalOK(t *testing.T, e Expr, fields map[string]any) bool {
	t.Helper()
	ok, err := Eval(e, fields, nil, nil)
	require.NoError(t, err)
	return ok
}

func TestEval_ScalarComparisons(t *testing.T) {
	fields := map[string]any{"name": "Alice", "age": int64(30), "score": 1.5}

	assert.True(t, evalOK(t, F("name").Eq("Alice"), fields))
	assert.False(t, evalOK(t, F("name").Eq("Bob"), fields))
	assert.True(t, evalOK(t, F("name").Ne("Bob"), fields))
	assert.True(t, evalOK(t, F("age").Gt(29), fields))
	assert.True(t, evalOK(t, F("age").Ge(30), fields))
	assert.False(t, evalOK(t, F("age").Lt(30), fields))
	assert.True(t, evalOK(t, F("score").Le(1.5), fields))
}

func TestEval_MissingKeysResolveToNull(t *testing.T) {
	fields := map[string]any{"a": 1}

	// Comparisons against null are false; IS_NULL is true.
	assert.False(t, evalOK(t, F("missing").Eq("x"), fields))
	assert.False(t, evalOK(t, F("missing").Gt(0), fields))
	assert.True(t, evalOK(t, F("missing").IsNull(), fields))
	assert.False(t, evalOK(t, F("missing").IsNotNull(), fields))
}

func TestEval_NestedPaths(t *testing.T) {
	fields := map[string]any{
		"profile": map[string]any{"address": map[string]any{"city": "Berlin"}},
	}
	assert.True(t, evalOK(t, F("profile").Path("address.city").Eq("Berlin"), fields))
	assert.False(t, evalOK(t, F("profile").Path("address.zip").IsNotNull(), fields))
	// A non-map intermediate resolves to null rather than erroring.
	assert.True(t, evalOK(t, F("profile").Path("address.city.deeper").IsNull(), fields))
}

func TestEval_In(t *testing.T) {
	fields := map[string]any{"tier": "Gold"}
	assert.True(t, evalOK(t, F("tier").In([]any{"Silver", "Gold"}), fields))
	assert.False(t, evalOK(t, F("tier").In([]any{"Silver"}), fields))
	// Empty membership is vacuously false, never an error.
	assert.False(t, evalOK(t, F("tier").In([]any{}), fields))
}

func TestEval_Like(t *testing.T) {
	fields := map[string]any{"email": "alice@example.com"}
	assert.True(t, evalOK(t, F("email").StartsWith("alice"), fields))
	assert.True(t, evalOK(t, F("email").EndsWith(".com"), fields))
	assert.True(t, evalOK(t, F("email").Contains("@example"), fields))
	assert.False(t, evalOK(t, F("email").StartsWith("bob"), fields))
	assert.False(t, evalOK(t, F("missing").Contains("x"), fields))
}

func TestEval_Existential(t *testing.T) {
	fields := map[string]any{
		"events": []any{
			map[string]any{"kind": "view"},
			map[string]any{"kind": "click"},
		},
	}
	assert.True(t, evalOK(t, F("events").AnyPath("kind").Eq("click"), fields))
	assert.False(t, evalOK(t, F("events").AnyPath("kind").Eq("purchase"), fields))
}

func TestEval_ExistentialNullAndEmptyListsAreFalse(t *testing.T) {
	assert.False(t, evalOK(t, F("events").AnyPath("kind").Eq("click"), map[string]any{}))
	assert.False(t, evalOK(t, F("events").AnyPath("kind").Eq("click"), map[string]any{"events": nil}))
	assert.False(t, evalOK(t, F("events").AnyPath("kind").Eq("click"), map[string]any{"events": []any{}}))
	// Non-list values fail existential predicates rather than erroring.
	assert.False(t, evalOK(t, F("events").AnyPath("kind").Eq("click"), map[string]any{"events": "click"}))
}

func TestEval_ExistentialNestedItemPath(t *testing.T) {
	fields := map[string]any{
		"orders": []any{
			map[string]any{"item": map[string]any{"sku": "a-1"}},
		},
	}
	assert.True(t, evalOK(t, F("orders").AnyPath("item.sku").Eq("a-1"), fields))
	assert.False(t, evalOK(t, F("orders").AnyPath("item.sku").Eq("b-2"), fields))
}

func TestEval_Logical(t *testing.T) {
	fields := map[string]any{"a": int64(1), "b": int64(2)}
	assert.True(t, evalOK(t, And(F("a").Eq(1), F("b").Eq(2)), fields))
	assert.False(t, evalOK(t, And(F("a").Eq(1), F("b").Eq(3)), fields))
	assert.True(t, evalOK(t, Or(F("a").Eq(9), F("b").Eq(2)), fields))
	assert.True(t, evalOK(t, Not(F("a").Eq(9)), fields))
}

func TestEval_EndpointPaths(t *testing.T) {
	fields := map[string]any{"role": "Eng"}
	left := map[string]any{"tier": "Gold"}

	ok, err := Eval(And(F("role").Eq("Eng"), Left("tier").Eq("Gold")), fields, left, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	// A nil endpoint payload resolves endpoint paths to null.
	ok, err = Eval(Right("price").IsNull(), fields, left, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEval_InvalidExpressionSurfacesError(t *testing.T) {
	_, err := Eval(F("a").Eq(nil), map[string]any{}, nil, nil)
	assert.Error(t, err)
}
