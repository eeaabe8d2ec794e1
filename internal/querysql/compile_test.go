package querysql

import (
	"fmt"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontolog/ontolog/internal/filter"
)

func TestCompile_SimpleComparison(t *testing.T) {
	c := &Compiler{TableAlias: "q"}

	sql, params, err := c.Compile(filter.F("name").Eq("Alice"))
	require.NoError(t, err)

	assert.Equal(t, "json_extract(q.fields_json, '$.name') = ?", sql)
	// The value is parameterized, never interpolated.
	assert.NotContains(t, sql, "Alice")
	assert.Equal(t, []any{"Alice"}, params)
}

func TestCompile_NestedPath(t *testing.T) {
	c := &Compiler{TableAlias: "q"}
	sql, params, err := c.Compile(filter.F("profile").Path("address.city").Eq("Berlin"))
	require.NoError(t, err)
	assert.Equal(t, "json_extract(q.fields_json, '$.profile.address.city') = ?", sql)
	assert.Equal(t, []any{"Berlin"}, params)
}

func TestCompile_NullPredicates(t *testing.T) {
	c := &Compiler{TableAlias: "q"}

	sql, params, err := c.Compile(filter.F("deleted_at").IsNull())
	require.NoError(t, err)
	assert.Equal(t, "json_extract(q.fields_json, '$.deleted_at') IS NULL", sql)
	assert.Empty(t, params)

	sql, _, err = c.Compile(filter.F("deleted_at").IsNotNull())
	require.NoError(t, err)
	assert.Equal(t, "json_extract(q.fields_json, '$.deleted_at') IS NOT NULL", sql)
}

func TestCompile_In(t *testing.T) {
	c := &Compiler{TableAlias: "q"}

	sql, params, err := c.Compile(filter.F("tier").In([]any{"Gold", "Silver"}))
	require.NoError(t, err)
	assert.Equal(t, "json_extract(q.fields_json, '$.tier') IN (?, ?)", sql)
	assert.Equal(t, []any{"Gold", "Silver"}, params)
}

func TestCompile_EmptyInIsAlwaysFalse(t *testing.T) {
	c := &Compiler{TableAlias: "q"}
	sql, params, err := c.Compile(filter.F("tier").In([]any{}))
	require.NoError(t, err)
	assert.Equal(t, "1 = 0", sql)
	assert.Empty(t, params)
}

func TestCompile_Existential(t *testing.T) {
	c := &Compiler{TableAlias: "q"}

	sql, params, err := c.Compile(filter.F("events").AnyPath("kind").Eq("click"))
	require.NoError(t, err)
	assert.Equal(t,
		"EXISTS (SELECT 1 FROM json_each(json_extract(q.fields_json, '$.events')) AS je "+
			"WHERE json_extract(je.value, '$.kind') = ?)", sql)
	assert.Equal(t, []any{"click"}, params)
}

func TestCompile_EndpointPaths(t *testing.T) {
	c := &Compiler{TableAlias: "q"}

	sql, params, err := c.Compile(filter.Left("tier").Eq("Gold"))
	require.NoError(t, err)
	assert.Equal(t, "json_extract(le.fields_json, '$.tier') = ?", sql)
	assert.Equal(t, []any{"Gold"}, params)

	sql, _, err = c.Compile(filter.Right("price").Gt(100))
	require.NoError(t, err)
	assert.Equal(t, "json_extract(re.fields_json, '$.price') > ?", sql)
}

func TestCompile_TypedColumnRewrite(t *testing.T) {
	c := &Compiler{
		TableAlias:   "q",
		TypedColumns: map[string]string{"age": `q."age"`},
	}

	sql, _, err := c.Compile(filter.F("age").Gt(30))
	require.NoError(t, err)
	assert.Equal(t, `q."age" > ?`, sql)

	// Nested paths never rewrite to typed columns.
	sql, _, err = c.Compile(filter.F("age").Key("x").Gt(30))
	require.NoError(t, err)
	assert.Equal(t, "json_extract(q.fields_json, '$.age.x') > ?", sql)
}

func TestCompile_BuildTimeErrorsSurface(t *testing.T) {
	c := &Compiler{TableAlias: "q"}
	_, _, err := c.Compile(filter.F("a").Eq(nil))
	assert.Error(t, err)
}

func TestCompile_Golden(t *testing.T) {
	c := &Compiler{TableAlias: "q"}
	cases := []struct {
		name string
		expr filter.Expr
	}{
		{"and_or_not", filter.And(
			filter.F("tier").Eq("Gold"),
			filter.Or(filter.F("active").IsTrue(), filter.Not(filter.F("age").Lt(18))),
		)},
		{"exists_in_conjunction", filter.And(
			filter.F("events").AnyPath("kind").In([]any{"click", "view"}),
			filter.F("name").StartsWith("A"),
		)},
		{"endpoint_mix", filter.And(
			filter.Left("tier").Eq("Gold"),
			filter.Right("price").Ge(10),
			filter.F("role").Ne("Bot"),
		)},
	}

	g := goldie.New(t)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sql, params, err := c.Compile(tc.expr)
			require.NoError(t, err)
			g.Assert(t, tc.name, []byte(fmt.Sprintf("%s\n-- params: %v\n", sql, params)))
		})
	}
}

func TestAggExpr(t *testing.T) {
	sql, err := AggExpr("AVG", "q", "amount")
	require.NoError(t, err)
	assert.Equal(t, "AVG(json_extract(q.fields_json, '$.amount'))", sql)

	sql, err = AggExpr("AVG_LEN", "q", "events")
	require.NoError(t, err)
	assert.Equal(t, "AVG(json_array_length(json_extract(q.fields_json, '$.events')))", sql)

	sql, err = AggExpr("COUNT", "q", "")
	require.NoError(t, err)
	assert.Equal(t, "COUNT(*)", sql)

	_, err = AggExpr("MEDIAN", "q", "x")
	assert.Error(t, err)
}

func TestOrderBy_NullsLast(t *testing.T) {
	assert.Equal(t,
		"json_extract(q.fields_json, '$.age') IS NULL, json_extract(q.fields_json, '$.age') ASC",
		OrderBy("q", "age", false))
	assert.Equal(t,
		"json_extract(q.fields_json, '$.age') IS NULL, json_extract(q.fields_json, '$.age') DESC",
		OrderBy("q", "age", true))
}
