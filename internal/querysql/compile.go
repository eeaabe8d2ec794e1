// Package querysql compiles the filter AST to parameterized SQL.
//
// The same compiler serves both scan engines: SQLite over the history tables
// and DuckDB over read_parquet file lists. Both dialects share json_extract,
// json_each, and json_array_length, and both take ? placeholders through
// database/sql.
//
// Values are always parameterized, never interpolated. Dedup views order by
// commit_id with identity tiebreakers so results are deterministic.
package querysql

import (
	"fmt"
	"strings"

	"github.com/ontolog/ontolog/internal/filter"
)

// Endpoint join aliases. When a relation filter references left/right
// endpoint fields, the backend joins the endpoint type's deduped
// current-state view under these aliases.
const (
	LeftAlias  = "le"
	RightAlias = "re"
)

// Compiler compiles filter expressions against a row source alias.
type Compiler struct {
	// TableAlias prefixes fields_json for own-field paths. Empty means the
	// bare column name.
	TableAlias string
	// TypedColumns maps top-level field names to typed column expressions.
	// When a scalar comparison targets one of these fields, the compiler
	// rewrites json_extract to the direct column reference (engine v2).
	TypedColumns map[string]string
}

// Compile converts a filter expression to a SQL fragment plus parameters.
func (c *Compiler) Compile(e filter.Expr) (string, []any, error) {
	if e == nil {
		return "1 = 1", nil, nil
	}
	if err := filter.Validate(e); err != nil {
		return "", nil, err
	}
	var params []any
	sql, err := c.compile(e, &params)
	if err != nil {
		return "", nil, err
	}
	return sql, params, nil
}

func (c *Compiler) compile(e filter.Expr, params *[]any) (string, error) {
	switch expr := e.(type) {
	case filter.Comparison:
		return c.compileComparison(expr, params)
	case filter.Exists:
		return c.compileExists(expr, params)
	case filter.Logical:
		return c.compileLogical(expr, params)
	default:
		return "", fmt.Errorf("unsupported filter expression type %T", e)
	}
}

func (c *Compiler) compileLogical(expr filter.Logical, params *[]any) (string, error) {
	switch expr.Op {
	case filter.LogicNot:
		if len(expr.Children) != 1 {
			return "", fmt.Errorf("NOT requires exactly one child, got %d", len(expr.Children))
		}
		child, err := c.compile(expr.Children[0], params)
		if err != nil {
			return "", err
		}
		return "NOT (" + child + ")", nil
	case filter.LogicAnd, filter.LogicOr:
		if len(expr.Children) == 0 {
			return "1 = 1", nil
		}
		parts := make([]string, 0, len(expr.Children))
		for _, child := range expr.Children {
			sql, err := c.compile(child, params)
			if err != nil {
				return "", err
			}
			parts = append(parts, sql)
		}
		return "(" + strings.Join(parts, " "+expr.Op+" ") + ")", nil
	default:
		return "", fmt.Errorf("unknown logical operator %q", expr.Op)
	}
}

// column resolves a field path to the SQL expression addressing it.
func (c *Compiler) column(fieldPath string) (string, error) {
	var alias, sub string
	switch {
	case strings.HasPrefix(fieldPath, filter.LeftPrefix):
		alias, sub = LeftAlias, fieldPath[len(filter.LeftPrefix):]
	case strings.HasPrefix(fieldPath, filter.RightPrefix):
		alias, sub = RightAlias, fieldPath[len(filter.RightPrefix):]
	case strings.HasPrefix(fieldPath, filter.SelfPrefix):
		alias, sub = c.TableAlias, fieldPath[len(filter.SelfPrefix):]
		if c.TypedColumns != nil && !strings.Contains(sub, ".") {
			if col, ok := c.TypedColumns[sub]; ok {
				return col, nil
			}
		}
	default:
		return "", fmt.Errorf("invalid field path %q", fieldPath)
	}

	prefix := ""
	if alias != "" {
		prefix = alias + "."
	}
	return fmt.Sprintf("json_extract(%sfields_json, '$.%s')", prefix, sub), nil
}

func (c *Compiler) compileComparison(expr filter.Comparison, params *[]any) (string, error) {
	col, err := c.column(expr.FieldPath)
	if err != nil {
		return "", err
	}
	return compileOp(col, expr.Op, expr.Value, params)
}

func (c *Compiler) compileExists(expr filter.Exists, params *[]any) (string, error) {
	if !strings.HasPrefix(expr.ListFieldPath, filter.SelfPrefix) {
		return "", fmt.Errorf("existential predicates are not supported on endpoint paths: %q", expr.ListFieldPath)
	}
	listField := expr.ListFieldPath[len(filter.SelfPrefix):]

	prefix := ""
	if c.TableAlias != "" {
		prefix = c.TableAlias + "."
	}

	itemCol := fmt.Sprintf("json_extract(je.value, '$.%s')", expr.ItemPath)
	condition, err := compileOp(itemCol, expr.Op, expr.Value, params)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(
		"EXISTS (SELECT 1 FROM json_each(json_extract(%sfields_json, '$.%s')) AS je WHERE %s)",
		prefix, listField, condition,
	), nil
}

func compileOp(col, op string, value any, params *[]any) (string, error) {
	switch op {
	case filter.OpIsNull:
		return col + " IS NULL", nil
	case filter.OpIsNotNull:
		return col + " IS NOT NULL", nil
	case filter.OpIn:
		values, ok := value.([]any)
		if !ok {
			return "", fmt.Errorf("IN requires a []any value, got %T", value)
		}
		if len(values) == 0 {
			// Empty membership is vacuously false, not a SQL error.
			return "1 = 0", nil
		}
		placeholders := make([]string, len(values))
		for i, v := range values {
			placeholders[i] = "?"
			*params = append(*params, v)
		}
		return fmt.Sprintf("%s IN (%s)", col, strings.Join(placeholders, ", ")), nil
	case filter.OpLike:
		*params = append(*params, value)
		return col + " LIKE ?", nil
	case filter.OpEq:
		*params = append(*params, value)
		return col + " = ?", nil
	case filter.OpNe:
		*params = append(*params, value)
		return col + " != ?", nil
	case filter.OpGt, filter.OpGe, filter.OpLt, filter.OpLe:
		*params = append(*params, value)
		return col + " " + op + " ?", nil
	default:
		return "", fmt.Errorf("unknown comparison operator %q", op)
	}
}

// OrderBy builds a deterministic ORDER BY fragment over a payload field:
// nulls last, then the requested direction, with the identity columns
// appended by the caller as tiebreakers.
func OrderBy(tableAlias, fieldPath string, desc bool) string {
	prefix := ""
	if tableAlias != "" {
		prefix = tableAlias + "."
	}
	col := fmt.Sprintf("json_extract(%sfields_json, '$.%s')", prefix, fieldPath)
	direction := "ASC"
	if desc {
		direction = "DESC"
	}
	return fmt.Sprintf("%s IS NULL, %s %s", col, col, direction)
}

// AggExpr builds the SQL expression of a scalar aggregate over a payload
// field. AVG_LEN measures json_array_length per row (null lists excluded by
// AVG, empty lists contribute 0).
func AggExpr(fn, tableAlias, fieldName string) (string, error) {
	prefix := ""
	if tableAlias != "" {
		prefix = tableAlias + "."
	}
	switch fn {
	case "COUNT":
		return "COUNT(*)", nil
	case "SUM", "AVG", "MIN", "MAX":
		return fmt.Sprintf("%s(json_extract(%sfields_json, '$.%s'))", fn, prefix, fieldName), nil
	case "AVG_LEN":
		return fmt.Sprintf("AVG(json_array_length(json_extract(%sfields_json, '$.%s')))", prefix, fieldName), nil
	default:
		return "", fmt.Errorf("unknown aggregate function %q", fn)
	}
}
