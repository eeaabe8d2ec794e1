package filter

import (
	"encoding/json"
	"strings"
)

// Eval applies an expression to a payload map in process, following the SQL
// compilation: missing keys resolve to null, null or non-list values fail
// existential predicates, and comparisons against null are false. LIKE
// matching differs from SQLite's; see likeMatch.
//
// Endpoint paths are resolved through the optional left/right payloads; a nil
// endpoint payload resolves every endpoint path to null.
func Eval(e Expr, fields map[string]any, left, right map[string]any) (bool, error) {
	if e == nil {
		return true, nil
	}
	if err := Validate(e); err != nil {
		return false, err
	}
	return eval(e, fields, left, right), nil
}

func eval(e Expr, fields, left, right map[string]any) bool {
	switch expr := e.(type) {
	case Comparison:
		value := resolvePrefixed(expr.FieldPath, fields, left, right)
		return compareValue(value, expr.Op, expr.Value)
	case Exists:
		listVal := resolvePrefixed(expr.ListFieldPath, fields, left, right)
		list, ok := listVal.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			var itemVal any
			if m, ok := item.(map[string]any); ok {
				itemVal = ResolvePath(m, expr.ItemPath)
			} else {
				itemVal = item
			}
			if compareValue(itemVal, expr.Op, expr.Value) {
				return true
			}
		}
		return false
	case Logical:
		switch expr.Op {
		case LogicAnd:
			for _, c := range expr.Children {
				if !eval(c, fields, left, right) {
					return false
				}
			}
			return true
		case LogicOr:
			for _, c := range expr.Children {
				if eval(c, fields, left, right) {
					return true
				}
			}
			return false
		case LogicNot:
			return !eval(expr.Children[0], fields, left, right)
		}
	}
	return false
}

func resolvePrefixed(path string, fields, left, right map[string]any) any {
	switch {
	case strings.HasPrefix(path, LeftPrefix):
		if left == nil {
			return nil
		}
		return ResolvePath(left, path[len(LeftPrefix):])
	case strings.HasPrefix(path, RightPrefix):
		if right == nil {
			return nil
		}
		return ResolvePath(right, path[len(RightPrefix):])
	case strings.HasPrefix(path, SelfPrefix):
		return ResolvePath(fields, path[len(SelfPrefix):])
	}
	return nil
}

// ResolvePath follows a dotted path through nested maps, returning nil on any
// missing key or non-map intermediate.
func ResolvePath(data map[string]any, dotted string) any {
	var current any = data
	for _, segment := range strings.Split(dotted, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[segment]
		if current == nil {
			return nil
		}
	}
	return current
}

func compareValue(value any, op string, rhs any) bool {
	switch op {
	case OpIsNull:
		return value == nil
	case OpIsNotNull:
		return value != nil
	case OpIn:
		values, ok := rhs.([]any)
		if !ok || value == nil {
			return false
		}
		for _, v := range values {
			if looseEqual(value, v) {
				return true
			}
		}
		return false
	case OpLike:
		if value == nil {
			return false
		}
		pattern, ok := rhs.(string)
		if !ok {
			return false
		}
		return likeMatch(toString(value), pattern)
	case OpEq:
		if value == nil {
			return false
		}
		return looseEqual(value, rhs)
	case OpNe:
		if value == nil {
			return false
		}
		return !looseEqual(value, rhs)
	case OpGt, OpGe, OpLt, OpLe:
		return orderedCompare(value, op, rhs)
	}
	return false
}

// looseEqual compares across Go numeric representations the way SQL compares
// across JSON numeric affinities.
func looseEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			return as == bs
		}
		return false
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
		return false
	}
	return a == b
}

func orderedCompare(value any, op string, rhs any) bool {
	if value == nil {
		return false
	}
	if vf, vok := toFloat(value); vok {
		rf, rok := toFloat(rhs)
		if !rok {
			return false
		}
		switch op {
		case OpGt:
			return vf > rf
		case OpGe:
			return vf >= rf
		case OpLt:
			return vf < rf
		case OpLe:
			return vf <= rf
		}
		return false
	}
	vs, vok := value.(string)
	rs, rok := rhs.(string)
	if !vok || !rok {
		return false
	}
	switch op {
	case OpGt:
		return vs > rs
	case OpGe:
		return vs >= rs
	case OpLt:
		return vs < rs
	case OpLe:
		return vs <= rs
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func toString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// likeMatch matches a LIKE pattern over UTF-8 strings with % as the only
// wildcard; _ matches itself literally. Matching is case-sensitive for all
// characters, whereas SQLite's LIKE folds ASCII case and treats _ as a
// single-character wildcard.
func likeMatch(s, pattern string) bool {
	parts := strings.Split(pattern, "%")
	if len(parts) == 1 {
		return s == pattern
	}

	// Leading literal must prefix-match.
	if parts[0] != "" {
		if !strings.HasPrefix(s, parts[0]) {
			return false
		}
		s = s[len(parts[0]):]
	}
	// Trailing literal must suffix-match.
	last := parts[len(parts)-1]
	if last != "" {
		if !strings.HasSuffix(s, last) {
			return false
		}
		s = s[:len(s)-len(last)]
	}
	// Interior literals must appear in order.
	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(s, part)
		if idx < 0 {
			return false
		}
		s = s[idx+len(part):]
	}
	return true
}
