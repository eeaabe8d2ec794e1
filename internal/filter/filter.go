// Package filter defines the predicate AST shared by the query DSL, the SQL
// compilers, and the in-process evaluator.
package filter

import (
	"fmt"
	"regexp"
	"strings"
)

// Comparison operators.
const (
	OpEq        = "=="
	OpNe        = "!="
	OpGt        = ">"
	OpGe        = ">="
	OpLt        = "<"
	OpLe        = "<="
	OpLike      = "LIKE"
	OpIn        = "IN"
	OpIsNull    = "IS_NULL"
	OpIsNotNull = "IS_NOT_NULL"
)

// Logical operators.
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
	LogicNot = "NOT"
)

// Path prefixes. Own-field paths start at "$."; endpoint paths at
// "left.$." / "right.$." and are only valid on relation queries.
const (
	SelfPrefix  = "$."
	LeftPrefix  = "left.$."
	RightPrefix = "right.$."
)

var segmentRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Expr is a node of the filter AST.
type Expr interface{ isExpr() }

// Comparison compares a path-addressed value against a literal.
type Comparison struct {
	FieldPath string
	Op        string
	Value     any
}

// Exists is an existential predicate over a list-valued field: true when any
// element's item-path satisfies the comparison.
type Exists struct {
	ListFieldPath string
	ItemPath      string
	Op            string
	Value         any
}

// Logical combines child expressions with AND, OR, or NOT.
type Logical struct {
	Op       string
	Children []Expr
}

// Invalid is produced by builder misuse (nil/bool equality, bad paths). It
// defers the error to execution time so builder chains stay fluent.
type Invalid struct{ Err error }

func (Comparison) isExpr() {}
func (Exists) isExpr()     {}
func (Logical) isExpr()    {}
func (Invalid) isExpr()    {}

// And conjoins expressions.
func And(exprs ...Expr) Expr { return Logical{Op: LogicAnd, Children: exprs} }

// Or disjoins expressions.
func Or(exprs ...Expr) Expr { return Logical{Op: LogicOr, Children: exprs} }

// Not negates an expression.
func Not(expr Expr) Expr { return Logical{Op: LogicNot, Children: []Expr{expr}} }

// Validate walks an expression and returns the first deferred builder error.
func Validate(e Expr) error {
	switch expr := e.(type) {
	case nil:
		return nil
	case Invalid:
		return expr.Err
	case Comparison, Exists:
		return nil
	case Logical:
		for _, c := range expr.Children {
			if err := Validate(c); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown filter expression type %T", e)
	}
}

// Proxy is an immutable reference to a path rooted at an entity, relation, or
// endpoint payload.
type Proxy struct {
	path string
	err  error
}

// F references a top-level field of the queried type.
func F(name string) Proxy { return newProxy(SelfPrefix, name) }

// Left references a field of the relation's left endpoint entity.
func Left(name string) Proxy { return newProxy(LeftPrefix, name) }

// Right references a field of the relation's right endpoint entity.
func Right(name string) Proxy { return newProxy(RightPrefix, name) }

func newProxy(prefix, name string) Proxy {
	if !segmentRe.MatchString(name) {
		return Proxy{err: fmt.Errorf("invalid field name %q: must match [A-Za-z_][A-Za-z0-9_]*", name)}
	}
	return Proxy{path: prefix + name}
}

// Path extends the proxy into a nested field via a dotted sub-path.
func (p Proxy) Path(subPath string) Proxy {
	if p.err != nil {
		return p
	}
	if err := validatePath(subPath); err != nil {
		return Proxy{err: err}
	}
	return Proxy{path: p.path + "." + subPath}
}

// Key extends the proxy by a single path segment.
func (p Proxy) Key(segment string) Proxy {
	if p.err != nil {
		return p
	}
	if !segmentRe.MatchString(segment) {
		return Proxy{err: fmt.Errorf("invalid path segment %q: must match [A-Za-z_][A-Za-z0-9_]*", segment)}
	}
	return Proxy{path: p.path + "." + segment}
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("path must not be empty")
	}
	for _, segment := range strings.Split(path, ".") {
		if !segmentRe.MatchString(segment) {
			return fmt.Errorf("invalid path segment %q: must match [A-Za-z_][A-Za-z0-9_]*", segment)
		}
	}
	return nil
}

// Null and boolean literals are rejected on Eq/Ne so that tri-state JSON
// semantics stay explicit in queries.
const (
	nullEqMsg   = "use IsNull() instead of Eq(nil)"
	nullNeMsg   = "use IsNotNull() instead of Ne(nil)"
	trueEqMsg   = "use IsTrue() instead of Eq(true)"
	falseEqMsg  = "use IsFalse() instead of Eq(false)"
	trueNeMsg   = "use IsFalse() instead of Ne(true)"
	falseNeMsg  = "use IsTrue() instead of Ne(false)"
)

func (p Proxy) compare(op string, value any) Expr {
	if p.err != nil {
		return Invalid{Err: p.err}
	}
	return Comparison{FieldPath: p.path, Op: op, Value: value}
}

// Eq builds path == value. Nil and boolean literals are rejected.
func (p Proxy) Eq(value any) Expr {
	if value == nil {
		return Invalid{Err: fmt.Errorf("%s", nullEqMsg)}
	}
	if b, ok := value.(bool); ok {
		if b {
			return Invalid{Err: fmt.Errorf("%s", trueEqMsg)}
		}
		return Invalid{Err: fmt.Errorf("%s", falseEqMsg)}
	}
	return p.compare(OpEq, value)
}

// Ne builds path != value. Nil and boolean literals are rejected.
func (p Proxy) Ne(value any) Expr {
	if value == nil {
		return Invalid{Err: fmt.Errorf("%s", nullNeMsg)}
	}
	if b, ok := value.(bool); ok {
		if b {
			return Invalid{Err: fmt.Errorf("%s", trueNeMsg)}
		}
		return Invalid{Err: fmt.Errorf("%s", falseNeMsg)}
	}
	return p.compare(OpNe, value)
}

func (p Proxy) Gt(value any) Expr { return p.compare(OpGt, value) }
func (p Proxy) Ge(value any) Expr { return p.compare(OpGe, value) }
func (p Proxy) Lt(value any) Expr { return p.compare(OpLt, value) }
func (p Proxy) Le(value any) Expr { return p.compare(OpLe, value) }

// StartsWith builds a prefix match.
func (p Proxy) StartsWith(prefix string) Expr { return p.compare(OpLike, escapeLike(prefix)+"%") }

// EndsWith builds a suffix match.
func (p Proxy) EndsWith(suffix string) Expr { return p.compare(OpLike, "%"+escapeLike(suffix)) }

// Contains builds a substring match.
func (p Proxy) Contains(sub string) Expr { return p.compare(OpLike, "%"+escapeLike(sub)+"%") }

// In builds a membership test. An empty list yields an always-false match.
func (p Proxy) In(values []any) Expr { return p.compare(OpIn, values) }

// IsNull matches missing or null values.
func (p Proxy) IsNull() Expr { return p.compare(OpIsNull, nil) }

// IsNotNull matches present non-null values.
func (p Proxy) IsNotNull() Expr { return p.compare(OpIsNotNull, nil) }

// IsTrue matches boolean true.
func (p Proxy) IsTrue() Expr { return p.compare(OpEq, true) }

// IsFalse matches boolean false.
func (p Proxy) IsFalse() Expr { return p.compare(OpEq, false) }

// PathString exposes the built path for query internals (order_by, group_by).
func (p Proxy) PathString() (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return p.path, nil
}

// AnyPath creates an existential builder over a list-of-object field. Not
// supported on endpoint proxies.
func (p Proxy) AnyPath(itemPath string) AnyProxy {
	if p.err != nil {
		return AnyProxy{err: p.err}
	}
	if strings.HasPrefix(p.path, LeftPrefix) || strings.HasPrefix(p.path, RightPrefix) {
		return AnyProxy{err: fmt.Errorf("AnyPath is not supported on endpoint proxies")}
	}
	if err := validatePath(itemPath); err != nil {
		return AnyProxy{err: err}
	}
	return AnyProxy{listPath: p.path, itemPath: itemPath}
}

// AnyProxy builds existential comparisons for a (list field, item path) pair.
type AnyProxy struct {
	listPath string
	itemPath string
	err      error
}

func (a AnyProxy) compare(op string, value any) Expr {
	if a.err != nil {
		return Invalid{Err: a.err}
	}
	return Exists{ListFieldPath: a.listPath, ItemPath: a.itemPath, Op: op, Value: value}
}

// Eq builds an existential equality. Nil is rejected.
func (a AnyProxy) Eq(value any) Expr {
	if value == nil {
		return Invalid{Err: fmt.Errorf("%s", nullEqMsg)}
	}
	return a.compare(OpEq, value)
}

// Ne builds an existential inequality. Nil is rejected.
func (a AnyProxy) Ne(value any) Expr {
	if value == nil {
		return Invalid{Err: fmt.Errorf("%s", nullNeMsg)}
	}
	return a.compare(OpNe, value)
}

func (a AnyProxy) Gt(value any) Expr { return a.compare(OpGt, value) }
func (a AnyProxy) Ge(value any) Expr { return a.compare(OpGe, value) }
func (a AnyProxy) Lt(value any) Expr { return a.compare(OpLt, value) }
func (a AnyProxy) Le(value any) Expr { return a.compare(OpLe, value) }

// In builds an existential membership test.
func (a AnyProxy) In(values []any) Expr { return a.compare(OpIn, values) }

// IsNull matches elements whose item path is missing or null.
func (a AnyProxy) IsNull() Expr { return a.compare(OpIsNull, nil) }

// IsNotNull matches elements whose item path is present and non-null.
func (a AnyProxy) IsNotNull() Expr { return a.compare(OpIsNotNull, nil) }

// escapeLike passes the pattern through unchanged, so % and _ inside the
// user text reach SQLite LIKE as wildcards. The in-process evaluator treats
// only % as a wildcard (see likeMatch).
func escapeLike(s string) string { return s }

// NeedsEndpoint reports whether the expression references the given endpoint
// prefix ("left" or "right") anywhere.
func NeedsEndpoint(e Expr, endpoint string) bool {
	prefix := endpoint + ".$."
	switch expr := e.(type) {
	case Comparison:
		return strings.HasPrefix(expr.FieldPath, prefix)
	case Exists:
		return strings.HasPrefix(expr.ListFieldPath, prefix)
	case Logical:
		for _, c := range expr.Children {
			if NeedsEndpoint(c, endpoint) {
				return true
			}
		}
	}
	return false
}
