package ontolog

import (
	"sort"

	"github.com/ontolog/ontolog/internal/filter"
	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/schema"
	"github.com/ontolog/ontolog/internal/storage"
)

// F references a field of the queried type for predicates:
// ontolog.F("name").Eq("Alice"), ontolog.F("profile").Path("city").
var F = filter.F

// LeftF and RightF reference endpoint entity fields in relation queries.
var (
	LeftF  = filter.Left
	RightF = filter.Right
)

// And, Or, and Not combine predicates.
var (
	And = filter.And
	Or  = filter.Or
	Not = filter.Not
)

// Predicate is a composable filter expression.
type Predicate = filter.Expr

// Meta carries the storage identity of a query-hydrated value.
type Meta struct {
	CommitID        int64
	SchemaVersionID int64
	TypeName        string
	Key             string
	LeftKey         string
	RightKey        string
	InstanceKey     string
}

// Row pairs a hydrated value with its metadata.
type Row[T any] struct {
	Value T
	Meta  Meta
}

// EntityQuery builds typed entity queries.
type EntityQuery[T any] struct {
	session  *Session
	et       *schema.EntityType
	err      error
	filter   filter.Expr
	orderBy  string
	desc     bool
	limit    int
	offset   int
	temporal storage.Temporal
}

// Entities starts a typed entity query.
func Entities[T any](s *Session) *EntityQuery[T] {
	q := &EntityQuery[T]{session: s, temporal: storage.Latest()}
	var zero T
	et, err := s.reg.entityOf(zero)
	if err != nil {
		q.err = onterr.Wrap(onterr.KindValidation, "entities", err)
		return q
	}
	if verr := s.ensureSchemaValidated(); verr != nil {
		q.err = verr
		return q
	}
	q.et = et
	return q
}

// Where conjoins a predicate.
func (q *EntityQuery[T]) Where(pred Predicate) *EntityQuery[T] {
	if q.filter == nil {
		q.filter = pred
	} else {
		q.filter = filter.And(q.filter, pred)
	}
	return q
}

// OrderBy sorts by a payload field.
func (q *EntityQuery[T]) OrderBy(field string) *EntityQuery[T] {
	q.orderBy = field
	return q
}

// Desc flips the sort direction.
func (q *EntityQuery[T]) Desc() *EntityQuery[T] { q.desc = true; return q }

// Limit caps the result size.
func (q *EntityQuery[T]) Limit(n int) *EntityQuery[T] { q.limit = n; return q }

// Offset skips the first n results.
func (q *EntityQuery[T]) Offset(n int) *EntityQuery[T] { q.offset = n; return q }

// AsOf scopes the query to state as of a commit.
func (q *EntityQuery[T]) AsOf(commitID int64) *EntityQuery[T] {
	q.temporal = storage.AsOf(commitID)
	return q
}

// WithHistory returns every version ordered by commit.
func (q *EntityQuery[T]) WithHistory() *EntityQuery[T] {
	q.temporal = storage.WithHistory()
	return q
}

// HistorySince returns versions committed strictly after the commit.
func (q *EntityQuery[T]) HistorySince(commitID int64) *EntityQuery[T] {
	q.temporal = storage.HistorySince(commitID)
	return q
}

func (q *EntityQuery[T]) options() storage.QueryOptions {
	return storage.QueryOptions{
		Filter: q.filter, OrderBy: q.orderBy, OrderDesc: q.desc,
		Limit: q.limit, Offset: q.offset, Temporal: q.temporal,
		SchemaVersionID: q.session.schemaVersionIDs[q.et.Name],
	}
}

// CollectRows executes the query returning values with metadata.
func (q *EntityQuery[T]) CollectRows() ([]Row[T], error) {
	if q.err != nil {
		return nil, q.err
	}
	rows, err := q.session.repo.QueryEntities(q.et.Name, q.options())
	if err != nil {
		return nil, err
	}
	out := make([]Row[T], 0, len(rows))
	for _, r := range rows {
		v, err := q.et.HydrateEntity(r.Fields)
		if err != nil {
			return nil, onterr.Wrap(onterr.KindValidation, "collect", err)
		}
		out = append(out, Row[T]{
			Value: v.(T),
			Meta: Meta{
				CommitID: r.CommitID, SchemaVersionID: r.SchemaVersionID,
				TypeName: q.et.Name, Key: r.Key,
			},
		})
	}
	return out, nil
}

// Collect executes the query returning plain values.
func (q *EntityQuery[T]) Collect() ([]T, error) {
	rows, err := q.CollectRows()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Value)
	}
	return out, nil
}

// First returns the first match, or (zero, false) when none.
func (q *EntityQuery[T]) First() (T, bool, error) {
	var zero T
	q.limit = 1
	rows, err := q.Collect()
	if err != nil || len(rows) == 0 {
		return zero, false, err
	}
	return rows[0], true, nil
}

// Count returns the number of matches.
func (q *EntityQuery[T]) Count() (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	return q.session.repo.CountEntities(q.et.Name, q.options())
}

// CountWhere counts matches that also satisfy the existential predicate.
func (q *EntityQuery[T]) CountWhere(pred Predicate) (int64, error) {
	return q.Where(pred).Count()
}

// Sum aggregates a numeric field over the matches.
func (q *EntityQuery[T]) Sum(field string) (any, error) { return q.agg("SUM", field) }

// Avg averages a numeric field over the matches.
func (q *EntityQuery[T]) Avg(field string) (any, error) { return q.agg("AVG", field) }

// Min returns the minimum of a field over the matches.
func (q *EntityQuery[T]) Min(field string) (any, error) { return q.agg("MIN", field) }

// Max returns the maximum of a field over the matches.
func (q *EntityQuery[T]) Max(field string) (any, error) { return q.agg("MAX", field) }

// AvgLen averages list lengths over a list field: null lists are excluded,
// empty lists contribute 0; all-null input returns nil.
func (q *EntityQuery[T]) AvgLen(field string) (any, error) { return q.agg("AVG_LEN", field) }

func (q *EntityQuery[T]) agg(fn, field string) (any, error) {
	if q.err != nil {
		return nil, q.err
	}
	return q.session.repo.AggregateEntities(q.et.Name, fn, field, q.options())
}

// GroupBy starts a grouped aggregation over a payload field.
func (q *EntityQuery[T]) GroupBy(field string) *GroupedQuery {
	return &GroupedQuery{
		session: q.session, kind: schema.TypeKindEntity, typeName: q.et.Name,
		groupField: field, opts: q.options(), err: q.err,
	}
}

// Via starts a traversal over a relation type from the current entity set.
func (q *EntityQuery[T]) Via(relationDef any) *TraversalQuery[T] {
	t := &TraversalQuery[T]{session: q.session, sourceQuery: q}
	if q.err != nil {
		t.err = q.err
		return t
	}
	rt, err := q.session.reg.relationOf(relationDef)
	if err != nil {
		t.err = onterr.Wrap(onterr.KindValidation, "via", err)
		return t
	}
	t.hops = append(t.hops, rt)
	return t
}

// --- Relations ---

// RelationQuery builds typed relation queries.
type RelationQuery[T any] struct {
	session  *Session
	rt       *schema.RelationType
	err      error
	filter   filter.Expr
	orderBy  string
	desc     bool
	limit    int
	offset   int
	temporal storage.Temporal
}

// Relations starts a typed relation query.
func Relations[T any](s *Session) *RelationQuery[T] {
	q := &RelationQuery[T]{session: s, temporal: storage.Latest()}
	var zero T
	rt, err := s.reg.relationOf(zero)
	if err != nil {
		q.err = onterr.Wrap(onterr.KindValidation, "relations", err)
		return q
	}
	if verr := s.ensureSchemaValidated(); verr != nil {
		q.err = verr
		return q
	}
	q.rt = rt
	return q
}

// Where conjoins a predicate; LeftF/RightF address endpoint fields.
func (q *RelationQuery[T]) Where(pred Predicate) *RelationQuery[T] {
	if q.filter == nil {
		q.filter = pred
	} else {
		q.filter = filter.And(q.filter, pred)
	}
	return q
}

// OrderBy sorts by a payload field.
func (q *RelationQuery[T]) OrderBy(field string) *RelationQuery[T] { q.orderBy = field; return q }

// Desc flips the sort direction.
func (q *RelationQuery[T]) Desc() *RelationQuery[T] { q.desc = true; return q }

// Limit caps the result size.
func (q *RelationQuery[T]) Limit(n int) *RelationQuery[T] { q.limit = n; return q }

// Offset skips the first n results.
func (q *RelationQuery[T]) Offset(n int) *RelationQuery[T] { q.offset = n; return q }

// AsOf scopes the query to state as of a commit.
func (q *RelationQuery[T]) AsOf(commitID int64) *RelationQuery[T] {
	q.temporal = storage.AsOf(commitID)
	return q
}

// WithHistory returns every version ordered by commit.
func (q *RelationQuery[T]) WithHistory() *RelationQuery[T] {
	q.temporal = storage.WithHistory()
	return q
}

// HistorySince returns versions committed strictly after the commit.
func (q *RelationQuery[T]) HistorySince(commitID int64) *RelationQuery[T] {
	q.temporal = storage.HistorySince(commitID)
	return q
}

func (q *RelationQuery[T]) options() storage.QueryOptions {
	return storage.QueryOptions{
		Filter: q.filter, OrderBy: q.orderBy, OrderDesc: q.desc,
		Limit: q.limit, Offset: q.offset, Temporal: q.temporal,
		SchemaVersionID: q.session.schemaVersionIDs[q.rt.Name],
		LeftEntityType:  q.rt.LeftType,
		RightEntityType: q.rt.RightType,
	}
}

// CollectRows executes the query returning values with metadata.
func (q *RelationQuery[T]) CollectRows() ([]Row[T], error) {
	if q.err != nil {
		return nil, q.err
	}
	rows, err := q.session.repo.QueryRelations(q.rt.Name, q.options())
	if err != nil {
		return nil, err
	}
	out := make([]Row[T], 0, len(rows))
	for _, r := range rows {
		v, err := q.rt.HydrateRelation(r.LeftKey, r.RightKey, r.InstanceKey, r.Fields)
		if err != nil {
			return nil, onterr.Wrap(onterr.KindValidation, "collect", err)
		}
		out = append(out, Row[T]{
			Value: v.(T),
			Meta: Meta{
				CommitID: r.CommitID, SchemaVersionID: r.SchemaVersionID,
				TypeName: q.rt.Name, LeftKey: r.LeftKey, RightKey: r.RightKey,
				InstanceKey: r.InstanceKey,
			},
		})
	}
	return out, nil
}

// Collect executes the query returning plain values.
func (q *RelationQuery[T]) Collect() ([]T, error) {
	rows, err := q.CollectRows()
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Value)
	}
	return out, nil
}

// First returns the first match, or (zero, false) when none.
func (q *RelationQuery[T]) First() (T, bool, error) {
	var zero T
	q.limit = 1
	rows, err := q.Collect()
	if err != nil || len(rows) == 0 {
		return zero, false, err
	}
	return rows[0], true, nil
}

// Count returns the number of matches.
func (q *RelationQuery[T]) Count() (int64, error) {
	if q.err != nil {
		return 0, q.err
	}
	return q.session.repo.CountRelations(q.rt.Name, q.options())
}

// CountWhere counts matches that also satisfy the existential predicate.
func (q *RelationQuery[T]) CountWhere(pred Predicate) (int64, error) {
	return q.Where(pred).Count()
}

// Sum aggregates a numeric field over the matches.
func (q *RelationQuery[T]) Sum(field string) (any, error) { return q.agg("SUM", field) }

// Avg averages a numeric field over the matches.
func (q *RelationQuery[T]) Avg(field string) (any, error) { return q.agg("AVG", field) }

// Min returns the minimum of a field over the matches.
func (q *RelationQuery[T]) Min(field string) (any, error) { return q.agg("MIN", field) }

// Max returns the maximum of a field over the matches.
func (q *RelationQuery[T]) Max(field string) (any, error) { return q.agg("MAX", field) }

// AvgLen averages list lengths over a list field.
func (q *RelationQuery[T]) AvgLen(field string) (any, error) { return q.agg("AVG_LEN", field) }

func (q *RelationQuery[T]) agg(fn, field string) (any, error) {
	if q.err != nil {
		return nil, q.err
	}
	return q.session.repo.AggregateRelations(q.rt.Name, fn, field, q.options())
}

// GroupBy starts a grouped aggregation over a payload field.
func (q *RelationQuery[T]) GroupBy(field string) *GroupedQuery {
	return &GroupedQuery{
		session: q.session, kind: schema.TypeKindRelation, typeName: q.rt.Name,
		groupField: field, opts: q.options(), err: q.err,
	}
}

// --- Grouped aggregation ---

// Agg names one aggregate for GroupedQuery.Agg.
type Agg struct {
	Fn    string
	Field string
}

// Count aggregates group sizes.
func Count() Agg { return Agg{Fn: "COUNT"} }

// Sum aggregates a numeric field per group.
func Sum(field string) Agg { return Agg{Fn: "SUM", Field: field} }

// Avg averages a numeric field per group.
func Avg(field string) Agg { return Agg{Fn: "AVG", Field: field} }

// Min takes the per-group minimum of a field.
func Min(field string) Agg { return Agg{Fn: "MIN", Field: field} }

// Max takes the per-group maximum of a field.
func Max(field string) Agg { return Agg{Fn: "MAX", Field: field} }

// GroupedQuery is a query after GroupBy, before Agg.
type GroupedQuery struct {
	session    *Session
	kind       string
	typeName   string
	groupField string
	opts       storage.QueryOptions
	having     *storage.Having
	err        error
}

// Having filters groups prior to materialization.
func (g *GroupedQuery) Having(agg Agg, op string, value any) *GroupedQuery {
	g.having = &storage.Having{
		Agg: storage.AggSpec{Fn: agg.Fn, Field: agg.Field}, Op: op, Value: value,
	}
	return g
}

// Agg materializes grouped rows: {"group_key": ..., name: aggregate, ...},
// ordered by group key.
func (g *GroupedQuery) Agg(aggs map[string]Agg) ([]map[string]any, error) {
	if g.err != nil {
		return nil, g.err
	}
	named := make([]storage.NamedAgg, 0, len(aggs))
	for _, name := range sortedAggNames(aggs) {
		a := aggs[name]
		named = append(named, storage.NamedAgg{Name: name, Agg: storage.AggSpec{Fn: a.Fn, Field: a.Field}})
	}
	if g.kind == schema.TypeKindEntity {
		return g.session.repo.GroupByEntities(g.typeName, g.groupField, named, g.opts, g.having)
	}
	return g.session.repo.GroupByRelations(g.typeName, g.groupField, named, g.opts, g.having)
}

func sortedAggNames(aggs map[string]Agg) []string {
	names := make([]string, 0, len(aggs))
	for name := range aggs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// --- Traversal ---

// Path is one traversal result rooted at a source entity. Relations hold
// the hydrated relation values of every hop; Destinations holds the final
// endpoint entities, deduplicated per source.
type Path[T any] struct {
	Source       T
	SourceMeta   Meta
	Relations    []any
	Destinations []any
}

// TraversalQuery walks relations outward from an entity query. Lookup only;
// aggregation is not supported on traversals.
type TraversalQuery[T any] struct {
	session     *Session
	sourceQuery *EntityQuery[T]
	hops        []*schema.RelationType
	err         error
}

// Via appends another hop.
func (t *TraversalQuery[T]) Via(relationDef any) *TraversalQuery[T] {
	if t.err != nil {
		return t
	}
	rt, err := t.session.reg.relationOf(relationDef)
	if err != nil {
		t.err = onterr.Wrap(onterr.KindValidation, "via", err)
		return t
	}
	t.hops = append(t.hops, rt)
	return t
}

// Collect evaluates the traversal hop by hop. Zero-hop sources still yield
// a Path so callers keep the source set.
func (t *TraversalQuery[T]) Collect() ([]Path[T], error) {
	if t.err != nil {
		return nil, t.err
	}
	sources, err := t.sourceQuery.CollectRows()
	if err != nil {
		return nil, err
	}

	out := make([]Path[T], 0, len(sources))
	for _, src := range sources {
		path := Path[T]{Source: src.Value, SourceMeta: src.Meta}

		currentKeys := []string{src.Meta.Key}
		currentType := t.sourceQuery.et.Name

		for _, rt := range t.hops {
			direction := "left"
			farType := rt.RightType
			if rt.LeftType != currentType {
				direction = "right"
				farType = rt.LeftType
			}

			var nextKeys []string
			seenDest := map[string]bool{}
			for _, key := range currentKeys {
				rels, err := t.session.repo.GetRelationsForEntity(rt.Name, currentType, key, direction)
				if err != nil {
					return nil, err
				}
				for _, rel := range rels {
					hydrated, err := rt.HydrateRelation(rel.LeftKey, rel.RightKey, rel.InstanceKey, rel.Fields)
					if err != nil {
						return nil, onterr.Wrap(onterr.KindValidation, "traverse", err)
					}
					path.Relations = append(path.Relations, hydrated)

					farKey := rel.RightKey
					if direction == "right" {
						farKey = rel.LeftKey
					}
					// Multiple connecting relations still yield one
					// destination per source path.
					if !seenDest[farKey] {
						seenDest[farKey] = true
						nextKeys = append(nextKeys, farKey)
					}
				}
			}
			currentKeys = nextKeys
			currentType = farType
		}

		if et, ok := t.session.reg.entities[currentType]; ok && len(t.hops) > 0 {
			for _, key := range currentKeys {
				row, err := t.session.repo.GetLatestEntity(currentType, key)
				if err != nil {
					return nil, err
				}
				if row == nil {
					continue
				}
				dest, err := et.HydrateEntity(row.Fields)
				if err != nil {
					return nil, onterr.Wrap(onterr.KindValidation, "traverse", err)
				}
				path.Destinations = append(path.Destinations, dest)
			}
		}
		out = append(out, path)
	}
	return out, nil
}
