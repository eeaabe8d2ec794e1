package sqlitestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontolog/ontolog/internal/filter"
	"github.com/ontolog/ontolog/internal/storage"
)

func seedCustomers(t *testing.T, s *Store) {
	t.Helper()
	writeCommit(t, s, "Customer", map[string]map[string]any{
		"c1": {"name": "Alice", "tier": "Gold", "age": 30,
			"events": []any{map[string]any{"kind": "click"}, map[string]any{"kind": "view"}}},
	})
	writeCommit(t, s, "Customer", map[string]map[string]any{
		"c2": {"name": "Bob", "tier": "Silver", "age": 25, "events": []any{}},
	})
	writeCommit(t, s, "Customer", map[string]map[string]any{
		"c1": {"name": "Alicia", "tier": "Gold", "age": 31,
			"events": []any{map[string]any{"kind": "click"}, map[string]any{"kind": "view"}}},
	})
}

func TestQueryEntities_LatestDedup(t *testing.T) {
	s := openTestStore(t)
	seedCustomers(t, s)

	rows, err := s.QueryEntities("Customer", storage.QueryOptions{Temporal: storage.Latest()})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c1", rows[0].Key)
	assert.Equal(t, "Alicia", rows[0].Fields["name"])
	assert.Equal(t, int64(3), rows[0].CommitID)
	assert.Equal(t, "c2", rows[1].Key)
}

func TestQueryEntities_AsOf(t *testing.T) {
	s := openTestStore(t)
	seedCustomers(t, s)

	rows, err := s.QueryEntities("Customer", storage.QueryOptions{Temporal: storage.AsOf(1)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Alice", rows[0].Fields["name"])

	rows, err = s.QueryEntities("Customer", storage.QueryOptions{Temporal: storage.AsOf(2)})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// Beyond head clamps to head.
	rows, err = s.QueryEntities("Customer", storage.QueryOptions{Temporal: storage.AsOf(99)})
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestQueryEntities_History(t *testing.T) {
	s := openTestStore(t)
	seedCustomers(t, s)

	rows, err := s.QueryEntities("Customer", storage.QueryOptions{Temporal: storage.WithHistory()})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	// Ordered commit ASC with identity tiebreak.
	assert.Equal(t, int64(1), rows[0].CommitID)
	assert.Equal(t, int64(2), rows[1].CommitID)
	assert.Equal(t, int64(3), rows[2].CommitID)

	rows, err = s.QueryEntities("Customer", storage.QueryOptions{Temporal: storage.HistorySince(1)})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(2), rows[0].CommitID)
}

func TestQueryEntities_FilterParityWithEvaluator(t *testing.T) {
	s := openTestStore(t)
	seedCustomers(t, s)

	// Each predicate must agree between the SQL scan and the in-process
	// evaluator over the same latest rows.
	preds := []filter.Expr{
		filter.F("tier").Eq("Gold"),
		filter.F("age").Gt(30),
		filter.F("name").StartsWith("Ali"),
		filter.F("tier").In([]any{"Silver"}),
		filter.F("tier").In([]any{}),
		filter.F("missing").IsNull(),
		filter.F("events").AnyPath("kind").Eq("click"),
		filter.F("events").AnyPath("kind").Eq("purchase"),
		filter.And(filter.F("tier").Eq("Gold"), filter.F("age").Ge(31)),
		filter.Not(filter.F("tier").Eq("Gold")),
	}

	all, err := s.QueryEntities("Customer", storage.QueryOptions{Temporal: storage.Latest()})
	require.NoError(t, err)

	for i, pred := range preds {
		viaSQL, err := s.QueryEntities("Customer", storage.QueryOptions{
			Temporal: storage.Latest(), Filter: pred,
		})
		require.NoError(t, err, "predicate %d", i)

		wantKeys := map[string]bool{}
		for _, row := range all {
			ok, err := filter.Eval(pred, row.Fields, nil, nil)
			require.NoError(t, err)
			if ok {
				wantKeys[row.Key] = true
			}
		}
		gotKeys := map[string]bool{}
		for _, row := range viaSQL {
			gotKeys[row.Key] = true
		}
		assert.Equal(t, wantKeys, gotKeys, "predicate %d disagrees with evaluator", i)
	}
}

func TestQueryEntities_OrderLimitOffset(t *testing.T) {
	s := openTestStore(t)
	seedCustomers(t, s)

	rows, err := s.QueryEntities("Customer", storage.QueryOptions{
		Temporal: storage.Latest(), OrderBy: "age", OrderDesc: true,
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "c1", rows[0].Key)

	rows, err = s.QueryEntities("Customer", storage.QueryOptions{
		Temporal: storage.Latest(), OrderBy: "age", Limit: 1, Offset: 1,
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c1", rows[0].Key)
}

func TestAggregates(t *testing.T) {
	s := openTestStore(t)
	seedCustomers(t, s)
	opts := storage.QueryOptions{Temporal: storage.Latest()}

	n, err := s.CountEntities("Customer", opts)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	sum, err := s.AggregateEntities("Customer", "SUM", "age", opts)
	require.NoError(t, err)
	assert.EqualValues(t, 56, sum)

	avg, err := s.AggregateEntities("Customer", "AVG", "age", opts)
	require.NoError(t, err)
	assert.EqualValues(t, 28, avg)

	min, err := s.AggregateEntities("Customer", "MIN", "age", opts)
	require.NoError(t, err)
	assert.EqualValues(t, 25, min)

	max, err := s.AggregateEntities("Customer", "MAX", "age", opts)
	require.NoError(t, err)
	assert.EqualValues(t, 31, max)
}

func TestAvgLen_NullExcludedEmptyCountsZero(t *testing.T) {
	s := openTestStore(t)
	writeCommit(t, s, "T", map[string]map[string]any{
		"a": {"list": []any{1, 2}},
		"b": {"list": []any{}},
		"c": {"other": 1},
	})

	avg, err := s.AggregateEntities("T", "AVG_LEN", "list", storage.QueryOptions{Temporal: storage.Latest()})
	require.NoError(t, err)
	assert.EqualValues(t, 1, avg)

	// All-null list fields yield null.
	all, err := s.AggregateEntities("T", "AVG_LEN", "other_list", storage.QueryOptions{Temporal: storage.Latest()})
	require.NoError(t, err)
	assert.Nil(t, all)
}

func TestGroupBy(t *testing.T) {
	s := openTestStore(t)
	writeCommit(t, s, "Order", map[string]map[string]any{
		"o1": {"status": "open", "amount": 10},
		"o2": {"status": "open", "amount": 20},
		"o3": {"status": "done", "amount": 5},
	})

	groups, err := s.GroupByEntities("Order", "status",
		[]storage.NamedAgg{
			{Name: "n", Agg: storage.AggSpec{Fn: "COUNT"}},
			{Name: "total", Agg: storage.AggSpec{Fn: "SUM", Field: "amount"}},
		},
		storage.QueryOptions{Temporal: storage.Latest()}, nil,
	)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "done", groups[0]["group_key"])
	assert.EqualValues(t, 1, groups[0]["n"])
	assert.Equal(t, "open", groups[1]["group_key"])
	assert.EqualValues(t, 30, groups[1]["total"])

	// Having filters groups before materialization.
	groups, err = s.GroupByEntities("Order", "status",
		[]storage.NamedAgg{{Name: "n", Agg: storage.AggSpec{Fn: "COUNT"}}},
		storage.QueryOptions{Temporal: storage.Latest()},
		&storage.Having{Agg: storage.AggSpec{Fn: "COUNT"}, Op: ">", Value: 1},
	)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "open", groups[0]["group_key"])
}

func TestRelationEndpointPredicates(t *testing.T) {
	s := openTestStore(t)
	writeCommit(t, s, "Person", map[string]map[string]any{
		"p1": {"tier": "Gold"}, "p2": {"tier": "Silver"},
	})
	writeCommit(t, s, "Company", map[string]map[string]any{
		"c1": {"name": "Acme"},
	})

	ok, err := s.AcquireLock("o1", time.Second, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.BeginTransaction())
	commitID, err := s.CreateCommit(nil)
	require.NoError(t, err)
	require.NoError(t, s.InsertRelation("Employment", "p1", "c1", map[string]any{"role": "Eng"}, commitID, 0, ""))
	require.NoError(t, s.InsertRelation("Employment", "p2", "c1", map[string]any{"role": "Ops"}, commitID, 0, ""))
	require.NoError(t, s.CommitTransaction())
	require.NoError(t, s.ReleaseLock("o1"))

	rows, err := s.QueryRelations("Employment", storage.QueryOptions{
		Temporal:        storage.Latest(),
		Filter:          filter.Left("tier").Eq("Gold"),
		LeftEntityType:  "Person",
		RightEntityType: "Company",
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "p1", rows[0].LeftKey)
}

func TestGetRelationsForEntity(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.AcquireLock("o1", time.Second, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.BeginTransaction())
	commitID, err := s.CreateCommit(nil)
	require.NoError(t, err)
	require.NoError(t, s.InsertRelation("Employment", "p1", "c1", map[string]any{"role": "Eng"}, commitID, 0, ""))
	require.NoError(t, s.InsertRelation("Employment", "p1", "c2", map[string]any{"role": "Adv"}, commitID, 0, ""))
	require.NoError(t, s.InsertRelation("Employment", "p2", "c1", map[string]any{"role": "Ops"}, commitID, 0, ""))
	require.NoError(t, s.CommitTransaction())
	require.NoError(t, s.ReleaseLock("o1"))

	rows, err := s.GetRelationsForEntity("Employment", "Person", "p1", "left")
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = s.GetRelationsForEntity("Employment", "Company", "c1", "right")
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestIterLatestEntities(t *testing.T) {
	s := openTestStore(t)
	writeCommit(t, s, "T", map[string]map[string]any{
		"a": {"v": 1}, "b": {"v": 2}, "c": {"v": 3},
	})

	var seen []string
	err := s.IterLatestEntities("T", 2, func(rows []storage.EntityRow) error {
		for _, r := range rows {
			seen = append(seen, r.Key)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, seen)

	n, err := s.CountLatestEntities("T")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
