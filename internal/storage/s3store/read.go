package s3store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/parquet-go/parquet-go"

	"github.com/ontolog/ontolog/internal/filter"
	"github.com/ontolog/ontolog/internal/objstore"
	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/schema"
	"github.com/ontolog/ontolog/internal/storage"
)

// rawRow is one decoded parquet row before kind-specific shaping.
type rawRow struct {
	commitID        int64
	schemaVersionID int64
	entityKey       string
	leftKey         string
	rightKey        string
	instanceKey     string
	fields          map[string]any
}

// loadFileRows downloads and decodes one data file. Only the base columns
// are read; payloads come from fields_json.
func (s *Store) loadFileRows(relPath string) ([]rawRow, error) {
	obj, err := s.obj.Get(ctxBg(), s.key(relPath))
	if err != nil {
		if err == objstore.ErrNotFound {
			return nil, onterr.New(onterr.KindStorageIO, "load_file", "missing data file %q", relPath)
		}
		return nil, onterr.Wrap(onterr.KindStorageIO, "load_file", err)
	}

	file, err := parquet.OpenFile(bytes.NewReader(obj.Body), int64(len(obj.Body)))
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "load_file", fmt.Errorf("parquet %q: %w", relPath, err))
	}

	// The commit-file schema is flat, so leaf column order matches field
	// declaration order.
	fields := file.Schema().Fields()
	colName := make([]string, len(fields))
	for i, f := range fields {
		colName[i] = f.Name()
	}

	var out []rawRow
	for _, rg := range file.RowGroups() {
		rows := rg.Rows()
		buf := make([]parquet.Row, 128)
		for {
			n, readErr := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				raw := rawRow{}
				var fieldsJSON string
				for _, v := range row {
					idx := v.Column()
					if idx < 0 || idx >= len(colName) {
						continue
					}
					if v.IsNull() {
						continue
					}
					switch colName[idx] {
					case "commit_id":
						raw.commitID = v.Int64()
					case "schema_version_id":
						raw.schemaVersionID = v.Int64()
					case "entity_key":
						raw.entityKey = v.String()
					case "left_key":
						raw.leftKey = v.String()
					case "right_key":
						raw.rightKey = v.String()
					case "instance_key":
						raw.instanceKey = v.String()
					case "fields_json":
						fieldsJSON = v.String()
					}
				}
				if fieldsJSON != "" {
					dec := json.NewDecoder(bytes.NewReader([]byte(fieldsJSON)))
					dec.UseNumber()
					if err := dec.Decode(&raw.fields); err != nil {
						rows.Close()
						return nil, onterr.Wrap(onterr.KindStorageIO, "load_file",
							fmt.Errorf("fields_json in %q: %w", relPath, err))
					}
				}
				out = append(out, raw)
			}
			if readErr != nil {
				break
			}
			if n == 0 {
				break
			}
		}
		rows.Close()
	}
	return out, nil
}

// loadTypeRows loads all rows of a type within the commit window.
func (s *Store) loadTypeRows(kind, name string, lowerExclusive, upperInclusive int64) ([]rawRow, error) {
	entries, err := s.resolveTypeFiles(kind, name, lowerExclusive, upperInclusive)
	if err != nil {
		return nil, err
	}
	var out []rawRow
	for _, e := range entries {
		rows, err := s.loadFileRows(e.Path)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if r.commitID > lowerExclusive && r.commitID <= upperInclusive {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (s *Store) temporalBound(t storage.Temporal, head int64) (upper, lowerExclusive int64, dedup, nonEmpty bool) {
	switch t.Mode {
	case storage.TemporalAsOf:
		upper = t.Commit
		if upper > head {
			upper = head
		}
		return upper, 0, true, upper > 0
	case storage.TemporalWithHistory:
		return head, 0, false, head > 0
	case storage.TemporalHistorySince:
		return head, t.Commit, false, head > t.Commit
	default:
		return head, 0, true, head > 0
	}
}

func (s *Store) activationBlocks(kind, typeName string, opts storage.QueryOptions) (bool, error) {
	if opts.Temporal.Mode != storage.TemporalAsOf || opts.SchemaVersionID == 0 {
		return false, nil
	}
	ver, err := s.GetSchemaVersion(kind, typeName, opts.SchemaVersionID)
	if err != nil || ver == nil {
		return false, err
	}
	if ver.ActivationCommitID > 0 && opts.Temporal.Commit < ver.ActivationCommitID {
		s.setDiagnostics(map[string]any{
			"reason":               "commit_before_activation",
			"type_name":            typeName,
			"as_of":                opts.Temporal.Commit,
			"activation_commit_id": ver.ActivationCommitID,
		})
		return true, nil
	}
	return false, nil
}

// dedupLatest keeps the highest-commit row per identity, preserving later
// file order as the tiebreaker within one commit.
func dedupLatest(rows []rawRow, identity func(rawRow) string) []rawRow {
	best := map[string]rawRow{}
	for _, r := range rows {
		key := identity(r)
		if prev, ok := best[key]; !ok || r.commitID >= prev.commitID {
			best[key] = r
		}
	}
	out := make([]rawRow, 0, len(best))
	keys := make([]string, 0, len(best))
	for k := range best {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, best[k])
	}
	return out
}

func entityIdentity(r rawRow) string { return r.entityKey }

func relationIdentity(r rawRow) string {
	return r.leftKey + "\x00" + r.rightKey + "\x00" + r.instanceKey
}

// endpointState loads the latest payload per key for an endpoint entity
// type, used to resolve left./right. predicates in process.
func (s *Store) endpointState(entityType string, upper int64) (map[string]map[string]any, error) {
	if entityType == "" {
		return map[string]map[string]any{}, nil
	}
	rows, err := s.loadTypeRows(schema.TypeKindEntity, entityType, 0, upper)
	if err != nil {
		return nil, err
	}
	latest := dedupLatest(rows, entityIdentity)
	out := make(map[string]map[string]any, len(latest))
	for _, r := range latest {
		out[r.entityKey] = r.fields
	}
	return out, nil
}

func sortRawRows(rows []rawRow, opts storage.QueryOptions, dedup bool, identity func(rawRow) string) {
	sort.SliceStable(rows, func(i, j int) bool {
		if opts.OrderBy != "" {
			vi := filter.ResolvePath(rows[i].fields, opts.OrderBy)
			vj := filter.ResolvePath(rows[j].fields, opts.OrderBy)
			if c := compareForOrder(vi, vj, opts.OrderDesc); c != 0 {
				return c < 0
			}
		}
		if !dedup && rows[i].commitID != rows[j].commitID {
			return rows[i].commitID < rows[j].commitID
		}
		return identity(rows[i]) < identity(rows[j])
	})
}

// compareForOrder sorts nulls last in either direction, mirroring the SQL
// ORDER BY emitted by the compiler.
func compareForOrder(a, b any, desc bool) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return 1
	}
	if b == nil {
		return -1
	}
	var c int
	switch {
	case lessLoose(a, b):
		c = -1
	case lessLoose(b, a):
		c = 1
	}
	if desc {
		return -c
	}
	return c
}

func lessLoose(a, b any) bool {
	af, aok := numAsFloat(a)
	bf, bok := numAsFloat(b)
	if aok && bok {
		return af < bf
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	return as < bs
}

func numAsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func applyLimitOffset[T any](rows []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(rows) {
			return nil
		}
		rows = rows[offset:]
	}
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

// scanEntities is the shared in-process scan behind entity reads.
func (s *Store) scanEntities(typeName string, opts storage.QueryOptions) ([]rawRow, bool, error) {
	s.setDiagnostics(nil)
	head, err := s.HeadCommitID()
	if err != nil {
		return nil, false, err
	}
	upper, lower, dedup, nonEmpty := s.temporalBound(opts.Temporal, head)
	if !nonEmpty {
		return nil, dedup, nil
	}
	if blocked, err := s.activationBlocks(schema.TypeKindEntity, typeName, opts); err != nil || blocked {
		return nil, dedup, err
	}

	rows, err := s.loadTypeRows(schema.TypeKindEntity, typeName, lower, upper)
	if err != nil {
		return nil, dedup, err
	}
	if dedup {
		rows = dedupLatest(rows, entityIdentity)
	}

	if opts.Filter != nil {
		kept := rows[:0]
		for _, r := range rows {
			ok, err := filter.Eval(opts.Filter, r.fields, nil, nil)
			if err != nil {
				return nil, dedup, onterr.Wrap(onterr.KindValidation, "scan_entities", err)
			}
			if ok {
				kept = append(kept, r)
			}
		}
		rows = kept
	}
	return rows, dedup, nil
}

// scanRelations is the shared in-process scan behind relation reads.
func (s *Store) scanRelations(typeName string, opts storage.QueryOptions) ([]rawRow, bool, error) {
	s.setDiagnostics(nil)
	head, err := s.HeadCommitID()
	if err != nil {
		return nil, false, err
	}
	upper, lower, dedup, nonEmpty := s.temporalBound(opts.Temporal, head)
	if !nonEmpty {
		return nil, dedup, nil
	}
	if blocked, err := s.activationBlocks(schema.TypeKindRelation, typeName, opts); err != nil || blocked {
		return nil, dedup, err
	}

	rows, err := s.loadTypeRows(schema.TypeKindRelation, typeName, lower, upper)
	if err != nil {
		return nil, dedup, err
	}
	if dedup {
		rows = dedupLatest(rows, relationIdentity)
	}

	if opts.Filter != nil {
		var leftState, rightState map[string]map[string]any
		if filter.NeedsEndpoint(opts.Filter, "left") {
			leftState, err = s.endpointState(opts.LeftEntityType, upper)
			if err != nil {
				return nil, dedup, err
			}
		}
		if filter.NeedsEndpoint(opts.Filter, "right") {
			rightState, err = s.endpointState(opts.RightEntityType, upper)
			if err != nil {
				return nil, dedup, err
			}
		}

		kept := rows[:0]
		for _, r := range rows {
			var left, right map[string]any
			if leftState != nil {
				left = leftState[r.leftKey]
			}
			if rightState != nil {
				right = rightState[r.rightKey]
			}
			ok, err := filter.Eval(opts.Filter, r.fields, left, right)
			if err != nil {
				return nil, dedup, onterr.Wrap(onterr.KindValidation, "scan_relations", err)
			}
			if ok {
				kept = append(kept, r)
			}
		}
		rows = kept
	}
	return rows, dedup, nil
}

// QueryEntities executes a typed entity scan. DuckDB serves large scans when
// available; the in-process path shares the same predicate semantics.
func (s *Store) QueryEntities(typeName string, opts storage.QueryOptions) ([]storage.EntityRow, error) {
	if s.duckEnabled() {
		return s.duckQueryEntities(typeName, opts)
	}
	rows, dedup, err := s.scanEntities(typeName, opts)
	if err != nil {
		return nil, err
	}
	sortRawRows(rows, opts, dedup, entityIdentity)
	rows = applyLimitOffset(rows, opts.Limit, opts.Offset)

	out := make([]storage.EntityRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, storage.EntityRow{
			Key: r.entityKey, Fields: r.fields,
			CommitID: r.commitID, SchemaVersionID: r.schemaVersionID,
		})
	}
	return out, nil
}

// QueryRelations executes a typed relation scan.
func (s *Store) QueryRelations(typeName string, opts storage.QueryOptions) ([]storage.RelationRow, error) {
	if s.duckEnabled() {
		return s.duckQueryRelations(typeName, opts)
	}
	rows, dedup, err := s.scanRelations(typeName, opts)
	if err != nil {
		return nil, err
	}
	sortRawRows(rows, opts, dedup, relationIdentity)
	rows = applyLimitOffset(rows, opts.Limit, opts.Offset)

	out := make([]storage.RelationRow, 0, len(rows))
	for _, r := range rows {
		out = append(out, storage.RelationRow{
			LeftKey: r.leftKey, RightKey: r.rightKey, InstanceKey: r.instanceKey,
			Fields: r.fields, CommitID: r.commitID, SchemaVersionID: r.schemaVersionID,
		})
	}
	return out, nil
}

// GetLatestEntity reads the current row for one identity.
func (s *Store) GetLatestEntity(typeName, key string) (*storage.EntityRow, error) {
	rows, _, err := s.scanEntities(typeName, storage.QueryOptions{Temporal: storage.Latest()})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.entityKey == key {
			return &storage.EntityRow{
				Key: r.entityKey, Fields: r.fields,
				CommitID: r.commitID, SchemaVersionID: r.schemaVersionID,
			}, nil
		}
	}
	return nil, nil
}

// GetLatestRelation reads the current row for one relation identity.
func (s *Store) GetLatestRelation(typeName, leftKey, rightKey, instanceKey string) (*storage.RelationRow, error) {
	rows, _, err := s.scanRelations(typeName, storage.QueryOptions{Temporal: storage.Latest()})
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		if r.leftKey == leftKey && r.rightKey == rightKey && r.instanceKey == instanceKey {
			return &storage.RelationRow{
				LeftKey: r.leftKey, RightKey: r.rightKey, InstanceKey: r.instanceKey,
				Fields: r.fields, CommitID: r.commitID, SchemaVersionID: r.schemaVersionID,
			}, nil
		}
	}
	return nil, nil
}

// GetRelationsForEntity returns current-state relations anchored at a key.
func (s *Store) GetRelationsForEntity(relationType, entityType, entityKey, direction string) ([]storage.RelationRow, error) {
	_ = entityType
	rows, _, err := s.scanRelations(relationType, storage.QueryOptions{Temporal: storage.Latest()})
	if err != nil {
		return nil, err
	}
	out := []storage.RelationRow{}
	for _, r := range rows {
		anchor := r.leftKey
		if direction == "right" {
			anchor = r.rightKey
		}
		if anchor != entityKey {
			continue
		}
		out = append(out, storage.RelationRow{
			LeftKey: r.leftKey, RightKey: r.rightKey, InstanceKey: r.instanceKey,
			Fields: r.fields, CommitID: r.commitID, SchemaVersionID: r.schemaVersionID,
		})
	}
	return out, nil
}

// --- In-process aggregation (mirrors the SQL semantics) ---

func (s *Store) CountEntities(typeName string, opts storage.QueryOptions) (int64, error) {
	if s.duckEnabled() {
		return s.duckCount(schema.TypeKindEntity, typeName, opts)
	}
	rows, _, err := s.scanEntities(typeName, opts)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (s *Store) CountRelations(typeName string, opts storage.QueryOptions) (int64, error) {
	if s.duckEnabled() {
		return s.duckCount(schema.TypeKindRelation, typeName, opts)
	}
	rows, _, err := s.scanRelations(typeName, opts)
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (s *Store) AggregateEntities(typeName, fn, field string, opts storage.QueryOptions) (any, error) {
	if s.duckEnabled() {
		return s.duckAggregate(schema.TypeKindEntity, typeName, fn, field, opts)
	}
	rows, _, err := s.scanEntities(typeName, opts)
	if err != nil {
		return nil, err
	}
	return aggregateRows(rows, fn, field)
}

func (s *Store) AggregateRelations(typeName, fn, field string, opts storage.QueryOptions) (any, error) {
	if s.duckEnabled() {
		return s.duckAggregate(schema.TypeKindRelation, typeName, fn, field, opts)
	}
	rows, _, err := s.scanRelations(typeName, opts)
	if err != nil {
		return nil, err
	}
	return aggregateRows(rows, fn, field)
}

// aggregateRows mirrors SQL aggregate null handling: nulls are excluded, and
// an all-null input yields null (COUNT excepted).
func aggregateRows(rows []rawRow, fn, field string) (any, error) {
	if fn == "COUNT" {
		return int64(len(rows)), nil
	}

	if fn == "AVG_LEN" {
		var sum, n float64
		for _, r := range rows {
			v := filter.ResolvePath(r.fields, field)
			if v == nil {
				continue
			}
			list, ok := v.([]any)
			if !ok {
				continue
			}
			sum += float64(len(list))
			n++
		}
		if n == 0 {
			return nil, nil
		}
		return sum / n, nil
	}

	var nums []float64
	for _, r := range rows {
		v := filter.ResolvePath(r.fields, field)
		if v == nil {
			continue
		}
		if f, ok := numAsFloat(v); ok {
			nums = append(nums, f)
		}
	}
	if len(nums) == 0 {
		return nil, nil
	}

	switch fn {
	case "SUM":
		var sum float64
		for _, f := range nums {
			sum += f
		}
		return sum, nil
	case "AVG":
		var sum float64
		for _, f := range nums {
			sum += f
		}
		return sum / float64(len(nums)), nil
	case "MIN":
		min := nums[0]
		for _, f := range nums[1:] {
			if f < min {
				min = f
			}
		}
		return min, nil
	case "MAX":
		max := nums[0]
		for _, f := range nums[1:] {
			if f > max {
				max = f
			}
		}
		return max, nil
	default:
		return nil, onterr.New(onterr.KindValidation, "aggregate", "unknown aggregate %q", fn)
	}
}

func (s *Store) GroupByEntities(typeName, groupField string, aggs []storage.NamedAgg, opts storage.QueryOptions, having *storage.Having) ([]map[string]any, error) {
	rows, _, err := s.scanEntities(typeName, opts)
	if err != nil {
		return nil, err
	}
	return groupRows(rows, groupField, aggs, having)
}

func (s *Store) GroupByRelations(typeName, groupField string, aggs []storage.NamedAgg, opts storage.QueryOptions, having *storage.Having) ([]map[string]any, error) {
	rows, _, err := s.scanRelations(typeName, opts)
	if err != nil {
		return nil, err
	}
	return groupRows(rows, groupField, aggs, having)
}

func groupRows(rows []rawRow, groupField string, aggs []storage.NamedAgg, having *storage.Having) ([]map[string]any, error) {
	groups := map[string][]rawRow{}
	keyValues := map[string]any{}
	for _, r := range rows {
		v := filter.ResolvePath(r.fields, groupField)
		key := fmt.Sprintf("%v", v)
		groups[key] = append(groups[key], r)
		keyValues[key] = v
	}

	keys := make([]string, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := []map[string]any{}
	for _, k := range keys {
		members := groups[k]
		if having != nil {
			hv, err := aggregateRows(members, having.Agg.Fn, having.Agg.Field)
			if err != nil {
				return nil, err
			}
			if !havingPasses(hv, having.Op, having.Value) {
				continue
			}
		}
		rec := map[string]any{"group_key": keyValues[k]}
		for _, na := range aggs {
			v, err := aggregateRows(members, na.Agg.Fn, na.Agg.Field)
			if err != nil {
				return nil, err
			}
			rec[na.Name] = v
		}
		out = append(out, rec)
	}
	return out, nil
}

func havingPasses(value any, op string, rhs any) bool {
	vf, vok := numAsFloat(value)
	rf, rok := numAsFloat(rhs)
	if !vok || !rok {
		return false
	}
	switch op {
	case "=", "==":
		return vf == rf
	case "!=":
		return vf != rf
	case ">":
		return vf > rf
	case ">=":
		return vf >= rf
	case "<":
		return vf < rf
	case "<=":
		return vf <= rf
	}
	return false
}

// --- Migration iteration ---

func (s *Store) CountLatestEntities(typeName string) (int64, error) {
	rows, _, err := s.scanEntities(typeName, storage.QueryOptions{Temporal: storage.Latest()})
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (s *Store) CountLatestRelations(typeName string) (int64, error) {
	rows, _, err := s.scanRelations(typeName, storage.QueryOptions{Temporal: storage.Latest()})
	if err != nil {
		return 0, err
	}
	return int64(len(rows)), nil
}

func (s *Store) IterLatestEntities(typeName string, batchSize int, fn func([]storage.EntityRow) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	rows, err := s.QueryEntities(typeName, storage.QueryOptions{Temporal: storage.Latest()})
	if err != nil {
		return err
	}
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := fn(rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) IterLatestRelations(typeName string, batchSize int, fn func([]storage.RelationRow) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	rows, err := s.QueryRelations(typeName, storage.QueryOptions{Temporal: storage.Latest()})
	if err != nil {
		return err
	}
	for start := 0; start < len(rows); start += batchSize {
		end := start + batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := fn(rows[start:end]); err != nil {
			return err
		}
	}
	return nil
}
