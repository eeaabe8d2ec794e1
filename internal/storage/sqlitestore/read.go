package sqlitestore

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ontolog/ontolog/internal/filter"
	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/querysql"
	"github.com/ontolog/ontolog/internal/schema"
	"github.com/ontolog/ontolog/internal/storage"
)

// HeadCommitID returns the latest committed id, 0 for an empty store.
func (s *Store) HeadCommitID() (int64, error) {
	var head int64
	if err := s.q().QueryRow("SELECT COALESCE(MAX(id), 0) FROM commits").Scan(&head); err != nil {
		return 0, onterr.Wrap(onterr.KindStorageIO, "head_commit_id", err)
	}
	return head, nil
}

func decodeFields(raw string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode fields_json: %w", err)
	}
	return out, nil
}

// GetLatestEntity reads the current row for one identity.
func (s *Store) GetLatestEntity(typeName, key string) (*storage.EntityRow, error) {
	row := s.q().QueryRow(
		`SELECT fields_json, commit_id, COALESCE(schema_version_id, 0)
		 FROM entity_history
		 WHERE entity_type = ? AND entity_key = ?
		 ORDER BY commit_id DESC, id DESC LIMIT 1`,
		typeName, key,
	)
	var fieldsJSON string
	var commitID, svid int64
	if err := row.Scan(&fieldsJSON, &commitID, &svid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, onterr.Wrap(onterr.KindStorageIO, "get_latest_entity", err)
	}
	fields, err := decodeFields(fieldsJSON)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "get_latest_entity", err)
	}
	return &storage.EntityRow{Key: key, Fields: fields, CommitID: commitID, SchemaVersionID: svid}, nil
}

// GetLatestRelation reads the current row for one relation identity.
func (s *Store) GetLatestRelation(typeName, leftKey, rightKey, instanceKey string) (*storage.RelationRow, error) {
	row := s.q().QueryRow(
		`SELECT fields_json, commit_id, COALESCE(schema_version_id, 0)
		 FROM relation_history
		 WHERE relation_type = ? AND left_key = ? AND right_key = ? AND instance_key = ?
		 ORDER BY commit_id DESC, id DESC LIMIT 1`,
		typeName, leftKey, rightKey, instanceKey,
	)
	var fieldsJSON string
	var commitID, svid int64
	if err := row.Scan(&fieldsJSON, &commitID, &svid); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, onterr.Wrap(onterr.KindStorageIO, "get_latest_relation", err)
	}
	fields, err := decodeFields(fieldsJSON)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "get_latest_relation", err)
	}
	return &storage.RelationRow{
		LeftKey: leftKey, RightKey: rightKey, InstanceKey: instanceKey,
		Fields: fields, CommitID: commitID, SchemaVersionID: svid,
	}, nil
}

// temporalBound resolves the effective window for a read against the head.
// The second return is false when the window is provably empty.
func (s *Store) temporalBound(t storage.Temporal, head int64) (upper int64, lowerExclusive int64, dedup bool, nonEmpty bool) {
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

// activationBlocks reports whether an as-of read precedes the current
// version's activation commit, which makes the result empty by definition.
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

// entitySource builds the row source for an entity scan: the deduped (or
// raw history) view aliased "q" with columns entity_key, fields_json,
// commit_id, schema_version_id.
func (s *Store) entitySource(typeName string, opts storage.QueryOptions, head int64) (string, []any, map[string]string) {
	upper, lower, dedup, _ := s.temporalBound(opts.Temporal, head)

	table := "entity_history"
	rowCol := "id"
	var typedCols map[string]string
	if s.engine == storage.EngineV2 && dedup && opts.SchemaVersionID != 0 {
		if part, layoutVersion, _, err := s.currentLayout(schema.TypeKindEntity, typeName); err == nil &&
			part != "" && layoutVersion == opts.SchemaVersionID {
			table = part
			rowCol = "row_id"
			if cols, err := s.scalarColumns(schema.TypeKindEntity, typeName, layoutVersion); err == nil {
				typedCols = map[string]string{}
				for name := range cols {
					typedCols[name] = fmt.Sprintf("q.%q", typedColumnName(name))
				}
			}
		}
	}

	var where string
	params := []any{}
	if table == "entity_history" {
		where = "eh.entity_type = ? AND eh.commit_id <= ?"
		params = append(params, typeName, upper)
	} else {
		where = "eh.commit_id <= ?"
		params = append(params, upper)
	}
	if lower > 0 {
		where += " AND eh.commit_id > ?"
		params = append(params, lower)
	}

	if dedup {
		if rowCol == "row_id" {
			// Partition rows carry typed columns; keep them all so scalar
			// predicate rewrites can reference them on the outer alias.
			src := fmt.Sprintf(
				`(SELECT * FROM (
				    SELECT eh.*, ROW_NUMBER() OVER (PARTITION BY eh.entity_key ORDER BY eh.commit_id DESC, eh.row_id DESC) AS rn
				    FROM %s eh WHERE %s
				 ) WHERE rn = 1) q`, table, where)
			return src, params, typedCols
		}
		src := fmt.Sprintf(
			`(SELECT * FROM (
			    SELECT eh.entity_key, eh.fields_json, eh.commit_id,
			           COALESCE(eh.schema_version_id, 0) AS schema_version_id,
			           ROW_NUMBER() OVER (PARTITION BY eh.entity_key ORDER BY eh.commit_id DESC, eh.id DESC) AS rn
			    FROM %s eh WHERE %s
			 ) WHERE rn = 1) q`, table, where)
		return src, params, typedCols
	}

	src := fmt.Sprintf(
		`(SELECT eh.entity_key, eh.fields_json, eh.commit_id,
		         COALESCE(eh.schema_version_id, 0) AS schema_version_id, eh.id AS history_id
		  FROM %s eh WHERE %s) q`, table, where)
	return src, params, typedCols
}

// relationSource mirrors entitySource for relations.
func (s *Store) relationSource(typeName string, opts storage.QueryOptions, head int64) (string, []any, map[string]string) {
	upper, lower, dedup, _ := s.temporalBound(opts.Temporal, head)

	table := "relation_history"
	rowCol := "id"
	var typedCols map[string]string
	if s.engine == storage.EngineV2 && dedup && opts.SchemaVersionID != 0 {
		if part, layoutVersion, _, err := s.currentLayout(schema.TypeKindRelation, typeName); err == nil &&
			part != "" && layoutVersion == opts.SchemaVersionID {
			table = part
			rowCol = "row_id"
			if cols, err := s.scalarColumns(schema.TypeKindRelation, typeName, layoutVersion); err == nil {
				typedCols = map[string]string{}
				for name := range cols {
					typedCols[name] = fmt.Sprintf("q.%q", typedColumnName(name))
				}
			}
		}
	}

	var where string
	params := []any{}
	if table == "relation_history" {
		where = "rh.relation_type = ? AND rh.commit_id <= ?"
		params = append(params, typeName, upper)
	} else {
		where = "rh.commit_id <= ?"
		params = append(params, upper)
	}
	if lower > 0 {
		where += " AND rh.commit_id > ?"
		params = append(params, lower)
	}

	if dedup {
		if rowCol == "row_id" {
			src := fmt.Sprintf(
				`(SELECT * FROM (
				    SELECT rh.*, ROW_NUMBER() OVER (PARTITION BY rh.left_key, rh.right_key, rh.instance_key
				                                    ORDER BY rh.commit_id DESC, rh.row_id DESC) AS rn
				    FROM %s rh WHERE %s
				 ) WHERE rn = 1) q`, table, where)
			return src, params, typedCols
		}
		src := fmt.Sprintf(
			`(SELECT * FROM (
			    SELECT rh.left_key, rh.right_key, rh.instance_key, rh.fields_json, rh.commit_id,
			           COALESCE(rh.schema_version_id, 0) AS schema_version_id,
			           ROW_NUMBER() OVER (PARTITION BY rh.left_key, rh.right_key, rh.instance_key
			                              ORDER BY rh.commit_id DESC, rh.id DESC) AS rn
			    FROM %s rh WHERE %s
			 ) WHERE rn = 1) q`, table, where)
		return src, params, typedCols
	}

	src := fmt.Sprintf(
		`(SELECT rh.left_key, rh.right_key, rh.instance_key, rh.fields_json, rh.commit_id,
		         COALESCE(rh.schema_version_id, 0) AS schema_version_id, rh.id AS history_id
		  FROM %s rh WHERE %s) q`, table, where)
	return src, params, typedCols
}

// endpointJoin builds a JOIN against the endpoint entity type's deduped
// current state under the outer temporal window.
func endpointJoin(alias, entityType, joinKey string, upper int64, params *[]any) string {
	*params = append(*params, entityType, upper)
	return fmt.Sprintf(
		` JOIN (SELECT * FROM (
		     SELECT eh.entity_key, eh.fields_json,
		            ROW_NUMBER() OVER (PARTITION BY eh.entity_key ORDER BY eh.commit_id DESC, eh.id DESC) AS rn
		     FROM entity_history eh WHERE eh.entity_type = ? AND eh.commit_id <= ?
		  ) WHERE rn = 1) %s ON %s.entity_key = q.%s`, alias, alias, joinKey)
}

func orderLimitOffset(opts storage.QueryOptions, dedup bool, identityOrder string) string {
	var sb strings.Builder
	sb.WriteString(" ORDER BY ")
	if opts.OrderBy != "" {
		sb.WriteString(querysql.OrderBy("q", opts.OrderBy, opts.OrderDesc))
		sb.WriteString(", ")
	}
	if dedup {
		sb.WriteString(identityOrder)
	} else {
		sb.WriteString("q.commit_id ASC, " + identityOrder + ", q.history_id ASC")
	}
	if opts.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", opts.Limit)
		if opts.Offset > 0 {
			fmt.Fprintf(&sb, " OFFSET %d", opts.Offset)
		}
	} else if opts.Offset > 0 {
		fmt.Fprintf(&sb, " LIMIT -1 OFFSET %d", opts.Offset)
	}
	return sb.String()
}

// QueryEntities executes a typed entity scan.
func (s *Store) QueryEntities(typeName string, opts storage.QueryOptions) ([]storage.EntityRow, error) {
	s.setDiagnostics(nil)
	head, err := s.HeadCommitID()
	if err != nil {
		return nil, err
	}
	_, _, dedup, nonEmpty := s.temporalBound(opts.Temporal, head)
	if !nonEmpty {
		return []storage.EntityRow{}, nil
	}
	if blocked, err := s.activationBlocks(schema.TypeKindEntity, typeName, opts); err != nil {
		return nil, err
	} else if blocked {
		return []storage.EntityRow{}, nil
	}

	src, params, typedCols := s.entitySource(typeName, opts, head)
	compiler := &querysql.Compiler{TableAlias: "q", TypedColumns: typedCols}
	whereSQL, whereParams, err := compiler.Compile(opts.Filter)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindValidation, "query_entities", err)
	}
	params = append(params, whereParams...)

	query := fmt.Sprintf(
		"SELECT q.entity_key, q.fields_json, q.commit_id, q.schema_version_id FROM %s WHERE %s%s",
		src, whereSQL, orderLimitOffset(opts, dedup, "q.entity_key ASC"),
	)

	rows, err := s.q().Query(query, params...)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "query_entities", err)
	}
	defer rows.Close()

	var out []storage.EntityRow
	for rows.Next() {
		var key, fieldsJSON string
		var commitID, svid int64
		if err := rows.Scan(&key, &fieldsJSON, &commitID, &svid); err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "query_entities", err)
		}
		fields, err := decodeFields(fieldsJSON)
		if err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "query_entities", err)
		}
		out = append(out, storage.EntityRow{Key: key, Fields: fields, CommitID: commitID, SchemaVersionID: svid})
	}
	if err := rows.Err(); err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "query_entities", err)
	}
	if out == nil {
		out = []storage.EntityRow{}
	}
	return out, nil
}

// QueryRelations executes a typed relation scan, joining endpoint current
// state when the filter references endpoint fields.
func (s *Store) QueryRelations(typeName string, opts storage.QueryOptions) ([]storage.RelationRow, error) {
	s.setDiagnostics(nil)
	head, err := s.HeadCommitID()
	if err != nil {
		return nil, err
	}
	upper, _, dedup, nonEmpty := s.temporalBound(opts.Temporal, head)
	if !nonEmpty {
		return []storage.RelationRow{}, nil
	}
	if blocked, err := s.activationBlocks(schema.TypeKindRelation, typeName, opts); err != nil {
		return nil, err
	} else if blocked {
		return []storage.RelationRow{}, nil
	}

	src, params, typedCols := s.relationSource(typeName, opts, head)
	if filter.NeedsEndpoint(opts.Filter, "left") {
		src += endpointJoin(querysql.LeftAlias, opts.LeftEntityType, "left_key", upper, &params)
	}
	if filter.NeedsEndpoint(opts.Filter, "right") {
		src += endpointJoin(querysql.RightAlias, opts.RightEntityType, "right_key", upper, &params)
	}

	compiler := &querysql.Compiler{TableAlias: "q", TypedColumns: typedCols}
	whereSQL, whereParams, err := compiler.Compile(opts.Filter)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindValidation, "query_relations", err)
	}
	params = append(params, whereParams...)

	identityOrder := "q.left_key ASC, q.right_key ASC, q.instance_key ASC"
	query := fmt.Sprintf(
		"SELECT q.left_key, q.right_key, q.instance_key, q.fields_json, q.commit_id, q.schema_version_id FROM %s WHERE %s%s",
		src, whereSQL, orderLimitOffset(opts, dedup, identityOrder),
	)

	rows, err := s.q().Query(query, params...)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "query_relations", err)
	}
	defer rows.Close()

	var out []storage.RelationRow
	for rows.Next() {
		var left, right, ik, fieldsJSON string
		var commitID, svid int64
		if err := rows.Scan(&left, &right, &ik, &fieldsJSON, &commitID, &svid); err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "query_relations", err)
		}
		fields, err := decodeFields(fieldsJSON)
		if err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "query_relations", err)
		}
		out = append(out, storage.RelationRow{
			LeftKey: left, RightKey: right, InstanceKey: ik,
			Fields: fields, CommitID: commitID, SchemaVersionID: svid,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "query_relations", err)
	}
	if out == nil {
		out = []storage.RelationRow{}
	}
	return out, nil
}

// CountEntities counts current-state entities matching the filter.
func (s *Store) CountEntities(typeName string, opts storage.QueryOptions) (int64, error) {
	return s.scalarQuery(schema.TypeKindEntity, typeName, "COUNT(*)", opts)
}

// CountRelations counts current-state relations matching the filter.
func (s *Store) CountRelations(typeName string, opts storage.QueryOptions) (int64, error) {
	return s.scalarQuery(schema.TypeKindRelation, typeName, "COUNT(*)", opts)
}

func (s *Store) scalarQuery(kind, typeName, aggExpr string, opts storage.QueryOptions) (int64, error) {
	v, err := s.aggregate(kind, typeName, aggExpr, opts)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case nil:
		return 0, nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected aggregate result %T", v)
	}
}

// AggregateEntities runs a scalar aggregate over current-state entities.
func (s *Store) AggregateEntities(typeName, fn, field string, opts storage.QueryOptions) (any, error) {
	expr, err := querysql.AggExpr(fn, "q", field)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindValidation, "aggregate_entities", err)
	}
	return s.aggregate(schema.TypeKindEntity, typeName, expr, opts)
}

// AggregateRelations runs a scalar aggregate over current-state relations.
func (s *Store) AggregateRelations(typeName, fn, field string, opts storage.QueryOptions) (any, error) {
	expr, err := querysql.AggExpr(fn, "q", field)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindValidation, "aggregate_relations", err)
	}
	return s.aggregate(schema.TypeKindRelation, typeName, expr, opts)
}

func (s *Store) aggregate(kind, typeName, aggExpr string, opts storage.QueryOptions) (any, error) {
	head, err := s.HeadCommitID()
	if err != nil {
		return nil, err
	}
	upper, _, _, nonEmpty := s.temporalBound(opts.Temporal, head)
	if !nonEmpty {
		if strings.HasPrefix(aggExpr, "COUNT") {
			return int64(0), nil
		}
		return nil, nil
	}

	var src string
	var params []any
	if kind == schema.TypeKindEntity {
		src, params, _ = s.entitySource(typeName, opts, head)
	} else {
		src, params, _ = s.relationSource(typeName, opts, head)
		if filter.NeedsEndpoint(opts.Filter, "left") {
			src += endpointJoin(querysql.LeftAlias, opts.LeftEntityType, "left_key", upper, &params)
		}
		if filter.NeedsEndpoint(opts.Filter, "right") {
			src += endpointJoin(querysql.RightAlias, opts.RightEntityType, "right_key", upper, &params)
		}
	}

	compiler := &querysql.Compiler{TableAlias: "q"}
	whereSQL, whereParams, err := compiler.Compile(opts.Filter)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindValidation, "aggregate", err)
	}
	params = append(params, whereParams...)

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", aggExpr, src, whereSQL)
	var result any
	if err := s.q().QueryRow(query, params...).Scan(&result); err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "aggregate", err)
	}
	return normalizeScalar(result), nil
}

func normalizeScalar(v any) any {
	switch n := v.(type) {
	case []byte:
		return string(n)
	default:
		return v
	}
}

// GroupByEntities runs grouped aggregation over current-state entities.
func (s *Store) GroupByEntities(typeName, groupField string, aggs []storage.NamedAgg, opts storage.QueryOptions, having *storage.Having) ([]map[string]any, error) {
	return s.groupBy(schema.TypeKindEntity, typeName, groupField, aggs, opts, having)
}

// GroupByRelations runs grouped aggregation over current-state relations.
func (s *Store) GroupByRelations(typeName, groupField string, aggs []storage.NamedAgg, opts storage.QueryOptions, having *storage.Having) ([]map[string]any, error) {
	return s.groupBy(schema.TypeKindRelation, typeName, groupField, aggs, opts, having)
}

func (s *Store) groupBy(kind, typeName, groupField string, aggs []storage.NamedAgg, opts storage.QueryOptions, having *storage.Having) ([]map[string]any, error) {
	head, err := s.HeadCommitID()
	if err != nil {
		return nil, err
	}
	upper, _, _, nonEmpty := s.temporalBound(opts.Temporal, head)
	if !nonEmpty {
		return []map[string]any{}, nil
	}

	var src string
	var params []any
	if kind == schema.TypeKindEntity {
		src, params, _ = s.entitySource(typeName, opts, head)
	} else {
		src, params, _ = s.relationSource(typeName, opts, head)
		if filter.NeedsEndpoint(opts.Filter, "left") {
			src += endpointJoin(querysql.LeftAlias, opts.LeftEntityType, "left_key", upper, &params)
		}
		if filter.NeedsEndpoint(opts.Filter, "right") {
			src += endpointJoin(querysql.RightAlias, opts.RightEntityType, "right_key", upper, &params)
		}
	}

	compiler := &querysql.Compiler{TableAlias: "q"}
	whereSQL, whereParams, err := compiler.Compile(opts.Filter)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindValidation, "group_by", err)
	}
	params = append(params, whereParams...)

	groupCol := fmt.Sprintf("json_extract(q.fields_json, '$.%s')", groupField)
	selects := []string{groupCol + " AS group_key"}
	for _, na := range aggs {
		expr, err := querysql.AggExpr(na.Agg.Fn, "q", na.Agg.Field)
		if err != nil {
			return nil, onterr.Wrap(onterr.KindValidation, "group_by", err)
		}
		selects = append(selects, fmt.Sprintf("%s AS %q", expr, na.Name))
	}

	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE %s GROUP BY %s",
		strings.Join(selects, ", "), src, whereSQL, groupCol,
	)
	if having != nil {
		hExpr, err := querysql.AggExpr(having.Agg.Fn, "q", having.Agg.Field)
		if err != nil {
			return nil, onterr.Wrap(onterr.KindValidation, "group_by", err)
		}
		query += fmt.Sprintf(" HAVING %s %s ?", hExpr, having.Op)
		params = append(params, having.Value)
	}
	query += " ORDER BY group_key ASC"

	rows, err := s.q().Query(query, params...)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "group_by", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "group_by", err)
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "group_by", err)
		}
		rec := map[string]any{}
		for i, col := range cols {
			rec[col] = normalizeScalar(values[i])
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "group_by", err)
	}
	return out, nil
}

// GetRelationsForEntity returns current-state relations anchored at an entity
// key on the given side ("left" or "right"). Used by traversal evaluation.
func (s *Store) GetRelationsForEntity(relationType, entityType, entityKey, direction string) ([]storage.RelationRow, error) {
	keyCol := "left_key"
	if direction == "right" {
		keyCol = "right_key"
	}
	_ = entityType // identity is scoped by relation type and key column

	head, err := s.HeadCommitID()
	if err != nil {
		return nil, err
	}
	if head == 0 {
		return []storage.RelationRow{}, nil
	}

	query := fmt.Sprintf(
		`SELECT q.left_key, q.right_key, q.instance_key, q.fields_json, q.commit_id, q.schema_version_id
		 FROM (SELECT * FROM (
		     SELECT rh.left_key, rh.right_key, rh.instance_key, rh.fields_json, rh.commit_id,
		            COALESCE(rh.schema_version_id, 0) AS schema_version_id,
		            ROW_NUMBER() OVER (PARTITION BY rh.left_key, rh.right_key, rh.instance_key
		                               ORDER BY rh.commit_id DESC, rh.id DESC) AS rn
		     FROM relation_history rh
		     WHERE rh.relation_type = ? AND rh.%s = ? AND rh.commit_id <= ?
		  ) WHERE rn = 1) q
		 ORDER BY q.left_key ASC, q.right_key ASC, q.instance_key ASC`, keyCol)

	rows, err := s.q().Query(query, relationType, entityKey, head)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "relations_for_entity", err)
	}
	defer rows.Close()

	out := []storage.RelationRow{}
	for rows.Next() {
		var left, right, ik, fieldsJSON string
		var commitID, svid int64
		if err := rows.Scan(&left, &right, &ik, &fieldsJSON, &commitID, &svid); err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "relations_for_entity", err)
		}
		fields, err := decodeFields(fieldsJSON)
		if err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "relations_for_entity", err)
		}
		out = append(out, storage.RelationRow{
			LeftKey: left, RightKey: right, InstanceKey: ik,
			Fields: fields, CommitID: commitID, SchemaVersionID: svid,
		})
	}
	return out, rows.Err()
}

// CountLatestEntities counts distinct current-state identities of a type.
func (s *Store) CountLatestEntities(typeName string) (int64, error) {
	var n int64
	err := s.q().QueryRow(
		"SELECT COUNT(DISTINCT entity_key) FROM entity_history WHERE entity_type = ?", typeName,
	).Scan(&n)
	if err != nil {
		return 0, onterr.Wrap(onterr.KindStorageIO, "count_latest_entities", err)
	}
	return n, nil
}

// CountLatestRelations counts distinct current-state relation identities.
func (s *Store) CountLatestRelations(typeName string) (int64, error) {
	var n int64
	err := s.q().QueryRow(
		"SELECT COUNT(*) FROM (SELECT DISTINCT left_key, right_key, instance_key FROM relation_history WHERE relation_type = ?)",
		typeName,
	).Scan(&n)
	if err != nil {
		return 0, onterr.Wrap(onterr.KindStorageIO, "count_latest_relations", err)
	}
	return n, nil
}

// IterLatestEntities streams current-state rows in batches, ordered by key.
func (s *Store) IterLatestEntities(typeName string, batchSize int, fn func([]storage.EntityRow) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	offset := 0
	for {
		rows, err := s.QueryEntities(typeName, storage.QueryOptions{
			Temporal: storage.Latest(), Limit: batchSize, Offset: offset,
		})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := fn(rows); err != nil {
			return err
		}
		if len(rows) < batchSize {
			return nil
		}
		offset += batchSize
	}
}

// IterLatestRelations streams current-state relation rows in batches.
func (s *Store) IterLatestRelations(typeName string, batchSize int, fn func([]storage.RelationRow) error) error {
	if batchSize <= 0 {
		batchSize = 1000
	}
	offset := 0
	for {
		rows, err := s.QueryRelations(typeName, storage.QueryOptions{
			Temporal: storage.Latest(), Limit: batchSize, Offset: offset,
		})
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		if err := fn(rows); err != nil {
			return err
		}
		if len(rows) < batchSize {
			return nil
		}
		offset += batchSize
	}
}
