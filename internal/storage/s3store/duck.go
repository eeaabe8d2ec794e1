package s3store

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/ontolog/ontolog/internal/filter"
	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/querysql"
	"github.com/ontolog/ontolog/internal/schema"
	"github.com/ontolog/ontolog/internal/storage"
)

func (s *Store) duckEnabled() bool { return s.cfg.UseDuckDB }

// duckConn lazily opens the per-repository DuckDB connection with httpfs and
// the configured S3 targeting and memory budget.
func (s *Store) duckConn() (*sql.DB, error) {
	s.mu.Lock()
	if s.duck != nil {
		db := s.duck
		s.mu.Unlock()
		return db, nil
	}
	s.mu.Unlock()

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "duckdb_init", err)
	}

	setup := []string{
		fmt.Sprintf("PRAGMA memory_limit='%s'", s.cfg.DuckDBMemoryLimit),
		"INSTALL httpfs",
		"LOAD httpfs",
		"INSTALL json",
		"LOAD json",
	}
	if s.cfg.Region != "" {
		setup = append(setup, fmt.Sprintf("SET s3_region='%s'", s.cfg.Region))
	}
	if s.cfg.EndpointURL != "" {
		endpoint := strings.TrimPrefix(strings.TrimPrefix(s.cfg.EndpointURL, "https://"), "http://")
		setup = append(setup,
			fmt.Sprintf("SET s3_endpoint='%s'", endpoint),
			"SET s3_url_style='path'",
		)
		if strings.HasPrefix(s.cfg.EndpointURL, "http://") {
			setup = append(setup, "SET s3_use_ssl=false")
		}
	}
	for _, stmt := range setup {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, onterr.Wrap(onterr.KindStorageIO, "duckdb_init", fmt.Errorf("%s: %w", stmt, err))
		}
	}

	s.mu.Lock()
	if s.duck == nil {
		s.duck = db
	} else {
		db.Close()
		db = s.duck
	}
	s.mu.Unlock()
	return db, nil
}

func (s *Store) s3URL(relPath string) string {
	return fmt.Sprintf("s3://%s/%s", s.bucket, s.key(relPath))
}

// readParquetExpr builds the read_parquet source over the resolved file
// list. union_by_name tolerates typed-column drift across commit files.
func (s *Store) readParquetExpr(entries []indexEntry) string {
	literals := make([]string, 0, len(entries))
	for _, e := range entries {
		literals = append(literals, "'"+strings.ReplaceAll(s.s3URL(e.Path), "'", "''")+"'")
	}
	return fmt.Sprintf("read_parquet([%s], union_by_name=true)", strings.Join(literals, ", "))
}

// duckSource builds the deduped (or raw) row source for a type under the
// temporal window, aliased "q".
func (s *Store) duckSource(kind, typeName string, opts storage.QueryOptions, head int64) (src string, params []any, dedup bool, empty bool, err error) {
	upper, lower, dedup, nonEmpty := s.temporalBound(opts.Temporal, head)
	if !nonEmpty {
		return "", nil, dedup, true, nil
	}
	entries, err := s.resolveTypeFiles(kind, typeName, lower, upper)
	if err != nil {
		return "", nil, dedup, false, err
	}
	if len(entries) == 0 {
		return "", nil, dedup, true, nil
	}

	scan := s.readParquetExpr(entries)
	identityCols := "entity_key"
	if kind == schema.TypeKindRelation {
		identityCols = "left_key, right_key, instance_key"
	}

	where := "commit_id <= ?"
	params = append(params, upper)
	if lower > 0 {
		where += " AND commit_id > ?"
		params = append(params, lower)
	}

	if dedup {
		src = fmt.Sprintf(
			`(SELECT * FROM (
			    SELECT *, ROW_NUMBER() OVER (PARTITION BY %s ORDER BY commit_id DESC) AS rn
			    FROM %s WHERE %s
			 ) WHERE rn = 1) q`, identityCols, scan, where)
		return src, params, dedup, false, nil
	}
	src = fmt.Sprintf("(SELECT * FROM %s WHERE %s) q", scan, where)
	return src, params, dedup, false, nil
}

// duckEndpointJoin joins the endpoint entity type's deduped current state.
func (s *Store) duckEndpointJoin(alias, entityType, joinKey string, upper int64) (string, error) {
	entries, err := s.resolveTypeFiles(schema.TypeKindEntity, entityType, 0, upper)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		// An empty endpoint scan means endpoint predicates match nothing;
		// an inner join against an empty set expresses that.
		return fmt.Sprintf(
			" JOIN (SELECT NULL AS entity_key, NULL AS fields_json WHERE 1 = 0) %s ON %s.entity_key = q.%s",
			alias, alias, joinKey), nil
	}
	return fmt.Sprintf(
		` JOIN (SELECT * FROM (
		     SELECT entity_key, fields_json,
		            ROW_NUMBER() OVER (PARTITION BY entity_key ORDER BY commit_id DESC) AS rn
		     FROM %s WHERE commit_id <= %d
		  ) WHERE rn = 1) %s ON %s.entity_key = q.%s`,
		s.readParquetExpr(entries), upper, alias, alias, joinKey), nil
}

func (s *Store) duckQueryEntities(typeName string, opts storage.QueryOptions) ([]storage.EntityRow, error) {
	s.setDiagnostics(nil)
	head, err := s.HeadCommitID()
	if err != nil {
		return nil, err
	}
	if blocked, err := s.activationBlocks(schema.TypeKindEntity, typeName, opts); err != nil {
		return nil, err
	} else if blocked {
		return []storage.EntityRow{}, nil
	}

	src, params, dedup, empty, err := s.duckSource(schema.TypeKindEntity, typeName, opts, head)
	if err != nil || empty {
		return []storage.EntityRow{}, err
	}

	compiler := &querysql.Compiler{TableAlias: "q"}
	whereSQL, whereParams, err := compiler.Compile(opts.Filter)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindValidation, "duck_query_entities", err)
	}
	params = append(params, whereParams...)

	query := fmt.Sprintf(
		"SELECT q.entity_key, q.fields_json, q.commit_id, COALESCE(q.schema_version_id, 0) FROM %s WHERE %s%s",
		src, whereSQL, duckOrderLimit(opts, dedup, "q.entity_key ASC"),
	)

	db, err := s.duckConn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(query, params...)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "duck_query_entities", err)
	}
	defer rows.Close()

	out := []storage.EntityRow{}
	for rows.Next() {
		var key, fieldsJSON string
		var commitID, svid int64
		if err := rows.Scan(&key, &fieldsJSON, &commitID, &svid); err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "duck_query_entities", err)
		}
		fields, err := decodeJSONMap(fieldsJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, storage.EntityRow{Key: key, Fields: fields, CommitID: commitID, SchemaVersionID: svid})
	}
	return out, rows.Err()
}

func (s *Store) duckQueryRelations(typeName string, opts storage.QueryOptions) ([]storage.RelationRow, error) {
	s.setDiagnostics(nil)
	head, err := s.HeadCommitID()
	if err != nil {
		return nil, err
	}
	if blocked, err := s.activationBlocks(schema.TypeKindRelation, typeName, opts); err != nil {
		return nil, err
	} else if blocked {
		return []storage.RelationRow{}, nil
	}

	src, params, dedup, empty, err := s.duckSource(schema.TypeKindRelation, typeName, opts, head)
	if err != nil || empty {
		return []storage.RelationRow{}, err
	}

	upper, _, _, _ := s.temporalBound(opts.Temporal, head)
	if filter.NeedsEndpoint(opts.Filter, "left") {
		join, err := s.duckEndpointJoin(querysql.LeftAlias, opts.LeftEntityType, "left_key", upper)
		if err != nil {
			return nil, err
		}
		src += join
	}
	if filter.NeedsEndpoint(opts.Filter, "right") {
		join, err := s.duckEndpointJoin(querysql.RightAlias, opts.RightEntityType, "right_key", upper)
		if err != nil {
			return nil, err
		}
		src += join
	}

	compiler := &querysql.Compiler{TableAlias: "q"}
	whereSQL, whereParams, err := compiler.Compile(opts.Filter)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindValidation, "duck_query_relations", err)
	}
	params = append(params, whereParams...)

	query := fmt.Sprintf(
		"SELECT q.left_key, q.right_key, q.instance_key, q.fields_json, q.commit_id, COALESCE(q.schema_version_id, 0) FROM %s WHERE %s%s",
		src, whereSQL, duckOrderLimit(opts, dedup, "q.left_key ASC, q.right_key ASC, q.instance_key ASC"),
	)

	db, err := s.duckConn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(query, params...)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "duck_query_relations", err)
	}
	defer rows.Close()

	out := []storage.RelationRow{}
	for rows.Next() {
		var left, right, ik, fieldsJSON string
		var commitID, svid int64
		if err := rows.Scan(&left, &right, &ik, &fieldsJSON, &commitID, &svid); err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "duck_query_relations", err)
		}
		fields, err := decodeJSONMap(fieldsJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, storage.RelationRow{
			LeftKey: left, RightKey: right, InstanceKey: ik,
			Fields: fields, CommitID: commitID, SchemaVersionID: svid,
		})
	}
	return out, rows.Err()
}

func (s *Store) duckCount(kind, typeName string, opts storage.QueryOptions) (int64, error) {
	v, err := s.duckAggregate(kind, typeName, "COUNT", "", opts)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case int64:
		return n, nil
	case float64:
		return int64(n), nil
	case nil:
		return 0, nil
	}
	return 0, fmt.Errorf("unexpected count result %T", v)
}

func (s *Store) duckAggregate(kind, typeName, fn, field string, opts storage.QueryOptions) (any, error) {
	head, err := s.HeadCommitID()
	if err != nil {
		return nil, err
	}
	src, params, _, empty, err := s.duckSource(kind, typeName, opts, head)
	if err != nil {
		return nil, err
	}
	if empty {
		if fn == "COUNT" {
			return int64(0), nil
		}
		return nil, nil
	}

	upper, _, _, _ := s.temporalBound(opts.Temporal, head)
	if kind == schema.TypeKindRelation {
		if filter.NeedsEndpoint(opts.Filter, "left") {
			join, err := s.duckEndpointJoin(querysql.LeftAlias, opts.LeftEntityType, "left_key", upper)
			if err != nil {
				return nil, err
			}
			src += join
		}
		if filter.NeedsEndpoint(opts.Filter, "right") {
			join, err := s.duckEndpointJoin(querysql.RightAlias, opts.RightEntityType, "right_key", upper)
			if err != nil {
				return nil, err
			}
			src += join
		}
	}

	compiler := &querysql.Compiler{TableAlias: "q"}
	whereSQL, whereParams, err := compiler.Compile(opts.Filter)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindValidation, "duck_aggregate", err)
	}
	params = append(params, whereParams...)

	aggExpr, err := querysql.AggExpr(fn, "q", field)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindValidation, "duck_aggregate", err)
	}

	db, err := s.duckConn()
	if err != nil {
		return nil, err
	}
	var result any
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s", aggExpr, src, whereSQL)
	if err := db.QueryRow(query, params...).Scan(&result); err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "duck_aggregate", err)
	}
	return result, nil
}

func duckOrderLimit(opts storage.QueryOptions, dedup bool, identityOrder string) string {
	var sb strings.Builder
	sb.WriteString(" ORDER BY ")
	if opts.OrderBy != "" {
		sb.WriteString(querysql.OrderBy("q", opts.OrderBy, opts.OrderDesc))
		sb.WriteString(", ")
	}
	if dedup {
		sb.WriteString(identityOrder)
	} else {
		sb.WriteString("q.commit_id ASC, " + identityOrder)
	}
	if opts.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", opts.Limit)
		if opts.Offset > 0 {
			fmt.Fprintf(&sb, " OFFSET %d", opts.Offset)
		}
	} else if opts.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", opts.Offset)
	}
	return sb.String()
}

func decodeJSONMap(raw string) (map[string]any, error) {
	fields := map[string]any{}
	dec := jsonDecoder(raw)
	if err := dec.Decode(&fields); err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "decode_fields", err)
	}
	return fields, nil
}
