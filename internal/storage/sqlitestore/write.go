package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ontolog/ontolog/internal/canonicaljson"
	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/schema"
	"github.com/ontolog/ontolog/internal/storage"
)

// CreateCommit inserts the commit row and returns its monotonic id.
func (s *Store) CreateCommit(metadata map[string]any) (int64, error) {
	metaJSON, err := canonicaljson.Marshal(metadata)
	if err != nil {
		return 0, onterr.Wrap(onterr.KindValidation, "create_commit", err)
	}
	res, err := s.q().Exec(
		"INSERT INTO commits (created_at, metadata_json) VALUES (?, ?)",
		nowISO(), string(metaJSON),
	)
	if err != nil {
		return 0, onterr.Wrap(onterr.KindStorageIO, "create_commit", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, onterr.Wrap(onterr.KindStorageIO, "create_commit", err)
	}
	return id, nil
}

// InsertEntity appends one entity history row under the given commit. Engine
// v2 additionally writes the row into the type's current partition.
func (s *Store) InsertEntity(typeName, key string, fields map[string]any, commitID, schemaVersionID int64) error {
	fieldsJSON, err := canonicaljson.Marshal(fields)
	if err != nil {
		return onterr.Wrap(onterr.KindValidation, "insert_entity", err)
	}
	_, err = s.q().Exec(
		"INSERT INTO entity_history (entity_type, entity_key, fields_json, commit_id, schema_version_id) VALUES (?, ?, ?, ?, ?)",
		typeName, key, string(fieldsJSON), commitID, nullableID(schemaVersionID),
	)
	if err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "insert_entity", err)
	}

	if s.engine == storage.EngineV2 {
		if err := s.insertPartitionRow(schema.TypeKindEntity, typeName, schemaVersionID, commitID, fields, map[string]any{
			"entity_key": key,
		}); err != nil {
			return err
		}
	}
	return nil
}

// InsertRelation appends one relation history row under the given commit.
func (s *Store) InsertRelation(typeName, leftKey, rightKey string, fields map[string]any, commitID, schemaVersionID int64, instanceKey string) error {
	fieldsJSON, err := canonicaljson.Marshal(fields)
	if err != nil {
		return onterr.Wrap(onterr.KindValidation, "insert_relation", err)
	}
	_, err = s.q().Exec(
		"INSERT INTO relation_history (relation_type, left_key, right_key, instance_key, fields_json, commit_id, schema_version_id) VALUES (?, ?, ?, ?, ?, ?, ?)",
		typeName, leftKey, rightKey, instanceKey, string(fieldsJSON), commitID, nullableID(schemaVersionID),
	)
	if err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "insert_relation", err)
	}

	if s.engine == storage.EngineV2 {
		if err := s.insertPartitionRow(schema.TypeKindRelation, typeName, schemaVersionID, commitID, fields, map[string]any{
			"left_key":     leftKey,
			"right_key":    rightKey,
			"instance_key": instanceKey,
		}); err != nil {
			return err
		}
	}
	return nil
}

func nullableID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}

// --- Engine v2 typed partitions ---

// partitionTableName builds the per-(type, version) data table name.
func partitionTableName(kind, typeName string, schemaVersionID int64) string {
	return fmt.Sprintf("%s_%s_v%d", kind, sanitizeIdent(typeName), schemaVersionID)
}

// typedColumnName prefixes payload field names in partition tables.
func typedColumnName(field string) string { return "f_" + sanitizeIdent(field) }

func sanitizeIdent(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// currentLayout reads the active partition for a type, if any.
func (s *Store) currentLayout(kind, typeName string) (table string, schemaVersionID, activation int64, err error) {
	row := s.q().QueryRow(
		"SELECT table_name, schema_version_id, activation_commit_id FROM type_layout_catalog WHERE type_kind = ? AND type_name = ?",
		kind, typeName,
	)
	err = row.Scan(&table, &schemaVersionID, &activation)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", 0, 0, nil
		}
		return "", 0, 0, onterr.Wrap(onterr.KindStorageIO, "current_layout", err)
	}
	return table, schemaVersionID, activation, nil
}

// scalarColumns classifies a type's fields into typed scalar columns using
// the stored schema document for the given version.
func (s *Store) scalarColumns(kind, typeName string, schemaVersionID int64) (map[string]string, error) {
	ver, err := s.GetSchemaVersion(kind, typeName, schemaVersionID)
	if err != nil || ver == nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal([]byte(ver.SchemaJSON), &doc); err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "scalar_columns", err)
	}
	fields, _ := doc["fields"].(map[string]any)

	out := map[string]string{}
	for name, raw := range fields {
		fm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		specMap, ok := fm["type_spec"].(map[string]any)
		if !ok {
			continue
		}
		spec, err := schema.SpecFromMap(specMap)
		if err != nil {
			continue
		}
		prim, ok := spec.IsScalar()
		if !ok {
			continue
		}
		switch prim {
		case schema.PrimInt, schema.PrimBool:
			out[name] = "INTEGER"
		case schema.PrimFloat:
			out[name] = "REAL"
		default:
			out[name] = "TEXT"
		}
	}
	return out, nil
}

// ActivateSchemaVersion creates the new partition (if missing) and repoints
// the layout catalog at it. Engine v2 only; v1 records activation on the
// schema version row alone.
func (s *Store) ActivateSchemaVersion(kind, name string, schemaVersionID, activationCommitID int64) error {
	if _, err := s.q().Exec(
		"UPDATE schema_versions SET activation_commit_id = ? WHERE type_kind = ? AND type_name = ? AND schema_version_id = ?",
		activationCommitID, kind, name, schemaVersionID,
	); err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "activate_schema_version", err)
	}

	if s.engine != storage.EngineV2 {
		return nil
	}

	table := partitionTableName(kind, name, schemaVersionID)
	cols, err := s.scalarColumns(kind, name, schemaVersionID)
	if err != nil {
		return err
	}

	// Typed columns carry an f_ prefix so payload field names can never
	// collide with the fixed columns.
	var ddl strings.Builder
	ddl.WriteString("CREATE TABLE IF NOT EXISTS ")
	ddl.WriteString(table)
	ddl.WriteString(" (row_id INTEGER PRIMARY KEY AUTOINCREMENT, commit_id INTEGER NOT NULL, schema_version_id INTEGER NOT NULL, fields_json TEXT NOT NULL")
	if kind == schema.TypeKindEntity {
		ddl.WriteString(", entity_key TEXT NOT NULL")
	} else {
		ddl.WriteString(", left_key TEXT NOT NULL, right_key TEXT NOT NULL, instance_key TEXT NOT NULL DEFAULT ''")
	}
	for _, col := range sortedKeys(cols) {
		ddl.WriteString(fmt.Sprintf(", %q %s", typedColumnName(col), cols[col]))
	}
	ddl.WriteString(")")
	if _, err := s.q().Exec(ddl.String()); err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "activate_schema_version", err)
	}

	if _, err := s.q().Exec(
		`INSERT INTO type_layout_catalog (type_kind, type_name, schema_version_id, table_name, activation_commit_id)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(type_kind, type_name) DO UPDATE SET
		     schema_version_id = excluded.schema_version_id,
		     table_name = excluded.table_name,
		     activation_commit_id = excluded.activation_commit_id`,
		kind, name, schemaVersionID, table, activationCommitID,
	); err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "activate_schema_version", err)
	}
	return nil
}

func (s *Store) insertPartitionRow(kind, typeName string, schemaVersionID, commitID int64, fields map[string]any, identity map[string]any) error {
	table, layoutVersion, _, err := s.currentLayout(kind, typeName)
	if err != nil {
		return err
	}
	if table == "" {
		// No partition yet: the first write under a version activates it.
		if err := s.ActivateSchemaVersion(kind, typeName, schemaVersionID, commitID); err != nil {
			return err
		}
		table, layoutVersion, _, err = s.currentLayout(kind, typeName)
		if err != nil {
			return err
		}
	}
	if layoutVersion != schemaVersionID {
		return onterr.New(onterr.KindSchemaOutdated, "insert_partition_row",
			"%s %q current layout is v%d, expected v%d", kind, typeName, layoutVersion, schemaVersionID)
	}

	fieldsJSON, err := canonicaljson.Marshal(fields)
	if err != nil {
		return onterr.Wrap(onterr.KindValidation, "insert_partition_row", err)
	}

	cols, err := s.scalarColumns(kind, typeName, schemaVersionID)
	if err != nil {
		return err
	}

	names := []string{"commit_id", "schema_version_id", "fields_json"}
	values := []any{commitID, schemaVersionID, string(fieldsJSON)}
	for _, idCol := range sortedKeys(identity) {
		names = append(names, idCol)
		values = append(values, identity[idCol])
	}
	for _, col := range sortedKeys(cols) {
		names = append(names, fmt.Sprintf("%q", typedColumnName(col)))
		values = append(values, scalarValue(fields[col]))
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
	_, err = s.q().Exec(
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), placeholders),
		values...,
	)
	if err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "insert_partition_row", err)
	}
	return nil
}

// scalarValue maps a JSON payload value into a typed column value.
func scalarValue(v any) any {
	switch n := v.(type) {
	case bool:
		if n {
			return int64(1)
		}
		return int64(0)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
		return n.String()
	default:
		return v
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
