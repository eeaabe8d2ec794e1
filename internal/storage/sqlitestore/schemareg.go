package sqlitestore

import (
	"database/sql"
	"errors"

	"github.com/ontolog/ontolog/internal/canonicaljson"
	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/storage"
)

// GetSchema reads the registry document for a type, nil when absent.
func (s *Store) GetSchema(kind, name string) (map[string]any, error) {
	var raw string
	err := s.q().QueryRow(
		"SELECT schema_json FROM schema_registry WHERE type_kind = ? AND type_name = ?",
		kind, name,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, onterr.Wrap(onterr.KindStorageIO, "get_schema", err)
	}
	return decodeFields(raw)
}

// StoreSchema upserts the registry document for a type.
func (s *Store) StoreSchema(kind, name string, doc map[string]any) error {
	raw, err := canonicaljson.Marshal(doc)
	if err != nil {
		return onterr.Wrap(onterr.KindValidation, "store_schema", err)
	}
	_, err = s.q().Exec(
		`INSERT INTO schema_registry (type_kind, type_name, schema_json) VALUES (?, ?, ?)
		 ON CONFLICT(type_kind, type_name) DO UPDATE SET schema_json = excluded.schema_json`,
		kind, name, string(raw),
	)
	if err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "store_schema", err)
	}
	return nil
}

// ListSchemas returns all registry documents of a kind, sorted by name.
func (s *Store) ListSchemas(kind string) ([]map[string]any, error) {
	rows, err := s.q().Query(
		"SELECT type_name, schema_json FROM schema_registry WHERE type_kind = ? ORDER BY type_name ASC",
		kind,
	)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "list_schemas", err)
	}
	defer rows.Close()

	out := []map[string]any{}
	for rows.Next() {
		var name, raw string
		if err := rows.Scan(&name, &raw); err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "list_schemas", err)
		}
		doc, err := decodeFields(raw)
		if err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "list_schemas", err)
		}
		doc["__type_name__"] = name
		out = append(out, doc)
	}
	return out, rows.Err()
}

// CreateSchemaVersion appends the next per-type version row and returns its
// monotonic schema_version_id.
func (s *Store) CreateSchemaVersion(kind, name, schemaJSON, schemaHash, runtimeID, reason string) (int64, error) {
	var current int64
	err := s.q().QueryRow(
		"SELECT COALESCE(MAX(schema_version_id), 0) FROM schema_versions WHERE type_kind = ? AND type_name = ?",
		kind, name,
	).Scan(&current)
	if err != nil {
		return 0, onterr.Wrap(onterr.KindStorageIO, "create_schema_version", err)
	}
	next := current + 1
	_, err = s.q().Exec(
		`INSERT INTO schema_versions
		 (type_kind, type_name, schema_version_id, schema_json, schema_hash, created_at, runtime_id, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		kind, name, next, schemaJSON, schemaHash, nowISO(), runtimeID, reason,
	)
	if err != nil {
		return 0, onterr.Wrap(onterr.KindStorageIO, "create_schema_version", err)
	}
	return next, nil
}

func scanSchemaVersion(row interface{ Scan(...any) error }) (*storage.SchemaVersion, error) {
	var v storage.SchemaVersion
	var createdAt string
	var runtimeID, reason sql.NullString
	err := row.Scan(
		&v.SchemaVersionID, &v.Kind, &v.Name, &v.SchemaJSON, &v.SchemaHash,
		&createdAt, &runtimeID, &reason, &v.ActivationCommitID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, onterr.Wrap(onterr.KindStorageIO, "schema_version", err)
	}
	if ts, err := parseISO(createdAt); err == nil {
		v.CreatedAt = ts
	}
	v.RuntimeID = runtimeID.String
	v.Reason = reason.String
	return &v, nil
}

const schemaVersionCols = `schema_version_id, type_kind, type_name, schema_json, schema_hash,
	created_at, runtime_id, reason, activation_commit_id`

// GetCurrentSchemaVersion reads the highest version row of a type.
func (s *Store) GetCurrentSchemaVersion(kind, name string) (*storage.SchemaVersion, error) {
	row := s.q().QueryRow(
		"SELECT "+schemaVersionCols+` FROM schema_versions
		 WHERE type_kind = ? AND type_name = ?
		 ORDER BY schema_version_id DESC LIMIT 1`,
		kind, name,
	)
	return scanSchemaVersion(row)
}

// GetSchemaVersion reads one specific version row.
func (s *Store) GetSchemaVersion(kind, name string, versionID int64) (*storage.SchemaVersion, error) {
	row := s.q().QueryRow(
		"SELECT "+schemaVersionCols+` FROM schema_versions
		 WHERE type_kind = ? AND type_name = ? AND schema_version_id = ?`,
		kind, name, versionID,
	)
	return scanSchemaVersion(row)
}

// ListSchemaVersions returns all version rows of a type, oldest first.
func (s *Store) ListSchemaVersions(kind, name string) ([]storage.SchemaVersion, error) {
	rows, err := s.q().Query(
		"SELECT "+schemaVersionCols+` FROM schema_versions
		 WHERE type_kind = ? AND type_name = ?
		 ORDER BY schema_version_id ASC`,
		kind, name,
	)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "list_schema_versions", err)
	}
	defer rows.Close()

	out := []storage.SchemaVersion{}
	for rows.Next() {
		v, err := scanSchemaVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}
