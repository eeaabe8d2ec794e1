package sqlitestore

import (
	"database/sql"
	"errors"

	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/storage"
)

// GetCommit reads one commit row, nil when absent.
func (s *Store) GetCommit(commitID int64) (*storage.Commit, error) {
	row := s.q().QueryRow(
		"SELECT id, created_at, metadata_json FROM commits WHERE id = ?", commitID,
	)
	var id int64
	var createdAt string
	var metaJSON sql.NullString
	if err := row.Scan(&id, &createdAt, &metaJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, onterr.Wrap(onterr.KindStorageIO, "get_commit", err)
	}
	return buildCommit(id, createdAt, metaJSON.String)
}

func buildCommit(id int64, createdAt, metaJSON string) (*storage.Commit, error) {
	c := &storage.Commit{ID: id}
	if ts, err := parseISO(createdAt); err == nil {
		c.CreatedAt = ts
	}
	if metaJSON != "" {
		meta, err := decodeFields(metaJSON)
		if err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "get_commit", err)
		}
		c.Metadata = meta
	}
	return c, nil
}

// ListCommits returns the most recent commits, newest first. A positive
// sinceCommitID restricts to commits strictly after it.
func (s *Store) ListCommits(limit int, sinceCommitID int64) ([]storage.Commit, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.q().Query(
		"SELECT id, created_at, metadata_json FROM commits WHERE id > ? ORDER BY id DESC LIMIT ?",
		sinceCommitID, limit,
	)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "list_commits", err)
	}
	defer rows.Close()

	out := []storage.Commit{}
	for rows.Next() {
		var id int64
		var createdAt string
		var metaJSON sql.NullString
		if err := rows.Scan(&id, &createdAt, &metaJSON); err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "list_commits", err)
		}
		c, err := buildCommit(id, createdAt, metaJSON.String)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// ListCommitChanges derives the change records of one commit from the history
// tables. The operation is insert when no earlier row exists for the
// identity, update_version otherwise.
func (s *Store) ListCommitChanges(commitID int64) ([]storage.CommitChange, error) {
	out := []storage.CommitChange{}

	rows, err := s.q().Query(
		`SELECT eh.entity_type, eh.entity_key, COALESCE(eh.schema_version_id, 0),
		        EXISTS (
		            SELECT 1 FROM entity_history prior
		            WHERE prior.entity_type = eh.entity_type
		              AND prior.entity_key = eh.entity_key
		              AND prior.commit_id < eh.commit_id
		        )
		 FROM entity_history eh WHERE eh.commit_id = ?
		 ORDER BY eh.entity_type ASC, eh.entity_key ASC`, commitID,
	)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "list_commit_changes", err)
	}
	defer rows.Close()
	for rows.Next() {
		var typeName, key string
		var svid int64
		var hasPrior bool
		if err := rows.Scan(&typeName, &key, &svid, &hasPrior); err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "list_commit_changes", err)
		}
		op := storage.OpInsert
		if hasPrior {
			op = storage.OpUpdateVersion
		}
		out = append(out, storage.CommitChange{
			Kind: "entity", TypeName: typeName, Key: key,
			Operation: op, SchemaVersionID: svid,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "list_commit_changes", err)
	}

	relRows, err := s.q().Query(
		`SELECT rh.relation_type, rh.left_key, rh.right_key, rh.instance_key,
		        COALESCE(rh.schema_version_id, 0),
		        EXISTS (
		            SELECT 1 FROM relation_history prior
		            WHERE prior.relation_type = rh.relation_type
		              AND prior.left_key = rh.left_key
		              AND prior.right_key = rh.right_key
		              AND prior.instance_key = rh.instance_key
		              AND prior.commit_id < rh.commit_id
		        )
		 FROM relation_history rh WHERE rh.commit_id = ?
		 ORDER BY rh.relation_type ASC, rh.left_key ASC, rh.right_key ASC, rh.instance_key ASC`, commitID,
	)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "list_commit_changes", err)
	}
	defer relRows.Close()
	for relRows.Next() {
		var typeName, left, right, ik string
		var svid int64
		var hasPrior bool
		if err := relRows.Scan(&typeName, &left, &right, &ik, &svid, &hasPrior); err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "list_commit_changes", err)
		}
		op := storage.OpInsert
		if hasPrior {
			op = storage.OpUpdateVersion
		}
		out = append(out, storage.CommitChange{
			Kind: "relation", TypeName: typeName,
			LeftKey: left, RightKey: right, InstanceKey: ik,
			Operation: op, SchemaVersionID: svid,
		})
	}
	return out, relRows.Err()
}

// CountCommitOperations counts history rows written by one commit.
func (s *Store) CountCommitOperations(commitID int64) (int, error) {
	var entities, relations int
	if err := s.q().QueryRow(
		"SELECT COUNT(*) FROM entity_history WHERE commit_id = ?", commitID,
	).Scan(&entities); err != nil {
		return 0, onterr.Wrap(onterr.KindStorageIO, "count_commit_operations", err)
	}
	if err := s.q().QueryRow(
		"SELECT COUNT(*) FROM relation_history WHERE commit_id = ?", commitID,
	).Scan(&relations); err != nil {
		return 0, onterr.Wrap(onterr.KindStorageIO, "count_commit_operations", err)
	}
	return entities + relations, nil
}
