package s3store

import (
	"bytes"
	"encoding/json"

	"github.com/ontolog/ontolog/internal/schema"
	"github.com/ontolog/ontolog/internal/storage"
)

func jsonDecoder(raw string) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	return dec
}

func manifestToCommit(manifest map[string]any) *storage.Commit {
	c := &storage.Commit{ID: jsonInt(manifest["commit_id"])}
	if ts, err := parseISO(jsonString(manifest["created_at"])); err == nil {
		c.CreatedAt = ts
	}
	if meta, ok := manifest["metadata"].(map[string]any); ok {
		c.Metadata = meta
	}
	return c
}

// GetCommit walks the manifest chain to the requested id, nil when absent.
func (s *Store) GetCommit(commitID int64) (*storage.Commit, error) {
	head, _, err := s.readHead(true)
	if err != nil {
		return nil, err
	}
	if head.ManifestPath == nil || commitID <= 0 || commitID > head.CommitID {
		return nil, nil
	}

	var found *storage.Commit
	err = s.walkManifestChain(*head.ManifestPath, func(manifest map[string]any) (bool, error) {
		cid := jsonInt(manifest["commit_id"])
		if cid == commitID {
			found = manifestToCommit(manifest)
			return false, nil
		}
		return cid > commitID, nil
	})
	return found, err
}

// ListCommits returns the most recent commits, newest first.
func (s *Store) ListCommits(limit int, sinceCommitID int64) ([]storage.Commit, error) {
	if limit <= 0 {
		limit = 10
	}
	head, _, err := s.readHead(true)
	if err != nil {
		return nil, err
	}
	out := []storage.Commit{}
	if head.ManifestPath == nil {
		return out, nil
	}

	err = s.walkManifestChain(*head.ManifestPath, func(manifest map[string]any) (bool, error) {
		cid := jsonInt(manifest["commit_id"])
		if cid <= sinceCommitID {
			return false, nil
		}
		out = append(out, *manifestToCommit(manifest))
		return len(out) < limit, nil
	})
	return out, err
}

// ListCommitChanges derives the change records of one commit from its data
// files, classifying insert vs update_version against earlier state.
func (s *Store) ListCommitChanges(commitID int64) ([]storage.CommitChange, error) {
	head, _, err := s.readHead(true)
	if err != nil {
		return nil, err
	}
	out := []storage.CommitChange{}
	if head.ManifestPath == nil {
		return out, nil
	}

	var files []manifestFile
	err = s.walkManifestChain(*head.ManifestPath, func(manifest map[string]any) (bool, error) {
		cid := jsonInt(manifest["commit_id"])
		if cid == commitID {
			files = manifestFiles(manifest)
			return false, nil
		}
		return cid > commitID, nil
	})
	if err != nil {
		return nil, err
	}

	for _, f := range files {
		rows, err := s.loadFileRows(f.Path)
		if err != nil {
			return nil, err
		}
		// Prior state determines the operation per identity.
		prior, err := s.loadTypeRows(f.Kind, f.TypeName, 0, commitID-1)
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		for _, p := range prior {
			if f.Kind == schema.TypeKindEntity {
				seen[p.entityKey] = true
			} else {
				seen[relationIdentity(p)] = true
			}
		}

		for _, r := range rows {
			change := storage.CommitChange{
				Kind: f.Kind, TypeName: f.TypeName,
				Operation: storage.OpInsert, SchemaVersionID: r.schemaVersionID,
			}
			if f.Kind == schema.TypeKindEntity {
				change.Key = r.entityKey
				if seen[r.entityKey] {
					change.Operation = storage.OpUpdateVersion
				}
			} else {
				change.LeftKey = r.leftKey
				change.RightKey = r.rightKey
				change.InstanceKey = r.instanceKey
				if seen[relationIdentity(r)] {
					change.Operation = storage.OpUpdateVersion
				}
			}
			out = append(out, change)
		}
	}
	return out, nil
}

// CountCommitOperations counts rows written by one commit from its manifest.
func (s *Store) CountCommitOperations(commitID int64) (int, error) {
	head, _, err := s.readHead(true)
	if err != nil {
		return 0, err
	}
	if head.ManifestPath == nil {
		return 0, nil
	}

	total := 0
	err = s.walkManifestChain(*head.ManifestPath, func(manifest map[string]any) (bool, error) {
		cid := jsonInt(manifest["commit_id"])
		if cid == commitID {
			for _, f := range manifestFiles(manifest) {
				total += int(f.RowCount)
			}
			return false, nil
		}
		return cid > commitID, nil
	})
	return total, err
}
