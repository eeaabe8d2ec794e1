package s3store

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/schema"
)

// Compact merges per-commit files of a type into range snapshots. Runs under
// the write lease with keep-alive; original per-commit files are retained
// (purge is a separate follow-up). With apply false, only reports the plan.
//
// Snapshots preserve commit_id per row and deterministic (commit_id ASC,
// identity ASC) ordering, so every temporal query is unchanged.
func (s *Store) Compact(typeName string, apply bool) (map[string]any, error) {
	ownerID := "compact-" + uuid.New().String()
	ok, err := s.AcquireLock(ownerID, s.cfg.LockTimeout, s.cfg.LeaseTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, onterr.New(onterr.KindLockContention, "compact",
			"could not acquire write lock within %s", s.cfg.LockTimeout)
	}
	defer s.ReleaseLock(ownerID)

	stop := s.leaseKeepAlive(ownerID)
	defer stop()

	head, _, err := s.readHead(true)
	if err != nil {
		return nil, err
	}

	entities, relations, err := s.readTypesCatalog()
	if err != nil {
		return nil, err
	}

	type target struct{ kind, name string }
	var targets []target
	for _, n := range entities {
		if typeName == "" || n == typeName {
			targets = append(targets, target{schema.TypeKindEntity, n})
		}
	}
	for _, n := range relations {
		if typeName == "" || n == typeName {
			targets = append(targets, target{schema.TypeKindRelation, n})
		}
	}

	planned := []map[string]any{}
	for _, t := range targets {
		idx, err := s.readIndex(t.kind, t.name)
		if err != nil {
			return nil, err
		}
		idx, err = s.repairIndexGap(idx, head.CommitID, deref(head.ManifestPath))
		if err != nil {
			return nil, err
		}

		// Only merge runs of single-commit entries; existing snapshots stay.
		var run []indexEntry
		for _, e := range idx.Entries {
			if e.MaxCommitID == e.MinCommitID {
				run = append(run, e)
			}
		}
		if len(run) < 2 {
			continue
		}
		sort.Slice(run, func(i, j int) bool { return run[i].MinCommitID < run[j].MinCommitID })

		minC := run[0].MinCommitID
		maxC := run[len(run)-1].MaxCommitID
		plan := map[string]any{
			"kind": t.kind, "type_name": t.name,
			"files": len(run), "min_commit_id": minC, "max_commit_id": maxC,
		}
		planned = append(planned, plan)
		if !apply {
			continue
		}

		if err := s.ensureLeaseSafe(); err != nil {
			return nil, err
		}

		snapshotPath, err := s.writeSnapshot(t.kind, t.name, run, minC, maxC)
		if err != nil {
			return nil, err
		}

		// Head must be stable between planning and index publish; a moved
		// head means a concurrent commit and the merge must be replanned.
		current, _, err := s.readHead(true)
		if err != nil {
			return nil, err
		}
		if current.CommitID != head.CommitID {
			return nil, onterr.New(onterr.KindHeadMismatch, "compact",
				"head moved from %d to %d during compaction", head.CommitID, current.CommitID)
		}

		merged := map[string]bool{}
		for _, e := range run {
			merged[e.Path] = true
		}
		kept := idx.Entries[:0]
		for _, e := range idx.Entries {
			if !merged[e.Path] {
				kept = append(kept, e)
			}
		}
		idx.Entries = append(kept, indexEntry{
			MinCommitID: minC, MaxCommitID: maxC, Path: snapshotPath,
		})
		if err := s.writeIndex(idx); err != nil {
			return nil, err
		}
		plan["snapshot"] = snapshotPath
	}

	return map[string]any{
		"applied": apply,
		"plans":   planned,
	}, nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// writeSnapshot merges the run's rows into one ordered snapshot file.
func (s *Store) writeSnapshot(kind, name string, run []indexEntry, minC, maxC int64) (string, error) {
	var rows []rawRow
	for _, e := range run {
		fileRows, err := s.loadFileRows(e.Path)
		if err != nil {
			return "", err
		}
		rows = append(rows, fileRows...)
	}

	identity := entityIdentity
	if kind == schema.TypeKindRelation {
		identity = relationIdentity
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].commitID != rows[j].commitID {
			return rows[i].commitID < rows[j].commitID
		}
		return identity(rows[i]) < identity(rows[j])
	})

	snapshotPath := fmt.Sprintf("snapshots/%ss/%s-%d-%d.parquet", kind, name, minC, maxC)

	var data []byte
	var err error
	if kind == schema.TypeKindEntity {
		staged := make([]stagedEntityRow, 0, len(rows))
		for _, r := range rows {
			staged = append(staged, stagedEntityRow{
				key: r.entityKey, fields: r.fields, schemaVersionID: r.schemaVersionID,
			})
		}
		data, err = s.entityParquetMulti(name, rows, staged)
	} else {
		staged := make([]stagedRelationRow, 0, len(rows))
		for _, r := range rows {
			staged = append(staged, stagedRelationRow{
				leftKey: r.leftKey, rightKey: r.rightKey, instanceKey: r.instanceKey,
				fields: r.fields, schemaVersionID: r.schemaVersionID,
			})
		}
		data, err = s.relationParquetMulti(name, rows, staged)
	}
	if err != nil {
		return "", err
	}

	if _, err := s.putDataFile(snapshotPath, data); err != nil {
		return "", err
	}
	return snapshotPath, nil
}

// entityParquetMulti writes snapshot rows preserving each row's original
// commit_id (unlike commit files, which carry a single id).
func (s *Store) entityParquetMulti(typeName string, raws []rawRow, staged []stagedEntityRow) ([]byte, error) {
	sch, records, err := s.buildEntityRecords(typeName, staged, 0)
	if err != nil {
		return nil, err
	}
	for i, r := range raws {
		records[i]["commit_id"] = r.commitID
	}
	return writeParquet(sch, records)
}

func (s *Store) relationParquetMulti(typeName string, raws []rawRow, staged []stagedRelationRow) ([]byte, error) {
	sch, records, err := s.buildRelationRecords(typeName, staged, 0)
	if err != nil {
		return nil, err
	}
	for i, r := range raws {
		records[i]["commit_id"] = r.commitID
	}
	return writeParquet(sch, records)
}
