package s3store

import (
	"fmt"
	"sort"

	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/schema"
)

// indexEntry covers a commit range with one data file.
type indexEntry struct {
	MinCommitID     int64  `json:"min_commit_id"`
	MaxCommitID     int64  `json:"max_commit_id"`
	Path            string `json:"path"`
	SchemaVersionID int64  `json:"schema_version_id,omitempty"`
}

// indexDoc mirrors meta/indices/<kind>/<name>.json. Indices are advisory;
// the manifest chain is authoritative.
type indexDoc struct {
	Kind             string
	TypeName         string
	MaxIndexedCommit int64
	Entries          []indexEntry
}

func (e indexEntry) covers(commitID int64) bool {
	return e.MinCommitID <= commitID && commitID <= e.MaxCommitID
}

func (e indexEntry) intersects(lowerExclusive, upperInclusive int64) bool {
	return e.MaxCommitID > lowerExclusive && e.MinCommitID <= upperInclusive
}

func (s *Store) readIndex(kind, name string) (*indexDoc, error) {
	doc, _, err := s.getJSON(s.indexKey(kind, name), false)
	if err != nil {
		return nil, err
	}
	idx := &indexDoc{Kind: kind, TypeName: name}
	if doc == nil {
		return idx, nil
	}
	idx.MaxIndexedCommit = jsonInt(doc["max_indexed_commit"])
	for _, raw := range toAnySlice(doc["entries"]) {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		idx.Entries = append(idx.Entries, indexEntry{
			MinCommitID:     jsonInt(m["min_commit_id"]),
			MaxCommitID:     jsonInt(m["max_commit_id"]),
			Path:            jsonString(m["path"]),
			SchemaVersionID: jsonInt(m["schema_version_id"]),
		})
	}
	return idx, nil
}

func (s *Store) writeIndex(idx *indexDoc) error {
	entries := make([]map[string]any, 0, len(idx.Entries))
	for _, e := range idx.Entries {
		m := map[string]any{
			"min_commit_id": e.MinCommitID,
			"max_commit_id": e.MaxCommitID,
			"path":          e.Path,
		}
		if e.SchemaVersionID != 0 {
			m["schema_version_id"] = e.SchemaVersionID
		}
		entries = append(entries, m)
	}
	return s.putJSON(s.indexKey(idx.Kind, idx.TypeName), map[string]any{
		"max_indexed_commit": idx.MaxIndexedCommit,
		"entries":            entries,
	})
}

// --- Manifest chain ---

func (s *Store) readManifest(relPath string) (map[string]any, error) {
	doc, _, err := s.getJSON(relPath, true)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "read_manifest",
			fmt.Errorf("manifest %q: %w", relPath, err))
	}
	return doc, nil
}

// walkManifestChain yields manifests newest-first from startPath following
// parent_manifest_path links. The walk stops when visit returns false.
func (s *Store) walkManifestChain(startPath string, visit func(map[string]any) (bool, error)) error {
	path := startPath
	for path != "" {
		manifest, err := s.readManifest(path)
		if err != nil {
			return err
		}
		cont, err := visit(manifest)
		if err != nil || !cont {
			return err
		}
		path = jsonString(manifest["parent_manifest_path"])
	}
	return nil
}

func manifestFiles(manifest map[string]any) []manifestFile {
	var out []manifestFile
	for _, raw := range toAnySlice(manifest["files"]) {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, manifestFile{
			Kind:            jsonString(m["kind"]),
			TypeName:        jsonString(m["type_name"]),
			Path:            jsonString(m["path"]),
			RowCount:        jsonInt(m["row_count"]),
			SchemaVersionID: jsonInt(m["schema_version_id"]),
			ContentSHA256:   jsonString(m["content_sha256"]),
		})
	}
	return out
}

// repairIndexGap synthesizes missing per-commit entries by walking the
// manifest chain backward until the index watermark is reached.
func (s *Store) repairIndexGap(idx *indexDoc, head int64, headManifestPath string) (*indexDoc, error) {
	if head <= idx.MaxIndexedCommit {
		return idx, nil
	}
	if headManifestPath == "" {
		idx.MaxIndexedCommit = head
		return idx, nil
	}

	entries := append([]indexEntry(nil), idx.Entries...)
	err := s.walkManifestChain(headManifestPath, func(manifest map[string]any) (bool, error) {
		cid := jsonInt(manifest["commit_id"])
		if cid <= idx.MaxIndexedCommit {
			return false, nil
		}
		for _, f := range manifestFiles(manifest) {
			if f.Kind != idx.Kind || f.TypeName != idx.TypeName {
				continue
			}
			covered := false
			for _, e := range entries {
				if e.covers(cid) {
					covered = true
					break
				}
			}
			if covered {
				continue
			}
			entries = append(entries, indexEntry{
				MinCommitID: cid, MaxCommitID: cid, Path: f.Path,
				SchemaVersionID: f.SchemaVersionID,
			})
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	idx.Entries = entries
	idx.MaxIndexedCommit = head
	return idx, nil
}

// updateIndicesAfterCommit maintains every known type's index after a
// successful head CAS: touched types gain an entry for the new file,
// untouched types only bump the watermark. Pre-existing gaps are repaired
// from the manifest chain first.
func (s *Store) updateIndicesAfterCommit(previousHead int64, previousManifestPath *string, commitID int64, files []manifestFile) error {
	if err := s.ensureLeaseSafe(); err != nil {
		return err
	}

	entities, relations, err := s.readTypesCatalog()
	if err != nil {
		return err
	}
	if entities == nil && relations == nil {
		return fmt.Errorf("types catalog missing; index mutation skipped")
	}

	touched := map[[2]string]manifestFile{}
	for _, f := range files {
		touched[[2]string{f.Kind, f.TypeName}] = f
	}

	type typeRef struct{ kind, name string }
	var all []typeRef
	for _, n := range entities {
		all = append(all, typeRef{schema.TypeKindEntity, n})
	}
	for _, n := range relations {
		all = append(all, typeRef{schema.TypeKindRelation, n})
	}

	prevManifest := ""
	if previousManifestPath != nil {
		prevManifest = *previousManifestPath
	}

	var perTypeErrors []string
	for _, ref := range all {
		if err := s.ensureLeaseSafe(); err != nil {
			return err
		}
		idx, err := s.readIndex(ref.kind, ref.name)
		if err != nil {
			perTypeErrors = append(perTypeErrors, fmt.Sprintf("%s:%s: %v", ref.kind, ref.name, err))
			continue
		}
		if idx.MaxIndexedCommit < previousHead {
			idx, err = s.repairIndexGap(idx, previousHead, prevManifest)
			if err != nil {
				perTypeErrors = append(perTypeErrors, fmt.Sprintf("%s:%s: %v", ref.kind, ref.name, err))
				continue
			}
		}

		if f, ok := touched[[2]string{ref.kind, ref.name}]; ok {
			kept := idx.Entries[:0]
			for _, e := range idx.Entries {
				if !e.covers(commitID) {
					kept = append(kept, e)
				}
			}
			idx.Entries = append(kept, indexEntry{
				MinCommitID: commitID, MaxCommitID: commitID, Path: f.Path,
				SchemaVersionID: f.SchemaVersionID,
			})
		}
		idx.MaxIndexedCommit = commitID

		if err := s.writeIndex(idx); err != nil {
			perTypeErrors = append(perTypeErrors, fmt.Sprintf("%s:%s: %v", ref.kind, ref.name, err))
		}
	}

	if len(perTypeErrors) > 0 {
		if len(perTypeErrors) > 5 {
			perTypeErrors = perTypeErrors[:5]
		}
		return fmt.Errorf("index update degraded for types: %v", perTypeErrors)
	}
	return nil
}

// resolveTypeFiles returns the data file paths intersecting the commit
// window, repairing a lagging index in memory first. The head manifest is
// cross-checked: if the index's entry for the head commit does not match the
// committed attempt path, the index is stale and repaired from the chain.
func (s *Store) resolveTypeFiles(kind, name string, lowerExclusive, upperInclusive int64) ([]indexEntry, error) {
	head, _, err := s.readHead(true)
	if err != nil {
		return nil, err
	}

	idx, err := s.readIndex(kind, name)
	if err != nil {
		return nil, err
	}

	headManifest := ""
	if head.ManifestPath != nil {
		headManifest = *head.ManifestPath
	}

	stale := idx.MaxIndexedCommit < head.CommitID
	if !stale && headManifest != "" {
		// Detect a lost-update index: the head commit's entry must name the
		// committed attempt path.
		manifest, err := s.readManifest(headManifest)
		if err == nil {
			for _, f := range manifestFiles(manifest) {
				if f.Kind != kind || f.TypeName != name {
					continue
				}
				found := false
				for _, e := range idx.Entries {
					if e.covers(head.CommitID) && e.Path == f.Path {
						found = true
						break
					}
				}
				if !found {
					stale = true
				}
			}
		}
	}

	if stale {
		// Rebuild from the chain without trusting stale entries near head.
		idx, err = s.rebuildIndexFromChain(kind, name, head.CommitID, headManifest)
		if err != nil {
			return nil, err
		}
		// Opportunistic write-back; failure leaves a repairable state.
		_ = s.writeIndex(idx)
	}

	out := []indexEntry{}
	for _, e := range idx.Entries {
		if e.intersects(lowerExclusive, upperInclusive) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MinCommitID != out[j].MinCommitID {
			return out[i].MinCommitID < out[j].MinCommitID
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

// rebuildIndexFromChain synthesizes a full index for one type by walking the
// whole manifest chain from head. Snapshot entries already present and still
// consistent are preserved.
func (s *Store) rebuildIndexFromChain(kind, name string, head int64, headManifestPath string) (*indexDoc, error) {
	idx := &indexDoc{Kind: kind, TypeName: name, MaxIndexedCommit: head}

	existing, err := s.readIndex(kind, name)
	if err == nil {
		// Keep multi-commit snapshot entries; per-commit entries are
		// resynthesized from manifests.
		for _, e := range existing.Entries {
			if e.MaxCommitID > e.MinCommitID {
				idx.Entries = append(idx.Entries, e)
			}
		}
	}

	if headManifestPath == "" {
		return idx, nil
	}

	err = s.walkManifestChain(headManifestPath, func(manifest map[string]any) (bool, error) {
		cid := jsonInt(manifest["commit_id"])
		for _, f := range manifestFiles(manifest) {
			if f.Kind != kind || f.TypeName != name {
				continue
			}
			covered := false
			for _, e := range idx.Entries {
				if e.covers(cid) {
					covered = true
					break
				}
			}
			if !covered {
				idx.Entries = append(idx.Entries, indexEntry{
					MinCommitID: cid, MaxCommitID: cid, Path: f.Path,
					SchemaVersionID: f.SchemaVersionID,
				})
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return idx, nil
}

// IndexVerify compares every type's index against the manifest chain and
// reports lag and mismatches without mutating anything.
func (s *Store) IndexVerify() (map[string]any, error) {
	head, _, err := s.readHead(true)
	if err != nil {
		return nil, err
	}
	entities, relations, err := s.readTypesCatalog()
	if err != nil {
		return nil, err
	}

	report := map[string]any{"head_commit_id": head.CommitID}
	issues := []map[string]any{}

	check := func(kind string, names []string) error {
		for _, name := range names {
			idx, err := s.readIndex(kind, name)
			if err != nil {
				return err
			}
			if idx.MaxIndexedCommit < head.CommitID {
				issues = append(issues, map[string]any{
					"kind": kind, "type_name": name,
					"issue":              "lagging",
					"max_indexed_commit": idx.MaxIndexedCommit,
				})
			}
		}
		return nil
	}
	if err := check(schema.TypeKindEntity, entities); err != nil {
		return nil, err
	}
	if err := check(schema.TypeKindRelation, relations); err != nil {
		return nil, err
	}

	report["issues"] = issues
	report["ok"] = len(issues) == 0
	return report, nil
}

// IndexRepair rebuilds lagging indices from the manifest chain. With apply
// false it only reports what would change.
func (s *Store) IndexRepair(apply bool) (map[string]any, error) {
	head, _, err := s.readHead(true)
	if err != nil {
		return nil, err
	}
	headManifest := ""
	if head.ManifestPath != nil {
		headManifest = *head.ManifestPath
	}

	entities, relations, err := s.readTypesCatalog()
	if err != nil {
		return nil, err
	}

	repaired := []string{}
	run := func(kind string, names []string) error {
		for _, name := range names {
			idx, err := s.readIndex(kind, name)
			if err != nil {
				return err
			}
			if idx.MaxIndexedCommit >= head.CommitID {
				continue
			}
			if apply {
				rebuilt, err := s.rebuildIndexFromChain(kind, name, head.CommitID, headManifest)
				if err != nil {
					return err
				}
				if err := s.writeIndex(rebuilt); err != nil {
					return err
				}
			}
			repaired = append(repaired, kind+":"+name)
		}
		return nil
	}
	if err := run(schema.TypeKindEntity, entities); err != nil {
		return nil, err
	}
	if err := run(schema.TypeKindRelation, relations); err != nil {
		return nil, err
	}

	return map[string]any{
		"head_commit_id": head.CommitID,
		"repaired":       repaired,
		"applied":        apply,
	}, nil
}
