package s3store

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/parquet-go/parquet-go"

	"github.com/ontolog/ontolog/internal/canonicaljson"
	"github.com/ontolog/ontolog/internal/objstore"
	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/schema"
	"github.com/ontolog/ontolog/internal/storage"
)

type stagedEntityRow struct {
	key             string
	fields          map[string]any
	schemaVersionID int64
}

type stagedRelationRow struct {
	leftKey         string
	rightKey        string
	instanceKey     string
	fields          map[string]any
	schemaVersionID int64
}

type stagedCommit struct {
	commitID  int64
	metadata  map[string]any
	entities  map[string][]stagedEntityRow
	relations map[string][]stagedRelationRow
}

// manifestFile is one data file entry of a commit manifest.
type manifestFile struct {
	Kind            string `json:"kind"`
	TypeName        string `json:"type_name"`
	Path            string `json:"path"`
	RowCount        int64  `json:"row_count"`
	SchemaVersionID int64  `json:"schema_version_id"`
	ContentSHA256   string `json:"content_sha256"`
}

// BeginTransaction starts staging. Staged work becomes durable only at
// CommitTransaction; nested transactions are not supported.
func (s *Store) BeginTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.txActive {
		return nil
	}
	s.txActive = true
	s.nextCommitID = 0
	s.stagedOrder = nil
	s.staged = map[int64]*stagedCommit{}
	s.stagedSchema = newStagedSchemaChanges()
	s.pendingLayout = map[[2]string]layoutActivation{}
	return nil
}

// RollbackTransaction discards all staged work.
func (s *Store) RollbackTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txActive = false
	s.nextCommitID = 0
	s.stagedOrder = nil
	s.staged = map[int64]*stagedCommit{}
	s.stagedSchema = newStagedSchemaChanges()
	s.pendingLayout = map[[2]string]layoutActivation{}
	return nil
}

// CreateCommit assigns the next commit id from the observed head and stages
// an empty commit for it. Requires the write lock.
func (s *Store) CreateCommit(metadata map[string]any) (int64, error) {
	s.mu.Lock()
	owner := s.lockOwner
	s.mu.Unlock()
	if owner == "" {
		return 0, onterr.New(onterr.KindInvalidExecutionContext, "create_commit",
			"write lock must be acquired before commit")
	}

	if err := s.BeginTransaction(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	needHead := s.nextCommitID == 0
	s.mu.Unlock()
	if needHead {
		head, _, err := s.readHead(true)
		if err != nil {
			return 0, err
		}
		s.mu.Lock()
		if s.nextCommitID == 0 {
			s.nextCommitID = head.CommitID + 1
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	commitID := s.nextCommitID
	s.nextCommitID++
	s.staged[commitID] = &stagedCommit{
		commitID:  commitID,
		metadata:  metadata,
		entities:  map[string][]stagedEntityRow{},
		relations: map[string][]stagedRelationRow{},
	}
	s.stagedOrder = append(s.stagedOrder, commitID)
	return commitID, nil
}

// InsertEntity stages one entity row under a staged commit.
func (s *Store) InsertEntity(typeName, key string, fields map[string]any, commitID, schemaVersionID int64) error {
	if s.engine == storage.EngineV2 {
		if err := s.checkV2Layout(schema.TypeKindEntity, typeName, schemaVersionID, commitID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	staged, ok := s.staged[commitID]
	if !ok {
		return onterr.New(onterr.KindInvalidExecutionContext, "insert_entity",
			"unknown staged commit id %d", commitID)
	}
	staged.entities[typeName] = append(staged.entities[typeName], stagedEntityRow{
		key: key, fields: copyMap(fields), schemaVersionID: schemaVersionID,
	})
	return nil
}

// InsertRelation stages one relation row under a staged commit.
func (s *Store) InsertRelation(typeName, leftKey, rightKey string, fields map[string]any, commitID, schemaVersionID int64, instanceKey string) error {
	if s.engine == storage.EngineV2 {
		if err := s.checkV2Layout(schema.TypeKindRelation, typeName, schemaVersionID, commitID); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	staged, ok := s.staged[commitID]
	if !ok {
		return onterr.New(onterr.KindInvalidExecutionContext, "insert_relation",
			"unknown staged commit id %d", commitID)
	}
	staged.relations[typeName] = append(staged.relations[typeName], stagedRelationRow{
		leftKey: leftKey, rightKey: rightKey, instanceKey: instanceKey,
		fields: copyMap(fields), schemaVersionID: schemaVersionID,
	})
	return nil
}

// checkV2Layout validates that the write targets the current schema version
// and records a pending layout activation for types without one yet.
func (s *Store) checkV2Layout(kind, typeName string, schemaVersionID, commitID int64) error {
	if schemaVersionID == 0 {
		return onterr.New(onterr.KindValidation, "insert",
			"schema_version_id is required for engine v2 writes to %s %q", kind, typeName)
	}
	current, err := s.GetCurrentSchemaVersion(kind, typeName)
	if err != nil {
		return err
	}
	if current == nil {
		return onterr.New(onterr.KindValidation, "insert",
			"no schema version registered for %s %q", kind, typeName)
	}
	if current.SchemaVersionID != schemaVersionID {
		return onterr.New(onterr.KindSchemaOutdated, "insert",
			"schema version mismatch for %s %q: expected %d, got %d",
			kind, typeName, current.SchemaVersionID, schemaVersionID)
	}

	layout, err := s.currentLayout(kind, typeName)
	if err != nil {
		return err
	}
	if layout == nil {
		s.mu.Lock()
		s.pendingLayout[[2]string{kind, typeName}] = layoutActivation{
			schemaVersionID: schemaVersionID, activationCommitID: commitID,
		}
		s.mu.Unlock()
		return nil
	}
	if layout.schemaVersionID != schemaVersionID {
		return onterr.New(onterr.KindSchemaOutdated, "insert",
			"%s %q current layout is v%d, expected v%d",
			kind, typeName, layout.schemaVersionID, schemaVersionID)
	}
	return nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// CommitTransaction publishes staged commits in order under a lease
// keep-alive, then flushes staged schema changes and layout activations.
func (s *Store) CommitTransaction() error {
	s.mu.Lock()
	if !s.txActive {
		s.mu.Unlock()
		return nil
	}
	order := append([]int64(nil), s.stagedOrder...)
	staged := s.staged
	schemaChanges := s.stagedSchema
	pending := s.pendingLayout
	owner := s.lockOwner
	s.mu.Unlock()

	defer s.RollbackTransaction()

	publish := func() error {
		for _, commitID := range order {
			if err := s.publishStagedCommit(staged[commitID]); err != nil {
				return err
			}
		}
		if err := s.flushStagedSchemaChanges(schemaChanges); err != nil {
			return err
		}
		// Staged schema rows are flushed; activations read stored state.
		s.mu.Lock()
		s.txActive = false
		s.mu.Unlock()
		keys := make([][2]string, 0, len(pending))
		for k := range pending {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			return keys[i][0] < keys[j][0] || (keys[i][0] == keys[j][0] && keys[i][1] < keys[j][1])
		})
		for _, k := range keys {
			act := pending[k]
			if err := s.ActivateSchemaVersion(k[0], k[1], act.schemaVersionID, act.activationCommitID); err != nil {
				return err
			}
		}
		return nil
	}

	if owner != "" {
		stop := s.leaseKeepAlive(owner)
		defer stop()
	}
	return publish()
}

// publishStagedCommit writes the attempt's data files and manifest, then
// advances head via CAS. Once the CAS succeeds the commit is committed;
// index updates afterward are best effort.
func (s *Store) publishStagedCommit(staged *stagedCommit) error {
	head, headETag, err := s.readHead(true)
	if err != nil {
		return err
	}
	if headETag == "" {
		return onterr.New(onterr.KindStorageIO, "head_cas", "missing etag for head object")
	}
	if head.CommitID != staged.commitID-1 {
		return onterr.New(onterr.KindHeadMismatch, "head_cas",
			"head moved to %d while staging commit %d", head.CommitID, staged.commitID)
	}

	attempt := uuid.New().String()[:8]
	base := fmt.Sprintf("commits/%d-%s", staged.commitID, attempt)
	var files []manifestFile

	for _, typeName := range sortedMapKeys(staged.entities) {
		rows := staged.entities[typeName]
		if len(rows) == 0 {
			continue
		}
		if err := s.ensureLeaseSafe(); err != nil {
			return err
		}
		svid, err := uniformSchemaVersion(s.engine, rowsSchemaVersionsE(rows))
		if err != nil {
			return onterr.New(onterr.KindValidation, "publish", "entity %q: %v", typeName, err)
		}
		relPath := fmt.Sprintf("%s/entities/%s.parquet", base, typeName)
		if s.engine == storage.EngineV2 {
			relPath = fmt.Sprintf("%s/entities/%s/v%d.parquet", base, typeName, svid)
		}
		data, err := s.entityParquet(typeName, rows, staged.commitID)
		if err != nil {
			return err
		}
		sha, err := s.putDataFile(relPath, data)
		if err != nil {
			return err
		}
		files = append(files, manifestFile{
			Kind: schema.TypeKindEntity, TypeName: typeName, Path: relPath,
			RowCount: int64(len(rows)), SchemaVersionID: rows[0].schemaVersionID, ContentSHA256: sha,
		})
	}

	for _, typeName := range sortedMapKeys(staged.relations) {
		rows := staged.relations[typeName]
		if len(rows) == 0 {
			continue
		}
		if err := s.ensureLeaseSafe(); err != nil {
			return err
		}
		svid, err := uniformSchemaVersion(s.engine, rowsSchemaVersionsR(rows))
		if err != nil {
			return onterr.New(onterr.KindValidation, "publish", "relation %q: %v", typeName, err)
		}
		relPath := fmt.Sprintf("%s/relations/%s.parquet", base, typeName)
		if s.engine == storage.EngineV2 {
			relPath = fmt.Sprintf("%s/relations/%s/v%d.parquet", base, typeName, svid)
		}
		data, err := s.relationParquet(typeName, rows, staged.commitID)
		if err != nil {
			return err
		}
		sha, err := s.putDataFile(relPath, data)
		if err != nil {
			return err
		}
		files = append(files, manifestFile{
			Kind: schema.TypeKindRelation, TypeName: typeName, Path: relPath,
			RowCount: int64(len(rows)), SchemaVersionID: rows[0].schemaVersionID, ContentSHA256: sha,
		})
	}

	manifestPath := base + "/manifest.json"
	manifest := map[string]any{
		"commit_id":            staged.commitID,
		"parent_commit_id":     nullableCommit(head.CommitID),
		"parent_manifest_path": head.ManifestPath,
		"created_at":           nowISO(),
		"runtime_id":           s.cfg.RuntimeID,
		"metadata":             staged.metadata,
		"files":                files,
	}
	if err := s.putJSON(manifestPath, manifest); err != nil {
		return err
	}

	if err := s.ensureLeaseSafe(); err != nil {
		return err
	}

	nextHead := headDoc{
		CommitID:     staged.commitID,
		ManifestPath: &manifestPath,
		UpdatedAt:    nowISO(),
		RuntimeID:    s.cfg.RuntimeID,
	}
	if err := s.putJSONCond(headKey, nextHead, objstore.PutCond{IfMatch: headETag}); err != nil {
		if err == objstore.ErrPreconditionFailed {
			return onterr.New(onterr.KindHeadMismatch, "head_cas",
				"concurrent writer advanced head past %d", head.CommitID)
		}
		return err
	}

	// Post-CAS: the commit is committed. Index maintenance failures leave a
	// degraded-but-correct state repaired by later readers and writers.
	if err := s.updateIndicesAfterCommit(head.CommitID, head.ManifestPath, staged.commitID, files); err != nil {
		s.mu.Lock()
		s.lastIndexWarning = fmt.Sprintf("index update skipped/degraded: %v", err)
		s.mu.Unlock()
	}
	return nil
}

func nullableCommit(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}

func rowsSchemaVersionsE(rows []stagedEntityRow) map[int64]struct{} {
	out := map[int64]struct{}{}
	for _, r := range rows {
		out[r.schemaVersionID] = struct{}{}
	}
	return out
}

func rowsSchemaVersionsR(rows []stagedRelationRow) map[int64]struct{} {
	out := map[int64]struct{}{}
	for _, r := range rows {
		out[r.schemaVersionID] = struct{}{}
	}
	return out
}

func uniformSchemaVersion(engine string, versions map[int64]struct{}) (int64, error) {
	if engine != storage.EngineV2 {
		for v := range versions {
			return v, nil
		}
		return 0, nil
	}
	if len(versions) != 1 {
		return 0, fmt.Errorf("v2 commit file requires exactly one schema version, got %d", len(versions))
	}
	for v := range versions {
		if v == 0 {
			return 0, fmt.Errorf("v2 commit file requires a non-zero schema version")
		}
		return v, nil
	}
	return 0, nil
}

func (s *Store) putDataFile(relPath string, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	if _, err := s.obj.Put(ctxBg(), s.key(relPath), data, "application/octet-stream", objstore.PutCond{}); err != nil {
		return "", onterr.Wrap(onterr.KindStorageIO, "put_data_file", err)
	}
	return hex.EncodeToString(sum[:]), nil
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// --- Parquet encoding ---

// entityParquet builds one commit file: base columns plus optional typed
// scalar columns classified from the type's current schema document.
func (s *Store) entityParquet(typeName string, rows []stagedEntityRow, commitID int64) ([]byte, error) {
	sch, records, err := s.buildEntityRecords(typeName, rows, commitID)
	if err != nil {
		return nil, err
	}
	return writeParquet(sch, records)
}

func (s *Store) buildEntityRecords(typeName string, rows []stagedEntityRow, commitID int64) (*parquet.Schema, []map[string]any, error) {
	scalars, err := s.scalarColumns(schema.TypeKindEntity, typeName, rows[0].schemaVersionID)
	if err != nil {
		return nil, nil, err
	}

	group := parquet.Group{
		"commit_id":         parquet.Leaf(parquet.Int64Type),
		"entity_type":       parquet.String(),
		"entity_key":        parquet.String(),
		"schema_version_id": parquet.Leaf(parquet.Int64Type),
		"fields_json":       parquet.String(),
	}
	addScalarNodes(group, scalars)
	sch := parquet.NewSchema("entity", group)

	records := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		fieldsJSON, err := canonicaljson.Marshal(r.fields)
		if err != nil {
			return nil, nil, onterr.Wrap(onterr.KindValidation, "entity_parquet", err)
		}
		rec := map[string]any{
			"commit_id":         commitID,
			"entity_type":       typeName,
			"entity_key":        r.key,
			"schema_version_id": r.schemaVersionID,
			"fields_json":       string(fieldsJSON),
		}
		for name, prim := range scalars {
			rec[scalarColumnName(name)] = parquetScalar(r.fields[name], prim)
		}
		records = append(records, rec)
	}
	return sch, records, nil
}

func (s *Store) relationParquet(typeName string, rows []stagedRelationRow, commitID int64) ([]byte, error) {
	sch, records, err := s.buildRelationRecords(typeName, rows, commitID)
	if err != nil {
		return nil, err
	}
	return writeParquet(sch, records)
}

func (s *Store) buildRelationRecords(typeName string, rows []stagedRelationRow, commitID int64) (*parquet.Schema, []map[string]any, error) {
	scalars, err := s.scalarColumns(schema.TypeKindRelation, typeName, rows[0].schemaVersionID)
	if err != nil {
		return nil, nil, err
	}

	group := parquet.Group{
		"commit_id":         parquet.Leaf(parquet.Int64Type),
		"relation_type":     parquet.String(),
		"left_key":          parquet.String(),
		"right_key":         parquet.String(),
		"instance_key":      parquet.String(),
		"schema_version_id": parquet.Leaf(parquet.Int64Type),
		"fields_json":       parquet.String(),
	}
	addScalarNodes(group, scalars)
	sch := parquet.NewSchema("relation", group)

	records := make([]map[string]any, 0, len(rows))
	for _, r := range rows {
		fieldsJSON, err := canonicaljson.Marshal(r.fields)
		if err != nil {
			return nil, nil, onterr.Wrap(onterr.KindValidation, "relation_parquet", err)
		}
		rec := map[string]any{
			"commit_id":         commitID,
			"relation_type":     typeName,
			"left_key":          r.leftKey,
			"right_key":         r.rightKey,
			"instance_key":      r.instanceKey,
			"schema_version_id": r.schemaVersionID,
			"fields_json":       string(fieldsJSON),
		}
		for name, prim := range scalars {
			rec[scalarColumnName(name)] = parquetScalar(r.fields[name], prim)
		}
		records = append(records, rec)
	}
	return sch, records, nil
}

// addScalarNodes declares the typed scalar columns. The f_ prefix keeps
// payload field names clear of the fixed columns.
func addScalarNodes(group parquet.Group, scalars map[string]string) {
	for name, prim := range scalars {
		col := scalarColumnName(name)
		switch prim {
		case schema.PrimInt:
			group[col] = parquet.Optional(parquet.Leaf(parquet.Int64Type))
		case schema.PrimFloat:
			group[col] = parquet.Optional(parquet.Leaf(parquet.DoubleType))
		case schema.PrimBool:
			group[col] = parquet.Optional(parquet.Leaf(parquet.BooleanType))
		default:
			group[col] = parquet.Optional(parquet.String())
		}
	}
}

func scalarColumnName(field string) string { return "f_" + field }

func parquetScalar(v any, prim string) any {
	if v == nil {
		return nil
	}
	switch prim {
	case schema.PrimInt:
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				return i
			}
			return nil
		}
		switch n := v.(type) {
		case int64:
			return n
		case int:
			return int64(n)
		case float64:
			return int64(n)
		}
		return nil
	case schema.PrimFloat:
		if n, ok := v.(json.Number); ok {
			if f, err := n.Float64(); err == nil {
				return f
			}
			return nil
		}
		switch n := v.(type) {
		case float64:
			return n
		case int64:
			return float64(n)
		case int:
			return float64(n)
		}
		return nil
	case schema.PrimBool:
		if b, ok := v.(bool); ok {
			return b
		}
		return nil
	default:
		if sv, ok := v.(string); ok {
			return sv
		}
		return nil
	}
}

func writeParquet(sch *parquet.Schema, records []map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[map[string]any](&buf, sch)
	if _, err := w.Write(records); err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "write_parquet", err)
	}
	if err := w.Close(); err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "write_parquet", err)
	}
	return buf.Bytes(), nil
}
