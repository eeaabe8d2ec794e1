package s3store

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/schema"
	"github.com/ontolog/ontolog/internal/storage"
)

// stagedSchemaChanges buffers registry and version writes made inside a
// transaction; they flush after the data commits publish.
type stagedSchemaChanges struct {
	registry map[[2]string]map[string]any
	versions map[[2]string][]storage.SchemaVersion
}

func newStagedSchemaChanges() *stagedSchemaChanges {
	return &stagedSchemaChanges{
		registry: map[[2]string]map[string]any{},
		versions: map[[2]string][]storage.SchemaVersion{},
	}
}

// --- Types catalog ---

func (s *Store) readTypesCatalog() (entities, relations []string, err error) {
	doc, _, err := s.getJSON(typesKey, false)
	if err != nil {
		return nil, nil, err
	}
	if doc == nil {
		return nil, nil, nil
	}
	for _, v := range toAnySlice(doc["entities"]) {
		entities = append(entities, jsonString(v))
	}
	for _, v := range toAnySlice(doc["relations"]) {
		relations = append(relations, jsonString(v))
	}
	return entities, relations, nil
}

func toAnySlice(v any) []any {
	if s, ok := v.([]any); ok {
		return s
	}
	return nil
}

func (s *Store) ensureTypeCatalog(kind, name string) error {
	entities, relations, err := s.readTypesCatalog()
	if err != nil {
		return err
	}
	list := &entities
	if kind == schema.TypeKindRelation {
		list = &relations
	}
	for _, n := range *list {
		if n == name {
			return nil
		}
	}
	*list = append(*list, name)
	sort.Strings(*list)
	return s.putJSON(typesKey, map[string]any{
		"entities": entities, "relations": relations,
	})
}

// --- Registry ---

func registryField(kind, name string) string { return kind + ":" + name }

// GetSchema reads the registry document for a type, nil when absent.
func (s *Store) GetSchema(kind, name string) (map[string]any, error) {
	doc, _, err := s.getJSON(registryKey, false)
	if err != nil || doc == nil {
		return nil, err
	}
	entry, ok := doc[registryField(kind, name)].(map[string]any)
	if !ok {
		return nil, nil
	}
	return entry, nil
}

// StoreSchema upserts the registry document for a type. Inside a transaction
// the write is staged until the commit publishes.
func (s *Store) StoreSchema(kind, name string, docValue map[string]any) error {
	s.mu.Lock()
	if s.txActive {
		s.stagedSchema.registry[[2]string{kind, name}] = docValue
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return s.storeSchemaNow(kind, name, docValue)
}

func (s *Store) storeSchemaNow(kind, name string, docValue map[string]any) error {
	doc, _, err := s.getJSON(registryKey, false)
	if err != nil {
		return err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	doc[registryField(kind, name)] = docValue
	if err := s.putJSON(registryKey, doc); err != nil {
		return err
	}
	return s.ensureTypeCatalog(kind, name)
}

// ListSchemas returns registry documents of a kind, sorted by type name.
func (s *Store) ListSchemas(kind string) ([]map[string]any, error) {
	doc, _, err := s.getJSON(registryKey, false)
	if err != nil || doc == nil {
		return []map[string]any{}, err
	}
	prefix := kind + ":"
	names := []string{}
	for field := range doc {
		if len(field) > len(prefix) && field[:len(prefix)] == prefix {
			names = append(names, field[len(prefix):])
		}
	}
	sort.Strings(names)

	out := []map[string]any{}
	for _, name := range names {
		entry, _ := doc[registryField(kind, name)].(map[string]any)
		if entry == nil {
			continue
		}
		entry["__type_name__"] = name
		out = append(out, entry)
	}
	return out, nil
}

// --- Schema versions ---

func (s *Store) loadSchemaVersions(kind, name string) ([]storage.SchemaVersion, error) {
	doc, _, err := s.getJSON(s.schemaVersionsKey(kind, name), false)
	if err != nil || doc == nil {
		return nil, err
	}
	out := []storage.SchemaVersion{}
	for _, raw := range toAnySlice(doc["versions"]) {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		v := storage.SchemaVersion{
			SchemaVersionID:    jsonInt(m["schema_version_id"]),
			Kind:               kind,
			Name:               name,
			SchemaJSON:         jsonString(m["schema_json"]),
			SchemaHash:         jsonString(m["schema_hash"]),
			RuntimeID:          jsonString(m["runtime_id"]),
			Reason:             jsonString(m["reason"]),
			ActivationCommitID: jsonInt(m["activation_commit_id"]),
		}
		if ts, err := parseISO(jsonString(m["created_at"])); err == nil {
			v.CreatedAt = ts
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SchemaVersionID < out[j].SchemaVersionID })
	return out, nil
}

func (s *Store) writeSchemaVersions(kind, name string, versions []storage.SchemaVersion) error {
	rows := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		rows = append(rows, map[string]any{
			"schema_version_id":    v.SchemaVersionID,
			"schema_json":          v.SchemaJSON,
			"schema_hash":          v.SchemaHash,
			"created_at":           v.CreatedAt.UTC().Format(time.RFC3339Nano),
			"runtime_id":           v.RuntimeID,
			"reason":               v.Reason,
			"activation_commit_id": v.ActivationCommitID,
		})
	}
	return s.putJSON(s.schemaVersionsKey(kind, name), map[string]any{"versions": rows})
}

// CreateSchemaVersion appends the next version row. Inside a transaction the
// row is staged; its id accounts for other staged rows of the same type.
func (s *Store) CreateSchemaVersion(kind, name, schemaJSON, schemaHash, runtimeID, reason string) (int64, error) {
	stored, err := s.loadSchemaVersions(kind, name)
	if err != nil {
		return 0, err
	}
	var current int64
	if len(stored) > 0 {
		current = stored[len(stored)-1].SchemaVersionID
	}

	s.mu.Lock()
	if s.txActive {
		key := [2]string{kind, name}
		for _, v := range s.stagedSchema.versions[key] {
			if v.SchemaVersionID > current {
				current = v.SchemaVersionID
			}
		}
		next := current + 1
		s.stagedSchema.versions[key] = append(s.stagedSchema.versions[key], storage.SchemaVersion{
			SchemaVersionID: next, Kind: kind, Name: name,
			SchemaJSON: schemaJSON, SchemaHash: schemaHash,
			CreatedAt: time.Now().UTC(), RuntimeID: runtimeID, Reason: reason,
		})
		s.mu.Unlock()
		return next, nil
	}
	s.mu.Unlock()

	next := current + 1
	stored = append(stored, storage.SchemaVersion{
		SchemaVersionID: next, Kind: kind, Name: name,
		SchemaJSON: schemaJSON, SchemaHash: schemaHash,
		CreatedAt: time.Now().UTC(), RuntimeID: runtimeID, Reason: reason,
	})
	if err := s.writeSchemaVersions(kind, name, stored); err != nil {
		return 0, err
	}
	return next, s.ensureTypeCatalog(kind, name)
}

// GetCurrentSchemaVersion reads the highest version row, staged rows
// included while a transaction is open.
func (s *Store) GetCurrentSchemaVersion(kind, name string) (*storage.SchemaVersion, error) {
	s.mu.Lock()
	if s.txActive {
		if staged := s.stagedSchema.versions[[2]string{kind, name}]; len(staged) > 0 {
			v := staged[len(staged)-1]
			s.mu.Unlock()
			return &v, nil
		}
	}
	s.mu.Unlock()

	stored, err := s.loadSchemaVersions(kind, name)
	if err != nil || len(stored) == 0 {
		return nil, err
	}
	v := stored[len(stored)-1]
	return &v, nil
}

// GetSchemaVersion reads one version row.
func (s *Store) GetSchemaVersion(kind, name string, versionID int64) (*storage.SchemaVersion, error) {
	s.mu.Lock()
	if s.txActive {
		for _, v := range s.stagedSchema.versions[[2]string{kind, name}] {
			if v.SchemaVersionID == versionID {
				s.mu.Unlock()
				out := v
				return &out, nil
			}
		}
	}
	s.mu.Unlock()

	stored, err := s.loadSchemaVersions(kind, name)
	if err != nil {
		return nil, err
	}
	for _, v := range stored {
		if v.SchemaVersionID == versionID {
			out := v
			return &out, nil
		}
	}
	return nil, nil
}

// ListSchemaVersions returns all stored version rows, oldest first.
func (s *Store) ListSchemaVersions(kind, name string) ([]storage.SchemaVersion, error) {
	out, err := s.loadSchemaVersions(kind, name)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []storage.SchemaVersion{}
	}
	return out, nil
}

// flushStagedSchemaChanges publishes staged registry and version writes.
// Runs after the head CAS of the data commits; the manifest chain remains
// authoritative if a crash interleaves.
func (s *Store) flushStagedSchemaChanges(changes *stagedSchemaChanges) error {
	if changes == nil {
		return nil
	}

	keys := make([][2]string, 0, len(changes.versions))
	for k := range changes.versions {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i][0] < keys[j][0] || (keys[i][0] == keys[j][0] && keys[i][1] < keys[j][1])
	})
	for _, key := range keys {
		stored, err := s.loadSchemaVersions(key[0], key[1])
		if err != nil {
			return err
		}
		stored = append(stored, changes.versions[key]...)
		if err := s.writeSchemaVersions(key[0], key[1], stored); err != nil {
			return err
		}
		if err := s.ensureTypeCatalog(key[0], key[1]); err != nil {
			return err
		}
	}

	regKeys := make([][2]string, 0, len(changes.registry))
	for k := range changes.registry {
		regKeys = append(regKeys, k)
	}
	sort.Slice(regKeys, func(i, j int) bool {
		return regKeys[i][0] < regKeys[j][0] || (regKeys[i][0] == regKeys[j][0] && regKeys[i][1] < regKeys[j][1])
	})
	for _, key := range regKeys {
		if err := s.storeSchemaNow(key[0], key[1], changes.registry[key]); err != nil {
			return err
		}
	}
	return nil
}

// --- Layout catalog (engine v2) ---

type layoutInfo struct {
	schemaVersionID    int64
	activationCommitID int64
}

func (s *Store) currentLayout(kind, name string) (*layoutInfo, error) {
	doc, _, err := s.getJSON(layoutCatalogKey, false)
	if err != nil || doc == nil {
		return nil, err
	}
	entry, ok := doc[registryField(kind, name)].(map[string]any)
	if !ok {
		return nil, nil
	}
	return &layoutInfo{
		schemaVersionID:    jsonInt(entry["schema_version_id"]),
		activationCommitID: jsonInt(entry["activation_commit_id"]),
	}, nil
}

// ActivateSchemaVersion records the activation commit on the version row and
// repoints the layout catalog (best effort relative to the manifest chain).
// Inside a transaction the activation is staged and applied after the staged
// schema versions flush.
func (s *Store) ActivateSchemaVersion(kind, name string, schemaVersionID, activationCommitID int64) error {
	s.mu.Lock()
	if s.txActive {
		key := [2]string{kind, name}
		for i := range s.stagedSchema.versions[key] {
			if s.stagedSchema.versions[key][i].SchemaVersionID == schemaVersionID {
				s.stagedSchema.versions[key][i].ActivationCommitID = activationCommitID
			}
		}
		s.pendingLayout[key] = layoutActivation{
			schemaVersionID: schemaVersionID, activationCommitID: activationCommitID,
		}
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	stored, err := s.loadSchemaVersions(kind, name)
	if err != nil {
		return err
	}
	found := false
	for i := range stored {
		if stored[i].SchemaVersionID == schemaVersionID {
			stored[i].ActivationCommitID = activationCommitID
			found = true
		}
	}
	if !found {
		return onterr.New(onterr.KindValidation, "activate_schema_version",
			"unknown schema version %d for %s %q", schemaVersionID, kind, name)
	}
	if err := s.writeSchemaVersions(kind, name, stored); err != nil {
		return err
	}

	doc, _, err := s.getJSON(layoutCatalogKey, false)
	if err != nil {
		return err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	doc[registryField(kind, name)] = map[string]any{
		"schema_version_id":    schemaVersionID,
		"activation_commit_id": activationCommitID,
	}
	return s.putJSON(layoutCatalogKey, doc)
}

// scalarColumns classifies typed scalar columns from a version's schema doc.
func (s *Store) scalarColumns(kind, typeName string, schemaVersionID int64) (map[string]string, error) {
	if schemaVersionID == 0 {
		return map[string]string{}, nil
	}
	ver, err := s.GetSchemaVersion(kind, typeName, schemaVersionID)
	if err != nil || ver == nil {
		return map[string]string{}, err
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
		if prim, ok := spec.IsScalar(); ok {
			out[name] = prim
		}
	}
	return out, nil
}

// --- Dropped-type bookkeeping ---

type droppedRecord struct {
	DroppedAt string `json:"dropped_at"`
	Purged    bool   `json:"purged"`
}

func (s *Store) readDroppedMap() (map[string]droppedRecord, error) {
	doc, _, err := s.getJSON(droppedKey, false)
	if err != nil || doc == nil {
		return map[string]droppedRecord{}, err
	}
	out := map[string]droppedRecord{}
	for field, raw := range doc {
		m, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		purged, _ := m["purged"].(bool)
		out[field] = droppedRecord{DroppedAt: jsonString(m["dropped_at"]), Purged: purged}
	}
	return out, nil
}

// ApplySchemaDrop records the affected types as dropped (and optionally
// purged), then removes them from the types catalog, as two separate object
// writes. No commit is created and commitMeta is not recorded; the returned
// id is the current head. History files are retained; purge only marks intent.
func (s *Store) ApplySchemaDrop(affected [][2]string, purgeHistory bool, commitMeta map[string]any) (int64, error) {
	dropped, err := s.readDroppedMap()
	if err != nil {
		return 0, err
	}
	for _, pair := range affected {
		dropped[registryField(pair[0], pair[1])] = droppedRecord{
			DroppedAt: nowISO(), Purged: purgeHistory,
		}
	}
	doc := map[string]any{}
	for field, rec := range dropped {
		doc[field] = map[string]any{"dropped_at": rec.DroppedAt, "purged": rec.Purged}
	}
	if err := s.putJSON(droppedKey, doc); err != nil {
		return 0, err
	}

	entities, relations, err := s.readTypesCatalog()
	if err != nil {
		return 0, err
	}
	drop := map[string]bool{}
	for _, pair := range affected {
		drop[registryField(pair[0], pair[1])] = true
	}
	entities = filterNames(entities, schema.TypeKindEntity, drop)
	relations = filterNames(relations, schema.TypeKindRelation, drop)
	if err := s.putJSON(typesKey, map[string]any{"entities": entities, "relations": relations}); err != nil {
		return 0, err
	}

	head, err := s.HeadCommitID()
	if err != nil {
		return 0, err
	}
	_ = commitMeta
	return head, nil
}

func filterNames(names []string, kind string, drop map[string]bool) []string {
	out := []string{}
	for _, n := range names {
		if !drop[registryField(kind, n)] {
			out = append(out, n)
		}
	}
	return out
}
