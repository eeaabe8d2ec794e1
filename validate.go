package ontolog

import (
	"github.com/ontolog/ontolog/internal/canonicaljson"
	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/schema"
)

// Validate compares code-defined schemas against the stored current
// versions. New types auto-register as version 1; stores whose only drift
// is a missing type spec are upgraded when legacy synthesis reproduces the
// code spec; any real drift aborts with SchemaOutdated carrying per-type
// diffs.
func (s *Session) Validate() error {
	// Object-store validation serializes through the write lock so two
	// sessions cannot both auto-register version 1.
	var lockOwner string
	if s.repo.StorageInfo().Backend == "s3" {
		lockOwner = "schema-validate-" + s.runtimeID
		acquired, err := s.repo.AcquireLock(lockOwner, s.cfg.S3LockTimeout, s.cfg.S3LeaseTTL)
		if err != nil {
			return err
		}
		if !acquired {
			return onterr.New(onterr.KindLockContention, "validate",
				"could not acquire write lock within %s", s.cfg.S3LockTimeout)
		}
		defer func() { _ = s.repo.ReleaseLock(lockOwner) }()
	}

	var diffs []schema.Diff
	versionIDs := map[string]int64{}

	for name, et := range s.reg.entities {
		vid, err := s.validateTypeSchema(schema.TypeKindEntity, name, et.Document(), &diffs)
		if err != nil {
			return err
		}
		if vid != 0 {
			versionIDs[name] = vid
		}
	}
	for name, rt := range s.reg.relations {
		vid, err := s.validateTypeSchema(schema.TypeKindRelation, name, rt.Document(), &diffs)
		if err != nil {
			return err
		}
		if vid != 0 {
			versionIDs[name] = vid
		}
	}

	if len(diffs) > 0 {
		s.schemaValidated = false
		s.schemaVersionIDs = map[string]int64{}
		return schemaOutdatedError("validate", diffs)
	}

	s.schemaVersionIDs = versionIDs
	s.schemaValidated = true
	return nil
}

func schemaOutdatedError(op string, diffs []schema.Diff) error {
	names := make([]string, 0, len(diffs))
	diffDocs := make([]any, 0, len(diffs))
	for _, d := range diffs {
		names = append(names, d.TypeName)
		diffDocs = append(diffDocs, d)
	}
	return onterr.New(onterr.KindSchemaOutdated, op,
		"schema outdated for %d type(s): %v; run a migration preview", len(diffs), names).
		WithDetails(map[string]any{"diffs": diffDocs})
}

func (s *Session) validateTypeSchema(kind, name string, doc map[string]any, diffs *[]schema.Diff) (int64, error) {
	codeJSON, err := canonicaljson.Marshal(doc)
	if err != nil {
		return 0, onterr.Wrap(onterr.KindValidation, "validate", err)
	}
	codeHash, err := schema.Hash(doc)
	if err != nil {
		return 0, onterr.Wrap(onterr.KindValidation, "validate", err)
	}

	stored, err := s.repo.GetCurrentSchemaVersion(kind, name)
	if err != nil {
		return 0, err
	}

	if stored == nil {
		vid, err := s.repo.CreateSchemaVersion(kind, name, string(codeJSON), codeHash, s.runtimeID, "initial")
		if err != nil {
			return 0, err
		}
		if err := s.repo.StoreSchema(kind, name, doc); err != nil {
			return 0, err
		}
		return vid, nil
	}

	if stored.SchemaHash == codeHash {
		return stored.SchemaVersionID, nil
	}

	storedDoc, err := decodeSchemaJSON(stored.SchemaJSON)
	if err != nil {
		return 0, err
	}

	if schema.LegacyUpgradeApplies(storedDoc, doc) {
		// The stored schema predates type specs; re-store under a new
		// version so future validations hash-match.
		vid, err := s.repo.CreateSchemaVersion(kind, name, string(codeJSON), codeHash, s.runtimeID, "type_spec_upgrade")
		if err != nil {
			return 0, err
		}
		if err := s.repo.StoreSchema(kind, name, doc); err != nil {
			return 0, err
		}
		return vid, nil
	}

	*diffs = append(*diffs, schema.BuildDiff(kind, name, stored.SchemaVersionID, storedDoc, doc))
	return 0, nil
}

// ensureSchemaValidated lazily validates once per session when any types
// are registered.
func (s *Session) ensureSchemaValidated() error {
	if s.schemaValidated {
		return nil
	}
	if len(s.reg.entities) == 0 && len(s.reg.relations) == 0 {
		return nil
	}
	return s.Validate()
}

// assertNoSchemaDrift re-reads the current schema version of every touched
// type under the lease and aborts the write when any drifted from the
// validated snapshot.
func (s *Session) assertNoSchemaDrift(changes []change) error {
	if !s.schemaValidated {
		return nil
	}

	touched := map[[2]string]bool{}
	for _, ch := range changes {
		touched[[2]string{ch.intent.kind, ch.intent.typeName}] = true
	}

	var diffs []schema.Diff
	for pair := range touched {
		kind, name := pair[0], pair[1]
		expected, ok := s.schemaVersionIDs[name]
		if !ok {
			continue
		}
		stored, err := s.repo.GetCurrentSchemaVersion(kind, name)
		if err != nil {
			return err
		}
		codeDoc := s.codeDocument(kind, name)
		if stored == nil {
			diffs = append(diffs, schema.BuildDiff(kind, name, 0, map[string]any{"fields": map[string]any{}}, codeDoc))
			continue
		}
		if stored.SchemaVersionID == expected {
			continue
		}
		storedDoc, err := decodeSchemaJSON(stored.SchemaJSON)
		if err != nil {
			return err
		}
		diffs = append(diffs, schema.BuildDiff(kind, name, stored.SchemaVersionID, storedDoc, codeDoc))
	}

	if len(diffs) > 0 {
		s.schemaValidated = false
		return schemaOutdatedError("commit", diffs)
	}
	return nil
}

func (s *Session) codeDocument(kind, name string) map[string]any {
	if kind == schema.TypeKindEntity {
		if et, ok := s.reg.entities[name]; ok {
			return et.Document()
		}
	} else if rt, ok := s.reg.relations[name]; ok {
		return rt.Document()
	}
	return map[string]any{"fields": map[string]any{}}
}
