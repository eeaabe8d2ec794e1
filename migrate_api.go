package ontolog

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ontolog/ontolog/internal/canonicaljson"
	"github.com/ontolog/ontolog/internal/migrate"
	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/schema"
	"github.com/ontolog/ontolog/internal/storage"
)

// Upgrader transforms one row's payload from a schema version to the next.
type Upgrader = migrate.Upgrader

// Upgraders maps (type name, from version) to upgrader functions.
type Upgraders = migrate.Registry

// NewUpgraders creates an empty upgrader registry.
func NewUpgraders() Upgraders { return Upgraders{} }

// MigrationPreview is the result of a dry-run migration.
type MigrationPreview = migrate.Preview

// MigrationResult is the outcome of an applied migration.
type MigrationResult = migrate.Result

// MigratePreview computes the pending migration plan without applying it.
// The returned token binds the plan hash to the observed head and must be
// passed to MigrateApply.
func (s *Session) MigratePreview(upgraders Upgraders) (*MigrationPreview, error) {
	diffs, estimated, schemaOnly, needsUpgrader, err := s.computeMigrationPlan()
	if err != nil {
		return nil, err
	}
	if len(diffs) == 0 {
		return &MigrationPreview{HasChanges: false}, nil
	}

	planHash, err := migrate.PlanHash(diffs)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindMigration, "migrate_preview", err)
	}
	head, err := s.repo.HeadCommitID()
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, name := range needsUpgrader {
		stored := storedVersionOf(diffs, name)
		if _, err := migrate.Chain(upgraders, name, stored, stored+1); err != nil {
			missing = append(missing, name)
		}
	}

	return &MigrationPreview{
		HasChanges:              true,
		Token:                   migrate.Token(planHash, head),
		Diffs:                   diffs,
		EstimatedRows:           estimated,
		TypesRequiringUpgraders: needsUpgrader,
		TypesSchemaOnly:         schemaOnly,
		MissingUpgraders:        missing,
	}, nil
}

func storedVersionOf(diffs []schema.Diff, name string) int64 {
	for _, d := range diffs {
		if d.TypeName == name {
			return d.StoredVersion
		}
	}
	return 0
}

func (s *Session) computeMigrationPlan() (diffs []schema.Diff, estimated map[string]int64, schemaOnly, needsUpgrader []string, err error) {
	estimated = map[string]int64{}

	check := func(kind, name string, doc map[string]any, countFn func(string) (int64, error)) error {
		codeHash, err := schema.Hash(doc)
		if err != nil {
			return onterr.Wrap(onterr.KindMigration, "migrate_plan", err)
		}
		stored, err := s.repo.GetCurrentSchemaVersion(kind, name)
		if err != nil {
			return err
		}
		if stored == nil || stored.SchemaHash == codeHash {
			return nil
		}
		storedDoc, err := decodeSchemaJSON(stored.SchemaJSON)
		if err != nil {
			return err
		}
		diffs = append(diffs, schema.BuildDiff(kind, name, stored.SchemaVersionID, storedDoc, doc))

		rows, err := countFn(name)
		if err != nil {
			return err
		}
		estimated[name] = rows
		if rows == 0 {
			schemaOnly = append(schemaOnly, name)
		} else {
			needsUpgrader = append(needsUpgrader, name)
		}
		return nil
	}

	for name, et := range s.reg.entities {
		if err := check(schema.TypeKindEntity, name, et.Document(), s.repo.CountLatestEntities); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	for name, rt := range s.reg.relations {
		if err := check(schema.TypeKindRelation, name, rt.Document(), s.repo.CountLatestRelations); err != nil {
			return nil, nil, nil, nil, err
		}
	}
	return diffs, estimated, schemaOnly, needsUpgrader, nil
}

// MigrateApply executes the migration under the write lease: the plan is
// recomputed and checked against the token (unless force), upgrader chains
// rewrite every current-state row under the new version in one migration
// commit, and the registry and layout metadata update in the same unit.
func (s *Session) MigrateApply(token string, upgraders Upgraders, force bool) (*MigrationResult, error) {
	if !force && token == "" {
		return nil, onterr.New(onterr.KindMigration, "migrate_apply",
			"either a preview token or force is required")
	}
	if force && token != "" {
		return nil, onterr.New(onterr.KindMigration, "migrate_apply",
			"token and force are mutually exclusive")
	}
	if upgraders == nil {
		upgraders = Upgraders{}
	}

	ownerID := fmt.Sprintf("migration-%s-%s", s.runtimeID, uuid.New().String())
	leaseTTL := time.Minute
	acquired, err := s.repo.AcquireLock(ownerID, 10*time.Second, leaseTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, onterr.New(onterr.KindMigration, "migrate_apply",
			"could not acquire write lock for migration")
	}
	defer func() { _ = s.repo.ReleaseLock(ownerID) }()

	keepAliveStop := s.startLockKeepAlive(ownerID, leaseTTL)
	defer keepAliveStop()

	start := time.Now()

	// Recompute the plan under the lock; the token must still match.
	diffs, estimated, schemaOnly, needsUpgrader, err := s.computeMigrationPlan()
	if err != nil {
		return nil, err
	}
	if len(diffs) == 0 {
		return &MigrationResult{Success: true, DurationSeconds: time.Since(start).Seconds()}, nil
	}

	if !force {
		planHash, err := migrate.PlanHash(diffs)
		if err != nil {
			return nil, onterr.Wrap(onterr.KindMigration, "migrate_apply", err)
		}
		head, err := s.repo.HeadCommitID()
		if err != nil {
			return nil, err
		}
		if !migrate.VerifyToken(token, planHash, head) {
			return nil, onterr.New(onterr.KindMigrationToken, "migrate_apply",
				"migration token is stale; schema or data changed since preview")
		}
	}

	// Every type with data needs a complete upgrader chain before any row
	// is touched.
	chains := map[string]migrate.Upgrader{}
	for _, name := range needsUpgrader {
		stored := storedVersionOf(diffs, name)
		chain, err := migrate.Chain(upgraders, name, stored, stored+1)
		if err != nil {
			return nil, err
		}
		chains[name] = chain
	}

	if err := s.repo.BeginTransaction(); err != nil {
		return nil, err
	}
	rollback := func(err error) (*MigrationResult, error) {
		_ = s.repo.RollbackTransaction()
		return nil, err
	}

	migratedMeta := make([]any, 0, len(diffs))
	for _, d := range diffs {
		migratedMeta = append(migratedMeta, map[string]any{
			"type_kind":              d.TypeKind,
			"type_name":              d.TypeName,
			"from_schema_version_id": d.StoredVersion,
			"to_schema_version_id":   d.StoredVersion + 1,
			"rows_rewritten":         estimated[d.TypeName],
		})
	}
	migrationCommitID, err := s.repo.CreateCommit(map[string]any{
		"kind":           "migration",
		"migrated_types": migratedMeta,
	})
	if err != nil {
		return rollback(err)
	}

	result := &MigrationResult{
		Success:           true,
		RowsMigrated:      map[string]int64{},
		NewSchemaVersions: map[string]int64{},
	}

	for _, d := range diffs {
		name := d.TypeName
		kind := d.TypeKind
		doc := s.codeDocument(kind, name)
		codeJSON, err := canonicaljson.Marshal(doc)
		if err != nil {
			return rollback(onterr.Wrap(onterr.KindMigration, "migrate_apply", err))
		}
		codeHash, err := schema.Hash(doc)
		if err != nil {
			return rollback(onterr.Wrap(onterr.KindMigration, "migrate_apply", err))
		}
		vid, err := s.repo.CreateSchemaVersion(kind, name, string(codeJSON), codeHash, s.runtimeID, "migration")
		if err != nil {
			return rollback(err)
		}

		var rowCount int64
		if chain, hasData := chains[name]; hasData {
			if kind == schema.TypeKindEntity {
				err = s.repo.IterLatestEntities(name, 1000, func(rows []storage.EntityRow) error {
					for _, row := range rows {
						newFields, err := s.upgradeRow(chain, kind, name, row.Key, row.Fields)
						if err != nil {
							return err
						}
						if err := s.repo.InsertEntity(name, row.Key, newFields, migrationCommitID, vid); err != nil {
							return err
						}
						rowCount++
					}
					return nil
				})
			} else {
				err = s.repo.IterLatestRelations(name, 1000, func(rows []storage.RelationRow) error {
					for _, row := range rows {
						identity := row.LeftKey + ":" + row.RightKey
						newFields, err := s.upgradeRow(chain, kind, name, identity, row.Fields)
						if err != nil {
							return err
						}
						if err := s.repo.InsertRelation(name, row.LeftKey, row.RightKey, newFields, migrationCommitID, vid, row.InstanceKey); err != nil {
							return err
						}
						rowCount++
					}
					return nil
				})
			}
			if err != nil {
				return rollback(err)
			}
		}

		if activator, ok := s.repo.(storage.LayoutActivator); ok {
			if err := activator.ActivateSchemaVersion(kind, name, vid, migrationCommitID); err != nil {
				return rollback(err)
			}
		}
		if err := s.repo.StoreSchema(kind, name, doc); err != nil {
			return rollback(err)
		}

		result.TypesMigrated = append(result.TypesMigrated, name)
		result.RowsMigrated[name] = rowCount
		result.NewSchemaVersions[name] = vid
	}

	_ = schemaOnly // classification already reflected in chains

	if err := s.repo.CommitTransaction(); err != nil {
		return rollback(err)
	}

	// The next write path revalidates against the new versions.
	s.schemaValidated = false
	s.schemaVersionIDs = map[string]int64{}

	result.DurationSeconds = time.Since(start).Seconds()
	return result, nil
}

// upgradeRow applies the chain and validates the output against the target
// type before it is written.
func (s *Session) upgradeRow(chain migrate.Upgrader, kind, name, identity string, fields map[string]any) (map[string]any, error) {
	fail := func(stage string, cause error) error {
		return onterr.New(onterr.KindMigration, "migrate_apply",
			"upgrader failed for %s %q identity=%q: %v", kind, name, identity, cause).
			WithDetails(map[string]any{
				"type_kind": kind, "type_name": name,
				"identity": identity, "stage": stage, "input": fields,
			})
	}

	copied := make(map[string]any, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	newFields, err := chain(copied)
	if err != nil {
		return nil, fail("upgrade", err)
	}

	// Validate through the registered type.
	if kind == schema.TypeKindEntity {
		if et, ok := s.reg.entities[name]; ok {
			if _, err := et.HydrateEntity(newFields); err != nil {
				return nil, fail("validate", err)
			}
		}
	} else if rt, ok := s.reg.relations[name]; ok {
		if _, err := rt.HydrateRelation("l", "r", "", newFields); err != nil {
			return nil, fail("validate", err)
		}
	}
	return newFields, nil
}

// startLockKeepAlive renews the lock at ttl/3 until stopped.
func (s *Session) startLockKeepAlive(ownerID string, ttl time.Duration) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if ok, err := s.repo.RenewLock(ownerID, ttl); err != nil || !ok {
					s.cfg.Logger.Warn("migration lease renewal failed", "owner_id", ownerID)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
