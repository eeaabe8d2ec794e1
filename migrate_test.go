package ontolog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// CustomerV1 and CustomerV2 are two generations of the same stored type.
type CustomerV1 struct {
	ID   string `onto:"id,primary_key"`
	Name string `onto:"name"`
}

func (CustomerV1) TypeName() string { return "Customer" }

type CustomerV2 struct {
	ID    string  `onto:"id,primary_key"`
	Name  string  `onto:"name"`
	Email *string `onto:"email"`
}

func (CustomerV2) TypeName() string { return "Customer" }

func seedV1Store(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "onto.db")
	sess, err := Open("sqlite:///"+path, WithEntities(CustomerV1{}))
	require.NoError(t, err)
	require.NoError(t, sess.Ensure(
		CustomerV1{ID: "c1", Name: "Alice"},
		CustomerV1{ID: "c2", Name: "Bob"},
	))
	_, _, err = sess.Commit()
	require.NoError(t, err)
	require.NoError(t, sess.Close())
	return path
}

func TestMigratePreview_NoChanges(t *testing.T) {
	path := seedV1Store(t)
	sess, err := Open("sqlite:///"+path, WithEntities(CustomerV1{}))
	require.NoError(t, err)
	defer sess.Close()

	preview, err := sess.MigratePreview(nil)
	require.NoError(t, err)
	assert.False(t, preview.HasChanges)
	assert.Empty(t, preview.Token)
}

func TestMigratePreview_DetectsDriftAndMissingUpgraders(t *testing.T) {
	path := seedV1Store(t)
	sess, err := Open("sqlite:///"+path, WithEntities(CustomerV2{}))
	require.NoError(t, err)
	defer sess.Close()

	preview, err := sess.MigratePreview(nil)
	require.NoError(t, err)
	require.True(t, preview.HasChanges)
	assert.NotEmpty(t, preview.Token)
	require.Len(t, preview.Diffs, 1)
	assert.Equal(t, []string{"email"}, preview.Diffs[0].AddedFields)
	assert.Equal(t, int64(2), preview.EstimatedRows["Customer"])
	assert.Equal(t, []string{"Customer"}, preview.TypesRequiringUpgraders)
	assert.Empty(t, preview.TypesSchemaOnly)
	assert.Equal(t, []string{"Customer"}, preview.MissingUpgraders)

	// With the upgrader supplied, nothing is missing.
	ups := NewUpgraders()
	require.NoError(t, ups.Add("Customer", 1, func(fields map[string]any) (map[string]any, error) {
		fields["email"] = nil
		return fields, nil
	}))
	preview, err = sess.MigratePreview(ups)
	require.NoError(t, err)
	assert.Empty(t, preview.MissingUpgraders)
}

func TestMigrateApply_FullFlow(t *testing.T) {
	path := seedV1Store(t)
	sess, err := Open("sqlite:///"+path, WithEntities(CustomerV2{}))
	require.NoError(t, err)
	defer sess.Close()

	// Validation fails before migration.
	err = sess.Validate()
	require.Error(t, err)
	assert.Equal(t, ErrSchemaOutdated, KindOf(err))

	ups := NewUpgraders()
	require.NoError(t, ups.Add("Customer", 1, func(fields map[string]any) (map[string]any, error) {
		fields["email"] = nil
		return fields, nil
	}))

	preview, err := sess.MigratePreview(ups)
	require.NoError(t, err)
	require.True(t, preview.HasChanges)

	result, err := sess.MigrateApply(preview.Token, ups, false)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Equal(t, []string{"Customer"}, result.TypesMigrated)
	assert.Equal(t, int64(2), result.RowsMigrated["Customer"])
	assert.Equal(t, int64(2), result.NewSchemaVersions["Customer"])

	// Validation now passes and the preview is clean.
	require.NoError(t, sess.Validate())
	preview, err = sess.MigratePreview(nil)
	require.NoError(t, err)
	assert.False(t, preview.HasChanges)

	// Migrated rows read back under the new schema.
	rows, err := Entities[CustomerV2](sess).Collect()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Nil(t, rows[0].Email)
}

func TestMigrateApply_TemporalActivationBoundary(t *testing.T) {
	path := seedV1Store(t) // data committed at commit 1
	sess, err := Open("sqlite:///"+path, WithEntities(CustomerV2{}))
	require.NoError(t, err)
	defer sess.Close()

	ups := NewUpgraders()
	require.NoError(t, ups.Add("Customer", 1, func(fields map[string]any) (map[string]any, error) {
		fields["email"] = nil
		return fields, nil
	}))
	preview, err := sess.MigratePreview(ups)
	require.NoError(t, err)
	_, err = sess.MigrateApply(preview.Token, ups, false)
	require.NoError(t, err) // migration commit is 2

	// As-of before the new version's activation commit is empty with a
	// diagnostic; as-of the activation returns the migrated state.
	rows, err := Entities[CustomerV2](sess).AsOf(1).Collect()
	require.NoError(t, err)
	assert.Empty(t, rows)
	diag := sess.Repo().LastQueryDiagnostics()
	require.NotNil(t, diag)
	assert.Equal(t, "commit_before_activation", diag["reason"])

	rows, err = Entities[CustomerV2](sess).AsOf(2).Collect()
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestMigrateApply_StaleTokenRejected(t *testing.T) {
	path := seedV1Store(t)
	sess, err := Open("sqlite:///"+path, WithEntities(CustomerV2{}))
	require.NoError(t, err)
	defer sess.Close()

	ups := NewUpgraders()
	require.NoError(t, ups.Add("Customer", 1, func(fields map[string]any) (map[string]any, error) {
		fields["email"] = nil
		return fields, nil
	}))

	preview, err := sess.MigratePreview(ups)
	require.NoError(t, err)

	// Advance head between preview and apply: the token goes stale.
	writer, err := Open("sqlite:///"+path, WithEntities(CustomerV1{}))
	require.NoError(t, err)
	require.NoError(t, writer.Ensure(CustomerV1{ID: "c3", Name: "Carol"}))
	_, _, err = writer.Commit()
	require.NoError(t, err)
	require.NoError(t, writer.Close())

	_, err = sess.MigrateApply(preview.Token, ups, false)
	require.Error(t, err)
	assert.Equal(t, ErrMigrationToken, KindOf(err))

	// Force skips the token check.
	result, err := sess.MigrateApply("", ups, true)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestMigrateApply_MissingUpgraderAborts(t *testing.T) {
	path := seedV1Store(t)
	sess, err := Open("sqlite:///"+path, WithEntities(CustomerV2{}))
	require.NoError(t, err)
	defer sess.Close()

	preview, err := sess.MigratePreview(nil)
	require.NoError(t, err)

	_, err = sess.MigrateApply(preview.Token, nil, false)
	require.Error(t, err)
	assert.Equal(t, ErrMissingUpgrader, KindOf(err))
}

func TestMigrateApply_FailingUpgraderRollsBack(t *testing.T) {
	path := seedV1Store(t)
	sess, err := Open("sqlite:///"+path, WithEntities(CustomerV2{}))
	require.NoError(t, err)
	defer sess.Close()

	ups := NewUpgraders()
	require.NoError(t, ups.Add("Customer", 1, func(fields map[string]any) (map[string]any, error) {
		return nil, assert.AnError
	}))

	preview, err := sess.MigratePreview(ups)
	require.NoError(t, err)

	_, err = sess.MigrateApply(preview.Token, ups, false)
	require.Error(t, err)
	assert.Equal(t, ErrMigration, KindOf(err))
	details := ErrorDetails(err)
	require.NotNil(t, details)
	assert.Equal(t, "Customer", details["type_name"])
	assert.Contains(t, details, "identity")
	assert.Contains(t, details, "input")

	// The failed migration left no partial state.
	head, err := sess.Repo().HeadCommitID()
	require.NoError(t, err)
	assert.Equal(t, int64(1), head)
}

func TestMigrate_TokenAndForceMutuallyExclusive(t *testing.T) {
	path := seedV1Store(t)
	sess, err := Open("sqlite:///"+path, WithEntities(CustomerV2{}))
	require.NoError(t, err)
	defer sess.Close()

	_, err = sess.MigrateApply("", nil, false)
	assert.Error(t, err)
	_, err = sess.MigrateApply("sometoken", nil, true)
	assert.Error(t, err)
}
