package sqlitestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontolog/ontolog/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "onto.db")
	s, err := Open(path, "sqlite:///"+path, storage.EngineV1)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// writeCommit persists one commit of entity payloads keyed by entity key.
func writeCommit(t *testing.T, s *Store, typeName string, rows map[string]map[string]any) int64 {
	t.Helper()
	ok, err := s.AcquireLock("test-owner", time.Second, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	defer s.ReleaseLock("test-owner")

	require.NoError(t, s.BeginTransaction())
	commitID, err := s.CreateCommit(map[string]any{"namespace": "test"})
	require.NoError(t, err)
	for key, fields := range rows {
		require.NoError(t, s.InsertEntity(typeName, key, fields, commitID, 0))
	}
	require.NoError(t, s.CommitTransaction())
	return commitID
}

func TestOpen_EmptyStoreHeadIsZero(t *testing.T) {
	s := openTestStore(t)
	head, err := s.HeadCommitID()
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)

	info := s.StorageInfo()
	assert.Equal(t, "sqlite", info.Backend)
	assert.Equal(t, storage.EngineV1, info.EngineVersion)
}

func TestCommit_MonotonicIDs(t *testing.T) {
	s := openTestStore(t)
	c1 := writeCommit(t, s, "Customer", map[string]map[string]any{"c1": {"name": "Alice"}})
	c2 := writeCommit(t, s, "Customer", map[string]map[string]any{"c1": {"name": "Alicia"}})
	assert.Equal(t, int64(1), c1)
	assert.Equal(t, int64(2), c2)

	head, err := s.HeadCommitID()
	require.NoError(t, err)
	assert.Equal(t, int64(2), head)
}

func TestRollback_NothingVisible(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.AcquireLock("o1", time.Second, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	defer s.ReleaseLock("o1")

	require.NoError(t, s.BeginTransaction())
	commitID, err := s.CreateCommit(nil)
	require.NoError(t, err)
	require.NoError(t, s.InsertEntity("Customer", "c1", map[string]any{"name": "X"}, commitID, 0))
	require.NoError(t, s.RollbackTransaction())

	head, err := s.HeadCommitID()
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)

	row, err := s.GetLatestEntity("Customer", "c1")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestGetLatestEntity(t *testing.T) {
	s := openTestStore(t)
	writeCommit(t, s, "Customer", map[string]map[string]any{"c1": {"name": "Alice"}})
	writeCommit(t, s, "Customer", map[string]map[string]any{"c1": {"name": "Alicia"}})

	row, err := s.GetLatestEntity("Customer", "c1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "Alicia", row.Fields["name"])
	assert.Equal(t, int64(2), row.CommitID)

	missing, err := s.GetLatestEntity("Customer", "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestRelations_InstanceKeyMultiplicity(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.AcquireLock("o1", time.Second, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	defer s.ReleaseLock("o1")

	require.NoError(t, s.BeginTransaction())
	commitID, err := s.CreateCommit(nil)
	require.NoError(t, err)
	require.NoError(t, s.InsertRelation("Employment", "p1", "c1", map[string]any{"role": "Eng"}, commitID, 0, "a"))
	require.NoError(t, s.InsertRelation("Employment", "p1", "c1", map[string]any{"role": "Mgr"}, commitID, 0, "b"))
	require.NoError(t, s.CommitTransaction())

	n, err := s.CountRelations("Employment", storage.QueryOptions{Temporal: storage.Latest()})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rowA, err := s.GetLatestRelation("Employment", "p1", "c1", "a")
	require.NoError(t, err)
	require.NotNil(t, rowA)
	assert.Equal(t, "Eng", rowA.Fields["role"])

	// The unkeyed sentinel is a distinct identity.
	sentinel, err := s.GetLatestRelation("Employment", "p1", "c1", "")
	require.NoError(t, err)
	assert.Nil(t, sentinel)
}

func TestListCommitChanges_Operations(t *testing.T) {
	s := openTestStore(t)
	c1 := writeCommit(t, s, "Customer", map[string]map[string]any{"c1": {"name": "Alice"}})
	c2 := writeCommit(t, s, "Customer", map[string]map[string]any{
		"c1": {"name": "Alicia"},
		"c2": {"name": "Bob"},
	})

	changes, err := s.ListCommitChanges(c1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, storage.OpInsert, changes[0].Operation)

	changes, err = s.ListCommitChanges(c2)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	byKey := map[string]string{}
	for _, ch := range changes {
		byKey[ch.Key] = ch.Operation
	}
	assert.Equal(t, storage.OpUpdateVersion, byKey["c1"])
	assert.Equal(t, storage.OpInsert, byKey["c2"])

	n, err := s.CountCommitOperations(c2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestListCommits(t *testing.T) {
	s := openTestStore(t)
	writeCommit(t, s, "T", map[string]map[string]any{"a": {"v": 1}})
	writeCommit(t, s, "T", map[string]map[string]any{"a": {"v": 2}})
	writeCommit(t, s, "T", map[string]map[string]any{"a": {"v": 3}})

	commits, err := s.ListCommits(2, 0)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, int64(3), commits[0].ID)
	assert.Equal(t, int64(2), commits[1].ID)

	commits, err = s.ListCommits(10, 2)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, int64(3), commits[0].ID)

	commit, err := s.GetCommit(1)
	require.NoError(t, err)
	require.NotNil(t, commit)
	assert.Equal(t, "test", commit.Metadata["namespace"])
}

func TestSchemaVersions(t *testing.T) {
	s := openTestStore(t)

	v1, err := s.CreateSchemaVersion("entity", "Customer", `{"fields":{}}`, "hash1", "rt-1", "initial")
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1)

	v2, err := s.CreateSchemaVersion("entity", "Customer", `{"fields":{"x":{}}}`, "hash2", "rt-1", "migration")
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2)

	current, err := s.GetCurrentSchemaVersion("entity", "Customer")
	require.NoError(t, err)
	require.NotNil(t, current)
	assert.Equal(t, int64(2), current.SchemaVersionID)
	assert.Equal(t, "hash2", current.SchemaHash)

	all, err := s.ListSchemaVersions("entity", "Customer")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	missing, err := s.GetCurrentSchemaVersion("entity", "Nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestSchemaRegistry(t *testing.T) {
	s := openTestStore(t)
	doc := map[string]any{"entity_name": "Customer", "fields": map[string]any{}}
	require.NoError(t, s.StoreSchema("entity", "Customer", doc))

	got, err := s.GetSchema("entity", "Customer")
	require.NoError(t, err)
	assert.Equal(t, "Customer", got["entity_name"])

	list, err := s.ListSchemas("entity")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
