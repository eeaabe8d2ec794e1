package sqlitestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontolog/ontolog/internal/filter"
	"github.com/ontolog/ontolog/internal/storage"
)

const v2CustomerSchema = `{
	"entity_name": "Customer",
	"fields": {
		"id":   {"primary_key": true, "index": false, "type": "string", "type_spec": {"kind": "primitive", "name": "string"}},
		"name": {"primary_key": false, "index": false, "type": "string", "type_spec": {"kind": "primitive", "name": "string"}},
		"age":  {"primary_key": false, "index": false, "type": "int64", "type_spec": {"kind": "primitive", "name": "int"}},
		"meta": {"primary_key": false, "index": false, "type": "map[string]string", "type_spec": {"kind": "dict", "key": {"kind": "primitive", "name": "string"}, "value": {"kind": "primitive", "name": "string"}}}
	}
}`

func openV2Store(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "onto.db")
	s, err := Open(path, "sqlite:///"+path, storage.EngineV2)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestV2_PartitionWriteAndRead(t *testing.T) {
	s := openV2Store(t)
	assert.Equal(t, storage.EngineV2, s.StorageInfo().EngineVersion)

	vid, err := s.CreateSchemaVersion("entity", "Customer", v2CustomerSchema, "h1", "rt", "initial")
	require.NoError(t, err)
	require.Equal(t, int64(1), vid)

	ok, err := s.AcquireLock("w", time.Second, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, s.BeginTransaction())
	commitID, err := s.CreateCommit(nil)
	require.NoError(t, err)
	require.NoError(t, s.InsertEntity("Customer", "c1",
		map[string]any{"id": "c1", "name": "Alice", "age": 30, "meta": map[string]any{"k": "v"}},
		commitID, vid))
	require.NoError(t, s.CommitTransaction())
	require.NoError(t, s.ReleaseLock("w"))

	// The first write activated the partition and repointed the catalog.
	table, layoutVersion, activation, err := s.currentLayout("entity", "Customer")
	require.NoError(t, err)
	assert.Equal(t, "entity_Customer_v1", table)
	assert.Equal(t, vid, layoutVersion)
	assert.Equal(t, commitID, activation)

	// Current-state reads come back through the partition; typed scalar
	// predicates rewrite to column references transparently.
	rows, err := s.QueryEntities("Customer", storage.QueryOptions{
		Temporal:        storage.Latest(),
		SchemaVersionID: vid,
		Filter:          filter.F("age").Gt(29),
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c1", rows[0].Key)
	assert.Equal(t, vid, rows[0].SchemaVersionID)

	// History reads still serve temporal queries from the history table.
	rows, err = s.QueryEntities("Customer", storage.QueryOptions{
		Temporal: storage.WithHistory(), SchemaVersionID: vid,
	})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestV2_SchemaVersionMismatchRejected(t *testing.T) {
	s := openV2Store(t)

	vid, err := s.CreateSchemaVersion("entity", "Customer", v2CustomerSchema, "h1", "rt", "initial")
	require.NoError(t, err)

	ok, err := s.AcquireLock("w", time.Second, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	defer s.ReleaseLock("w")
	require.NoError(t, s.BeginTransaction())
	commitID, err := s.CreateCommit(nil)
	require.NoError(t, err)
	require.NoError(t, s.InsertEntity("Customer", "c1",
		map[string]any{"id": "c1", "name": "A", "age": 1, "meta": nil}, commitID, vid))
	require.NoError(t, s.CommitTransaction())

	// A write under a stale version id is refused once the layout exists.
	require.NoError(t, s.BeginTransaction())
	commitID, err = s.CreateCommit(nil)
	require.NoError(t, err)
	err = s.InsertEntity("Customer", "c2",
		map[string]any{"id": "c2", "name": "B", "age": 2, "meta": nil}, commitID, vid+5)
	require.Error(t, err)
	require.NoError(t, s.RollbackTransaction())
}

func TestV2_EngineMarkerPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "onto.db")
	s, err := Open(path, "sqlite:///"+path, storage.EngineV2)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening without a requested engine keeps the stored marker.
	s, err = Open(path, "sqlite:///"+path, "")
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, storage.EngineV2, s.StorageInfo().EngineVersion)
}
