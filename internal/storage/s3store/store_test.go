package s3store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ontolog/ontolog/internal/objstore"
	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/storage"
)

func initTestStore(t *testing.T) (*Store, *objstore.Mem) {
	t.Helper()
	mem := objstore.NewMem()
	s, err := Initialize(mem, "bucket", "prefix", "s3://bucket/prefix", Config{RuntimeID: "rt-test"})
	require.NoError(t, err)
	return s, mem
}

func writeEntityCommit(t *testing.T, s *Store, owner, typeName string, rows map[string]map[string]any) int64 {
	t.Helper()
	ok, err := s.AcquireLock(owner, time.Second, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	defer s.ReleaseLock(owner)

	require.NoError(t, s.BeginTransaction())
	commitID, err := s.CreateCommit(map[string]any{"namespace": "test"})
	require.NoError(t, err)
	for key, fields := range rows {
		require.NoError(t, s.InsertEntity(typeName, key, fields, commitID, 0))
	}
	require.NoError(t, s.CommitTransaction())
	return commitID
}

func TestInitialize_CreatesControlPlane(t *testing.T) {
	s, mem := initTestStore(t)

	head, err := s.HeadCommitID()
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)

	keys, err := mem.List(context.Background(), "prefix/meta/")
	require.NoError(t, err)
	assert.Contains(t, keys, "prefix/meta/head.json")
	assert.Contains(t, keys, "prefix/meta/schema/types.json")

	// Double initialization is rejected.
	_, err = Initialize(mem, "bucket", "prefix", "s3://bucket/prefix", Config{})
	assert.Error(t, err)
}

func TestOpen_UninitializedPrefix(t *testing.T) {
	mem := objstore.NewMem()
	_, err := Open(mem, "bucket", "prefix", "s3://bucket/prefix", Config{})
	require.Error(t, err)
	assert.Equal(t, onterr.KindUninitializedStorage, onterr.KindOf(err))
}

func TestPublishCommit_HeadAndManifest(t *testing.T) {
	s, _ := initTestStore(t)

	// Register the type so the post-CAS index pass covers it.
	_, err := s.CreateSchemaVersion("entity", "Customer", `{"fields":{}}`, "h1", "rt", "initial")
	require.NoError(t, err)

	commitID := writeEntityCommit(t, s, "w1", "Customer", map[string]map[string]any{
		"c1": {"name": "Alice"},
	})
	assert.Equal(t, int64(1), commitID)

	head, _, err := s.readHead(true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), head.CommitID)
	require.NotNil(t, head.ManifestPath)

	manifest, err := s.readManifest(*head.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, int64(1), jsonInt(manifest["commit_id"]))
	assert.Nil(t, manifest["parent_commit_id"])
	files := manifestFiles(manifest)
	require.Len(t, files, 1)
	assert.Equal(t, "Customer", files[0].TypeName)
	assert.NotEmpty(t, files[0].ContentSHA256)

	row, err := s.GetLatestEntity("Customer", "c1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "Alice", row.Fields["name"])
	assert.Equal(t, int64(1), row.CommitID)
}

func TestPublishCommit_ManifestChainLinks(t *testing.T) {
	s, _ := initTestStore(t)
	_, err := s.CreateSchemaVersion("entity", "T", `{"fields":{}}`, "h1", "rt", "initial")
	require.NoError(t, err)

	writeEntityCommit(t, s, "w1", "T", map[string]map[string]any{"a": {"v": 1}})
	writeEntityCommit(t, s, "w1", "T", map[string]map[string]any{"a": {"v": 2}})

	head, _, err := s.readHead(true)
	require.NoError(t, err)

	var chain []int64
	err = s.walkManifestChain(*head.ManifestPath, func(m map[string]any) (bool, error) {
		chain = append(chain, jsonInt(m["commit_id"]))
		return true, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 1}, chain)
}

func TestConcurrentWriters_LoserGetsHeadMismatch(t *testing.T) {
	mem := objstore.NewMem()
	a, err := Initialize(mem, "bucket", "prefix", "s3://bucket/prefix", Config{RuntimeID: "a"})
	require.NoError(t, err)
	b, err := Open(mem, "bucket", "prefix", "s3://bucket/prefix", Config{RuntimeID: "b"})
	require.NoError(t, err)

	// A stages commit 1 against head 0, then loses its turn.
	ok, err := a.AcquireLock("a", time.Second, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, a.BeginTransaction())
	_, err = a.CreateCommit(nil)
	require.NoError(t, err)
	require.NoError(t, a.InsertEntity("T", "x", map[string]any{"from": "a"}, 1, 0))
	require.NoError(t, a.ReleaseLock("a"))

	// B commits 1 first.
	writeEntityCommit(t, b, "b", "T", map[string]map[string]any{"x": {"from": "b"}})

	// A's stale attempt must fail the head CAS, not clobber B's commit.
	ok, err = a.AcquireLock("a", time.Second, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	err = a.CommitTransaction()
	require.Error(t, err)
	assert.Equal(t, onterr.KindHeadMismatch, onterr.KindOf(err))
	require.NoError(t, a.ReleaseLock("a"))

	// The winner's state is intact.
	row, err := b.GetLatestEntity("T", "x")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "b", row.Fields["from"])
}

func TestIndexUpdate_AfterCommit(t *testing.T) {
	s, _ := initTestStore(t)
	_, err := s.CreateSchemaVersion("entity", "T", `{"fields":{}}`, "h1", "rt", "initial")
	require.NoError(t, err)

	writeEntityCommit(t, s, "w", "T", map[string]map[string]any{"a": {"v": 1}})
	writeEntityCommit(t, s, "w", "T", map[string]map[string]any{"b": {"v": 2}})

	idx, err := s.readIndex("entity", "T")
	require.NoError(t, err)
	assert.Equal(t, int64(2), idx.MaxIndexedCommit)
	assert.Len(t, idx.Entries, 2)
}

func TestIndexGapRepair_AfterCrashBetweenCASAndIndexWrite(t *testing.T) {
	s, mem := initTestStore(t)
	_, err := s.CreateSchemaVersion("entity", "T", `{"fields":{}}`, "h1", "rt", "initial")
	require.NoError(t, err)

	writeEntityCommit(t, s, "w", "T", map[string]map[string]any{"a": {"v": 1}})

	// Simulate a crash between head CAS and index update on the second
	// commit: index writes fail, the commit still succeeds.
	mem.FailPut = func(key string) error {
		if key == "prefix/meta/indices/entity/T.json" {
			return fmt.Errorf("simulated crash")
		}
		return nil
	}
	commitID := writeEntityCommit(t, s, "w", "T", map[string]map[string]any{"a": {"v": 2}})
	assert.Equal(t, int64(2), commitID)
	assert.NotEmpty(t, s.LastIndexWarning())
	mem.FailPut = nil

	// The index lags behind head.
	idx, err := s.readIndex("entity", "T")
	require.NoError(t, err)
	assert.Equal(t, int64(1), idx.MaxIndexedCommit)

	// A reader repairs from the manifest chain and sees the committed row.
	row, err := s.GetLatestEntity("T", "a")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.EqualValues(t, 2, jsonNumberToInt(row.Fields["v"]))

	// The next writer's post-CAS pass restores the watermark.
	writeEntityCommit(t, s, "w", "T", map[string]map[string]any{"a": {"v": 3}})
	idx, err = s.readIndex("entity", "T")
	require.NoError(t, err)
	assert.Equal(t, int64(3), idx.MaxIndexedCommit)
	assert.Len(t, idx.Entries, 3)
}

func jsonNumberToInt(v any) int64 {
	return jsonInt(v)
}

func TestTemporalReads(t *testing.T) {
	s, _ := initTestStore(t)
	_, err := s.CreateSchemaVersion("entity", "T", `{"fields":{}}`, "h1", "rt", "initial")
	require.NoError(t, err)

	writeEntityCommit(t, s, "w", "T", map[string]map[string]any{"a": {"v": 1}})
	writeEntityCommit(t, s, "w", "T", map[string]map[string]any{"a": {"v": 2}})

	rows, err := s.QueryEntities("T", storage.QueryOptions{Temporal: storage.AsOf(1)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 1, jsonInt(rows[0].Fields["v"]))

	rows, err = s.QueryEntities("T", storage.QueryOptions{Temporal: storage.WithHistory()})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0].CommitID)
	assert.Equal(t, int64(2), rows[1].CommitID)

	rows, err = s.QueryEntities("T", storage.QueryOptions{Temporal: storage.HistorySince(1)})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].CommitID)
}

func TestCompaction_PreservesResults(t *testing.T) {
	s, _ := initTestStore(t)
	_, err := s.CreateSchemaVersion("entity", "T", `{"fields":{}}`, "h1", "rt", "initial")
	require.NoError(t, err)

	writeEntityCommit(t, s, "w", "T", map[string]map[string]any{"a": {"v": 1}})
	writeEntityCommit(t, s, "w", "T", map[string]map[string]any{"b": {"v": 2}})
	writeEntityCommit(t, s, "w", "T", map[string]map[string]any{"a": {"v": 3}})

	before, err := s.QueryEntities("T", storage.QueryOptions{Temporal: storage.WithHistory()})
	require.NoError(t, err)
	beforeLatest, err := s.QueryEntities("T", storage.QueryOptions{Temporal: storage.Latest()})
	require.NoError(t, err)

	report, err := s.Compact("T", true)
	require.NoError(t, err)
	plans := report["plans"].([]map[string]any)
	require.Len(t, plans, 1)
	assert.Equal(t, 3, plans[0]["files"])

	// The merged entries collapse to one snapshot entry covering the range.
	idx, err := s.readIndex("entity", "T")
	require.NoError(t, err)
	require.Len(t, idx.Entries, 1)
	assert.Equal(t, int64(1), idx.Entries[0].MinCommitID)
	assert.Equal(t, int64(3), idx.Entries[0].MaxCommitID)

	after, err := s.QueryEntities("T", storage.QueryOptions{Temporal: storage.WithHistory()})
	require.NoError(t, err)
	assert.Equal(t, before, after)

	afterLatest, err := s.QueryEntities("T", storage.QueryOptions{Temporal: storage.Latest()})
	require.NoError(t, err)
	assert.Equal(t, beforeLatest, afterLatest)

	asOf, err := s.QueryEntities("T", storage.QueryOptions{Temporal: storage.AsOf(2)})
	require.NoError(t, err)
	require.Len(t, asOf, 2)
}

func TestLock_TakeoverAfterExpiry(t *testing.T) {
	s, _ := initTestStore(t)

	ok, err := s.AcquireLock("a", time.Second, 20*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)

	ok, err = s.AcquireLock("b", time.Second, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// The superseded owner's renewal fails.
	renewed, err := s.RenewLock("a", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, renewed)
}

func TestCommitInspection(t *testing.T) {
	s, _ := initTestStore(t)
	_, err := s.CreateSchemaVersion("entity", "T", `{"fields":{}}`, "h1", "rt", "initial")
	require.NoError(t, err)

	writeEntityCommit(t, s, "w", "T", map[string]map[string]any{"a": {"v": 1}})
	writeEntityCommit(t, s, "w", "T", map[string]map[string]any{"a": {"v": 2}, "b": {"v": 1}})

	commits, err := s.ListCommits(10, 0)
	require.NoError(t, err)
	require.Len(t, commits, 2)
	assert.Equal(t, int64(2), commits[0].ID)

	commit, err := s.GetCommit(1)
	require.NoError(t, err)
	require.NotNil(t, commit)
	assert.Equal(t, "test", commit.Metadata["namespace"])

	changes, err := s.ListCommitChanges(2)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	ops := map[string]string{}
	for _, ch := range changes {
		ops[ch.Key] = ch.Operation
	}
	assert.Equal(t, storage.OpUpdateVersion, ops["a"])
	assert.Equal(t, storage.OpInsert, ops["b"])

	n, err := s.CountCommitOperations(2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
