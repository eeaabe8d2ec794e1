// Package s3store implements the repository contract over an S3-compatible
// object store: a manifest-chained commit log of Parquet files, an advisory
// per-type index, a CAS-guarded head pointer, and a TTL write lock.
//
// meta/head.json is the sole truth for the committed state; indices are
// advisory and repaired opportunistically from the manifest chain.
package s3store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ontolog/ontolog/internal/canonicaljson"
	"github.com/ontolog/ontolog/internal/objstore"
	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/storage"
)

// Object layout under the prefix.
const (
	headKey          = "meta/head.json"
	lockKey          = "meta/locks/ontology_write.json"
	typesKey         = "meta/schema/types.json"
	registryKey      = "meta/schema/registry.json"
	droppedKey       = "meta/schema/dropped.json"
	engineKey        = "meta/engine.json"
	layoutCatalogKey = "meta/schema/type_layout_catalog.json"
)

// Config tunes the backend.
type Config struct {
	RuntimeID         string
	LockTimeout       time.Duration
	LeaseTTL          time.Duration
	RequestTimeout    time.Duration
	DuckDBMemoryLimit string
	Region            string
	EndpointURL       string
	EngineVersion     string
	HeadCASRetries    int
	// UseDuckDB routes large scans through the DuckDB engine over s3://
	// paths. Off, the shared in-process evaluator serves every read.
	UseDuckDB bool
}

func (c *Config) withDefaults() {
	if c.LockTimeout <= 0 {
		c.LockTimeout = 5 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.DuckDBMemoryLimit == "" {
		c.DuckDBMemoryLimit = "256MB"
	}
	if c.EngineVersion == "" {
		c.EngineVersion = storage.EngineV1
	}
	if c.HeadCASRetries <= 0 {
		c.HeadCASRetries = 5
	}
	if c.RuntimeID == "" {
		c.RuntimeID = "unknown-runtime"
	}
}

// Store is the object-store repository.
type Store struct {
	obj    objstore.Store
	bucket string
	prefix string
	uri    string
	cfg    Config
	engine string

	mu sync.Mutex
	// Lock/lease state for the current owner, if any.
	lockOwner    string
	lockETag     string
	leaseExpires time.Time
	leaseUnsafe  bool

	// Staged transaction state.
	txActive     bool
	nextCommitID int64
	stagedOrder  []int64
	staged       map[int64]*stagedCommit
	stagedSchema *stagedSchemaChanges
	pendingLayout map[[2]string]layoutActivation

	duck *sql.DB

	lastIndexWarning string
	lastDiagnostics  map[string]any
}

type layoutActivation struct {
	schemaVersionID    int64
	activationCommitID int64
}

// headDoc mirrors meta/head.json.
type headDoc struct {
	CommitID     int64   `json:"commit_id"`
	ManifestPath *string `json:"manifest_path"`
	UpdatedAt    string  `json:"updated_at"`
	RuntimeID    string  `json:"runtime_id"`
}

// Open connects to an initialized prefix. A missing head object means the
// store was never initialized.
func Open(obj objstore.Store, bucket, prefix, uri string, cfg Config) (*Store, error) {
	cfg.withDefaults()
	s := &Store{
		obj:    obj,
		bucket: bucket,
		prefix: prefix,
		uri:    uri,
		cfg:    cfg,
		staged: map[int64]*stagedCommit{},
		pendingLayout: map[[2]string]layoutActivation{},
	}

	head, _, err := s.readHead(false)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return nil, onterr.New(onterr.KindUninitializedStorage, "open",
			"storage not initialized for %q; run init first", uri)
	}

	engine, err := s.detectEngine()
	if err != nil {
		return nil, err
	}
	s.engine = engine
	return s, nil
}

// Initialize creates the control-plane objects for a fresh prefix. It is a
// no-op error when a head already exists.
func Initialize(obj objstore.Store, bucket, prefix, uri string, cfg Config) (*Store, error) {
	cfg.withDefaults()
	s := &Store{
		obj:    obj,
		bucket: bucket,
		prefix: prefix,
		uri:    uri,
		cfg:    cfg,
		staged: map[int64]*stagedCommit{},
		pendingLayout: map[[2]string]layoutActivation{},
	}

	head := headDoc{CommitID: 0, ManifestPath: nil, UpdatedAt: nowISO(), RuntimeID: cfg.RuntimeID}
	if err := s.putJSONCond(headKey, head, objstore.PutCond{IfNoneMatch: "*"}); err != nil {
		if err == objstore.ErrPreconditionFailed {
			return nil, onterr.New(onterr.KindValidation, "initialize",
				"storage already initialized for %q", uri)
		}
		return nil, onterr.Wrap(onterr.KindStorageIO, "initialize", err)
	}
	if err := s.putJSON(typesKey, map[string]any{"entities": []any{}, "relations": []any{}}); err != nil {
		return nil, err
	}
	if err := s.putJSON(registryKey, map[string]any{}); err != nil {
		return nil, err
	}
	if err := s.putJSON(engineKey, map[string]any{"engine_version": cfg.EngineVersion}); err != nil {
		return nil, err
	}
	s.engine = cfg.EngineVersion
	return s, nil
}

func (s *Store) detectEngine() (string, error) {
	doc, _, err := s.getJSON(engineKey, false)
	if err != nil {
		return "", err
	}
	if doc == nil {
		// Legacy prefix without engine metadata.
		return storage.EngineV1, nil
	}
	if v, ok := doc["engine_version"].(string); ok && v != "" {
		return v, nil
	}
	return storage.EngineV1, nil
}

// Close releases the scan engine connection.
func (s *Store) Close() error {
	s.mu.Lock()
	duck := s.duck
	s.duck = nil
	s.mu.Unlock()
	if duck != nil {
		return duck.Close()
	}
	return nil
}

// StorageInfo describes the open store.
func (s *Store) StorageInfo() storage.Info {
	return storage.Info{Backend: "s3", EngineVersion: s.engine, URI: s.uri}
}

// LastQueryDiagnostics returns advisory context for the most recent read.
func (s *Store) LastQueryDiagnostics() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDiagnostics
}

// LastIndexWarning reports the most recent degraded index update, if any.
func (s *Store) LastIndexWarning() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIndexWarning
}

func (s *Store) setDiagnostics(d map[string]any) {
	s.mu.Lock()
	s.lastDiagnostics = d
	s.mu.Unlock()
}

// --- Key and JSON helpers ---

func (s *Store) key(rel string) string {
	if s.prefix == "" {
		return rel
	}
	return s.prefix + "/" + rel
}

func (s *Store) indexKey(kind, name string) string {
	return fmt.Sprintf("meta/indices/%s/%s.json", kind, name)
}

func (s *Store) schemaVersionsKey(kind, name string) string {
	return fmt.Sprintf("meta/schema/versions/%s/%s.json", kind, name)
}

func ctxBg() context.Context { return context.Background() }

func (s *Store) getJSON(rel string, required bool) (map[string]any, string, error) {
	obj, err := s.obj.Get(ctxBg(), s.key(rel))
	if err != nil {
		if err == objstore.ErrNotFound {
			if required {
				return nil, "", onterr.New(onterr.KindStorageIO, "get_json", "missing object %q", rel)
			}
			return nil, "", nil
		}
		return nil, "", onterr.Wrap(onterr.KindStorageIO, "get_json", err)
	}
	var out map[string]any
	dec := json.NewDecoder(bytes.NewReader(obj.Body))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, "", onterr.Wrap(onterr.KindStorageIO, "get_json", fmt.Errorf("decode %q: %w", rel, err))
	}
	return out, obj.ETag, nil
}

func (s *Store) putJSON(rel string, doc any) error {
	_, err := s.putJSONETag(rel, doc, objstore.PutCond{})
	return err
}

func (s *Store) putJSONCond(rel string, doc any, cond objstore.PutCond) error {
	_, err := s.putJSONETag(rel, doc, cond)
	return err
}

func (s *Store) putJSONETag(rel string, doc any, cond objstore.PutCond) (string, error) {
	body, err := canonicaljson.Marshal(doc)
	if err != nil {
		return "", onterr.Wrap(onterr.KindValidation, "put_json", err)
	}
	etag, err := s.obj.Put(ctxBg(), s.key(rel), body, "application/json", cond)
	if err != nil {
		if err == objstore.ErrPreconditionFailed {
			return "", err
		}
		return "", onterr.Wrap(onterr.KindStorageIO, "put_json", err)
	}
	return etag, nil
}

// readHead reads meta/head.json with its etag.
func (s *Store) readHead(required bool) (*headDoc, string, error) {
	doc, etag, err := s.getJSON(headKey, required)
	if err != nil || doc == nil {
		return nil, "", err
	}
	head := &headDoc{}
	if v, ok := doc["commit_id"].(json.Number); ok {
		head.CommitID, _ = v.Int64()
	}
	if v, ok := doc["manifest_path"].(string); ok {
		head.ManifestPath = &v
	}
	if v, ok := doc["updated_at"].(string); ok {
		head.UpdatedAt = v
	}
	if v, ok := doc["runtime_id"].(string); ok {
		head.RuntimeID = v
	}
	return head, etag, nil
}

// HeadCommitID returns the committed head, 0 for an empty store.
func (s *Store) HeadCommitID() (int64, error) {
	head, _, err := s.readHead(true)
	if err != nil {
		return 0, err
	}
	return head.CommitID, nil
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseISO(v string) (time.Time, error) { return time.Parse(time.RFC3339Nano, v) }

func jsonInt(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		i, _ := n.Int64()
		return i
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	}
	return 0
}

func jsonString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
