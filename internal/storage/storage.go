// Package storage defines the backend-agnostic repository contract shared by
// the transactional (SQLite) and object-store (S3) backends, plus the storage
// target parser.
package storage

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/ontolog/ontolog/internal/filter"
	"github.com/ontolog/ontolog/internal/onterr"
)

// Engine versions. v1 stores payloads as JSON only; v2 adds per-version
// typed partitions consulted by typed reads.
const (
	EngineV1 = "v1"
	EngineV2 = "v2"
)

// Write-lease defaults, overridable per call.
const (
	DefaultLockTimeout = 5 * time.Second
	DefaultLeaseTTL    = 30 * time.Second
)

// EntityRow is one materialized entity state at a commit.
type EntityRow struct {
	Key             string
	Fields          map[string]any
	CommitID        int64
	SchemaVersionID int64
}

// RelationRow is one materialized relation state at a commit.
type RelationRow struct {
	LeftKey         string
	RightKey        string
	InstanceKey     string
	Fields          map[string]any
	CommitID        int64
	SchemaVersionID int64
}

// Commit is one atomic unit of the append-only log.
type Commit struct {
	ID        int64
	CreatedAt time.Time
	Metadata  map[string]any
}

// Change operations recorded per commit.
const (
	OpInsert        = "insert"
	OpUpdateVersion = "update_version"
)

// CommitChange describes one identity touched by a commit.
type CommitChange struct {
	Kind            string
	TypeName        string
	Key             string
	LeftKey         string
	RightKey        string
	InstanceKey     string
	Operation       string
	SchemaVersionID int64
}

// TemporalMode selects the commit window and dedup behaviour of a read.
type TemporalMode int

const (
	// TemporalLatest reads current state: window [1, head] with per-identity
	// dedup to the highest commit.
	TemporalLatest TemporalMode = iota
	// TemporalAsOf reads state as of a commit: window [1, min(c, head)], same
	// dedup. Reads before the current version's activation commit are empty.
	TemporalAsOf
	// TemporalWithHistory reads every row in [1, head] ordered commit ASC.
	TemporalWithHistory
	// TemporalHistorySince reads every row in (c, head] ordered commit ASC.
	TemporalHistorySince
)

// Temporal pairs a mode with its commit bound.
type Temporal struct {
	Mode   TemporalMode
	Commit int64
}

// Latest selects current state.
func Latest() Temporal { return Temporal{Mode: TemporalLatest} }

// AsOf selects state as of commit c.
func AsOf(c int64) Temporal { return Temporal{Mode: TemporalAsOf, Commit: c} }

// WithHistory selects the full history.
func WithHistory() Temporal { return Temporal{Mode: TemporalWithHistory} }

// HistorySince selects history strictly after commit c.
func HistorySince(c int64) Temporal { return Temporal{Mode: TemporalHistorySince, Commit: c} }

// QueryOptions carries the compiled query shape to a backend scan.
type QueryOptions struct {
	Filter    filter.Expr
	OrderBy   string
	OrderDesc bool
	// Limit <= 0 means unlimited; Offset <= 0 means none.
	Limit  int
	Offset int

	Temporal Temporal

	// SchemaVersionID is the caller's current version for the type. Typed
	// reads are scoped to it: v2 engines scan the matching partition, and
	// as-of reads preceding its activation commit return empty.
	SchemaVersionID int64

	// Endpoint entity type names, set for relation queries so endpoint
	// predicates can join the endpoint's current state.
	LeftEntityType  string
	RightEntityType string
}

// AggSpec names one aggregate of a grouped query.
type AggSpec struct {
	Fn    string // COUNT, SUM, AVG, MIN, MAX, AVG_LEN
	Field string // empty for COUNT
}

// Having filters groups prior to materialization.
type Having struct {
	Agg   AggSpec
	Op    string // =, !=, >, >=, <, <=
	Value any
}

// SchemaVersion is one stored version of a type's schema.
type SchemaVersion struct {
	SchemaVersionID    int64
	Kind               string
	Name               string
	SchemaJSON         string
	SchemaHash         string
	CreatedAt          time.Time
	RuntimeID          string
	Reason             string
	ActivationCommitID int64
}

// Info describes an open repository.
type Info struct {
	Backend       string // "sqlite" or "s3"
	EngineVersion string
	URI           string
}

// Repository is the single contract shared by both backends.
//
// All writes are serialized through the write lock; reads are snapshot
// consistent against a single observed head; commits fail atomically.
type Repository interface {
	Close() error
	StorageInfo() Info

	// Commit log.
	HeadCommitID() (int64, error)
	GetCommit(commitID int64) (*Commit, error)
	ListCommits(limit int, sinceCommitID int64) ([]Commit, error)
	ListCommitChanges(commitID int64) ([]CommitChange, error)
	CountCommitOperations(commitID int64) (int, error)

	// Write lease.
	AcquireLock(ownerID string, timeout, lease time.Duration) (bool, error)
	RenewLock(ownerID string, lease time.Duration) (bool, error)
	ReleaseLock(ownerID string) error

	// Transactional writes. CreateCommit and the inserts stage work that
	// becomes visible only when CommitTransaction succeeds.
	BeginTransaction() error
	CommitTransaction() error
	RollbackTransaction() error
	CreateCommit(metadata map[string]any) (int64, error)
	InsertEntity(typeName, key string, fields map[string]any, commitID, schemaVersionID int64) error
	InsertRelation(typeName, leftKey, rightKey string, fields map[string]any, commitID, schemaVersionID int64, instanceKey string) error

	// Typed reads.
	GetLatestEntity(typeName, key string) (*EntityRow, error)
	GetLatestRelation(typeName, leftKey, rightKey, instanceKey string) (*RelationRow, error)
	QueryEntities(typeName string, opts QueryOptions) ([]EntityRow, error)
	CountEntities(typeName string, opts QueryOptions) (int64, error)
	AggregateEntities(typeName, fn, field string, opts QueryOptions) (any, error)
	GroupByEntities(typeName, groupField string, aggs []NamedAgg, opts QueryOptions, having *Having) ([]map[string]any, error)
	QueryRelations(typeName string, opts QueryOptions) ([]RelationRow, error)
	CountRelations(typeName string, opts QueryOptions) (int64, error)
	AggregateRelations(typeName, fn, field string, opts QueryOptions) (any, error)
	GroupByRelations(typeName, groupField string, aggs []NamedAgg, opts QueryOptions, having *Having) ([]map[string]any, error)
	GetRelationsForEntity(relationType, entityType, entityKey, direction string) ([]RelationRow, error)

	// Schema registry.
	GetSchema(kind, name string) (map[string]any, error)
	StoreSchema(kind, name string, doc map[string]any) error
	ListSchemas(kind string) ([]map[string]any, error)
	CreateSchemaVersion(kind, name, schemaJSON, schemaHash, runtimeID, reason string) (int64, error)
	GetCurrentSchemaVersion(kind, name string) (*SchemaVersion, error)
	GetSchemaVersion(kind, name string, versionID int64) (*SchemaVersion, error)
	ListSchemaVersions(kind, name string) ([]SchemaVersion, error)

	// Migration support.
	CountLatestEntities(typeName string) (int64, error)
	CountLatestRelations(typeName string) (int64, error)
	IterLatestEntities(typeName string, batchSize int, fn func([]EntityRow) error) error
	IterLatestRelations(typeName string, batchSize int, fn func([]RelationRow) error) error

	// LastQueryDiagnostics reports advisory context for the most recent read
	// on this handle (for example commit_before_activation for an as-of read
	// preceding the current version's activation).
	LastQueryDiagnostics() map[string]any
}

// NamedAgg pairs an output column name with its aggregate. Results preserve
// declaration order.
type NamedAgg struct {
	Name string
	Agg  AggSpec
}

// LayoutActivator is implemented by engine-v2 backends: activating a schema
// version repoints the current partition for typed reads.
type LayoutActivator interface {
	ActivateSchemaVersion(kind, name string, schemaVersionID, activationCommitID int64) error
}

// Dropper is implemented by backends that support schema drop bookkeeping.
type Dropper interface {
	ApplySchemaDrop(affected [][2]string, purgeHistory bool, commitMeta map[string]any) (int64, error)
}

// --- Storage target parsing ---

// Target is the resolved storage destination of a URI.
type Target struct {
	Backend string
	URI     string
	DBPath  string
	Bucket  string
	Prefix  string
}

// ParseTarget resolves a datastore URI. Bare paths are treated as SQLite
// database files; sqlite:/// and s3://bucket/prefix URIs select backends
// explicitly.
func ParseTarget(uri string) (Target, error) {
	if uri == "" {
		uri = "onto.db"
	}

	if !strings.Contains(uri, "://") {
		return Target{Backend: "sqlite", URI: "sqlite:///" + uri, DBPath: uri}, nil
	}

	scheme, rest, _ := strings.Cut(uri, "://")
	switch scheme {
	case "sqlite":
		path := strings.TrimPrefix(rest, "/")
		if rest == "/:memory:" || rest == ":memory:" {
			path = ":memory:"
		} else if strings.HasPrefix(rest, "//") {
			// sqlite:////abs/path keeps the absolute form.
			path = rest[1:]
		}
		if path == "" {
			return Target{}, onterr.New(onterr.KindValidation, "parse_target", "invalid sqlite URI %q", uri)
		}
		if path != ":memory:" {
			path = filepath.Clean(path)
		}
		return Target{Backend: "sqlite", URI: uri, DBPath: path}, nil
	case "s3":
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Target{}, onterr.New(onterr.KindValidation, "parse_target", "invalid s3 URI %q", uri)
		}
		prefix = strings.Trim(prefix, "/")
		return Target{Backend: "s3", URI: uri, Bucket: bucket, Prefix: prefix}, nil
	default:
		return Target{}, onterr.New(onterr.KindValidation, "parse_target",
			"unsupported storage URI scheme %q in %q", scheme, uri)
	}
}
