// Package ontolog is a typed, append-only ontology store with a reactive
// event engine. Sessions reconcile declared intents against current state
// into atomic commits, serve typed temporal queries, and drive durable
// event handlers over a per-(event, handler) claim queue.
package ontolog

import (
	"context"
	"math/rand"
	"os"
	"reflect"
	"time"

	"github.com/google/uuid"

	"github.com/ontolog/ontolog/internal/canonicaljson"
	"github.com/ontolog/ontolog/internal/eventbus"
	"github.com/ontolog/ontolog/internal/objstore"
	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/schema"
	"github.com/ontolog/ontolog/internal/storage"
	"github.com/ontolog/ontolog/internal/storage/s3store"
	"github.com/ontolog/ontolog/internal/storage/sqlitestore"
)

// intent is one declared state assertion queued for the next commit.
type intent struct {
	kind        string
	typeName    string
	key         string
	leftKey     string
	rightKey    string
	instanceKey string
	payload     map[string]any
}

func (i intent) identity() string {
	if i.kind == schema.TypeKindEntity {
		return i.kind + "\x00" + i.typeName + "\x00" + i.key
	}
	return i.kind + "\x00" + i.typeName + "\x00" + i.leftKey + "\x00" + i.rightKey + "\x00" + i.instanceKey
}

// Session owns an intent queue, a validated schema-version cache, and the
// event loop for one namespace of one datastore.
type Session struct {
	cfg       Config
	namespace string
	sessionID string
	runtimeID string
	uri       string

	repo       storage.Repository
	eventStore eventbus.Store
	reg        *registry

	intents          []intent
	schemaVersionIDs map[string]int64
	schemaValidated  bool

	instanceMetadata map[string]any
	stopRequested    bool
}

// Option configures a Session at open time.
type Option func(*openOptions)

type openOptions struct {
	namespace        string
	cfg              Config
	entities         []any
	relations        []RelationDef
	instanceMetadata map[string]any
	objStore         objstore.Store
	initialize       bool
}

// WithNamespace sets the event-bus namespace (default from Config).
func WithNamespace(ns string) Option {
	return func(o *openOptions) { o.namespace = ns }
}

// WithConfig supplies runtime configuration.
func WithConfig(cfg Config) Option {
	return func(o *openOptions) { o.cfg = cfg }
}

// WithEntities registers entity types, given example (zero) values.
func WithEntities(examples ...any) Option {
	return func(o *openOptions) { o.entities = append(o.entities, examples...) }
}

// WithRelations registers relation types; see Relation.
func WithRelations(defs ...RelationDef) Option {
	return func(o *openOptions) { o.relations = append(o.relations, defs...) }
}

// WithInstanceMetadata attaches metadata to the bus session registration.
func WithInstanceMetadata(meta map[string]any) Option {
	return func(o *openOptions) { o.instanceMetadata = meta }
}

// WithObjectStore injects a pre-built object store (tests, custom stacks)
// instead of the AWS client for s3 targets.
func WithObjectStore(store objstore.Store) Option {
	return func(o *openOptions) { o.objStore = store }
}

// withInitialize is set by InitStorage to create the control plane.
func withInitialize() Option {
	return func(o *openOptions) { o.initialize = true }
}

// Open connects to a datastore URI ("sqlite:///path", "s3://bucket/prefix",
// or a bare SQLite path) and returns a Session.
func Open(uri string, opts ...Option) (*Session, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	cfg := o.cfg.Normalize()

	target, err := storage.ParseTarget(uri)
	if err != nil {
		return nil, err
	}

	runtimeID := cfg.RuntimeID
	if runtimeID == "" {
		runtimeID = uuid.New().String()
	}

	s := &Session{
		cfg:              cfg,
		sessionID:        uuid.New().String(),
		runtimeID:        runtimeID,
		uri:              target.URI,
		reg:              newRegistry(),
		schemaVersionIDs: map[string]int64{},
	}
	s.namespace = o.namespace
	if s.namespace == "" {
		s.namespace = cfg.DefaultNamespace
	}

	hostname, _ := os.Hostname()
	s.instanceMetadata = map[string]any{
		"hostname":  hostname,
		"pid":       os.Getpid(),
		"namespace": s.namespace,
	}
	for k, v := range o.instanceMetadata {
		s.instanceMetadata[k] = v
	}

	for _, example := range o.entities {
		if err := s.reg.addEntity(example); err != nil {
			return nil, err
		}
	}
	for _, def := range o.relations {
		if err := s.reg.addRelation(def); err != nil {
			return nil, err
		}
	}

	switch target.Backend {
	case "sqlite":
		store, err := sqlitestore.Open(target.DBPath, target.URI, cfg.EngineVersion)
		if err != nil {
			return nil, err
		}
		s.repo = store
		bus, err := eventbus.NewSQLiteStore(store.DB(), func() eventbus.DBTX { return store.WriteQuerier() }, eventbus.Config{
			MaxAttempts: cfg.EventMaxAttempts,
			BackoffBase: cfg.EventBackoffBase,
			BackoffMax:  cfg.EventBackoffMax,
		})
		if err != nil {
			store.Close()
			return nil, err
		}
		s.eventStore = bus
	case "s3":
		obj := o.objStore
		if obj == nil {
			obj, err = objstore.NewS3Store(context.Background(), objstore.S3Options{
				Bucket:         target.Bucket,
				Region:         cfg.S3Region,
				EndpointURL:    cfg.S3EndpointURL,
				RequestTimeout: cfg.S3RequestTimeout,
			})
			if err != nil {
				return nil, onterr.Wrap(onterr.KindStorageIO, "open", err)
			}
		}
		s3cfg := s3store.Config{
			RuntimeID:         runtimeID,
			LockTimeout:       cfg.S3LockTimeout,
			LeaseTTL:          cfg.S3LeaseTTL,
			RequestTimeout:    cfg.S3RequestTimeout,
			DuckDBMemoryLimit: cfg.S3DuckDBMemoryLimit,
			Region:            cfg.S3Region,
			EndpointURL:       cfg.S3EndpointURL,
			EngineVersion:     cfg.EngineVersion,
			HeadCASRetries:    cfg.HeadCASRetries,
			UseDuckDB:         cfg.S3UseDuckDB,
		}
		var store *s3store.Store
		if o.initialize {
			store, err = s3store.Initialize(obj, target.Bucket, target.Prefix, target.URI, s3cfg)
		} else {
			store, err = s3store.Open(obj, target.Bucket, target.Prefix, target.URI, s3cfg)
		}
		if err != nil {
			return nil, err
		}
		s.repo = store
		s.eventStore = eventbus.NewS3Store(obj, target.Prefix, eventbus.Config{
			MaxAttempts: cfg.EventMaxAttempts,
			BackoffBase: cfg.EventBackoffBase,
			BackoffMax:  cfg.EventBackoffMax,
		})
	default:
		return nil, onterr.New(onterr.KindValidation, "open", "unsupported backend %q", target.Backend)
	}
	return s, nil
}

// InitStorage creates the control-plane structures for a fresh datastore
// and returns an open session. SQLite stores initialize implicitly on open.
func InitStorage(uri string, opts ...Option) (*Session, error) {
	target, err := storage.ParseTarget(uri)
	if err != nil {
		return nil, err
	}
	if target.Backend == "s3" {
		opts = append(opts, withInitialize())
	}
	return Open(uri, opts...)
}

// Close releases backend resources. Queued intents are discarded.
func (s *Session) Close() error {
	s.intents = nil
	return s.repo.Close()
}

// Repo exposes the backend repository for tooling and low-level tests.
func (s *Session) Repo() storage.Repository { return s.repo }

// EventBus exposes the event store for inspection tooling.
func (s *Session) EventBus() eventbus.Store { return s.eventStore }

// Namespace returns the session's event namespace.
func (s *Session) Namespace() string { return s.namespace }

// SessionID returns the unique id of this session.
func (s *Session) SessionID() string { return s.sessionID }

// Stop requests a graceful exit from Run. The loop finishes the current
// iteration, releases outstanding claims, and returns.
func (s *Session) Stop() { s.stopRequested = true }

// --- Intents ---

// Ensure validates objects and queues them as intents. Accepts registered
// entity and relation instances; slices are expanded; an empty call is a
// no-op.
func (s *Session) Ensure(objs ...any) error {
	for _, obj := range objs {
		if obj == nil {
			return onterr.New(onterr.KindValidation, "ensure", "nil is not an Entity or Relation")
		}
		rv := reflect.ValueOf(obj)
		if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
			for i := 0; i < rv.Len(); i++ {
				if err := s.Ensure(rv.Index(i).Interface()); err != nil {
					return err
				}
			}
			continue
		}
		switch obj.(type) {
		case string, []byte:
			return onterr.New(onterr.KindValidation, "ensure",
				"expected Entity or Relation, got %T", obj)
		}

		it, err := s.intentOf(obj)
		if err != nil {
			return err
		}
		s.intents = append(s.intents, it)
	}
	return nil
}

func (s *Session) intentOf(obj any) (intent, error) {
	if et, err := s.reg.entityOf(obj); err == nil {
		key, err := et.EntityIdentity(obj)
		if err != nil {
			return intent{}, onterr.Wrap(onterr.KindValidation, "ensure", err)
		}
		payload, err := et.EntityPayload(obj)
		if err != nil {
			return intent{}, onterr.Wrap(onterr.KindValidation, "ensure", err)
		}
		return intent{kind: schema.TypeKindEntity, typeName: et.Name, key: key, payload: payload}, nil
	}

	rt, err := s.reg.relationOf(obj)
	if err != nil {
		return intent{}, onterr.New(onterr.KindValidation, "ensure",
			"expected a registered Entity or Relation, got %T", obj)
	}
	left, right, ik, err := rt.RelationIdentity(obj)
	if err != nil {
		return intent{}, onterr.Wrap(onterr.KindValidation, "ensure", err)
	}
	payload, err := rt.RelationPayload(obj)
	if err != nil {
		return intent{}, onterr.Wrap(onterr.KindValidation, "ensure", err)
	}
	return intent{
		kind: schema.TypeKindRelation, typeName: rt.Name,
		leftKey: left, rightKey: right, instanceKey: ik, payload: payload,
	}, nil
}

// PendingIntents reports the queued intent count.
func (s *Session) PendingIntents() int { return len(s.intents) }

// --- Commit ---

// Commit reconciles queued intents against current state and persists the
// delta as one commit. Returns (0, false, nil) when the delta is empty and
// no commit was created.
func (s *Session) Commit() (int64, bool, error) {
	if err := s.ensureSchemaValidated(); err != nil {
		return 0, false, err
	}
	return s.commitInternal(nil, nil, nil, time.Time{})
}

// CommitEvent commits like Commit and enqueues the given event as a root
// event. With an empty delta, no commit row is created but the event is
// still enqueued.
func (s *Session) CommitEvent(event any) (int64, bool, error) {
	if err := s.ensureSchemaValidated(); err != nil {
		return 0, false, err
	}
	return s.commitInternal(event, nil, nil, time.Time{})
}

type change struct {
	intent    intent
	operation string
}

func (s *Session) commitInternal(event any, commitMeta map[string]string, parent *eventbus.Envelope, leaseUntil time.Time) (int64, bool, error) {
	if !leaseUntil.IsZero() {
		margin := s.cfg.EventClaimLease / 3
		if time.Now().Add(margin).After(leaseUntil) {
			return 0, false, onterr.New(onterr.KindLeaseExpired, "commit",
				"claim lease inside safety margin; handler will be retried")
		}
	}

	if len(s.intents) == 0 && event == nil {
		return 0, false, nil
	}
	if len(s.intents) > s.cfg.MaxBatchSize {
		n := len(s.intents)
		s.intents = nil
		return 0, false, onterr.New(onterr.KindBatchSizeExceeded, "commit",
			"%d intents exceed max_batch_size %d", n, s.cfg.MaxBatchSize).
			WithDetails(map[string]any{"count": n, "limit": s.cfg.MaxBatchSize})
	}

	intents := dedupeIntents(s.intents)
	s.intents = nil

	var lastErr error
	for attempt := 0; attempt <= s.cfg.HeadCASRetries; attempt++ {
		commitID, committed, err := s.commitAttempt(intents, event, commitMeta, parent)
		if err == nil {
			return commitID, committed, nil
		}
		if !onterr.IsKind(err, onterr.KindHeadMismatch) {
			return 0, false, err
		}
		lastErr = err
		// A concurrent writer advanced head: back off and reconcile against
		// the new state.
		delay := time.Duration(1<<uint(attempt)) * 50 * time.Millisecond
		time.Sleep(delay + time.Duration(rand.Int63n(int64(25*time.Millisecond))))
	}
	return 0, false, onterr.Wrap(onterr.KindHeadMismatch, "commit", lastErr)
}

// dedupeIntents keeps the last intent per identity, at the position of the
// identity's first occurrence.
func dedupeIntents(intents []intent) []intent {
	latest := map[string]intent{}
	var order []string
	for _, it := range intents {
		id := it.identity()
		if _, seen := latest[id]; !seen {
			order = append(order, id)
		}
		latest[id] = it
	}
	out := make([]intent, 0, len(order))
	for _, id := range order {
		out = append(out, latest[id])
	}
	return out
}

func (s *Session) commitAttempt(intents []intent, event any, commitMeta map[string]string, parent *eventbus.Envelope) (int64, bool, error) {
	backend := s.repo.StorageInfo().Backend

	acquired, err := s.repo.AcquireLock(s.sessionID, s.cfg.S3LockTimeout, s.cfg.S3LeaseTTL)
	if err != nil {
		return 0, false, err
	}
	if !acquired {
		return 0, false, onterr.New(onterr.KindLockContention, "commit",
			"could not acquire write lock within %s", s.cfg.S3LockTimeout).
			WithDetails(map[string]any{"timeout_ms": s.cfg.S3LockTimeout.Milliseconds()})
	}
	defer func() {
		_ = s.repo.ReleaseLock(s.sessionID)
	}()

	// Reconcile under the lease snapshot.
	var changes []change
	for _, it := range intents {
		var current map[string]any
		if it.kind == schema.TypeKindEntity {
			row, err := s.repo.GetLatestEntity(it.typeName, it.key)
			if err != nil {
				return 0, false, err
			}
			if row != nil {
				current = row.Fields
			}
		} else {
			row, err := s.repo.GetLatestRelation(it.typeName, it.leftKey, it.rightKey, it.instanceKey)
			if err != nil {
				return 0, false, err
			}
			if row != nil {
				current = row.Fields
			}
		}
		if current == nil {
			changes = append(changes, change{intent: it, operation: storage.OpInsert})
			continue
		}
		equal, err := canonicaljson.Equal(current, it.payload)
		if err != nil {
			return 0, false, onterr.Wrap(onterr.KindValidation, "commit", err)
		}
		if !equal {
			changes = append(changes, change{intent: it, operation: storage.OpUpdateVersion})
		}
	}

	if len(changes) > s.cfg.MaxBatchSize {
		return 0, false, onterr.New(onterr.KindBatchSizeExceeded, "commit",
			"%d changes exceed max_batch_size %d", len(changes), s.cfg.MaxBatchSize)
	}

	metadata := map[string]any{"namespace": s.namespace}
	for k, v := range commitMeta {
		metadata[k] = v
	}

	var commitID int64
	committed := false

	if err := s.repo.BeginTransaction(); err != nil {
		return 0, false, err
	}
	rollback := func(err error) (int64, bool, error) {
		_ = s.repo.RollbackTransaction()
		return 0, false, err
	}

	if len(changes) > 0 {
		if err := s.assertNoSchemaDrift(changes); err != nil {
			return rollback(err)
		}
		commitID, err = s.repo.CreateCommit(metadata)
		if err != nil {
			return rollback(err)
		}
		for _, ch := range changes {
			it := ch.intent
			svid := s.schemaVersionIDs[it.typeName]
			if it.kind == schema.TypeKindEntity {
				err = s.repo.InsertEntity(it.typeName, it.key, it.payload, commitID, svid)
			} else {
				err = s.repo.InsertRelation(it.typeName, it.leftKey, it.rightKey, it.payload, commitID, svid, it.instanceKey)
			}
			if err != nil {
				return rollback(err)
			}
		}
		committed = true
	}

	// SQLite events share the storage transaction; object-store events are
	// independent objects enqueued after the commit publishes.
	var prepared *eventbus.Envelope
	if event != nil {
		env, err := s.prepareEvent(event, parent)
		if err != nil {
			return rollback(err)
		}
		prepared = &env
		if backend == "sqlite" {
			if err := s.eventStore.Enqueue(env, s.namespace); err != nil {
				return rollback(err)
			}
			prepared = nil
		}
	}

	if err := s.repo.CommitTransaction(); err != nil {
		return rollback(err)
	}

	if prepared != nil {
		if err := s.eventStore.Enqueue(*prepared, s.namespace); err != nil {
			return 0, false, err
		}
	}

	if !committed {
		return 0, false, nil
	}
	return commitID, true, nil
}

// prepareEvent stamps an envelope: root events get fresh lineage, derived
// events inherit the parent's root and bump the chain depth, bounded by
// MaxEventChainDepth.
func (s *Session) prepareEvent(event any, parent *eventbus.Envelope) (eventbus.Envelope, error) {
	env, err := encodeEvent(event)
	if err != nil {
		return eventbus.Envelope{}, err
	}
	now := time.Now().UTC()
	if parent == nil {
		env.Stamp(now)
		return env, nil
	}
	env.Derive(*parent, now)
	if env.ChainDepth > s.cfg.MaxEventChainDepth {
		return eventbus.Envelope{}, onterr.New(onterr.KindEventLoopLimit, "emit",
			"event chain depth %d exceeds max_event_chain_depth %d",
			env.ChainDepth, s.cfg.MaxEventChainDepth).
			WithDetails(map[string]any{"depth": env.ChainDepth, "limit": s.cfg.MaxEventChainDepth})
	}
	return env, nil
}

func (s *Session) envelopeOf(e Event) eventbus.Envelope {
	return eventbus.Envelope{
		ID: e.ID, Type: e.Type, Payload: e.Payload,
		Priority: e.Priority, RootEventID: e.RootEventID, ChainDepth: e.ChainDepth,
	}
}

// --- Commit inspection ---

// ListCommits returns recent commits, newest first.
func (s *Session) ListCommits(limit int, sinceCommitID int64) ([]storage.Commit, error) {
	return s.repo.ListCommits(limit, sinceCommitID)
}

// GetCommit reads one commit, nil when absent.
func (s *Session) GetCommit(commitID int64) (*storage.Commit, error) {
	return s.repo.GetCommit(commitID)
}

// ListCommitChanges returns the change records of one commit.
func (s *Session) ListCommitChanges(commitID int64) ([]storage.CommitChange, error) {
	return s.repo.ListCommitChanges(commitID)
}

