// Package sqlitestore implements the repository contract over SQLite.
//
// One database file holds the commit log, the typed history tables, the
// schema registry, the write lock row, and (engine v2) per-version typed
// partitions consulted by current-state reads.
package sqlitestore

import (
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/storage"
)

//go:embed schema.sql
var schemaSQL string

const (
	metaEngineVersion = "engine_version"
	writeLockName     = "ontology_write"
)

// Store is the SQLite-backed repository.
type Store struct {
	db     *sql.DB
	path   string
	uri    string
	engine string

	mu sync.Mutex
	// tx is the active write transaction, if any. Reads issued while a
	// transaction is open observe its snapshot.
	tx        *sql.Tx
	lockOwner string

	lastDiagnostics map[string]any
}

// Open creates or opens the database at path and applies pragmas and the
// control-plane schema. A missing engine marker is treated as a legacy v1
// store; requestedEngine only applies to stores created by this call.
func Open(path, uri, requestedEngine string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "open", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, onterr.Wrap(onterr.KindStorageIO, "open", err)
	}

	// Two pooled connections: one carries the staged write transaction, the
	// other serves lock acquisition and lease renewal, which must commit
	// independently of the staged work. busy_timeout arbitrates contention.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, onterr.Wrap(onterr.KindStorageIO, "open", fmt.Errorf("apply %q: %w", pragma, err))
		}
	}

	s := &Store{db: db, path: path, uri: uri}
	if err := s.applySchema(requestedEngine); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) applySchema(requestedEngine string) error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "apply_schema", err)
	}

	var stored string
	err := s.db.QueryRow("SELECT value FROM storage_meta WHERE key = ?", metaEngineVersion).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		var rows int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM commits").Scan(&rows); err != nil {
			return onterr.Wrap(onterr.KindStorageIO, "apply_schema", err)
		}
		engine := requestedEngine
		if engine == "" {
			engine = storage.EngineV1
		}
		if rows > 0 {
			// Pre-existing data without an engine marker is a legacy store.
			engine = storage.EngineV1
		}
		if _, err := s.db.Exec(
			"INSERT INTO storage_meta (key, value) VALUES (?, ?)", metaEngineVersion, engine,
		); err != nil {
			return onterr.Wrap(onterr.KindStorageIO, "apply_schema", err)
		}
		s.engine = engine
	case err != nil:
		return onterr.Wrap(onterr.KindStorageIO, "apply_schema", err)
	default:
		s.engine = stored
	}
	return nil
}

// Close closes the database, rolling back any open transaction.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.tx != nil {
		s.tx.Rollback()
		s.tx = nil
	}
	s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// StorageInfo describes the open store.
func (s *Store) StorageInfo() storage.Info {
	return storage.Info{Backend: "sqlite", EngineVersion: s.engine, URI: s.uri}
}

// LastQueryDiagnostics returns advisory context for the most recent read.
func (s *Store) LastQueryDiagnostics() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDiagnostics
}

func (s *Store) setDiagnostics(d map[string]any) {
	s.mu.Lock()
	s.lastDiagnostics = d
	s.mu.Unlock()
}

// Querier is the statement surface shared by the pooled connection and an
// open transaction. The event store writes through it so event-only commits
// join the session's transaction.
type Querier interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// WriteQuerier returns the active transaction when one is open, else the
// pooled connection.
func (s *Store) WriteQuerier() Querier { return s.q() }

func (s *Store) q() Querier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// BeginTransaction opens the write transaction used to stage one or more
// commits. Nested transactions are not supported; a second call is a no-op.
func (s *Store) BeginTransaction() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx != nil {
		return nil
	}
	// BEGIN IMMEDIATE via Exec is unavailable through database/sql; writers
	// are serialized by the lock row instead.
	tx, err := s.db.Begin()
	if err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "begin_transaction", err)
	}
	s.tx = tx
	return nil
}

// CommitTransaction atomically publishes staged work.
func (s *Store) CommitTransaction() error {
	s.mu.Lock()
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()
	if tx == nil {
		return nil
	}
	if err := tx.Commit(); err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "commit_transaction", err)
	}
	return nil
}

// RollbackTransaction discards staged work.
func (s *Store) RollbackTransaction() error {
	s.mu.Lock()
	tx := s.tx
	s.tx = nil
	s.mu.Unlock()
	if tx == nil {
		return nil
	}
	if err := tx.Rollback(); err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "rollback_transaction", err)
	}
	return nil
}

// DB exposes the handle for the event store, which shares the database file.
func (s *Store) DB() *sql.DB { return s.db }

func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseISO(s string) (time.Time, error) { return time.Parse(time.RFC3339Nano, s) }
