package eventbus

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ontolog/ontolog/internal/canonicaljson"
	"github.com/ontolog/ontolog/internal/onterr"
)

// DBTX is the statement surface Enqueue writes through. A provider that
// returns the repository's open transaction makes event enqueues atomic
// with the data commit.
type DBTX interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
}

// SQLiteStore persists events in the same database file as the repository,
// so event-only commits and data commits share one transaction boundary.
type SQLiteStore struct {
	db   *sql.DB
	exec func() DBTX
	cfg  Config
}

// NewSQLiteStore creates the event tables if needed. exec supplies the
// write surface for Enqueue; nil means the pooled connection.
func NewSQLiteStore(db *sql.DB, exec func() DBTX, cfg Config) (*SQLiteStore, error) {
	cfg.withDefaults()
	if exec == nil {
		exec = func() DBTX { return db }
	}
	s := &SQLiteStore{db: db, exec: exec, cfg: cfg}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
		    id TEXT PRIMARY KEY,
		    namespace TEXT NOT NULL,
		    type TEXT NOT NULL,
		    payload TEXT NOT NULL,
		    created_at TEXT NOT NULL,
		    priority INTEGER NOT NULL DEFAULT 100,
		    root_event_id TEXT NOT NULL,
		    chain_depth INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_events_namespace_type_order
		    ON events(namespace, type, priority DESC, created_at ASC, id ASC);

		CREATE TABLE IF NOT EXISTS event_claims (
		    event_id TEXT NOT NULL,
		    handler_id TEXT NOT NULL,
		    session_id TEXT NOT NULL,
		    claimed_at TEXT NOT NULL,
		    lease_until TEXT NOT NULL,
		    ack_at TEXT,
		    attempts INTEGER NOT NULL DEFAULT 0,
		    available_at TEXT NOT NULL,
		    last_error TEXT,
		    dead_lettered_at TEXT,
		    PRIMARY KEY (event_id, handler_id)
		);
		CREATE INDEX IF NOT EXISTS idx_event_claims_handler_state
		    ON event_claims(handler_id, ack_at, dead_lettered_at, lease_until, available_at);
		CREATE INDEX IF NOT EXISTS idx_event_claims_event
		    ON event_claims(event_id);

		CREATE TABLE IF NOT EXISTS dead_letters (
		    id INTEGER PRIMARY KEY AUTOINCREMENT,
		    event_id TEXT NOT NULL,
		    handler_id TEXT NOT NULL,
		    namespace TEXT NOT NULL,
		    failed_at TEXT NOT NULL,
		    attempts INTEGER NOT NULL,
		    last_error TEXT NOT NULL,
		    event_type TEXT NOT NULL,
		    event_payload TEXT NOT NULL,
		    root_event_id TEXT NOT NULL,
		    chain_depth INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dead_letters_namespace_failed
		    ON dead_letters(namespace, failed_at DESC);

		CREATE TABLE IF NOT EXISTS sessions (
		    session_id TEXT PRIMARY KEY,
		    namespace TEXT NOT NULL,
		    started_at TEXT NOT NULL,
		    last_heartbeat TEXT NOT NULL,
		    metadata TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_heartbeat ON sessions(last_heartbeat);
		CREATE INDEX IF NOT EXISTS idx_sessions_namespace ON sessions(namespace);
	`)
	if err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "event_tables", err)
	}
	return nil
}

func nowISO() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseISO(v string) (time.Time, error) { return time.Parse(time.RFC3339Nano, v) }

// Enqueue persists one event.
func (s *SQLiteStore) Enqueue(env Envelope, namespace string) error {
	env.Stamp(s.cfg.now())
	if env.Priority == 0 {
		env.Priority = DefaultPriority
	}
	payload, err := canonicaljson.Marshal(env.Payload)
	if err != nil {
		return onterr.Wrap(onterr.KindValidation, "enqueue", err)
	}
	_, err = s.exec().Exec(
		`INSERT INTO events (id, namespace, type, payload, created_at, priority, root_event_id, chain_depth)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		env.ID, namespace, env.Type, string(payload),
		env.CreatedAt.UTC().Format(time.RFC3339Nano), env.Priority, env.RootEventID, env.ChainDepth,
	)
	if err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "enqueue", err)
	}
	return nil
}

// Claim atomically selects up to limit unclaimed-or-reclaimable events of
// the given types, ordered (priority DESC, created_at ASC, id ASC), and
// takes their per-handler claim rows.
func (s *SQLiteStore) Claim(namespace, handlerID, sessionID string, eventTypes []string, limit int, lease time.Duration) ([]ClaimedEvent, error) {
	if limit <= 0 || len(eventTypes) == 0 {
		return nil, nil
	}

	now := s.cfg.now()
	nowStr := now.Format(time.RFC3339Nano)
	leaseUntil := now.Add(lease)
	leaseStr := leaseUntil.Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "claim", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(eventTypes)), ", ")
	args := []any{handlerID, namespace}
	for _, t := range eventTypes {
		args = append(args, t)
	}
	args = append(args, nowStr, nowStr, limit)

	rows, err := tx.Query(fmt.Sprintf(`
		SELECT e.id, e.type, e.payload, e.created_at, e.priority, e.root_event_id, e.chain_depth
		FROM events e
		LEFT JOIN event_claims c ON e.id = c.event_id AND c.handler_id = ?
		WHERE e.namespace = ?
		  AND e.type IN (%s)
		  AND (
		      c.event_id IS NULL OR (
		          c.ack_at IS NULL
		          AND c.dead_lettered_at IS NULL
		          AND c.lease_until <= ?
		          AND c.available_at <= ?
		      )
		  )
		ORDER BY e.priority DESC, e.created_at ASC, e.id ASC
		LIMIT ?`, placeholders), args...)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "claim", err)
	}

	type candidate struct {
		env Envelope
	}
	var candidates []candidate
	for rows.Next() {
		var env Envelope
		var payload, createdAt string
		if err := rows.Scan(&env.ID, &env.Type, &payload, &createdAt, &env.Priority, &env.RootEventID, &env.ChainDepth); err != nil {
			rows.Close()
			return nil, onterr.Wrap(onterr.KindStorageIO, "claim", err)
		}
		if ts, err := parseISO(createdAt); err == nil {
			env.CreatedAt = ts
		}
		if err := json.Unmarshal([]byte(payload), &env.Payload); err != nil {
			rows.Close()
			return nil, onterr.Wrap(onterr.KindStorageIO, "claim", err)
		}
		candidates = append(candidates, candidate{env: env})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "claim", err)
	}

	var claimed []ClaimedEvent
	for _, cand := range candidates {
		// Conditional upsert: the WHERE clause re-verifies the claim is
		// still takeable, so a racing session cannot double-claim.
		if _, err := tx.Exec(`
			INSERT INTO event_claims
			    (event_id, handler_id, session_id, claimed_at, lease_until, attempts, available_at)
			VALUES (?, ?, ?, ?, ?, 0, ?)
			ON CONFLICT(event_id, handler_id) DO UPDATE SET
			    session_id = excluded.session_id,
			    claimed_at = excluded.claimed_at,
			    lease_until = excluded.lease_until
			WHERE event_claims.ack_at IS NULL
			  AND event_claims.dead_lettered_at IS NULL
			  AND event_claims.lease_until <= excluded.claimed_at
			  AND event_claims.available_at <= excluded.claimed_at`,
			cand.env.ID, handlerID, sessionID, nowStr, leaseStr, nowStr,
		); err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "claim", err)
		}

		var gotSession, gotClaimedAt string
		err := tx.QueryRow(
			"SELECT session_id, claimed_at FROM event_claims WHERE event_id = ? AND handler_id = ?",
			cand.env.ID, handlerID,
		).Scan(&gotSession, &gotClaimedAt)
		if err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "claim", err)
		}
		if gotSession != sessionID || gotClaimedAt != nowStr {
			continue
		}
		claimed = append(claimed, ClaimedEvent{Event: cand.env, LeaseUntil: leaseUntil})
	}

	if err := tx.Commit(); err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "claim", err)
	}
	return claimed, nil
}

// Ack marks the claim terminal-success.
func (s *SQLiteStore) Ack(handlerID, eventID, _ string) error {
	_, err := s.db.Exec(
		"UPDATE event_claims SET ack_at = ? WHERE event_id = ? AND handler_id = ?",
		nowISO(), eventID, handlerID,
	)
	if err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "ack", err)
	}
	return nil
}

// Release records a failed attempt: backoff with jitter below the attempt
// cap, dead-letter at it (audit row plus synthetic event.dead_letter).
func (s *SQLiteStore) Release(handlerID, eventID, namespace, errMsg string) error {
	now := s.cfg.now()
	nowStr := now.Format(time.RFC3339Nano)

	tx, err := s.db.Begin()
	if err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "release", err)
	}
	defer tx.Rollback()

	var attempts, chainDepth int
	var eventType, payload, rootEventID string
	err = tx.QueryRow(`
		SELECT c.attempts, e.type, e.payload, e.root_event_id, e.chain_depth
		FROM event_claims c
		JOIN events e ON e.id = c.event_id
		WHERE c.event_id = ? AND c.handler_id = ? AND e.namespace = ?`,
		eventID, handlerID, namespace,
	).Scan(&attempts, &eventType, &payload, &rootEventID, &chainDepth)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tx.Commit()
		}
		return onterr.Wrap(onterr.KindStorageIO, "release", err)
	}

	attempts++
	if errMsg == "" {
		errMsg = "handler failure"
	}

	if attempts >= s.cfg.MaxAttempts {
		if _, err := tx.Exec(`
			UPDATE event_claims
			SET attempts = ?, last_error = ?, dead_lettered_at = ?, lease_until = ?, available_at = ?
			WHERE event_id = ? AND handler_id = ?`,
			attempts, errMsg, nowStr, nowStr, nowStr, eventID, handlerID,
		); err != nil {
			return onterr.Wrap(onterr.KindStorageIO, "release", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO dead_letters
			    (event_id, handler_id, namespace, failed_at, attempts, last_error,
			     event_type, event_payload, root_event_id, chain_depth)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			eventID, handlerID, namespace, nowStr, attempts, errMsg,
			eventType, payload, rootEventID, chainDepth,
		); err != nil {
			return onterr.Wrap(onterr.KindStorageIO, "release", err)
		}

		dead := Envelope{
			ID:        uuid.New().String(),
			Type:      DeadLetterEventType,
			CreatedAt: now,
			Priority:  DefaultPriority,
			Payload: map[string]any{
				"event_id":   eventID,
				"handler_id": handlerID,
				"attempts":   attempts,
				"last_error": errMsg,
			},
			RootEventID: rootEventID,
			ChainDepth:  chainDepth + 1,
		}
		deadPayload, err := canonicaljson.Marshal(dead.Payload)
		if err != nil {
			return onterr.Wrap(onterr.KindValidation, "release", err)
		}
		if _, err := tx.Exec(`
			INSERT INTO events (id, namespace, type, payload, created_at, priority, root_event_id, chain_depth)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			dead.ID, namespace, dead.Type, string(deadPayload),
			dead.CreatedAt.Format(time.RFC3339Nano), dead.Priority, dead.RootEventID, dead.ChainDepth,
		); err != nil {
			return onterr.Wrap(onterr.KindStorageIO, "release", err)
		}
	} else {
		jitter := time.Duration(rand.Int63n(int64(100 * time.Millisecond)))
		availableAt := now.Add(s.cfg.backoffDelay(attempts) + jitter)
		if _, err := tx.Exec(`
			UPDATE event_claims
			SET attempts = ?, last_error = ?, lease_until = ?, available_at = ?
			WHERE event_id = ? AND handler_id = ?`,
			attempts, errMsg, nowStr, availableAt.Format(time.RFC3339Nano), eventID, handlerID,
		); err != nil {
			return onterr.Wrap(onterr.KindStorageIO, "release", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "release", err)
	}
	return nil
}

// RegisterSession upserts the session row with a fresh heartbeat.
func (s *SQLiteStore) RegisterSession(sessionID, namespace string, metadata map[string]any) error {
	meta, err := canonicaljson.Marshal(metadata)
	if err != nil {
		return onterr.Wrap(onterr.KindValidation, "register_session", err)
	}
	now := nowISO()
	_, err = s.db.Exec(`
		INSERT INTO sessions (session_id, namespace, started_at, last_heartbeat, metadata)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
		    namespace = excluded.namespace,
		    last_heartbeat = excluded.last_heartbeat,
		    metadata = excluded.metadata`,
		sessionID, namespace, now, now, string(meta),
	)
	if err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "register_session", err)
	}
	return nil
}

// Heartbeat refreshes the session liveness timestamp.
func (s *SQLiteStore) Heartbeat(sessionID, _ string) error {
	_, err := s.db.Exec(
		"UPDATE sessions SET last_heartbeat = ? WHERE session_id = ?", nowISO(), sessionID,
	)
	if err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "heartbeat", err)
	}
	return nil
}

// ListNamespaces summarizes every namespace seen in events, sessions, or
// dead letters.
func (s *SQLiteStore) ListNamespaces(sessionTTL time.Duration) ([]NamespaceInfo, error) {
	nsSet := map[string]bool{}
	for _, q := range []string{
		"SELECT DISTINCT namespace FROM events",
		"SELECT DISTINCT namespace FROM sessions",
		"SELECT DISTINCT namespace FROM dead_letters",
	} {
		rows, err := s.db.Query(q)
		if err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "list_namespaces", err)
		}
		for rows.Next() {
			var ns string
			if err := rows.Scan(&ns); err != nil {
				rows.Close()
				return nil, onterr.Wrap(onterr.KindStorageIO, "list_namespaces", err)
			}
			nsSet[ns] = true
		}
		rows.Close()
	}

	namespaces := make([]string, 0, len(nsSet))
	for ns := range nsSet {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	now := s.cfg.now()
	out := []NamespaceInfo{}
	for _, ns := range namespaces {
		info := NamespaceInfo{Namespace: ns}
		if err := s.db.QueryRow("SELECT COUNT(*) FROM events WHERE namespace = ?", ns).Scan(&info.PendingEvents); err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "list_namespaces", err)
		}
		if err := s.db.QueryRow("SELECT COUNT(*) FROM dead_letters WHERE namespace = ?", ns).Scan(&info.DeadLetters); err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "list_namespaces", err)
		}
		rows, err := s.db.Query("SELECT last_heartbeat FROM sessions WHERE namespace = ?", ns)
		if err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "list_namespaces", err)
		}
		for rows.Next() {
			var hb string
			if err := rows.Scan(&hb); err != nil {
				rows.Close()
				return nil, onterr.Wrap(onterr.KindStorageIO, "list_namespaces", err)
			}
			if ts, err := parseISO(hb); err == nil && now.Sub(ts) <= sessionTTL {
				info.Sessions++
			}
		}
		rows.Close()
		out = append(out, info)
	}
	return out, nil
}

// ListSessions lists registered sessions of a namespace, most recent first.
func (s *SQLiteStore) ListSessions(namespace string, sessionTTL time.Duration) ([]SessionInfo, error) {
	rows, err := s.db.Query(
		"SELECT session_id, started_at, last_heartbeat, metadata FROM sessions WHERE namespace = ?",
		namespace,
	)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "list_sessions", err)
	}
	defer rows.Close()

	now := s.cfg.now()
	out := []SessionInfo{}
	for rows.Next() {
		var info SessionInfo
		var started, heartbeat string
		var meta sql.NullString
		if err := rows.Scan(&info.SessionID, &started, &heartbeat, &meta); err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "list_sessions", err)
		}
		info.Namespace = namespace
		if ts, err := parseISO(started); err == nil {
			info.StartedAt = ts
		}
		if ts, err := parseISO(heartbeat); err == nil {
			info.LastHeartbeat = ts
			info.IsDead = now.Sub(ts) > sessionTTL
		}
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &info.Metadata)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastHeartbeat.After(out[j].LastHeartbeat) })
	return out, rows.Err()
}

// ListEvents summarizes events of a namespace with derived claim status.
func (s *SQLiteStore) ListEvents(namespace string, limit int) ([]EventStatus, error) {
	rows, err := s.db.Query(`
		SELECT e.id, e.type, e.created_at, e.priority, e.payload,
		       MAX(CASE WHEN c.dead_lettered_at IS NOT NULL THEN 1 ELSE 0 END) AS dead,
		       MAX(CASE WHEN c.ack_at IS NOT NULL THEN 1 ELSE 0 END) AS acked,
		       MAX(CASE WHEN c.ack_at IS NULL AND c.dead_lettered_at IS NULL
		                    AND c.lease_until > ? THEN 1 ELSE 0 END) AS claimed,
		       MAX(c.handler_id) AS any_handler
		FROM events e
		LEFT JOIN event_claims c ON e.id = c.event_id
		WHERE e.namespace = ?
		GROUP BY e.id, e.type, e.created_at, e.priority, e.payload
		ORDER BY e.priority DESC, e.created_at ASC, e.id ASC
		LIMIT ?`,
		nowISO(), namespace, limit,
	)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "list_events", err)
	}
	defer rows.Close()

	out := []EventStatus{}
	for rows.Next() {
		var ev EventStatus
		var createdAt, payload string
		var dead, acked, claimed int
		var handler sql.NullString
		if err := rows.Scan(&ev.ID, &ev.Type, &createdAt, &ev.Priority, &payload, &dead, &acked, &claimed, &handler); err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "list_events", err)
		}
		if ts, err := parseISO(createdAt); err == nil {
			ev.CreatedAt = ts
		}
		_ = json.Unmarshal([]byte(payload), &ev.Payload)
		switch {
		case dead > 0:
			ev.Status = "dead_lettered"
		case acked > 0:
			ev.Status = "acked"
		case claimed > 0:
			ev.Status = "claimed"
		default:
			ev.Status = "pending"
		}
		ev.Handler = handler.String
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListDeadLetters returns the most recent dead-letter audit rows.
func (s *SQLiteStore) ListDeadLetters(namespace string, limit int) ([]DeadLetterRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT event_id, event_type, handler_id, attempts, last_error, failed_at
		FROM dead_letters WHERE namespace = ?
		ORDER BY failed_at DESC LIMIT ?`,
		namespace, limit,
	)
	if err != nil {
		return nil, onterr.Wrap(onterr.KindStorageIO, "list_dead_letters", err)
	}
	defer rows.Close()

	out := []DeadLetterRecord{}
	for rows.Next() {
		var rec DeadLetterRecord
		var failedAt string
		if err := rows.Scan(&rec.EventID, &rec.EventType, &rec.HandlerID, &rec.Attempts, &rec.LastError, &failedAt); err != nil {
			return nil, onterr.Wrap(onterr.KindStorageIO, "list_dead_letters", err)
		}
		if ts, err := parseISO(failedAt); err == nil {
			rec.FailedAt = ts
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CleanupEvents removes events created before the cutoff plus their claims.
func (s *SQLiteStore) CleanupEvents(namespace string, before time.Time) (int, error) {
	cutoff := before.UTC().Format(time.RFC3339Nano)
	rows, err := s.db.Query(
		"SELECT id FROM events WHERE namespace = ? AND created_at < ?", namespace, cutoff,
	)
	if err != nil {
		return 0, onterr.Wrap(onterr.KindStorageIO, "cleanup_events", err)
	}
	var ids []any
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, onterr.Wrap(onterr.KindStorageIO, "cleanup_events", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	if _, err := s.db.Exec(
		fmt.Sprintf("DELETE FROM event_claims WHERE event_id IN (%s)", placeholders), ids...,
	); err != nil {
		return 0, onterr.Wrap(onterr.KindStorageIO, "cleanup_events", err)
	}
	if _, err := s.db.Exec(
		fmt.Sprintf("DELETE FROM events WHERE id IN (%s)", placeholders), ids...,
	); err != nil {
		return 0, onterr.Wrap(onterr.KindStorageIO, "cleanup_events", err)
	}
	return len(ids), nil
}

// ReplayEvent enqueues a fresh root copy of a stored event and returns the
// new id.
func (s *SQLiteStore) ReplayEvent(namespace, eventID string) (string, error) {
	var eventType, payload string
	var priority int
	err := s.db.QueryRow(
		"SELECT type, payload, priority FROM events WHERE id = ? AND namespace = ?",
		eventID, namespace,
	).Scan(&eventType, &payload, &priority)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", onterr.New(onterr.KindValidation, "replay_event", "event %q not found", eventID)
		}
		return "", onterr.Wrap(onterr.KindStorageIO, "replay_event", err)
	}

	newID := uuid.New().String()
	_, err = s.db.Exec(`
		INSERT INTO events (id, namespace, type, payload, created_at, priority, root_event_id, chain_depth)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		newID, namespace, eventType, payload, nowISO(), priority, newID,
	)
	if err != nil {
		return "", onterr.Wrap(onterr.KindStorageIO, "replay_event", err)
	}
	return newID, nil
}

// InspectEvent returns the envelope plus per-handler claim states.
func (s *SQLiteStore) InspectEvent(eventID, namespace string) (*Envelope, []ClaimInfo, error) {
	query := `SELECT id, type, payload, created_at, priority, root_event_id, chain_depth
	          FROM events WHERE id = ?`
	args := []any{eventID}
	if namespace != "" {
		query += " AND namespace = ?"
		args = append(args, namespace)
	}

	var env Envelope
	var payload, createdAt string
	err := s.db.QueryRow(query, args...).Scan(
		&env.ID, &env.Type, &payload, &createdAt, &env.Priority, &env.RootEventID, &env.ChainDepth,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, nil
		}
		return nil, nil, onterr.Wrap(onterr.KindStorageIO, "inspect_event", err)
	}
	if ts, err := parseISO(createdAt); err == nil {
		env.CreatedAt = ts
	}
	_ = json.Unmarshal([]byte(payload), &env.Payload)

	rows, err := s.db.Query(`
		SELECT handler_id, session_id, attempts, last_error, dead_lettered_at, ack_at,
		       claimed_at, lease_until, available_at
		FROM event_claims WHERE event_id = ? ORDER BY handler_id ASC`, eventID,
	)
	if err != nil {
		return nil, nil, onterr.Wrap(onterr.KindStorageIO, "inspect_event", err)
	}
	defer rows.Close()

	claims := []ClaimInfo{}
	for rows.Next() {
		var ci ClaimInfo
		var lastError, deadAt, ackAt sql.NullString
		var claimedAt, leaseUntil, availableAt string
		if err := rows.Scan(&ci.HandlerID, &ci.SessionID, &ci.Attempts, &lastError, &deadAt, &ackAt, &claimedAt, &leaseUntil, &availableAt); err != nil {
			return nil, nil, onterr.Wrap(onterr.KindStorageIO, "inspect_event", err)
		}
		ci.LastError = lastError.String
		if ts, err := parseISO(claimedAt); err == nil {
			ci.ClaimedAt = ts
		}
		if ts, err := parseISO(leaseUntil); err == nil {
			ci.LeaseUntil = ts
		}
		if ts, err := parseISO(availableAt); err == nil {
			ci.AvailableAt = ts
		}
		if ackAt.Valid {
			if ts, err := parseISO(ackAt.String); err == nil {
				ci.AckAt = &ts
			}
		}
		if deadAt.Valid {
			if ts, err := parseISO(deadAt.String); err == nil {
				ci.DeadLetteredAt = &ts
			}
		}
		claims = append(claims, ci)
	}
	return &env, claims, rows.Err()
}
