// Package eventbus implements the durable, namespaced claim/ack queue that
// drives reactive handlers: event persistence, the per-(event, handler)
// claim state machine with exponential backoff and dead-lettering, session
// heartbeats, and cron schedule evaluation.
package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// DeadLetterEventType is the synthetic event enqueued when a claim
// dead-letters. Its envelope inherits the failed event's root_event_id and
// sets chain_depth to parent+1 so loop detection still sees the lineage.
const DeadLetterEventType = "event.dead_letter"

// DefaultPriority is used when an event declares none. Higher runs earlier.
const DefaultPriority = 100

// Envelope is a persisted event: user payload plus delivery metadata.
type Envelope struct {
	ID          string
	Type        string
	Payload     map[string]any
	CreatedAt   time.Time
	Priority    int
	RootEventID string
	ChainDepth  int
}

// Stamp fills identity fields for a root event: fresh id, now, depth 0.
func (e *Envelope) Stamp(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.RootEventID == "" {
		e.RootEventID = e.ID
	}
}

// Derive stamps a child envelope from its parent: inherited root, depth+1.
func (e *Envelope) Derive(parent Envelope, now time.Time) {
	e.ID = uuid.New().String()
	e.CreatedAt = now
	e.RootEventID = parent.RootEventID
	if e.RootEventID == "" {
		e.RootEventID = parent.ID
	}
	e.ChainDepth = parent.ChainDepth + 1
}

// ClaimedEvent pairs a claimed envelope with its lease deadline.
type ClaimedEvent struct {
	Event      Envelope
	LeaseUntil time.Time
}

// ClaimInfo is the per-handler claim state exposed by InspectEvent.
type ClaimInfo struct {
	HandlerID     string
	SessionID     string
	Attempts      int
	LastError     string
	ClaimedAt     time.Time
	LeaseUntil    time.Time
	AvailableAt   time.Time
	AckAt         *time.Time
	DeadLetteredAt *time.Time
}

// EventStatus summarizes an event's aggregate delivery state.
type EventStatus struct {
	ID        string
	Type      string
	CreatedAt time.Time
	Priority  int
	Status    string // pending, claimed, acked, dead_lettered
	Handler   string
	Payload   map[string]any
}

// DeadLetterRecord is one row of the append-only dead-letter audit.
type DeadLetterRecord struct {
	EventID   string
	EventType string
	HandlerID string
	Attempts  int
	LastError string
	FailedAt  time.Time
}

// SessionInfo describes a registered bus session.
type SessionInfo struct {
	SessionID     string
	Namespace     string
	StartedAt     time.Time
	LastHeartbeat time.Time
	IsDead        bool
	Metadata      map[string]any
}

// NamespaceInfo summarizes one namespace.
type NamespaceInfo struct {
	Namespace     string
	Sessions      int
	PendingEvents int
	DeadLetters   int
}

// Config tunes retry and dead-letter behaviour.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Now overrides the clock, for deterministic lease and backoff tests.
	Now func() time.Time
}

func (c *Config) withDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 250 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

func (c Config) now() time.Time { return c.Now().UTC() }

// backoffDelay computes min(base*2^attempts, max) before jitter.
func (c Config) backoffDelay(attempts int) time.Duration {
	d := c.BackoffBase
	for i := 0; i < attempts && d < c.BackoffMax; i++ {
		d *= 2
	}
	if d > c.BackoffMax {
		d = c.BackoffMax
	}
	return d
}

// Store is the protocol shared by both event store backends.
type Store interface {
	Enqueue(env Envelope, namespace string) error
	Claim(namespace, handlerID, sessionID string, eventTypes []string, limit int, lease time.Duration) ([]ClaimedEvent, error)
	Ack(handlerID, eventID, namespace string) error
	Release(handlerID, eventID, namespace, errMsg string) error

	RegisterSession(sessionID, namespace string, metadata map[string]any) error
	Heartbeat(sessionID, namespace string) error

	ListNamespaces(sessionTTL time.Duration) ([]NamespaceInfo, error)
	ListSessions(namespace string, sessionTTL time.Duration) ([]SessionInfo, error)
	ListEvents(namespace string, limit int) ([]EventStatus, error)
	ListDeadLetters(namespace string, limit int) ([]DeadLetterRecord, error)
	CleanupEvents(namespace string, before time.Time) (int, error)
	ReplayEvent(namespace, eventID string) (string, error)
	InspectEvent(eventID, namespace string) (*Envelope, []ClaimInfo, error)
}
