package ontolog

import (
	"log/slog"
	"time"
)

// Config tunes the runtime. The zero value is usable; Normalize fills
// defaults.
type Config struct {
	// MaxBatchSize caps intents per commit attempt.
	MaxBatchSize int
	// RuntimeID identifies this runtime in commit and schema metadata.
	// Defaults to a random UUID per session.
	RuntimeID string
	// DefaultNamespace partitions events and sessions when none is given.
	DefaultNamespace string
	// EngineVersion selects the storage layout for newly created stores.
	EngineVersion string

	// MaxEventChainDepth rejects derived events beyond this depth.
	MaxEventChainDepth int
	// EventPollInterval is the minimum sleep between loop iterations.
	EventPollInterval time.Duration
	// EventClaimLimit caps the per-handler batch per iteration.
	EventClaimLimit int
	// MaxEventsPerIteration caps processed events across handlers per
	// iteration.
	MaxEventsPerIteration int
	// EventClaimLease is the claim lease duration.
	EventClaimLease time.Duration
	// EventRetention is the GC threshold for stored events.
	EventRetention time.Duration
	// SessionHeartbeatInterval is the bus heartbeat cadence.
	SessionHeartbeatInterval time.Duration
	// SessionTTL is the dead-session threshold.
	SessionTTL time.Duration
	// EventMaxAttempts is the dead-letter threshold per (event, handler).
	EventMaxAttempts int
	// EventBackoffBase and EventBackoffMax bound the exponential retry
	// backoff.
	EventBackoffBase time.Duration
	EventBackoffMax  time.Duration

	// S3Region and S3EndpointURL target the object store.
	S3Region      string
	S3EndpointURL string
	// S3LockTimeout bounds write-lock acquisition.
	S3LockTimeout time.Duration
	// S3LeaseTTL is the write-lease duration.
	S3LeaseTTL time.Duration
	// S3RequestTimeout bounds individual object-store requests.
	S3RequestTimeout time.Duration
	// S3DuckDBMemoryLimit is the scan engine memory budget.
	S3DuckDBMemoryLimit string
	// S3UseDuckDB routes object-store scans through DuckDB. Disabled, the
	// in-process evaluator serves reads (small stores, tests).
	S3UseDuckDB bool

	// HeadCASRetries bounds commit retries after a head CAS conflict.
	HeadCASRetries int

	// Logger receives operational warnings. Defaults to slog.Default.
	Logger *slog.Logger
}

// Normalize returns a copy with defaults applied.
func (c Config) Normalize() Config {
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = 10000
	}
	if c.DefaultNamespace == "" {
		c.DefaultNamespace = "default"
	}
	if c.MaxEventChainDepth <= 0 {
		c.MaxEventChainDepth = 20
	}
	if c.EventPollInterval <= 0 {
		c.EventPollInterval = time.Second
	}
	if c.EventClaimLimit <= 0 {
		c.EventClaimLimit = 100
	}
	if c.MaxEventsPerIteration <= 0 {
		c.MaxEventsPerIteration = 1000
	}
	if c.EventClaimLease <= 0 {
		c.EventClaimLease = 30 * time.Second
	}
	if c.EventRetention <= 0 {
		c.EventRetention = 7 * 24 * time.Hour
	}
	if c.SessionHeartbeatInterval <= 0 {
		c.SessionHeartbeatInterval = 5 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = time.Minute
	}
	if c.EventMaxAttempts <= 0 {
		c.EventMaxAttempts = 10
	}
	if c.EventBackoffBase <= 0 {
		c.EventBackoffBase = 250 * time.Millisecond
	}
	if c.EventBackoffMax <= 0 {
		c.EventBackoffMax = 30 * time.Second
	}
	if c.S3LockTimeout <= 0 {
		c.S3LockTimeout = 5 * time.Second
	}
	if c.S3LeaseTTL <= 0 {
		c.S3LeaseTTL = 30 * time.Second
	}
	if c.S3RequestTimeout <= 0 {
		c.S3RequestTimeout = 10 * time.Second
	}
	if c.S3DuckDBMemoryLimit == "" {
		c.S3DuckDBMemoryLimit = "256MB"
	}
	if c.HeadCASRetries <= 0 {
		c.HeadCASRetries = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}
