package ontolog

import (
	"github.com/ontolog/ontolog/internal/onterr"
)

// ErrorKind identifies an error category at the API boundary. Callers
// branch on kinds via the Is* helpers rather than message text.
type ErrorKind = onterr.Kind

// Error kinds surfaced by the API.
const (
	ErrSchemaOutdated          = onterr.KindSchemaOutdated
	ErrMigrationToken          = onterr.KindMigrationToken
	ErrMissingUpgrader         = onterr.KindMissingUpgrader
	ErrMigration               = onterr.KindMigration
	ErrLockContention          = onterr.KindLockContention
	ErrLeaseExpired            = onterr.KindLeaseExpired
	ErrHeadMismatch            = onterr.KindHeadMismatch
	ErrBatchSizeExceeded       = onterr.KindBatchSizeExceeded
	ErrEventLoopLimit          = onterr.KindEventLoopLimit
	ErrMetadataUnavailable     = onterr.KindMetadataUnavailable
	ErrValidation              = onterr.KindValidation
	ErrStorageIO               = onterr.KindStorageIO
	ErrInvalidExecutionContext = onterr.KindInvalidExecutionContext
	ErrUninitializedStorage    = onterr.KindUninitializedStorage
)

// KindOf returns the kind of err, or "" for unstructured errors.
func KindOf(err error) ErrorKind { return onterr.KindOf(err) }

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool { return onterr.IsKind(err, kind) }

// ErrorDetails returns the structured diagnostics attached to err (for
// schema drift: per-type field diffs; for migration failures: type,
// identity, stage, input).
func ErrorDetails(err error) map[string]any { return onterr.DetailsOf(err) }
