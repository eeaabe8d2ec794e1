// Package objstore abstracts the conditional object operations the engine
// needs from S3-compatible storage: etag-conditional get/put/delete and
// prefix listing. The production implementation wraps the AWS SDK; Mem backs
// tests and dry-run tooling.
package objstore

import (
	"context"
	"errors"
)

// Sentinel errors mapped from backend responses.
var (
	// ErrNotFound is returned by Get for missing keys.
	ErrNotFound = errors.New("object not found")
	// ErrPreconditionFailed is returned when an If-Match / If-None-Match
	// condition does not hold. It is the CAS conflict signal.
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Object is a fetched object with its version tag.
type Object struct {
	Body []byte
	ETag string
}

// PutCond expresses the write precondition.
type PutCond struct {
	// IfMatch requires the stored etag to equal this value.
	IfMatch string
	// IfNoneMatch, when "*", requires the key to be absent.
	IfNoneMatch string
}

// Store is the minimal conditional object API.
type Store interface {
	Get(ctx context.Context, key string) (*Object, error)
	Put(ctx context.Context, key string, body []byte, contentType string, cond PutCond) (etag string, err error)
	// Delete removes a key. A non-empty ifMatch makes the delete conditional
	// where the backend supports it.
	Delete(ctx context.Context, key string, ifMatch string) error
	// List returns all keys under prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)
}
