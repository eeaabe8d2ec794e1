package objstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Mem is an in-memory Store with full conditional-write semantics. It backs
// the test suites and offline tooling paths.
type Mem struct {
	mu      sync.Mutex
	objects map[string]memObject
	seq     int64

	// FailPut, when set, is consulted before every Put; returning an error
	// aborts the write. Tests use it to inject crashes between CAS steps.
	FailPut func(key string) error
}

type memObject struct {
	body []byte
	etag string
}

// NewMem creates an empty in-memory store.
func NewMem() *Mem {
	return &Mem{objects: map[string]memObject{}}
}

func (m *Mem) nextETag() string {
	m.seq++
	return fmt.Sprintf("\"etag-%d\"", m.seq)
}

// Get fetches an object.
func (m *Mem) Get(_ context.Context, key string) (*Object, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, ErrNotFound
	}
	body := make([]byte, len(obj.body))
	copy(body, obj.body)
	return &Object{Body: body, ETag: obj.etag}, nil
}

// Put writes an object under the given precondition.
func (m *Mem) Put(_ context.Context, key string, body []byte, _ string, cond PutCond) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailPut != nil {
		if err := m.FailPut(key); err != nil {
			return "", err
		}
	}

	existing, exists := m.objects[key]
	if cond.IfNoneMatch == "*" && exists {
		return "", ErrPreconditionFailed
	}
	if cond.IfMatch != "" && (!exists || existing.etag != cond.IfMatch) {
		return "", ErrPreconditionFailed
	}

	stored := make([]byte, len(body))
	copy(stored, body)
	etag := m.nextETag()
	m.objects[key] = memObject{body: stored, etag: etag}
	return etag, nil
}

// Delete removes an object, conditionally when ifMatch is set.
func (m *Mem) Delete(_ context.Context, key string, ifMatch string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, exists := m.objects[key]
	if !exists {
		return nil
	}
	if ifMatch != "" && existing.etag != ifMatch {
		return ErrPreconditionFailed
	}
	delete(m.objects, key)
	return nil
}

// List returns all keys under prefix in lexicographic order.
func (m *Mem) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
