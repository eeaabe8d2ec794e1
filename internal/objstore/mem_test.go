package objstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMem_GetPutDelete(t *testing.T) {
	m := NewMem()
	ctx := context.Background()

	_, err := m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	etag, err := m.Put(ctx, "a/b", []byte("one"), "text/plain", PutCond{})
	require.NoError(t, err)
	require.NotEmpty(t, etag)

	obj, err := m.Get(ctx, "a/b")
	require.NoError(t, err)
	assert.Equal(t, "one", string(obj.Body))
	assert.Equal(t, etag, obj.ETag)

	require.NoError(t, m.Delete(ctx, "a/b", ""))
	_, err = m.Get(ctx, "a/b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMem_IfNoneMatch(t *testing.T) {
	m := NewMem()
	ctx := context.Background()

	_, err := m.Put(ctx, "k", []byte("first"), "", PutCond{IfNoneMatch: "*"})
	require.NoError(t, err)

	// The conditional create loses once the key exists.
	_, err = m.Put(ctx, "k", []byte("second"), "", PutCond{IfNoneMatch: "*"})
	assert.ErrorIs(t, err, ErrPreconditionFailed)
}

func TestMem_IfMatch(t *testing.T) {
	m := NewMem()
	ctx := context.Background()

	etag1, err := m.Put(ctx, "k", []byte("v1"), "", PutCond{})
	require.NoError(t, err)

	etag2, err := m.Put(ctx, "k", []byte("v2"), "", PutCond{IfMatch: etag1})
	require.NoError(t, err)
	assert.NotEqual(t, etag1, etag2)

	// The stale etag loses the CAS.
	_, err = m.Put(ctx, "k", []byte("v3"), "", PutCond{IfMatch: etag1})
	assert.ErrorIs(t, err, ErrPreconditionFailed)

	// Conditional delete against a stale etag also loses.
	assert.ErrorIs(t, m.Delete(ctx, "k", etag1), ErrPreconditionFailed)
	require.NoError(t, m.Delete(ctx, "k", etag2))
}

func TestMem_List(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	for _, k := range []string{"p/b", "p/a", "q/x"} {
		_, err := m.Put(ctx, k, []byte("v"), "", PutCond{})
		require.NoError(t, err)
	}

	keys, err := m.List(ctx, "p/")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/a", "p/b"}, keys)
}
