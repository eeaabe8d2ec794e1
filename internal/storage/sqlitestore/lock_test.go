package sqlitestore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireLock_MutualExclusion(t *testing.T) {
	s := openTestStore(t)

	ok, err := s.AcquireLock("owner-a", time.Second, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second owner fails within a short timeout while the lease holds.
	ok, err = s.AcquireLock("owner-b", 50*time.Millisecond, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLock("owner-a"))

	ok, err = s.AcquireLock("owner-b", time.Second, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireLock_Reentrant(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.AcquireLock("owner-a", time.Second, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// The same owner re-acquires by renewal.
	ok, err = s.AcquireLock("owner-a", time.Second, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireLock_ExpiredTakeover(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.AcquireLock("owner-a", time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	// The expired lease is taken over without waiting for a release.
	ok, err = s.AcquireLock("owner-b", time.Second, 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	// The old owner can no longer renew.
	renewed, err := s.RenewLock("owner-a", 30*time.Second)
	require.NoError(t, err)
	assert.False(t, renewed)
}

func TestRenewLock(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.AcquireLock("owner-a", time.Second, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	renewed, err := s.RenewLock("owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, renewed)

	renewed, err = s.RenewLock("owner-z", time.Minute)
	require.NoError(t, err)
	assert.False(t, renewed)
}

func TestReleaseLock_OnlyOwner(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.AcquireLock("owner-a", time.Second, 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// A non-owner release is a no-op.
	require.NoError(t, s.ReleaseLock("owner-b"))
	ok, err = s.AcquireLock("owner-c", 50*time.Millisecond, 30*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}
