package sqlitestore

import (
	"database/sql"
	"math/rand"
	"time"

	"github.com/ontolog/ontolog/internal/onterr"
	"github.com/ontolog/ontolog/internal/storage"
)

// AcquireLock takes the ontology-wide write lock row. Present unexpired rows
// owned by another writer are retried with jittered backoff until timeout;
// expired rows are taken over with a conditional update against the observed
// expiry.
//
// Lock operations always run on the pool connection, never inside the staged
// transaction, so ownership is visible to concurrent processes immediately.
func (s *Store) AcquireLock(ownerID string, timeout, lease time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = storage.DefaultLockTimeout
	}
	if lease <= 0 {
		lease = storage.DefaultLeaseTTL
	}
	deadline := time.Now().Add(timeout)

	for {
		ok, err := s.tryAcquire(ownerID, lease)
		if err != nil {
			return false, err
		}
		if ok {
			s.mu.Lock()
			s.lockOwner = ownerID
			s.mu.Unlock()
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(10*time.Millisecond + time.Duration(rand.Int63n(int64(20*time.Millisecond))))
	}
}

func (s *Store) tryAcquire(ownerID string, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	expires := now.Add(lease)

	var owner, expiresAt string
	err := s.db.QueryRow(
		"SELECT owner_id, expires_at FROM locks WHERE lock_name = ?", writeLockName,
	).Scan(&owner, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		// Conditional insert: the primary key arbitrates a race between two
		// writers observing the missing row.
		res, err := s.db.Exec(
			"INSERT OR IGNORE INTO locks (lock_name, owner_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)",
			writeLockName, ownerID, now.Format(time.RFC3339Nano), expires.Format(time.RFC3339Nano),
		)
		if err != nil {
			return false, onterr.Wrap(onterr.KindStorageIO, "acquire_lock", err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	case err != nil:
		return false, onterr.Wrap(onterr.KindStorageIO, "acquire_lock", err)
	}

	if owner == ownerID {
		return s.renewRow(ownerID, lease)
	}

	expiry, err := parseISO(expiresAt)
	if err != nil || now.After(expiry) {
		// Takeover conditioned on the expiry we observed: a concurrent
		// takeover changes the row and this update matches zero rows.
		res, err := s.db.Exec(
			"UPDATE locks SET owner_id = ?, acquired_at = ?, expires_at = ? WHERE lock_name = ? AND owner_id = ? AND expires_at = ?",
			ownerID, now.Format(time.RFC3339Nano), expires.Format(time.RFC3339Nano),
			writeLockName, owner, expiresAt,
		)
		if err != nil {
			return false, onterr.Wrap(onterr.KindStorageIO, "acquire_lock", err)
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	}
	return false, nil
}

// RenewLock extends the lease when still owned.
func (s *Store) RenewLock(ownerID string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		lease = storage.DefaultLeaseTTL
	}
	return s.renewRow(ownerID, lease)
}

func (s *Store) renewRow(ownerID string, lease time.Duration) (bool, error) {
	expires := time.Now().UTC().Add(lease)
	res, err := s.db.Exec(
		"UPDATE locks SET expires_at = ? WHERE lock_name = ? AND owner_id = ?",
		expires.Format(time.RFC3339Nano), writeLockName, ownerID,
	)
	if err != nil {
		return false, onterr.Wrap(onterr.KindStorageIO, "renew_lock", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReleaseLock drops the lock row when owned by ownerID.
func (s *Store) ReleaseLock(ownerID string) error {
	_, err := s.db.Exec(
		"DELETE FROM locks WHERE lock_name = ? AND owner_id = ?", writeLockName, ownerID,
	)
	if err != nil {
		return onterr.Wrap(onterr.KindStorageIO, "release_lock", err)
	}
	s.mu.Lock()
	if s.lockOwner == ownerID {
		s.lockOwner = ""
	}
	s.mu.Unlock()
	return nil
}
