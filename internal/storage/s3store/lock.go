package s3store

import (
	"math/rand"
	"time"

	"github.com/ontolog/ontolog/internal/objstore"
	"github.com/ontolog/ontolog/internal/onterr"
)

// lockDoc mirrors meta/locks/ontology_write.json.
type lockDoc struct {
	OwnerID    string `json:"owner_id"`
	AcquiredAt string `json:"acquired_at"`
	ExpiresAt  string `json:"expires_at"`
	LeaseTTLMS int64  `json:"lease_ttl_ms"`
}

// AcquireLock takes the write lock object via conditional create. A present
// expired lock is taken over with a conditional replace against its observed
// etag; otherwise acquisition retries with jittered backoff until timeout.
func (s *Store) AcquireLock(ownerID string, timeout, lease time.Duration) (bool, error) {
	if timeout <= 0 {
		timeout = s.cfg.LockTimeout
	}
	if lease <= 0 {
		lease = s.cfg.LeaseTTL
	}
	deadline := time.Now().Add(timeout)

	for {
		now := time.Now().UTC()
		expires := now.Add(lease)
		doc := lockDoc{
			OwnerID:    ownerID,
			AcquiredAt: now.Format(time.RFC3339Nano),
			ExpiresAt:  expires.Format(time.RFC3339Nano),
			LeaseTTLMS: lease.Milliseconds(),
		}

		existing, etag, err := s.getJSON(lockKey, false)
		if err != nil {
			return false, err
		}

		if existing == nil {
			newETag, err := s.putJSONETag(lockKey, doc, objstore.PutCond{IfNoneMatch: "*"})
			if err == nil {
				s.noteLockAcquired(ownerID, newETag, expires)
				return true, nil
			}
			if err != objstore.ErrPreconditionFailed {
				return false, err
			}
		} else {
			owner := jsonString(existing["owner_id"])
			expiry, perr := parseISO(jsonString(existing["expires_at"]))
			expired := perr != nil || now.After(expiry)

			if owner == ownerID || expired {
				newETag, err := s.putJSONETag(lockKey, doc, objstore.PutCond{IfMatch: etag})
				if err == nil {
					s.noteLockAcquired(ownerID, newETag, expires)
					return true, nil
				}
				if err != objstore.ErrPreconditionFailed {
					return false, err
				}
			}
		}

		if time.Now().After(deadline) {
			return false, nil
		}
		time.Sleep(10*time.Millisecond + time.Duration(rand.Int63n(int64(20*time.Millisecond))))
	}
}

func (s *Store) noteLockAcquired(ownerID, etag string, expires time.Time) {
	s.mu.Lock()
	s.lockOwner = ownerID
	s.lockETag = etag
	s.leaseExpires = expires
	s.leaseUnsafe = false
	s.mu.Unlock()
}

// RenewLock extends the lease with a conditional overwrite verifying
// ownership. Any failure marks the lease unsafe: subsequent critical
// operations abort with LeaseExpired rather than risk split-brain writes.
func (s *Store) RenewLock(ownerID string, lease time.Duration) (bool, error) {
	if lease <= 0 {
		lease = s.cfg.LeaseTTL
	}

	s.mu.Lock()
	if s.lockOwner != ownerID {
		s.mu.Unlock()
		return false, nil
	}
	s.mu.Unlock()

	doc, etag, err := s.getJSON(lockKey, false)
	if err != nil || doc == nil || jsonString(doc["owner_id"]) != ownerID {
		s.markUnsafe()
		return false, err
	}

	now := time.Now().UTC()
	expires := now.Add(lease)
	doc["expires_at"] = expires.Format(time.RFC3339Nano)
	doc["lease_ttl_ms"] = lease.Milliseconds()

	newETag, err := s.putJSONETag(lockKey, doc, objstore.PutCond{IfMatch: etag})
	if err != nil {
		s.markUnsafe()
		if err == objstore.ErrPreconditionFailed {
			return false, nil
		}
		return false, err
	}

	s.mu.Lock()
	s.lockETag = newETag
	s.leaseExpires = expires
	s.leaseUnsafe = false
	s.mu.Unlock()
	return true, nil
}

func (s *Store) markUnsafe() {
	s.mu.Lock()
	s.leaseUnsafe = true
	s.mu.Unlock()
}

// ReleaseLock drops the lock object when owned by ownerID (conditional
// delete against the observed etag).
func (s *Store) ReleaseLock(ownerID string) error {
	doc, etag, err := s.getJSON(lockKey, false)
	if err == nil && doc != nil && jsonString(doc["owner_id"]) == ownerID {
		_ = s.obj.Delete(ctxBg(), s.key(lockKey), etag)
	}

	s.mu.Lock()
	if s.lockOwner == ownerID {
		s.lockOwner = ""
		s.lockETag = ""
		s.leaseExpires = time.Time{}
		s.leaseUnsafe = false
	}
	s.mu.Unlock()
	return nil
}

// ensureLeaseSafe aborts when the lease is unsafe or within its safety
// margin (ttl/3) of expiry. Called before every critical write step.
func (s *Store) ensureLeaseSafe() error {
	s.mu.Lock()
	unsafe := s.leaseUnsafe
	owner := s.lockOwner
	expires := s.leaseExpires
	s.mu.Unlock()

	if unsafe {
		return onterr.New(onterr.KindLeaseExpired, "lease", "write lease marked unsafe")
	}
	if owner == "" {
		return nil
	}

	doc, _, err := s.getJSON(lockKey, false)
	if err != nil || doc == nil || jsonString(doc["owner_id"]) != owner {
		s.markUnsafe()
		return onterr.New(onterr.KindLeaseExpired, "lease", "write lock lost")
	}
	if parsed, err := parseISO(jsonString(doc["expires_at"])); err == nil {
		expires = parsed
		s.mu.Lock()
		s.leaseExpires = parsed
		s.mu.Unlock()
	}

	margin := s.cfg.LeaseTTL / 3
	if margin <= 0 {
		margin = time.Second
	}
	if time.Now().Add(margin).After(expires) {
		s.markUnsafe()
		return onterr.New(onterr.KindLeaseExpired, "lease", "write lease expired before finalization")
	}
	return nil
}

// leaseKeepAlive renews the lock at ttl/3 until the returned stop function
// is called. A failed renewal marks the lease unsafe.
func (s *Store) leaseKeepAlive(ownerID string) (stop func()) {
	interval := s.cfg.LeaseTTL / 3
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ok, err := s.RenewLock(ownerID, s.cfg.LeaseTTL)
				if err != nil || !ok {
					s.markUnsafe()
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
