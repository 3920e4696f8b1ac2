package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrBusy is returned by Acquire when another holder owns the lock. This is
// normal contention, not a fault.
var ErrBusy = errors.New("lock held by another holder")

// Lease is proof of lock ownership; only the holder that acquired a lock may
// release it.
type Lease struct {
	Name      string
	Holder    string
	ExpiresAt time.Time
}

// LockStore implements a named, TTL-bounded advisory mutex as a row CAS.
// Expired leases are reaped on the next acquire, so a crashed holder blocks
// contenders for at most the TTL.
type LockStore struct {
	db *sql.DB
}

func NewLockStore(db *sql.DB) *LockStore {
	return &LockStore{db: db}
}

func (s *LockStore) Acquire(name string, ttl time.Duration) (*Lease, error) {
	now := time.Now().UTC().Truncate(time.Second)

	if _, err := s.db.Exec(
		`DELETE FROM locks WHERE name = ? AND expires_at <= ?`, name, now); err != nil {
		return nil, fmt.Errorf("reap expired lock: %w", err)
	}

	lease := &Lease{
		Name:      name,
		Holder:    uuid.NewString(),
		ExpiresAt: now.Add(ttl),
	}

	result, err := s.db.Exec(
		`INSERT INTO locks (name, holder, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO NOTHING`,
		lease.Name, lease.Holder, lease.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, ErrBusy
	}
	return lease, nil
}

func (s *LockStore) Release(lease *Lease) error {
	_, err := s.db.Exec(
		`DELETE FROM locks WHERE name = ? AND holder = ?`, lease.Name, lease.Holder)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}
