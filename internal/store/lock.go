package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// LockStore implements named leases in the pipeline_locks table.
// An expired lease can be taken over by another holder.
type LockStore struct {
	db *sql.DB
}

func NewLockStore(db *sql.DB) *LockStore {
	return &LockStore{db: db}
}

// TryAcquire takes the named lease for ttl. It reports false when another
// holder owns an unexpired lease.
func (s *LockStore) TryAcquire(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_locks (name, holder, acquired_at, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET
		     holder = excluded.holder,
		     acquired_at = excluded.acquired_at,
		     expires_at = excluded.expires_at
		 WHERE pipeline_locks.expires_at < excluded.acquired_at`,
		name, holder, now, now.Add(ttl),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %q: %w", name, err)
	}
	return n == 1, nil
}

// Release drops the lease if holder still owns it.
func (s *LockStore) Release(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_locks WHERE name = $1 AND holder = $2`, name, holder)
	if err != nil {
		return fmt.Errorf("release lock %q: %w", name, err)
	}
	return nil
}

// Holder returns the current holder of the named lease, or "" if none.
func (s *LockStore) Holder(ctx context.Context, name string) (string, error) {
	var holder string
	err := s.db.QueryRowContext(ctx, `SELECT holder FROM pipeline_locks WHERE name = $1`, name).Scan(&holder)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lock holder %q: %w", name, err)
	}
	return holder, nil
}
