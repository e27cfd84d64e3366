// Package lease implements the per-instance and per-ingest-target mutual
// exclusion the engine and ingest planner rely on, backed by Postgres
// advisory locks rather than a separate lock table: advisory locks are
// released automatically if the holder's connection dies, which is the
// property a worker-crash-mid-materialization scenario needs.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"hash/fnv"
	"time"
)

// Manager acquires named advisory locks scoped to a single session
// connection pulled from the pool, runs action while holding it, and
// guarantees release (explicit pg_advisory_unlock, or implicit release on
// connection close if unlock itself fails).
type Manager struct {
	DB *sql.DB
}

// New constructs a Manager over db.
func New(db *sql.DB) *Manager {
	return &Manager{DB: db}
}

// WithLease tries to acquire the advisory lock named by key within timeout.
// acquired is false (with a nil error) when the lock is held by someone
// else and timeout elapses first; it is false with a non-nil error when
// acquiring the dedicated connection itself failed. Once acquired, action
// runs with lock held and the lock is always released before returning,
// regardless of action's outcome.
func (m *Manager) WithLease(ctx context.Context, key string, timeout time.Duration, action func(ctx context.Context) error) (acquired bool, err error) {
	if m == nil || m.DB == nil {
		return false, errors.New("lease: manager not configured")
	}

	conn, err := m.DB.Conn(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	lockKey := advisoryKey(key)

	acquired, err = tryAcquireWithin(ctx, conn, lockKey, timeout)
	if err != nil {
		return false, err
	}
	if !acquired {
		return false, nil
	}
	defer releaseAdvisoryLock(context.Background(), conn, lockKey)

	return true, action(ctx)
}

// tryAcquireWithin polls pg_try_advisory_lock until it succeeds, ctx is
// cancelled, or timeout elapses. Polling (rather than blocking
// pg_advisory_lock on a context-cancellable query) keeps the timeout
// enforceable without depending on statement_timeout session state.
func tryAcquireWithin(ctx context.Context, conn *sql.Conn, lockKey int64, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	const pollInterval = 25 * time.Millisecond

	for {
		var acquired bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey).Scan(&acquired); err != nil {
			return false, err
		}
		if acquired {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func releaseAdvisoryLock(ctx context.Context, conn *sql.Conn, lockKey int64) {
	_, _ = conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, lockKey)
}

// advisoryKey folds a string lease key (e.g. "instance:123" or
// "ingest:followers:456") down to the int64 pg_advisory_lock takes.
func advisoryKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}
