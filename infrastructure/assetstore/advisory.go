package assetstore

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// advisoryLocks tracks the dedicated *sql.Conn each held advisory lock is
// pinned to, since pg_advisory_lock/pg_advisory_unlock are session-scoped:
// the unlock must run on the exact connection that acquired it.
type advisoryLocks struct {
	mu    sync.Mutex
	conns map[string]*pooledConn
}

type pooledConn struct {
	unlockAndClose func() error
}

// AcquireAdvisoryLock tries to acquire the named advisory lock within
// timeout, polling pg_try_advisory_lock on a dedicated pooled connection
// held open until ReleaseAdvisoryLock is called for the same key.
func (s *Store) AcquireAdvisoryLock(ctx context.Context, key string, timeout time.Duration) (bool, error) {
	s.initAdvisoryLocks()

	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return false, err
	}

	lockKey := advisoryHash(key)
	deadline := time.Now().Add(timeout)
	const pollInterval = 25 * time.Millisecond
	for {
		var acquired bool
		if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey).Scan(&acquired); err != nil {
			_ = conn.Close()
			return false, err
		}
		if acquired {
			s.advisory.mu.Lock()
			s.advisory.conns[key] = &pooledConn{unlockAndClose: func() error {
				_, execErr := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, lockKey)
				closeErr := conn.Close()
				if execErr != nil {
					return execErr
				}
				return closeErr
			}}
			s.advisory.mu.Unlock()
			return true, nil
		}
		if time.Now().After(deadline) {
			_ = conn.Close()
			return false, nil
		}
		select {
		case <-ctx.Done():
			_ = conn.Close()
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// ReleaseAdvisoryLock unlocks and releases the connection pinned to key by
// a prior AcquireAdvisoryLock. A release for a key never acquired is a
// no-op.
func (s *Store) ReleaseAdvisoryLock(ctx context.Context, key string) error {
	s.initAdvisoryLocks()

	s.advisory.mu.Lock()
	c, ok := s.advisory.conns[key]
	if ok {
		delete(s.advisory.conns, key)
	}
	s.advisory.mu.Unlock()
	if !ok {
		return nil
	}
	return c.unlockAndClose()
}

func (s *Store) initAdvisoryLocks() {
	s.advisoryOnce.Do(func() {
		s.advisory.conns = make(map[string]*pooledConn)
	})
}

func advisoryHash(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(fmt.Sprintf("assetstore:%s", key)))
	return int64(h.Sum64())
}
