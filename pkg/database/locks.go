package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// SourceLock serializes pipeline runs per source using PostgreSQL advisory
// locks. Advisory locks are connection-scoped, so each acquired lock pins a
// dedicated connection until released.
type SourceLock struct {
	db *sql.DB
}

// NewSourceLock creates a SourceLock over the given database.
func NewSourceLock(db *sql.DB) *SourceLock {
	return &SourceLock{db: db}
}

// Lock is a held (or not-acquired) advisory lock.
type Lock struct {
	Acquired bool
	Key      int64

	conn *sql.Conn
}

// LockKeyForSource derives a stable positive 31-bit lock key from a source
// UUID: the first 8 hex characters interpreted as an integer, mod 2^31-1.
func LockKeyForSource(sourceID string) int64 {
	hexPart := strings.ReplaceAll(sourceID, "-", "")
	if len(hexPart) > 8 {
		hexPart = hexPart[:8]
	}
	n, err := strconv.ParseUint(hexPart, 16, 64)
	if err != nil {
		// Non-UUID ids still get a usable key from their bytes.
		for _, b := range []byte(sourceID) {
			n = n*31 + uint64(b)
		}
	}
	key := int64(n % (1<<31 - 1))
	if key < 0 {
		key = -key
	}
	return key
}

// TryAcquire attempts to take the advisory lock for a source without
// blocking. The returned Lock must be released via Release when Acquired is
// true. Errors indicate the lock subsystem itself is unreachable.
func (l *SourceLock) TryAcquire(ctx context.Context, sourceID string) (*Lock, error) {
	key := LockKeyForSource(sourceID)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to obtain lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to acquire source lock: %w", err)
	}

	if !acquired {
		_ = conn.Close()
		return &Lock{Acquired: false, Key: key}, nil
	}

	return &Lock{Acquired: true, Key: key, conn: conn}, nil
}

// Release unlocks and returns the pinned connection to the pool. Safe to call
// on a lock that was never acquired.
func (l *SourceLock) Release(ctx context.Context, lock *Lock) error {
	if lock == nil || !lock.Acquired || lock.conn == nil {
		return nil
	}
	defer func() { _ = lock.conn.Close() }()

	var released bool
	if err := lock.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", lock.Key).Scan(&released); err != nil {
		return fmt.Errorf("failed to release source lock: %w", err)
	}
	if !released {
		return fmt.Errorf("source lock %d was not held by this connection", lock.Key)
	}
	return nil
}
