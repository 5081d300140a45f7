// Package distlock provides a cross-process mutex so periodic jobs
// (queue maintenance, quota resets) run on exactly one worker at a
// time. Redis backs the lock when available; otherwise a Postgres
// advisory lock on the shared database serves.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is a non-blocking try-lock. A single instance is meant for
// one goroutine; concurrent holders need separate instances.
type DistLock interface {
	// Acquire attempts the lock without blocking and reports success.
	Acquire(ctx context.Context) (bool, error)
	// Release unlocks only if this instance still holds the lock.
	Release(ctx context.Context) error
}

// NewLock picks the best available backend: Redis when a client is
// given, Postgres advisory locks otherwise.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// PGAdvisoryLock holds a session-scoped Postgres advisory lock. The
// database releases it if the holding connection drops, which covers
// worker crashes the same way a Redis TTL would.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock derives a stable 64-bit lock ID from the key.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire tries pg_try_advisory_lock, which never blocks.
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release unlocks the advisory lock.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
