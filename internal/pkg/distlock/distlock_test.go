package distlock

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisLockMutualExclusion(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	first := NewRedisLock(client, "maintenance", time.Minute)
	second := NewRedisLock(client, "maintenance", time.Minute)

	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, first.Release(ctx))
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRedisLockReleaseRequiresOwnership(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	holder := NewRedisLock(client, "maintenance", time.Minute)
	ok, err := holder.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// A different instance releasing the same key is a no-op.
	other := NewRedisLock(client, "maintenance", time.Minute)
	require.NoError(t, other.Release(ctx))

	stillHeld, err := client.Exists(ctx, "lock:maintenance").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stillHeld)
}

func TestRedisLockExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	first := NewRedisLock(client, "maintenance", time.Second)
	ok, err := first.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	second := NewRedisLock(client, "maintenance", time.Second)
	ok, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPGAdvisoryLock(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	lock := NewPGAdvisoryLock(db, "maintenance")

	mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	ok, err := lock.Acquire(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectExec(`SELECT pg_advisory_unlock`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, lock.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestNewLockBackendSelection(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, isPG := NewLock(nil, db, "k", time.Minute).(*PGAdvisoryLock)
	assert.True(t, isPG)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	_, isRedis := NewLock(client, db, "k", time.Minute).(*RedisLock)
	assert.True(t, isRedis)
}
