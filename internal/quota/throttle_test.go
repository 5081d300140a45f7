package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestThrottle(t *testing.T) *Throttle {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewThrottle(client)
}

func TestThrottleAllowUntilLimit(t *testing.T) {
	th := newTestThrottle(t)
	ctx := context.Background()
	accountID := uuid.New()

	for i := 0; i < 3; i++ {
		allowed, wait, err := th.Allow(ctx, accountID, 3)
		require.NoError(t, err)
		assert.True(t, allowed, "send %d should be allowed", i+1)
		assert.Zero(t, wait)
	}

	allowed, wait, err := th.Allow(ctx, accountID, 3)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Hour)

	usage, err := th.Usage(ctx, accountID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage)
}

func TestThrottleIsolatesAccounts(t *testing.T) {
	th := newTestThrottle(t)
	ctx := context.Background()

	first, second := uuid.New(), uuid.New()
	allowed, _, err := th.Allow(ctx, first, 1)
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _, err = th.Allow(ctx, first, 1)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, _, err = th.Allow(ctx, second, 1)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestThrottleZeroLimitUnlimited(t *testing.T) {
	th := newTestThrottle(t)

	for i := 0; i < 10; i++ {
		allowed, _, err := th.Allow(context.Background(), uuid.New(), 0)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
}

func TestThrottleUsageEmptyWindow(t *testing.T) {
	th := newTestThrottle(t)

	usage, err := th.Usage(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.Zero(t, usage)
}

func TestNewThrottleFromURLInvalid(t *testing.T) {
	_, err := NewThrottleFromURL("not-a-url")
	assert.Error(t, err)
}
