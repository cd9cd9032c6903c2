package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_BurstThenRefill(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(Policy{PerMinute: 60, Burst: 2}).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "10.0.0.1")
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "10.0.0.2")
	assert.True(t, ok, "keys are independent")

	now = now.Add(time.Second)
	ok, _ = l.Allow(ctx, "10.0.0.1")
	assert.True(t, ok)
}

func TestMemoryLimiter_Prune(t *testing.T) {
	now := time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter(Policy{PerMinute: 60, Burst: 1}).WithClock(func() time.Time { return now })
	ctx := context.Background()

	_, _ = l.Allow(ctx, "a")
	now = now.Add(2 * time.Minute)
	_, _ = l.Allow(ctx, "b")
	now = now.Add(2 * time.Minute)

	assert.Equal(t, 1, l.Prune(3*time.Minute))
	assert.Zero(t, l.Prune(3*time.Minute))
}

// Requires a running Redis; skipped otherwise.
func TestRedisLimiter_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("redis not available")
	}
	defer client.Close()

	key := "test-" + time.Now().Format("150405.000000")
	l := NewRedisLimiter(client, "ratelimit:", Policy{PerMinute: 60, Burst: 1})

	ok, err := l.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.Allow(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(1100 * time.Millisecond)
	ok, err = l.Allow(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
}
