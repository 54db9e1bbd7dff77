package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimitCache_CheckRequest(t *testing.T) {
	_, client := newTestRedis(t)
	cache := NewRateLimitCache(client).(*RateLimitCache)
	ctx := context.Background()
	now := time.Now().Unix()

	state, err := cache.CheckRequest(ctx, "key-1", now, 60, 2)
	require.NoError(t, err)
	require.True(t, state.Allowed)
	require.Equal(t, int64(1), state.Requests)
	require.Equal(t, now, state.WindowStart)

	state, err = cache.CheckRequest(ctx, "key-1", now, 60, 2)
	require.NoError(t, err)
	require.True(t, state.Allowed)
	require.Equal(t, int64(2), state.Requests)

	// 超限：不累加，返回当前计数
	state, err = cache.CheckRequest(ctx, "key-1", now, 60, 2)
	require.NoError(t, err)
	require.False(t, state.Allowed)
	require.Equal(t, int64(2), state.Requests)
	require.Equal(t, now, state.WindowStart)
}

func TestRateLimitCache_WindowRoll(t *testing.T) {
	_, client := newTestRedis(t)
	cache := NewRateLimitCache(client).(*RateLimitCache)
	ctx := context.Background()
	now := time.Now().Unix()

	for i := 0; i < 2; i++ {
		_, err := cache.CheckRequest(ctx, "key-1", now, 60, 2)
		require.NoError(t, err)
	}
	_, _, err := cache.AddUsage(ctx, "key-1", now, 60, 1000, 2500)
	require.NoError(t, err)

	// 窗口过期后所有计数在同一脚本内重置
	later := now + 61
	state, err := cache.CheckRequest(ctx, "key-1", later, 60, 2)
	require.NoError(t, err)
	require.True(t, state.Allowed)
	require.Equal(t, int64(1), state.Requests)
	require.Equal(t, later, state.WindowStart)

	tokens, costMicro, err := cache.Usage(ctx, "key-1")
	require.NoError(t, err)
	require.Zero(t, tokens)
	require.Zero(t, costMicro)
}

func TestRateLimitCache_AddUsage(t *testing.T) {
	_, client := newTestRedis(t)
	cache := NewRateLimitCache(client).(*RateLimitCache)
	ctx := context.Background()
	now := time.Now().Unix()

	tokens, costMicro, err := cache.AddUsage(ctx, "key-1", now, 60, 500, 1200)
	require.NoError(t, err)
	require.Equal(t, int64(500), tokens)
	require.Equal(t, int64(1200), costMicro)

	tokens, costMicro, err = cache.AddUsage(ctx, "key-1", now, 60, 300, 0)
	require.NoError(t, err)
	require.Equal(t, int64(800), tokens)
	require.Zero(t, costMicro)

	tokens, costMicro, err = cache.Usage(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, int64(800), tokens)
	require.Equal(t, int64(1200), costMicro)

	resetAt, err := cache.WindowResetAt(ctx, "key-1", 60)
	require.NoError(t, err)
	require.Equal(t, time.Unix(now+60, 0), resetAt)
}

func TestRateLimitCache_WindowResetAtMissing(t *testing.T) {
	_, client := newTestRedis(t)
	cache := NewRateLimitCache(client).(*RateLimitCache)

	resetAt, err := cache.WindowResetAt(context.Background(), "ghost", 60)
	require.NoError(t, err)
	require.True(t, resetAt.IsZero())
}
