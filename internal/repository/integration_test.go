//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/service"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// 真实 Redis 上验证 Lua 脚本与 pipeline 行为，miniredis 只覆盖单测路径。
// 运行方式：go test -tags integration ./internal/repository/

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)
	opts, err := redis.ParseURL(uri)
	require.NoError(t, err)

	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func TestIntegration_ConcurrencyLeaseLifecycle(t *testing.T) {
	client := setupRedis(t)
	cfg := &config.Config{}
	cfg.Concurrency.LeaseSeconds = 30
	cfg.Concurrency.CleanupGraceSeconds = 10
	cache := NewConcurrencyCache(client, cfg)
	ctx := context.Background()

	n, err := cache.Acquire(ctx, "key-1", "req-a")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	ok, err := cache.RefreshLease(ctx, "key-1", "req-a")
	require.NoError(t, err)
	require.True(t, ok)

	n, err = cache.Release(ctx, "key-1", "req-a")
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}

func TestIntegration_RateLimitWindow(t *testing.T) {
	client := setupRedis(t)
	cache := NewRateLimitCache(client)
	ctx := context.Background()
	now := time.Now().Unix()

	state, err := cache.CheckRequest(ctx, "key-1", now, 60, 1)
	require.NoError(t, err)
	require.True(t, state.Allowed)

	state, err = cache.CheckRequest(ctx, "key-1", now, 60, 1)
	require.NoError(t, err)
	require.False(t, state.Allowed)

	state, err = cache.CheckRequest(ctx, "key-1", now+61, 60, 1)
	require.NoError(t, err)
	require.True(t, state.Allowed)
}

func TestIntegration_UsageAccrualRoundTrip(t *testing.T) {
	client := setupRedis(t)
	cfg := &config.Config{}
	cfg.System.MetricsWindowMinutes = 5
	repo := NewUsageRepo(client, NewStore(client), cfg)
	ctx := context.Background()

	d := &service.UsageDelta{
		KeyID:        "3f1a2b3c-4d5e-6f70-8192-a3b4c5d6e7f8",
		AccountID:    "acc-1",
		Model:        "claude-sonnet-4-5",
		InputTokens:  100,
		OutputTokens: 50,
		RealCost:     0.01,
		RatedCost:    0.02,
		Date:         "2026-08-25",
		Month:        "2026-08",
		Hour:         "2026-08-25:10",
		Minute:       time.Now().Unix() / 60,
	}
	require.NoError(t, repo.IncrementTokenUsage(ctx, d))
	require.NoError(t, repo.IncrementAccountUsage(ctx, d))

	cost, err := repo.GetDailyCost(ctx, d.KeyID, d.Date)
	require.NoError(t, err)
	require.InDelta(t, 0.02, cost, 1e-9)

	totals, err := repo.GetKeyTotals(ctx, d.KeyID)
	require.NoError(t, err)
	require.Equal(t, int64(150), totals["allTokens"])
}

func TestIntegration_AccountLockSerialization(t *testing.T) {
	client := setupRedis(t)
	cache := NewAccountLockCache(client)
	ctx := context.Background()

	res, err := cache.Acquire(ctx, "acc-1", "req-a", 60000, 2000)
	require.NoError(t, err)
	require.True(t, res.Acquired)

	res, err = cache.Acquire(ctx, "acc-1", "req-b", 60000, 2000)
	require.NoError(t, err)
	require.False(t, res.Acquired)
	require.Equal(t, int64(-1), res.WaitMs)

	ok, err := cache.Release(ctx, "acc-1", "req-a")
	require.NoError(t, err)
	require.True(t, ok)

	res, err = cache.Acquire(ctx, "acc-1", "req-b", 60000, 2000)
	require.NoError(t, err)
	require.False(t, res.Acquired)
	require.Greater(t, res.WaitMs, int64(0))
}
