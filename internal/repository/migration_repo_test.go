package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestMigration(t *testing.T) *MigrationRepo {
	t.Helper()
	_, client := newTestRedis(t)
	return NewMigrationRepo(client, NewStore(client)).(*MigrationRepo)
}

func TestMigrationRepo_Markers(t *testing.T) {
	repo := newTestMigration(t)
	ctx := context.Background()

	exists, err := repo.MarkerExists(ctx, "usage_index_v2")
	require.NoError(t, err)
	require.False(t, exists)

	require.NoError(t, repo.SetMarker(ctx, "usage_index_v2"))

	exists, err = repo.MarkerExists(ctx, "usage_index_v2")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestMigrationRepo_LockOwnership(t *testing.T) {
	repo := newTestMigration(t)
	ctx := context.Background()

	ok, err := repo.AcquireLock(ctx, "bootstrap", "owner-a", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.AcquireLock(ctx, "bootstrap", "owner-b", 10*time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	// 非持有者释放不掉锁
	require.NoError(t, repo.ReleaseLock(ctx, "bootstrap", "owner-b"))
	ok, err = repo.AcquireLock(ctx, "bootstrap", "owner-b", 10*time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, repo.ReleaseLock(ctx, "bootstrap", "owner-a"))
	ok, err = repo.AcquireLock(ctx, "bootstrap", "owner-b", 10*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMigrationRepo_SetCostIfAbsent(t *testing.T) {
	repo := newTestMigration(t)
	ctx := context.Background()

	ok, err := repo.SetCostIfAbsent(ctx, "usage:cost:daily:k1:2026-08-25", 1.25, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	// 已有值绝不覆盖
	ok, err = repo.SetCostIfAbsent(ctx, "usage:cost:daily:k1:2026-08-25", 9.99, time.Hour)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMigrationRepo_RebuildUsageIndices(t *testing.T) {
	_, client := newTestRedis(t)
	repo := NewMigrationRepo(client, NewStore(client)).(*MigrationRepo)
	ctx := context.Background()

	keyID := "3f1a2b3c-4d5e-6f70-8192-a3b4c5d6e7f8"
	require.NoError(t, client.HSet(ctx, "usage:daily:"+keyID+":2026-08-25", "requests", 3).Err())
	require.NoError(t, client.HSet(ctx, "usage:hourly:"+keyID+":2026-08-25:10", "requests", 1).Err())

	require.NoError(t, repo.RebuildUsageIndices(ctx))

	members, err := client.SMembers(ctx, usageDailyIndexKey("2026-08-25")).Result()
	require.NoError(t, err)
	require.Equal(t, []string{keyID}, members)

	hourly, err := client.SMembers(ctx, usageHourlyIndexKey("2026-08-25:10")).Result()
	require.NoError(t, err)
	require.Equal(t, []string{keyID}, hourly)
}
