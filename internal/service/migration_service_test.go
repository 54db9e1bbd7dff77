package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRunBootMigrationsFullRun(t *testing.T) {
	store := newFakeMigrationStore()
	groups := newFakeGroupStore()
	svc := NewMigrationService(store, groups)

	require.NoError(t, svc.RunBootMigrations(context.Background()))

	require.Equal(t, []string{"usage_index_v2", "alltime_model_stats", "global_stats", "cost_init"}, store.ran)
	require.True(t, groups.rebuiltReverse)
	for _, name := range []string{"usage_index_v2", "alltime_model_stats", "global_stats", "cost_init", "group_reverse_index"} {
		require.True(t, store.markers[name], "marker %s", name)
	}
	require.True(t, store.released)
}

func TestRunBootMigrationsSkipsMarked(t *testing.T) {
	store := newFakeMigrationStore()
	store.markers["usage_index_v2"] = true
	store.markers["cost_init"] = true
	groups := newFakeGroupStore()
	svc := NewMigrationService(store, groups)

	require.NoError(t, svc.RunBootMigrations(context.Background()))

	require.Equal(t, []string{"alltime_model_stats", "global_stats"}, store.ran)
	require.True(t, groups.rebuiltReverse)
}

func TestRunBootMigrationsLockHeldElsewhere(t *testing.T) {
	store := newFakeMigrationStore()
	store.lockDenied = true
	svc := NewMigrationService(store, newFakeGroupStore())

	// 另一实例持锁时放行启动且不执行任何任务
	require.NoError(t, svc.RunBootMigrations(context.Background()))
	require.Empty(t, store.ran)
	require.Empty(t, store.markers)
}

func TestRunBootMigrationsGlobalStatsAlreadyPresent(t *testing.T) {
	store := newFakeMigrationStore()
	store.derived = false
	svc := NewMigrationService(store, newFakeGroupStore())

	// 在线入账已写入全局键：派生被跳过但标记照打
	require.NoError(t, svc.RunBootMigrations(context.Background()))
	require.True(t, store.markers["global_stats"])
}
