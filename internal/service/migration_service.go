package service

import (
	"context"
	"fmt"
	"time"

	"llmrelay/internal/pkg/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// 迁移标记名。已打标记的迁移在后续启动中跳过。
const (
	migrationUsageIndexV2  = "usage_index_v2"
	migrationAlltimeModel  = "alltime_model_stats"
	migrationGlobalStats   = "global_stats"
	migrationCostInit      = "cost_init"
	migrationGroupReverse  = "group_reverse_index"
	migrationBootstrapLock = "bootstrap"

	migrationLockTTL = 10 * time.Minute
)

// MigrationService 启动期数据迁移编排。
// 所有任务幂等：标记判重 + 分布式锁防止多实例并发执行。
type MigrationService struct {
	store  MigrationStore
	groups GroupStore
}

func NewMigrationService(store MigrationStore, groups GroupStore) *MigrationService {
	return &MigrationService{store: store, groups: groups}
}

// RunBootMigrations 依序执行全部启动迁移。
// 抢锁失败说明另一实例正在迁移，直接放行启动。
func (s *MigrationService) RunBootMigrations(ctx context.Context) error {
	owner := uuid.NewString()
	acquired, err := s.store.AcquireLock(ctx, migrationBootstrapLock, owner, migrationLockTTL)
	if err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	if !acquired {
		logger.L().Info("migrations skipped: another instance holds the lock")
		return nil
	}
	defer func() {
		if err := s.store.ReleaseLock(context.WithoutCancel(ctx), migrationBootstrapLock, owner); err != nil {
			logger.L().Warn("release migration lock failed", zap.Error(err))
		}
	}()

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{migrationUsageIndexV2, s.store.RebuildUsageIndices},
		{migrationAlltimeModel, s.store.AggregateAlltimeModelStats},
		{migrationGlobalStats, s.runGlobalStats},
		{migrationCostInit, s.store.InitCostKeysFromTokenBuckets},
		{migrationGroupReverse, s.groups.RebuildReverseIndex},
	}

	for _, step := range steps {
		done, err := s.store.MarkerExists(ctx, step.name)
		if err != nil {
			return fmt.Errorf("migration %s: check marker: %w", step.name, err)
		}
		if done {
			continue
		}

		started := time.Now()
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("migration %s: %w", step.name, err)
		}
		if err := s.store.SetMarker(ctx, step.name); err != nil {
			return fmt.Errorf("migration %s: set marker: %w", step.name, err)
		}
		logger.L().Info("migration completed",
			zap.String("name", step.name),
			zap.Duration("elapsed", time.Since(started)))
	}
	return nil
}

// runGlobalStats 全局聚合键已存在时不覆盖（在线入账可能已写入）。
func (s *MigrationService) runGlobalStats(ctx context.Context) error {
	derived, err := s.store.DeriveGlobalTotals(ctx)
	if err != nil {
		return err
	}
	if !derived {
		logger.L().Info("global totals already present, derivation skipped")
	}
	return nil
}
