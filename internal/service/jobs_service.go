package service

import (
	"context"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/pkg/logger"
	"llmrelay/internal/pkg/timeutil"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	jobLockWeeklyOpus = "job:weekly_opus_backfill"
	jobLockIndexMaint = "job:index_maintenance"
	jobLockTTL        = 30 * time.Minute
)

// JobsService 周期后台任务：每日周期 Opus 费用重建、每小时索引巡检。
// 多实例部署下靠存储侧锁保证同一时刻只有一个实例执行。
type JobsService struct {
	store MigrationStore
	keys  APIKeyStore
	cal   *timeutil.Calendar
	cfg   *config.Config

	cron *cron.Cron
}

func NewJobsService(store MigrationStore, keys APIKeyStore, cal *timeutil.Calendar, cfg *config.Config) *JobsService {
	return &JobsService{
		store: store,
		keys:  keys,
		cal:   cal,
		cfg:   cfg,
		cron:  cron.New(cron.WithLocation(cal.Location())),
	}
}

// Start 注册并启动全部 cron 任务。jobs.enabled=false 时整体关闭。
func (s *JobsService) Start() error {
	if !s.cfg.Jobs.Enabled {
		logger.L().Info("background jobs disabled by config")
		return nil
	}
	if _, err := s.cron.AddFunc(s.cfg.Jobs.WeeklyOpusBackfillCron, s.runWeeklyOpusBackfill); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(s.cfg.Jobs.IndexMaintenanceCron, s.runIndexMaintenance); err != nil {
		return err
	}
	s.cron.Start()
	logger.L().Info("background jobs started",
		zap.String("weeklyOpusCron", s.cfg.Jobs.WeeklyOpusBackfillCron),
		zap.String("indexMaintenanceCron", s.cfg.Jobs.IndexMaintenanceCron))
	return nil
}

// Stop 停止调度并等待在跑任务结束。
func (s *JobsService) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// withJobLock 抢到存储侧锁才执行；抢不到说明别的实例在跑。
func (s *JobsService) withJobLock(name string, fn func(ctx context.Context)) {
	ctx := context.Background()
	owner := uuid.NewString()
	acquired, err := s.store.AcquireLock(ctx, name, owner, jobLockTTL)
	if err != nil {
		logger.L().Error("job lock acquire failed", zap.String("job", name), zap.Error(err))
		return
	}
	if !acquired {
		return
	}
	defer func() {
		if err := s.store.ReleaseLock(ctx, name, owner); err != nil {
			logger.L().Warn("job lock release failed", zap.String("job", name), zap.Error(err))
		}
	}()
	fn(ctx)
}

// runWeeklyOpusBackfill 对设置了周期 Opus 上限的 key 从日粒度桶重建周期计数。
// 在线入账可能因实例重启丢增量，每日重建保证计数兜底收敛。
func (s *JobsService) runWeeklyOpusBackfill() {
	s.withJobLock(jobLockWeeklyOpus, func(ctx context.Context) {
		started := time.Now()
		keys, err := s.keys.List(ctx)
		if err != nil {
			logger.L().Error("opus backfill: list keys failed", zap.Error(err))
			return
		}

		now := s.cal.Now()
		rebuilt := 0
		for _, key := range keys {
			if key.IsDeleted || key.WeeklyOpusCostLimit <= 0 {
				continue
			}
			period := s.cal.PeriodString(now, key.WeeklyResetDay, key.WeeklyResetHour)
			dates := s.periodDates(now, key.WeeklyResetDay, key.WeeklyResetHour)

			total, err := s.store.RebuildWeeklyOpus(ctx, key.ID, period, dates, IsClaudeFamily)
			if err != nil {
				logger.L().Error("opus backfill: rebuild failed",
					zap.String("keyId", key.ID), zap.Error(err))
				continue
			}
			if total > 0 {
				rebuilt++
			}
		}
		logger.L().Info("weekly opus backfill finished",
			zap.Int("keys", len(keys)),
			zap.Int("rebuilt", rebuilt),
			zap.Duration("elapsed", time.Since(started)))
	})
}

// periodDates 周期起点到今天的全部日期（统计口径时区）。
func (s *JobsService) periodDates(now time.Time, resetDay, resetHour int) []string {
	start := s.cal.PeriodStart(now, resetDay, resetHour)
	dates := make([]string, 0, 8)
	for d := start; !d.After(now); d = d.AddDate(0, 0, 1) {
		dates = append(dates, s.cal.DateString(d))
	}
	return dates
}

// runIndexMaintenance 重扫索引集并刷新版本号。
func (s *JobsService) runIndexMaintenance() {
	s.withJobLock(jobLockIndexMaint, func(ctx context.Context) {
		started := time.Now()
		if err := s.store.RebuildUsageIndices(ctx); err != nil {
			logger.L().Error("index maintenance: rebuild failed", zap.Error(err))
			return
		}
		version := s.cal.Now().Format(time.RFC3339)
		if err := s.keys.SetIndexVersion(ctx, version); err != nil {
			logger.L().Warn("index maintenance: version write failed", zap.Error(err))
		}
		logger.L().Info("index maintenance finished",
			zap.String("version", version),
			zap.Duration("elapsed", time.Since(started)))
	})
}
