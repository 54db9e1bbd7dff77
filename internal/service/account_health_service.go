package service

import (
	"context"
	"strings"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/domain"
	"llmrelay/internal/pkg/logger"
	"llmrelay/internal/util/logredact"

	"go.uber.org/zap"
)

// AccountHealthService 把上游错误落到账号状态上，并负责自动恢复。
// 状态翻转后立即失效调度快照，让下一次选号看到最新状态。
type AccountHealthService struct {
	accounts  AccountStore
	scheduler *SchedulerService
	timers    *TimingWheelService
	cfg       *config.Config
}

func NewAccountHealthService(accounts AccountStore, scheduler *SchedulerService,
	timers *TimingWheelService, cfg *config.Config) *AccountHealthService {
	return &AccountHealthService{
		accounts:  accounts,
		scheduler: scheduler,
		timers:    timers,
		cfg:       cfg,
	}
}

// HandleUpstreamError 按上游状态码处置账号。
// 401 → unauthorized，403 → blocked，429 → 限流标记 + 自动解除，
// 5xx → temp_error + 定时恢复；其余状态码不动账号。
func (s *AccountHealthService) HandleUpstreamError(ctx context.Context, account *Account, status int, body string) {
	switch {
	case status == 401:
		s.setStatus(ctx, account, domain.AccountStatusUnauthorized, truncateError(body))
	case status == 403:
		s.setStatus(ctx, account, domain.AccountStatusBlocked, truncateError(body))
	case status == 429:
		s.markRateLimited(ctx, account)
	case status >= 500:
		s.markTempError(ctx, account, truncateError(body))
	}
}

func (s *AccountHealthService) setStatus(ctx context.Context, account *Account, status, errMsg string) {
	if err := s.accounts.UpdateStatus(ctx, account.Platform, account.ID, status, errMsg); err != nil {
		logger.L().Error("account health: status update failed",
			zap.String("accountId", account.ID), zap.String("status", status), zap.Error(err))
		return
	}
	logger.L().Warn("account marked by upstream error",
		zap.String("accountId", account.ID),
		zap.String("platform", account.Platform),
		zap.String("status", status))
	s.scheduler.InvalidateSnapshot(account.Platform)
}

// markRateLimited 打限流标记并排自动解除定时器。
func (s *AccountHealthService) markRateLimited(ctx context.Context, account *Account) {
	clearAfter := time.Duration(s.cfg.Gateway.RateLimitAutoClearMinutes) * time.Minute
	resetAt := time.Now().Add(clearAfter)

	if err := s.accounts.SetRateLimited(ctx, account.Platform, account.ID, true, &resetAt); err != nil {
		logger.L().Error("account health: set rate limited failed",
			zap.String("accountId", account.ID), zap.Error(err))
		return
	}
	logger.L().Warn("account rate limited by upstream",
		zap.String("accountId", account.ID),
		zap.String("platform", account.Platform),
		zap.Time("resetAt", resetAt))
	s.scheduler.InvalidateSnapshot(account.Platform)

	platform, id := account.Platform, account.ID
	s.timers.Schedule("ratelimit:clear:"+id, clearAfter, func() {
		s.ClearRateLimit(context.Background(), platform, id)
	})
}

// markTempError 标记临时故障并排恢复定时器。
func (s *AccountHealthService) markTempError(ctx context.Context, account *Account, errMsg string) {
	s.setStatus(ctx, account, domain.AccountStatusTempError, errMsg)

	recoverAfter := time.Duration(s.cfg.Gateway.TempErrorRecoverMinutes) * time.Minute
	platform, id := account.Platform, account.ID
	s.timers.Schedule("temperr:recover:"+id, recoverAfter, func() {
		s.recoverTempError(context.Background(), platform, id)
	})
}

// ClearRateLimit 解除限流标记（定时器触发或管理端手动）。
func (s *AccountHealthService) ClearRateLimit(ctx context.Context, platform, accountID string) {
	if err := s.accounts.SetRateLimited(ctx, platform, accountID, false, nil); err != nil {
		logger.L().Error("account health: clear rate limit failed",
			zap.String("accountId", accountID), zap.Error(err))
		return
	}
	logger.L().Info("account rate limit cleared",
		zap.String("accountId", accountID), zap.String("platform", platform))
	s.scheduler.InvalidateSnapshot(platform)
}

// recoverTempError 只恢复仍处于 temp_error 的账号；期间被升级成其他状态则不动。
func (s *AccountHealthService) recoverTempError(ctx context.Context, platform, accountID string) {
	account, err := s.accounts.Get(ctx, platform, accountID)
	if err != nil {
		if err != ErrAccountNotFound {
			logger.L().Error("account health: recover lookup failed",
				zap.String("accountId", accountID), zap.Error(err))
		}
		return
	}
	if account.Status != domain.AccountStatusTempError {
		return
	}
	if err := s.accounts.UpdateStatus(ctx, platform, accountID, domain.AccountStatusActive, ""); err != nil {
		logger.L().Error("account health: recover failed",
			zap.String("accountId", accountID), zap.Error(err))
		return
	}
	logger.L().Info("account recovered from temp error",
		zap.String("accountId", accountID), zap.String("platform", platform))
	s.scheduler.InvalidateSnapshot(platform)
}

// truncateError 错误信息脱敏并截断后入库，避免把凭证或超长响应体写进账号哈希。
func truncateError(body string) string {
	body = strings.TrimSpace(body)
	if strings.HasPrefix(body, "{") {
		body = logredact.RedactJSON([]byte(body))
	}
	if len(body) > 500 {
		return body[:500]
	}
	return body
}
