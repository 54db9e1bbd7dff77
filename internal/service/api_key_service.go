package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/domain"
	"llmrelay/internal/pkg/logger"
	"llmrelay/internal/pkg/timeutil"

	"go.uber.org/zap"
)

// APIKeyService 认证、额度与并发准入。
// 预检顺序固定：模型限制 → 费用上限 → 周期 Opus → 限流窗口 → 并发/排队。
type APIKeyService struct {
	authCache   *APIKeyAuthCache
	usage       UsageStore
	rateLimit   RateLimitStore
	concurrency ConcurrencyStore
	queue       QueueStore
	cal         *timeutil.Calendar
	cfg         *config.Config
}

func NewAPIKeyService(authCache *APIKeyAuthCache, usage UsageStore, rateLimit RateLimitStore,
	concurrency ConcurrencyStore, queue QueueStore, cal *timeutil.Calendar, cfg *config.Config) *APIKeyService {
	return &APIKeyService{
		authCache:   authCache,
		usage:       usage,
		rateLimit:   rateLimit,
		concurrency: concurrency,
		queue:       queue,
		cal:         cal,
		cfg:         cfg,
	}
}

// Authenticate 按明文 key 认证并校验记录有效性。
func (s *APIKeyService) Authenticate(ctx context.Context, rawKey string) (*APIKey, error) {
	if rawKey == "" {
		return nil, NewRelayError(ErrKindInvalidCredentials, "missing api key")
	}
	key, err := s.authCache.Load(ctx, HashAPIKey(rawKey))
	if err == ErrAPIKeyNotFound {
		return nil, NewRelayError(ErrKindInvalidCredentials, "unknown api key")
	}
	if err != nil {
		return nil, WrapRelayError(ErrKindStoreUnavailable, "api key lookup", err)
	}

	switch {
	case key.IsDeleted:
		return nil, NewRelayError(ErrKindKeyDeleted, "api key deleted")
	case !key.IsActive:
		return nil, NewRelayError(ErrKindKeyInactive, "api key disabled")
	case key.IsExpired(time.Now()):
		return nil, NewRelayError(ErrKindKeyExpired, "api key expired")
	}
	return key, nil
}

// CheckQuota 准入前的额度与限流预检。model 为归一化前的请求模型名。
func (s *APIKeyService) CheckQuota(ctx context.Context, key *APIKey, model string) error {
	if !key.ModelAllowed(model) {
		return NewRelayError(ErrKindModelNotAllowed,
			fmt.Sprintf("model %q not allowed for this key", model))
	}

	now := s.cal.Now()
	date := s.cal.DateString(now)

	if key.DailyCostLimit > 0 {
		spent, err := s.usage.GetDailyCost(ctx, key.ID, date)
		if err != nil {
			return WrapRelayError(ErrKindStoreUnavailable, "daily cost read", err)
		}
		if spent >= key.DailyCostLimit {
			return NewRelayError(ErrKindQuotaExceeded, "daily cost limit reached").
				WithHint("x-ratelimit-limit-cost", formatCost(key.DailyCostLimit)).
				WithHint("x-ratelimit-remaining-cost", "0")
		}
	}

	if key.TotalCostLimit > 0 {
		spent, err := s.usage.GetTotalCost(ctx, key.ID)
		if err != nil {
			return WrapRelayError(ErrKindStoreUnavailable, "total cost read", err)
		}
		if spent >= key.TotalCostLimit {
			return NewRelayError(ErrKindQuotaExceeded, "total cost limit reached")
		}
	}

	// 周期 Opus 上限只对 Claude 系模型生效；账号归属在入账时兜底判定
	if key.WeeklyOpusCostLimit > 0 && IsClaudeFamily(NormalizeModelName(model)) {
		period := s.cal.PeriodString(now, key.WeeklyResetDay, key.WeeklyResetHour)
		spent, err := s.usage.GetWeeklyOpusCost(ctx, key.ID, period)
		if err != nil {
			return WrapRelayError(ErrKindStoreUnavailable, "weekly opus cost read", err)
		}
		if spent >= key.WeeklyOpusCostLimit {
			return NewRelayError(ErrKindQuotaExceeded, "weekly opus cost limit reached")
		}
	}

	return s.checkRateLimit(ctx, key, now)
}

// checkRateLimit 请求数预检即计数；token/cost 维度比较上次入账后的累计值。
func (s *APIKeyService) checkRateLimit(ctx context.Context, key *APIKey, now time.Time) error {
	windowSec := key.RateLimitWindowSeconds(s.cfg.RateLimit.DefaultWindowSeconds)

	state, err := s.rateLimit.CheckRequest(ctx, key.ID, now.Unix(), windowSec, key.RateLimitRequests)
	if err != nil {
		return WrapRelayError(ErrKindStoreUnavailable, "rate limit check", err)
	}
	if !state.Allowed {
		reset := state.WindowStart + int64(windowSec)
		return NewRelayError(ErrKindRateLimited, "request rate limit reached").
			WithHint("x-ratelimit-limit-requests", strconv.FormatInt(key.RateLimitRequests, 10)).
			WithHint("x-ratelimit-remaining-requests", "0").
			WithHint("x-ratelimit-reset", strconv.FormatInt(reset, 10))
	}

	if key.RateLimitTokens > 0 || key.RateLimitCost > 0 {
		tokens, costMicro, err := s.rateLimit.Usage(ctx, key.ID)
		if err != nil {
			return WrapRelayError(ErrKindStoreUnavailable, "rate limit usage read", err)
		}
		if key.RateLimitTokens > 0 && tokens >= key.RateLimitTokens {
			return NewRelayError(ErrKindRateLimited, "token rate limit reached").
				WithHint("x-ratelimit-limit-tokens", strconv.FormatInt(key.RateLimitTokens, 10)).
				WithHint("x-ratelimit-remaining-tokens", "0")
		}
		if key.RateLimitCost > 0 && float64(costMicro)/1e6 >= key.RateLimitCost {
			return NewRelayError(ErrKindRateLimited, "cost rate limit reached").
				WithHint("x-ratelimit-limit-cost", formatCost(key.RateLimitCost)).
				WithHint("x-ratelimit-remaining-cost", "0")
		}
	}

	// token 总额上限（非窗口），allTokens 口径
	if key.TokenLimit > 0 {
		totals, err := s.usage.GetKeyTotals(ctx, key.ID)
		if err != nil {
			return WrapRelayError(ErrKindStoreUnavailable, "key totals read", err)
		}
		if totals["allTokens"] >= key.TokenLimit {
			return NewRelayError(ErrKindQuotaExceeded, "token limit reached")
		}
	}
	return nil
}

// Admit 并发准入。返回时要么持有租约，要么带类别错误退出。
// maxConcurrency<=0 表示不限并发，直接取租约。
func (s *APIKeyService) Admit(ctx context.Context, key *APIKey, requestID string) error {
	if key.MaxConcurrency <= 0 {
		if _, err := s.concurrency.Acquire(ctx, key.ID, requestID); err != nil {
			return WrapRelayError(ErrKindStoreUnavailable, "concurrency acquire", err)
		}
		return nil
	}

	count, err := s.concurrency.Acquire(ctx, key.ID, requestID)
	if err != nil {
		return WrapRelayError(ErrKindStoreUnavailable, "concurrency acquire", err)
	}
	if count <= int64(key.MaxConcurrency) {
		return nil
	}
	// 超限：退出活跃集，转入排队
	if _, err := s.concurrency.Release(ctx, key.ID, requestID); err != nil {
		logger.L().Warn("admit: rollback over-limit acquire failed",
			zap.String("keyId", key.ID), zap.Error(err))
	}
	return s.waitInQueue(ctx, key, requestID)
}

// waitInQueue FIFO 排队：计数器先入，轮询活跃数，任何退出路径都回收计数。
func (s *APIKeyService) waitInQueue(ctx context.Context, key *APIKey, requestID string) error {
	timeout := time.Duration(s.cfg.Queue.DefaultTimeoutMs) * time.Millisecond
	pollEvery := time.Duration(s.cfg.Queue.PollIntervalMs) * time.Millisecond

	if _, err := s.queue.Incr(ctx, key.ID, timeout); err != nil {
		return WrapRelayError(ErrKindStoreUnavailable, "queue enter", err)
	}
	s.recordOutcome(ctx, key.ID, domain.QueueOutcomeEntered)

	start := time.Now()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.leaveQueue(ctx, key.ID, domain.QueueOutcomeCancelled)
			return NewRelayError(ErrKindClientDisconnect, "client disconnected while queued")

		case <-deadline.C:
			s.leaveQueue(ctx, key.ID, domain.QueueOutcomeTimeout)
			return NewRelayError(ErrKindQueueTimeout,
				fmt.Sprintf("queue wait exceeded %s", timeout))

		case <-ticker.C:
			count, err := s.concurrency.Acquire(ctx, key.ID, requestID)
			if err != nil {
				s.leaveQueue(ctx, key.ID, domain.QueueOutcomeCancelled)
				return WrapRelayError(ErrKindStoreUnavailable, "concurrency acquire", err)
			}
			if count <= int64(key.MaxConcurrency) {
				s.leaveQueue(ctx, key.ID, domain.QueueOutcomeSuccess)
				if err := s.queue.RecordWaitTime(ctx, key.ID, time.Since(start)); err != nil {
					logger.L().Warn("admit: record wait time failed", zap.Error(err))
				}
				return nil
			}
			if _, err := s.concurrency.Release(ctx, key.ID, requestID); err != nil {
				logger.L().Warn("admit: rollback poll acquire failed",
					zap.String("keyId", key.ID), zap.Error(err))
			}
		}
	}
}

func (s *APIKeyService) leaveQueue(ctx context.Context, keyID, outcome string) {
	if _, err := s.queue.Decr(ctx, keyID); err != nil {
		logger.L().Warn("admit: queue decr failed", zap.String("keyId", keyID), zap.Error(err))
	}
	s.recordOutcome(ctx, keyID, outcome)
}

func (s *APIKeyService) recordOutcome(ctx context.Context, keyID, outcome string) {
	if err := s.queue.RecordOutcome(ctx, keyID, outcome); err != nil {
		logger.L().Warn("admit: queue stats failed", zap.String("keyId", keyID), zap.Error(err))
	}
}

// StartLeaseRenewal 在请求存续期间按周期续租；返回停止函数。
func (s *APIKeyService) StartLeaseRenewal(ctx context.Context, keyID, requestID string) (stop func()) {
	interval := time.Duration(s.cfg.Concurrency.RenewIntervalSeconds) * time.Second
	done := make(chan struct{})

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ok, err := s.concurrency.RefreshLease(ctx, keyID, requestID)
				if err != nil {
					logger.L().Warn("lease renew failed",
						zap.String("keyId", keyID), zap.String("requestId", requestID), zap.Error(err))
					continue
				}
				if !ok {
					// 租约已不存在（被清理或已释放）
					return
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

// Release 请求结束（成功/失败/断连）后释放并发槽。
func (s *APIKeyService) Release(ctx context.Context, keyID, requestID string) {
	if _, err := s.concurrency.Release(ctx, keyID, requestID); err != nil {
		logger.L().Warn("concurrency release failed",
			zap.String("keyId", keyID), zap.String("requestId", requestID), zap.Error(err))
	}
}

func formatCost(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
