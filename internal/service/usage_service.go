package service

import (
	"context"
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/domain"
	"llmrelay/internal/pkg/logger"
	"llmrelay/internal/pkg/timeutil"

	"go.uber.org/zap"
)

// 模型名归一化。统计口径只认归一化后的名字，
// 同一模型经 Bedrock / 原生两条链路进来必须落到同一个桶。
var (
	// 区域前缀含 us / eu / apac / us-gov 等形态
	bedrockRegionPrefixRe = regexp.MustCompile(`^[a-z]{2,5}(?:-gov)?\.`)
	modelVersionSuffixRe  = regexp.MustCompile(`-v\d+:\d+$`)
)

// NormalizeModelName 统一模型名：Bedrock 形态去区域前缀与 anthropic. 前缀、
// 去 -vN:M 版本后缀；其余去 -vN:M 与 :latest。幂等。
func NormalizeModelName(model string) string {
	m := strings.TrimSpace(model)
	if m == "" {
		return m
	}
	if strings.Contains(m, "anthropic.") || strings.Contains(m, ".claude") {
		m = bedrockRegionPrefixRe.ReplaceAllString(m, "")
		m = strings.TrimPrefix(m, "anthropic.")
		m = modelVersionSuffixRe.ReplaceAllString(m, "")
		return m
	}
	m = modelVersionSuffixRe.ReplaceAllString(m, "")
	m = strings.TrimSuffix(m, ":latest")
	return m
}

// opusEligiblePlatforms 周期 Opus 计费只统计这几类账号上的 Claude 系请求。
var opusEligiblePlatforms = map[string]struct{}{
	domain.PlatformClaude:        {},
	domain.PlatformClaudeConsole: {},
	domain.PlatformCCR:           {},
}

// OpusEligible 判断一次请求是否计入周期 Opus 费用。
func OpusEligible(model, platform string) bool {
	if !IsClaudeFamily(model) {
		return false
	}
	_, ok := opusEligiblePlatforms[platform]
	return ok
}

// CompletedRequest 中继完成后交给入账的全部事实。
// Usage 由各 provider 适配层解析，这里不碰响应体。
type CompletedRequest struct {
	Key     *APIKey
	Account *Account

	RequestID  string
	Model      string // 客户端请求的模型名，未归一化
	Usage      TokenUsage
	BetaHeader string
	Speed      string

	ResponseTime time.Duration
	FinishedAt   time.Time

	// RatedCost/RealCost 由上游链路预计算时带入；零值触发重新计费
	PrecomputedCost *CostBreakdown
}

// usageRecord usage:records:<keyId> 里的事件结构。
type usageRecord struct {
	Timestamp         string  `json:"timestamp"`
	RequestID         string  `json:"requestId"`
	Model             string  `json:"model"`
	AccountID         string  `json:"accountId"`
	AccountType       string  `json:"accountType"`
	InputTokens       int64   `json:"inputTokens"`
	OutputTokens      int64   `json:"outputTokens"`
	CacheCreateTokens int64   `json:"cacheCreateTokens"`
	CacheReadTokens   int64   `json:"cacheReadTokens"`
	Ephemeral5m       int64   `json:"ephemeral5mTokens,omitempty"`
	Ephemeral1h       int64   `json:"ephemeral1hTokens,omitempty"`
	IsLongContext     bool    `json:"isLongContextRequest,omitempty"`
	RealCost          float64 `json:"realCost"`
	RatedCost         float64 `json:"ratedCost"`
	ResponseTimeMs    int64   `json:"responseTimeMs"`
}

// UsageService 请求完成后的入账编排：计费、聚合、限流窗口累加。
type UsageService struct {
	usage     UsageStore
	rateLimit RateLimitStore
	keys      APIKeyStore
	pricing   *PricingService
	cal       *timeutil.Calendar
	cfg       *config.Config
}

func NewUsageService(usage UsageStore, rateLimit RateLimitStore, keys APIKeyStore,
	pricing *PricingService, cal *timeutil.Calendar, cfg *config.Config) *UsageService {
	return &UsageService{
		usage:     usage,
		rateLimit: rateLimit,
		keys:      keys,
		pricing:   pricing,
		cal:       cal,
		cfg:       cfg,
	}
}

// globalServiceRate 全局服务倍率，未配置为 1。
func (s *UsageService) globalServiceRate(service string) float64 {
	if rate, ok := s.cfg.Gateway.ServiceRates[service]; ok && rate > 0 {
		return rate
	}
	return 1
}

// Cost 计算一次请求的 real / rated 费用。
// rated = real × 全局服务倍率 × key 服务倍率；real 不受倍率影响。
func (s *UsageService) Cost(req *CompletedRequest) (real, rated float64, breakdown CostBreakdown) {
	if req.PrecomputedCost != nil {
		breakdown = *req.PrecomputedCost
	} else {
		breakdown = s.pricing.CalculateCost(CostRequest{
			Model:      req.Model,
			Usage:      req.Usage,
			BetaHeader: req.BetaHeader,
			Speed:      req.Speed,
		})
	}
	real = breakdown.Total
	service := ""
	if req.Account != nil {
		service = req.Account.Platform
	}
	rated = real * s.globalServiceRate(service) * req.Key.ServiceRate(service)
	return real, rated, breakdown
}

// RecordUsage 入账一次已完成请求。
// 入账失败只记日志不回传：统计绝不能挂掉主链路。
func (s *UsageService) RecordUsage(ctx context.Context, req *CompletedRequest) {
	if req.Key == nil {
		return
	}
	now := req.FinishedAt
	if now.IsZero() {
		now = s.cal.Now()
	}

	model := NormalizeModelName(req.Model)
	real, rated, breakdown := s.Cost(req)

	accountID, accountType, platform := "", "", ""
	if req.Account != nil {
		accountID = req.Account.ID
		accountType = req.Account.AccountType
		platform = req.Account.Platform
	}

	d := &UsageDelta{
		KeyID:     req.Key.ID,
		AccountID: accountID,
		Model:     model,

		InputTokens:       req.Usage.InputTokens,
		OutputTokens:      req.Usage.OutputTokens,
		CacheCreateTokens: req.Usage.CacheCreationTokens,
		CacheReadTokens:   req.Usage.CacheReadTokens,
		Ephemeral5mTokens: req.Usage.Ephemeral5mTokens,
		Ephemeral1hTokens: req.Usage.Ephemeral1hTokens,

		IsLongContext: breakdown.IsLongContextRequest,
		RealCost:      real,
		RatedCost:     rated,

		Date:   s.cal.DateString(now),
		Month:  s.cal.MonthString(now),
		Hour:   s.cal.HourString(now),
		Minute: now.Unix() / 60,
	}

	if OpusEligible(model, platform) {
		d.OpusEligible = true
		d.OpusPeriod = s.cal.PeriodString(now, req.Key.WeeklyResetDay, req.Key.WeeklyResetHour)
	}

	record := usageRecord{
		Timestamp:         now.Format(time.RFC3339),
		RequestID:         req.RequestID,
		Model:             model,
		AccountID:         accountID,
		AccountType:       accountType,
		InputTokens:       d.InputTokens,
		OutputTokens:      d.OutputTokens,
		CacheCreateTokens: d.CacheCreateTokens,
		CacheReadTokens:   d.CacheReadTokens,
		Ephemeral5m:       d.Ephemeral5mTokens,
		Ephemeral1h:       d.Ephemeral1hTokens,
		IsLongContext:     d.IsLongContext,
		RealCost:          real,
		RatedCost:         rated,
		ResponseTimeMs:    req.ResponseTime.Milliseconds(),
	}
	if raw, err := json.Marshal(record); err == nil {
		d.RecordJSON = string(raw)
	}

	if err := s.usage.IncrementTokenUsage(ctx, d); err != nil {
		logger.L().Error("usage: key-side accounting failed",
			zap.String("keyId", req.Key.ID), zap.Error(err))
	}
	if err := s.usage.IncrementAccountUsage(ctx, d); err != nil {
		logger.L().Error("usage: account-side accounting failed",
			zap.String("accountId", accountID), zap.Error(err))
	}

	// 限流窗口的 token / cost 事后累加（请求数已在准入时累加）
	tokens := d.AllTokens()
	// 与存储侧同口径：四舍五入到微美元
	costMicro := int64(math.Round(rated * 1e6))
	if tokens > 0 || costMicro > 0 {
		windowSec := req.Key.RateLimitWindowSeconds(s.cfg.RateLimit.DefaultWindowSeconds)
		if _, _, err := s.rateLimit.AddUsage(ctx, req.Key.ID, now.Unix(), windowSec, tokens, costMicro); err != nil {
			logger.L().Warn("usage: rate limit usage update failed",
				zap.String("keyId", req.Key.ID), zap.Error(err))
		}
	}

	firstUse := req.Key.ActivatedAt == nil && req.Key.ActivationDuration > 0
	if err := s.keys.TouchLastUsed(ctx, req.Key.ID, now, firstUse); err != nil {
		logger.L().Warn("usage: touch key lastUsedAt failed",
			zap.String("keyId", req.Key.ID), zap.Error(err))
	}
}

// KeyUsageSummary key 自助用量查询的返回结构。
type KeyUsageSummary struct {
	Totals     map[string]int64 `json:"totals"`
	Today      map[string]int64 `json:"today"`
	DailyCost  float64          `json:"dailyCost"`
	TotalCost  float64          `json:"totalCost"`
	WeeklyOpus float64          `json:"weeklyOpusCost,omitempty"`
}

// Summary 聚合 key 的用量概览（/api/v1/usage 与管理端共用）。
func (s *UsageService) Summary(ctx context.Context, key *APIKey) (*KeyUsageSummary, error) {
	now := s.cal.Now()
	date := s.cal.DateString(now)

	totals, err := s.usage.GetKeyTotals(ctx, key.ID)
	if err != nil {
		return nil, err
	}
	today, err := s.usage.GetKeyDaily(ctx, key.ID, date)
	if err != nil {
		return nil, err
	}
	dailyCost, err := s.usage.GetDailyCost(ctx, key.ID, date)
	if err != nil {
		return nil, err
	}
	totalCost, err := s.usage.GetTotalCost(ctx, key.ID)
	if err != nil {
		return nil, err
	}

	out := &KeyUsageSummary{
		Totals:    totals,
		Today:     today,
		DailyCost: dailyCost,
		TotalCost: totalCost,
	}
	if key.WeeklyOpusCostLimit > 0 {
		period := s.cal.PeriodString(now, key.WeeklyResetDay, key.WeeklyResetHour)
		opus, err := s.usage.GetWeeklyOpusCost(ctx, key.ID, period)
		if err != nil {
			return nil, err
		}
		out.WeeklyOpus = opus
	}
	return out, nil
}

// Records 返回 key 最近的请求事件。
func (s *UsageService) Records(ctx context.Context, keyID string, limit int64) ([]json.RawMessage, error) {
	raws, err := s.usage.GetRecords(ctx, keyID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(raws))
	for _, raw := range raws {
		out = append(out, json.RawMessage(raw))
	}
	return out, nil
}
