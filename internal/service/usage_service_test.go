package service

import (
	"context"
	"testing"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/domain"
	"llmrelay/internal/pkg/timeutil"

	"github.com/stretchr/testify/require"
)

func TestNormalizeModelName(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"claude-sonnet-4-5", "claude-sonnet-4-5"},
		{"anthropic.claude-sonnet-4-5-v1:0", "claude-sonnet-4-5"},
		{"us.anthropic.claude-opus-4-5-v2:1", "claude-opus-4-5"},
		{"us-gov.anthropic.claude-haiku-4-5-v1:0", "claude-haiku-4-5"},
		{"apac.anthropic.claude-sonnet-4-5-v1:0", "claude-sonnet-4-5"},
		{"eu.anthropic.claude-opus-4-5-v1:0", "claude-opus-4-5"},
		{"jp.anthropic.claude-sonnet-4-5-v2:0", "claude-sonnet-4-5"},
		{"gemini-2.5-pro:latest", "gemini-2.5-pro"},
		{"gpt-5-v1:0", "gpt-5"},
		{"  claude-sonnet-4-5 ", "claude-sonnet-4-5"},
		{"", ""},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, NormalizeModelName(tc.in), "input %q", tc.in)
		// 幂等
		require.Equal(t, tc.want, NormalizeModelName(tc.want))
	}
}

func TestOpusEligible(t *testing.T) {
	require.True(t, OpusEligible("claude-opus-4-5", domain.PlatformClaude))
	require.True(t, OpusEligible("claude-sonnet-4-5", domain.PlatformClaudeConsole))
	require.True(t, OpusEligible("claude-opus-4-5", domain.PlatformCCR))
	require.False(t, OpusEligible("claude-opus-4-5", domain.PlatformBedrock))
	require.False(t, OpusEligible("gpt-5", domain.PlatformOpenAI))
}

type usageTestEnv struct {
	svc       *UsageService
	usage     *fakeUsageStore
	rateLimit *fakeRateLimitStore
	keys      *fakeAPIKeyStore
}

func newUsageTestEnv(t *testing.T, cfg *config.Config) *usageTestEnv {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}
	cfg.Pricing.RequestTimeout = 5
	cfg.RateLimit.DefaultWindowSeconds = 60

	pricing, err := NewPricingService(cfg)
	require.NoError(t, err)
	t.Cleanup(pricing.Stop)
	require.NoError(t, pricing.loadFromBytes([]byte(testPricingTable)))

	env := &usageTestEnv{
		usage:     newFakeUsageStore(),
		rateLimit: &fakeRateLimitStore{allowed: true},
		keys:      newFakeAPIKeyStore(),
	}
	env.svc = NewUsageService(env.usage, env.rateLimit, env.keys,
		pricing, timeutil.NewCalendar(0), cfg)
	return env
}

func TestCostAppliesServiceRates(t *testing.T) {
	cfg := &config.Config{}
	cfg.Gateway.ServiceRates = map[string]float64{domain.PlatformClaude: 2}
	env := newUsageTestEnv(t, cfg)

	req := &CompletedRequest{
		Key:     &APIKey{ID: "k-1", ServiceRates: map[string]float64{domain.PlatformClaude: 1.5}},
		Account: &Account{ID: "acc-1", Platform: domain.PlatformClaude},
		Model:   "claude-opus-4-5",
		Usage:   TokenUsage{InputTokens: 1000},
	}
	real, rated, _ := env.svc.Cost(req)
	require.InDelta(t, 0.015, real, 1e-12)
	// rated = real × 全局倍率 2 × key 倍率 1.5
	require.InDelta(t, 0.045, rated, 1e-12)
}

func TestCostUsesPrecomputedBreakdown(t *testing.T) {
	env := newUsageTestEnv(t, nil)

	req := &CompletedRequest{
		Key:             &APIKey{ID: "k-1"},
		Model:           "unlisted-model",
		PrecomputedCost: &CostBreakdown{Total: 1.23},
	}
	real, rated, _ := env.svc.Cost(req)
	require.InDelta(t, 1.23, real, 1e-12)
	require.InDelta(t, 1.23, rated, 1e-12)
}

func TestRecordUsage(t *testing.T) {
	env := newUsageTestEnv(t, nil)
	key := &APIKey{ID: "k-1", WeeklyResetDay: 1}

	env.keys.byID["k-1"] = key
	finished := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)

	env.svc.RecordUsage(context.Background(), &CompletedRequest{
		Key:       key,
		Account:   &Account{ID: "acc-1", Platform: domain.PlatformClaude, AccountType: "shared"},
		RequestID: "req-1",
		Model:     "anthropic.claude-opus-4-5-v1:0",
		Usage: TokenUsage{
			InputTokens:         1000,
			OutputTokens:        100,
			CacheCreationTokens: 200,
			CacheReadTokens:     400,
		},
		FinishedAt: finished,
	})

	require.Len(t, env.usage.increments, 1)
	d := env.usage.increments[0]
	require.Equal(t, "k-1", d.KeyID)
	require.Equal(t, "acc-1", d.AccountID)
	// 模型名入账前归一化
	require.Equal(t, "claude-opus-4-5", d.Model)
	require.Equal(t, "2026-08-25", d.Date)
	require.Equal(t, "2026-08", d.Month)
	require.Equal(t, "2026-08-25:10", d.Hour)
	require.Equal(t, finished.Unix()/60, d.Minute)
	require.True(t, d.OpusEligible)
	require.NotEmpty(t, d.OpusPeriod)
	require.NotEmpty(t, d.RecordJSON)
	require.InDelta(t, 0.02685, d.RealCost, 1e-9)

	// 限流窗口事后累加 token 与费用；费用四舍五入到微美元
	require.Equal(t, int64(1700), env.rateLimit.tokens)
	require.Equal(t, int64(26850), env.rateLimit.costMicro)

	require.NotNil(t, key.LastUsedAt)
}

func TestRecordUsageBedrockNotOpusEligible(t *testing.T) {
	env := newUsageTestEnv(t, nil)
	key := &APIKey{ID: "k-1"}
	env.keys.byID["k-1"] = key

	env.svc.RecordUsage(context.Background(), &CompletedRequest{
		Key:     key,
		Account: &Account{ID: "acc-1", Platform: domain.PlatformBedrock},
		Model:   "us.anthropic.claude-opus-4-5-v1:0",
		Usage:   TokenUsage{InputTokens: 10},
	})

	require.Len(t, env.usage.increments, 1)
	require.False(t, env.usage.increments[0].OpusEligible)
	require.Empty(t, env.usage.increments[0].OpusPeriod)
}
