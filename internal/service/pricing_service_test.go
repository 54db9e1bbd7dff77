package service

import (
	"testing"

	"llmrelay/internal/config"

	"github.com/stretchr/testify/require"
)

const testPricingTable = `{
  "claude-opus-4-5": {
    "input_cost_per_token": 0.000015,
    "output_cost_per_token": 0.000075,
    "provider_specific_entry": {"fast": 1.5}
  },
  "gpt-5": {
    "input_cost_per_token": 0.00000125,
    "output_cost_per_token": 0.00001,
    "cache_creation_input_token_cost": 0.000002,
    "cache_read_input_token_cost": 0.000000125
  }
}`

func newTestPricing(t *testing.T) *PricingService {
	t.Helper()
	cfg := &config.Config{}
	cfg.Pricing.RequestTimeout = 5

	s, err := NewPricingService(cfg)
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	// 构造后内置兜底表已就位
	require.Greater(t, s.ModelCount(), 0)
	require.NoError(t, s.loadFromBytes([]byte(testPricingTable)))
	return s
}

func TestCalculateCostClaudeBase(t *testing.T) {
	s := newTestPricing(t)

	b := s.CalculateCost(CostRequest{
		Model: "claude-opus-4-5",
		Usage: TokenUsage{
			InputTokens:         1000,
			OutputTokens:        100,
			CacheCreationTokens: 200,
			CacheReadTokens:     400,
		},
	})

	require.InDelta(t, 0.015, b.Input, 1e-12)
	require.InDelta(t, 0.0075, b.Output, 1e-12)
	// Claude 系缓存价：写 1.25x、读 0.1x 输入价
	require.InDelta(t, 0.00375, b.CacheWrite, 1e-12)
	require.InDelta(t, 0.0006, b.CacheRead, 1e-12)
	require.InDelta(t, 0.02685, b.Total, 1e-12)
	require.False(t, b.IsLongContextRequest)
}

func TestCalculateCostLongContext(t *testing.T) {
	s := newTestPricing(t)

	// [1m] 后缀 + 输入超过 200K：无专档价时 Claude 系输入按 2x 兜底
	b := s.CalculateCost(CostRequest{
		Model: "claude-opus-4-5[1m]",
		Usage: TokenUsage{InputTokens: 250_000, OutputTokens: 100},
	})
	require.True(t, b.IsLongContextRequest)
	require.InDelta(t, 7.5, b.Input, 1e-9)
	require.InDelta(t, 0.0075, b.Output, 1e-12)

	// beta 头同样触发 1M 上下文档
	b = s.CalculateCost(CostRequest{
		Model:      "claude-opus-4-5",
		BetaHeader: betaContext1M,
		Usage:      TokenUsage{InputTokens: 250_000},
	})
	require.True(t, b.IsLongContextRequest)

	// 未超阈值不算长上下文
	b = s.CalculateCost(CostRequest{
		Model:      "claude-opus-4-5",
		BetaHeader: betaContext1M,
		Usage:      TokenUsage{InputTokens: 100_000},
	})
	require.False(t, b.IsLongContextRequest)
}

func TestCalculateCostFastMode(t *testing.T) {
	s := newTestPricing(t)
	usage := TokenUsage{InputTokens: 1000, CacheReadTokens: 400}

	b := s.CalculateCost(CostRequest{
		Model:      "claude-opus-4-5",
		BetaHeader: betaFastMode,
		Speed:      "fast",
		Usage:      usage,
	})
	// 倍率只作用于输入/输出，缓存价不动
	require.InDelta(t, 0.0225, b.Input, 1e-12)
	require.InDelta(t, 0.0006, b.CacheRead, 1e-12)

	// 缺 speed 字段不触发倍率
	b = s.CalculateCost(CostRequest{
		Model:      "claude-opus-4-5",
		BetaHeader: betaFastMode,
		Usage:      usage,
	})
	require.InDelta(t, 0.015, b.Input, 1e-12)
}

func TestCalculateCostTableCachePrices(t *testing.T) {
	s := newTestPricing(t)

	// 非 Claude 系读表定缓存价；5m/1h 拆分存在时分桶计费
	b := s.CalculateCost(CostRequest{
		Model: "gpt-5",
		Usage: TokenUsage{
			CacheCreationTokens: 150,
			CacheReadTokens:     800,
			Ephemeral5mTokens:   100,
			Ephemeral1hTokens:   50,
		},
	})
	require.InDelta(t, 0.0002, b.Ephemeral5m, 1e-12)
	require.InDelta(t, 0, b.Ephemeral1h, 1e-12)
	require.InDelta(t, b.Ephemeral5m+b.Ephemeral1h, b.CacheWrite, 1e-12)
	require.InDelta(t, 0.0001, b.CacheRead, 1e-12)

	// 无拆分时聚合量全按写入价
	b = s.CalculateCost(CostRequest{
		Model: "gpt-5",
		Usage: TokenUsage{CacheCreationTokens: 150},
	})
	require.InDelta(t, 0.0003, b.CacheWrite, 1e-12)
}

func TestCalculateCostUnknownModel(t *testing.T) {
	s := newTestPricing(t)

	b := s.CalculateCost(CostRequest{
		Model: "unlisted-model",
		Usage: TokenUsage{InputTokens: 1000, OutputTokens: 1000},
	})
	require.Zero(t, b.Total)
}

func TestPricingModels(t *testing.T) {
	s := newTestPricing(t)

	models := s.Models()
	require.Equal(t, []string{"claude-opus-4-5", "gpt-5"}, models)
	require.Equal(t, 2, s.ModelCount())

	_, ok := s.Lookup("claude-opus-4-5")
	require.True(t, ok)
	_, ok = s.Lookup("unlisted-model")
	require.False(t, ok)
}

func TestIsClaudeFamily(t *testing.T) {
	require.True(t, IsClaudeFamily("claude-opus-4-5"))
	require.True(t, IsClaudeFamily("Claude-Haiku-4-5"))
	require.False(t, IsClaudeFamily("gpt-5"))
	require.False(t, IsClaudeFamily("gemini-2.5-pro"))
}
