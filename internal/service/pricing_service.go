package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/pkg/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/imroc/req/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Beta 标志。出现在 anthropic-beta 请求头中。
const (
	betaContext1M = "context-1m-2025-08-07"
	betaFastMode  = "fast-mode-2026-02-01"
)

// 200K+ 档位的输入阈值
const longContextThreshold = 200_000

// Claude 系缓存价格比例：写 1.25x、读 0.1x、1h 写 2x，均基于生效输入价。
const (
	claudeCacheCreateRatio = 1.25
	claudeCacheReadRatio   = 0.1
	claudeCache1hRatio     = 2.0
)

// 非 Claude 系模型的 1h 缓存兜底价（美元/token），按关键字匹配。
var cache1hFamilyDefaults = []struct {
	keyword string
	price   float64
}{
	{"opus", 30.0 / 1e6},
	{"sonnet", 6.0 / 1e6},
	{"haiku-4-5", 2.0 / 1e6},
	{"haiku", 1.6 / 1e6},
}

// ModelPricing 价格表单条目，字段与上游 JSON 对齐（美元/token）。
type ModelPricing struct {
	InputCostPerToken  float64 `json:"input_cost_per_token"`
	OutputCostPerToken float64 `json:"output_cost_per_token"`

	CacheCreationInputTokenCost float64 `json:"cache_creation_input_token_cost,omitempty"`
	CacheReadInputTokenCost     float64 `json:"cache_read_input_token_cost,omitempty"`

	InputCostPerTokenAbove200k           float64 `json:"input_cost_per_token_above_200k_tokens,omitempty"`
	OutputCostPerTokenAbove200k          float64 `json:"output_cost_per_token_above_200k_tokens,omitempty"`
	CacheCreationInputTokenCostAbove200k float64 `json:"cache_creation_input_token_cost_above_200k_tokens,omitempty"`
	CacheReadInputTokenCostAbove200k     float64 `json:"cache_read_input_token_cost_above_200k_tokens,omitempty"`

	CacheCreationInputTokenCostAbove1h float64 `json:"cache_creation_input_token_cost_above_1hr,omitempty"`

	ProviderSpecific *ProviderSpecificPricing `json:"provider_specific_entry,omitempty"`
}

type ProviderSpecificPricing struct {
	Fast float64 `json:"fast,omitempty"`
}

// TokenUsage 上游响应解析出的最终用量。
// Ephemeral5m/1h 为 cache_creation 的分桶拆分，没有拆分信息时为 0。
type TokenUsage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens     int64
	Ephemeral5mTokens   int64
	Ephemeral1hTokens   int64
}

// CostRequest 一次计费输入。
type CostRequest struct {
	Model      string
	Usage      TokenUsage
	BetaHeader string // anthropic-beta 原文
	Speed      string // speed / request_speed 字段
}

// CostBreakdown 计费明细（美元）。
type CostBreakdown struct {
	Input       float64
	Output      float64
	CacheWrite  float64
	CacheRead   float64
	Ephemeral5m float64
	Ephemeral1h float64
	Total       float64

	IsLongContextRequest bool
}

// PricingService 价格表加载与逐请求计费。
//
// 表来源按优先级：远端 URL（24h 重拉 + 10min 哈希轮询）> 本地 fallback 文件
// （fsnotify 监听，500ms 防抖重解析）> 内置兜底表。加载完成后计费是纯函数。
type PricingService struct {
	cfg    *config.Config
	client *req.Client

	mu        sync.RWMutex
	table     map[string]ModelPricing
	tableHash string // 当前表原文的 SHA-256，供哈希轮询比对

	sf       singleflight.Group
	stopCh   chan struct{}
	stopOnce sync.Once
	watcher  *fsnotify.Watcher
}

func NewPricingService(cfg *config.Config) (*PricingService, error) {
	client := req.C().
		SetTimeout(time.Duration(cfg.Pricing.RequestTimeout) * time.Second)
	if cfg.Pricing.ProxyURL != "" {
		client.SetProxyURL(cfg.Pricing.ProxyURL)
	}

	s := &PricingService{
		cfg:    cfg,
		client: client,
		stopCh: make(chan struct{}),
	}

	// 内置兜底表先就位，任何外部源失败都不会让计费空转
	if err := s.loadFromBytes(fallbackPricingJSON); err != nil {
		return nil, fmt.Errorf("pricing: load embedded fallback: %w", err)
	}
	if cfg.Pricing.FallbackFile != "" {
		if raw, err := os.ReadFile(cfg.Pricing.FallbackFile); err == nil {
			if err := s.loadFromBytes(raw); err != nil {
				logger.L().Warn("pricing: fallback file unparsable, keeping embedded table",
					zap.String("file", cfg.Pricing.FallbackFile), zap.Error(err))
			}
		}
	}

	if cfg.Pricing.URL != "" {
		if err := s.refreshFromRemote(); err != nil {
			logger.L().Warn("pricing: initial remote fetch failed", zap.Error(err))
		}
	}

	s.startBackground()
	return s, nil
}

func (s *PricingService) startBackground() {
	refreshEvery := time.Duration(s.cfg.Pricing.RefreshHours) * time.Hour
	hashEvery := time.Duration(s.cfg.Pricing.HashPollMinutes) * time.Minute

	if s.cfg.Pricing.URL != "" {
		go s.refreshLoop(refreshEvery)
		if s.cfg.Pricing.HashURL != "" {
			go s.hashPollLoop(hashEvery)
		}
	}
	if s.cfg.Pricing.FallbackFile != "" {
		s.startFileWatch()
	}
}

func (s *PricingService) refreshLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.refreshFromRemote(); err != nil {
				logger.L().Warn("pricing: scheduled refresh failed", zap.Error(err))
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *PricingService) hashPollLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.pollHash()
		case <-s.stopCh:
			return
		}
	}
}

// pollHash 拉取远端哈希，与本地表哈希不一致时立即重拉全表。
func (s *PricingService) pollHash() {
	resp, err := s.client.R().Get(s.cfg.Pricing.HashURL)
	if err != nil || resp.IsErrorState() {
		return
	}
	remote := strings.TrimSpace(resp.String())
	if remote == "" {
		return
	}
	s.mu.RLock()
	local := s.tableHash
	s.mu.RUnlock()
	if !strings.EqualFold(remote, local) {
		if err := s.refreshFromRemote(); err != nil {
			logger.L().Warn("pricing: hash-triggered refresh failed", zap.Error(err))
		}
	}
}

// refreshFromRemote 拉取远端价格表；singleflight 合并并发触发。
func (s *PricingService) refreshFromRemote() error {
	_, err, _ := s.sf.Do("refresh", func() (interface{}, error) {
		resp, err := s.client.R().Get(s.cfg.Pricing.URL)
		if err != nil {
			return nil, fmt.Errorf("pricing: fetch %s: %w", s.cfg.Pricing.URL, err)
		}
		if resp.IsErrorState() {
			return nil, fmt.Errorf("pricing: fetch %s: status %d", s.cfg.Pricing.URL, resp.StatusCode)
		}
		raw := resp.Bytes()
		if err := s.loadFromBytes(raw); err != nil {
			return nil, err
		}
		// 远端表落地，重启后优先生效
		if s.cfg.Pricing.FallbackFile != "" {
			if err := os.WriteFile(s.cfg.Pricing.FallbackFile, raw, 0o644); err != nil {
				logger.L().Warn("pricing: persist table failed", zap.Error(err))
			}
		}
		logger.L().Info("pricing: table refreshed", zap.Int("models", s.ModelCount()))
		return nil, nil
	})
	return err
}

// startFileWatch fsnotify 监听 fallback 文件，500ms 防抖后重解析。
func (s *PricingService) startFileWatch() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.L().Warn("pricing: file watcher unavailable", zap.Error(err))
		return
	}
	if err := watcher.Add(s.cfg.Pricing.FallbackFile); err != nil {
		logger.L().Warn("pricing: watch fallback file failed",
			zap.String("file", s.cfg.Pricing.FallbackFile), zap.Error(err))
		_ = watcher.Close()
		return
	}
	s.watcher = watcher

	go func() {
		var debounce *time.Timer
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					raw, err := os.ReadFile(s.cfg.Pricing.FallbackFile)
					if err != nil {
						return
					}
					if err := s.loadFromBytes(raw); err != nil {
						logger.L().Warn("pricing: reload on change failed", zap.Error(err))
						return
					}
					logger.L().Info("pricing: table reloaded from file",
						zap.Int("models", s.ModelCount()))
				})
			case <-watcher.Errors:
			case <-s.stopCh:
				return
			}
		}
	}()
}

func (s *PricingService) loadFromBytes(raw []byte) error {
	var table map[string]ModelPricing
	if err := json.Unmarshal(raw, &table); err != nil {
		return fmt.Errorf("pricing: parse table: %w", err)
	}
	if len(table) == 0 {
		return fmt.Errorf("pricing: empty table")
	}
	sum := sha256.Sum256(raw)

	s.mu.Lock()
	s.table = table
	s.tableHash = hex.EncodeToString(sum[:])
	s.mu.Unlock()
	return nil
}

func (s *PricingService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.watcher != nil {
			_ = s.watcher.Close()
		}
	})
}

func (s *PricingService) ModelCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.table)
}

// Models 返回当前表内全部模型名（排序后），/api/v1/models 用。
func (s *PricingService) Models() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.table))
	for name := range s.table {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Lookup 返回模型价格条目。
func (s *PricingService) Lookup(model string) (ModelPricing, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.table[model]
	return p, ok
}

// IsClaudeFamily 判断是否 Claude 系模型（缓存比例与 200K 档兜底的分界）。
func IsClaudeFamily(model string) bool {
	return strings.Contains(strings.ToLower(model), "claude")
}

// stripContext1MSuffix 去掉 [1m] 后缀用于查表，返回是否带后缀。
func stripContext1MSuffix(model string) (string, bool) {
	if strings.HasSuffix(model, "[1m]") {
		return strings.TrimSuffix(model, "[1m]"), true
	}
	return model, false
}

// CalculateCost 单次请求计费。模型未入表时费用为 0（调用方已约定
// 计费失败不阻断请求）。
func (s *PricingService) CalculateCost(r CostRequest) CostBreakdown {
	lookupModel, had1mSuffix := stripContext1MSuffix(r.Model)
	context1M := had1mSuffix || strings.Contains(r.BetaHeader, betaContext1M)

	u := r.Usage
	totalInput := u.InputTokens + u.CacheCreationTokens + u.CacheReadTokens
	longContext := context1M && totalInput > longContextThreshold

	pricing, ok := s.Lookup(lookupModel)
	if !ok {
		logger.L().Warn("pricing: model not in table, billing zero",
			zap.String("model", lookupModel))
		return CostBreakdown{IsLongContextRequest: longContext}
	}

	claude := IsClaudeFamily(lookupModel)

	// 200K+ 档：有专档价用专档价；Claude 系缺档时输入按 2x 兜底、输出保持基础价
	inputPrice := pricing.InputCostPerToken
	outputPrice := pricing.OutputCostPerToken
	if longContext {
		switch {
		case pricing.InputCostPerTokenAbove200k > 0:
			inputPrice = pricing.InputCostPerTokenAbove200k
		case claude:
			inputPrice = 2 * pricing.InputCostPerToken
		}
		if pricing.OutputCostPerTokenAbove200k > 0 {
			outputPrice = pricing.OutputCostPerTokenAbove200k
		}
	}

	// Fast Mode 倍率只作用于输入/输出，缓存价不受影响
	fastMultiplier := 1.0
	if strings.Contains(r.BetaHeader, betaFastMode) && r.Speed == "fast" {
		if pricing.ProviderSpecific != nil && pricing.ProviderSpecific.Fast > 0 {
			fastMultiplier = pricing.ProviderSpecific.Fast
		} else {
			logger.L().Warn("pricing: fast mode requested without fast entry, multiplier 1",
				zap.String("model", lookupModel))
		}
	}

	// 缓存价：Claude 系按生效输入价的固定比例；其余读表 + 1h 兜底价
	var cacheCreatePrice, cacheReadPrice, cache1hPrice float64
	if claude {
		cacheCreatePrice = inputPrice * claudeCacheCreateRatio
		cacheReadPrice = inputPrice * claudeCacheReadRatio
		cache1hPrice = inputPrice * claudeCache1hRatio
	} else {
		cacheCreatePrice = pricing.CacheCreationInputTokenCost
		cacheReadPrice = pricing.CacheReadInputTokenCost
		if longContext && pricing.CacheCreationInputTokenCostAbove200k > 0 {
			cacheCreatePrice = pricing.CacheCreationInputTokenCostAbove200k
		}
		if longContext && pricing.CacheReadInputTokenCostAbove200k > 0 {
			cacheReadPrice = pricing.CacheReadInputTokenCostAbove200k
		}
		cache1hPrice = pricing.CacheCreationInputTokenCostAbove1h
		if cache1hPrice == 0 {
			cache1hPrice = cache1hDefaultPrice(lookupModel)
		}
	}

	b := CostBreakdown{IsLongContextRequest: longContext}
	b.Input = float64(u.InputTokens) * inputPrice * fastMultiplier
	b.Output = float64(u.OutputTokens) * outputPrice * fastMultiplier
	b.CacheRead = float64(u.CacheReadTokens) * cacheReadPrice

	// 5m/1h 拆分存在时分桶计费，否则聚合量全按写入价
	if u.Ephemeral5mTokens > 0 || u.Ephemeral1hTokens > 0 {
		b.Ephemeral5m = float64(u.Ephemeral5mTokens) * cacheCreatePrice
		b.Ephemeral1h = float64(u.Ephemeral1hTokens) * cache1hPrice
		b.CacheWrite = b.Ephemeral5m + b.Ephemeral1h
	} else {
		b.CacheWrite = float64(u.CacheCreationTokens) * cacheCreatePrice
	}

	b.Total = b.Input + b.Output + b.CacheWrite + b.CacheRead
	return b
}

func cache1hDefaultPrice(model string) float64 {
	lower := strings.ToLower(model)
	for _, f := range cache1hFamilyDefaults {
		if strings.Contains(lower, f.keyword) {
			return f.price
		}
	}
	return 0
}
