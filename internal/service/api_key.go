package service

import (
	"strings"
	"time"

	"llmrelay/internal/domain"
)

// APIKey 调用方凭证。明文 key 不落库，只保留内容哈希。
type APIKey struct {
	ID               string
	HashedKey        string
	Name             string
	Tags             []string
	IsActive         bool
	IsDeleted        bool
	OwnerDisplayName string

	AllowedClients         []string
	RestrictedModels       []string
	EnableModelRestriction bool

	TokenLimit          int64
	DailyCostLimit      float64
	TotalCostLimit      float64
	WeeklyOpusCostLimit float64
	WeeklyResetDay      int // ISO 1-7
	WeeklyResetHour     int // 0-23

	RateLimitWindow   int // 秒
	RateLimitRequests int64
	RateLimitTokens   int64
	RateLimitCost     float64

	MaxConcurrency int

	// ActivationDuration 首次使用后的有效时长（小时），0 表示不限
	ActivationDuration int
	ActivatedAt        *time.Time

	// ServiceRates 服务维度的计费倍率（service → multiplier）
	ServiceRates map[string]float64

	// 平台绑定。取值：空 | <accountId> | group:<id> | api:<id> | responses:<id>
	ClaudeAccountID        string
	ClaudeConsoleAccountID string
	GeminiAccountID        string
	OpenAIAccountID        string
	BedrockAccountID       string
	DroidAccountID         string
	CCRAccountID           string

	ExpiresAt  *time.Time
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// BindingKind 绑定值的类型
type BindingKind int

const (
	BindingNone BindingKind = iota
	BindingRaw
	BindingGroup
	BindingAPI
	BindingResponses
)

// ParseBinding 拆解绑定字段的类型前缀。
func ParseBinding(value string) (BindingKind, string) {
	value = strings.TrimSpace(value)
	switch {
	case value == "":
		return BindingNone, ""
	case strings.HasPrefix(value, domain.BindingPrefixGroup):
		return BindingGroup, strings.TrimPrefix(value, domain.BindingPrefixGroup)
	case strings.HasPrefix(value, domain.BindingPrefixAPI):
		return BindingAPI, strings.TrimPrefix(value, domain.BindingPrefixAPI)
	case strings.HasPrefix(value, domain.BindingPrefixResponses):
		return BindingResponses, strings.TrimPrefix(value, domain.BindingPrefixResponses)
	default:
		return BindingRaw, value
	}
}

// BindingForEndpoint 返回端点对应的绑定字段原始值。
func (k *APIKey) BindingForEndpoint(endpoint string) string {
	switch endpoint {
	case domain.EndpointAnthropic:
		if k.ClaudeAccountID != "" {
			return k.ClaudeAccountID
		}
		return k.ClaudeConsoleAccountID
	case domain.EndpointOpenAI:
		return k.OpenAIAccountID
	case domain.EndpointGemini:
		return k.GeminiAccountID
	case domain.EndpointBedrock:
		return k.BedrockAccountID
	case domain.EndpointDroid, domain.EndpointComm:
		return k.DroidAccountID
	default:
		return ""
	}
}

// CCRBinding 返回 ccr 平台绑定（anthropic 端点上与 claude 绑定并存）。
func (k *APIKey) CCRBinding() string {
	return k.CCRAccountID
}

// IsExpired 综合 expiresAt 与首次使用激活窗口判断。
func (k *APIKey) IsExpired(now time.Time) bool {
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return true
	}
	if k.ActivationDuration > 0 && k.ActivatedAt != nil {
		deadline := k.ActivatedAt.Add(time.Duration(k.ActivationDuration) * time.Hour)
		if now.After(deadline) {
			return true
		}
	}
	return false
}

// ModelAllowed 模型限制检查；未开启限制时放行。
func (k *APIKey) ModelAllowed(model string) bool {
	if !k.EnableModelRestriction || len(k.RestrictedModels) == 0 {
		return true
	}
	for _, m := range k.RestrictedModels {
		if strings.EqualFold(strings.TrimSpace(m), model) {
			return true
		}
	}
	return false
}

// ServiceRate 返回该 key 在指定服务上的倍率，未配置为 1。
func (k *APIKey) ServiceRate(service string) float64 {
	if len(k.ServiceRates) == 0 {
		return 1
	}
	if rate, ok := k.ServiceRates[service]; ok && rate > 0 {
		return rate
	}
	return 1
}

// RateLimitWindowSeconds 返回限流窗口长度，未配置取默认值。
func (k *APIKey) RateLimitWindowSeconds(defaultSeconds int) int {
	if k.RateLimitWindow > 0 {
		return k.RateLimitWindow
	}
	return defaultSeconds
}
