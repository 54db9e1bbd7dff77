// Package service provides business logic and domain services for the application.
package service

import (
	"strings"
	"time"

	"llmrelay/internal/domain"
)

// Account 上游账号（凭证 + 端点）。所有平台共用同一结构，
// 平台差异只体现在 Platform/EndpointType 与调度过滤上。
type Account struct {
	ID       string
	Name     string
	Platform string

	// Credential 加密存储的凭证（OAuth token 或 API Key），使用前解密
	Credential   string
	EndpointType string // droid: anthropic|openai|comm
	BaseURL      string
	Proxy        string

	Priority    int // 1-100，越小越优先，缺省 50
	AccountType string
	GroupIDs    []string

	IsActive    bool
	Schedulable bool
	Status      string

	RateLimitStatus  string
	RateLimitedAt    *time.Time
	RateLimitResetAt *time.Time

	ModelMapping    map[string]string
	SupportedModels []string

	SubscriptionExpiresAt *time.Time
	DailyUsage            float64
	LastResetDate         string
	QuotaStoppedAt        *time.Time
	ErrorMessage          string

	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// unschedulableStatuses 命中即从候选集中剔除
var unschedulableStatuses = map[string]struct{}{
	domain.AccountStatusError:        {},
	domain.AccountStatusUnauthorized: {},
	domain.AccountStatusBlocked:      {},
	domain.AccountStatusTempError:    {},
}

func (a *Account) IsSchedulable() bool {
	if a == nil || !a.IsActive || !a.Schedulable {
		return false
	}
	if _, bad := unschedulableStatuses[a.Status]; bad {
		return false
	}
	if a.IsRateLimited() {
		return false
	}
	return true
}

func (a *Account) IsRateLimited() bool {
	if a.RateLimitStatus != domain.RateLimitStatusLimited {
		return false
	}
	// 设置了恢复时间则按恢复时间判断，否则维持限流直到被清除
	if a.RateLimitResetAt != nil {
		return time.Now().Before(*a.RateLimitResetAt)
	}
	return true
}

// SupportsModel 判断账号能否服务请求的模型。
// supportedModels 为空表示不限；modelMapping 非空时要求命中映射键。
func (a *Account) SupportsModel(model string) bool {
	if model == "" {
		return true
	}
	if len(a.ModelMapping) > 0 && !a.hasMappingFor(model) {
		return false
	}
	if len(a.SupportedModels) == 0 {
		return true
	}
	for _, m := range a.SupportedModels {
		if strings.EqualFold(strings.TrimSpace(m), model) {
			return true
		}
	}
	return false
}

func (a *Account) hasMappingFor(model string) bool {
	for k := range a.ModelMapping {
		if strings.EqualFold(k, model) {
			return true
		}
	}
	return false
}

// MappedModel 返回映射后的上游模型名；无映射时原样返回。
func (a *Account) MappedModel(model string) string {
	for k, v := range a.ModelMapping {
		if strings.EqualFold(k, model) && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return model
}

// ServesEndpoint 判断账号能否服务请求端点。
// 仅 droid 平台区分 endpointType：comm 通吃，anthropic/openai 互通。
func (a *Account) ServesEndpoint(endpoint string) bool {
	if a.Platform != domain.PlatformDroid {
		return true
	}
	et := a.EndpointType
	if et == "" || et == domain.EndpointComm {
		return true
	}
	switch endpoint {
	case "", domain.EndpointComm, domain.EndpointDroid:
		return true
	case domain.EndpointAnthropic, domain.EndpointOpenAI:
		return et == domain.EndpointAnthropic || et == domain.EndpointOpenAI
	default:
		return et == endpoint
	}
}

// EffectivePriority 返回排序用优先级，未设置按 50。
func (a *Account) EffectivePriority() int {
	if a.Priority <= 0 {
		return 50
	}
	return a.Priority
}

// LastUsedAtMillis 返回排序用的最近使用时间，从未使用为 0（排最前）。
func (a *Account) LastUsedAtMillis() int64 {
	if a.LastUsedAt == nil {
		return 0
	}
	return a.LastUsedAt.UnixMilli()
}
