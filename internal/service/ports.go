package service

import (
	"context"
	"time"
)

// 仓储端口。实现方在 repository 包，按 Redis 键空间落地；
// 服务层只面向这些接口，单测用 miniredis 直接驱动真实实现。

// APIKeyStore apikey:<id> 哈希与 hash_map 反查。
type APIKeyStore interface {
	GetIDByHash(ctx context.Context, hash string) (string, error)
	GetByID(ctx context.Context, id string) (*APIKey, error)
	Save(ctx context.Context, key *APIKey) error
	MarkDeleted(ctx context.Context, key *APIKey) error
	TouchLastUsed(ctx context.Context, id string, now time.Time, firstUse bool) error
	ListIDs(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([]*APIKey, error)
	RewriteBinding(ctx context.Context, keyID, platform string) error
	SetIndexVersion(ctx context.Context, version string) error
}

// AccountStore 各平台账号哈希。
type AccountStore interface {
	Get(ctx context.Context, platform, id string) (*Account, error)
	ListIDs(ctx context.Context, platform string) ([]string, error)
	ListByPlatform(ctx context.Context, platform string) ([]*Account, error)
	Save(ctx context.Context, a *Account) error
	Delete(ctx context.Context, platform, id string) error
	UpdateStatus(ctx context.Context, platform, id, status, errorMessage string) error
	SetRateLimited(ctx context.Context, platform, id string, limited bool, resetAt *time.Time) error
	TouchLastUsed(ctx context.Context, platform, id string, now time.Time) error
	SetSchedulable(ctx context.Context, platform, id string, schedulable bool) error
}

// GroupStore 分组及双向成员索引。
type GroupStore interface {
	Get(ctx context.Context, id string) (*AccountGroup, error)
	Save(ctx context.Context, g *AccountGroup) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*AccountGroup, error)
	Members(ctx context.Context, groupID string) ([]string, error)
	AddMember(ctx context.Context, groupID, platform, accountID string) error
	RemoveMember(ctx context.Context, groupID, platform, accountID string) error
	GroupsOfAccount(ctx context.Context, platform, accountID string) ([]string, error)
	RebuildReverseIndex(ctx context.Context) error
}

// ConcurrencyStore 租约式活跃并发计数（key 维度与 Console 账号维度）。
type ConcurrencyStore interface {
	Acquire(ctx context.Context, keyID, requestID string) (int64, error)
	AcquireConsole(ctx context.Context, accountID, requestID string) (int64, error)
	RefreshLease(ctx context.Context, keyID, requestID string) (bool, error)
	RefreshConsoleLease(ctx context.Context, accountID, requestID string) (bool, error)
	Release(ctx context.Context, keyID, requestID string) (int64, error)
	ReleaseConsole(ctx context.Context, accountID, requestID string) (int64, error)
	ActiveCount(ctx context.Context, keyID string) (int64, error)
	ConsoleActiveCount(ctx context.Context, accountID string) (int64, error)
}

// QueueStore 排队计数、结果统计与等待耗时采样。
type QueueStore interface {
	Incr(ctx context.Context, keyID string, timeout time.Duration) (int64, error)
	Decr(ctx context.Context, keyID string) (int64, error)
	Depth(ctx context.Context, keyID string) (int64, error)
	RecordOutcome(ctx context.Context, keyID, outcome string) error
	Stats(ctx context.Context, keyID string) (map[string]string, error)
	RecordWaitTime(ctx context.Context, keyID string, wait time.Duration) error
}

// LockResult 账号串行锁 acquire 的结果。
// WaitMs>0 表示距上次完成不足最小间隔；WaitMs==-1 表示锁被占用。
type LockResult struct {
	Acquired bool
	WaitMs   int64
}

// AccountLockStore 账号级消息串行锁。
type AccountLockStore interface {
	Acquire(ctx context.Context, accountID, requestID string, lockTTLMs, delayMs int64) (LockResult, error)
	Release(ctx context.Context, accountID, requestID string) (bool, error)
	ForceRelease(ctx context.Context, accountID string) error
}

// SessionStore 粘性会话映射。
type SessionStore interface {
	Get(ctx context.Context, scopedHash string) (string, error)
	Set(ctx context.Context, scopedHash, accountID string) error
	RenewIfNeeded(ctx context.Context, scopedHash string) (bool, error)
	Delete(ctx context.Context, scopedHash string) error
}

// RateLimitState 请求数预检结果。
type RateLimitState struct {
	Allowed     bool
	Requests    int64
	WindowStart int64
}

// RateLimitStore API Key 维度的窗口限流计数。
type RateLimitStore interface {
	CheckRequest(ctx context.Context, keyID string, now int64, windowSec int, limit int64) (RateLimitState, error)
	AddUsage(ctx context.Context, keyID string, now int64, windowSec int, tokens, costMicro int64) (int64, int64, error)
	Usage(ctx context.Context, keyID string) (tokens, costMicro int64, err error)
	WindowResetAt(ctx context.Context, keyID string, windowSec int) (time.Time, error)
}

// UsageDelta 一次已完成请求的全部入账参数。
// Model 已归一化；费用为美元浮点，微美元转换在存储层完成。
type UsageDelta struct {
	KeyID     string
	AccountID string
	Model     string

	InputTokens       int64
	OutputTokens      int64
	CacheCreateTokens int64
	CacheReadTokens   int64
	Ephemeral5mTokens int64
	Ephemeral1hTokens int64

	IsLongContext bool
	RealCost      float64
	RatedCost     float64

	// 统计口径的桶标识，由 Calendar 预先计算
	Date   string
	Month  string
	Hour   string
	Minute int64 // unix 分钟

	// OpusPeriod 非空且 OpusEligible 时计入周期 Opus 费用
	OpusPeriod   string
	OpusEligible bool

	// RecordJSON 追加到 usage:records:<keyId> 的事件记录，空则跳过
	RecordJSON string
}

// AllTokens 四类 token 之和，allTokens 字段的累加口径。
func (d *UsageDelta) AllTokens() int64 {
	return d.InputTokens + d.OutputTokens + d.CacheCreateTokens + d.CacheReadTokens
}

// UsageStore 多维用量聚合的入账与读取。
type UsageStore interface {
	IncrementTokenUsage(ctx context.Context, d *UsageDelta) error
	IncrementAccountUsage(ctx context.Context, d *UsageDelta) error

	GetDailyCost(ctx context.Context, keyID, date string) (float64, error)
	GetTotalCost(ctx context.Context, keyID string) (float64, error)
	GetWeeklyOpusCost(ctx context.Context, keyID, period string) (float64, error)
	GetKeyTotals(ctx context.Context, keyID string) (map[string]int64, error)
	GetKeyDaily(ctx context.Context, keyID, date string) (map[string]int64, error)
	GetGlobalTotals(ctx context.Context) (map[string]int64, error)
	GetGlobalDaily(ctx context.Context, date string) (map[string]int64, error)
	GetRecords(ctx context.Context, keyID string, limit int64) ([]string, error)
	GetMinuteMetrics(ctx context.Context, fromMinute, toMinute int64) (map[int64]map[string]int64, error)
	ListActiveKeyIDs(ctx context.Context, date string) ([]string, error)
}

// MigrationStore 迁移标记、互斥锁与各回填任务的存储侧实现。
type MigrationStore interface {
	MarkerExists(ctx context.Context, name string) (bool, error)
	SetMarker(ctx context.Context, name string) error
	AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, owner string) error

	RebuildUsageIndices(ctx context.Context) error
	AggregateAlltimeModelStats(ctx context.Context) error
	DeriveGlobalTotals(ctx context.Context) (bool, error)
	InitCostKeysFromTokenBuckets(ctx context.Context) error
	RebuildWeeklyOpus(ctx context.Context, keyID, period string, dates []string, eligible func(model string) bool) (float64, error)
}
