package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"llmrelay/internal/domain"
	"llmrelay/internal/service"

	"github.com/redis/go-redis/v9"
)

// AccountRepo 各平台账号哈希的统一读写层。
// 平台差异只体现在键前缀上，字段布局完全一致。
type AccountRepo struct {
	rdb   *redis.Client
	store *Store
}

func NewAccountRepo(rdb *redis.Client, store *Store) service.AccountStore {
	return &AccountRepo{rdb: rdb, store: store}
}

func (r *AccountRepo) Get(ctx context.Context, platform, id string) (*service.Account, error) {
	data, err := r.rdb.HGetAll(ctx, accountKey(platform, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall account: %w", err)
	}
	if len(data) == 0 {
		return nil, service.ErrAccountNotFound
	}
	return accountFromHash(platform, id, data), nil
}

// ListIDs 枚举平台全部账号 id，索引缺失时回退 SCAN 回填。
func (r *AccountRepo) ListIDs(ctx context.Context, platform string) ([]string, error) {
	prefix := platformAccountPrefix[platform]
	if prefix == "" {
		return nil, fmt.Errorf("unknown platform %q", platform)
	}
	pattern := regexp.MustCompile("^" + regexp.QuoteMeta(prefix) + "([0-9a-zA-Z-]+)$")
	ids, err := r.store.GetAllIDsByIndex(ctx, accountIndexKey(platform), prefix+"*", pattern)
	if err != nil {
		return nil, err
	}
	// 索引键自身也匹配 prefix+*，SCAN 回退时会被提取成伪 id
	out := ids[:0]
	for _, id := range ids {
		if id != "index" {
			out = append(out, id)
		}
	}
	return out, nil
}

// ListByPlatform 批量加载平台账号。
func (r *AccountRepo) ListByPlatform(ctx context.Context, platform string) ([]*service.Account, error) {
	ids, err := r.ListIDs(ctx, platform)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, accountKey(platform, id))
	}
	rows, err := r.store.BatchHGetAll(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]*service.Account, 0, len(keys))
	for _, id := range ids {
		if data := rows[accountKey(platform, id)]; len(data) > 0 {
			out = append(out, accountFromHash(platform, id, data))
		}
	}
	return out, nil
}

// Save 全量写入账号并维护平台索引。
func (r *AccountRepo) Save(ctx context.Context, a *service.Account) error {
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, accountKey(a.Platform, a.ID), accountToHash(a))
	pipe.SAdd(ctx, accountIndexKey(a.Platform), a.ID)
	pipe.Del(ctx, accountIndexKey(a.Platform)+":empty")
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// Delete 物理删除账号并摘除索引。绑定重写与分组摘除由服务层完成。
func (r *AccountRepo) Delete(ctx context.Context, platform, id string) error {
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, accountKey(platform, id))
	pipe.SRem(ctx, accountIndexKey(platform), id)
	pipe.Del(ctx, accountBalanceKey(platform, id), accountBalanceLocalKey(platform, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

// UpdateStatus 中继侧的状态流转（unauthorized/blocked/temp_error 等）。
func (r *AccountRepo) UpdateStatus(ctx context.Context, platform, id, status, errorMessage string) error {
	fields := map[string]interface{}{"status": status}
	if errorMessage != "" {
		fields["errorMessage"] = errorMessage
	}
	if err := r.rdb.HSet(ctx, accountKey(platform, id), fields).Err(); err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	return nil
}

// SetRateLimited 标记/清除账号限流状态。
func (r *AccountRepo) SetRateLimited(ctx context.Context, platform, id string, limited bool, resetAt *time.Time) error {
	key := accountKey(platform, id)
	if !limited {
		if err := r.rdb.HDel(ctx, key, "rateLimitStatus", "rateLimitedAt", "rateLimitResetAt").Err(); err != nil {
			return fmt.Errorf("clear account rate limit: %w", err)
		}
		return nil
	}
	fields := map[string]interface{}{
		"rateLimitStatus": domain.RateLimitStatusLimited,
		"rateLimitedAt":   time.Now().Format(time.RFC3339),
	}
	if resetAt != nil {
		fields["rateLimitResetAt"] = resetAt.Format(time.RFC3339)
	}
	if err := r.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("set account rate limit: %w", err)
	}
	return nil
}

// TouchLastUsed 调度选中后更新 lastUsedAt。
func (r *AccountRepo) TouchLastUsed(ctx context.Context, platform, id string, now time.Time) error {
	if err := r.rdb.HSet(ctx, accountKey(platform, id), "lastUsedAt", now.Format(time.RFC3339)).Err(); err != nil {
		return fmt.Errorf("touch account: %w", err)
	}
	return nil
}

// SetSchedulable 管理端开关。
func (r *AccountRepo) SetSchedulable(ctx context.Context, platform, id string, schedulable bool) error {
	if err := r.rdb.HSet(ctx, accountKey(platform, id), "schedulable", strconv.FormatBool(schedulable)).Err(); err != nil {
		return fmt.Errorf("set account schedulable: %w", err)
	}
	return nil
}

// ---- hash <-> struct ----

func accountToHash(a *service.Account) map[string]interface{} {
	fields := map[string]interface{}{
		"id":              a.ID,
		"name":            a.Name,
		"platform":        a.Platform,
		"credential":      a.Credential,
		"endpointType":    a.EndpointType,
		"baseUrl":         a.BaseURL,
		"proxy":           a.Proxy,
		"priority":        strconv.Itoa(a.Priority),
		"accountType":     a.AccountType,
		"groupIds":        marshalStrings(a.GroupIDs),
		"isActive":        strconv.FormatBool(a.IsActive),
		"schedulable":     strconv.FormatBool(a.Schedulable),
		"status":          a.Status,
		"modelMapping":    marshalMapping(a.ModelMapping),
		"supportedModels": marshalStrings(a.SupportedModels),
		"dailyUsage":      formatFloat(a.DailyUsage),
		"lastResetDate":   a.LastResetDate,
		"errorMessage":    a.ErrorMessage,
		"createdAt":       a.CreatedAt.Format(time.RFC3339),
	}
	if a.RateLimitStatus != "" {
		fields["rateLimitStatus"] = a.RateLimitStatus
	}
	if a.RateLimitedAt != nil {
		fields["rateLimitedAt"] = a.RateLimitedAt.Format(time.RFC3339)
	}
	if a.RateLimitResetAt != nil {
		fields["rateLimitResetAt"] = a.RateLimitResetAt.Format(time.RFC3339)
	}
	if a.SubscriptionExpiresAt != nil {
		fields["subscriptionExpiresAt"] = a.SubscriptionExpiresAt.Format(time.RFC3339)
	}
	if a.QuotaStoppedAt != nil {
		fields["quotaStoppedAt"] = a.QuotaStoppedAt.Format(time.RFC3339)
	}
	if a.LastUsedAt != nil {
		fields["lastUsedAt"] = a.LastUsedAt.Format(time.RFC3339)
	}
	return fields
}

func accountFromHash(platform, id string, data map[string]string) *service.Account {
	a := &service.Account{
		ID:              id,
		Name:            data["name"],
		Platform:        platform,
		Credential:      data["credential"],
		EndpointType:    data["endpointType"],
		BaseURL:         data["baseUrl"],
		Proxy:           data["proxy"],
		Priority:        int(parseInt64(data["priority"])),
		AccountType:     data["accountType"],
		GroupIDs:        unmarshalStrings(data["groupIds"]),
		IsActive:        parseBool(data["isActive"]),
		Status:          data["status"],
		RateLimitStatus: data["rateLimitStatus"],
		ModelMapping:    unmarshalMapping(data["modelMapping"]),
		SupportedModels: unmarshalStrings(data["supportedModels"]),
		DailyUsage:      parseFloat(data["dailyUsage"]),
		LastResetDate:   data["lastResetDate"],
		ErrorMessage:    data["errorMessage"],
	}
	// schedulable 字段缺失视为可调度（历史数据没有该字段）
	if raw, ok := data["schedulable"]; ok {
		a.Schedulable = parseBool(raw)
	} else {
		a.Schedulable = true
	}
	a.RateLimitedAt = parseTimePtr(data["rateLimitedAt"])
	a.RateLimitResetAt = parseTimePtr(data["rateLimitResetAt"])
	a.SubscriptionExpiresAt = parseTimePtr(data["subscriptionExpiresAt"])
	a.QuotaStoppedAt = parseTimePtr(data["quotaStoppedAt"])
	a.LastUsedAt = parseTimePtr(data["lastUsedAt"])
	if t := parseTimePtr(data["createdAt"]); t != nil {
		a.CreatedAt = *t
	}
	return a
}

func marshalMapping(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func unmarshalMapping(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" {
		return nil
	}
	var out map[string]string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}
