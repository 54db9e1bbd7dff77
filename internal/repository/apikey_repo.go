package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"llmrelay/internal/service"

	"github.com/redis/go-redis/v9"
)

// apiKeyIDPattern 从 apikey:<uuid> 提取 id，排除 hash_map/idx 等兄弟键。
var apiKeyIDPattern = regexp.MustCompile(`^apikey:([0-9a-fA-F-]{36})$`)

// APIKeyRepo 负责 apikey:<id> 哈希及其索引的读写。
// 字段名与存量数据保持 camelCase，不可改名。
type APIKeyRepo struct {
	rdb   *redis.Client
	store *Store
}

func NewAPIKeyRepo(rdb *redis.Client, store *Store) service.APIKeyStore {
	return &APIKeyRepo{rdb: rdb, store: store}
}

// GetIDByHash 通过 key 哈希查 keyId。优先查 hash_map，未命中回退旧版
// apikey_hash:<hash> 单行结构并回填 hash_map。映射指向的 key 不存在时删除映射。
func (r *APIKeyRepo) GetIDByHash(ctx context.Context, hash string) (string, error) {
	id, err := r.rdb.HGet(ctx, apiKeyHashMapKey, hash).Result()
	if err != nil && err != redis.Nil {
		return "", fmt.Errorf("hget hash_map: %w", err)
	}

	if id == "" {
		// 旧版结构回退
		id, err = r.rdb.HGet(ctx, legacyAPIKeyHashKey(hash), "id").Result()
		if err != nil && err != redis.Nil {
			return "", fmt.Errorf("hget legacy hash: %w", err)
		}
		if id == "" {
			return "", service.ErrAPIKeyNotFound
		}
		// 回填新结构，失败不影响本次请求
		_ = r.rdb.HSet(ctx, apiKeyHashMapKey, hash, id).Err()
	}

	exists, err := r.rdb.Exists(ctx, apiKeyKey(id)).Result()
	if err != nil {
		return "", fmt.Errorf("exists apikey: %w", err)
	}
	if exists == 0 {
		// 悬空映射：key 已被物理清理
		_ = r.rdb.HDel(ctx, apiKeyHashMapKey, hash).Err()
		return "", service.ErrAPIKeyNotFound
	}
	return id, nil
}

func (r *APIKeyRepo) GetByID(ctx context.Context, id string) (*service.APIKey, error) {
	data, err := r.rdb.HGetAll(ctx, apiKeyKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall apikey: %w", err)
	}
	if len(data) == 0 {
		return nil, service.ErrAPIKeyNotFound
	}
	return apiKeyFromHash(id, data), nil
}

// Save 全量写入 key 记录并维护 hash_map 与 idx:all 索引。
func (r *APIKeyRepo) Save(ctx context.Context, key *service.APIKey) error {
	fields := apiKeyToHash(key)

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, apiKeyKey(key.ID), fields)
	if key.HashedKey != "" {
		pipe.HSet(ctx, apiKeyHashMapKey, key.HashedKey, key.ID)
	}
	pipe.SAdd(ctx, apiKeyIdxAllKey, key.ID)
	for _, tag := range key.Tags {
		pipe.SAdd(ctx, apiKeyTagsAllKey, tag)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save apikey: %w", err)
	}
	return nil
}

// MarkDeleted 逻辑删除：isDeleted=true 并摘除 hash_map 映射，保留历史用量。
func (r *APIKeyRepo) MarkDeleted(ctx context.Context, key *service.APIKey) error {
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, apiKeyKey(key.ID), "isDeleted", "true")
	if key.HashedKey != "" {
		pipe.HDel(ctx, apiKeyHashMapKey, key.HashedKey)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("mark apikey deleted: %w", err)
	}
	return nil
}

// TouchLastUsed 请求完成后更新 lastUsedAt；首次使用顺带落 activatedAt。
func (r *APIKeyRepo) TouchLastUsed(ctx context.Context, id string, now time.Time, firstUse bool) error {
	fields := map[string]interface{}{"lastUsedAt": now.Format(time.RFC3339)}
	if firstUse {
		fields["activatedAt"] = now.Format(time.RFC3339)
	}
	if err := r.rdb.HSet(ctx, apiKeyKey(id), fields).Err(); err != nil {
		return fmt.Errorf("touch apikey: %w", err)
	}
	return nil
}

// ListIDs 枚举全部 keyId，索引缺失时回退 SCAN 回填。
func (r *APIKeyRepo) ListIDs(ctx context.Context) ([]string, error) {
	return r.store.GetAllIDsByIndex(ctx, apiKeyIdxAllKey, "apikey:*", apiKeyIDPattern)
}

// List 批量加载全部 key 记录。
func (r *APIKeyRepo) List(ctx context.Context) ([]*service.APIKey, error) {
	ids, err := r.ListIDs(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, apiKeyKey(id))
	}
	rows, err := r.store.BatchHGetAll(ctx, keys)
	if err != nil {
		return nil, err
	}
	out := make([]*service.APIKey, 0, len(ids))
	for _, id := range ids {
		if data := rows[apiKeyKey(id)]; len(data) > 0 {
			out = append(out, apiKeyFromHash(id, data))
		}
	}
	return out, nil
}

// RewriteBinding 把指向已删除账号的绑定字段重写回共享池（置空）。
func (r *APIKeyRepo) RewriteBinding(ctx context.Context, keyID, platform string) error {
	field := BindingField(platform)
	if field == "" {
		return nil
	}
	if err := r.rdb.HSet(ctx, apiKeyKey(keyID), field, "").Err(); err != nil {
		return fmt.Errorf("rewrite binding: %w", err)
	}
	return nil
}

// SetIndexVersion 异步重建器写入的索引版本标记。
func (r *APIKeyRepo) SetIndexVersion(ctx context.Context, version string) error {
	return r.rdb.Set(ctx, apiKeyIdxVerKey, version, 0).Err()
}

// ---- hash <-> struct ----

// bindingFields 平台绑定字段名，删除账号时用于反查重写。
var bindingFields = map[string]string{
	"claude":           "claudeAccountId",
	"claude-console":   "claudeConsoleAccountId",
	"gemini":           "geminiAccountId",
	"gemini-api":       "geminiAccountId",
	"openai":           "openaiAccountId",
	"openai-responses": "openaiAccountId",
	"bedrock":          "bedrockAccountId",
	"droid":            "droidAccountId",
	"ccr":              "ccrAccountId",
}

// BindingField 返回平台对应的绑定字段名。
func BindingField(platform string) string {
	return bindingFields[platform]
}

func apiKeyToHash(k *service.APIKey) map[string]interface{} {
	fields := map[string]interface{}{
		"id":                     k.ID,
		"hashedKey":              k.HashedKey,
		"name":                   k.Name,
		"tags":                   marshalStrings(k.Tags),
		"isActive":               strconv.FormatBool(k.IsActive),
		"isDeleted":              strconv.FormatBool(k.IsDeleted),
		"ownerDisplayName":       k.OwnerDisplayName,
		"allowedClients":         marshalStrings(k.AllowedClients),
		"restrictedModels":       marshalStrings(k.RestrictedModels),
		"enableModelRestriction": strconv.FormatBool(k.EnableModelRestriction),
		"tokenLimit":             strconv.FormatInt(k.TokenLimit, 10),
		"dailyCostLimit":         formatFloat(k.DailyCostLimit),
		"totalCostLimit":         formatFloat(k.TotalCostLimit),
		"weeklyOpusCostLimit":    formatFloat(k.WeeklyOpusCostLimit),
		"weeklyResetDay":         strconv.Itoa(k.WeeklyResetDay),
		"weeklyResetHour":        strconv.Itoa(k.WeeklyResetHour),
		"rateLimitWindow":        strconv.Itoa(k.RateLimitWindow),
		"rateLimitRequests":      strconv.FormatInt(k.RateLimitRequests, 10),
		"rateLimitTokens":        strconv.FormatInt(k.RateLimitTokens, 10),
		"rateLimitCost":          formatFloat(k.RateLimitCost),
		"maxConcurrency":         strconv.Itoa(k.MaxConcurrency),
		"activationDuration":     strconv.Itoa(k.ActivationDuration),
		"serviceRates":           marshalRates(k.ServiceRates),
		"claudeAccountId":        k.ClaudeAccountID,
		"claudeConsoleAccountId": k.ClaudeConsoleAccountID,
		"geminiAccountId":        k.GeminiAccountID,
		"openaiAccountId":        k.OpenAIAccountID,
		"bedrockAccountId":       k.BedrockAccountID,
		"droidAccountId":         k.DroidAccountID,
		"ccrAccountId":           k.CCRAccountID,
		"createdAt":              k.CreatedAt.Format(time.RFC3339),
	}
	if k.ExpiresAt != nil {
		fields["expiresAt"] = k.ExpiresAt.Format(time.RFC3339)
	}
	if k.ActivatedAt != nil {
		fields["activatedAt"] = k.ActivatedAt.Format(time.RFC3339)
	}
	if k.LastUsedAt != nil {
		fields["lastUsedAt"] = k.LastUsedAt.Format(time.RFC3339)
	}
	return fields
}

func apiKeyFromHash(id string, data map[string]string) *service.APIKey {
	k := &service.APIKey{
		ID:                     id,
		HashedKey:              data["hashedKey"],
		Name:                   data["name"],
		Tags:                   unmarshalStrings(data["tags"]),
		IsActive:               parseBool(data["isActive"]),
		IsDeleted:              parseBool(data["isDeleted"]),
		OwnerDisplayName:       data["ownerDisplayName"],
		AllowedClients:         unmarshalStrings(data["allowedClients"]),
		RestrictedModels:       unmarshalStrings(data["restrictedModels"]),
		EnableModelRestriction: parseBool(data["enableModelRestriction"]),
		TokenLimit:             parseInt64(data["tokenLimit"]),
		DailyCostLimit:         parseFloat(data["dailyCostLimit"]),
		TotalCostLimit:         parseFloat(data["totalCostLimit"]),
		WeeklyOpusCostLimit:    parseFloat(data["weeklyOpusCostLimit"]),
		WeeklyResetDay:         int(parseInt64(data["weeklyResetDay"])),
		WeeklyResetHour:        int(parseInt64(data["weeklyResetHour"])),
		RateLimitWindow:        int(parseInt64(data["rateLimitWindow"])),
		RateLimitRequests:      parseInt64(data["rateLimitRequests"]),
		RateLimitTokens:        parseInt64(data["rateLimitTokens"]),
		RateLimitCost:          parseFloat(data["rateLimitCost"]),
		MaxConcurrency:         int(parseInt64(data["maxConcurrency"])),
		ActivationDuration:     int(parseInt64(data["activationDuration"])),
		ServiceRates:           unmarshalRates(data["serviceRates"]),
		ClaudeAccountID:        data["claudeAccountId"],
		ClaudeConsoleAccountID: data["claudeConsoleAccountId"],
		GeminiAccountID:        data["geminiAccountId"],
		OpenAIAccountID:        data["openaiAccountId"],
		BedrockAccountID:       data["bedrockAccountId"],
		DroidAccountID:         data["droidAccountId"],
		CCRAccountID:           data["ccrAccountId"],
	}
	k.ExpiresAt = parseTimePtr(data["expiresAt"])
	k.ActivatedAt = parseTimePtr(data["activatedAt"])
	k.LastUsedAt = parseTimePtr(data["lastUsedAt"])
	if t := parseTimePtr(data["createdAt"]); t != nil {
		k.CreatedAt = *t
	}
	return k
}

// ---- field codecs 存量数据混杂 JSON 数组与逗号分隔两种形态 ----

func marshalStrings(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(values)
	return string(b)
}

func unmarshalStrings(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "[]" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var out []string
		if err := json.Unmarshal([]byte(raw), &out); err == nil {
			return out
		}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func marshalRates(rates map[string]float64) string {
	if len(rates) == 0 {
		return "{}"
	}
	b, _ := json.Marshal(rates)
	return string(b)
}

func unmarshalRates(raw string) map[string]float64 {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" {
		return nil
	}
	var out map[string]float64
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

func parseBool(raw string) bool {
	return raw == "true" || raw == "1"
}

func parseInt64(raw string) int64 {
	v, _ := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	return v
}

func parseFloat(raw string) float64 {
	v, _ := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseTimePtr(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t
	}
	// 存量数据可能是毫秒时间戳
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
		t := time.UnixMilli(ms)
		return &t
	}
	return nil
}
