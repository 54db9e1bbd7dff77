package repository

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/service"

	"github.com/redis/go-redis/v9"
)

// usageDailyKeyPattern 从 usage:daily:<keyId>:<date> 提取 keyId。
// keyId 固定为 uuid 形态，天然排除同前缀的 index 键。
func usageDailyKeyPattern(date string) *regexp.Regexp {
	return regexp.MustCompile(`^usage:daily:([0-9a-fA-F-]{36}):` + regexp.QuoteMeta(date) + `$`)
}

// 聚合桶 TTL。alltime 与 total 键不设 TTL。
const (
	usageHourlyTTL  = 7 * 24 * time.Hour
	usageDailyTTL   = 32 * 24 * time.Hour
	usageMonthlyTTL = 365 * 24 * time.Hour

	costHourlyTTL  = 7 * 24 * time.Hour
	costDailyTTL   = 30 * 24 * time.Hour
	costMonthlyTTL = 90 * 24 * time.Hour

	opusWeeklyTTL = 14 * 24 * time.Hour

	usageRecordsCap = 200
	usageRecordsTTL = 90 * 24 * time.Hour
)

// UsageRepo 多维用量聚合的入账与读取。
type UsageRepo struct {
	rdb          *redis.Client
	store        *Store
	minuteTTLSec int64
}

func NewUsageRepo(rdb *redis.Client, store *Store, cfg *config.Config) service.UsageStore {
	return &UsageRepo{
		rdb:          rdb,
		store:        store,
		minuteTTLSec: int64(2 * cfg.System.MetricsWindowMinutes * 60),
	}
}

// incrUsageHash 向一个聚合哈希累加全部 token 维度。
func incrUsageHash(ctx context.Context, pipe redis.Pipeliner, key string, d *service.UsageDelta, ttl time.Duration) {
	pipe.HIncrBy(ctx, key, "inputTokens", d.InputTokens)
	pipe.HIncrBy(ctx, key, "outputTokens", d.OutputTokens)
	pipe.HIncrBy(ctx, key, "cacheCreateTokens", d.CacheCreateTokens)
	pipe.HIncrBy(ctx, key, "cacheReadTokens", d.CacheReadTokens)
	pipe.HIncrBy(ctx, key, "allTokens", d.AllTokens())
	pipe.HIncrBy(ctx, key, "requests", 1)
	if d.Ephemeral5mTokens > 0 {
		pipe.HIncrBy(ctx, key, "ephemeral5mTokens", d.Ephemeral5mTokens)
	}
	if d.Ephemeral1hTokens > 0 {
		pipe.HIncrBy(ctx, key, "ephemeral1hTokens", d.Ephemeral1hTokens)
	}
	if d.IsLongContext {
		pipe.HIncrBy(ctx, key, "longContextInputTokens", d.InputTokens)
		pipe.HIncrBy(ctx, key, "longContextOutputTokens", d.OutputTokens)
		pipe.HIncrBy(ctx, key, "longContextRequests", 1)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
}

func costMicro(v float64) int64 {
	return int64(math.Round(v * 1e6))
}

// IncrementTokenUsage 入账一次请求的 API Key 侧全部效果，单 pipeline 完成：
// 各粒度聚合、key+model 维度（含微美元费用）、全局与模型维度、索引与
// empty 标记清理、系统分钟桶、事件记录、费用聚合、周期 Opus 计费。
func (r *UsageRepo) IncrementTokenUsage(ctx context.Context, d *service.UsageDelta) error {
	pipe := r.rdb.Pipeline()

	// per key
	incrUsageHash(ctx, pipe, usageTotalKey(d.KeyID), d, 0)
	incrUsageHash(ctx, pipe, usageDailyKey(d.KeyID, d.Date), d, usageDailyTTL)
	incrUsageHash(ctx, pipe, usageMonthlyKey(d.KeyID, d.Month), d, usageMonthlyTTL)
	incrUsageHash(ctx, pipe, usageHourlyKey(d.KeyID, d.Hour), d, usageHourlyTTL)

	// per key + model（含费用微美元）
	realMicro := costMicro(d.RealCost)
	ratedMicro := costMicro(d.RatedCost)
	for _, km := range []struct {
		key string
		ttl time.Duration
	}{
		{usageKeyModelDailyKey(d.KeyID, d.Model, d.Date), usageDailyTTL},
		{usageKeyModelMonthlyKey(d.KeyID, d.Model, d.Month), usageMonthlyTTL},
		{usageKeyModelHourlyKey(d.KeyID, d.Model, d.Hour), usageHourlyTTL},
		{usageKeyModelAlltimeKey(d.KeyID, d.Model), 0},
	} {
		incrUsageHash(ctx, pipe, km.key, d, km.ttl)
		pipe.HIncrBy(ctx, km.key, "realCostMicro", realMicro)
		pipe.HIncrBy(ctx, km.key, "ratedCostMicro", ratedMicro)
	}

	// per model（全局模型维度）
	incrUsageHash(ctx, pipe, usageModelDailyKey(d.Model, d.Date), d, usageDailyTTL)
	incrUsageHash(ctx, pipe, usageModelMonthlyKey(d.Model, d.Month), d, usageMonthlyTTL)
	incrUsageHash(ctx, pipe, usageModelHourlyKey(d.Model, d.Hour), d, usageHourlyTTL)

	// global
	incrUsageHash(ctx, pipe, usageGlobalTotalKey(), d, 0)
	incrUsageHash(ctx, pipe, usageGlobalDailyKey(d.Date), d, usageDailyTTL)
	incrUsageHash(ctx, pipe, usageGlobalMonthlyKey(d.Month), d, usageMonthlyTTL)
	incrUsageHash(ctx, pipe, usageGlobalHourlyKey(d.Hour), d, usageHourlyTTL)

	// 索引与 empty 标记
	r.addUsageIndices(ctx, pipe, d)

	// 系统分钟桶
	minuteKey := systemMetricsMinuteKey(d.Minute)
	pipe.HIncrBy(ctx, minuteKey, "requests", 1)
	pipe.HIncrBy(ctx, minuteKey, "totalTokens", d.AllTokens())
	pipe.HIncrBy(ctx, minuteKey, "inputTokens", d.InputTokens)
	pipe.HIncrBy(ctx, minuteKey, "outputTokens", d.OutputTokens)
	pipe.HIncrBy(ctx, minuteKey, "cacheCreateTokens", d.CacheCreateTokens)
	pipe.HIncrBy(ctx, minuteKey, "cacheReadTokens", d.CacheReadTokens)
	pipe.Expire(ctx, minuteKey, time.Duration(r.minuteTTLSec)*time.Second)

	// 事件记录（LPUSH + LTRIM + EXPIRE）
	if d.RecordJSON != "" {
		recordsKey := usageRecordsKey(d.KeyID)
		pipe.LPush(ctx, recordsKey, d.RecordJSON)
		pipe.LTrim(ctx, recordsKey, 0, usageRecordsCap-1)
		pipe.Expire(ctx, recordsKey, usageRecordsTTL)
	}

	// 费用聚合：rated 用于额度判断，real 用于对账
	pipe.IncrByFloat(ctx, costDailyKey(d.KeyID, d.Date), d.RatedCost)
	pipe.Expire(ctx, costDailyKey(d.KeyID, d.Date), costDailyTTL)
	pipe.IncrByFloat(ctx, costMonthlyKey(d.KeyID, d.Month), d.RatedCost)
	pipe.Expire(ctx, costMonthlyKey(d.KeyID, d.Month), costMonthlyTTL)
	pipe.IncrByFloat(ctx, costHourlyKey(d.KeyID, d.Hour), d.RatedCost)
	pipe.Expire(ctx, costHourlyKey(d.KeyID, d.Hour), costHourlyTTL)
	pipe.IncrByFloat(ctx, costTotalKey(d.KeyID), d.RatedCost)
	pipe.IncrByFloat(ctx, costRealDailyKey(d.KeyID, d.Date), d.RealCost)
	pipe.Expire(ctx, costRealDailyKey(d.KeyID, d.Date), costDailyTTL)
	pipe.IncrByFloat(ctx, costRealTotalKey(d.KeyID), d.RealCost)

	// 周期 Opus 计费
	if d.OpusEligible && d.OpusPeriod != "" {
		pipe.IncrByFloat(ctx, opusWeeklyKey(d.KeyID, d.OpusPeriod), d.RatedCost)
		pipe.Expire(ctx, opusWeeklyKey(d.KeyID, d.OpusPeriod), opusWeeklyTTL)
		pipe.IncrByFloat(ctx, opusTotalKey(d.KeyID), d.RatedCost)
		pipe.IncrByFloat(ctx, opusRealWeeklyKey(d.KeyID, d.OpusPeriod), d.RealCost)
		pipe.Expire(ctx, opusRealWeeklyKey(d.KeyID, d.OpusPeriod), opusWeeklyTTL)
		pipe.IncrByFloat(ctx, opusRealTotalKey(d.KeyID), d.RealCost)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("increment token usage: %w", err)
	}
	return nil
}

func (r *UsageRepo) addUsageIndices(ctx context.Context, pipe redis.Pipeliner, d *service.UsageDelta) {
	keyModel := d.KeyID + ":" + d.Model
	for _, idx := range []struct {
		key    string
		member string
	}{
		{usageDailyIndexKey(d.Date), d.KeyID},
		{usageHourlyIndexKey(d.Hour), d.KeyID},
		{usageModelDailyIndexKey(d.Date), d.Model},
		{usageModelHourlyIndexKey(d.Hour), d.Model},
		{usageModelMonthlyIndexKey(d.Month), d.Model},
		{modelMonthsSetKey, d.Month},
		{usageKeyModelDailyIndexKey(d.Date), keyModel},
		{usageKeyModelHourlyIndexKey(d.Hour), keyModel},
	} {
		pipe.SAdd(ctx, idx.key, idx.member)
		pipe.Del(ctx, idx.key+":empty")
	}
	// 索引桶 TTL 与数据桶对齐
	pipe.Expire(ctx, usageDailyIndexKey(d.Date), usageDailyTTL)
	pipe.Expire(ctx, usageHourlyIndexKey(d.Hour), usageHourlyTTL)
	pipe.Expire(ctx, usageModelDailyIndexKey(d.Date), usageDailyTTL)
	pipe.Expire(ctx, usageModelHourlyIndexKey(d.Hour), usageHourlyTTL)
	pipe.Expire(ctx, usageModelMonthlyIndexKey(d.Month), usageMonthlyTTL)
	pipe.Expire(ctx, usageKeyModelDailyIndexKey(d.Date), usageDailyTTL)
	pipe.Expire(ctx, usageKeyModelHourlyIndexKey(d.Hour), usageHourlyTTL)
}

// IncrementAccountUsage 账号侧入账，维度少于 key 侧：总量 + 日/月/小时 +
// 模型日/小时，外加账号索引。
func (r *UsageRepo) IncrementAccountUsage(ctx context.Context, d *service.UsageDelta) error {
	if d.AccountID == "" {
		return nil
	}
	pipe := r.rdb.Pipeline()

	incrUsageHash(ctx, pipe, accountUsageTotalKey(d.AccountID), d, 0)
	incrUsageHash(ctx, pipe, accountUsageDailyKey(d.AccountID, d.Date), d, usageDailyTTL)
	incrUsageHash(ctx, pipe, accountUsageMonthlyKey(d.AccountID, d.Month), d, usageMonthlyTTL)
	incrUsageHash(ctx, pipe, accountUsageHourlyKey(d.AccountID, d.Hour), d, usageHourlyTTL)
	incrUsageHash(ctx, pipe, accountUsageModelDailyKey(d.AccountID, d.Model, d.Date), d, usageDailyTTL)
	incrUsageHash(ctx, pipe, accountUsageModelHourlyKey(d.AccountID, d.Model, d.Hour), d, usageHourlyTTL)

	for _, idx := range []struct {
		key    string
		member string
		ttl    time.Duration
	}{
		{accountUsageDailyIndexKey(d.Date), d.AccountID, usageDailyTTL},
		{accountUsageHourlyIndexKey(d.Hour), d.AccountID, usageHourlyTTL},
		{accountUsageModelDailyIndexKey(d.Date), d.AccountID, usageDailyTTL},
		{accountUsageModelHourlyIndexKey(d.Hour), d.AccountID, usageHourlyTTL},
	} {
		pipe.SAdd(ctx, idx.key, idx.member)
		pipe.Del(ctx, idx.key+":empty")
		pipe.Expire(ctx, idx.key, idx.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("increment account usage: %w", err)
	}
	return nil
}

// ---- 读取 ----

// GetDailyCost 当日已计费用（rated）。
func (r *UsageRepo) GetDailyCost(ctx context.Context, keyID, date string) (float64, error) {
	return r.getFloat(ctx, costDailyKey(keyID, date))
}

// GetTotalCost 累计已计费用（rated）。
func (r *UsageRepo) GetTotalCost(ctx context.Context, keyID string) (float64, error) {
	return r.getFloat(ctx, costTotalKey(keyID))
}

// GetWeeklyOpusCost 当前周期的 Opus 费用。
func (r *UsageRepo) GetWeeklyOpusCost(ctx context.Context, keyID, period string) (float64, error) {
	return r.getFloat(ctx, opusWeeklyKey(keyID, period))
}

func (r *UsageRepo) getFloat(ctx context.Context, key string) (float64, error) {
	v, err := r.rdb.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get %s: %w", key, err)
	}
	return v, nil
}

// GetTotals 读取任一聚合哈希的计数。
func (r *UsageRepo) GetTotals(ctx context.Context, key string) (map[string]int64, error) {
	data, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	out := make(map[string]int64, len(data))
	for f, v := range data {
		n, _ := strconv.ParseInt(v, 10, 64)
		out[f] = n
	}
	return out, nil
}

// GetKeyTotals / GetGlobalTotals / GetGlobalDaily 常用聚合读取入口。
func (r *UsageRepo) GetKeyTotals(ctx context.Context, keyID string) (map[string]int64, error) {
	return r.GetTotals(ctx, usageTotalKey(keyID))
}

func (r *UsageRepo) GetGlobalTotals(ctx context.Context) (map[string]int64, error) {
	return r.GetTotals(ctx, usageGlobalTotalKey())
}

func (r *UsageRepo) GetGlobalDaily(ctx context.Context, date string) (map[string]int64, error) {
	return r.GetTotals(ctx, usageGlobalDailyKey(date))
}

// GetKeyDaily 指定日期的 key 聚合。
func (r *UsageRepo) GetKeyDaily(ctx context.Context, keyID, date string) (map[string]int64, error) {
	return r.GetTotals(ctx, usageDailyKey(keyID, date))
}

// GetRecords 返回最近的事件记录（JSON 原文，最新在前）。
func (r *UsageRepo) GetRecords(ctx context.Context, keyID string, limit int64) ([]string, error) {
	if limit <= 0 || limit > usageRecordsCap {
		limit = usageRecordsCap
	}
	records, err := r.rdb.LRange(ctx, usageRecordsKey(keyID), 0, limit-1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("lrange usage records: %w", err)
	}
	return records, nil
}

// GetMinuteMetrics 读取 [from, to] 分钟桶，缺失的分钟映射为空。
// 仪表盘专用，store 故障时调用方可降级为空窗口。
func (r *UsageRepo) GetMinuteMetrics(ctx context.Context, fromMinute, toMinute int64) (map[int64]map[string]int64, error) {
	if toMinute < fromMinute {
		return map[int64]map[string]int64{}, nil
	}
	pipe := r.rdb.Pipeline()
	cmds := make(map[int64]*redis.MapStringStringCmd, toMinute-fromMinute+1)
	for m := fromMinute; m <= toMinute; m++ {
		cmds[m] = pipe.HGetAll(ctx, systemMetricsMinuteKey(m))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("minute metrics: %w", err)
	}
	out := make(map[int64]map[string]int64, len(cmds))
	for m, cmd := range cmds {
		bucket := make(map[string]int64)
		for f, v := range cmd.Val() {
			n, _ := strconv.ParseInt(v, 10, 64)
			bucket[f] = n
		}
		out[m] = bucket
	}
	return out, nil
}

// ListActiveKeyIDs 指定日期有活动的 keyId（索引优先）。
func (r *UsageRepo) ListActiveKeyIDs(ctx context.Context, date string) ([]string, error) {
	return r.store.GetAllIDsByIndex(ctx, usageDailyIndexKey(date),
		"usage:daily:*:"+date, usageDailyKeyPattern(date))
}
