package repository

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"llmrelay/internal/service"

	"github.com/redis/go-redis/v9"
)

// releaseLockScript 校验持有者后删锁，防止误删他人续期后的锁。
var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// 数据键解析。index 兄弟键靠 uuid 形态或显式排除过滤。
var (
	usageDailyDataRe   = regexp.MustCompile(`^usage:daily:([0-9a-fA-F-]{36}):(\d{4}-\d{2}-\d{2})$`)
	usageHourlyDataRe  = regexp.MustCompile(`^usage:hourly:([0-9a-fA-F-]{36}):(\d{4}-\d{2}-\d{2}:\d{2})$`)
	modelDailyDataRe   = regexp.MustCompile(`^usage:model:daily:(.+):(\d{4}-\d{2}-\d{2})$`)
	modelHourlyDataRe  = regexp.MustCompile(`^usage:model:hourly:(.+):(\d{4}-\d{2}-\d{2}:\d{2})$`)
	modelMonthlyDataRe = regexp.MustCompile(`^usage:model:monthly:(.+):(\d{4}-\d{2})$`)
	keyModelDailyRe    = regexp.MustCompile(`^usage:([0-9a-fA-F-]{36}):model:daily:(.+):(\d{4}-\d{2}-\d{2})$`)
	keyModelHourlyRe   = regexp.MustCompile(`^usage:([0-9a-fA-F-]{36}):model:hourly:(.+):(\d{4}-\d{2}-\d{2}:\d{2})$`)
	keyModelMonthlyRe  = regexp.MustCompile(`^usage:([0-9a-fA-F-]{36}):model:monthly:(.+):(\d{4}-\d{2})$`)
	keyTotalDataRe     = regexp.MustCompile(`^usage:([0-9a-fA-F-]{36})$`)
)

// MigrationRepo 迁移标记、互斥锁与各回填任务的存储侧实现。
// 标记 system:migration:<name> 写入后迁移不再重复执行。
type MigrationRepo struct {
	rdb   *redis.Client
	store *Store
}

func NewMigrationRepo(rdb *redis.Client, store *Store) service.MigrationStore {
	return &MigrationRepo{rdb: rdb, store: store}
}

func (r *MigrationRepo) MarkerExists(ctx context.Context, name string) (bool, error) {
	n, err := r.rdb.Exists(ctx, migrationKey(name)).Result()
	if err != nil {
		return false, fmt.Errorf("migration marker exists: %w", err)
	}
	return n > 0, nil
}

// SetMarker 写入完成标记，值为完成时间。
func (r *MigrationRepo) SetMarker(ctx context.Context, name string) error {
	if err := r.rdb.Set(ctx, migrationKey(name), time.Now().Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("set migration marker: %w", err)
	}
	return nil
}

// AcquireLock 尝试获取迁移互斥锁；未获取到返回 false。
func (r *MigrationRepo) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, migrationKey(name)+":lock", owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire migration lock: %w", err)
	}
	return ok, nil
}

func (r *MigrationRepo) ReleaseLock(ctx context.Context, name, owner string) error {
	if err := releaseLockScript.Run(ctx, r.rdb, []string{migrationKey(name) + ":lock"}, owner).Err(); err != nil {
		return fmt.Errorf("release migration lock: %w", err)
	}
	return nil
}

// SetCostIfAbsent 费用回填专用：SET NX，绝不覆盖线上已累计的值。
func (r *MigrationRepo) SetCostIfAbsent(ctx context.Context, key string, value float64, ttl time.Duration) (bool, error) {
	ok, err := r.rdb.SetNX(ctx, key, formatFloat(value), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx cost %s: %w", key, err)
	}
	return ok, nil
}

// RebuildUsageIndices 扫描数据键重建各索引集合。
// 重建路径只做 SADD，和在线写入天然幂等；索引 TTL 与数据桶对齐。
func (r *MigrationRepo) RebuildUsageIndices(ctx context.Context) error {
	type rule struct {
		pattern string
		apply   func(pipe redis.Pipeliner, key string) bool
	}
	rules := []rule{
		{"usage:daily:*", func(pipe redis.Pipeliner, key string) bool {
			m := usageDailyDataRe.FindStringSubmatch(key)
			if m == nil {
				return false
			}
			idx := usageDailyIndexKey(m[2])
			pipe.SAdd(ctx, idx, m[1])
			pipe.Expire(ctx, idx, usageDailyTTL)
			return true
		}},
		{"usage:hourly:*", func(pipe redis.Pipeliner, key string) bool {
			m := usageHourlyDataRe.FindStringSubmatch(key)
			if m == nil {
				return false
			}
			idx := usageHourlyIndexKey(m[2])
			pipe.SAdd(ctx, idx, m[1])
			pipe.Expire(ctx, idx, usageHourlyTTL)
			return true
		}},
		{"usage:model:daily:*", func(pipe redis.Pipeliner, key string) bool {
			m := modelDailyDataRe.FindStringSubmatch(key)
			if m == nil || m[1] == "index" {
				return false
			}
			idx := usageModelDailyIndexKey(m[2])
			pipe.SAdd(ctx, idx, m[1])
			pipe.Expire(ctx, idx, usageDailyTTL)
			return true
		}},
		{"usage:model:hourly:*", func(pipe redis.Pipeliner, key string) bool {
			m := modelHourlyDataRe.FindStringSubmatch(key)
			if m == nil || m[1] == "index" {
				return false
			}
			idx := usageModelHourlyIndexKey(m[2])
			pipe.SAdd(ctx, idx, m[1])
			pipe.Expire(ctx, idx, usageHourlyTTL)
			return true
		}},
		{"usage:model:monthly:*", func(pipe redis.Pipeliner, key string) bool {
			m := modelMonthlyDataRe.FindStringSubmatch(key)
			if m == nil || m[1] == "index" {
				return false
			}
			idx := usageModelMonthlyIndexKey(m[2])
			pipe.SAdd(ctx, idx, m[1])
			pipe.Expire(ctx, idx, usageMonthlyTTL)
			pipe.SAdd(ctx, modelMonthsSetKey, m[2])
			return true
		}},
		{"usage:*:model:daily:*", func(pipe redis.Pipeliner, key string) bool {
			m := keyModelDailyRe.FindStringSubmatch(key)
			if m == nil {
				return false
			}
			idx := usageKeyModelDailyIndexKey(m[3])
			pipe.SAdd(ctx, idx, m[1]+":"+m[2])
			pipe.Expire(ctx, idx, usageDailyTTL)
			return true
		}},
		{"usage:*:model:hourly:*", func(pipe redis.Pipeliner, key string) bool {
			m := keyModelHourlyRe.FindStringSubmatch(key)
			if m == nil {
				return false
			}
			idx := usageKeyModelHourlyIndexKey(m[3])
			pipe.SAdd(ctx, idx, m[1]+":"+m[2])
			pipe.Expire(ctx, idx, usageHourlyTTL)
			return true
		}},
	}

	for _, rl := range rules {
		err := r.store.ScanAndProcess(ctx, rl.pattern, func(ctx context.Context, keys []string) error {
			pipe := r.rdb.Pipeline()
			dirty := false
			for _, key := range keys {
				if rl.apply(pipe, key) {
					dirty = true
				}
			}
			if !dirty {
				return nil
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("rebuild indices %s: %w", rl.pattern, err)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// AggregateAlltimeModelStats 从 key+model 月桶聚合出 alltime 哈希。
// 目标键已存在（新版本在线累加过）则跳过，避免重复入账。
func (r *MigrationRepo) AggregateAlltimeModelStats(ctx context.Context) error {
	type bucket struct{ keyID, model string }
	sums := make(map[bucket]map[string]int64)

	err := r.store.ScanAndProcess(ctx, "usage:*:model:monthly:*", func(ctx context.Context, keys []string) error {
		matched := keys[:0]
		idents := make([]bucket, 0, len(keys))
		for _, key := range keys {
			m := keyModelMonthlyRe.FindStringSubmatch(key)
			if m == nil {
				continue
			}
			matched = append(matched, key)
			idents = append(idents, bucket{keyID: m[1], model: m[2]})
		}
		rows, err := r.store.BatchHGetAll(ctx, matched)
		if err != nil {
			return err
		}
		for i, key := range matched {
			agg := sums[idents[i]]
			if agg == nil {
				agg = make(map[string]int64)
				sums[idents[i]] = agg
			}
			for field, raw := range rows[key] {
				n, _ := strconv.ParseInt(raw, 10, 64)
				agg[field] += n
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for b, agg := range sums {
		target := usageKeyModelAlltimeKey(b.keyID, b.model)
		exists, err := r.rdb.Exists(ctx, target).Result()
		if err != nil {
			return fmt.Errorf("exists %s: %w", target, err)
		}
		if exists > 0 {
			continue
		}
		fields := make(map[string]interface{}, len(agg))
		for field, n := range agg {
			fields[field] = strconv.FormatInt(n, 10)
		}
		if len(fields) == 0 {
			continue
		}
		if err := r.rdb.HSet(ctx, target, fields).Err(); err != nil {
			return fmt.Errorf("aggregate alltime %s: %w", target, err)
		}
	}
	return nil
}

// DeriveGlobalTotals 全局总量哈希缺失时从各 key 总量推导；
// 已存在则不动，返回是否发生推导。
func (r *MigrationRepo) DeriveGlobalTotals(ctx context.Context) (bool, error) {
	exists, err := r.rdb.Exists(ctx, usageGlobalTotalKey()).Result()
	if err != nil {
		return false, fmt.Errorf("exists global total: %w", err)
	}
	if exists > 0 {
		return false, nil
	}

	totals := make(map[string]int64)
	err = r.store.ScanAndProcess(ctx, "usage:*", func(ctx context.Context, keys []string) error {
		matched := keys[:0]
		for _, key := range keys {
			if keyTotalDataRe.MatchString(key) {
				matched = append(matched, key)
			}
		}
		rows, err := r.store.BatchHGetAll(ctx, matched)
		if err != nil {
			return err
		}
		for _, data := range rows {
			for field, raw := range data {
				n, _ := strconv.ParseInt(raw, 10, 64)
				totals[field] += n
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if len(totals) == 0 {
		return false, nil
	}

	fields := make(map[string]interface{}, len(totals))
	for field, n := range totals {
		fields[field] = strconv.FormatInt(n, 10)
	}
	if err := r.rdb.HSet(ctx, usageGlobalTotalKey(), fields).Err(); err != nil {
		return false, fmt.Errorf("derive global totals: %w", err)
	}
	return true, nil
}

// InitCostKeysFromTokenBuckets 费用键缺失时从 key+model 桶里的微美元
// 字段回填。总量从 alltime 桶聚合，日费用从 keymodel 日桶聚合；
// 全部走 SET NX，线上已累计的值绝不覆盖。
func (r *MigrationRepo) InitCostKeysFromTokenBuckets(ctx context.Context) error {
	// cost:total:<keyId>
	ratedTotals := make(map[string]int64)
	realTotals := make(map[string]int64)
	alltimeRe := regexp.MustCompile(`^usage:([0-9a-fA-F-]{36}):model:alltime:(.+)$`)

	err := r.store.ScanAndProcess(ctx, "usage:*:model:alltime:*", func(ctx context.Context, keys []string) error {
		matched := keys[:0]
		owners := make([]string, 0, len(keys))
		for _, key := range keys {
			m := alltimeRe.FindStringSubmatch(key)
			if m == nil {
				continue
			}
			matched = append(matched, key)
			owners = append(owners, m[1])
		}
		rows, err := r.store.BatchHGetAll(ctx, matched)
		if err != nil {
			return err
		}
		for i, key := range matched {
			rated, _ := strconv.ParseInt(rows[key]["ratedCostMicro"], 10, 64)
			real, _ := strconv.ParseInt(rows[key]["realCostMicro"], 10, 64)
			ratedTotals[owners[i]] += rated
			realTotals[owners[i]] += real
		}
		return nil
	})
	if err != nil {
		return err
	}
	for keyID, micro := range ratedTotals {
		if micro <= 0 {
			continue
		}
		if _, err := r.SetCostIfAbsent(ctx, costTotalKey(keyID), float64(micro)/1e6, 0); err != nil {
			return err
		}
	}
	for keyID, micro := range realTotals {
		if micro <= 0 {
			continue
		}
		if _, err := r.SetCostIfAbsent(ctx, costRealTotalKey(keyID), float64(micro)/1e6, 0); err != nil {
			return err
		}
	}

	// cost:daily:<keyId>:<date>
	type dailyBucket struct{ keyID, date string }
	ratedDaily := make(map[dailyBucket]int64)
	realDaily := make(map[dailyBucket]int64)

	err = r.store.ScanAndProcess(ctx, "usage:*:model:daily:*", func(ctx context.Context, keys []string) error {
		matched := keys[:0]
		idents := make([]dailyBucket, 0, len(keys))
		for _, key := range keys {
			m := keyModelDailyRe.FindStringSubmatch(key)
			if m == nil {
				continue
			}
			matched = append(matched, key)
			idents = append(idents, dailyBucket{keyID: m[1], date: m[3]})
		}
		rows, err := r.store.BatchHGetAll(ctx, matched)
		if err != nil {
			return err
		}
		for i, key := range matched {
			rated, _ := strconv.ParseInt(rows[key]["ratedCostMicro"], 10, 64)
			real, _ := strconv.ParseInt(rows[key]["realCostMicro"], 10, 64)
			ratedDaily[idents[i]] += rated
			realDaily[idents[i]] += real
		}
		return nil
	})
	if err != nil {
		return err
	}
	for b, micro := range ratedDaily {
		if micro <= 0 {
			continue
		}
		if _, err := r.SetCostIfAbsent(ctx, costDailyKey(b.keyID, b.date), float64(micro)/1e6, costDailyTTL); err != nil {
			return err
		}
	}
	for b, micro := range realDaily {
		if micro <= 0 {
			continue
		}
		if _, err := r.SetCostIfAbsent(ctx, costRealDailyKey(b.keyID, b.date), float64(micro)/1e6, costDailyTTL); err != nil {
			return err
		}
	}
	return nil
}

// RebuildWeeklyOpus 按周期内各日期聚合 key+model 日桶的 rated 费用，
// 只统计 eligible 判定通过的模型。计数键缺失时 SET NX 回填并返回聚合值；
// 在线计数器已存在时只返回聚合值供对账。
func (r *MigrationRepo) RebuildWeeklyOpus(ctx context.Context, keyID, period string, dates []string, eligible func(model string) bool) (float64, error) {
	var totalMicro int64
	prefix := keyID + ":"

	for _, date := range dates {
		members, err := r.rdb.SMembers(ctx, usageKeyModelDailyIndexKey(date)).Result()
		if err != nil && err != redis.Nil {
			return 0, fmt.Errorf("smembers keymodel index %s: %w", date, err)
		}
		if len(members) == 0 {
			// 索引缺失（过期或未重建）时直接扫数据键
			keys, err := r.store.ScanKeys(ctx, "usage:"+keyID+":model:daily:*:"+date, 0)
			if err != nil {
				return 0, err
			}
			for _, key := range keys {
				m := keyModelDailyRe.FindStringSubmatch(key)
				if m == nil || m[1] != keyID {
					continue
				}
				members = append(members, keyID+":"+m[2])
			}
		}

		for _, member := range members {
			if !strings.HasPrefix(member, prefix) {
				continue
			}
			model := member[len(prefix):]
			if !eligible(model) {
				continue
			}
			raw, err := r.rdb.HGet(ctx, usageKeyModelDailyKey(keyID, model, date), "ratedCostMicro").Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return 0, fmt.Errorf("hget keymodel daily cost: %w", err)
			}
			micro, _ := strconv.ParseInt(raw, 10, 64)
			totalMicro += micro
		}
	}

	total := float64(totalMicro) / 1e6
	if total > 0 {
		if _, err := r.SetCostIfAbsent(ctx, opusWeeklyKey(keyID, period), total, opusWeeklyTTL); err != nil {
			return 0, err
		}
	}
	return total, nil
}
