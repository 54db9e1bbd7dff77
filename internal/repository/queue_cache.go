package repository

import (
	"context"
	"fmt"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/service"

	"github.com/redis/go-redis/v9"
)

// 排队计数与统计。计数器与 TTL、统计自增与续期都必须单脚本原子完成，
// 否则断连路径上会留下悬空计数。

var queueIncrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
redis.call('EXPIRE', KEYS[1], ARGV[1])
return n
`)

var queueDecrScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
  redis.call('DEL', KEYS[1])
  return 0
end
return n
`)

var queueStatsScript = redis.NewScript(`
redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
redis.call('EXPIRE', KEYS[1], ARGV[2])
return 1
`)

var queueWaitSampleScript = redis.NewScript(`
redis.call('LPUSH', KEYS[1], ARGV[1])
redis.call('LTRIM', KEYS[1], 0, tonumber(ARGV[2]) - 1)
redis.call('EXPIRE', KEYS[1], ARGV[3])
return 1
`)

const (
	queueStatsTTLSeconds      = 7 * 24 * 3600
	queueWaitSampleTTLSeconds = 24 * 3600
)

// QueueCache 并发排队的 FIFO 计数器、结果统计与等待耗时采样。
type QueueCache struct {
	rdb           *redis.Client
	perKeySamples int
	globalSamples int
}

func NewQueueCache(rdb *redis.Client, cfg *config.Config) service.QueueStore {
	return &QueueCache{
		rdb:           rdb,
		perKeySamples: cfg.Queue.PerKeyWaitSampleLimit,
		globalSamples: cfg.Queue.GlobalWaitSampleLimit,
	}
}

// Incr 进入排队。TTL 比排队超时多 30s，排队方异常退出后计数自动过期。
func (c *QueueCache) Incr(ctx context.Context, keyID string, timeout time.Duration) (int64, error) {
	ttlSec := int64(timeout/time.Second) + 30
	if timeout%time.Second != 0 {
		ttlSec++
	}
	n, err := queueIncrScript.Run(ctx, c.rdb, []string{queueCounterKey(keyID)}, ttlSec).Int64()
	if err != nil {
		return 0, fmt.Errorf("queue incr: %w", err)
	}
	return n, nil
}

// Decr 离开排队；计数归零或为负时删除键。
func (c *QueueCache) Decr(ctx context.Context, keyID string) (int64, error) {
	n, err := queueDecrScript.Run(ctx, c.rdb, []string{queueCounterKey(keyID)}).Int64()
	if err != nil {
		return 0, fmt.Errorf("queue decr: %w", err)
	}
	return n, nil
}

func (c *QueueCache) Depth(ctx context.Context, keyID string) (int64, error) {
	n, err := c.rdb.Get(ctx, queueCounterKey(keyID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// RecordOutcome 排队结果统计：entered|success|timeout|cancelled|socket_changed|rejected_overload。
func (c *QueueCache) RecordOutcome(ctx context.Context, keyID, outcome string) error {
	if err := queueStatsScript.Run(ctx, c.rdb, []string{queueStatsKey(keyID)},
		outcome, queueStatsTTLSeconds).Err(); err != nil {
		return fmt.Errorf("queue stats: %w", err)
	}
	return nil
}

func (c *QueueCache) Stats(ctx context.Context, keyID string) (map[string]string, error) {
	stats, err := c.rdb.HGetAll(ctx, queueStatsKey(keyID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("queue stats read: %w", err)
	}
	return stats, nil
}

// RecordWaitTime 等待耗时写入 per-key 与全局两条采样列表。
func (c *QueueCache) RecordWaitTime(ctx context.Context, keyID string, wait time.Duration) error {
	ms := wait.Milliseconds()
	if err := queueWaitSampleScript.Run(ctx, c.rdb, []string{queueWaitTimesKey(keyID)},
		ms, c.perKeySamples, queueWaitSampleTTLSeconds).Err(); err != nil {
		return fmt.Errorf("queue wait sample: %w", err)
	}
	if err := queueWaitSampleScript.Run(ctx, c.rdb, []string{globalWaitTimesKey},
		ms, c.globalSamples, queueWaitSampleTTLSeconds).Err(); err != nil {
		return fmt.Errorf("queue wait sample global: %w", err)
	}
	return nil
}
