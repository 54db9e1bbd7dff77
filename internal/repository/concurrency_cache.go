package repository

import (
	"context"
	"fmt"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/service"

	"github.com/redis/go-redis/v9"
)

// 并发租约：concurrency:<keyId> 为 requestId → leaseExpireAt(ms) 的有序集合。
// 所有操作单脚本原子执行；历史遗留的非 zset 键一律先删再用。
//
// now 由调用方传入（毫秒），保证脚本可测可重放。

var concurrencyAcquireScript = redis.NewScript(`
local t = redis.call('TYPE', KEYS[1])['ok']
if t ~= 'zset' and t ~= 'none' then
  redis.call('DEL', KEYS[1])
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
redis.call('ZADD', KEYS[1], tonumber(ARGV[2]) + tonumber(ARGV[3]), ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return redis.call('ZCARD', KEYS[1])
`)

var concurrencyRefreshScript = redis.NewScript(`
local t = redis.call('TYPE', KEYS[1])['ok']
if t ~= 'zset' and t ~= 'none' then
  redis.call('DEL', KEYS[1])
  return 0
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  redis.call('ZADD', KEYS[1], tonumber(ARGV[2]) + tonumber(ARGV[3]), ARGV[1])
  redis.call('PEXPIRE', KEYS[1], ARGV[4])
  return 1
end
return 0
`)

var concurrencyReleaseScript = redis.NewScript(`
local t = redis.call('TYPE', KEYS[1])['ok']
if t ~= 'zset' and t ~= 'none' then
  redis.call('DEL', KEYS[1])
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
local n = redis.call('ZCARD', KEYS[1])
if n == 0 then
  redis.call('DEL', KEYS[1])
end
return n
`)

var concurrencyCountScript = redis.NewScript(`
local t = redis.call('TYPE', KEYS[1])['ok']
if t ~= 'zset' and t ~= 'none' then
  redis.call('DEL', KEYS[1])
  return 0
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
return redis.call('ZCARD', KEYS[1])
`)

// ConcurrencyCache 租约式活跃并发计数。
type ConcurrencyCache struct {
	rdb      *redis.Client
	leaseMs  int64
	expireMs int64
}

func NewConcurrencyCache(rdb *redis.Client, cfg *config.Config) service.ConcurrencyStore {
	leaseSec := cfg.Concurrency.LeaseSeconds
	graceSec := cfg.Concurrency.CleanupGraceSeconds
	// 键 TTL 至少 60s，避免租约极短时键提前消失
	expireSec := leaseSec + graceSec
	if expireSec < 60 {
		expireSec = 60
	}
	return &ConcurrencyCache{
		rdb:      rdb,
		leaseMs:  int64(leaseSec) * 1000,
		expireMs: int64(expireSec) * 1000,
	}
}

// Acquire 注册租约并返回注册后的活跃数。并发上限判断由调用方完成，
// 超限时调用方需立即 Release 归还。
func (c *ConcurrencyCache) Acquire(ctx context.Context, keyID, requestID string) (int64, error) {
	return c.acquire(ctx, concurrencyKey(keyID), requestID)
}

// AcquireConsole Console 账号维度的同款租约。
func (c *ConcurrencyCache) AcquireConsole(ctx context.Context, accountID, requestID string) (int64, error) {
	return c.acquire(ctx, consoleConcurrencyKey(accountID), requestID)
}

func (c *ConcurrencyCache) acquire(ctx context.Context, key, requestID string) (int64, error) {
	now := time.Now().UnixMilli()
	n, err := concurrencyAcquireScript.Run(ctx, c.rdb, []string{key},
		requestID, now, c.leaseMs, c.expireMs).Int64()
	if err != nil {
		return 0, fmt.Errorf("concurrency acquire: %w", err)
	}
	return n, nil
}

// RefreshLease 续约；请求已不在集合中时返回 false。
func (c *ConcurrencyCache) RefreshLease(ctx context.Context, keyID, requestID string) (bool, error) {
	return c.refresh(ctx, concurrencyKey(keyID), requestID)
}

func (c *ConcurrencyCache) RefreshConsoleLease(ctx context.Context, accountID, requestID string) (bool, error) {
	return c.refresh(ctx, consoleConcurrencyKey(accountID), requestID)
}

func (c *ConcurrencyCache) refresh(ctx context.Context, key, requestID string) (bool, error) {
	now := time.Now().UnixMilli()
	n, err := concurrencyRefreshScript.Run(ctx, c.rdb, []string{key},
		requestID, now, c.leaseMs, c.expireMs).Int64()
	if err != nil {
		return false, fmt.Errorf("concurrency refresh: %w", err)
	}
	return n == 1, nil
}

// Release 移除租约，返回剩余活跃数；集合清空时删除键。
func (c *ConcurrencyCache) Release(ctx context.Context, keyID, requestID string) (int64, error) {
	return c.release(ctx, concurrencyKey(keyID), requestID)
}

func (c *ConcurrencyCache) ReleaseConsole(ctx context.Context, accountID, requestID string) (int64, error) {
	return c.release(ctx, consoleConcurrencyKey(accountID), requestID)
}

func (c *ConcurrencyCache) release(ctx context.Context, key, requestID string) (int64, error) {
	now := time.Now().UnixMilli()
	n, err := concurrencyReleaseScript.Run(ctx, c.rdb, []string{key}, requestID, now).Int64()
	if err != nil {
		return 0, fmt.Errorf("concurrency release: %w", err)
	}
	return n, nil
}

// ActiveCount 返回未过期租约数量，顺带清理过期成员。
func (c *ConcurrencyCache) ActiveCount(ctx context.Context, keyID string) (int64, error) {
	return c.count(ctx, concurrencyKey(keyID))
}

func (c *ConcurrencyCache) ConsoleActiveCount(ctx context.Context, accountID string) (int64, error) {
	return c.count(ctx, consoleConcurrencyKey(accountID))
}

func (c *ConcurrencyCache) count(ctx context.Context, key string) (int64, error) {
	now := time.Now().UnixMilli()
	n, err := concurrencyCountScript.Run(ctx, c.rdb, []string{key}, now).Int64()
	if err != nil {
		return 0, fmt.Errorf("concurrency count: %w", err)
	}
	return n, nil
}
