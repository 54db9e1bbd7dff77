package repository

import (
	"context"
	"fmt"

	"llmrelay/internal/service"

	"github.com/redis/go-redis/v9"
)

// 账号级消息串行锁。部分上游要求同账号严格串行，且相邻请求之间
// 保持最小间隔（delayMs）。锁值为 requestId，释放时校验归属。

// acquire 返回 {acquiredFlag, waitMs}：
//
//	{1, 0}       拿到锁
//	{0, waitMs}  距上次完成不足 delayMs，需等待 waitMs 后重试
//	{0, -1}      锁被他人持有
var userMsgAcquireScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) then
  return {0, -1}
end
local delay = tonumber(ARGV[3])
if delay > 0 then
  local last = redis.call('GET', KEYS[2])
  if last then
    local t = redis.call('TIME')
    local now = t[1] * 1000 + math.floor(t[2] / 1000)
    local elapsed = now - tonumber(last)
    if elapsed < delay then
      return {0, delay - elapsed}
    end
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return {1, 0}
`)

// release 校验归属后写回完成时间并删锁；非持有者调用是空操作。
var userMsgReleaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  local t = redis.call('TIME')
  local now = t[1] * 1000 + math.floor(t[2] / 1000)
  redis.call('SET', KEYS[2], now, 'EX', 60)
  redis.call('DEL', KEYS[1])
  return 1
end
return 0
`)

// AccountLockCache 按账号串行化请求的分布式锁。
type AccountLockCache struct {
	rdb *redis.Client
}

func NewAccountLockCache(rdb *redis.Client) service.AccountLockStore {
	return &AccountLockCache{rdb: rdb}
}

func (c *AccountLockCache) Acquire(ctx context.Context, accountID, requestID string, lockTTLMs, delayMs int64) (service.LockResult, error) {
	vals, err := userMsgAcquireScript.Run(ctx, c.rdb,
		[]string{userMsgLockKey(accountID), userMsgLastKey(accountID)},
		requestID, lockTTLMs, delayMs).Int64Slice()
	if err != nil {
		return service.LockResult{}, fmt.Errorf("user msg lock acquire: %w", err)
	}
	if len(vals) != 2 {
		return service.LockResult{}, fmt.Errorf("user msg lock acquire: unexpected reply %v", vals)
	}
	return service.LockResult{Acquired: vals[0] == 1, WaitMs: vals[1]}, nil
}

// Release 归还锁并记录完成时间；只有持有者可以释放。
func (c *AccountLockCache) Release(ctx context.Context, accountID, requestID string) (bool, error) {
	n, err := userMsgReleaseScript.Run(ctx, c.rdb,
		[]string{userMsgLockKey(accountID), userMsgLastKey(accountID)}, requestID).Int64()
	if err != nil {
		return false, fmt.Errorf("user msg lock release: %w", err)
	}
	return n == 1, nil
}

// ForceRelease 无视归属直接删锁，仅供管理端清理卡死的锁。
func (c *AccountLockCache) ForceRelease(ctx context.Context, accountID string) error {
	if err := c.rdb.Del(ctx, userMsgLockKey(accountID)).Err(); err != nil {
		return fmt.Errorf("user msg lock force release: %w", err)
	}
	return nil
}
