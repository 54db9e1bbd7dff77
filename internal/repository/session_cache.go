package repository

import (
	"context"
	"fmt"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/service"

	"github.com/redis/go-redis/v9"
)

// stickyRenewScript 剩余 TTL 低于阈值时才续满，避免每次请求都写 EXPIRE。
// 返回 1 表示发生续期。
var stickyRenewScript = redis.NewScript(`
local ttl = redis.call('PTTL', KEYS[1])
if ttl >= 0 and ttl < tonumber(ARGV[1]) then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  return 1
end
return 0
`)

// SessionCache 粘性会话映射 sticky_session:<scopedHash> → accountId。
type SessionCache struct {
	rdb       *redis.Client
	ttl       time.Duration
	renewBelo time.Duration
}

func NewSessionCache(rdb *redis.Client, cfg *config.Config) service.SessionStore {
	return &SessionCache{
		rdb:       rdb,
		ttl:       time.Duration(cfg.Session.StickyTTLHours) * time.Hour,
		renewBelo: time.Duration(cfg.Session.RenewalThresholdMinutes) * time.Minute,
	}
}

// Get 返回映射的账号 id；无映射时返回空串。
func (c *SessionCache) Get(ctx context.Context, scopedHash string) (string, error) {
	accountID, err := c.rdb.Get(ctx, stickySessionKey(scopedHash)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get sticky session: %w", err)
	}
	return accountID, nil
}

func (c *SessionCache) Set(ctx context.Context, scopedHash, accountID string) error {
	if err := c.rdb.Set(ctx, stickySessionKey(scopedHash), accountID, c.ttl).Err(); err != nil {
		return fmt.Errorf("set sticky session: %w", err)
	}
	return nil
}

// RenewIfNeeded 剩余 TTL 低于阈值时续满，返回是否续期。
func (c *SessionCache) RenewIfNeeded(ctx context.Context, scopedHash string) (bool, error) {
	n, err := stickyRenewScript.Run(ctx, c.rdb, []string{stickySessionKey(scopedHash)},
		c.renewBelo.Milliseconds(), c.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew sticky session: %w", err)
	}
	return n == 1, nil
}

// Delete 映射账号不再可调度时摘除映射。
func (c *SessionCache) Delete(ctx context.Context, scopedHash string) error {
	if err := c.rdb.Del(ctx, stickySessionKey(scopedHash)).Err(); err != nil {
		return fmt.Errorf("delete sticky session: %w", err)
	}
	return nil
}
