package repository

import (
	"context"
	"fmt"
	"time"

	"llmrelay/internal/service"

	"github.com/redis/go-redis/v9"
)

// 滑动窗口限流。窗口起点存 unix 秒（rate_limit:window_start:<keyId>），
// 过期时四个计数键在同一脚本内原子重置，避免半新半旧的窗口。

// rollWindow 内嵌片段：窗口过期则重置。KEYS 顺序固定为
// window_start, requests, tokens, cost；ARGV[1]=now(s) ARGV[2]=window(s)。
const rollWindowLua = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local start = tonumber(redis.call('GET', KEYS[1]))
if not start or now - start >= window then
  redis.call('SET', KEYS[1], now, 'EX', window)
  redis.call('DEL', KEYS[2], KEYS[3], KEYS[4])
  start = now
end
`

// checkRequest 请求数预检：超限时不累加，返回 {allowed, count, windowStart}。
// limit<=0 表示不限但仍计数（供仪表盘展示）。
var rateLimitCheckScript = redis.NewScript(rollWindowLua + `
local limit = tonumber(ARGV[3])
local current = tonumber(redis.call('GET', KEYS[2])) or 0
if limit > 0 and current + 1 > limit then
  return {0, current, start}
end
local n = redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[2], window)
return {1, n, start}
`)

// addUsage 请求完成后累加 token 与费用（微美元）。
var rateLimitAddUsageScript = redis.NewScript(rollWindowLua + `
local n = 0
if tonumber(ARGV[3]) > 0 then
  n = redis.call('INCRBY', KEYS[3], ARGV[3])
  redis.call('EXPIRE', KEYS[3], window)
end
local c = 0
if tonumber(ARGV[4]) > 0 then
  c = redis.call('INCRBY', KEYS[4], ARGV[4])
  redis.call('EXPIRE', KEYS[4], window)
end
return {n, c}
`)

// RateLimitCache API Key 维度的多指标窗口限流。
type RateLimitCache struct {
	rdb *redis.Client
}

func NewRateLimitCache(rdb *redis.Client) service.RateLimitStore {
	return &RateLimitCache{rdb: rdb}
}

func (c *RateLimitCache) keys(keyID string) []string {
	return []string{
		rateLimitWindowStartKey(keyID),
		rateLimitRequestsKey(keyID),
		rateLimitTokensKey(keyID),
		rateLimitCostKey(keyID),
	}
}

// CheckRequest 请求计数预检。now 由调用方传入（秒）。
func (c *RateLimitCache) CheckRequest(ctx context.Context, keyID string, now int64, windowSec int, limit int64) (service.RateLimitState, error) {
	vals, err := rateLimitCheckScript.Run(ctx, c.rdb, c.keys(keyID), now, windowSec, limit).Int64Slice()
	if err != nil {
		return service.RateLimitState{}, fmt.Errorf("rate limit check: %w", err)
	}
	if len(vals) != 3 {
		return service.RateLimitState{}, fmt.Errorf("rate limit check: unexpected reply %v", vals)
	}
	return service.RateLimitState{Allowed: vals[0] == 1, Requests: vals[1], WindowStart: vals[2]}, nil
}

// AddUsage 累加本窗口的 token 与费用；返回累加后的值。
// 费用按微美元整数累加，浮点费用由调用方预先转换。
func (c *RateLimitCache) AddUsage(ctx context.Context, keyID string, now int64, windowSec int, tokens, costMicro int64) (int64, int64, error) {
	vals, err := rateLimitAddUsageScript.Run(ctx, c.rdb, c.keys(keyID), now, windowSec, tokens, costMicro).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit add usage: %w", err)
	}
	if len(vals) != 2 {
		return 0, 0, fmt.Errorf("rate limit add usage: unexpected reply %v", vals)
	}
	return vals[0], vals[1], nil
}

// Usage 返回当前窗口已累计的 token 与费用（微美元），用于 token/cost 上限比较。
func (c *RateLimitCache) Usage(ctx context.Context, keyID string) (tokens, costMicro int64, err error) {
	pipe := c.rdb.Pipeline()
	tokenCmd := pipe.Get(ctx, rateLimitTokensKey(keyID))
	costCmd := pipe.Get(ctx, rateLimitCostKey(keyID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, fmt.Errorf("rate limit usage: %w", err)
	}
	tokens, _ = tokenCmd.Int64()
	costMicro, _ = costCmd.Int64()
	return tokens, costMicro, nil
}

// WindowResetAt 返回窗口重置时间，窗口不存在时返回零值。
func (c *RateLimitCache) WindowResetAt(ctx context.Context, keyID string, windowSec int) (time.Time, error) {
	start, err := c.rdb.Get(ctx, rateLimitWindowStartKey(keyID)).Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("rate limit window start: %w", err)
	}
	return time.Unix(start+int64(windowSec), 0), nil
}
