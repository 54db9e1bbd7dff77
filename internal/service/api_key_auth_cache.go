package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"llmrelay/internal/config"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"
)

// HashAPIKey 计算 key 明文的内容哈希（hash_map 的字段名）。
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// authCacheEntry L1 条目。NotFound 为负缓存，防穿透。
type authCacheEntry struct {
	NotFound bool
	Key      *APIKey
}

// APIKeyAuthCache 认证热路径的进程内 L1。
// 键为内容哈希；正缓存短 TTL 容忍管理端变更延迟，负缓存更短。
type APIKeyAuthCache struct {
	store APIKeyStore

	l1          *ristretto.Cache
	ttl         time.Duration
	negativeTTL time.Duration

	sf           singleflight.Group
	singleflight bool
}

func NewAPIKeyAuthCache(store APIKeyStore, cfg *config.Config) (*APIKeyAuthCache, error) {
	size := int64(cfg.APIKeyAuth.L1Size)
	if size <= 0 {
		size = 4096
	}
	l1, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &APIKeyAuthCache{
		store:        store,
		l1:           l1,
		ttl:          time.Duration(cfg.APIKeyAuth.L1TTLSeconds) * time.Second,
		negativeTTL:  time.Duration(cfg.APIKeyAuth.NegativeTTLSeconds) * time.Second,
		singleflight: cfg.APIKeyAuth.Singleflight,
	}, nil
}

// Load 按哈希取 key 记录。未命中回源仓储；并发回源按哈希合并。
func (c *APIKeyAuthCache) Load(ctx context.Context, hash string) (*APIKey, error) {
	if v, ok := c.l1.Get(hash); ok {
		entry := v.(*authCacheEntry)
		if entry.NotFound {
			return nil, ErrAPIKeyNotFound
		}
		return entry.Key, nil
	}

	if !c.singleflight {
		return c.loadFromStore(ctx, hash)
	}
	v, err, _ := c.sf.Do(hash, func() (interface{}, error) {
		return c.loadFromStore(ctx, hash)
	})
	if err != nil {
		return nil, err
	}
	return v.(*APIKey), nil
}

func (c *APIKeyAuthCache) loadFromStore(ctx context.Context, hash string) (*APIKey, error) {
	id, err := c.store.GetIDByHash(ctx, hash)
	if err == ErrAPIKeyNotFound {
		c.l1.SetWithTTL(hash, &authCacheEntry{NotFound: true}, 1, c.negativeTTL)
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	key, err := c.store.GetByID(ctx, id)
	if err == ErrAPIKeyNotFound {
		c.l1.SetWithTTL(hash, &authCacheEntry{NotFound: true}, 1, c.negativeTTL)
		return nil, ErrAPIKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	c.l1.SetWithTTL(hash, &authCacheEntry{Key: key}, 1, c.ttl)
	return key, nil
}

// Invalidate 管理端变更后摘除缓存条目。
func (c *APIKeyAuthCache) Invalidate(hash string) {
	if hash != "" {
		c.l1.Del(hash)
	}
}
