package repository

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// scanCount 单次 SCAN 的 COUNT 提示
	scanCount = 500
	// hgetallChunkSize 流水线批量 HGETALL 的分片大小，限制单批内存占用
	hgetallChunkSize = 100
	// deleteChunkSize 批量删除分片大小
	deleteChunkSize = 500
	// defaultScanMaxIterations 游标迭代上限，防止持有错误 pattern 时扫描失控
	defaultScanMaxIterations = 10000

	emptyMarkerTTL = time.Hour
)

// Store 在 go-redis 客户端之上提供分片扫描与索引回退。
// 全键空间 pattern 可能命中数百万 key，所有批量路径都必须分片。
type Store struct {
	rdb *redis.Client
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Client() *redis.Client {
	return s.rdb
}

// ScanKeys 按 pattern 扫描键并去重。
// maxIterations <= 0 时使用默认上限；达到上限即返回已收集的结果。
func (s *Store) ScanKeys(ctx context.Context, pattern string, maxIterations int) ([]string, error) {
	if maxIterations <= 0 {
		maxIterations = defaultScanMaxIterations
	}

	seen := make(map[string]struct{})
	keys := make([]string, 0, 64)
	var cursor uint64

	for i := 0; i < maxIterations; i++ {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", pattern, err)
		}
		for _, k := range batch {
			// SCAN 可能重复返回同一 key
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			keys = append(keys, k)
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
	return keys, nil
}

// ScanAndProcess 流式处理：取一批、交给 fn、释放后再继续扫描。
// fn 返回错误即中止。批内已去重，跨批由调用方自行容忍少量重复。
func (s *Store) ScanAndProcess(ctx context.Context, pattern string, fn func(ctx context.Context, keys []string) error) error {
	var cursor uint64
	for i := 0; i < defaultScanMaxIterations; i++ {
		batch, next, err := s.rdb.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return fmt.Errorf("scan %s: %w", pattern, err)
		}
		if len(batch) > 0 {
			batch = dedupeStrings(batch)
			if err := fn(ctx, batch); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
	return nil
}

// BatchHGetAll 分片流水线批量 HGETALL。不存在的 key 映射为空 map。
func (s *Store) BatchHGetAll(ctx context.Context, keys []string) (map[string]map[string]string, error) {
	out := make(map[string]map[string]string, len(keys))
	for start := 0; start < len(keys); start += hgetallChunkSize {
		end := start + hgetallChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[start:end]

		pipe := s.rdb.Pipeline()
		cmds := make([]*redis.MapStringStringCmd, len(chunk))
		for i, key := range chunk {
			cmds[i] = pipe.HGetAll(ctx, key)
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, fmt.Errorf("batch hgetall: %w", err)
		}
		for i, cmd := range cmds {
			out[chunk[i]] = cmd.Val()
		}
	}
	return out, nil
}

// BatchDelete 分片批量删除。
func (s *Store) BatchDelete(ctx context.Context, keys []string) error {
	for start := 0; start < len(keys); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		if err := s.rdb.Del(ctx, keys[start:end]...).Err(); err != nil {
			return fmt.Errorf("batch delete: %w", err)
		}
	}
	return nil
}

// GetAllIDsByIndex 索引优先的 id 枚举，索引缺失时回退 SCAN 并回填。
//
//  1. <indexKey>:empty 标记存在 → 直接返回空集
//  2. SMEMBERS 非空 → 命中索引
//  3. SCAN pattern，用 extract 的首个捕获组提取 id，回填 SADD；
//     一无所获时写入 1 小时的 empty 标记，避免反复全量扫描
func (s *Store) GetAllIDsByIndex(ctx context.Context, indexKey, scanPattern string, extract *regexp.Regexp) ([]string, error) {
	emptyKey := indexKey + ":empty"

	flag, err := s.rdb.Get(ctx, emptyKey).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get empty marker %s: %w", emptyKey, err)
	}
	if flag == "1" {
		return []string{}, nil
	}

	members, err := s.rdb.SMembers(ctx, indexKey).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("smembers %s: %w", indexKey, err)
	}
	if len(members) > 0 {
		return members, nil
	}

	keys, err := s.ScanKeys(ctx, scanPattern, 0)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		m := extract.FindStringSubmatch(key)
		if len(m) >= 2 && m[1] != "" {
			ids = append(ids, m[1])
		}
	}
	ids = dedupeStrings(ids)

	if len(ids) == 0 {
		if err := s.rdb.Set(ctx, emptyKey, "1", emptyMarkerTTL).Err(); err != nil {
			return nil, fmt.Errorf("set empty marker %s: %w", emptyKey, err)
		}
		return []string{}, nil
	}

	for start := 0; start < len(ids); start += deleteChunkSize {
		end := start + deleteChunkSize
		if end > len(ids) {
			end = len(ids)
		}
		args := make([]interface{}, 0, end-start)
		for _, id := range ids[start:end] {
			args = append(args, id)
		}
		if err := s.rdb.SAdd(ctx, indexKey, args...).Err(); err != nil {
			return nil, fmt.Errorf("backfill index %s: %w", indexKey, err)
		}
	}
	return ids, nil
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
