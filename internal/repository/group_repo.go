package repository

import (
	"context"
	"fmt"
	"time"

	"llmrelay/internal/service"

	"github.com/redis/go-redis/v9"
)

// GroupRepo 账号分组与成员关系。成员多对多，反向索引
// account_groups_reverse:<platform>:<accountId> 与正向成员集合同步维护。
type GroupRepo struct {
	rdb   *redis.Client
	store *Store
}

func NewGroupRepo(rdb *redis.Client, store *Store) service.GroupStore {
	return &GroupRepo{rdb: rdb, store: store}
}

func (r *GroupRepo) Get(ctx context.Context, id string) (*service.AccountGroup, error) {
	data, err := r.rdb.HGetAll(ctx, accountGroupKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall group: %w", err)
	}
	if len(data) == 0 {
		return nil, service.ErrGroupNotFound
	}
	return groupFromHash(id, data), nil
}

func (r *GroupRepo) Save(ctx context.Context, g *service.AccountGroup) error {
	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, accountGroupKey(g.ID), map[string]interface{}{
		"id":          g.ID,
		"name":        g.Name,
		"platform":    g.Platform,
		"description": g.Description,
		"createdAt":   g.CreatedAt.Format(time.RFC3339),
		"updatedAt":   g.UpdatedAt.Format(time.RFC3339),
	})
	pipe.SAdd(ctx, accountGroupsKey, g.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save group: %w", err)
	}
	return nil
}

// Delete 删除空分组。成员非空时拒绝（绑定检查由服务层完成）。
func (r *GroupRepo) Delete(ctx context.Context, id string) error {
	n, err := r.rdb.SCard(ctx, accountGroupMembersKey(id)).Result()
	if err != nil {
		return fmt.Errorf("scard group members: %w", err)
	}
	if n > 0 {
		return service.ErrGroupNotEmpty
	}
	pipe := r.rdb.TxPipeline()
	pipe.Del(ctx, accountGroupKey(id), accountGroupMembersKey(id))
	pipe.SRem(ctx, accountGroupsKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	return nil
}

func (r *GroupRepo) List(ctx context.Context) ([]*service.AccountGroup, error) {
	ids, err := r.rdb.SMembers(ctx, accountGroupsKey).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("smembers groups: %w", err)
	}
	out := make([]*service.AccountGroup, 0, len(ids))
	for _, id := range ids {
		g, err := r.Get(ctx, id)
		if err != nil {
			if err == service.ErrGroupNotFound {
				continue
			}
			return nil, err
		}
		out = append(out, g)
	}
	return out, nil
}

// Members 返回分组成员账号 id。
func (r *GroupRepo) Members(ctx context.Context, groupID string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, accountGroupMembersKey(groupID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("smembers group members: %w", err)
	}
	return members, nil
}

// AddMember 双向维护成员关系。
func (r *GroupRepo) AddMember(ctx context.Context, groupID, platform, accountID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, accountGroupMembersKey(groupID), accountID)
	pipe.SAdd(ctx, accountGroupsReverseKey(platform, accountID), groupID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add group member: %w", err)
	}
	return nil
}

func (r *GroupRepo) RemoveMember(ctx context.Context, groupID, platform, accountID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.SRem(ctx, accountGroupMembersKey(groupID), accountID)
	pipe.SRem(ctx, accountGroupsReverseKey(platform, accountID), groupID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("remove group member: %w", err)
	}
	return nil
}

// GroupsOfAccount 反向索引查询：账号归属的分组集合。
func (r *GroupRepo) GroupsOfAccount(ctx context.Context, platform, accountID string) ([]string, error) {
	ids, err := r.rdb.SMembers(ctx, accountGroupsReverseKey(platform, accountID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("smembers reverse index: %w", err)
	}
	return ids, nil
}

// RebuildReverseIndex 启动时从正向成员集合重建反向索引。
// 成员关系变更路径已双向维护，这里兜底修复历史数据。
func (r *GroupRepo) RebuildReverseIndex(ctx context.Context) error {
	groupIDs, err := r.rdb.SMembers(ctx, accountGroupsKey).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("smembers groups: %w", err)
	}
	for _, gid := range groupIDs {
		g, err := r.Get(ctx, gid)
		if err != nil {
			if err == service.ErrGroupNotFound {
				continue
			}
			return err
		}
		members, err := r.Members(ctx, gid)
		if err != nil {
			return err
		}
		if len(members) == 0 {
			continue
		}
		pipe := r.rdb.Pipeline()
		for _, accountID := range members {
			pipe.SAdd(ctx, accountGroupsReverseKey(g.Platform, accountID), gid)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("rebuild reverse index: %w", err)
		}
	}
	return nil
}

func groupFromHash(id string, data map[string]string) *service.AccountGroup {
	g := &service.AccountGroup{
		ID:          id,
		Name:        data["name"],
		Platform:    data["platform"],
		Description: data["description"],
	}
	if t := parseTimePtr(data["createdAt"]); t != nil {
		g.CreatedAt = *t
	}
	if t := parseTimePtr(data["updatedAt"]); t != nil {
		g.UpdatedAt = *t
	}
	return g
}
