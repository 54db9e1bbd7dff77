package service

import (
	"context"
	"testing"
	"time"

	"llmrelay/internal/domain"

	"github.com/stretchr/testify/require"
)

func schedulableAccount(id, platform string) *Account {
	return &Account{
		ID:          id,
		Name:        id,
		Platform:    platform,
		IsActive:    true,
		Schedulable: true,
		CreatedAt:   time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSchedulerSelectsByPriorityThenLastUsed(t *testing.T) {
	early := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)

	low := schedulableAccount("acc-low", domain.PlatformClaude)
	low.Priority = 10
	low.LastUsedAt = &late

	alsoLow := schedulableAccount("acc-low-idle", domain.PlatformClaude)
	alsoLow.Priority = 10
	alsoLow.LastUsedAt = &early

	high := schedulableAccount("acc-high", domain.PlatformClaude)
	high.Priority = 90

	accounts := newFakeAccountStore(low, alsoLow, high)
	s := NewSchedulerService(accounts, newFakeGroupStore(), newFakeSessionStore())

	sel, err := s.SelectAccount(context.Background(), &APIKey{ID: "k-1"}, domain.EndpointAnthropic, "", "")
	require.NoError(t, err)
	// 同优先级取更久未用的那个
	require.Equal(t, "acc-low-idle", sel.Account.ID)
	require.False(t, sel.StickyHit)
	require.False(t, sel.Dedicated)
	require.Contains(t, accounts.touched, "acc-low-idle")
}

func TestSchedulerFiltersUnschedulable(t *testing.T) {
	bad := schedulableAccount("acc-bad", domain.PlatformClaude)
	bad.Status = domain.AccountStatusError
	paused := schedulableAccount("acc-paused", domain.PlatformClaude)
	paused.Schedulable = false
	good := schedulableAccount("acc-good", domain.PlatformClaude)

	s := NewSchedulerService(newFakeAccountStore(bad, paused, good),
		newFakeGroupStore(), newFakeSessionStore())

	sel, err := s.SelectAccount(context.Background(), &APIKey{ID: "k-1"}, domain.EndpointAnthropic, "", "")
	require.NoError(t, err)
	require.Equal(t, "acc-good", sel.Account.ID)
}

func TestSchedulerNoCandidate(t *testing.T) {
	s := NewSchedulerService(newFakeAccountStore(), newFakeGroupStore(), newFakeSessionStore())

	_, err := s.SelectAccount(context.Background(), &APIKey{ID: "k-1"}, domain.EndpointAnthropic, "", "")
	re, ok := AsRelayError(err)
	require.True(t, ok)
	require.Equal(t, ErrKindNoAvailableAccount, re.Kind)
}

func TestSchedulerStickySession(t *testing.T) {
	a := schedulableAccount("acc-a", domain.PlatformClaude)
	a.Priority = 1
	b := schedulableAccount("acc-b", domain.PlatformClaude)
	b.Priority = 2

	sessions := newFakeSessionStore()
	s := NewSchedulerService(newFakeAccountStore(a, b), newFakeGroupStore(), sessions)
	key := &APIKey{ID: "k-1"}
	hash := StickySessionHash("user-1", "conv-1")

	// 首次未命中，选中后写入粘性映射
	sel, err := s.SelectAccount(context.Background(), key, domain.EndpointAnthropic, hash, "")
	require.NoError(t, err)
	require.False(t, sel.StickyHit)
	require.Equal(t, "acc-a", sel.Account.ID)

	// 把映射改到次优账号，验证粘性优先于排序
	stickyKey := "claude:" + domain.EndpointAnthropic + ":k-1:" + hash
	require.NoError(t, sessions.Set(context.Background(), stickyKey, "acc-b"))

	sel, err = s.SelectAccount(context.Background(), key, domain.EndpointAnthropic, hash, "")
	require.NoError(t, err)
	require.True(t, sel.StickyHit)
	require.Equal(t, "acc-b", sel.Account.ID)
	require.Equal(t, 1, sessions.renewals)
}

func TestSchedulerStickyStaleMappingDeleted(t *testing.T) {
	a := schedulableAccount("acc-a", domain.PlatformClaude)
	sessions := newFakeSessionStore()
	s := NewSchedulerService(newFakeAccountStore(a), newFakeGroupStore(), sessions)
	hash := StickySessionHash("user-1")

	// 映射指向已出局的账号，应被清除并回落到排序
	stickyKey := "claude:" + domain.EndpointAnthropic + ":k-1:" + hash
	require.NoError(t, sessions.Set(context.Background(), stickyKey, "acc-gone"))

	sel, err := s.SelectAccount(context.Background(), &APIKey{ID: "k-1"}, domain.EndpointAnthropic, hash, "")
	require.NoError(t, err)
	require.False(t, sel.StickyHit)
	require.Equal(t, "acc-a", sel.Account.ID)
	require.Equal(t, 1, sessions.deletes)
	require.Equal(t, "acc-a", sessions.sessions[stickyKey])
}

func TestSchedulerDedicatedBinding(t *testing.T) {
	bound := schedulableAccount("acc-bound", domain.PlatformClaude)
	bound.Priority = 99
	better := schedulableAccount("acc-better", domain.PlatformClaude)
	better.Priority = 1

	s := NewSchedulerService(newFakeAccountStore(bound, better),
		newFakeGroupStore(), newFakeSessionStore())
	key := &APIKey{ID: "k-1", ClaudeAccountID: "acc-bound"}

	sel, err := s.SelectAccount(context.Background(), key, domain.EndpointAnthropic, "", "")
	require.NoError(t, err)
	require.True(t, sel.Dedicated)
	require.Equal(t, "acc-bound", sel.Account.ID)
}

func TestSchedulerDroidEndpointUsesDroidPool(t *testing.T) {
	acc := schedulableAccount("acc-droid", domain.PlatformDroid)
	acc.EndpointType = domain.EndpointAnthropic

	s := NewSchedulerService(newFakeAccountStore(acc),
		newFakeGroupStore(), newFakeSessionStore())

	sel, err := s.SelectAccount(context.Background(), &APIKey{ID: "k-1"}, domain.EndpointDroid, "", "")
	require.NoError(t, err)
	require.Equal(t, "acc-droid", sel.Account.ID)

	// droid 账号不混入 anthropic 候选池
	_, err = s.SelectAccount(context.Background(), &APIKey{ID: "k-2"}, domain.EndpointAnthropic, "", "")
	re, ok := AsRelayError(err)
	require.True(t, ok)
	require.Equal(t, ErrKindNoAvailableAccount, re.Kind)
}

func TestSchedulerDroidDedicatedBinding(t *testing.T) {
	bound := schedulableAccount("acc-bound", domain.PlatformDroid)
	bound.Priority = 99
	better := schedulableAccount("acc-better", domain.PlatformDroid)
	better.Priority = 1

	s := NewSchedulerService(newFakeAccountStore(bound, better),
		newFakeGroupStore(), newFakeSessionStore())
	key := &APIKey{ID: "k-1", DroidAccountID: "acc-bound"}

	sel, err := s.SelectAccount(context.Background(), key, domain.EndpointDroid, "", "")
	require.NoError(t, err)
	require.True(t, sel.Dedicated)
	require.Equal(t, "acc-bound", sel.Account.ID)
}

func TestSchedulerDedicatedBindingUnschedulable(t *testing.T) {
	bound := schedulableAccount("acc-bound", domain.PlatformClaude)
	bound.IsActive = false
	pool := schedulableAccount("acc-pool", domain.PlatformClaude)

	s := NewSchedulerService(newFakeAccountStore(bound, pool),
		newFakeGroupStore(), newFakeSessionStore())
	key := &APIKey{ID: "k-1", ClaudeAccountID: "acc-bound"}

	// 绑定账号不可调度时不回落共享池
	_, err := s.SelectAccount(context.Background(), key, domain.EndpointAnthropic, "", "")
	re, ok := AsRelayError(err)
	require.True(t, ok)
	require.Equal(t, ErrKindNoAvailableAccount, re.Kind)
}

func TestSchedulerGroupBinding(t *testing.T) {
	member := schedulableAccount("acc-member", domain.PlatformClaudeConsole)
	outsider := schedulableAccount("acc-outside", domain.PlatformClaude)
	outsider.Priority = 1

	groups := newFakeGroupStore()
	require.NoError(t, groups.Save(context.Background(),
		&AccountGroup{ID: "g-1", Name: "pool", Platform: "claude"}))
	require.NoError(t, groups.AddMember(context.Background(), "g-1", domain.PlatformClaudeConsole, "acc-member"))

	s := NewSchedulerService(newFakeAccountStore(member, outsider), groups, newFakeSessionStore())
	key := &APIKey{ID: "k-1", ClaudeAccountID: domain.BindingPrefixGroup + "g-1"}

	// 分组成员按平台族展开，组外账号不参与
	sel, err := s.SelectAccount(context.Background(), key, domain.EndpointAnthropic, "", "")
	require.NoError(t, err)
	require.Equal(t, "acc-member", sel.Account.ID)
}

func TestSchedulerModelFilter(t *testing.T) {
	narrow := schedulableAccount("acc-narrow", domain.PlatformClaude)
	narrow.Priority = 1
	narrow.SupportedModels = []string{"claude-haiku-4-5"}
	wide := schedulableAccount("acc-wide", domain.PlatformClaude)
	wide.Priority = 2

	s := NewSchedulerService(newFakeAccountStore(narrow, wide),
		newFakeGroupStore(), newFakeSessionStore())

	sel, err := s.SelectAccount(context.Background(), &APIKey{ID: "k-1"},
		domain.EndpointAnthropic, "", "claude-opus-4-5")
	require.NoError(t, err)
	require.Equal(t, "acc-wide", sel.Account.ID)
}

func TestSchedulerSnapshotInvalidation(t *testing.T) {
	a := schedulableAccount("acc-a", domain.PlatformClaude)
	accounts := newFakeAccountStore(a)
	s := NewSchedulerService(accounts, newFakeGroupStore(), newFakeSessionStore())
	ctx := context.Background()

	_, err := s.SelectAccount(ctx, &APIKey{ID: "k-1"}, domain.EndpointAnthropic, "", "")
	require.NoError(t, err)

	// 快照在 TTL 内挡住新增账号，失效后立即可见
	b := schedulableAccount("acc-b", domain.PlatformClaude)
	b.Priority = 1
	require.NoError(t, accounts.Save(ctx, b))

	sel, err := s.SelectAccount(ctx, &APIKey{ID: "k-1"}, domain.EndpointAnthropic, "", "")
	require.NoError(t, err)
	require.Equal(t, "acc-a", sel.Account.ID)

	s.InvalidateSnapshot(domain.PlatformClaude)
	sel, err = s.SelectAccount(ctx, &APIKey{ID: "k-1"}, domain.EndpointAnthropic, "", "")
	require.NoError(t, err)
	require.Equal(t, "acc-b", sel.Account.ID)
}

func TestStickySessionHashStable(t *testing.T) {
	h1 := StickySessionHash("user-1", "conv-1")
	h2 := StickySessionHash("user-1", "conv-1")
	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, StickySessionHash("user-1", "conv-2"))
	// 分隔符防止字段拼接歧义
	require.NotEqual(t, StickySessionHash("ab", "c"), StickySessionHash("a", "bc"))
}
