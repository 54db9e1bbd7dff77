package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"llmrelay/internal/domain"
	"llmrelay/internal/pkg/logger"

	"github.com/cespare/xxhash/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// endpointPlatforms 端点到候选平台的映射。绑定缺席时共享池从这些平台取。
var endpointPlatforms = map[string][]string{
	domain.EndpointAnthropic: {domain.PlatformClaude, domain.PlatformClaudeConsole, domain.PlatformCCR},
	domain.EndpointOpenAI:    {domain.PlatformOpenAI, domain.PlatformOpenAIResponses, domain.PlatformAzureOpenAI},
	domain.EndpointGemini:    {domain.PlatformGemini, domain.PlatformGeminiAPI},
	domain.EndpointBedrock:   {domain.PlatformBedrock},
	domain.EndpointDroid:     {domain.PlatformDroid},
	domain.EndpointComm:      {domain.PlatformDroid},
}

// familyPlatforms 分组平台族到具体平台的展开（分组成员允许跨同族平台）。
var familyPlatforms = map[string][]string{
	"claude": {domain.PlatformClaude, domain.PlatformClaudeConsole, domain.PlatformCCR},
	"openai": {domain.PlatformOpenAI, domain.PlatformOpenAIResponses, domain.PlatformAzureOpenAI},
	"gemini": {domain.PlatformGemini, domain.PlatformGeminiAPI},
	"droid":  {domain.PlatformDroid},
}

// stickyScopePlatform 粘性键的平台段。池可能跨平台，段名取端点的族名。
var stickyScopePlatform = map[string]string{
	domain.EndpointAnthropic: "claude",
	domain.EndpointOpenAI:    "openai",
	domain.EndpointGemini:    "gemini",
	domain.EndpointBedrock:   "bedrock",
	domain.EndpointDroid:     "droid",
	domain.EndpointComm:      "droid",
}

// StickySessionHash 把任意会话身份折叠成定长哈希，作为粘性键的末段。
func StickySessionHash(parts ...string) string {
	h := xxhash.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.WriteString("\x00")
		}
		_, _ = h.WriteString(p)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// Selection 一次调度结果。
type Selection struct {
	Account   *Account
	StickyHit bool
	// Dedicated 表示命中单账号绑定（粘性与排序都未参与）
	Dedicated bool
}

// SchedulerService 账号调度：候选解析 → 过滤 → 粘性 → 排序 → 发布。
type SchedulerService struct {
	accounts AccountStore
	groups   GroupStore
	sessions SessionStore

	// snapshot 平台账号快照的 TTL 缓存，抑制调度热路径上的全量 HGETALL
	snapshot *gocache.Cache
}

const snapshotTTL = 3 * time.Second

func NewSchedulerService(accounts AccountStore, groups GroupStore, sessions SessionStore) *SchedulerService {
	return &SchedulerService{
		accounts: accounts,
		groups:   groups,
		sessions: sessions,
		snapshot: gocache.New(snapshotTTL, time.Minute),
	}
}

// SelectAccount 为一次请求挑选上游账号。
// sessionHash 为空时不参与粘性；model 为空时跳过模型过滤。
func (s *SchedulerService) SelectAccount(ctx context.Context, key *APIKey, endpoint, sessionHash, model string) (*Selection, error) {
	candidates, dedicated, bound, err := s.resolveCandidates(ctx, key, endpoint)
	if err != nil {
		return nil, err
	}

	// 候选切片可能来自快照缓存，过滤必须落到新切片上
	filtered := make([]*Account, 0, len(candidates))
	for _, a := range candidates {
		if a.IsSchedulable() && a.ServesEndpoint(endpoint) && a.SupportsModel(model) {
			filtered = append(filtered, a)
		}
	}
	if len(filtered) == 0 {
		if bound {
			return nil, NewRelayError(ErrKindNoAvailableAccount,
				"bound account or group has no schedulable member")
		}
		return nil, NewRelayError(ErrKindNoAvailableAccount,
			fmt.Sprintf("no schedulable account for endpoint %s", endpoint))
	}

	// 单账号绑定：既不粘也不排，绑定即答案
	if dedicated {
		sel := &Selection{Account: filtered[0], Dedicated: true}
		s.publish(ctx, sel.Account)
		return sel, nil
	}

	stickyKey := ""
	if sessionHash != "" {
		stickyKey = s.stickyKey(endpoint, key.ID, sessionHash)
		if acct := s.stickyLookup(ctx, stickyKey, filtered); acct != nil {
			s.publish(ctx, acct)
			return &Selection{Account: acct, StickyHit: true}, nil
		}
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		a, b := filtered[i], filtered[j]
		if pa, pb := a.EffectivePriority(), b.EffectivePriority(); pa != pb {
			return pa < pb
		}
		if la, lb := a.LastUsedAtMillis(), b.LastUsedAtMillis(); la != lb {
			return la < lb
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	chosen := filtered[0]
	s.publish(ctx, chosen)
	if stickyKey != "" {
		if err := s.sessions.Set(ctx, stickyKey, chosen.ID); err != nil {
			logger.L().Warn("scheduler: sticky set failed", zap.Error(err))
		}
	}
	return &Selection{Account: chosen}, nil
}

func (s *SchedulerService) stickyKey(endpoint, keyID, sessionHash string) string {
	scope := stickyScopePlatform[endpoint]
	if keyID == "" {
		keyID = "default"
	}
	return scope + ":" + endpoint + ":" + keyID + ":" + sessionHash
}

// stickyLookup 命中且仍在候选集内则续期返回；映射账号已出局则删除映射。
func (s *SchedulerService) stickyLookup(ctx context.Context, stickyKey string, filtered []*Account) *Account {
	accountID, err := s.sessions.Get(ctx, stickyKey)
	if err != nil {
		logger.L().Warn("scheduler: sticky lookup failed", zap.Error(err))
		return nil
	}
	if accountID == "" {
		return nil
	}
	for _, a := range filtered {
		if a.ID == accountID {
			if _, err := s.sessions.RenewIfNeeded(ctx, stickyKey); err != nil {
				logger.L().Warn("scheduler: sticky renew failed", zap.Error(err))
			}
			return a
		}
	}
	if err := s.sessions.Delete(ctx, stickyKey); err != nil {
		logger.L().Warn("scheduler: sticky delete failed", zap.Error(err))
	}
	return nil
}

func (s *SchedulerService) publish(ctx context.Context, a *Account) {
	if err := s.accounts.TouchLastUsed(ctx, a.Platform, a.ID, time.Now()); err != nil {
		logger.L().Warn("scheduler: touch account failed",
			zap.String("accountId", a.ID), zap.Error(err))
	}
}

// resolveCandidates 返回候选账号集合。
// dedicated 表示绑定指向单账号；bound 表示绑定参与了解析（失败语义区分用）。
func (s *SchedulerService) resolveCandidates(ctx context.Context, key *APIKey, endpoint string) (candidates []*Account, dedicated, bound bool, err error) {
	binding := key.BindingForEndpoint(endpoint)
	kind, value := ParseBinding(binding)

	switch kind {
	case BindingGroup:
		accounts, err := s.groupMembers(ctx, value)
		if err != nil {
			return nil, false, true, err
		}
		return accounts, false, true, nil

	case BindingRaw, BindingAPI, BindingResponses:
		acct, err := s.boundAccount(ctx, endpoint, kind, value)
		if err != nil {
			return nil, false, true, err
		}
		if acct == nil {
			return nil, false, true, nil
		}
		return []*Account{acct}, true, true, nil
	}

	// ccr 绑定在 anthropic 端点上与 claude 绑定并存
	if endpoint == domain.EndpointAnthropic {
		if kind, value := ParseBinding(key.CCRBinding()); kind == BindingRaw {
			acct, err := s.getAccount(ctx, domain.PlatformCCR, value)
			if err != nil {
				return nil, false, true, err
			}
			if acct != nil {
				return []*Account{acct}, true, true, nil
			}
		}
	}

	// 共享池
	platforms := endpointPlatforms[endpoint]
	if len(platforms) == 0 {
		return nil, false, false, NewRelayError(ErrKindNoAvailableAccount,
			fmt.Sprintf("unknown endpoint %q", endpoint))
	}
	for _, platform := range platforms {
		accounts, err := s.listPlatform(ctx, platform)
		if err != nil {
			return nil, false, false, WrapRelayError(ErrKindStoreUnavailable, "load account pool", err)
		}
		candidates = append(candidates, accounts...)
	}
	return candidates, false, false, nil
}

// boundAccount 解析单账号绑定。类型前缀决定平台归属。
func (s *SchedulerService) boundAccount(ctx context.Context, endpoint string, kind BindingKind, id string) (*Account, error) {
	var platforms []string
	switch kind {
	case BindingAPI:
		platforms = []string{domain.PlatformClaudeConsole}
	case BindingResponses:
		platforms = []string{domain.PlatformOpenAIResponses}
	default:
		platforms = endpointPlatforms[endpoint]
	}
	for _, platform := range platforms {
		acct, err := s.getAccount(ctx, platform, id)
		if err != nil {
			return nil, err
		}
		if acct != nil {
			return acct, nil
		}
	}
	return nil, nil
}

func (s *SchedulerService) getAccount(ctx context.Context, platform, id string) (*Account, error) {
	acct, err := s.accounts.Get(ctx, platform, id)
	if err == ErrAccountNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, WrapRelayError(ErrKindStoreUnavailable, "load bound account", err)
	}
	return acct, nil
}

// groupMembers 展开分组成员。成员 id 在组平台族的各具体平台上逐一解析。
func (s *SchedulerService) groupMembers(ctx context.Context, groupID string) ([]*Account, error) {
	group, err := s.groups.Get(ctx, groupID)
	if err == ErrGroupNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, WrapRelayError(ErrKindStoreUnavailable, "load group", err)
	}
	memberIDs, err := s.groups.Members(ctx, groupID)
	if err != nil {
		return nil, WrapRelayError(ErrKindStoreUnavailable, "load group members", err)
	}

	platforms := familyPlatforms[group.Platform]
	if len(platforms) == 0 {
		platforms = []string{group.Platform}
	}
	out := make([]*Account, 0, len(memberIDs))
	for _, id := range memberIDs {
		for _, platform := range platforms {
			acct, err := s.getAccount(ctx, platform, id)
			if err != nil {
				return nil, err
			}
			if acct != nil {
				out = append(out, acct)
				break
			}
		}
	}
	return out, nil
}

// listPlatform 平台账号快照，短 TTL 缓存。
func (s *SchedulerService) listPlatform(ctx context.Context, platform string) ([]*Account, error) {
	if cached, ok := s.snapshot.Get(platform); ok {
		return cached.([]*Account), nil
	}
	accounts, err := s.accounts.ListByPlatform(ctx, platform)
	if err != nil {
		return nil, err
	}
	s.snapshot.Set(platform, accounts, snapshotTTL)
	return accounts, nil
}

// InvalidateSnapshot 管理端账号变更后立即失效快照。
func (s *SchedulerService) InvalidateSnapshot(platform string) {
	if platform == "" {
		s.snapshot.Flush()
		return
	}
	s.snapshot.Delete(platform)
}
