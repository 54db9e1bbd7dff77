package service

import (
	"context"
	"sync"
	"testing"

	"llmrelay/internal/config"
	"llmrelay/internal/domain"
	"llmrelay/internal/pkg/timeutil"

	"github.com/stretchr/testify/require"
)

func TestSwitchableStatus(t *testing.T) {
	for _, status := range []int{401, 403, 408, 429, 500, 502, 503, 529} {
		require.True(t, switchableStatus(status), "status %d", status)
	}
	// 客户端错误原样透传，换号无意义
	for _, status := range []int{400, 404, 413, 422} {
		require.False(t, switchableStatus(status), "status %d", status)
	}
}

func TestNewRequestID(t *testing.T) {
	a := NewRequestID()
	b := NewRequestID()
	require.NotEmpty(t, a)
	require.NotEqual(t, a, b)
}

// upstreamCall 单次转发脚本；hook 在返回前执行，用于模拟连接中断等副作用。
type upstreamCall struct {
	result *UpstreamResult
	err    error
	hook   func()
}

type fakeUpstream struct {
	mu      sync.Mutex
	scripts []upstreamCall
	calls   []string // 按顺序记录被转发的账号 ID
}

func (u *fakeUpstream) Forward(_ context.Context, account *Account, _ *RelayRequest) (*UpstreamResult, error) {
	u.mu.Lock()
	u.calls = append(u.calls, account.ID)
	var call upstreamCall
	if len(u.scripts) > 0 {
		call = u.scripts[0]
		u.scripts = u.scripts[1:]
	} else {
		call = upstreamCall{result: &UpstreamResult{
			StatusCode: 200,
			Usage:      TokenUsage{InputTokens: 100, OutputTokens: 10},
		}}
	}
	u.mu.Unlock()
	if call.hook != nil {
		call.hook()
	}
	return call.result, call.err
}

type relayTestEnv struct {
	svc         *RelayService
	cfg         *config.Config
	accounts    *fakeAccountStore
	usage       *fakeUsageStore
	concurrency *fakeConcurrencyStore
	locks       *fakeAccountLockStore
	upstream    *fakeUpstream
}

func newRelayTestEnv(t *testing.T, key *APIKey, accounts ...*Account) *relayTestEnv {
	t.Helper()

	cfg := &config.Config{}
	cfg.APIKeyAuth.L1TTLSeconds = 30
	cfg.RateLimit.DefaultWindowSeconds = 60
	cfg.Queue.DefaultTimeoutMs = 300
	cfg.Queue.PollIntervalMs = 10
	cfg.Concurrency.LeaseSeconds = 60
	cfg.Concurrency.RenewIntervalSeconds = 30
	cfg.Gateway.MaxAccountSwitches = 3
	cfg.Gateway.RateLimitAutoClearMinutes = 60
	cfg.Gateway.TempErrorRecoverMinutes = 10
	cfg.Pricing.RequestTimeout = 5

	env := &relayTestEnv{
		cfg:         cfg,
		accounts:    newFakeAccountStore(accounts...),
		usage:       newFakeUsageStore(),
		concurrency: newFakeConcurrencyStore(),
		locks:       &fakeAccountLockStore{},
		upstream:    &fakeUpstream{},
	}

	keyStore := newFakeAPIKeyStore(key)
	rateLimit := &fakeRateLimitStore{allowed: true}

	authCache, err := NewAPIKeyAuthCache(keyStore, cfg)
	require.NoError(t, err)
	keys := NewAPIKeyService(authCache, env.usage, rateLimit,
		env.concurrency, newFakeQueueStore(), timeutil.NewCalendar(0), cfg)

	scheduler := NewSchedulerService(env.accounts, newFakeGroupStore(), newFakeSessionStore())

	timers, err := NewTimingWheelService()
	require.NoError(t, err)
	t.Cleanup(timers.Stop)
	health := NewAccountHealthService(env.accounts, scheduler, timers, cfg)

	pricing, err := NewPricingService(cfg)
	require.NoError(t, err)
	t.Cleanup(pricing.Stop)
	require.NoError(t, pricing.loadFromBytes([]byte(testPricingTable)))
	usage := NewUsageService(env.usage, rateLimit, keyStore, pricing, timeutil.NewCalendar(0), cfg)

	env.svc = NewRelayService(keys, scheduler, usage, health, env.locks, env.upstream, cfg)
	return env
}

func relayRequest(key *APIKey) *RelayRequest {
	return &RelayRequest{
		Key:      key,
		Endpoint: domain.EndpointAnthropic,
		Model:    "claude-opus-4-5",
		Body:     []byte(`{"model":"claude-opus-4-5"}`),
	}
}

func TestRelayHandleSuccess(t *testing.T) {
	key := activeKey("k-1")
	env := newRelayTestEnv(t, key, schedulableAccount("acc-1", domain.PlatformClaude))

	err := env.svc.Handle(context.Background(), relayRequest(key))
	require.NoError(t, err)
	require.Equal(t, []string{"acc-1"}, env.upstream.calls)

	// 成功后入账并归还并发额度
	require.Len(t, env.usage.increments, 1)
	require.Equal(t, "claude-opus-4-5", env.usage.increments[0].Model)
	active, err := env.concurrency.ActiveCount(context.Background(), key.ID)
	require.NoError(t, err)
	require.Zero(t, active)
}

func TestRelayHandleSwitchesOnServerError(t *testing.T) {
	key := activeKey("k-1")
	first := schedulableAccount("acc-a", domain.PlatformClaude)
	first.Priority = 1
	second := schedulableAccount("acc-b", domain.PlatformClaude)
	second.Priority = 2
	env := newRelayTestEnv(t, key, first, second)

	env.upstream.scripts = []upstreamCall{
		{result: &UpstreamResult{StatusCode: 500, ErrorBody: `{"error":"overloaded"}`}},
	}

	err := env.svc.Handle(context.Background(), relayRequest(key))
	require.NoError(t, err)
	require.Equal(t, []string{"acc-a", "acc-b"}, env.upstream.calls)

	// 故障账号被标记下线，后续调度绕开
	require.Equal(t, domain.AccountStatusTempError, first.Status)
	require.Empty(t, second.Status)
	require.Len(t, env.usage.increments, 1)
}

func TestRelayHandleSwitchesOnAccountRateLimit(t *testing.T) {
	key := activeKey("k-1")
	first := schedulableAccount("acc-a", domain.PlatformClaude)
	first.Priority = 1
	second := schedulableAccount("acc-b", domain.PlatformClaude)
	second.Priority = 2
	env := newRelayTestEnv(t, key, first, second)

	env.upstream.scripts = []upstreamCall{
		{result: &UpstreamResult{StatusCode: 429}},
	}

	err := env.svc.Handle(context.Background(), relayRequest(key))
	require.NoError(t, err)
	require.Equal(t, []string{"acc-a", "acc-b"}, env.upstream.calls)
	require.Equal(t, domain.RateLimitStatusLimited, first.RateLimitStatus)
}

func TestRelayHandleDoesNotSwitchOnClientError(t *testing.T) {
	key := activeKey("k-1")
	first := schedulableAccount("acc-a", domain.PlatformClaude)
	first.Priority = 1
	second := schedulableAccount("acc-b", domain.PlatformClaude)
	second.Priority = 2
	env := newRelayTestEnv(t, key, first, second)

	env.upstream.scripts = []upstreamCall{
		{result: &UpstreamResult{StatusCode: 400, ErrorBody: `{"error":"bad request"}`}},
	}

	err := env.svc.Handle(context.Background(), relayRequest(key))
	re, ok := AsRelayError(err)
	require.True(t, ok)
	require.Equal(t, ErrKindUpstreamError, re.Kind)
	require.Equal(t, 400, re.Status)
	require.Equal(t, []string{"acc-a"}, env.upstream.calls)
	// 客户端错误不影响账号健康
	require.Empty(t, first.Status)
}

func TestRelayHandleNoSwitchAfterResponseStarted(t *testing.T) {
	key := activeKey("k-1")
	first := schedulableAccount("acc-a", domain.PlatformClaude)
	first.Priority = 1
	second := schedulableAccount("acc-b", domain.PlatformClaude)
	second.Priority = 2
	env := newRelayTestEnv(t, key, first, second)

	// 流式响应中途失败：前缀已写穿客户端，不允许换号重放
	env.upstream.scripts = []upstreamCall{
		{result: &UpstreamResult{StatusCode: 529, BodyWritten: true}},
	}

	err := env.svc.Handle(context.Background(), relayRequest(key))
	re, ok := AsRelayError(err)
	require.True(t, ok)
	require.Equal(t, ErrKindUpstreamError, re.Kind)
	require.Equal(t, 529, re.Status)
	require.Equal(t, []string{"acc-a"}, env.upstream.calls)
}

func TestRelayHandleClientDisconnect(t *testing.T) {
	key := activeKey("k-1")
	env := newRelayTestEnv(t, key, schedulableAccount("acc-1", domain.PlatformClaude))

	ctx, cancel := context.WithCancel(context.Background())
	env.upstream.scripts = []upstreamCall{
		{err: context.Canceled, hook: cancel},
	}

	err := env.svc.Handle(ctx, relayRequest(key))
	requireKind(t, err, ErrKindClientDisconnect)
	require.Equal(t, []string{"acc-1"}, env.upstream.calls)

	// 中断后并发额度仍被归还
	active, aerr := env.concurrency.ActiveCount(context.Background(), key.ID)
	require.NoError(t, aerr)
	require.Zero(t, active)
}

func TestRelayHandleExhaustsCandidates(t *testing.T) {
	key := activeKey("k-1")
	only := schedulableAccount("acc-1", domain.PlatformClaude)
	env := newRelayTestEnv(t, key, only)

	env.upstream.scripts = []upstreamCall{
		{result: &UpstreamResult{StatusCode: 500, ErrorBody: `{"error":"down"}`}},
	}

	// 唯一账号失败且被标记后，返回最后一次上游错误
	err := env.svc.Handle(context.Background(), relayRequest(key))
	re, ok := AsRelayError(err)
	require.True(t, ok)
	require.Equal(t, ErrKindUpstreamError, re.Kind)
	require.Equal(t, 500, re.Status)
	require.Equal(t, []string{"acc-1"}, env.upstream.calls)
}

func TestRelayHandleAccountLockBracket(t *testing.T) {
	key := activeKey("k-1")
	env := newRelayTestEnv(t, key, schedulableAccount("acc-1", domain.PlatformClaude))
	env.cfg.Gateway.UserMessageLockTTLMs = 1000

	err := env.svc.Handle(context.Background(), relayRequest(key))
	require.NoError(t, err)
	require.Equal(t, []string{"acc-1"}, env.locks.acquires)
	require.Equal(t, []string{"acc-1"}, env.locks.releases)
}
