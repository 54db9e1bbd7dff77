package service

import (
	"context"
	"strings"
	"testing"

	"llmrelay/internal/config"
	"llmrelay/internal/domain"

	"github.com/stretchr/testify/require"
)

func newHealthTestEnv(t *testing.T, accounts *fakeAccountStore) *AccountHealthService {
	t.Helper()
	cfg := &config.Config{}
	cfg.Gateway.RateLimitAutoClearMinutes = 60
	cfg.Gateway.TempErrorRecoverMinutes = 10

	timers, err := NewTimingWheelService()
	require.NoError(t, err)
	t.Cleanup(timers.Stop)

	scheduler := NewSchedulerService(accounts, newFakeGroupStore(), newFakeSessionStore())
	return NewAccountHealthService(accounts, scheduler, timers, cfg)
}

func TestHandleUpstreamErrorStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{401, domain.AccountStatusUnauthorized},
		{403, domain.AccountStatusBlocked},
		{500, domain.AccountStatusTempError},
		{529, domain.AccountStatusTempError},
	}

	for _, tc := range cases {
		account := schedulableAccount("acc-1", domain.PlatformClaude)
		accounts := newFakeAccountStore(account)
		health := newHealthTestEnv(t, accounts)

		health.HandleUpstreamError(context.Background(), account, tc.status, "upstream said no")
		require.Equal(t, tc.want, account.Status, "status %d", tc.status)
		require.False(t, account.IsSchedulable())
	}
}

func TestHandleUpstreamErrorIgnoresClientErrors(t *testing.T) {
	account := schedulableAccount("acc-1", domain.PlatformClaude)
	accounts := newFakeAccountStore(account)
	health := newHealthTestEnv(t, accounts)

	health.HandleUpstreamError(context.Background(), account, 400, "bad request")
	require.Empty(t, account.Status)
	require.True(t, account.IsSchedulable())
}

func TestHandleUpstreamErrorRateLimit(t *testing.T) {
	account := schedulableAccount("acc-1", domain.PlatformClaude)
	accounts := newFakeAccountStore(account)
	health := newHealthTestEnv(t, accounts)
	ctx := context.Background()

	health.HandleUpstreamError(ctx, account, 429, "")
	require.Equal(t, domain.RateLimitStatusLimited, account.RateLimitStatus)
	require.NotNil(t, account.RateLimitResetAt)
	require.False(t, account.IsSchedulable())

	health.ClearRateLimit(ctx, domain.PlatformClaude, "acc-1")
	require.Empty(t, account.RateLimitStatus)
	require.True(t, account.IsSchedulable())
}

func TestTruncateError(t *testing.T) {
	// 凭证字段脱敏
	got := truncateError(`{"error":"denied","access_token":"secret-value"}`)
	require.Contains(t, got, `"***"`)
	require.NotContains(t, got, "secret-value")

	// 超长响应体截断
	long := strings.Repeat("x", 2000)
	require.Len(t, truncateError(long), 500)

	require.Equal(t, "plain failure", truncateError("  plain failure "))
}
