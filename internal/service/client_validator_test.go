package service

import (
	"testing"

	"llmrelay/internal/domain"

	"github.com/stretchr/testify/require"
)

func TestClientValidatorUnrestricted(t *testing.T) {
	v := NewClientValidator()

	clientType, err := v.Validate(nil, "curl/8.0", "/api/v1/messages")
	require.NoError(t, err)
	require.Empty(t, clientType)
}

func TestClientValidatorBuiltinProfiles(t *testing.T) {
	v := NewClientValidator()

	cases := []struct {
		name    string
		allowed []string
		ua      string
		path    string
		want    string
		wantErr bool
	}{
		{
			name:    "claude code on messages",
			allowed: []string{domain.ClientClaudeCode},
			ua:      "claude-cli/1.0.119 (external, cli)",
			path:    "/api/v1/messages",
			want:    domain.ClientClaudeCode,
		},
		{
			name:    "claude code case insensitive",
			allowed: []string{domain.ClientClaudeCode},
			ua:      "Claude-CLI/2.1.0",
			path:    "/claude/v1/messages",
			want:    domain.ClientClaudeCode,
		},
		{
			name:    "claude code denied on chat completions",
			allowed: []string{domain.ClientClaudeCode},
			ua:      "claude-cli/1.0.119",
			path:    "/v1/chat/completions",
			wantErr: true,
		},
		{
			name:    "claude code wrong version format",
			allowed: []string{domain.ClientClaudeCode},
			ua:      "claude-cli/dev",
			path:    "/api/v1/messages",
			wantErr: true,
		},
		{
			name:    "codex underscore variant",
			allowed: []string{domain.ClientCodexCLI},
			ua:      "codex_0.29.0",
			path:    "/openai/v1/responses",
			want:    domain.ClientCodexCLI,
		},
		{
			name:    "gemini cli off its prefix",
			allowed: []string{domain.ClientGeminiCLI},
			ua:      "gemini-cli/0.4.1",
			path:    "/api/v1/messages",
			wantErr: true,
		},
		{
			name:    "droid serves comm",
			allowed: []string{domain.ClientDroidCLI},
			ua:      "droid/1.2.3",
			path:    "/comm/v1/messages",
			want:    domain.ClientDroidCLI,
		},
		{
			name:    "first matching entry wins",
			allowed: []string{domain.ClientGeminiCLI, domain.ClientClaudeCode},
			ua:      "claude-cli/1.0.119",
			path:    "/api/v1/messages",
			want:    domain.ClientClaudeCode,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clientType, err := v.Validate(tc.allowed, tc.ua, tc.path)
			if tc.wantErr {
				re, ok := AsRelayError(err)
				require.True(t, ok)
				require.Equal(t, ErrKindClientNotAllowed, re.Kind)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, clientType)
		})
	}
}

func TestClientValidatorCustomPattern(t *testing.T) {
	v := NewClientValidator()
	allowed := []string{`^my-agent/\d+`}

	clientType, err := v.Validate(allowed, "my-agent/3 linux", "/api/v1/messages")
	require.NoError(t, err)
	require.Equal(t, allowed[0], clientType)

	// 自定义正则不限路径
	_, err = v.Validate(allowed, "my-agent/3", "/v1/chat/completions")
	require.NoError(t, err)

	_, err = v.Validate(allowed, "other-agent/3", "/api/v1/messages")
	re, ok := AsRelayError(err)
	require.True(t, ok)
	require.Equal(t, ErrKindClientNotAllowed, re.Kind)
}

func TestClientValidatorInvalidCustomPattern(t *testing.T) {
	v := NewClientValidator()

	// 非法正则条目永不匹配，重复调用走缓存的 nil
	for i := 0; i < 2; i++ {
		_, err := v.Validate([]string{"(unclosed"}, "anything", "/api/v1/messages")
		re, ok := AsRelayError(err)
		require.True(t, ok)
		require.Equal(t, ErrKindClientNotAllowed, re.Kind)
	}
}
