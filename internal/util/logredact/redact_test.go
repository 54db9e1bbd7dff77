package logredact

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactJSON(t *testing.T) {
	got := RedactJSON([]byte(`{"user":"alice","api_key":"sk-123","nested":{"refresh_token":"tok-456"}}`))
	require.Contains(t, got, `"user":"alice"`)
	require.NotContains(t, got, "sk-123")
	require.NotContains(t, got, "tok-456")
	require.Equal(t, 2, strings.Count(got, `"***"`))
}

func TestRedactJSONUpstreamCredentials(t *testing.T) {
	got := RedactJSON([]byte(`{"Authorization":"Bearer tok","X-Api-Key":"sk-abc","model":"claude-sonnet-4-5"}`))
	require.NotContains(t, got, "Bearer tok")
	require.NotContains(t, got, "sk-abc")
	require.Contains(t, got, `"model":"claude-sonnet-4-5"`)
}

func TestRedactJSONExtraKeys(t *testing.T) {
	got := RedactJSON([]byte(`{"Session-Token":"s-1","other":"v"}`), "session-token")
	require.NotContains(t, got, "s-1")
	require.Contains(t, got, `"other":"v"`)
}

func TestRedactJSONNonJSON(t *testing.T) {
	require.Equal(t, "<non-json payload redacted>", RedactJSON([]byte("plain text")))
	require.Equal(t, "", RedactJSON(nil))
}

func TestRedactMap(t *testing.T) {
	got := RedactMap(map[string]any{
		"password": "hunter2",
		"list":     []any{map[string]any{"credential": "enc-blob"}},
		"keep":     42,
	})
	require.Equal(t, "***", got["password"])
	require.Equal(t, 42, got["keep"])
	inner := got["list"].([]any)[0].(map[string]any)
	require.Equal(t, "***", inner["credential"])

	require.NotNil(t, RedactMap(nil))
}
