package server

import (
	"testing"

	"llmrelay/internal/handler"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func registeredRoutes(t *testing.T) map[string]struct{} {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	registerRoutes(r, &handler.Handlers{}, nil, nil, nil)

	out := make(map[string]struct{}, 32)
	for _, route := range r.Routes() {
		out[route.Method+" "+route.Path] = struct{}{}
	}
	return out
}

func TestRegisterRoutesGatewaySurfaces(t *testing.T) {
	routes := registeredRoutes(t)
	for _, want := range []string{
		"POST /api/v1/messages",
		"POST /claude/v1/messages",
		"POST /openai/responses",
		"POST /openai/v1/responses",
		"POST /openai/v1/chat/completions",
		"POST /azure/v1/chat/completions",
		"POST /azure/v1/responses",
		"POST /gemini/v1beta/models/*action",
		"POST /bedrock/v1/messages",
		"POST /droid/claude/v1/messages",
		"POST /droid/openai/v1/chat/completions",
		"POST /comm/v1/messages",
	} {
		require.Contains(t, routes, want)
	}
}

func TestRegisterRoutesMetadataSurfaces(t *testing.T) {
	routes := registeredRoutes(t)
	for _, want := range []string{
		"GET /health",
		"GET /api/v1/models",
		"GET /claude/v1/models",
		"GET /openai/v1/models",
		"GET /api/v1/usage",
		"GET /api/v1/usage/records",
		"POST /api/v1/admin/auth/login",
	} {
		require.Contains(t, routes, want)
	}
}
