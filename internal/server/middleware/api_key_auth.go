package middleware

import (
	"context"
	"net/http"
	"strings"

	"llmrelay/internal/pkg/ctxkey"
	"llmrelay/internal/service"

	"github.com/gin-gonic/gin"
)

// apiKeyContextKey gin context 里存放认证后 *service.APIKey 的键。
const apiKeyContextKey = "auth.apiKey"

// APIKeyAuth 网关认证：取凭证 → 认证 → 客户端限制校验。
// 通过后把 key 放进 gin context，key id / client type 写入 request context。
func APIKeyAuth(keys *service.APIKeyService, validator *service.ClientValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := extractAPIKey(c)
		key, err := keys.Authenticate(c.Request.Context(), rawKey)
		if err != nil {
			abortWithRelayError(c, err)
			return
		}

		clientType, err := validator.Validate(key.AllowedClients, c.GetHeader("User-Agent"), c.Request.URL.Path)
		if err != nil {
			abortWithRelayError(c, err)
			return
		}

		c.Set(apiKeyContextKey, key)
		ctx := context.WithValue(c.Request.Context(), ctxkey.APIKeyID, key.ID)
		if clientType != "" {
			ctx = context.WithValue(ctx, ctxkey.ClientType, clientType)
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// APIKeyFromContext 取出认证后的 key；认证中间件之后调用必定存在。
func APIKeyFromContext(c *gin.Context) *service.APIKey {
	if v, ok := c.Get(apiKeyContextKey); ok {
		if key, ok := v.(*service.APIKey); ok {
			return key
		}
	}
	return nil
}

// extractAPIKey 依次尝试 x-api-key、Authorization: Bearer、x-goog-api-key。
func extractAPIKey(c *gin.Context) string {
	if v := strings.TrimSpace(c.GetHeader("x-api-key")); v != "" {
		return v
	}
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return strings.TrimSpace(c.GetHeader("x-goog-api-key"))
}

// abortWithRelayError 把 RelayError 映射成 HTTP 响应（含限流提示头）。
func abortWithRelayError(c *gin.Context, err error) {
	if re, ok := service.AsRelayError(err); ok {
		for name, value := range re.Hints {
			c.Writer.Header().Set(name, value)
		}
		c.AbortWithStatusJSON(re.HTTPStatus(), gin.H{
			"error": gin.H{"type": string(re.Kind), "message": re.Message},
		})
		return
	}
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{"type": "internal_error", "message": "internal server error"},
	})
}
