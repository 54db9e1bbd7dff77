package middleware

import (
	"context"
	"strings"

	"llmrelay/internal/pkg/ctxkey"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// RequestID 为每个请求签发（或透传）请求 ID，写入 context 与响应头。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader("X-Request-Id"))
		if id == "" {
			id = uuid.NewString()
		}
		ctx := context.WithValue(c.Request.Context(), ctxkey.RequestID, id)
		c.Request = c.Request.WithContext(ctx)
		c.Writer.Header().Set("X-Request-Id", id)
		c.Next()
	}
}
