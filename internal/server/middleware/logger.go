package middleware

import (
	"time"

	"llmrelay/internal/pkg/ctxkey"
	"llmrelay/internal/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Logger 请求日志中间件
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		path := c.Request.URL.Path

		c.Next()

		// 跳过健康检查等高频探针路径的日志
		if path == "/health" {
			return
		}

		latency := time.Since(startTime)
		ctx := c.Request.Context()
		requestID, _ := ctx.Value(ctxkey.RequestID).(string)
		keyID, _ := ctx.Value(ctxkey.APIKeyID).(string)
		accountID, _ := ctx.Value(ctxkey.AccountID).(string)
		platform, _ := ctx.Value(ctxkey.Platform).(string)
		model, _ := ctx.Value(ctxkey.Model).(string)

		fields := []zap.Field{
			zap.String("component", "http.access"),
			zap.Int("status_code", c.Writer.Status()),
			zap.Int64("latency_ms", latency.Milliseconds()),
			zap.String("client_ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
		}
		if requestID != "" {
			fields = append(fields, zap.String("request_id", requestID))
		}
		if keyID != "" {
			fields = append(fields, zap.String("key_id", keyID))
		}
		if accountID != "" {
			fields = append(fields, zap.String("account_id", accountID))
		}
		if platform != "" {
			fields = append(fields, zap.String("platform", platform))
		}
		if model != "" {
			fields = append(fields, zap.String("model", model))
		}

		l := logger.L().With(fields...)
		l.Info("http request completed")

		if len(c.Errors) > 0 {
			l.Warn("http request contains gin errors", zap.String("errors", c.Errors.String()))
		}
	}
}
