// Package handler 网关侧 HTTP 入口。
package handler

import (
	"context"
	"io"
	"net/http"
	"strings"

	"llmrelay/internal/config"
	"llmrelay/internal/domain"
	"llmrelay/internal/pkg/ctxkey"
	"llmrelay/internal/server/middleware"
	"llmrelay/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
)

// GatewayHandler 各 provider 端点共用的中继入口。
type GatewayHandler struct {
	relay *service.RelayService
	cfg   *config.Config
}

func NewGatewayHandler(relay *service.RelayService, cfg *config.Config) *GatewayHandler {
	return &GatewayHandler{relay: relay, cfg: cfg}
}

// Messages 返回指定端点的消息处理函数。
// 请求体只用 gjson 探测（model/stream/metadata.user_id/speed），不整体反序列化。
func (h *GatewayHandler) Messages(endpoint string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := middleware.APIKeyFromContext(c)
		if key == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("invalid_credentials", "not authenticated"))
			return
		}

		limit := h.cfg.Server.MaxRequestBodySize
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("invalid_request", "failed to read request body"))
			return
		}
		if int64(len(body)) > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorBody("invalid_request", "request body too large"))
			return
		}

		root := gjson.ParseBytes(body)
		model := strings.TrimSpace(root.Get("model").Str)
		if model == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("invalid_request", "model is required"))
			return
		}

		speed := root.Get("speed").Str
		if speed == "" {
			speed = root.Get("request_speed").Str
		}

		req := &service.RelayRequest{
			Key:         key,
			Endpoint:    endpoint,
			RequestID:   c.Writer.Header().Get("X-Request-Id"),
			Model:       model,
			SessionHash: sessionHash(key.ID, root),
			Body:        body,
			Stream:      root.Get("stream").Bool(),
			BetaHeader:  c.GetHeader("anthropic-beta"),
			Speed:       speed,
			Writer:      c.Writer,
		}

		ctx := context.WithValue(c.Request.Context(), ctxkey.Model, model)
		ctx = context.WithValue(ctx, ctxkey.Endpoint, endpoint)
		c.Request = c.Request.WithContext(ctx)

		if err := h.relay.Handle(ctx, req); err != nil {
			respondRelayError(c, err)
			return
		}
	}
}

// GeminiGenerate 原生 Gemini 端点：模型与动作在路径里而非请求体。
// 路由形如 /gemini/v1beta/models/*action，action = "<model>:generateContent"。
func (h *GatewayHandler) GeminiGenerate() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := middleware.APIKeyFromContext(c)
		if key == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("invalid_credentials", "not authenticated"))
			return
		}

		raw := strings.TrimPrefix(c.Param("action"), "/")
		model, action, ok := strings.Cut(raw, ":")
		model = strings.TrimSpace(model)
		if !ok || model == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("invalid_request", "model is required"))
			return
		}

		limit := h.cfg.Server.MaxRequestBodySize
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, limit+1))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("invalid_request", "failed to read request body"))
			return
		}
		if int64(len(body)) > limit {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, errorBody("invalid_request", "request body too large"))
			return
		}

		req := &service.RelayRequest{
			Key:       key,
			Endpoint:  domain.EndpointGemini,
			RequestID: c.Writer.Header().Get("X-Request-Id"),
			Model:     model,
			Body:      body,
			Stream:    action == "streamGenerateContent" || c.Query("alt") == "sse",
			Writer:    c.Writer,
		}

		ctx := context.WithValue(c.Request.Context(), ctxkey.Model, model)
		ctx = context.WithValue(ctx, ctxkey.Endpoint, domain.EndpointGemini)
		c.Request = c.Request.WithContext(ctx)

		if err := h.relay.Handle(ctx, req); err != nil {
			respondRelayError(c, err)
			return
		}
	}
}

// sessionHash 会话亲和标识：优先 metadata.user_id，其次 session_id 字段。
// 两者皆无时返回空，放弃粘性。
func sessionHash(keyID string, root gjson.Result) string {
	if userID := strings.TrimSpace(root.Get("metadata.user_id").Str); userID != "" {
		return service.StickySessionHash(keyID, userID)
	}
	if sessionID := strings.TrimSpace(root.Get("session_id").Str); sessionID != "" {
		return service.StickySessionHash(keyID, sessionID)
	}
	return ""
}

// respondRelayError 已写流的请求只能静默收尾；其余按错误类别回 JSON。
func respondRelayError(c *gin.Context, err error) {
	if c.Writer.Written() {
		return
	}
	re, ok := service.AsRelayError(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, errorBody("internal_error", "internal server error"))
		return
	}
	for name, value := range re.Hints {
		c.Writer.Header().Set(name, value)
	}
	if re.Kind == service.ErrKindUpstreamError && re.Message != "" &&
		strings.HasPrefix(strings.TrimSpace(re.Message), "{") {
		// 上游错误体镜像透传
		c.Data(re.HTTPStatus(), "application/json", []byte(re.Message))
		return
	}
	c.JSON(re.HTTPStatus(), errorBody(string(re.Kind), re.Message))
}

func errorBody(kind, message string) gin.H {
	return gin.H{"error": gin.H{"type": kind, "message": message}}
}
