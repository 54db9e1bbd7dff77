// Package server HTTP 服务装配：gin 引擎、中间件链与路由注册。
package server

import (
	"net/http"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/domain"
	"llmrelay/internal/handler"
	"llmrelay/internal/server/middleware"
	"llmrelay/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/wire"
)

var ProviderSet = wire.NewSet(NewRouter, NewHTTPServer)

// NewRouter 装配中间件链并注册全部路由。
func NewRouter(
	h *handler.Handlers,
	keys *service.APIKeyService,
	validator *service.ClientValidator,
	admin *service.AdminService,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.Server.Mode)
	r := gin.New()
	r.Use(gin.Recovery())
	_ = r.SetTrustedProxies(cfg.Server.TrustedProxies)

	r.Use(middleware.RequestID())
	r.Use(middleware.Logger())
	r.Use(middleware.CORS(cfg.CORS))

	registerRoutes(r, h, keys, validator, admin)
	return r
}

func registerRoutes(
	r *gin.Engine,
	h *handler.Handlers,
	keys *service.APIKeyService,
	validator *service.ClientValidator,
	admin *service.AdminService,
) {
	r.GET("/health", h.Health.Check)

	apiKeyAuth := middleware.APIKeyAuth(keys, validator)

	// Anthropic 原生端点（Claude Code 默认路径 + 前缀别名）
	for _, base := range []string{"/api", "/claude"} {
		g := r.Group(base+"/v1", apiKeyAuth)
		g.POST("/messages", h.Gateway.Messages(domain.EndpointAnthropic))
		g.GET("/models", h.Models.List)
	}
	r.GET("/api/v1/usage", apiKeyAuth, h.Usage.Summary)
	r.GET("/api/v1/usage/records", apiKeyAuth, h.Usage.Records)

	// OpenAI 兼容端点（/openai/responses 为无版本前缀的别名）
	openai := r.Group("/openai", apiKeyAuth)
	openai.POST("/responses", h.Gateway.Messages(domain.EndpointOpenAI))
	openai.POST("/v1/chat/completions", h.Gateway.Messages(domain.EndpointOpenAI))
	openai.POST("/v1/responses", h.Gateway.Messages(domain.EndpointOpenAI))
	openai.GET("/v1/models", h.Models.List)

	// Azure OpenAI 端点，与 /openai 共用 openai 候选池
	azure := r.Group("/azure/v1", apiKeyAuth)
	azure.POST("/chat/completions", h.Gateway.Messages(domain.EndpointOpenAI))
	azure.POST("/responses", h.Gateway.Messages(domain.EndpointOpenAI))

	// Gemini 原生端点：模型名在路径里
	gemini := r.Group("/gemini", apiKeyAuth)
	gemini.POST("/v1beta/models/*action", h.Gateway.GeminiGenerate())

	// Bedrock / Droid / 通用端点
	r.POST("/bedrock/v1/messages", apiKeyAuth, h.Gateway.Messages(domain.EndpointBedrock))
	// Droid 端点：两种协议面都走 droid 候选池，协议差异由上游客户端处理
	droid := r.Group("/droid", apiKeyAuth)
	droid.POST("/claude/v1/messages", h.Gateway.Messages(domain.EndpointDroid))
	droid.POST("/openai/v1/chat/completions", h.Gateway.Messages(domain.EndpointDroid))
	r.POST("/comm/v1/messages", apiKeyAuth, h.Gateway.Messages(domain.EndpointComm))

	registerAdminRoutes(r, h, admin)
}

func registerAdminRoutes(r *gin.Engine, h *handler.Handlers, admin *service.AdminService) {
	root := r.Group("/api/v1/admin", middleware.SecurityHeaders())
	root.POST("/auth/login", h.AdminAuth.Login)

	g := root.Group("", middleware.AdminAuth(admin))

	g.GET("/keys", h.AdminKeys.List)
	g.POST("/keys", h.AdminKeys.Create)
	g.PUT("/keys/:id", h.AdminKeys.Update)
	g.DELETE("/keys/:id", h.AdminKeys.Delete)
	g.GET("/keys/:id/usage", h.AdminKeys.Usage)

	g.GET("/accounts/:platform", h.AdminAccounts.List)
	g.POST("/accounts", h.AdminAccounts.Create)
	g.GET("/accounts/:platform/:id", h.AdminAccounts.Get)
	g.PUT("/accounts/:platform/:id", h.AdminAccounts.Update)
	g.DELETE("/accounts/:platform/:id", h.AdminAccounts.Delete)
	g.PUT("/accounts/:platform/:id/schedulable", h.AdminAccounts.SetSchedulable)
	g.POST("/accounts/:platform/:id/clear-rate-limit", h.AdminAccounts.ClearRateLimit)

	g.GET("/groups", h.AdminGroups.List)
	g.POST("/groups", h.AdminGroups.Create)
	g.PUT("/groups/:id", h.AdminGroups.Update)
	g.DELETE("/groups/:id", h.AdminGroups.Delete)
	g.GET("/groups/:id/members", h.AdminGroups.Members)
	g.POST("/groups/:id/members", h.AdminGroups.AddMember)
	g.DELETE("/groups/:id/members/:platform/:accountId", h.AdminGroups.RemoveMember)

	g.GET("/dashboard", h.AdminDashboard.Overview)
	g.GET("/dashboard/ws", h.AdminDashboard.Stream)
}

// NewHTTPServer 包装 gin 引擎为可优雅关停的 http.Server。
func NewHTTPServer(r *gin.Engine, cfg *config.Config) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Address(),
		Handler:           r,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadHeaderTimeout) * time.Second,
		IdleTimeout:       time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}
}
