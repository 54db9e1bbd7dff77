package admin

import (
	"net/http"
	"time"

	"llmrelay/internal/config"
	"llmrelay/internal/pkg/logger"
	"llmrelay/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DashboardHandler 总览与实时指标推送。
type DashboardHandler struct {
	dashboard *service.DashboardService
	cfg       *config.Config
	upgrader  websocket.Upgrader
}

func NewDashboardHandler(dashboard *service.DashboardService, cfg *config.Config) *DashboardHandler {
	return &DashboardHandler{
		dashboard: dashboard,
		cfg:       cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// 管理端已通过 JWT 鉴权，跨域交给 CORS 中间件
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Overview GET /api/v1/admin/dashboard
func (h *DashboardHandler) Overview(c *gin.Context) {
	overview, err := h.dashboard.Overview(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "dashboard read failed"})
		return
	}
	c.JSON(http.StatusOK, overview)
}

// Stream GET /api/v1/admin/dashboard/ws — 按固定间隔推送实时指标。
func (h *DashboardHandler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 失败时已写入 HTTP 错误响应
		return
	}
	defer conn.Close()

	interval := time.Duration(h.cfg.Admin.DashboardPushIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}

	// 读 goroutine 只负责感知对端关闭
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		metrics, err := h.dashboard.Realtime(ctx)
		if err != nil {
			logger.L().Warn("realtime metrics read failed", zap.Error(err))
		} else {
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(metrics); err != nil {
				return
			}
		}

		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
