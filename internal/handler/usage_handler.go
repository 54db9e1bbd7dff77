package handler

import (
	"net/http"
	"strconv"

	"llmrelay/internal/server/middleware"
	"llmrelay/internal/service"

	"github.com/gin-gonic/gin"
)

// UsageHandler key 自助用量查询。
type UsageHandler struct {
	usage *service.UsageService
}

func NewUsageHandler(usage *service.UsageService) *UsageHandler {
	return &UsageHandler{usage: usage}
}

// Summary GET /api/v1/usage
func (h *UsageHandler) Summary(c *gin.Context) {
	key := middleware.APIKeyFromContext(c)
	if key == nil {
		c.JSON(http.StatusUnauthorized, errorBody("invalid_credentials", "not authenticated"))
		return
	}
	summary, err := h.usage.Summary(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorBody("store_unavailable", "usage read failed"))
		return
	}
	c.JSON(http.StatusOK, summary)
}

// Records GET /api/v1/usage/records?limit=N
func (h *UsageHandler) Records(c *gin.Context) {
	key := middleware.APIKeyFromContext(c)
	if key == nil {
		c.JSON(http.StatusUnauthorized, errorBody("invalid_credentials", "not authenticated"))
		return
	}
	limit := int64(50)
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 && n <= 200 {
			limit = n
		}
	}
	records, err := h.usage.Records(c.Request.Context(), key.ID, limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, errorBody("store_unavailable", "records read failed"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}
