package admin

import (
	"errors"
	"net/http"
	"time"

	"llmrelay/internal/service"

	"github.com/gin-gonic/gin"
)

// APIKeyHandler API Key 管理接口。
type APIKeyHandler struct {
	admin *service.AdminService
	usage *service.UsageService
}

func NewAPIKeyHandler(admin *service.AdminService, usage *service.UsageService) *APIKeyHandler {
	return &APIKeyHandler{admin: admin, usage: usage}
}

// apiKeyPayload 创建/更新共用的请求体。
type apiKeyPayload struct {
	Name             string   `json:"name" binding:"required"`
	Tags             []string `json:"tags"`
	IsActive         *bool    `json:"isActive"`
	OwnerDisplayName string   `json:"ownerDisplayName"`

	AllowedClients         []string `json:"allowedClients"`
	RestrictedModels       []string `json:"restrictedModels"`
	EnableModelRestriction bool     `json:"enableModelRestriction"`

	TokenLimit          int64   `json:"tokenLimit"`
	DailyCostLimit      float64 `json:"dailyCostLimit"`
	TotalCostLimit      float64 `json:"totalCostLimit"`
	WeeklyOpusCostLimit float64 `json:"weeklyOpusCostLimit"`
	WeeklyResetDay      int     `json:"weeklyResetDay"`
	WeeklyResetHour     int     `json:"weeklyResetHour"`

	RateLimitWindow   int     `json:"rateLimitWindow"`
	RateLimitRequests int64   `json:"rateLimitRequests"`
	RateLimitTokens   int64   `json:"rateLimitTokens"`
	RateLimitCost     float64 `json:"rateLimitCost"`
	MaxConcurrency    int     `json:"maxConcurrency"`

	ActivationDuration int                `json:"activationDuration"`
	ServiceRates       map[string]float64 `json:"serviceRates"`

	ClaudeAccountID        string `json:"claudeAccountId"`
	ClaudeConsoleAccountID string `json:"claudeConsoleAccountId"`
	GeminiAccountID        string `json:"geminiAccountId"`
	OpenAIAccountID        string `json:"openaiAccountId"`
	BedrockAccountID       string `json:"bedrockAccountId"`
	DroidAccountID         string `json:"droidAccountId"`
	CCRAccountID           string `json:"ccrAccountId"`

	ExpiresAt *time.Time `json:"expiresAt"`
}

func (p *apiKeyPayload) toKey(id string) *service.APIKey {
	key := &service.APIKey{
		ID:               id,
		Name:             p.Name,
		Tags:             p.Tags,
		IsActive:         true,
		OwnerDisplayName: p.OwnerDisplayName,

		AllowedClients:         p.AllowedClients,
		RestrictedModels:       p.RestrictedModels,
		EnableModelRestriction: p.EnableModelRestriction,

		TokenLimit:          p.TokenLimit,
		DailyCostLimit:      p.DailyCostLimit,
		TotalCostLimit:      p.TotalCostLimit,
		WeeklyOpusCostLimit: p.WeeklyOpusCostLimit,
		WeeklyResetDay:      p.WeeklyResetDay,
		WeeklyResetHour:     p.WeeklyResetHour,

		RateLimitWindow:   p.RateLimitWindow,
		RateLimitRequests: p.RateLimitRequests,
		RateLimitTokens:   p.RateLimitTokens,
		RateLimitCost:     p.RateLimitCost,
		MaxConcurrency:    p.MaxConcurrency,

		ActivationDuration: p.ActivationDuration,
		ServiceRates:       p.ServiceRates,

		ClaudeAccountID:        p.ClaudeAccountID,
		ClaudeConsoleAccountID: p.ClaudeConsoleAccountID,
		GeminiAccountID:        p.GeminiAccountID,
		OpenAIAccountID:        p.OpenAIAccountID,
		BedrockAccountID:       p.BedrockAccountID,
		DroidAccountID:         p.DroidAccountID,
		CCRAccountID:           p.CCRAccountID,

		ExpiresAt: p.ExpiresAt,
	}
	if p.IsActive != nil {
		key.IsActive = *p.IsActive
	}
	return key
}

// Create POST /api/v1/admin/keys — 明文 key 只在本响应返回一次。
func (h *APIKeyHandler) Create(c *gin.Context) {
	var payload apiKeyPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := payload.toKey("")
	plain, err := h.admin.CreateAPIKey(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create key failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": key.ID, "key": plain})
}

// Update PUT /api/v1/admin/keys/:id
func (h *APIKeyHandler) Update(c *gin.Context) {
	var payload apiKeyPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := payload.toKey(c.Param("id"))
	if err := h.admin.UpdateAPIKey(c.Request.Context(), key); err != nil {
		if errors.Is(err, service.ErrAPIKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update key failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": key.ID})
}

// Delete DELETE /api/v1/admin/keys/:id
func (h *APIKeyHandler) Delete(c *gin.Context) {
	if err := h.admin.DeleteAPIKey(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, service.ErrAPIKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete key failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// List GET /api/v1/admin/keys?tag=xx
func (h *APIKeyHandler) List(c *gin.Context) {
	keys, err := h.admin.ListAPIKeys(c.Request.Context(), c.Query("tag"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list keys failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

// Usage GET /api/v1/admin/keys/:id/usage
func (h *APIKeyHandler) Usage(c *gin.Context) {
	key, err := h.admin.GetAPIKey(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrAPIKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "key not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load key failed"})
		return
	}
	summary, err := h.usage.Summary(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "usage read failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
