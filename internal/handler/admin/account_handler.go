package admin

import (
	"errors"
	"net/http"

	"llmrelay/internal/service"

	"github.com/gin-gonic/gin"
)

// AccountHandler 上游账号管理接口。
type AccountHandler struct {
	admin *service.AdminService
}

func NewAccountHandler(admin *service.AdminService) *AccountHandler {
	return &AccountHandler{admin: admin}
}

type accountPayload struct {
	Name     string `json:"name" binding:"required"`
	Platform string `json:"platform" binding:"required"`

	Credential   string `json:"credential"`
	EndpointType string `json:"endpointType"`
	BaseURL      string `json:"baseUrl"`
	Proxy        string `json:"proxy"`

	Priority    int    `json:"priority"`
	AccountType string `json:"accountType"`

	IsActive    *bool `json:"isActive"`
	Schedulable *bool `json:"schedulable"`

	ModelMapping    map[string]string `json:"modelMapping"`
	SupportedModels []string          `json:"supportedModels"`
}

func (p *accountPayload) toAccount(id string) *service.Account {
	account := &service.Account{
		ID:           id,
		Name:         p.Name,
		Platform:     p.Platform,
		Credential:   p.Credential,
		EndpointType: p.EndpointType,
		BaseURL:      p.BaseURL,
		Proxy:        p.Proxy,
		Priority:     p.Priority,
		AccountType:  p.AccountType,
		IsActive:     true,
		Schedulable:  true,

		ModelMapping:    p.ModelMapping,
		SupportedModels: p.SupportedModels,
	}
	if p.IsActive != nil {
		account.IsActive = *p.IsActive
	}
	if p.Schedulable != nil {
		account.Schedulable = *p.Schedulable
	}
	return account
}

// sanitize 凭证不回显。
func sanitize(account *service.Account) *service.Account {
	clean := *account
	clean.Credential = ""
	return &clean
}

// Create POST /api/v1/admin/accounts
func (h *AccountHandler) Create(c *gin.Context) {
	var payload accountPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	account := payload.toAccount("")
	if err := h.admin.CreateAccount(c.Request.Context(), account); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create account failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": account.ID})
}

// Update PUT /api/v1/admin/accounts/:platform/:id
func (h *AccountHandler) Update(c *gin.Context) {
	var payload accountPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	account := payload.toAccount(c.Param("id"))
	account.Platform = c.Param("platform")
	if err := h.admin.UpdateAccount(c.Request.Context(), account); err != nil {
		if errors.Is(err, service.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update account failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": account.ID})
}

// Delete DELETE /api/v1/admin/accounts/:platform/:id
func (h *AccountHandler) Delete(c *gin.Context) {
	err := h.admin.DeleteAccount(c.Request.Context(), c.Param("platform"), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete account failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

// List GET /api/v1/admin/accounts/:platform
func (h *AccountHandler) List(c *gin.Context) {
	accounts, err := h.admin.ListAccounts(c.Request.Context(), c.Param("platform"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list accounts failed"})
		return
	}
	out := make([]*service.Account, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, sanitize(a))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

// Get GET /api/v1/admin/accounts/:platform/:id
func (h *AccountHandler) Get(c *gin.Context) {
	account, err := h.admin.GetAccount(c.Request.Context(), c.Param("platform"), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "load account failed"})
		return
	}
	c.JSON(http.StatusOK, sanitize(account))
}

// SetSchedulable PUT /api/v1/admin/accounts/:platform/:id/schedulable
func (h *AccountHandler) SetSchedulable(c *gin.Context) {
	var req struct {
		Schedulable bool `json:"schedulable"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.admin.SetAccountSchedulable(c.Request.Context(), c.Param("platform"), c.Param("id"), req.Schedulable)
	if err != nil {
		if errors.Is(err, service.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update schedulable failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedulable": req.Schedulable})
}

// ClearRateLimit POST /api/v1/admin/accounts/:platform/:id/clear-rate-limit
func (h *AccountHandler) ClearRateLimit(c *gin.Context) {
	h.admin.ClearAccountRateLimit(c.Request.Context(), c.Param("platform"), c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}
