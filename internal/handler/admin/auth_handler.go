// Package admin 管理端 HTTP 入口。
package admin

import (
	"errors"
	"net/http"

	"llmrelay/internal/service"

	"github.com/gin-gonic/gin"
)

// AuthHandler 管理端登录。
type AuthHandler struct {
	admin *service.AdminService
}

func NewAuthHandler(admin *service.AdminService) *AuthHandler {
	return &AuthHandler{admin: admin}
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	TotpCode string `json:"totpCode"`
}

// Login POST /api/v1/admin/auth/login
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}
	token, err := h.admin.Login(req.Username, req.Password, req.TotpCode)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAdminBadTOTP):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid totp code"})
		case errors.Is(err, service.ErrAdminBadCredentials):
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "login failed"})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}
