package middleware

import (
	"net/http"
	"strings"

	"llmrelay/internal/service"

	"github.com/gin-gonic/gin"
)

// adminSubjectKey gin context 里存放登录主体的键。
const adminSubjectKey = "auth.adminSubject"

// AdminAuth 管理端 JWT 校验。
func AdminAuth(admin *service.AdminService) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := strings.TrimSpace(c.GetHeader("Authorization"))
		if !strings.HasPrefix(strings.ToLower(auth), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		subject, err := admin.ValidateToken(strings.TrimSpace(auth[len("bearer "):]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(adminSubjectKey, subject)
		c.Next()
	}
}
