package handler

import (
	"net/http"

	"llmrelay/internal/server/middleware"
	"llmrelay/internal/service"

	"github.com/gin-gonic/gin"
)

// ModelsHandler key 可见模型列表。
type ModelsHandler struct {
	pricing *service.PricingService
}

func NewModelsHandler(pricing *service.PricingService) *ModelsHandler {
	return &ModelsHandler{pricing: pricing}
}

// List 开启模型限制的 key 只看到白名单，其余返回全价格表模型。
func (h *ModelsHandler) List(c *gin.Context) {
	key := middleware.APIKeyFromContext(c)

	var names []string
	if key != nil && key.EnableModelRestriction && len(key.RestrictedModels) > 0 {
		names = key.RestrictedModels
	} else {
		names = h.pricing.Models()
	}

	data := make([]gin.H, 0, len(names))
	for _, name := range names {
		data = append(data, gin.H{"id": name, "object": "model"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}
