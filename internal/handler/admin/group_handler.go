package admin

import (
	"errors"
	"net/http"

	"llmrelay/internal/service"

	"github.com/gin-gonic/gin"
)

// GroupHandler 账号分组管理接口。
type GroupHandler struct {
	admin *service.AdminService
}

func NewGroupHandler(admin *service.AdminService) *GroupHandler {
	return &GroupHandler{admin: admin}
}

type groupPayload struct {
	Name        string `json:"name" binding:"required"`
	Platform    string `json:"platform" binding:"required"`
	Description string `json:"description"`
}

// Create POST /api/v1/admin/groups
func (h *GroupHandler) Create(c *gin.Context) {
	var payload groupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	group := &service.AccountGroup{
		Name:        payload.Name,
		Platform:    payload.Platform,
		Description: payload.Description,
	}
	if err := h.admin.CreateGroup(c.Request.Context(), group); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create group failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": group.ID})
}

// Update PUT /api/v1/admin/groups/:id
func (h *GroupHandler) Update(c *gin.Context) {
	var payload groupPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	group := &service.AccountGroup{
		ID:          c.Param("id"),
		Name:        payload.Name,
		Platform:    payload.Platform,
		Description: payload.Description,
	}
	if err := h.admin.UpdateGroup(c.Request.Context(), group); err != nil {
		if errors.Is(err, service.ErrGroupNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update group failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": group.ID})
}

// Delete DELETE /api/v1/admin/groups/:id — 组内有成员或仍被绑定时返回 409。
func (h *GroupHandler) Delete(c *gin.Context) {
	if err := h.admin.DeleteGroup(c.Request.Context(), c.Param("id")); err != nil {
		switch {
		case errors.Is(err, service.ErrGroupNotEmpty):
			c.JSON(http.StatusConflict, gin.H{"error": "group still has members or bindings"})
		case errors.Is(err, service.ErrGroupNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "delete group failed"})
		}
		return
	}
	c.Status(http.StatusNoContent)
}

// List GET /api/v1/admin/groups
func (h *GroupHandler) List(c *gin.Context) {
	groups, err := h.admin.ListGroups(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list groups failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

// Members GET /api/v1/admin/groups/:id/members
func (h *GroupHandler) Members(c *gin.Context) {
	members, err := h.admin.GroupMembers(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, service.ErrGroupNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list members failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"members": members})
}

type memberPayload struct {
	Platform  string `json:"platform" binding:"required"`
	AccountID string `json:"accountId" binding:"required"`
}

// AddMember POST /api/v1/admin/groups/:id/members
func (h *GroupHandler) AddMember(c *gin.Context) {
	var payload memberPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	err := h.admin.AddGroupMember(c.Request.Context(), c.Param("id"), payload.Platform, payload.AccountID)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		case errors.Is(err, service.ErrGroupNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "add member failed"})
		}
		return
	}
	c.Status(http.StatusNoContent)
}

// RemoveMember DELETE /api/v1/admin/groups/:id/members/:platform/:accountId
func (h *GroupHandler) RemoveMember(c *gin.Context) {
	err := h.admin.RemoveGroupMember(c.Request.Context(), c.Param("id"), c.Param("platform"), c.Param("accountId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "remove member failed"})
		return
	}
	c.Status(http.StatusNoContent)
}
