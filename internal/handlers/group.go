package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
	"chat-sync/internal/telemetry"
)

// GroupHandler manages group membership and metadata endpoints.
type GroupHandler struct {
	repo  repositories.ChatRepository
	audit *telemetry.AuditEmitter
	log   *zap.Logger
}

// NewGroupHandler constructs a GroupHandler.
func NewGroupHandler(repo repositories.ChatRepository, audit *telemetry.AuditEmitter, log *zap.Logger) *GroupHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &GroupHandler{repo: repo, audit: audit, log: log}
}

// CreateGroup handles POST /groups.
func (h *GroupHandler) CreateGroup(c *gin.Context) {
	var req struct {
		Name        string   `json:"name" binding:"required"`
		Description string   `json:"description"`
		MemberIDs   []string `json:"member_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "CreateGroup", "")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chat, err := h.repo.CreateGroupChat(c.Request.Context(), req.Name, req.Description, c.GetString("userID"), req.MemberIDs)
	if err != nil {
		h.fail(c, err, "could not create group")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"chat_id": chat.ID, "chat": chat})
}

// AddMember handles POST /groups/:chat_id/members.
func (h *GroupHandler) AddMember(c *gin.Context) {
	userID, ok := h.bindUser(c, "AddMember")
	if !ok {
		return
	}
	chat, err := h.repo.AddMember(c.Request.Context(), c.Param("chat_id"), userID, c.GetString("userID"))
	if err != nil {
		h.fail(c, err, "could not add member")
		return
	}
	c.JSON(http.StatusOK, chat)
}

// RemoveMember handles DELETE /groups/:chat_id/members/:user_id.
func (h *GroupHandler) RemoveMember(c *gin.Context) {
	chat, err := h.repo.RemoveMember(c.Request.Context(), c.Param("chat_id"), c.Param("user_id"), c.GetString("userID"))
	if err != nil {
		h.fail(c, err, "could not remove member")
		return
	}
	c.JSON(http.StatusOK, chat)
}

// PromoteToAdmin handles POST /groups/:chat_id/admins.
func (h *GroupHandler) PromoteToAdmin(c *gin.Context) {
	userID, ok := h.bindUser(c, "PromoteToAdmin")
	if !ok {
		return
	}
	chat, err := h.repo.PromoteToAdmin(c.Request.Context(), c.Param("chat_id"), userID, c.GetString("userID"))
	if err != nil {
		h.fail(c, err, "could not promote member")
		return
	}
	c.JSON(http.StatusOK, chat)
}

// UpdateGroup handles PATCH /groups/:chat_id.
func (h *GroupHandler) UpdateGroup(c *gin.Context) {
	var meta models.GroupMeta
	if err := c.ShouldBindJSON(&meta); err != nil {
		h.emitAudit(c, "UpdateGroupMeta", c.Param("chat_id"))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	chat, err := h.repo.UpdateGroupMeta(c.Request.Context(), c.Param("chat_id"), c.GetString("userID"), meta)
	if err != nil {
		h.fail(c, err, "could not update group")
		return
	}
	c.JSON(http.StatusOK, chat)
}

// Leave handles POST /groups/:chat_id/leave.
func (h *GroupHandler) Leave(c *gin.Context) {
	if err := h.repo.Leave(c.Request.Context(), c.Param("chat_id"), c.GetString("userID")); err != nil {
		h.fail(c, err, "could not leave group")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *GroupHandler) bindUser(c *gin.Context, action string) (string, bool) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, action, c.Param("chat_id"))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return "", false
	}
	return req.UserID, true
}

func (h *GroupHandler) fail(c *gin.Context, err error, fallback string) {
	status, msg := statusFor(err, fallback)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg})
}

// emitAudit records a request rejected before it reached the repository.
func (h *GroupHandler) emitAudit(c *gin.Context, action, chatID string) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), userIDFromContext(c), telemetry.AuditPayload{
		Action:   action,
		ChatID:   chatID,
		TargetID: requestIDFromContext(c),
		Outcome:  "invalid_request",
	})
}
