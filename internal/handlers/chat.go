package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chat-sync/internal/directory"
	"chat-sync/internal/models"
	"chat-sync/internal/repositories"
	"chat-sync/internal/syncer"
)

const defaultMessageLimit = 100

// ReadReceipts records that a user has read a chat.
type ReadReceipts interface {
	MarkChatRead(ctx context.Context, chatID, readerID string) error
}

// ChatHandler serves chat, message and reaction endpoints.
type ChatHandler struct {
	repo     repositories.ChatRepository
	profiles directory.ProfileProvider
	receipts ReadReceipts
	log      *zap.Logger
}

// NewChatHandler builds a ChatHandler. profiles may be nil, in which case
// messages carry the sender id as the sender name. Without receipts, marking
// a chat read only resets the unread counter.
func NewChatHandler(repo repositories.ChatRepository, profiles directory.ProfileProvider, receipts ReadReceipts, log *zap.Logger) *ChatHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatHandler{repo: repo, profiles: profiles, receipts: receipts, log: log}
}

// ListChats returns the chats visible to the authenticated user.
func (h *ChatHandler) ListChats(c *gin.Context) {
	userID := c.GetString("userID")

	chats, err := h.repo.ListChats(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err, "failed to load chats")
		return
	}

	type chatResponse struct {
		models.Chat
		Unread  int  `json:"unread"`
		Pinned  bool `json:"is_pinned"`
		Starred bool `json:"is_starred"`
	}
	resp := make([]chatResponse, 0, len(chats))
	for _, chat := range chats {
		resp = append(resp, chatResponse{
			Chat:    chat,
			Unread:  chat.Unread(userID),
			Pinned:  chat.IsPinned(userID),
			Starred: chat.IsStarred(userID),
		})
	}
	c.JSON(http.StatusOK, gin.H{"chats": resp})
}

// StartDirectChat creates or returns the direct chat with another user.
func (h *ChatHandler) StartDirectChat(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chat, err := h.repo.FindOrCreateDirectChat(c.Request.Context(), c.GetString("userID"), req.UserID)
	if err != nil {
		h.fail(c, err, "could not create chat")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chat_id": chat.ID, "chat": chat})
}

// GetChat returns one chat the caller participates in.
func (h *ChatHandler) GetChat(c *gin.Context) {
	chat, ok := h.participantChat(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, chat)
}

// GetChatMessages returns the most recent messages of a chat, oldest first.
func (h *ChatHandler) GetChatMessages(c *gin.Context) {
	if _, ok := h.participantChat(c); !ok {
		return
	}

	limit := defaultMessageLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}

	msgs, err := h.repo.ListMessages(c.Request.Context(), c.Param("chat_id"), limit)
	if err != nil {
		h.fail(c, err, "failed to load messages")
		return
	}
	syncer.SortMessages(msgs)
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// PostChatMessage sends a text message.
func (h *ChatHandler) PostChatMessage(c *gin.Context) {
	var req struct {
		Text      string `json:"text" binding:"required"`
		ReplyToID string `json:"reply_to_id"`
		ClientKey string `json:"client_key"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString("userID")
	msg, err := h.repo.SendMessage(c.Request.Context(), repositories.SendRequest{
		ChatID:     c.Param("chat_id"),
		SenderID:   userID,
		SenderName: h.displayName(c.Request.Context(), userID),
		Payload:    models.TextPayload{Text: req.Text},
		ReplyToID:  req.ReplyToID,
		ClientKey:  req.ClientKey,
	})
	if err != nil {
		h.fail(c, err, "failed to store message")
		return
	}
	c.JSON(http.StatusCreated, msg)
}

// SearchMessages searches a chat's messages for ?q=.
func (h *ChatHandler) SearchMessages(c *gin.Context) {
	if _, ok := h.participantChat(c); !ok {
		return
	}
	msgs, err := h.repo.SearchMessages(c.Request.Context(), c.Param("chat_id"), c.Query("q"))
	if err != nil {
		h.fail(c, err, "search failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

// EditMessage replaces the text of the caller's message.
func (h *ChatHandler) EditMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	msg, err := h.repo.EditMessage(c.Request.Context(), c.Param("message_id"), c.GetString("userID"), req.Text)
	if err != nil {
		h.fail(c, err, "could not edit message")
		return
	}
	c.JSON(http.StatusOK, msg)
}

// DeleteMessage soft deletes the caller's message for everyone.
func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	if _, err := h.repo.SoftDeleteMessage(c.Request.Context(), c.Param("message_id"), c.GetString("userID")); err != nil {
		h.fail(c, err, "could not delete message")
		return
	}
	c.Status(http.StatusNoContent)
}

// ToggleReaction adds or removes the caller's reaction.
func (h *ChatHandler) ToggleReaction(c *gin.Context) {
	var req struct {
		Emoji string `json:"emoji" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	userID := c.GetString("userID")
	msg, err := h.repo.ToggleReaction(c.Request.Context(), c.Param("message_id"), userID, h.displayName(c.Request.Context(), userID), req.Emoji)
	if err != nil {
		h.fail(c, err, "could not react")
		return
	}
	c.JSON(http.StatusOK, msg)
}

// SetPinned handles PUT /chats/:chat_id/pin.
func (h *ChatHandler) SetPinned(c *gin.Context) {
	h.setFlag(c, h.repo.TogglePin)
}

// SetStarred handles PUT /chats/:chat_id/star.
func (h *ChatHandler) SetStarred(c *gin.Context) {
	h.setFlag(c, h.repo.ToggleStar)
}

func (h *ChatHandler) setFlag(c *gin.Context, toggle func(ctx context.Context, chatID, userID string, on bool) error) {
	var req struct {
		Value *bool `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := toggle(c.Request.Context(), c.Param("chat_id"), c.GetString("userID"), *req.Value); err != nil {
		h.fail(c, err, "could not update chat")
		return
	}
	c.Status(http.StatusNoContent)
}

// MarkRead records read receipts on the recent messages of a chat and
// resets the caller's unread counter.
func (h *ChatHandler) MarkRead(c *gin.Context) {
	userID := c.GetString("userID")
	if h.receipts == nil {
		if err := h.repo.ResetUnread(c.Request.Context(), c.Param("chat_id"), userID); err != nil {
			h.fail(c, err, "could not mark chat read")
			return
		}
		c.Status(http.StatusNoContent)
		return
	}

	chat, ok := h.participantChat(c)
	if !ok {
		return
	}
	if err := h.receipts.MarkChatRead(c.Request.Context(), chat.ID, userID); err != nil {
		h.fail(c, &repositories.StoreError{Op: "MarkChatRead", Err: err}, "could not mark chat read")
		return
	}
	c.Status(http.StatusNoContent)
}

// DeleteChatForMe hides a direct chat or leaves a group.
func (h *ChatHandler) DeleteChatForMe(c *gin.Context) {
	if err := h.repo.SoftDeleteChat(c.Request.Context(), c.Param("chat_id"), c.GetString("userID")); err != nil {
		h.fail(c, err, "could not delete chat")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *ChatHandler) participantChat(c *gin.Context) (models.Chat, bool) {
	chat, err := h.repo.GetChat(c.Request.Context(), c.Param("chat_id"))
	if err != nil {
		h.fail(c, err, "chat not found")
		return models.Chat{}, false
	}
	if !chat.IsParticipant(c.GetString("userID")) {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a chat member"})
		return models.Chat{}, false
	}
	return chat, true
}

func (h *ChatHandler) displayName(ctx context.Context, userID string) string {
	if h.profiles == nil {
		return userID
	}
	u, err := h.profiles.GetProfile(ctx, userID)
	if err != nil || u.DisplayName == "" {
		h.log.Debug("sender profile lookup failed", zap.String("user_id", userID), zap.Error(err))
		return userID
	}
	return u.DisplayName
}

func (h *ChatHandler) fail(c *gin.Context, err error, fallback string) {
	status, msg := statusFor(err, fallback)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg})
}

// statusFor maps engine errors onto HTTP statuses. Client errors carry the
// error text, server errors the fallback text.
func statusFor(err error, fallback string) (int, string) {
	var vErr *repositories.ValidationError
	var aErr *repositories.AuthorizationError
	var sErr *repositories.StoreError
	switch {
	case errors.As(err, &vErr):
		return http.StatusBadRequest, vErr.Error()
	case errors.As(err, &aErr):
		return http.StatusForbidden, "not allowed"
	case errors.Is(err, repositories.ErrChatNotFound):
		return http.StatusNotFound, "chat not found"
	case errors.Is(err, repositories.ErrMessageNotFound):
		return http.StatusNotFound, "message not found"
	case errors.As(err, &sErr):
		return http.StatusBadGateway, fallback
	default:
		return http.StatusInternalServerError, fallback
	}
}
