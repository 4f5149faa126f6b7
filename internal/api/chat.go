package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/dispatch"
	"github.com/lalith-99/relaychat/internal/membership"
	"github.com/lalith-99/relaychat/internal/middleware"
	"github.com/lalith-99/relaychat/internal/models"
	"go.uber.org/zap"
)

// ChatHandler creates, lists, updates and deletes chats. All membership
// rules live in the index; the handler only parses and maps errors.
type ChatHandler struct {
	members    *membership.Index
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

func NewChatHandler(members *membership.Index, dispatcher *dispatch.Dispatcher, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{members: members, dispatcher: dispatcher, logger: logger}
}

type createChatRequest struct {
	Type      models.ChatType `json:"type" binding:"required"`
	Name      string          `json:"name"`
	MemberIDs []uuid.UUID     `json:"member_ids"`
}

type updateChatRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

type chatResponse struct {
	Chat    models.Chat          `json:"chat"`
	Members []models.Participant `json:"members"`
}

// Create handles POST /v1/chats
//
// The caller becomes the owner. A direct chat takes exactly one other
// member id.
func (h *ChatHandler) Create(c *gin.Context) {
	var req createChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chat, members, err := h.members.CreateChat(c.Request.Context(), middleware.GetUserID(c), req.Type, req.Name, req.MemberIDs)
	if err != nil {
		respondError(c, h.logger, "failed to create chat", err)
		return
	}
	c.JSON(http.StatusCreated, chatResponse{Chat: chat, Members: members})
}

// List handles GET /v1/chats
func (h *ChatHandler) List(c *gin.Context) {
	chats, err := h.members.ChatsFor(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		respondError(c, h.logger, "failed to list chats", err)
		return
	}
	c.JSON(http.StatusOK, chats)
}

// Get handles GET /v1/chats/:id
//
// Non-members get 403, so chat ids cannot be tested for existence beyond
// that.
func (h *ChatHandler) Get(c *gin.Context) {
	chatID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if _, err := h.members.RoleOf(ctx, chatID, middleware.GetUserID(c)); err != nil {
		respondError(c, h.logger, "failed to get chat", err)
		return
	}
	chat, err := h.members.Chat(ctx, chatID)
	if err != nil {
		respondError(c, h.logger, "failed to get chat", err)
		return
	}
	members, err := h.members.MembersOf(ctx, chatID)
	if err != nil {
		respondError(c, h.logger, "failed to get chat", err)
		return
	}
	c.JSON(http.StatusOK, chatResponse{Chat: chat, Members: members})
}

// Update handles PUT /v1/chats/:id
//
// Owner or admin only. Members online get a chat-updated frame.
func (h *ChatHandler) Update(c *gin.Context) {
	chatID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req updateChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chat, err := h.dispatcher.UpdateChat(c.Request.Context(), middleware.GetUserID(c), chatID, req.Name, req.Description)
	if err != nil {
		respondError(c, h.logger, "failed to update chat", err)
		return
	}
	c.JSON(http.StatusOK, chat)
}

// Delete handles DELETE /v1/chats/:id
//
// Owner only. The chat's messages and delivery records go with it.
func (h *ChatHandler) Delete(c *gin.Context) {
	chatID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	if err := h.dispatcher.DeleteChat(c.Request.Context(), middleware.GetUserID(c), chatID); err != nil {
		respondError(c, h.logger, "failed to delete chat", err)
		return
	}
	c.Status(http.StatusNoContent)
}
