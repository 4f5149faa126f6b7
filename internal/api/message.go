package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/dispatch"
	"github.com/lalith-99/relaychat/internal/middleware"
	"github.com/lalith-99/relaychat/internal/models"
	"go.uber.org/zap"
)

// MessageHandler is the REST side of the dispatcher: history paging, a
// send endpoint for clients without a socket, pins and delivery status.
type MessageHandler struct {
	dispatcher *dispatch.Dispatcher
	logger     *zap.Logger
}

func NewMessageHandler(dispatcher *dispatch.Dispatcher, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{dispatcher: dispatcher, logger: logger}
}

type createMessageRequest struct {
	Content         models.Content `json:"content"`
	ClientMessageID string         `json:"client_message_id"`
	QuotedMessageID *uuid.UUID     `json:"quoted_message_id"`
}

// Create handles POST /v1/chats/:id/messages
//
// The message goes through the same path as a websocket send, so it is
// sequenced, fanned out to every connected member (the sender's devices
// included) and deduplicated on client_message_id.
func (h *MessageHandler) Create(c *gin.Context) {
	chatID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.dispatcher.SendMessage(c.Request.Context(), dispatch.SendRequest{
		SenderID:        middleware.GetUserID(c),
		ChatID:          chatID,
		Content:         req.Content,
		ClientMessageID: req.ClientMessageID,
		QuotedID:        req.QuotedMessageID,
	})
	if err != nil {
		respondError(c, h.logger, "failed to create message", err)
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

// List handles GET /v1/chats/:id/messages?before=123&limit=50
//
// Cursor-based pagination on sequence numbers:
//   - "before" = sequence. "Give me messages older than this." 0 = latest.
//   - "limit"  = how many to return. Default 50, capped at 100.
func (h *MessageHandler) List(c *gin.Context) {
	chatID, ok := uuidParam(c, "id")
	if !ok {
		return
	}

	var before int64
	if b := c.Query("before"); b != "" {
		v, err := strconv.ParseInt(b, 10, 64)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'before' parameter"})
			return
		}
		before = v
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit' parameter"})
			return
		}
		limit = v
	}

	messages, err := h.dispatcher.History(c.Request.Context(), middleware.GetUserID(c), chatID, before, limit)
	if err != nil {
		respondError(c, h.logger, "failed to list messages", err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

// Pinned handles GET /v1/chats/:id/pinned
func (h *MessageHandler) Pinned(c *gin.Context) {
	chatID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	messages, err := h.dispatcher.PinnedMessages(c.Request.Context(), middleware.GetUserID(c), chatID)
	if err != nil {
		respondError(c, h.logger, "failed to list pinned messages", err)
		return
	}
	c.JSON(http.StatusOK, messages)
}

// Delivery handles GET /v1/messages/:id/delivery
func (h *MessageHandler) Delivery(c *gin.Context) {
	messageID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	st, err := h.dispatcher.DeliveryStatus(c.Request.Context(), middleware.GetUserID(c), messageID)
	if err != nil {
		respondError(c, h.logger, "failed to get delivery status", err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// Reference handles GET /v1/messages/:id/ref
//
// Resolves a quote or forward target. A deleted or vanished message still
// answers 200 with the deleted or missing flag set.
func (h *MessageHandler) Reference(c *gin.Context) {
	messageID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	ref, err := h.dispatcher.ResolveReference(c.Request.Context(), middleware.GetUserID(c), messageID)
	if err != nil {
		respondError(c, h.logger, "failed to resolve message", err)
		return
	}
	c.JSON(http.StatusOK, ref)
}

// Search handles GET /v1/search?q=lunch&chat_id=...&limit=20
//
// Matches message text case-insensitively across the caller's chats,
// newest first. Deleted messages never match.
func (h *MessageHandler) Search(c *gin.Context) {
	var chatID *uuid.UUID
	if raw := c.Query("chat_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'chat_id' parameter"})
			return
		}
		chatID = &id
	}

	limit := 20
	if l := c.Query("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid 'limit' parameter"})
			return
		}
		limit = v
	}

	messages, err := h.dispatcher.SearchMessages(c.Request.Context(), middleware.GetUserID(c), c.Query("q"), chatID, limit)
	if err != nil {
		respondError(c, h.logger, "failed to search messages", err)
		return
	}
	c.JSON(http.StatusOK, messages)
}
