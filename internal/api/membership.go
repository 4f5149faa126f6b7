package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/membership"
	"github.com/lalith-99/relaychat/internal/middleware"
	"github.com/lalith-99/relaychat/internal/models"
	"go.uber.org/zap"
)

// MembershipHandler handles chat membership operations.
type MembershipHandler struct {
	members *membership.Index
	logger  *zap.Logger
}

func NewMembershipHandler(members *membership.Index, logger *zap.Logger) *MembershipHandler {
	return &MembershipHandler{members: members, logger: logger}
}

// addMemberRequest is the JSON body for POST /v1/chats/:id/members.
// Role defaults to "member"; only the owner may grant "admin".
type addMemberRequest struct {
	UserID uuid.UUID   `json:"user_id" binding:"required"`
	Role   models.Role `json:"role"`
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

// Add handles POST /v1/chats/:id/members
func (h *MembershipHandler) Add(c *gin.Context) {
	chatID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req addMemberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Role == "" {
		req.Role = models.RoleMember
	}

	p, err := h.members.AddMember(c.Request.Context(), middleware.GetUserID(c), chatID, req.UserID, req.Role)
	if err != nil {
		respondError(c, h.logger, "failed to add member", err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// Remove handles DELETE /v1/chats/:id/members/:user_id
//
// Removing yourself is leaving the chat.
func (h *MembershipHandler) Remove(c *gin.Context) {
	chatID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	userID, ok := uuidParam(c, "user_id")
	if !ok {
		return
	}

	if err := h.members.RemoveMember(c.Request.Context(), middleware.GetUserID(c), chatID, userID); err != nil {
		respondError(c, h.logger, "failed to remove member", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// List handles GET /v1/chats/:id/members
func (h *MembershipHandler) List(c *gin.Context) {
	chatID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if _, err := h.members.RoleOf(ctx, chatID, middleware.GetUserID(c)); err != nil {
		respondError(c, h.logger, "failed to list members", err)
		return
	}
	members, err := h.members.MembersOf(ctx, chatID)
	if err != nil {
		respondError(c, h.logger, "failed to list members", err)
		return
	}
	c.JSON(http.StatusOK, members)
}

// Mute handles PUT /v1/chats/:id/mute
//
// A muted member still receives messages while online but gets no offline
// notifications.
func (h *MembershipHandler) Mute(c *gin.Context) {
	chatID, ok := uuidParam(c, "id")
	if !ok {
		return
	}
	var req muteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.members.SetMuted(c.Request.Context(), chatID, middleware.GetUserID(c), req.Muted); err != nil {
		respondError(c, h.logger, "failed to update mute", err)
		return
	}
	c.Status(http.StatusNoContent)
}
