package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/middleware"
	"github.com/lalith-99/relaychat/internal/repository"
	"github.com/lalith-99/relaychat/internal/session"
	"go.uber.org/zap"
)

// UserHandler handles user-related operations.
type UserHandler struct {
	repo     repository.UserRepository
	registry *session.Registry
	logger   *zap.Logger
}

func NewUserHandler(repo repository.UserRepository, registry *session.Registry, logger *zap.Logger) *UserHandler {
	return &UserHandler{repo: repo, registry: registry, logger: logger}
}

type meResponse struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Presence    string `json:"presence"`
	Connections int    `json:"connections"`
}

type updateMeRequest struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email" binding:"omitempty,email"`
}

// GetMe handles GET /v1/users/me
//
// Returns the authenticated user's profile plus their live presence.
func (h *UserHandler) GetMe(c *gin.Context) {
	userID := middleware.GetUserID(c)

	user, err := h.repo.GetByID(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("failed to get user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get user"})
		return
	}
	// A valid token for a user that is not in the DB means the account was
	// removed after the token was issued.
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	c.JSON(http.StatusOK, h.me(user.ID, user.Email, user.DisplayName))
}

func (h *UserHandler) me(userID uuid.UUID, email, displayName string) meResponse {
	return meResponse{
		ID:          userID.String(),
		Email:       email,
		DisplayName: displayName,
		Presence:    string(h.registry.Status(userID)),
		Connections: len(h.registry.ConnectionsFor(userID)),
	}
}

// UpdateMe handles PUT /v1/users/me
//
// Changes the display name and/or email. Omitted fields are kept. Tokens
// already issued keep working after an email change.
func (h *UserHandler) UpdateMe(c *gin.Context) {
	var req updateMeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	displayName := strings.TrimSpace(req.DisplayName)
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if displayName == "" && email == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "nothing to update"})
		return
	}
	userID := middleware.GetUserID(c)
	ctx := c.Request.Context()

	if email != "" {
		existing, err := h.repo.GetByEmail(ctx, email)
		if err != nil {
			h.logger.Error("failed to check existing user", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update user"})
			return
		}
		if existing != nil && existing.ID != userID {
			c.JSON(http.StatusConflict, gin.H{"error": "email already registered"})
			return
		}
	}

	user, err := h.repo.Update(ctx, userID, displayName, email)
	if err != nil {
		h.logger.Error("failed to update user", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update user"})
		return
	}
	if user == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	h.logger.Info("user updated", zap.String("user_id", userID.String()))
	c.JSON(http.StatusOK, h.me(user.ID, user.Email, user.DisplayName))
}
