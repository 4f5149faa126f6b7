package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lalith-99/relaychat/internal/session"
)

// Pinger is anything the health check can ping. *db.DB implements it.
type Pinger interface {
	Health(ctx context.Context) error
}

// HealthHandler answers load balancer checks. It stays public: a check
// that needed a token could not be run by the balancer.
type HealthHandler struct {
	db       Pinger // nil for the memory backend
	registry *session.Registry
}

func NewHealthHandler(db Pinger, registry *session.Registry) *HealthHandler {
	return &HealthHandler{db: db, registry: registry}
}

// Check handles GET /v1/health
func (h *HealthHandler) Check(c *gin.Context) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Health(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": "database unreachable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": h.registry.Count(),
	})
}
