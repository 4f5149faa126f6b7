package api

import (
	"github.com/gin-gonic/gin"
	"github.com/lalith-99/relaychat/internal/middleware"
)

// Handlers groups everything Mount wires into routes.
type Handlers struct {
	Auth       *AuthHandler
	Health     *HealthHandler
	Users      *UserHandler
	Chats      *ChatHandler
	Membership *MembershipHandler
	Messages   *MessageHandler
	Files      *FileHandler
	WebSocket  gin.HandlerFunc
}

// Mount registers the REST surface and the websocket endpoint on r.
//
// Public: health, signup, login, and /v1/ws (which authenticates itself
// so a browser can pass the token as a query parameter or auth frame).
// Everything else sits behind AuthMiddleware.
func Mount(r gin.IRouter, h Handlers, jwtSecret string) {
	r.GET("/v1/health", h.Health.Check)
	r.POST("/v1/auth/signup", h.Auth.Signup)
	r.POST("/v1/auth/login", h.Auth.Login)
	if h.WebSocket != nil {
		r.GET("/v1/ws", h.WebSocket)
	}

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwtSecret))

	v1.GET("/users/me", h.Users.GetMe)
	v1.PUT("/users/me", h.Users.UpdateMe)

	v1.POST("/chats", h.Chats.Create)
	v1.GET("/chats", h.Chats.List)
	v1.GET("/chats/:id", h.Chats.Get)
	v1.PUT("/chats/:id", h.Chats.Update)
	v1.DELETE("/chats/:id", h.Chats.Delete)

	v1.GET("/chats/:id/members", h.Membership.List)
	v1.POST("/chats/:id/members", h.Membership.Add)
	v1.DELETE("/chats/:id/members/:user_id", h.Membership.Remove)
	v1.PUT("/chats/:id/mute", h.Membership.Mute)

	v1.GET("/chats/:id/messages", h.Messages.List)
	v1.POST("/chats/:id/messages", h.Messages.Create)
	v1.GET("/chats/:id/pinned", h.Messages.Pinned)
	v1.GET("/messages/:id/delivery", h.Messages.Delivery)
	v1.GET("/messages/:id/ref", h.Messages.Reference)
	v1.GET("/search", h.Messages.Search)

	if h.Files != nil {
		v1.POST("/files", h.Files.Upload)
		v1.GET("/files/:id", h.Files.Download)
		v1.DELETE("/files/:id", h.Files.Delete)
	}
}
