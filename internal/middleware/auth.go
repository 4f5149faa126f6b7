package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/auth"
)

// Context keys for storing claims in gin.Context.
const (
	ContextKeyUserID = "user_id"
	ContextKeyEmail  = "email"
)

// AuthMiddleware returns a Gin middleware that validates JWT tokens.
//
// On a missing or invalid token it aborts with 401 and the handler never
// runs. On success it stores the claims with c.Set and calls c.Next.
//
// The secret is a parameter so the middleware doesn't import config and
// tests can pass any secret.
func AuthMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "missing authorization header",
			})
			return
		}

		tokenString, ok := BearerToken(header)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization format, expected: Bearer <token>",
			})
			return
		}

		claims, err := auth.ParseToken(tokenString, secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyEmail, claims.Email)

		c.Next()
	}
}

// BearerToken splits "Bearer eyJhbG..." and returns the token part.
func BearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

// RequestToken finds a token on a request that may not be able to set
// headers (browsers can't on a websocket upgrade): the Authorization
// header first, then the ?token= query parameter. Empty means none.
func RequestToken(c *gin.Context) string {
	if token, ok := BearerToken(c.GetHeader("Authorization")); ok {
		return token
	}
	return c.Query("token")
}

// GetUserID returns the authenticated user, or uuid.Nil if the middleware
// did not run. uuid.Nil matches no rows, so a handler mounted by mistake
// outside the auth group fails closed.
func GetUserID(c *gin.Context) uuid.UUID {
	val, exists := c.Get(ContextKeyUserID)
	if !exists {
		return uuid.Nil
	}
	id, ok := val.(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return id
}

func GetEmail(c *gin.Context) string {
	val, exists := c.Get(ContextKeyEmail)
	if !exists {
		return ""
	}
	email, ok := val.(string)
	if !ok {
		return ""
	}
	return email
}
