package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/attnlabs/pacebreak/internal/logging"
)

const (
	// ContextKeyAPIKey is the gin context key for the validated API key.
	ContextKeyAPIKey = "apiKey"
	// ContextKeyUserID is the gin context key for the authenticated user ID.
	ContextKeyUserID = "authUserID"
)

// Middleware extracts and validates the API key from the request.
// Sets apiKey and authUserID in the gin context when valid; never rejects
// on its own so public endpoints can share the chain.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		rawKey := c.GetHeader("Authorization")
		if rawKey == "" {
			rawKey = c.GetHeader("X-API-Key")
		}

		if rawKey != "" {
			key, err := m.ValidateKey(c.Request.Context(), rawKey)
			if err == nil {
				c.Set(ContextKeyAPIKey, key)
				c.Set(ContextKeyUserID, key.UserID)
				ctx := logging.WithUserID(c.Request.Context(), key.UserID)
				c.Request = c.Request.WithContext(ctx)
			}
		}

		c.Next()
	}
}

// RequireAuth rejects requests that did not present a valid API key.
// Runs after Middleware.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextKeyUserID) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "API key required. Include 'Authorization: Bearer uk_...' header.",
			})
			return
		}
		c.Next()
	}
}

// UserID returns the authenticated user ID from the gin context.
func UserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}
