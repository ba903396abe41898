package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyUserID is the key for the authenticated user's ID.
	ContextKeyUserID = "authUserID"
	// ContextKeyEmail is the key for the authenticated user's email.
	ContextKeyEmail = "authEmail"
)

// Middleware extracts and validates the Bearer token from the request.
// Sets authUserID and authEmail in context if valid.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		if raw != "" {
			claims, err := m.ValidateToken(raw)
			if err == nil {
				c.Set(ContextKeyUserID, claims.Subject)
				c.Set(ContextKeyEmail, claims.Email)
			}
		}

		c.Next()
	}
}

// RequireAuth middleware rejects requests without a valid token.
func RequireAuth(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyUserID); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// AuthenticatedUserID returns the authenticated user's ID, if any.
func AuthenticatedUserID(c *gin.Context) string {
	id, exists := c.Get(ContextKeyUserID)
	if !exists {
		return ""
	}
	return id.(string)
}

// AuthenticatedEmail returns the authenticated user's email, if any.
func AuthenticatedEmail(c *gin.Context) string {
	email, exists := c.Get(ContextKeyEmail)
	if !exists {
		return ""
	}
	return email.(string)
}

// IsAuthenticated checks if the request carries a valid token.
func IsAuthenticated(c *gin.Context) bool {
	_, exists := c.Get(ContextKeyUserID)
	return exists
}
