package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AdminMiddleware provides admin authentication middleware
type AdminMiddleware struct {
	apiKey string
}

// NewAdminMiddleware creates a new admin authentication middleware.
// With an empty key every admin request is rejected.
func NewAdminMiddleware(apiKey string) *AdminMiddleware {
	return &AdminMiddleware{
		apiKey: apiKey,
	}
}

// Enabled reports whether an admin key is configured.
func (am *AdminMiddleware) Enabled() bool {
	return am.apiKey != ""
}

// RequireAdminAuth middleware validates admin API keys
func (am *AdminMiddleware) RequireAdminAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check for API key in Authorization header (Bearer token)
		authHeader := c.GetHeader("Authorization")
		if authHeader != "" {
			tokenParts := strings.Split(authHeader, " ")
			if len(tokenParts) == 2 && tokenParts[0] == "Bearer" && am.ValidateAdminKey(tokenParts[1]) {
				c.Next()
				return
			}
		}

		// Check for API key in X-API-Key header
		if am.ValidateAdminKey(c.GetHeader("X-API-Key")) {
			c.Next()
			return
		}

		// Check for API key in query parameter (less secure, for development only)
		if am.ValidateAdminKey(c.Query("api_key")) {
			c.Next()
			return
		}

		// No valid API key found
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "Unauthorized",
			"message": "Valid admin API key required for this endpoint",
		})
		c.Abort()
	}
}

// ValidateAdminKey validates an admin API key
func (am *AdminMiddleware) ValidateAdminKey(key string) bool {
	if am.apiKey == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(am.apiKey)) == 1
}
