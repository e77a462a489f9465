package middleware

import (
	"net/http"
	"strings"

	"subscription-api/internal/response"
	"subscription-api/internal/services"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware validates bearer tokens and resolves the current user
func AuthMiddleware(tokens *services.TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			response.ErrorJSON(c, http.StatusUnauthorized, "Missing authorization token")
			c.Abort()
			return
		}

		user, err := tokens.ResolveUser(c.Request.Context(), token)
		if err != nil {
			response.ErrorJSON(c, http.StatusUnauthorized, "Invalid or expired token")
			c.Abort()
			return
		}

		c.Set("user", user)
		c.Set("user_id", user.ID)
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	// Fallback for clients that pass the token as a query parameter
	return c.Query("access_token")
}
