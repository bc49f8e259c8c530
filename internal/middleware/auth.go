package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	grpcclient "dm-service/internal/grpc"
)

const (
	UserIDKey      = "userID"
	DisplayNameKey = "displayName"
)

// TokenValidator resolves bearer tokens to sessions.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (grpcclient.Session, error)
}

// AuthMiddleware validates the Authorization header against the identity provider.
func AuthMiddleware(validator TokenValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid authorization header"})
			return
		}

		session, err := validator.ValidateToken(c.Request.Context(), parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(UserIDKey, session.IdentityID)
		c.Set(DisplayNameKey, session.DisplayName)
		c.Next()
	}
}
