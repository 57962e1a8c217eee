// auth_middleware.go
package middleware

import (
	"context"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"card-grading-service/internal/model"
)

const (
	ctxUserID   = "userID"
	ctxUserName = "userName"
	ctxUserRole = "userRole"
)

// Authenticator resolves a bearer token to the calling actor.
type Authenticator interface {
	ValidateToken(ctx context.Context, token string) (model.Actor, error)
}

// AuthMiddleware validates the token and stores the actor in the context.
func AuthMiddleware(auth Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			return
		}

		token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
		actor, err := auth.ValidateToken(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(ctxUserID, actor.ID)
		c.Set(ctxUserName, actor.Name)
		c.Set(ctxUserRole, actor.Role)
		c.Next()
	}
}

// Actor returns the authenticated caller, or the zero Actor on public routes.
func Actor(c *gin.Context) model.Actor {
	return model.Actor{
		ID:   c.GetString(ctxUserID),
		Name: c.GetString(ctxUserName),
		Role: c.GetString(ctxUserRole),
	}
}

// RequireRole lets the request through only for the listed roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !slices.Contains(roles, c.GetString(ctxUserRole)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
			return
		}
		c.Next()
	}
}
