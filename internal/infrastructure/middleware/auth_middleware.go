package middleware

import (
	"net/http"
	"strings"

	"livesync/internal/core/domain"
	"livesync/internal/core/services"
	apperrors "livesync/pkg/errors"
	"livesync/pkg/logger"

	"github.com/gin-gonic/gin"
)

const (
	actorIDKey = "actor_id"
	roleKey    = "role"
)

func bearerToken(c *gin.Context) (string, bool) {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   string(apperrors.ErrCodeUnauthorized),
		"message": message,
	})
}

func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") == "" {
			abortUnauthorized(c, "authorization header required")
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			abortUnauthorized(c, "invalid authorization header format")
			return
		}

		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		setActor(c, claims)
		c.Next()
	}
}

func OptionalAuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, ok := bearerToken(c); ok {
			if claims, err := authService.ValidateToken(token); err == nil {
				setActor(c, claims)
			}
		}
		c.Next()
	}
}

func setActor(c *gin.Context, claims *services.Claims) {
	c.Set(actorIDKey, claims.ActorID)
	c.Set(roleKey, claims.Role)
	c.Request = c.Request.WithContext(logger.WithActorID(c.Request.Context(), string(claims.ActorID)))
}

// ActorID returns the authenticated actor set by AuthMiddleware.
func ActorID(c *gin.Context) (domain.ActorID, bool) {
	v, ok := c.Get(actorIDKey)
	if !ok {
		return "", false
	}
	actor, ok := v.(domain.ActorID)
	return actor, ok && actor != ""
}

// Role returns the role claimed by the authenticated token, if any.
func Role(c *gin.Context) domain.Role {
	v, _ := c.Get(roleKey)
	role, _ := v.(domain.Role)
	return role
}
