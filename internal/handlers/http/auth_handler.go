package http

import (
	"net/http"
	"strings"

	"livesync/internal/core/domain"
	"livesync/internal/core/services"
	"livesync/pkg/errors"
	"livesync/pkg/validation"

	"github.com/gin-gonic/gin"
)

// AuthHandler issues development tokens. It has no credential check and is
// only mounted by the development backend.
type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
	}
}

func (h *AuthHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1/auth")
	{
		api.POST("/token", h.IssueToken)
	}
}

type TokenRequest struct {
	ActorID domain.ActorID `json:"actor_id" binding:"required,max=128"`
	Role    domain.Role    `json:"role"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

func (h *AuthHandler) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}

	req.ActorID = domain.ActorID(strings.TrimSpace(string(req.ActorID)))
	if err := validation.ValidateActorID(string(req.ActorID)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	if req.Role == "" {
		req.Role = domain.RoleViewer
	}
	if err := validation.ValidateRole(string(req.Role)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	token, err := h.authService.GenerateToken(req.ActorID, req.Role)
	if err != nil {
		c.Error(errors.WrapError(err, errors.ErrCodeInternal, "failed to generate token", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresIn: int(h.authService.TokenTTL().Seconds()),
	})
}
