package http

import (
	"context"
	"net/http"
	"strings"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	"livesync/internal/infrastructure/middleware"
	"livesync/internal/infrastructure/rest"
	"livesync/pkg/errors"
	"livesync/pkg/logger"
	"livesync/pkg/validation"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Kicker drops the channel connections of a removed participant.
type Kicker interface {
	Kick(id domain.SessionID, actor domain.ActorID)
}

type SessionHandler struct {
	backend ports.SessionBackend
	kicker  Kicker
	logger  *zap.SugaredLogger
}

var _ ports.SessionHTTPHandler = (*SessionHandler)(nil)

func NewSessionHandler(backend ports.SessionBackend, kicker Kicker, logger *zap.SugaredLogger) *SessionHandler {
	return &SessionHandler{
		backend: backend,
		kicker:  kicker,
		logger:  logger,
	}
}

// SetupRoutes registers the Session REST API. Every route requires a bearer
// token; auth is the middleware that validates it.
func (h *SessionHandler) SetupRoutes(router gin.IRouter, auth gin.HandlerFunc) {
	api := router.Group("/api/v1", auth)
	{
		api.POST("/sessions", h.CreateSession)
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.POST("/sessions/:id/action", h.SessionAction)
		api.POST("/sessions/:id/join", h.JoinSession)
		api.POST("/sessions/:id/leave", h.LeaveSession)
		api.GET("/sessions/:id/messages", h.ListMessages)
		api.POST("/sessions/:id/messages", h.PostMessage)
		api.GET("/sessions/:id/stats", h.GetStats)
		api.DELETE("/sessions/:id/participants/:actor", h.RemoveParticipant)
	}
}

// sessionID reads and validates the :id path parameter.
func sessionID(c *gin.Context) (domain.SessionID, bool) {
	id := c.Param("id")
	if err := validation.ValidateSessionID(id); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return "", false
	}
	return domain.SessionID(id), true
}

// caller returns the authenticated actor. A body may name an actor only when
// it is the caller.
func caller(c *gin.Context, named domain.ActorID) (domain.ActorID, bool) {
	actor, ok := middleware.ActorID(c)
	if !ok {
		c.Error(errors.NewUnauthorizedError("authentication required"))
		return "", false
	}
	if named != "" && named != actor {
		c.Error(errors.NewForbiddenError("cannot act on behalf of another actor"))
		return "", false
	}
	return actor, true
}

func requestContext(c *gin.Context, id domain.SessionID) context.Context {
	return logger.WithSessionID(c.Request.Context(), string(id))
}

func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req rest.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	owner, ok := caller(c, req.OwnerID)
	if !ok {
		return
	}

	rec, err := h.backend.CreateSession(c.Request.Context(), owner, strings.TrimSpace(req.Title))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *SessionHandler) GetSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	rec, err := h.backend.GetSession(requestContext(c, id), id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *SessionHandler) SessionAction(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req rest.ActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	actor, ok := caller(c, "")
	if !ok {
		return
	}

	ctx := requestContext(c, id)
	var err error
	switch req.Action {
	case rest.ActionStart:
		err = h.backend.StartSession(ctx, id, actor)
	case rest.ActionEnd:
		err = h.backend.EndSession(ctx, id, actor)
	case rest.ActionHeartbeat:
		err = h.backend.Heartbeat(ctx, id, actor)
	default:
		err = errors.NewInvalidInputError("unknown action " + req.Action)
	}
	if err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) JoinSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req rest.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	actor, ok := caller(c, req.ActorID)
	if !ok {
		return
	}

	if err := h.backend.JoinSession(requestContext(c, id), id, actor, req.Role); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) LeaveSession(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req rest.LeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	actor, ok := caller(c, req.ActorID)
	if !ok {
		return
	}

	if err := h.backend.LeaveSession(requestContext(c, id), id, actor); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	owner := domain.ActorID(c.Query("owner"))
	if owner == "" {
		var ok bool
		if owner, ok = caller(c, ""); !ok {
			return
		}
	}
	if err := validation.ValidateActorID(string(owner)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	sessions, err := h.backend.ListByOwner(c.Request.Context(), owner)
	if err != nil {
		c.Error(err)
		return
	}
	if sessions == nil {
		sessions = []*domain.SessionRecord{}
	}
	c.JSON(http.StatusOK, rest.SessionListResponse{Sessions: sessions})
}

func (h *SessionHandler) ListMessages(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	msgs, err := h.backend.MessagesSince(requestContext(c, id), id, domain.MessageID(c.Query("after")))
	if err != nil {
		c.Error(err)
		return
	}
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	c.JSON(http.StatusOK, rest.MessageListResponse{Messages: msgs})
}

func (h *SessionHandler) PostMessage(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	var req rest.PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(errors.NewInvalidInputError("invalid request format"))
		return
	}
	actor, ok := caller(c, "")
	if !ok {
		return
	}

	msg, err := h.backend.PostMessage(requestContext(c, id), domain.ChatMessage{
		SessionID: id,
		SenderID:  actor,
		Text:      req.Text,
	})
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *SessionHandler) GetStats(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	stats, err := h.backend.Stats(requestContext(c, id), id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *SessionHandler) RemoveParticipant(c *gin.Context) {
	id, ok := sessionID(c)
	if !ok {
		return
	}
	target := domain.ActorID(c.Param("actor"))
	if err := validation.ValidateActorID(string(target)); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}
	actor, ok := caller(c, "")
	if !ok {
		return
	}

	ctx := requestContext(c, id)
	if err := h.backend.RemoveParticipant(ctx, id, actor, target, c.Query("reason")); err != nil {
		c.Error(err)
		return
	}
	if h.kicker != nil {
		h.kicker.Kick(id, target)
	}
	h.logger.Infow("participant removed", "session_id", id, "actor_id", actor, "target", target)
	c.Status(http.StatusNoContent)
}
