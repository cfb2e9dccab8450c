package ports

import (
	"github.com/gin-gonic/gin"
)

type SessionHTTPHandler interface {
	CreateSession(c *gin.Context)
	GetSession(c *gin.Context)
	SessionAction(c *gin.Context)
	JoinSession(c *gin.Context)
	LeaveSession(c *gin.Context)
	ListSessions(c *gin.Context)
	ListMessages(c *gin.Context)
	PostMessage(c *gin.Context)
	GetStats(c *gin.Context)
	RemoveParticipant(c *gin.Context)
}
