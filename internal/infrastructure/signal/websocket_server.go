package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	"livesync/internal/core/services"
	"livesync/pkg/tracing"
	"livesync/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // development backend only
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

type ServerConfig struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	MessagesPerSecond float64
	Burst             int
	MaxMessageSize    int64
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		MessagesPerSecond: 20,
		Burst:             40,
		MaxMessageSize:    64 * 1024,
	}
}

// ChatPoster persists an inbound chat message and broadcasts it.
type ChatPoster interface {
	PostMessage(ctx context.Context, msg domain.ChatMessage) (*domain.ChatMessage, error)
}

// ConnectionGauge observes the hub's open connection count.
type ConnectionGauge interface {
	SetChannelConnections(n int)
}

// hubConn is one authenticated channel connection.
type hubConn struct {
	conn    *websocket.Conn
	session domain.SessionID
	actor   domain.ActorID
	writeMu sync.Mutex
	limiter *rate.Limiter
}

func (c *hubConn) write(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *hubConn) close(code int, reason string, timeout time.Duration) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(timeout))
	c.writeMu.Unlock()
	c.conn.Close()
}

// WebSocketServer is the development backend's channel endpoint. It
// authenticates each connection by its token query parameter and fans frames
// out to every connection of the same session.
type WebSocketServer struct {
	auth  services.AuthService
	chat  ChatPoster
	relay ports.Broadcaster
	gauge ConnectionGauge
	cfg   ServerConfig

	connections map[domain.SessionID]map[*hubConn]struct{}
	mu          sync.RWMutex

	logger *zap.SugaredLogger
}

var _ ports.Broadcaster = (*WebSocketServer)(nil)

func NewWebSocketServer(auth services.AuthService, cfg ServerConfig, logger *zap.SugaredLogger) *WebSocketServer {
	s := &WebSocketServer{
		auth:        auth,
		cfg:         cfg,
		connections: make(map[domain.SessionID]map[*hubConn]struct{}),
		logger:      logger,
	}
	s.relay = s
	return s
}

// SetChatPoster sets where inbound chat goes.
func (s *WebSocketServer) SetChatPoster(chat ChatPoster) {
	s.chat = chat
}

// SetRelay replaces the broadcaster used for frames relayed between
// clients, e.g. with a cross-instance event bus.
func (s *WebSocketServer) SetRelay(relay ports.Broadcaster) {
	s.relay = relay
}

// SetConnectionGauge reports the connection count after every change.
func (s *WebSocketServer) SetConnectionGauge(gauge ConnectionGauge) {
	s.gauge = gauge
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	c := &hubConn{conn: conn}
	claims, err := s.auth.ValidateToken(r.URL.Query().Get("token"))
	if err != nil {
		s.logger.Infow("rejecting channel connection", "error", err)
		c.close(CloseAuthRejected, "invalid token", s.cfg.WriteTimeout)
		return
	}
	sessionID := domain.SessionID(r.URL.Query().Get("session_id"))
	if err := validation.ValidateSessionID(string(sessionID)); err != nil {
		c.close(websocket.ClosePolicyViolation, "invalid session_id", s.cfg.WriteTimeout)
		return
	}

	c.session = sessionID
	c.actor = claims.ActorID
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}
	s.register(c)
	defer s.unregister(c)

	s.logger.Infow("channel connected", "session_id", sessionID, "actor_id", c.actor)
	s.serve(r.Context(), c)
	s.logger.Infow("channel disconnected", "session_id", sessionID, "actor_id", c.actor)
}

func (s *WebSocketServer) serve(ctx context.Context, c *hubConn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.conn.Close()

	if s.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	go s.pingLoop(ctx, c)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debugw("channel read failed", "actor_id", c.actor, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		if c.limiter != nil && !c.limiter.Allow() {
			s.sendError(c, "RATE_LIMIT_EXCEEDED", "too many messages")
			continue
		}
		if err := s.handleFrame(ctx, c, data); err != nil {
			s.logger.Infow("error handling frame", "actor_id", c.actor, "error", err)
			s.sendError(c, "INVALID_PAYLOAD", err.Error())
		}
	}
}

func (s *WebSocketServer) pingLoop(ctx context.Context, c *hubConn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.conn.Close()
				return
			}
		}
	}
}

func (s *WebSocketServer) handleFrame(ctx context.Context, c *hubConn, data []byte) error {
	ev, err := domain.ParseFrame(data, time.Now())
	if err != nil {
		return err
	}
	ctx, span := tracing.TraceWebSocketMessage(ctx, string(ev.Type), string(c.session))
	defer span.End()

	switch ev.Type {
	case domain.EventChatMessage:
		var msg domain.ChatMessage
		if err := ev.Decode(&msg); err != nil {
			return err
		}
		if s.chat == nil {
			return fmt.Errorf("chat is not available")
		}
		msg.SessionID = c.session
		msg.SenderID = c.actor
		_, err := s.chat.PostMessage(ctx, msg)
		return err

	case domain.EventCameraToggled, domain.EventMicrophoneToggled:
		var p domain.TogglePayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		p.ParticipantID = c.actor
		return s.relay.Broadcast(ctx, c.session, ev.Type, p)

	default:
		return fmt.Errorf("unsupported frame type %q", ev.Type)
	}
}

func (s *WebSocketServer) sendError(c *hubConn, code, message string) {
	data, err := domain.EncodeFrame(domain.EventError, domain.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	_ = c.write(data, s.cfg.WriteTimeout)
}

// Broadcast writes a frame to every local connection of the session.
// Connections that cannot be written to are closed.
func (s *WebSocketServer) Broadcast(ctx context.Context, id domain.SessionID, msgType domain.EventType, payload any) error {
	data, err := domain.EncodeFrame(msgType, payload)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", msgType, err)
	}

	s.mu.RLock()
	targets := make([]*hubConn, 0, len(s.connections[id]))
	for c := range s.connections[id] {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(data, s.cfg.WriteTimeout); err != nil {
			s.logger.Debugw("dropping connection after failed write", "actor_id", c.actor, "error", err)
			c.conn.Close()
		}
	}
	return nil
}

// Kick closes every connection of actor in the session.
func (s *WebSocketServer) Kick(id domain.SessionID, actor domain.ActorID) {
	s.mu.RLock()
	var targets []*hubConn
	for c := range s.connections[id] {
		if c.actor == actor {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.close(websocket.CloseNormalClosure, "removed", s.cfg.WriteTimeout)
	}
}

func (s *WebSocketServer) register(c *hubConn) {
	s.mu.Lock()
	set, ok := s.connections[c.session]
	if !ok {
		set = make(map[*hubConn]struct{})
		s.connections[c.session] = set
	}
	set[c] = struct{}{}
	s.mu.Unlock()
	s.reportConnections()
}

func (s *WebSocketServer) unregister(c *hubConn) {
	s.mu.Lock()
	delete(s.connections[c.session], c)
	if len(s.connections[c.session]) == 0 {
		delete(s.connections, c.session)
	}
	s.mu.Unlock()
	s.reportConnections()
}

func (s *WebSocketServer) reportConnections() {
	if s.gauge != nil {
		s.gauge.SetChannelConnections(s.ConnectionCount(""))
	}
}

// ConnectionCount returns the number of open connections of a session, or
// of all sessions when id is empty.
func (s *WebSocketServer) ConnectionCount(id domain.SessionID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id != "" {
		return len(s.connections[id])
	}
	n := 0
	for _, set := range s.connections {
		n += len(set)
	}
	return n
}

// HealthCheck reports the hub's connection count.
func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(""),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
