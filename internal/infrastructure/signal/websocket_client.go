package signal

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	apperrors "livesync/pkg/errors"
	"livesync/pkg/retry"
	"livesync/pkg/tracing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// CloseAuthRejected is the application close code the backend uses when the
// handshake token is not accepted.
const CloseAuthRejected = 4003

type ClientConfig struct {
	ConnectTimeout time.Duration
	Backoff        retry.Config
	AuthRejectCode int
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	QueueSize      int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout: 8 * time.Second,
		Backoff:        retry.ReconnectConfig(),
		AuthRejectCode: CloseAuthRejected,
		PingInterval:   25 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		QueueSize:      DefaultQueueSize,
	}
}

// ChannelClient owns the single real-time connection of one session.
type ChannelClient struct {
	cfg       ClientConfig
	sessionID domain.SessionID
	resolver  ports.EndpointResolver
	tokens    ports.TokenProvider
	dialer    *websocket.Dialer
	queue     *OutboundQueue
	metrics   ports.TransportMetrics
	logger    *zap.SugaredLogger

	mu             sync.Mutex
	conn           *websocket.Conn
	state          domain.ReadyState
	attempts       int
	permanent      bool
	exhausted      bool
	reconnecting   bool
	gen            uint64
	reconnectTimer *time.Timer
	pingCancel     context.CancelFunc
	baseCtx        context.Context
	stopAfter      func() bool
	openedAt       time.Time
	closedAt       time.Time
	lastCloseCode  int

	writeMu sync.Mutex

	hmu           sync.RWMutex
	handlers      map[domain.EventType][]ports.EventHandler
	errorHandlers []func(error)
	stateHandlers []func(domain.ReadyState)
}

func NewChannelClient(
	sessionID domain.SessionID,
	resolver ports.EndpointResolver,
	tokens ports.TokenProvider,
	cfg ClientConfig,
	metrics ports.TransportMetrics,
	logger *zap.SugaredLogger,
) *ChannelClient {
	if cfg.AuthRejectCode == 0 {
		cfg.AuthRejectCode = CloseAuthRejected
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	logger = logger.With("session_id", sessionID)

	return &ChannelClient{
		cfg:       cfg,
		sessionID: sessionID,
		resolver:  resolver,
		tokens:    tokens,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		},
		queue:    NewOutboundQueue(cfg.QueueSize, metrics, logger),
		metrics:  metrics,
		logger:   logger,
		state:    domain.ReadyClosed,
		baseCtx:  context.Background(),
		handlers: make(map[domain.EventType][]ports.EventHandler),
	}
}

// On registers a handler for one event type, or for every frame with domain.AnyEvent.
func (c *ChannelClient) On(eventType domain.EventType, handler ports.EventHandler) {
	c.hmu.Lock()
	c.handlers[eventType] = append(c.handlers[eventType], handler)
	c.hmu.Unlock()
}

// OnError registers a handler for fatal transport errors.
func (c *ChannelClient) OnError(handler func(error)) {
	c.hmu.Lock()
	c.errorHandlers = append(c.errorHandlers, handler)
	c.hmu.Unlock()
}

func (c *ChannelClient) OnStateChange(handler func(domain.ReadyState)) {
	c.hmu.Lock()
	c.stateHandlers = append(c.stateHandlers, handler)
	c.hmu.Unlock()
}

// Handle returns a snapshot of the connection handle.
func (c *ChannelClient) Handle() domain.ConnectionHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ConnectionHandle{
		State:             c.state,
		ReconnectAttempts: c.attempts,
		PermanentFailure:  c.permanent,
	}
}

func (c *ChannelClient) Stats() domain.ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return domain.ConnectionStats{
		State:             c.state,
		ReconnectAttempts: c.attempts,
		PermanentFailure:  c.permanent,
		QueuedMessages:    c.queue.Len(),
		LastOpenedAt:      c.openedAt,
		LastClosedAt:      c.closedAt,
		LastCloseCode:     c.lastCloseCode,
	}
}

// Connect opens the connection. ctx bounds the lifetime of the client: once
// it is done the connection is torn down and no reconnect is scheduled.
// Connect is a no-op while a connection is open or being established.
func (c *ChannelClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.permanent {
		c.mu.Unlock()
		return domain.ErrPermanentFailure
	}
	if c.state == domain.ReadyOpen || c.state == domain.ReadyConnecting {
		c.mu.Unlock()
		return nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnecting = false
	if c.exhausted {
		c.attempts = 0
		c.exhausted = false
	}
	if c.baseCtx != ctx {
		if c.stopAfter != nil {
			c.stopAfter()
		}
		c.baseCtx = ctx
		c.stopAfter = context.AfterFunc(ctx, c.Disconnect)
	}
	c.mu.Unlock()

	return c.dialAndOpen(ctx)
}

func (c *ChannelClient) dialAndOpen(ctx context.Context) error {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.state = domain.ReadyConnecting
	c.mu.Unlock()
	c.notifyState(domain.ReadyConnecting)

	start := time.Now()
	conn, err := c.dial(ctx)
	c.metrics.RecordConnect(err == nil, time.Since(start))
	if err != nil {
		c.onDialFailure(gen, err)
		return err
	}
	return c.onOpen(ctx, gen, conn)
}

func (c *ChannelClient) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := c.resolver.Resolve(ctx)
	if err != nil {
		return nil, apperrors.NewTransientError(err, "resolve channel endpoint")
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, apperrors.NewTransientError(err, "obtain channel token")
	}

	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, apperrors.NewTransientError(err, "parse channel endpoint")
	}
	q := u.Query()
	q.Set("token", token)
	q.Set("session_id", string(c.sessionID))
	u.RawQuery = q.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, apperrors.NewPermanentAuthError(err, "channel handshake rejected").
				WithContext("status", resp.StatusCode)
		}
		return nil, apperrors.NewTransientError(err, "channel dial failed")
	}
	return conn, nil
}

// onOpen publishes the connection and drains the outbound queue before any
// new Send can reach the socket.
func (c *ChannelClient) onOpen(ctx context.Context, gen uint64, conn *websocket.Conn) error {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		conn.Close()
		return domain.ErrNotConnected
	}

	c.conn = conn
	c.attempts = 0
	c.permanent = false
	c.exhausted = false
	c.reconnecting = false
	c.openedAt = time.Now()

	pingCtx, cancel := context.WithCancel(ctx)
	c.pingCancel = cancel

	sent, err := c.queue.Drain(func(msg domain.OutboundMessage) error {
		return c.write(conn, msg.Data)
	})
	if err != nil {
		c.logger.Warnw("outbound queue flush interrupted", "sent", sent, "remaining", c.queue.Len(), "error", err)
	} else if sent > 0 {
		c.logger.Debugw("flushed outbound queue", "sent", sent)
	}

	c.state = domain.ReadyOpen
	c.mu.Unlock()

	c.logger.Infow("channel connected")
	c.notifyState(domain.ReadyOpen)

	go c.readLoop(ctx, gen, conn)
	go c.pingLoop(pingCtx, conn)
	return nil
}

func (c *ChannelClient) onDialFailure(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.state = domain.ReadyClosed
	c.reconnecting = false

	var fatal error
	if apperrors.HasCode(err, apperrors.ErrCodePermanentAuth) {
		fatal = c.markPermanentLocked(err)
	}
	c.mu.Unlock()

	c.logger.Warnw("channel connect failed", "error", err)
	c.notifyState(domain.ReadyClosed)

	if fatal != nil {
		c.emitError(fatal)
		return
	}
	c.scheduleReconnect(err)
}

func (c *ChannelClient) readLoop(ctx context.Context, gen uint64, conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(gen, conn, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		event, err := domain.ParseFrame(data, time.Now())
		if err != nil {
			c.logger.Debugw("dropping malformed frame", "error", err, "size", len(data))
			continue
		}

		c.metrics.RecordFrame(event.Type)
		_, span := tracing.TraceWebSocketMessage(ctx, string(event.Type), string(c.sessionID))
		c.dispatch(event)
		span.End()
	}
}

func (c *ChannelClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debugw("ping failed", "error", err)
				return
			}
		}
	}
}

// handleClose classifies a closed connection. Stale read loops, including
// ones ended by Disconnect, are ignored.
func (c *ChannelClient) handleClose(gen uint64, conn *websocket.Conn, err error) {
	code := closeCode(err)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = domain.ReadyClosed
	c.closedAt = time.Now()
	c.lastCloseCode = code
	if c.pingCancel != nil {
		c.pingCancel()
		c.pingCancel = nil
	}

	var fatal error
	reconnect := false
	switch code {
	case c.cfg.AuthRejectCode, websocket.ClosePolicyViolation:
		fatal = c.markPermanentLocked(apperrors.NewPermanentAuthError(err, "channel closed by server: authentication rejected").
			WithContext("close_code", code))
	case websocket.CloseNormalClosure:
	default:
		reconnect = true
	}
	c.mu.Unlock()

	conn.Close()
	c.logger.Infow("channel closed", "close_code", code, "error", err)
	c.notifyState(domain.ReadyClosed)

	if fatal != nil {
		c.emitError(fatal)
	}
	if reconnect {
		c.scheduleReconnect(apperrors.NewTransientError(err, "channel dropped"))
	}
}

// markPermanentLocked sets the permanent-failure flag and returns the error
// to surface, or nil if it was already set. Caller holds c.mu.
func (c *ChannelClient) markPermanentLocked(err error) error {
	if c.permanent {
		return nil
	}
	c.permanent = true
	c.reconnecting = false
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	return err
}

func (c *ChannelClient) scheduleReconnect(cause error) {
	c.mu.Lock()
	if c.permanent || c.reconnecting || c.baseCtx.Err() != nil {
		c.mu.Unlock()
		return
	}

	if c.attempts >= c.cfg.Backoff.MaxAttempts {
		if c.exhausted {
			c.mu.Unlock()
			return
		}
		c.exhausted = true
		attempts := c.attempts
		c.mu.Unlock()

		c.logger.Errorw("giving up on channel reconnect", "attempts", attempts, "error", cause)
		c.emitError(apperrors.NewMaxAttemptsError(attempts, cause))
		return
	}

	c.attempts++
	attempt := c.attempts
	delay := retry.Delay(c.cfg.Backoff, attempt)
	gen := c.gen
	c.reconnecting = true
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnect(gen) })
	c.mu.Unlock()

	c.metrics.RecordReconnectAttempt(attempt)
	c.logger.Infow("scheduling channel reconnect", "attempt", attempt, "delay", delay)
}

func (c *ChannelClient) reconnect(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.permanent || c.baseCtx.Err() != nil {
		c.reconnecting = false
		c.mu.Unlock()
		return
	}
	c.reconnectTimer = nil
	ctx := c.baseCtx
	c.mu.Unlock()

	// Failures are rescheduled by onDialFailure.
	_ = c.dialAndOpen(ctx)
}

// Send writes the frame immediately if the connection is open and queues it
// otherwise.
func (c *ChannelClient) Send(msgType domain.EventType, payload any) error {
	data, err := domain.EncodeFrame(msgType, payload)
	if err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidPayload, "encode outbound frame", http.StatusBadRequest)
	}
	msg := domain.OutboundMessage{
		ID:         uuid.NewString(),
		Type:       msgType,
		Data:       data,
		EnqueuedAt: time.Now(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.permanent {
		return domain.ErrPermanentFailure
	}
	if c.state == domain.ReadyOpen && c.conn != nil {
		err := c.write(c.conn, data)
		if err == nil {
			return nil
		}
		c.logger.Debugw("send failed, queueing", "message_id", msg.ID, "error", err)
	}
	c.queue.Enqueue(msg)
	return nil
}

func (c *ChannelClient) write(conn *websocket.Conn, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Disconnect tears the connection down without a close handshake. Counters
// and queued messages are kept.
func (c *ChannelClient) Disconnect() {
	conn, changed := c.teardown(false)
	if conn != nil {
		conn.Close()
	}
	if changed {
		c.notifyState(domain.ReadyClosed)
	}
}

// GracefulDisconnect is used when the local actor leaves on purpose. It sends
// a normal close frame, resets every counter and drops queued messages.
func (c *ChannelClient) GracefulDisconnect() {
	conn, changed := c.teardown(true)
	if conn != nil {
		c.writeMu.Lock()
		err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client leaving"),
			time.Now().Add(c.cfg.WriteTimeout))
		c.writeMu.Unlock()
		if err != nil {
			c.logger.Debugw("close frame not sent", "error", err)
		}
		conn.Close()
	}
	if changed {
		c.notifyState(domain.ReadyClosed)
	}
	c.logger.Infow("channel disconnected gracefully")
}

func (c *ChannelClient) teardown(reset bool) (*websocket.Conn, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.reconnecting = false
	if c.pingCancel != nil {
		c.pingCancel()
		c.pingCancel = nil
	}
	if reset {
		c.attempts = 0
		c.permanent = false
		c.exhausted = false
		c.queue.Clear()
	}

	conn := c.conn
	c.conn = nil
	changed := c.state != domain.ReadyClosed
	c.state = domain.ReadyClosed
	if changed {
		c.closedAt = time.Now()
	}
	return conn, changed
}

func (c *ChannelClient) dispatch(event domain.InboundEvent) {
	c.hmu.RLock()
	handlers := append([]ports.EventHandler{}, c.handlers[event.Type]...)
	handlers = append(handlers, c.handlers[domain.AnyEvent]...)
	c.hmu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

func (c *ChannelClient) emitError(err error) {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		c.metrics.RecordFatal(string(appErr.Code))
	}

	c.hmu.RLock()
	handlers := append([]func(error){}, c.errorHandlers...)
	c.hmu.RUnlock()

	for _, h := range handlers {
		h(err)
	}
}

func (c *ChannelClient) notifyState(state domain.ReadyState) {
	c.hmu.RLock()
	handlers := append([]func(domain.ReadyState){}, c.stateHandlers...)
	c.hmu.RUnlock()

	for _, h := range handlers {
		h(state)
	}
}

func closeCode(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return websocket.CloseAbnormalClosure
}
