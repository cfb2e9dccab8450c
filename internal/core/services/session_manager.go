package services

import (
	"context"
	"sync"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"

	"go.uber.org/zap"
)

// ChannelFactory builds the channel for one session.
type ChannelFactory func(session domain.Session) ports.Channel

// SessionManager keeps at most one session, and so one channel connection,
// alive at a time. Starting a session tears the previous one down first.
type SessionManager struct {
	api        ports.SessionAPI
	newChannel ChannelFactory
	sink       ports.EventSink
	cfg        SessionConfig
	metrics    ports.TransportMetrics
	logger     *zap.SugaredLogger

	mu      sync.Mutex
	current *SessionService
}

func NewSessionManager(api ports.SessionAPI, newChannel ChannelFactory, sink ports.EventSink, cfg SessionConfig, metrics ports.TransportMetrics, logger *zap.SugaredLogger) *SessionManager {
	return &SessionManager{
		api:        api,
		newChannel: newChannel,
		sink:       sink,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
	}
}

// Start tears down the current session, if any, and starts a new one. The
// returned service is valid even when Start fails; it is then terminal.
func (m *SessionManager) Start(ctx context.Context, session domain.Session, call ports.VideoCall) (*SessionService, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev := m.current; prev != nil {
		m.logger.Infow("replacing active session", "previous_session_id", prev.Session().ID, "session_id", session.ID)
		if err := prev.Leave(ctx); err != nil {
			m.logger.Warnw("previous session teardown incomplete", "error", err)
		}
		m.current = nil
	}

	svc := NewSessionService(ctx, session, SessionDeps{
		API:     m.api,
		Channel: m.newChannel(session),
		Call:    call,
		Sink:    m.sink,
		Metrics: m.metrics,
		Logger:  m.logger,
	}, m.cfg)
	m.current = svc

	return svc, svc.Start()
}

// Current returns the live session or nil.
func (m *SessionManager) Current() *SessionService {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	select {
	case <-m.current.Done():
		return nil
	default:
		return m.current
	}
}

// Stop leaves the current session and waits for its teardown.
func (m *SessionManager) Stop(ctx context.Context) error {
	m.mu.Lock()
	svc := m.current
	m.current = nil
	m.mu.Unlock()

	if svc == nil {
		return nil
	}
	return svc.Leave(ctx)
}
