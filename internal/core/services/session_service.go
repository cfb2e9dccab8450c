package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	apperrors "livesync/pkg/errors"
	"livesync/pkg/logger"
	"livesync/pkg/tracing"
	"livesync/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SessionConfig struct {
	Batcher     EventBatcherConfig
	Heartbeat   HeartbeatConfig
	Poll        PollConfig
	PollEnabled bool
	Reconciler  ReconcilerConfig
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		Batcher:     DefaultEventBatcherConfig(),
		Heartbeat:   DefaultHeartbeatConfig(),
		Poll:        DefaultPollConfig(),
		PollEnabled: true,
		Reconciler:  DefaultReconcilerConfig(),
	}
}

// SessionDeps are the collaborators of one session. Channel is owned by the
// session for its whole lifetime.
type SessionDeps struct {
	API     ports.SessionAPI
	Channel ports.Channel
	Call    ports.VideoCall
	Sink    ports.EventSink
	Metrics ports.TransportMetrics
	Logger  *zap.SugaredLogger
}

// SessionService drives one live session. It owns the cancellation context
// shared by the channel, the heartbeat, the poll loop and the batcher;
// cancelling it tears all of them down. Everything towards the UI goes
// through the EventSink.
type SessionService struct {
	session    domain.Session
	api        ports.SessionAPI
	channel    ports.Channel
	batcher    *EventBatcher
	heartbeat  *HeartbeatService
	poll       *PollService
	reconciler *ReconcilerService
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	state domain.SessionState

	finishOnce sync.Once
	done       chan struct{}
}

func NewSessionService(parent context.Context, session domain.Session, deps SessionDeps, cfg SessionConfig) *SessionService {
	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}
	log = log.With("session_id", session.ID, "actor_id", session.LocalActorID, "role", session.Role)

	ctx := logger.WithSessionID(parent, string(session.ID))
	ctx = logger.WithActorID(ctx, string(session.LocalActorID))
	ctx, cancel := context.WithCancel(ctx)

	s := &SessionService{
		session: session,
		api:     deps.API,
		channel: deps.Channel,
		logger:  log,
		ctx:     ctx,
		cancel:  cancel,
		state:   domain.SessionIdle,
		done:    make(chan struct{}),
	}
	s.session.State = domain.SessionIdle

	s.batcher = NewEventBatcher(deps.Sink, cfg.Batcher, deps.Metrics, log)
	s.reconciler = NewReconcilerService(deps.API, deps.Call, session, cfg.Reconciler, deps.Metrics, log)
	s.reconciler.OnTeardown(s.onTeardown)

	if session.IsHost() {
		s.heartbeat = NewHeartbeatService(deps.API, session.ID, cfg.Heartbeat, deps.Metrics, log)
		s.heartbeat.OnSessionGone(s.onSessionGone)
	}
	if cfg.PollEnabled {
		s.poll = NewPollService(deps.API, session.ID, s.batcher, cfg.Poll, deps.Metrics, log)
		s.poll.OnSessionGone(s.onSessionGone)
	}
	return s
}

// Start runs the start sequence: orphan reconciliation for a host, the start
// or join call, the channel connect, then heartbeat and poll. A channel that
// fails transiently keeps reconnecting in the background and does not fail
// the start.
func (s *SessionService) Start() error {
	ctx, span := tracing.TraceSessionCall(s.ctx, "start", string(s.session.ID))
	defer span.End()

	if err := s.validate(); err != nil {
		s.finish(domain.SessionEnded)
		return err
	}
	if !s.transition(domain.SessionConnecting) {
		return fmt.Errorf("%w: start from %s", domain.ErrInvalidTransition, s.State())
	}

	if s.session.IsHost() {
		result, err := s.reconciler.ReconcileOrphans(ctx, s.session.LocalActorID, s.session.ID)
		if err != nil {
			s.logger.Warnw("orphan reconciliation skipped", "error", err)
		} else if len(result.Ended) > 0 || len(result.Failed) > 0 {
			s.logger.Infow("orphan reconciliation done", "ended", len(result.Ended), "failed", len(result.Failed))
		}
	}

	var err error
	if s.session.IsHost() {
		err = s.api.Start(ctx, s.session.ID)
	} else {
		err = s.api.Join(ctx, s.session.ID, s.session.LocalActorID, s.session.Role)
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		if isBackendState(err) {
			s.logger.Infow("session not available on backend", "error", err)
			s.finish(domain.SessionEnded)
			return err
		}
		s.batcher.EmitError(err)
		s.finish(domain.SessionFailed)
		return err
	}

	s.channel.On(domain.AnyEvent, s.onFrame)
	s.channel.OnError(s.onChannelError)

	if err := s.channel.Connect(s.ctx); err != nil {
		if apperrors.IsFatal(err) || errors.Is(err, domain.ErrPermanentFailure) {
			return err
		}
		if s.ctx.Err() != nil {
			return domain.ErrSessionClosed
		}
		s.logger.Warnw("channel not connected yet, retrying in background", "error", err)
	}

	if !s.transition(domain.SessionActive) {
		return domain.ErrSessionClosed
	}
	s.reconciler.SetActive(true)

	if s.heartbeat != nil {
		s.heartbeat.Arm(s.ctx)
	}
	if s.poll != nil {
		s.poll.Start(s.ctx)
	}
	s.logger.Infow("session active")
	return nil
}

func (s *SessionService) validate() error {
	if err := validation.ValidateSessionID(string(s.session.ID)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateActorID(string(s.session.LocalActorID)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if !s.session.Role.Valid() {
		return apperrors.NewInvalidInputError(fmt.Sprintf("invalid role %q", s.session.Role))
	}
	return nil
}

func (s *SessionService) Session() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.session
	session.State = s.state
	return session
}

func (s *SessionService) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the session reached a terminal state and released
// every resource.
func (s *SessionService) Done() <-chan struct{} {
	return s.done
}

func (s *SessionService) Handle() domain.ConnectionHandle {
	return s.channel.Handle()
}

// Send hands a frame to the channel, queueing it while disconnected.
func (s *SessionService) Send(msgType domain.EventType, payload any) error {
	if s.State().IsTerminal() {
		return domain.ErrSessionClosed
	}
	return s.channel.Send(msgType, payload)
}

// SendChat validates and sends a chat message from the local actor.
func (s *SessionService) SendChat(text string) (domain.ChatMessage, error) {
	if err := validation.ValidateChatText(text); err != nil {
		return domain.ChatMessage{}, apperrors.NewInvalidInputError(err.Error())
	}
	msg := domain.ChatMessage{
		ID:        domain.MessageID(uuid.NewString()),
		SessionID: s.session.ID,
		SenderID:  s.session.LocalActorID,
		Text:      text,
		SentAt:    time.Now().UTC(),
	}
	return msg, s.Send(domain.EventChatMessage, msg)
}

// SendHeartbeat issues one liveness call outside the schedule. Only the host
// sends heartbeats.
func (s *SessionService) SendHeartbeat(ctx context.Context) error {
	if s.heartbeat == nil {
		return apperrors.NewForbiddenError("only the host sends heartbeats")
	}
	return s.heartbeat.SendHeartbeat(ctx)
}

// OnAppStateChange pauses the heartbeat and slows polling when the app leaves
// the foreground, and ends an active hosted session if so configured.
func (s *SessionService) OnAppStateChange(state domain.AppState) {
	if s.poll != nil {
		s.poll.OnAppStateChange(state)
	}
	if state.IsForeground() {
		if s.heartbeat != nil && s.State() == domain.SessionActive {
			s.heartbeat.Resume()
		}
		return
	}
	if s.heartbeat != nil {
		s.heartbeat.Pause()
	}
	s.reconciler.OnAppStateChange(s.ctx, state)
}

func (s *SessionService) OnFocusLost() {
	s.reconciler.OnFocusLost(s.ctx)
}

// Unmount is the screen going away. The end call is not awaited.
func (s *SessionService) Unmount() {
	s.reconciler.OnUnmount()
}

// Leave ends (host) or leaves (guest, viewer) the session and waits for the
// local teardown to finish.
func (s *SessionService) Leave(ctx context.Context) error {
	s.reconciler.Teardown(ctx, TriggerLeave)
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reconnect retries the event channel with a fresh attempt budget. It is the
// way back after the channel gave up reconnecting.
func (s *SessionService) Reconnect() error {
	if s.State().IsTerminal() {
		return domain.ErrSessionClosed
	}
	return s.channel.Connect(s.ctx)
}

func (s *SessionService) ForceUpdate(ctx context.Context) error {
	if s.poll == nil {
		return nil
	}
	return s.poll.ForceUpdate(ctx)
}

func (s *SessionService) OnUserInteraction() {
	if s.poll != nil {
		s.poll.OnUserInteraction()
	}
}

func (s *SessionService) OnVisibilityChange(visible bool) {
	if s.poll != nil {
		s.poll.OnVisibilityChange(visible)
	}
}

func (s *SessionService) onFrame(ev domain.InboundEvent) {
	if s.poll != nil {
		s.poll.Observe(ev)
	}
	s.batcher.Add(ev)

	switch ev.Type {
	case domain.EventSessionState:
		var p domain.SessionStatePayload
		if err := ev.Decode(&p); err != nil {
			s.logger.Debugw("dropping malformed session state", "error", err)
			return
		}
		if p.State == domain.SessionEnded {
			s.logger.Infow("backend ended the session")
			go s.reconciler.OnSessionGone(s.ctx)
		}
	case domain.EventParticipantRemoved:
		var p domain.ParticipantRemovedPayload
		if err := ev.Decode(&p); err != nil {
			s.logger.Debugw("dropping malformed removal", "error", err)
			return
		}
		if p.ParticipantID == s.session.LocalActorID {
			s.logger.Infow("local actor removed from session", "reason", p.Reason)
			go s.reconciler.OnRemoved(s.ctx)
		}
	}
}

// onChannelError handles the errors the channel surfaces. Rejected auth
// fails the session. A spent reconnect budget only reaches the sink: the
// heartbeat and the video call keep running until the user reconnects or
// leaves.
func (s *SessionService) onChannelError(err error) {
	s.batcher.EmitError(err)
	if apperrors.IsFatal(err) {
		s.logger.Errorw("channel failed", "error", err)
		s.reconciler.Teardown(s.ctx, TriggerFatal)
		s.finish(domain.SessionFailed)
		return
	}
	s.logger.Warnw("channel gave up reconnecting", "error", err)
}

func (s *SessionService) onSessionGone(err error) {
	s.logger.Infow("backend reports session gone", "error", err)
	s.reconciler.OnSessionGone(s.ctx)
}

func (s *SessionService) onTeardown(trigger TeardownTrigger) {
	if trigger == TriggerFatal {
		s.finish(domain.SessionFailed)
		return
	}
	s.finish(domain.SessionEnded)
}

// finish releases every resource of the session once and publishes the
// terminal state last.
func (s *SessionService) finish(final domain.SessionState) {
	s.finishOnce.Do(func() {
		s.reconciler.SetActive(false)
		if s.heartbeat != nil {
			s.heartbeat.Stop()
		}
		if final == domain.SessionEnded {
			s.channel.GracefulDisconnect()
		} else {
			s.channel.Disconnect()
		}
		s.cancel()
		s.batcher.Stop()

		if !s.transition(final) && !s.State().IsTerminal() {
			s.transition(domain.SessionEnded)
		}
		s.logger.Infow("session finished", "state", s.State())
		close(s.done)
	})
}

func (s *SessionService) transition(to domain.SessionState) bool {
	s.mu.Lock()
	if !domain.CanTransition(s.state, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()

	s.batcher.EmitState(to)
	return true
}
