package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	apperrors "livesync/pkg/errors"
	"livesync/pkg/validation"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type SessionBackendConfig struct {
	HeartbeatTimeout time.Duration // live sessions without a heartbeat for this long are ended
	MessageHistory   int
}

// sessionBackend is the development backend: the authority on session
// existence and liveness behind the REST API and the channel hub.
type sessionBackend struct {
	sessions  ports.SessionRepository
	messages  ports.MessageRepository
	broadcast ports.Broadcaster
	cfg       SessionBackendConfig
	metrics   ports.BackendMetrics
	logger    *zap.SugaredLogger
	now       func() time.Time
}

func NewSessionBackendService(
	sessions ports.SessionRepository,
	messages ports.MessageRepository,
	broadcast ports.Broadcaster,
	cfg SessionBackendConfig,
	metrics ports.BackendMetrics,
	logger *zap.SugaredLogger,
) ports.SessionBackend {
	if metrics == nil {
		metrics = ports.NoopBackendMetrics{}
	}
	if cfg.MessageHistory <= 0 {
		cfg.MessageHistory = 200
	}
	return &sessionBackend{
		sessions:  sessions,
		messages:  messages,
		broadcast: broadcast,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *sessionBackend) CreateSession(ctx context.Context, owner domain.ActorID, title string) (rec *domain.SessionRecord, err error) {
	defer func() { s.metrics.RecordSessionOp("create", err) }()

	if err := validation.ValidateActorID(string(owner)); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateTitle(title); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}

	rec = &domain.SessionRecord{
		ID:        domain.SessionID(uuid.NewString()),
		OwnerID:   owner,
		Title:     title,
		CreatedAt: s.now().UTC(),
	}
	if err := s.sessions.Create(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	s.logger.Infow("session created", "session_id", rec.ID, "owner_id", owner)
	return rec, nil
}

func (s *sessionBackend) GetSession(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	return s.get(ctx, id)
}

func (s *sessionBackend) get(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	rec, err := s.sessions.GetByID(ctx, id)
	if errors.Is(err, domain.ErrSessionNotFound) {
		return nil, apperrors.NewSessionNotFoundError(err, string(id))
	}
	return rec, err
}

func (s *sessionBackend) getOwned(ctx context.Context, id domain.SessionID, actor domain.ActorID) (*domain.SessionRecord, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != actor {
		return nil, apperrors.NewForbiddenError("only the host may do this")
	}
	return rec, nil
}

func (s *sessionBackend) getLive(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.Live {
		return nil, apperrors.NewSessionNotLiveError(domain.ErrSessionNotLive, string(id))
	}
	return rec, nil
}

// StartSession makes the session live. Starting a live session is a no-op;
// an ended session cannot be restarted.
func (s *sessionBackend) StartSession(ctx context.Context, id domain.SessionID, actor domain.ActorID) (err error) {
	defer func() { s.metrics.RecordSessionOp("start", err) }()

	rec, err := s.getOwned(ctx, id, actor)
	if err != nil {
		return err
	}
	if rec.Live {
		return nil
	}
	if rec.EndedAt != nil {
		return apperrors.NewSessionNotLiveError(domain.ErrSessionNotLive, string(id))
	}

	now := s.now().UTC()
	rec.Live = true
	rec.StartedAt = &now
	rec.LastHeartbeat = now
	if err := s.sessions.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}
	if err := s.sessions.AddMember(ctx, domain.Membership{SessionID: id, ActorID: actor, Role: domain.RoleHost, JoinedAt: now}); err != nil {
		return fmt.Errorf("failed to add host: %w", err)
	}

	s.logger.Infow("session started", "session_id", id)
	s.publishState(ctx, id, domain.SessionActive)
	s.refreshLiveGauge(ctx)
	return nil
}

// EndSession ends a live session. Ending an ended session is a no-op.
func (s *sessionBackend) EndSession(ctx context.Context, id domain.SessionID, actor domain.ActorID) (err error) {
	defer func() { s.metrics.RecordSessionOp("end", err) }()

	rec, err := s.getOwned(ctx, id, actor)
	if err != nil {
		return err
	}
	return s.end(ctx, rec, "ended by host")
}

func (s *sessionBackend) end(ctx context.Context, rec *domain.SessionRecord, reason string) error {
	if !rec.Live {
		return nil
	}
	now := s.now().UTC()
	rec.Live = false
	rec.EndedAt = &now
	if err := s.sessions.Update(ctx, rec); err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	s.logger.Infow("session ended", "session_id", rec.ID, "reason", reason)
	s.publishState(ctx, rec.ID, domain.SessionEnded)
	s.refreshLiveGauge(ctx)
	return nil
}

func (s *sessionBackend) Heartbeat(ctx context.Context, id domain.SessionID, actor domain.ActorID) (err error) {
	defer func() { s.metrics.RecordSessionOp("heartbeat", err) }()

	rec, err := s.getLive(ctx, id)
	if err != nil {
		return err
	}
	if rec.OwnerID != actor {
		return apperrors.NewForbiddenError("only the host sends heartbeats")
	}
	rec.LastHeartbeat = s.now().UTC()
	return s.sessions.Update(ctx, rec)
}

func (s *sessionBackend) JoinSession(ctx context.Context, id domain.SessionID, actor domain.ActorID, role domain.Role) (err error) {
	defer func() { s.metrics.RecordSessionOp("join", err) }()

	if !role.Valid() {
		return apperrors.NewInvalidInputError(fmt.Sprintf("invalid role %q", role))
	}
	rec, err := s.getLive(ctx, id)
	if err != nil {
		return err
	}
	if role == domain.RoleHost && rec.OwnerID != actor {
		return apperrors.NewForbiddenError("only the owner joins as host")
	}

	if err := s.sessions.AddMember(ctx, domain.Membership{SessionID: id, ActorID: actor, Role: role, JoinedAt: s.now().UTC()}); err != nil {
		return fmt.Errorf("failed to join session: %w", err)
	}
	s.publishAudience(ctx, id)
	return nil
}

func (s *sessionBackend) LeaveSession(ctx context.Context, id domain.SessionID, actor domain.ActorID) (err error) {
	defer func() { s.metrics.RecordSessionOp("leave", err) }()

	if _, err := s.get(ctx, id); err != nil {
		return err
	}
	if err := s.sessions.RemoveMember(ctx, id, actor); err != nil {
		return fmt.Errorf("failed to leave session: %w", err)
	}
	s.publishAudience(ctx, id)
	return nil
}

// RemoveParticipant lets the host remove another actor. The removed actor is
// told through a participant_removed frame.
func (s *sessionBackend) RemoveParticipant(ctx context.Context, id domain.SessionID, actor, target domain.ActorID, reason string) (err error) {
	defer func() { s.metrics.RecordSessionOp("remove", err) }()

	if _, err := s.getOwned(ctx, id, actor); err != nil {
		return err
	}
	if target == actor {
		return apperrors.NewInvalidInputError("the host cannot remove itself")
	}
	if err := s.sessions.RemoveMember(ctx, id, target); err != nil {
		return fmt.Errorf("failed to remove participant: %w", err)
	}

	s.send(ctx, id, domain.EventParticipantRemoved, domain.ParticipantRemovedPayload{ParticipantID: target, Reason: reason})
	s.publishAudience(ctx, id)
	return nil
}

func (s *sessionBackend) ListByOwner(ctx context.Context, owner domain.ActorID) ([]*domain.SessionRecord, error) {
	return s.sessions.ListByOwner(ctx, owner)
}

func (s *sessionBackend) MessagesSince(ctx context.Context, id domain.SessionID, after domain.MessageID) ([]domain.ChatMessage, error) {
	if _, err := s.get(ctx, id); err != nil {
		return nil, err
	}
	return s.messages.Since(ctx, id, after, s.cfg.MessageHistory)
}

func (s *sessionBackend) PostMessage(ctx context.Context, msg domain.ChatMessage) (out *domain.ChatMessage, err error) {
	defer func() { s.metrics.RecordSessionOp("message", err) }()

	if err := validation.ValidateChatText(msg.Text); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if _, err := s.getLive(ctx, msg.SessionID); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(string(msg.ID)); err != nil {
		msg.ID = domain.MessageID(uuid.NewString())
	}
	msg.SentAt = s.now().UTC()

	if err := s.messages.Append(ctx, &msg); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}
	s.send(ctx, msg.SessionID, domain.EventChatMessage, msg)
	return &msg, nil
}

func (s *sessionBackend) Stats(ctx context.Context, id domain.SessionID) (*domain.SessionStats, error) {
	rec, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	stats, err := s.audience(ctx, id)
	if err != nil {
		return nil, err
	}
	stats.Live = rec.Live
	return stats, nil
}

func (s *sessionBackend) audience(ctx context.Context, id domain.SessionID) (*domain.SessionStats, error) {
	members, err := s.sessions.Members(ctx, id)
	if err != nil {
		return nil, err
	}
	stats := &domain.SessionStats{SessionID: id, Participants: []domain.Participant{}}
	for _, m := range members {
		if m.Role == domain.RoleViewer {
			stats.ViewerCount++
			continue
		}
		stats.Participants = append(stats.Participants, domain.Participant{ID: m.ActorID, Kind: m.Role, Active: true})
	}
	sort.Slice(stats.Participants, func(i, j int) bool {
		return stats.Participants[i].ID < stats.Participants[j].ID
	})
	return stats, nil
}

// ExpireStale ends every live session whose host stopped sending heartbeats.
func (s *sessionBackend) ExpireStale(ctx context.Context) ([]domain.SessionID, error) {
	live, err := s.sessions.ListLive(ctx)
	if err != nil {
		return nil, err
	}
	deadline := s.now().Add(-s.cfg.HeartbeatTimeout)

	var expired []domain.SessionID
	for _, rec := range live {
		if rec.LastHeartbeat.After(deadline) {
			continue
		}
		if err := s.end(ctx, rec, "heartbeat timeout"); err != nil {
			s.logger.Warnw("failed to expire session", "session_id", rec.ID, "error", err)
			continue
		}
		expired = append(expired, rec.ID)
	}
	return expired, nil
}

func (s *sessionBackend) refreshLiveGauge(ctx context.Context) {
	live, err := s.sessions.ListLive(ctx)
	if err != nil {
		return
	}
	s.metrics.SetLiveSessions(len(live))
}

func (s *sessionBackend) publishState(ctx context.Context, id domain.SessionID, state domain.SessionState) {
	s.send(ctx, id, domain.EventSessionState, domain.SessionStatePayload{SessionID: id, State: state})
}

func (s *sessionBackend) publishAudience(ctx context.Context, id domain.SessionID) {
	stats, err := s.audience(ctx, id)
	if err != nil {
		s.logger.Debugw("audience unavailable", "session_id", id, "error", err)
		return
	}
	s.send(ctx, id, domain.EventParticipantsUpdated, domain.ParticipantsPayload{Participants: stats.Participants})
	s.send(ctx, id, domain.EventViewerCount, domain.ViewerCountPayload{Count: stats.ViewerCount})
}

func (s *sessionBackend) send(ctx context.Context, id domain.SessionID, t domain.EventType, payload any) {
	if s.broadcast == nil {
		return
	}
	if err := s.broadcast.Broadcast(ctx, id, t, payload); err != nil {
		s.logger.Warnw("broadcast failed", "session_id", id, "type", t, "error", err)
	}
}

// SweepGate decides whether this instance runs a given expiry sweep.
type SweepGate interface {
	TryAcquire(ctx context.Context) (bool, error)
}

// RunExpiry calls ExpireStale every interval until ctx is done. With a gate,
// a sweep only runs when the gate grants it.
func RunExpiry(ctx context.Context, backend ports.SessionBackend, interval time.Duration, gate SweepGate, logger *zap.SugaredLogger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if gate != nil {
				ok, err := gate.TryAcquire(ctx)
				if err != nil {
					logger.Warnw("expiry lease unavailable", "error", err)
					continue
				}
				if !ok {
					continue
				}
			}
			expired, err := backend.ExpireStale(ctx)
			if err != nil {
				logger.Warnw("session expiry failed", "error", err)
				continue
			}
			if len(expired) > 0 {
				logger.Infow("expired stale sessions", "count", len(expired))
			}
		}
	}
}
