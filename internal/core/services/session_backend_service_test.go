package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	"livesync/internal/infrastructure/repositories/memory"
	apperrors "livesync/pkg/errors"
	"livesync/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sentFrame struct {
	session domain.SessionID
	typ     domain.EventType
	payload any
}

type frameRecorder struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (r *frameRecorder) Broadcast(_ context.Context, id domain.SessionID, t domain.EventType, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, sentFrame{id, t, payload})
	return nil
}

func (r *frameRecorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.typ
	}
	return out
}

func (r *frameRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = nil
}

func newTestBackend(t *testing.T) (ports.SessionBackend, *frameRecorder) {
	t.Helper()
	rec := &frameRecorder{}
	backend := NewSessionBackendService(
		memory.NewMemorySessionRepository(),
		memory.NewMemoryMessageRepository(50),
		rec,
		SessionBackendConfig{HeartbeatTimeout: time.Minute, MessageHistory: 50},
		nil,
		logger.Nop(),
	)
	return backend, rec
}

func startedSession(t *testing.T, backend ports.SessionBackend) *domain.SessionRecord {
	t.Helper()
	ctx := context.Background()
	rec, err := backend.CreateSession(ctx, "host-1", "Evening show")
	require.NoError(t, err)
	require.NoError(t, backend.StartSession(ctx, rec.ID, "host-1"))
	return rec
}

func TestSessionBackend_Lifecycle(t *testing.T) {
	ctx := context.Background()
	backend, frames := newTestBackend(t)

	rec, err := backend.CreateSession(ctx, "host-1", "Evening show")
	require.NoError(t, err)
	assert.False(t, rec.Live)

	// not live yet
	err = backend.Heartbeat(ctx, rec.ID, "host-1")
	assert.ErrorIs(t, err, domain.ErrSessionNotLive)

	require.NoError(t, backend.StartSession(ctx, rec.ID, "host-1"))
	require.NoError(t, backend.StartSession(ctx, rec.ID, "host-1"), "start is idempotent")
	require.NoError(t, backend.Heartbeat(ctx, rec.ID, "host-1"))

	require.NoError(t, backend.EndSession(ctx, rec.ID, "host-1"))
	require.NoError(t, backend.EndSession(ctx, rec.ID, "host-1"), "end is idempotent")

	err = backend.Heartbeat(ctx, rec.ID, "host-1")
	assert.True(t, apperrors.IsBackendState(err))
	err = backend.StartSession(ctx, rec.ID, "host-1")
	assert.ErrorIs(t, err, domain.ErrSessionNotLive, "ended sessions do not restart")

	assert.Equal(t, []domain.EventType{domain.EventSessionState, domain.EventSessionState}, frames.types())
}

func TestSessionBackend_UnknownSession(t *testing.T) {
	ctx := context.Background()
	backend, _ := newTestBackend(t)

	tests := []struct {
		name string
		call func() error
	}{
		{"get", func() error { _, err := backend.GetSession(ctx, "nope"); return err }},
		{"start", func() error { return backend.StartSession(ctx, "nope", "host-1") }},
		{"end", func() error { return backend.EndSession(ctx, "nope", "host-1") }},
		{"heartbeat", func() error { return backend.Heartbeat(ctx, "nope", "host-1") }},
		{"join", func() error { return backend.JoinSession(ctx, "nope", "v1", domain.RoleViewer) }},
		{"messages", func() error { _, err := backend.MessagesSince(ctx, "nope", ""); return err }},
		{"stats", func() error { _, err := backend.Stats(ctx, "nope"); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			assert.ErrorIs(t, err, domain.ErrSessionNotFound)
			assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeSessionNotFound))
		})
	}
}

func TestSessionBackend_OnlyOwnerControls(t *testing.T) {
	ctx := context.Background()
	backend, _ := newTestBackend(t)
	rec := startedSession(t, backend)

	for name, err := range map[string]error{
		"end":       backend.EndSession(ctx, rec.ID, "intruder"),
		"heartbeat": backend.Heartbeat(ctx, rec.ID, "intruder"),
		"join host": backend.JoinSession(ctx, rec.ID, "intruder", domain.RoleHost),
		"remove":    backend.RemoveParticipant(ctx, rec.ID, "intruder", "host-1", ""),
	} {
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeForbidden), name)
	}
}

func TestSessionBackend_AudienceAndStats(t *testing.T) {
	ctx := context.Background()
	backend, frames := newTestBackend(t)
	rec := startedSession(t, backend)
	frames.reset()

	require.NoError(t, backend.JoinSession(ctx, rec.ID, "guest-1", domain.RoleGuest))
	require.NoError(t, backend.JoinSession(ctx, rec.ID, "viewer-1", domain.RoleViewer))
	require.NoError(t, backend.JoinSession(ctx, rec.ID, "viewer-2", domain.RoleViewer))
	require.NoError(t, backend.LeaveSession(ctx, rec.ID, "viewer-2"))

	stats, err := backend.Stats(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, stats.Live)
	assert.Equal(t, 1, stats.ViewerCount)
	assert.Equal(t, []domain.Participant{
		{ID: "guest-1", Kind: domain.RoleGuest, Active: true},
		{ID: "host-1", Kind: domain.RoleHost, Active: true},
	}, stats.Participants)

	// each membership change publishes participants and viewer count
	assert.Len(t, frames.types(), 8)
}

func TestSessionBackend_RemoveParticipant(t *testing.T) {
	ctx := context.Background()
	backend, frames := newTestBackend(t)
	rec := startedSession(t, backend)
	require.NoError(t, backend.JoinSession(ctx, rec.ID, "guest-1", domain.RoleGuest))
	frames.reset()

	require.NoError(t, backend.RemoveParticipant(ctx, rec.ID, "host-1", "guest-1", "kicked"))

	require.NotEmpty(t, frames.frames)
	first := frames.frames[0]
	assert.Equal(t, domain.EventParticipantRemoved, first.typ)
	assert.Equal(t, domain.ParticipantRemovedPayload{ParticipantID: "guest-1", Reason: "kicked"}, first.payload)

	err := backend.RemoveParticipant(ctx, rec.ID, "host-1", "host-1", "")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
}

func TestSessionBackend_Messages(t *testing.T) {
	ctx := context.Background()
	backend, frames := newTestBackend(t)
	rec := startedSession(t, backend)
	frames.reset()

	clientID := domain.MessageID("6f1c2a4e-9a39-4a8e-9d2b-1f0f7b3c5d10")
	first, err := backend.PostMessage(ctx, domain.ChatMessage{ID: clientID, SessionID: rec.ID, SenderID: "viewer-1", Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, clientID, first.ID, "client ids are kept")

	second, err := backend.PostMessage(ctx, domain.ChatMessage{ID: "not-a-uuid", SessionID: rec.ID, SenderID: "viewer-1", Text: "again"})
	require.NoError(t, err)
	assert.NotEqual(t, domain.MessageID("not-a-uuid"), second.ID)

	_, err = backend.PostMessage(ctx, domain.ChatMessage{SessionID: rec.ID, Text: "   "})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))

	msgs, err := backend.MessagesSince(ctx, rec.ID, first.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, second.ID, msgs[0].ID)

	assert.Equal(t, []domain.EventType{domain.EventChatMessage, domain.EventChatMessage}, frames.types())

	require.NoError(t, backend.EndSession(ctx, rec.ID, "host-1"))
	_, err = backend.PostMessage(ctx, domain.ChatMessage{SessionID: rec.ID, Text: "late"})
	assert.ErrorIs(t, err, domain.ErrSessionNotLive)
}

func TestSessionBackend_ExpireStale(t *testing.T) {
	ctx := context.Background()
	backend, _ := newTestBackend(t)
	impl := backend.(*sessionBackend)

	base := time.Now()
	impl.now = func() time.Time { return base }
	stale := startedSession(t, backend)
	fresh := startedSession(t, backend)

	impl.now = func() time.Time { return base.Add(50 * time.Second) }
	require.NoError(t, backend.Heartbeat(ctx, fresh.ID, "host-1"))

	impl.now = func() time.Time { return base.Add(90 * time.Second) }
	expired, err := backend.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.SessionID{stale.ID}, expired)

	rec, err := backend.GetSession(ctx, stale.ID)
	require.NoError(t, err)
	assert.False(t, rec.Live)
	rec, err = backend.GetSession(ctx, fresh.ID)
	require.NoError(t, err)
	assert.True(t, rec.Live)
}

type countingGate struct {
	grant bool
	calls atomic.Int32
}

func (g *countingGate) TryAcquire(context.Context) (bool, error) {
	g.calls.Add(1)
	return g.grant, nil
}

func TestRunExpiry_RespectsGate(t *testing.T) {
	for _, grant := range []bool{false, true} {
		backend, _ := newTestBackend(t)
		impl := backend.(*sessionBackend)
		base := time.Now()
		impl.now = func() time.Time { return base }
		rec := startedSession(t, backend)
		impl.now = func() time.Time { return base.Add(2 * time.Minute) }

		gate := &countingGate{grant: grant}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			RunExpiry(ctx, backend, 5*time.Millisecond, gate, logger.Nop())
			close(done)
		}()
		require.Eventually(t, func() bool { return gate.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
		cancel()
		<-done

		got, err := backend.GetSession(context.Background(), rec.ID)
		require.NoError(t, err)
		assert.Equal(t, !grant, got.Live, "grant=%v", grant)
	}
}
