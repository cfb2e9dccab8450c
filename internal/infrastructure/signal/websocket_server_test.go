package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	"livesync/internal/core/services"
	"livesync/internal/infrastructure/repositories/memory"
	apperrors "livesync/pkg/errors"
	"livesync/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type hubFixture struct {
	hub     *WebSocketServer
	backend ports.SessionBackend
	auth    services.AuthService
	url     string
}

func newHubFixture(t *testing.T, cfg ServerConfig) *hubFixture {
	t.Helper()
	auth := services.NewAuthService("secret", time.Minute)
	hub := NewWebSocketServer(auth, cfg, logger.Nop())
	backend := services.NewSessionBackendService(
		memory.NewMemorySessionRepository(),
		memory.NewMemoryMessageRepository(50),
		hub,
		services.SessionBackendConfig{HeartbeatTimeout: time.Minute},
		nil,
		logger.Nop(),
	)
	hub.SetChatPoster(backend)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)
	return &hubFixture{
		hub:     hub,
		backend: backend,
		auth:    auth,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (f *hubFixture) liveSession(t *testing.T) domain.SessionID {
	t.Helper()
	rec, err := f.backend.CreateSession(context.Background(), "host-1", "Show")
	require.NoError(t, err)
	require.NoError(t, f.backend.StartSession(context.Background(), rec.ID, "host-1"))
	return rec.ID
}

func (f *hubFixture) dial(t *testing.T, id domain.SessionID, actor domain.ActorID) *websocket.Conn {
	t.Helper()
	token, err := f.auth.GenerateToken(actor, domain.RoleViewer)
	require.NoError(t, err)

	before := f.hub.ConnectionCount(id)
	q := url.Values{"token": {token}, "session_id": {string(id)}}
	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?"+q.Encode(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return f.hub.ConnectionCount(id) > before
	}, time.Second, 5*time.Millisecond)
	return conn
}

// next reads frames until one of type t arrives.
func next(t *testing.T, conn *websocket.Conn, want domain.EventType) domain.InboundEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		ev, err := domain.ParseFrame(data, time.Now())
		require.NoError(t, err)
		if ev.Type == want {
			return ev
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, typ domain.EventType, payload any) {
	t.Helper()
	data, err := domain.EncodeFrame(typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestWebSocketServer_RejectsInvalidToken(t *testing.T) {
	f := newHubFixture(t, DefaultServerConfig())

	client := NewChannelClient("s1", staticResolver{url: f.url}, staticToken("garbage"), testClientConfig(), nil, logger.Nop())
	errs := &errorRecorder{}
	client.OnError(errs.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = client.Connect(ctx)

	assert.Eventually(t, func() bool { return client.Handle().PermanentFailure }, time.Second, 5*time.Millisecond)
	require.NotEmpty(t, errs.all())
	assert.True(t, apperrors.HasCode(errs.all()[0], apperrors.ErrCodePermanentAuth))
	assert.Zero(t, f.hub.ConnectionCount(""))
}

func TestWebSocketServer_RejectsInvalidSessionID(t *testing.T) {
	f := newHubFixture(t, DefaultServerConfig())
	token, err := f.auth.GenerateToken("viewer-1", domain.RoleViewer)
	require.NoError(t, err)

	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token="+token+"&session_id=bad%20id", nil)
	require.NoError(t, err)
	defer conn.Close()

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestWebSocketServer_ChatIsBroadcastWithinSession(t *testing.T) {
	f := newHubFixture(t, DefaultServerConfig())
	id := f.liveSession(t)
	other := f.liveSession(t)

	alice := f.dial(t, id, "alice")
	bob := f.dial(t, id, "bob")
	outsider := f.dial(t, other, "carol")

	send(t, alice, domain.EventChatMessage, domain.ChatMessage{ID: "6f1c2a4e-9a39-4a8e-9d2b-1f0f7b3c5d10", SenderID: "mallory", Text: "hello"})

	for _, conn := range []*websocket.Conn{alice, bob} {
		var msg domain.ChatMessage
		require.NoError(t, next(t, conn, domain.EventChatMessage).Decode(&msg))
		assert.Equal(t, "hello", msg.Text)
		assert.Equal(t, domain.ActorID("alice"), msg.SenderID, "sender comes from the token")
		assert.Equal(t, id, msg.SessionID)
		assert.Equal(t, domain.MessageID("6f1c2a4e-9a39-4a8e-9d2b-1f0f7b3c5d10"), msg.ID)
	}

	outsider.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := outsider.ReadMessage()
	assert.Error(t, err, "other sessions see nothing")
}

func TestWebSocketServer_TogglesAreRelayed(t *testing.T) {
	f := newHubFixture(t, DefaultServerConfig())
	id := f.liveSession(t)
	alice := f.dial(t, id, "alice")
	bob := f.dial(t, id, "bob")

	send(t, alice, domain.EventCameraToggled, domain.TogglePayload{ParticipantID: "bob", Enabled: false})

	var p domain.TogglePayload
	require.NoError(t, next(t, bob, domain.EventCameraToggled).Decode(&p))
	assert.Equal(t, domain.TogglePayload{ParticipantID: "alice", Enabled: false}, p)
}

func TestWebSocketServer_ErrorFrames(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.Burst = 2
	f := newHubFixture(t, cfg)
	id := f.liveSession(t)
	conn := f.dial(t, id, "alice")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"session_state","state":"ended"}`)))
	var p domain.ErrorPayload
	require.NoError(t, next(t, conn, domain.EventError).Decode(&p))
	assert.Equal(t, "INVALID_PAYLOAD", p.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","text":"ok"}`)))
	next(t, conn, domain.EventChatMessage)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat_message","text":"too much"}`)))
	require.NoError(t, next(t, conn, domain.EventError).Decode(&p))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", p.Code)
}

func TestWebSocketServer_KickClosesConnection(t *testing.T) {
	f := newHubFixture(t, DefaultServerConfig())
	id := f.liveSession(t)
	conn := f.dial(t, id, "guest-1")

	f.hub.Kick(id, "guest-1")

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
	assert.Eventually(t, func() bool { return f.hub.ConnectionCount(id) == 0 }, time.Second, 5*time.Millisecond)
}

func TestWebSocketServer_BroadcastEncodesFlatFrames(t *testing.T) {
	f := newHubFixture(t, DefaultServerConfig())
	id := f.liveSession(t)
	conn := f.dial(t, id, "viewer-1")

	require.NoError(t, f.hub.Broadcast(context.Background(), id, domain.EventViewerCount, domain.ViewerCountPayload{Count: 4}))

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]any
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "viewer_count", frame["type"])
	assert.EqualValues(t, 4, frame["count"])
}
