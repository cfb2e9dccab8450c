package ports

import (
	"context"

	"livesync/internal/core/domain"
)

// EndpointResolver distinguishes the production domain from a development
// host and returns scheme-qualified addresses.
type EndpointResolver interface {
	Resolve(ctx context.Context) (string, error)
	APIBaseURL() string
}

// TokenProvider supplies a short-lived bearer token used for REST calls and
// the channel handshake.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// SessionAPI is the Session REST API. Every call is safe to repeat.
type SessionAPI interface {
	Create(ctx context.Context, owner domain.ActorID, title string) (*domain.SessionRecord, error)
	Get(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error)
	Start(ctx context.Context, id domain.SessionID) error
	End(ctx context.Context, id domain.SessionID) error
	Heartbeat(ctx context.Context, id domain.SessionID) error
	Join(ctx context.Context, id domain.SessionID, actor domain.ActorID, role domain.Role) error
	Leave(ctx context.Context, id domain.SessionID, actor domain.ActorID) error
	ListByOwner(ctx context.Context, owner domain.ActorID) ([]*domain.SessionRecord, error)
	MessagesSince(ctx context.Context, id domain.SessionID, after domain.MessageID) ([]domain.ChatMessage, error)
	Stats(ctx context.Context, id domain.SessionID) (*domain.SessionStats, error)
}

// VideoCall is the opaque video-calling SDK. Only courtesy teardown calls are made.
type VideoCall interface {
	DisableMedia(ctx context.Context) error
	Leave(ctx context.Context) error
}

// EventSink receives everything the transport core emits towards the UI layer.
type EventSink interface {
	OnEvent(event domain.InboundEvent)
	OnError(err error)
	OnStateChange(state domain.SessionState)
}

type EventHandler func(event domain.InboundEvent)

// Channel is the public surface of the event channel client.
type Channel interface {
	Connect(ctx context.Context) error
	Disconnect()
	GracefulDisconnect()
	Send(msgType domain.EventType, payload any) error
	On(eventType domain.EventType, handler EventHandler)
	OnError(handler func(error))
	OnStateChange(handler func(domain.ReadyState))
	Handle() domain.ConnectionHandle
}

// SessionBackend is the server-side session service behind the REST API and
// the websocket hub of the development backend.
type SessionBackend interface {
	CreateSession(ctx context.Context, owner domain.ActorID, title string) (*domain.SessionRecord, error)
	GetSession(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error)
	StartSession(ctx context.Context, id domain.SessionID, actor domain.ActorID) error
	EndSession(ctx context.Context, id domain.SessionID, actor domain.ActorID) error
	Heartbeat(ctx context.Context, id domain.SessionID, actor domain.ActorID) error
	JoinSession(ctx context.Context, id domain.SessionID, actor domain.ActorID, role domain.Role) error
	LeaveSession(ctx context.Context, id domain.SessionID, actor domain.ActorID) error
	ListByOwner(ctx context.Context, owner domain.ActorID) ([]*domain.SessionRecord, error)
	MessagesSince(ctx context.Context, id domain.SessionID, after domain.MessageID) ([]domain.ChatMessage, error)
	// PostMessage stores msg, keeping a client-supplied id, and broadcasts it.
	PostMessage(ctx context.Context, msg domain.ChatMessage) (*domain.ChatMessage, error)
	Stats(ctx context.Context, id domain.SessionID) (*domain.SessionStats, error)
	RemoveParticipant(ctx context.Context, id domain.SessionID, actor, target domain.ActorID, reason string) error
	ExpireStale(ctx context.Context) ([]domain.SessionID, error)
}

// Broadcaster pushes a frame to every channel connection of a session.
type Broadcaster interface {
	Broadcast(ctx context.Context, id domain.SessionID, msgType domain.EventType, payload any) error
}
