package domain

import "time"

type ReadyState string

const (
	ReadyConnecting ReadyState = "connecting"
	ReadyOpen       ReadyState = "open"
	ReadyClosed     ReadyState = "closed"
)

// ConnectionHandle is a snapshot of the channel's connection. The live value
// belongs to the channel client.
type ConnectionHandle struct {
	State             ReadyState
	ReconnectAttempts int
	PermanentFailure  bool
}

// OutboundMessage is a send waiting for an open connection.
type OutboundMessage struct {
	ID         string
	Type       EventType
	Data       []byte
	EnqueuedAt time.Time
}
