package domain

import "time"

// SessionStats is the lightweight payload returned by the stats endpoint.
type SessionStats struct {
	SessionID    SessionID     `json:"session_id"`
	ViewerCount  int           `json:"viewer_count"`
	Participants []Participant `json:"participants"`
	Live         bool          `json:"live"`
}

// ConnectionStats summarises the channel client for diagnostics.
type ConnectionStats struct {
	State             ReadyState
	ReconnectAttempts int
	PermanentFailure  bool
	QueuedMessages    int
	LastOpenedAt      time.Time
	LastClosedAt      time.Time
	LastCloseCode     int
}
