package domain

import (
	"time"
)

type SessionID string
type ActorID string
type MessageID string

type SessionState string

const (
	SessionIdle       SessionState = "idle"
	SessionConnecting SessionState = "connecting"
	SessionActive     SessionState = "active"
	SessionEnded      SessionState = "ended"
	SessionFailed     SessionState = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s SessionState) IsTerminal() bool {
	return s == SessionEnded || s == SessionFailed
}

var sessionTransitions = map[SessionState][]SessionState{
	SessionIdle:       {SessionConnecting, SessionEnded},
	SessionConnecting: {SessionActive, SessionEnded, SessionFailed},
	SessionActive:     {SessionEnded, SessionFailed},
}

// CanTransition reports whether the lifecycle allows moving from one state to another.
func CanTransition(from, to SessionState) bool {
	for _, next := range sessionTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Session is the client-side view of one live broadcast.
type Session struct {
	ID           SessionID
	OwnerID      ActorID
	LocalActorID ActorID
	Role         Role
	State        SessionState
}

func (s Session) IsHost() bool {
	return s.Role == RoleHost
}

// SessionRecord is the backend's view of a session.
type SessionRecord struct {
	ID            SessionID  `json:"id"`
	OwnerID       ActorID    `json:"owner_id"`
	Title         string     `json:"title"`
	Live          bool       `json:"live"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
}

type AppState string

const (
	AppActive     AppState = "active"
	AppInactive   AppState = "inactive"
	AppBackground AppState = "background"
)

// IsForeground reports whether the app is visible and interactive.
func (a AppState) IsForeground() bool {
	return a == AppActive
}
