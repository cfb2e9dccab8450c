package domain

import "time"

type Role string

const (
	RoleHost   Role = "host"
	RoleGuest  Role = "guest"
	RoleViewer Role = "viewer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleHost, RoleGuest, RoleViewer:
		return true
	}
	return false
}

// Participant is one entry of a session's participant set.
type Participant struct {
	ID     ActorID `json:"id"`
	Kind   Role    `json:"kind"`
	Active bool    `json:"active"`
}

// Membership records an actor joined to a session on the backend.
type Membership struct {
	SessionID SessionID
	ActorID   ActorID
	Role      Role
	JoinedAt  time.Time
}
