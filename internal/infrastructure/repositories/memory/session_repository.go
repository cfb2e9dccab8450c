package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
)

type MemorySessionRepository struct {
	sessions map[domain.SessionID]*domain.SessionRecord
	members  map[domain.SessionID]map[domain.ActorID]domain.Membership
	mu       sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionID]*domain.SessionRecord),
		members:  make(map[domain.SessionID]map[domain.ActorID]domain.Membership),
	}
}

func (r *MemorySessionRepository) Create(ctx context.Context, session *domain.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; exists {
		return fmt.Errorf("session already exists: %s", session.ID)
	}

	r.sessions[session.ID] = copyRecord(session)
	return nil
}

func (r *MemorySessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}

	return copyRecord(session), nil
}

func (r *MemorySessionRepository) Update(ctx context.Context, session *domain.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.ID]; !exists {
		return domain.ErrSessionNotFound
	}

	r.sessions[session.ID] = copyRecord(session)
	return nil
}

func (r *MemorySessionRepository) ListByOwner(ctx context.Context, owner domain.ActorID) ([]*domain.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var sessions []*domain.SessionRecord
	for _, session := range r.sessions {
		if session.OwnerID == owner {
			sessions = append(sessions, copyRecord(session))
		}
	}
	sortByCreation(sessions)
	return sessions, nil
}

func (r *MemorySessionRepository) ListLive(ctx context.Context) ([]*domain.SessionRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var live []*domain.SessionRecord
	for _, session := range r.sessions {
		if session.Live {
			live = append(live, copyRecord(session))
		}
	}
	sortByCreation(live)
	return live, nil
}

func (r *MemorySessionRepository) AddMember(ctx context.Context, member domain.Membership) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[member.SessionID]; !exists {
		return domain.ErrSessionNotFound
	}
	set, ok := r.members[member.SessionID]
	if !ok {
		set = make(map[domain.ActorID]domain.Membership)
		r.members[member.SessionID] = set
	}
	if existing, ok := set[member.ActorID]; ok {
		member.JoinedAt = existing.JoinedAt
	}
	set[member.ActorID] = member
	return nil
}

func (r *MemorySessionRepository) RemoveMember(ctx context.Context, id domain.SessionID, actor domain.ActorID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; !exists {
		return domain.ErrSessionNotFound
	}
	delete(r.members[id], actor)
	return nil
}

func (r *MemorySessionRepository) Members(ctx context.Context, id domain.SessionID) ([]domain.Membership, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, exists := r.sessions[id]; !exists {
		return nil, domain.ErrSessionNotFound
	}
	members := make([]domain.Membership, 0, len(r.members[id]))
	for _, m := range r.members[id] {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ActorID < members[j].ActorID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

func copyRecord(in *domain.SessionRecord) *domain.SessionRecord {
	out := *in
	if in.StartedAt != nil {
		t := *in.StartedAt
		out.StartedAt = &t
	}
	if in.EndedAt != nil {
		t := *in.EndedAt
		out.EndedAt = &t
	}
	return &out
}

func sortByCreation(sessions []*domain.SessionRecord) {
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
}
