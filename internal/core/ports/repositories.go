package ports

import (
	"context"

	"livesync/internal/core/domain"
)

type SessionRepository interface {
	Create(ctx context.Context, session *domain.SessionRecord) error
	GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error)
	Update(ctx context.Context, session *domain.SessionRecord) error
	ListByOwner(ctx context.Context, owner domain.ActorID) ([]*domain.SessionRecord, error)
	ListLive(ctx context.Context) ([]*domain.SessionRecord, error)
	AddMember(ctx context.Context, member domain.Membership) error
	RemoveMember(ctx context.Context, id domain.SessionID, actor domain.ActorID) error
	Members(ctx context.Context, id domain.SessionID) ([]domain.Membership, error)
}

type MessageRepository interface {
	Append(ctx context.Context, msg *domain.ChatMessage) error
	// Since returns messages after the given id in send order. An empty id
	// returns the most recent limit messages.
	Since(ctx context.Context, id domain.SessionID, after domain.MessageID, limit int) ([]domain.ChatMessage, error)
}
