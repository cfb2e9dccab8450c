package memory

import (
	"context"
	"sync"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
)

// MemoryMessageRepository keeps the last history messages of each session.
type MemoryMessageRepository struct {
	history  int
	messages map[domain.SessionID][]domain.ChatMessage
	mu       sync.RWMutex
}

func NewMemoryMessageRepository(history int) ports.MessageRepository {
	if history <= 0 {
		history = 200
	}
	return &MemoryMessageRepository{
		history:  history,
		messages: make(map[domain.SessionID][]domain.ChatMessage),
	}
}

func (r *MemoryMessageRepository) Append(ctx context.Context, msg *domain.ChatMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	log := append(r.messages[msg.SessionID], *msg)
	if over := len(log) - r.history; over > 0 {
		log = append([]domain.ChatMessage(nil), log[over:]...)
	}
	r.messages[msg.SessionID] = log
	return nil
}

func (r *MemoryMessageRepository) Since(ctx context.Context, id domain.SessionID, after domain.MessageID, limit int) ([]domain.ChatMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return domain.MessagesAfter(r.messages[id], after, limit), nil
}
