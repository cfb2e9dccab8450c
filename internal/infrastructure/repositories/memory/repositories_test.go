package memory

import (
	"testing"

	"livesync/internal/core/ports"
	"livesync/internal/infrastructure/repositories/repotest"
)

func TestMemorySessionRepository(t *testing.T) {
	repotest.SessionRepository(t, func(*testing.T) ports.SessionRepository {
		return NewMemorySessionRepository()
	})
}

func TestMemoryMessageRepository(t *testing.T) {
	repotest.MessageRepository(t, func(_ *testing.T, history int) ports.MessageRepository {
		return NewMemoryMessageRepository(history)
	})
}
