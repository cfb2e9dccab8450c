package distributed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"livesync/internal/core/domain"
	"livesync/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	frames []domain.EventType
}

func (r *recordingBroadcaster) Broadcast(_ context.Context, _ domain.SessionID, t domain.EventType, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, t)
	return nil
}

func TestEventBus_HandleSkipsOwnInstance(t *testing.T) {
	local := &recordingBroadcaster{}
	eb := NewEventBus(nil, "instance-a", local, logger.Nop())

	own, err := json.Marshal(Event{InstanceID: "instance-a", SessionID: "s1", Type: domain.EventChatMessage})
	require.NoError(t, err)
	remote, err := json.Marshal(Event{InstanceID: "instance-b", SessionID: "s1", Type: domain.EventViewerCount})
	require.NoError(t, err)

	eb.handle(context.Background(), string(own))
	eb.handle(context.Background(), string(remote))
	eb.handle(context.Background(), "{not json")

	assert.Equal(t, []domain.EventType{domain.EventViewerCount}, local.frames)
}
