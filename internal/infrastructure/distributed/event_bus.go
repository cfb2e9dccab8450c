package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const eventsChannel = "livesync:events"

// Event is one channel frame fanned out between backend instances.
type Event struct {
	InstanceID string           `json:"instance_id"`
	Timestamp  time.Time        `json:"timestamp"`
	SessionID  domain.SessionID `json:"session_id"`
	Type       domain.EventType `json:"type"`
	Payload    json.RawMessage  `json:"payload,omitempty"`
}

// EventBus publishes session frames over Redis pub/sub so every instance can
// deliver them to its own websocket connections. It wraps the local
// broadcaster: Broadcast delivers locally and publishes, remote events are
// delivered locally only.
type EventBus struct {
	client     *redis.Client
	instanceID string
	local      ports.Broadcaster
	logger     *zap.SugaredLogger
}

var _ ports.Broadcaster = (*EventBus)(nil)

func NewEventBus(client *redis.Client, instanceID string, local ports.Broadcaster, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		local:      local,
		logger:     logger,
	}
}

func (eb *EventBus) Broadcast(ctx context.Context, id domain.SessionID, msgType domain.EventType, payload any) error {
	if err := eb.local.Broadcast(ctx, id, msgType, payload); err != nil {
		return err
	}
	return eb.Publish(ctx, id, msgType, payload)
}

// Publish sends a frame to the other instances.
func (eb *EventBus) Publish(ctx context.Context, id domain.SessionID, msgType domain.EventType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}
	data, err := json.Marshal(Event{
		InstanceID: eb.instanceID,
		Timestamp:  time.Now().UTC(),
		SessionID:  id,
		Type:       msgType,
		Payload:    raw,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event", "type", msgType, "session_id", id)
	return nil
}

// Run delivers frames published by other instances until ctx is done.
func (eb *EventBus) Run(ctx context.Context) error {
	pubsub := eb.client.Subscribe(ctx, eventsChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.handle(ctx, msg.Payload)
		}
	}
}

func (eb *EventBus) handle(ctx context.Context, payload string) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event", "error", err)
		return
	}
	if event.InstanceID == eb.instanceID {
		return
	}
	if err := eb.local.Broadcast(ctx, event.SessionID, event.Type, event.Payload); err != nil {
		eb.logger.Warnw("error delivering remote event",
			"type", event.Type,
			"session_id", event.SessionID,
			"error", err,
		)
	}
}
