package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// RedisMessageRepository keeps each session's chat history in a capped list.
type RedisMessageRepository struct {
	client  *redis.Client
	prefix  string
	history int64
}

func NewRedisMessageRepository(client *redis.Client, history int) ports.MessageRepository {
	if history <= 0 {
		history = 200
	}
	return &RedisMessageRepository{
		client:  client,
		prefix:  keyPrefix + "messages:",
		history: int64(history),
	}
}

func (r *RedisMessageRepository) key(id domain.SessionID) string {
	return r.prefix + string(id)
}

func (r *RedisMessageRepository) Append(ctx context.Context, msg *domain.ChatMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, r.key(msg.SessionID), data)
	pipe.LTrim(ctx, r.key(msg.SessionID), -r.history, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

func (r *RedisMessageRepository) Since(ctx context.Context, id domain.SessionID, after domain.MessageID, limit int) ([]domain.ChatMessage, error) {
	raw, err := r.client.LRange(ctx, r.key(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	log := make([]domain.ChatMessage, 0, len(raw))
	for _, item := range raw {
		var msg domain.ChatMessage
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		log = append(log, msg)
	}
	return domain.MessagesAfter(log, after, limit), nil
}
