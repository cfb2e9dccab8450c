package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "livesync:"

type RedisSessionRepository struct {
	client *redis.Client
	prefix string
}

func NewRedisSessionRepository(client *redis.Client) ports.SessionRepository {
	return &RedisSessionRepository{
		client: client,
		prefix: keyPrefix + "session:",
	}
}

func (r *RedisSessionRepository) sessionKey(id domain.SessionID) string {
	return r.prefix + string(id)
}

func (r *RedisSessionRepository) ownerKey(owner domain.ActorID) string {
	return r.prefix + "owner:" + string(owner)
}

func (r *RedisSessionRepository) membersKey(id domain.SessionID) string {
	return r.prefix + string(id) + ":members"
}

func (r *RedisSessionRepository) liveSessionsKey() string {
	return r.prefix + "live"
}

func (r *RedisSessionRepository) Create(ctx context.Context, session *domain.SessionRecord) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	created, err := r.client.SetNX(ctx, r.sessionKey(session.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set session in Redis: %w", err)
	}
	if !created {
		return fmt.Errorf("session already exists: %s", session.ID)
	}

	pipe := r.client.TxPipeline()
	pipe.SAdd(ctx, r.ownerKey(session.OwnerID), string(session.ID))
	if session.Live {
		pipe.SAdd(ctx, r.liveSessionsKey(), string(session.ID))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	data, err := r.client.Get(ctx, r.sessionKey(id)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session from Redis: %w", err)
	}

	var session domain.SessionRecord
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return &session, nil
}

func (r *RedisSessionRepository) Update(ctx context.Context, session *domain.SessionRecord) error {
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	updated, err := r.client.SetXX(ctx, r.sessionKey(session.ID), data, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to update session in Redis: %w", err)
	}
	if !updated {
		return domain.ErrSessionNotFound
	}

	if session.Live {
		err = r.client.SAdd(ctx, r.liveSessionsKey(), string(session.ID)).Err()
	} else {
		err = r.client.SRem(ctx, r.liveSessionsKey(), string(session.ID)).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to update live session set: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) ListByOwner(ctx context.Context, owner domain.ActorID) ([]*domain.SessionRecord, error) {
	ids, err := r.client.SMembers(ctx, r.ownerKey(owner)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get owner sessions from Redis: %w", err)
	}
	return r.load(ctx, ids, func(*domain.SessionRecord) bool { return true })
}

func (r *RedisSessionRepository) ListLive(ctx context.Context) ([]*domain.SessionRecord, error) {
	ids, err := r.client.SMembers(ctx, r.liveSessionsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get live sessions from Redis: %w", err)
	}
	return r.load(ctx, ids, func(s *domain.SessionRecord) bool { return s.Live })
}

func (r *RedisSessionRepository) load(ctx context.Context, ids []string, keep func(*domain.SessionRecord) bool) ([]*domain.SessionRecord, error) {
	var sessions []*domain.SessionRecord
	for _, id := range ids {
		session, err := r.GetByID(ctx, domain.SessionID(id))
		if err == domain.ErrSessionNotFound {
			// index entry outlived the record
			continue
		}
		if err != nil {
			return nil, err
		}
		if keep(session) {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

type memberEntry struct {
	Role     domain.Role `json:"role"`
	JoinedAt time.Time   `json:"joined_at"`
}

func (r *RedisSessionRepository) AddMember(ctx context.Context, member domain.Membership) error {
	if err := r.exists(ctx, member.SessionID); err != nil {
		return err
	}
	data, err := json.Marshal(memberEntry{Role: member.Role, JoinedAt: member.JoinedAt})
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}
	if err := r.client.HSetNX(ctx, r.membersKey(member.SessionID), string(member.ActorID), data).Err(); err != nil {
		return fmt.Errorf("failed to add member: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) RemoveMember(ctx context.Context, id domain.SessionID, actor domain.ActorID) error {
	if err := r.exists(ctx, id); err != nil {
		return err
	}
	if err := r.client.HDel(ctx, r.membersKey(id), string(actor)).Err(); err != nil {
		return fmt.Errorf("failed to remove member: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) Members(ctx context.Context, id domain.SessionID) ([]domain.Membership, error) {
	if err := r.exists(ctx, id); err != nil {
		return nil, err
	}
	entries, err := r.client.HGetAll(ctx, r.membersKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get members: %w", err)
	}

	members := make([]domain.Membership, 0, len(entries))
	for actor, raw := range entries {
		var e memberEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal member %s: %w", actor, err)
		}
		members = append(members, domain.Membership{
			SessionID: id,
			ActorID:   domain.ActorID(actor),
			Role:      e.Role,
			JoinedAt:  e.JoinedAt,
		})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].ActorID < members[j].ActorID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

func (r *RedisSessionRepository) exists(ctx context.Context, id domain.SessionID) error {
	n, err := r.client.Exists(ctx, r.sessionKey(id)).Result()
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if n == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}
