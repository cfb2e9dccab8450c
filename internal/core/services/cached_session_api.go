package services

import (
	"context"
	"fmt"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	"livesync/pkg/cache"
)

// CachedSessionAPI wraps SessionAPI with caching of session lookups.
// Mutating calls drop the entries they affect.
type CachedSessionAPI struct {
	ports.SessionAPI
	sessions *cache.Cache[*domain.SessionRecord]
	lists    *cache.Cache[[]*domain.SessionRecord]
}

// NewCachedSessionAPI creates a new cached session API
func NewCachedSessionAPI(base ports.SessionAPI, ttl time.Duration) *CachedSessionAPI {
	return &CachedSessionAPI{
		SessionAPI: base,
		sessions:   cache.New[*domain.SessionRecord](ttl),
		lists:      cache.New[[]*domain.SessionRecord](ttl),
	}
}

func sessionKey(id domain.SessionID) string {
	return fmt.Sprintf("session:%s", id)
}

func ownerKey(owner domain.ActorID) string {
	return fmt.Sprintf("owner:%s", owner)
}

// Create creates a session and invalidates the owner's list
func (c *CachedSessionAPI) Create(ctx context.Context, owner domain.ActorID, title string) (*domain.SessionRecord, error) {
	rec, err := c.SessionAPI.Create(ctx, owner, title)
	if err != nil {
		return nil, err
	}
	c.InvalidateOwner(owner)
	return rec, nil
}

// Get gets a session with caching
func (c *CachedSessionAPI) Get(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	return c.sessions.GetOrSet(ctx, sessionKey(id), func(ctx context.Context) (*domain.SessionRecord, error) {
		return c.SessionAPI.Get(ctx, id)
	})
}

// ListByOwner lists an owner's sessions with caching
func (c *CachedSessionAPI) ListByOwner(ctx context.Context, owner domain.ActorID) ([]*domain.SessionRecord, error) {
	return c.lists.GetOrSet(ctx, ownerKey(owner), func(ctx context.Context) ([]*domain.SessionRecord, error) {
		return c.SessionAPI.ListByOwner(ctx, owner)
	})
}

func (c *CachedSessionAPI) Start(ctx context.Context, id domain.SessionID) error {
	defer c.Invalidate(id)
	return c.SessionAPI.Start(ctx, id)
}

// End ends a session. Cached state is dropped even when the call fails.
func (c *CachedSessionAPI) End(ctx context.Context, id domain.SessionID) error {
	defer c.Invalidate(id)
	return c.SessionAPI.End(ctx, id)
}

// Invalidate drops the cached record of one session and every cached list,
// since any of them may contain it.
func (c *CachedSessionAPI) Invalidate(id domain.SessionID) {
	c.sessions.Delete(sessionKey(id))
	c.lists.Invalidate("owner:")
}

func (c *CachedSessionAPI) InvalidateOwner(owner domain.ActorID) {
	c.lists.Delete(ownerKey(owner))
}

// Close stops the cache sweepers
func (c *CachedSessionAPI) Close() {
	c.sessions.Stop()
	c.lists.Stop()
}
