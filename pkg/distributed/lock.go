package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our value.
const releaseScript = `
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`

// leaseStore is the subset of redis commands a Lease needs.
type leaseStore interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Lease is a TTL-bound lock shared by every instance connected to the same
// Redis. Whoever takes it owns the guarded job until the TTL runs out; there
// is no renewal, so a crashed holder frees it on its own.
type Lease struct {
	store leaseStore
	key   string
	value string
	ttl   time.Duration
}

// NewLease creates a lease on key. With a nil client the lease is always
// granted.
func NewLease(client *redis.Client, key string, ttl time.Duration) *Lease {
	l := &Lease{
		key:   key,
		value: uuid.NewString(),
		ttl:   ttl,
	}
	if client != nil {
		l.store = client
	}
	return l
}

// TryAcquire takes the lease if nobody holds it.
func (l *Lease) TryAcquire(ctx context.Context) (bool, error) {
	if l.store == nil {
		return true, nil
	}
	acquired, err := l.store.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", l.key, err)
	}
	return acquired, nil
}

// Release gives the lease back early. Releasing a lease held by another
// instance is a no-op.
func (l *Lease) Release(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	if err := l.store.Eval(ctx, releaseScript, []string{l.key}, l.value).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}
