package monitoring

import (
	"context"
	"fmt"
	"time"

	"livesync/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) (bool, error) {
		if err := client.Ping(ctx).Err(); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddRepositoryCheck lists live sessions as a probe of the session store.
func (h *HealthChecker) AddRepositoryCheck(repo ports.SessionRepository, interval, timeout time.Duration) {
	h.AddCheck("repository", func(ctx context.Context) (bool, error) {
		if _, err := repo.ListLive(ctx); err != nil {
			return false, err
		}
		return true, nil
	}, interval, timeout)
}

// AddConnectionLimitCheck fails once the hub holds more than max connections.
func (h *HealthChecker) AddConnectionLimitCheck(count func() int, max int, interval time.Duration) {
	h.AddCheck("connections", func(ctx context.Context) (bool, error) {
		if n := count(); max > 0 && n > max {
			return false, fmt.Errorf("%d connections exceeds limit %d", n, max)
		}
		return true, nil
	}, interval, time.Second)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
