package reliability

import (
	"context"
	"errors"
	"net/http"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	"livesync/pkg/circuitbreaker"
	apperrors "livesync/pkg/errors"
	"livesync/pkg/retry"

	"go.uber.org/zap"
)

// SessionAPIWrapper wraps a SessionAPI with retry logic and a circuit breaker.
// Authoritative backend answers (4xx) are neither retried nor counted
// against the breaker.
type SessionAPIWrapper struct {
	api    ports.SessionAPI
	logger *zap.SugaredLogger

	retryConfig    retry.Config
	circuitBreaker *circuitbreaker.CircuitBreaker
}

// NewSessionAPIWrapper creates a new wrapper with retry and circuit breaker
func NewSessionAPIWrapper(
	api ports.SessionAPI,
	retryConfig retry.Config,
	cbConfig circuitbreaker.Config,
	logger *zap.SugaredLogger,
) *SessionAPIWrapper {
	retryConfig.Retryable = IsRetryable
	cbConfig.IsFailure = IsRetryable

	wrapper := &SessionAPIWrapper{
		api:            api,
		logger:         logger,
		retryConfig:    retryConfig,
		circuitBreaker: circuitbreaker.New(cbConfig),
	}

	wrapper.circuitBreaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Infow("session api circuit breaker state changed",
			"from", from.String(),
			"to", to.String(),
		)
	})

	return wrapper
}

// IsRetryable reports transient failures: transport errors, 5xx and 429.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, domain.ErrSessionNotFound) || errors.Is(err, domain.ErrSessionNotLive) || errors.Is(err, circuitbreaker.ErrOpen) {
		return false
	}
	appErr := apperrors.GetAppError(err)
	if appErr == nil {
		return true
	}
	switch appErr.Code {
	case apperrors.ErrCodeTransientNetwork, apperrors.ErrCodeRateLimit, apperrors.ErrCodeServiceUnavailable:
		return true
	}
	return appErr.HTTPStatus >= http.StatusInternalServerError
}

func (w *SessionAPIWrapper) do(ctx context.Context, fn func() error) error {
	if !w.retryConfig.Enabled {
		return w.circuitBreaker.Execute(ctx, fn)
	}
	return retry.Retry(ctx, w.retryConfig, func() error {
		return w.circuitBreaker.Execute(ctx, fn)
	})
}

func call[T any](ctx context.Context, w *SessionAPIWrapper, fn func() (T, error)) (T, error) {
	if !w.retryConfig.Enabled {
		return circuitbreaker.Call(ctx, w.circuitBreaker, fn)
	}
	return retry.RetryWithResult(ctx, w.retryConfig, func() (T, error) {
		return circuitbreaker.Call(ctx, w.circuitBreaker, fn)
	})
}

func (w *SessionAPIWrapper) Create(ctx context.Context, owner domain.ActorID, title string) (*domain.SessionRecord, error) {
	return call(ctx, w, func() (*domain.SessionRecord, error) {
		return w.api.Create(ctx, owner, title)
	})
}

func (w *SessionAPIWrapper) Get(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	return call(ctx, w, func() (*domain.SessionRecord, error) {
		return w.api.Get(ctx, id)
	})
}

func (w *SessionAPIWrapper) Start(ctx context.Context, id domain.SessionID) error {
	return w.do(ctx, func() error { return w.api.Start(ctx, id) })
}

func (w *SessionAPIWrapper) End(ctx context.Context, id domain.SessionID) error {
	return w.do(ctx, func() error { return w.api.End(ctx, id) })
}

// Heartbeat goes through the breaker only. The heartbeat schedule is its own
// retry.
func (w *SessionAPIWrapper) Heartbeat(ctx context.Context, id domain.SessionID) error {
	return w.circuitBreaker.Execute(ctx, func() error { return w.api.Heartbeat(ctx, id) })
}

func (w *SessionAPIWrapper) Join(ctx context.Context, id domain.SessionID, actor domain.ActorID, role domain.Role) error {
	return w.do(ctx, func() error { return w.api.Join(ctx, id, actor, role) })
}

func (w *SessionAPIWrapper) Leave(ctx context.Context, id domain.SessionID, actor domain.ActorID) error {
	return w.do(ctx, func() error { return w.api.Leave(ctx, id, actor) })
}

func (w *SessionAPIWrapper) ListByOwner(ctx context.Context, owner domain.ActorID) ([]*domain.SessionRecord, error) {
	return call(ctx, w, func() ([]*domain.SessionRecord, error) {
		return w.api.ListByOwner(ctx, owner)
	})
}

// MessagesSince goes through the breaker only; the poll loop retries on its
// own schedule.
func (w *SessionAPIWrapper) MessagesSince(ctx context.Context, id domain.SessionID, after domain.MessageID) ([]domain.ChatMessage, error) {
	return circuitbreaker.Call(ctx, w.circuitBreaker, func() ([]domain.ChatMessage, error) {
		return w.api.MessagesSince(ctx, id, after)
	})
}

func (w *SessionAPIWrapper) Stats(ctx context.Context, id domain.SessionID) (*domain.SessionStats, error) {
	return circuitbreaker.Call(ctx, w.circuitBreaker, func() (*domain.SessionStats, error) {
		return w.api.Stats(ctx, id)
	})
}

// GetCircuitBreakerState returns the current state of the circuit breaker
func (w *SessionAPIWrapper) GetCircuitBreakerState() circuitbreaker.State {
	return w.circuitBreaker.GetState()
}

// GetCircuitBreakerStats returns statistics for the circuit breaker
func (w *SessionAPIWrapper) GetCircuitBreakerStats() circuitbreaker.Stats {
	return w.circuitBreaker.GetStats()
}
