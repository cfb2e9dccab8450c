package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	apperrors "livesync/pkg/errors"
	"livesync/pkg/tracing"

	"go.uber.org/zap"
)

type HeartbeatState string

const (
	HeartbeatStopped    HeartbeatState = "stopped"
	HeartbeatArmed      HeartbeatState = "armed"
	HeartbeatPaused     HeartbeatState = "paused"
	HeartbeatTerminated HeartbeatState = "terminated"
)

type HeartbeatConfig struct {
	Interval            time.Duration
	InitialDelay        time.Duration
	MaxNotLiveResponses int // consecutive not-found/not-live answers before terminating
	CallTimeout         time.Duration
}

func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:            10 * time.Second,
		InitialDelay:        2 * time.Second,
		MaxNotLiveResponses: 1,
		CallTimeout:         5 * time.Second,
	}
}

// HeartbeatService asserts to the backend that a hosted session is still
// alive. It owns at most one timer. Once the backend reports the session gone
// the service is terminated and cannot be armed again.
type HeartbeatService struct {
	api       ports.SessionAPI
	sessionID domain.SessionID
	cfg       HeartbeatConfig
	metrics   ports.TransportMetrics
	logger    *zap.SugaredLogger

	mu          sync.Mutex
	state       HeartbeatState
	ctx         context.Context
	stopOnDone  func() bool
	timer       *time.Timer
	gen         uint64
	firstQueued bool
	notLive     int
	onGone      func(error)
}

func NewHeartbeatService(api ports.SessionAPI, sessionID domain.SessionID, cfg HeartbeatConfig, metrics ports.TransportMetrics, logger *zap.SugaredLogger) *HeartbeatService {
	def := DefaultHeartbeatConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = def.InitialDelay
	}
	if cfg.MaxNotLiveResponses <= 0 {
		cfg.MaxNotLiveResponses = def.MaxNotLiveResponses
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}

	return &HeartbeatService{
		api:       api,
		sessionID: sessionID,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger.With("session_id", sessionID),
		state:     HeartbeatStopped,
	}
}

// OnSessionGone registers the callback raised once when the backend answers
// that the session no longer exists or is not live.
func (h *HeartbeatService) OnSessionGone(fn func(error)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onGone = fn
}

func (h *HeartbeatService) State() HeartbeatState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Arm starts the heartbeat. The first beat of an activation waits
// InitialDelay, later ones the regular interval. Cancelling ctx stops the
// service. Returns false when the service is terminated.
func (h *HeartbeatService) Arm(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch h.state {
	case HeartbeatTerminated:
		return false
	case HeartbeatArmed:
		return true
	}

	if h.stopOnDone != nil {
		h.stopOnDone()
	}
	h.ctx = ctx
	h.stopOnDone = context.AfterFunc(ctx, h.Stop)
	h.state = HeartbeatArmed

	delay := h.cfg.Interval
	if !h.firstQueued {
		h.firstQueued = true
		delay = h.cfg.InitialDelay
	}
	h.scheduleLocked(delay)
	h.logger.Debugw("heartbeat armed", "delay", delay)
	return true
}

// Pause cancels the pending tick. No heartbeat is sent until Resume.
func (h *HeartbeatService) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != HeartbeatArmed {
		return
	}
	h.state = HeartbeatPaused
	h.cancelTimerLocked()
	h.logger.Debugw("heartbeat paused")
}

// Resume fires one heartbeat immediately and then continues on the interval.
func (h *HeartbeatService) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state != HeartbeatPaused {
		return
	}
	h.state = HeartbeatArmed
	h.scheduleLocked(0)
	h.logger.Debugw("heartbeat resumed")
}

// Stop cancels the timer. A later Arm counts as a new activation.
func (h *HeartbeatService) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cancelTimerLocked()
	if h.stopOnDone != nil {
		h.stopOnDone()
		h.stopOnDone = nil
	}
	if h.state == HeartbeatTerminated {
		return
	}
	h.state = HeartbeatStopped
	h.firstQueued = false
	h.notLive = 0
}

// SendHeartbeat issues one liveness call outside the schedule.
func (h *HeartbeatService) SendHeartbeat(ctx context.Context) error {
	h.mu.Lock()
	terminated := h.state == HeartbeatTerminated
	h.mu.Unlock()
	if terminated {
		return domain.ErrSessionClosed
	}
	return h.beat(ctx)
}

func (h *HeartbeatService) scheduleLocked(delay time.Duration) {
	h.cancelTimerLocked()
	gen := h.gen
	h.timer = time.AfterFunc(delay, func() { h.tick(gen) })
}

// cancelTimerLocked stops the timer and invalidates any tick already running.
func (h *HeartbeatService) cancelTimerLocked() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.gen++
}

func (h *HeartbeatService) tick(gen uint64) {
	h.mu.Lock()
	if gen != h.gen || h.state != HeartbeatArmed {
		h.mu.Unlock()
		return
	}
	ctx := h.ctx
	h.mu.Unlock()

	h.beat(ctx)

	h.mu.Lock()
	defer h.mu.Unlock()
	if gen == h.gen && h.state == HeartbeatArmed {
		h.timer = time.AfterFunc(h.cfg.Interval, func() { h.tick(gen) })
	}
}

func (h *HeartbeatService) beat(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	callCtx, cancel := context.WithTimeout(ctx, h.cfg.CallTimeout)
	defer cancel()
	callCtx, span := tracing.TraceSessionCall(callCtx, "heartbeat", string(h.sessionID))
	defer span.End()

	err := h.api.Heartbeat(callCtx, h.sessionID)
	switch {
	case err == nil:
		h.metrics.RecordHeartbeat("ok")
		h.mu.Lock()
		h.notLive = 0
		h.mu.Unlock()
	case isBackendState(err):
		h.metrics.RecordHeartbeat("gone")
		h.recordNotLive(err)
	case ctx.Err() != nil:
		// session torn down mid-call
	default:
		h.metrics.RecordHeartbeat("error")
		tracing.RecordError(callCtx, err)
		h.logger.Warnw("heartbeat failed", "error", err)
	}
	return err
}

func (h *HeartbeatService) recordNotLive(err error) {
	h.mu.Lock()
	if h.state == HeartbeatTerminated {
		h.mu.Unlock()
		return
	}
	h.notLive++
	if h.notLive < h.cfg.MaxNotLiveResponses {
		h.mu.Unlock()
		h.logger.Infow("backend reports session not live", "count", h.notLive, "error", err)
		return
	}
	h.state = HeartbeatTerminated
	h.cancelTimerLocked()
	if h.stopOnDone != nil {
		h.stopOnDone()
		h.stopOnDone = nil
	}
	onGone := h.onGone
	h.mu.Unlock()

	h.logger.Infow("heartbeat terminated, session gone", "error", err)
	if onGone != nil {
		onGone(err)
	}
}

// isBackendState reports an authoritative answer that the session no longer
// exists or is not live.
func isBackendState(err error) bool {
	return apperrors.IsBackendState(err) ||
		errors.Is(err, domain.ErrSessionNotFound) ||
		errors.Is(err, domain.ErrSessionNotLive)
}
