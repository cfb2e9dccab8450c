package services

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	"livesync/pkg/tracing"

	"go.uber.org/zap"
)

type TeardownTrigger string

const (
	TriggerBackground  TeardownTrigger = "background"
	TriggerFocusLost   TeardownTrigger = "focus_lost"
	TriggerUnmount     TeardownTrigger = "unmount"
	TriggerSessionGone TeardownTrigger = "session_gone"
	TriggerRemoved     TeardownTrigger = "removed"
	TriggerLeave       TeardownTrigger = "leave"
	TriggerFatal       TeardownTrigger = "fatal"
)

type ReconcilerConfig struct {
	EndOnBackground bool
	EndOnFocusLoss  bool
	EndTimeout      time.Duration // bound for end calls that outlive the session context
}

func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		EndOnBackground: true,
		EndOnFocusLoss:  true,
		EndTimeout:      5 * time.Second,
	}
}

type ReconcileResult struct {
	Checked int
	Ended   []domain.SessionID
	Failed  map[domain.SessionID]error
}

// sessionCache is implemented by CachedSessionAPI.
type sessionCache interface {
	Invalidate(id domain.SessionID)
	InvalidateOwner(owner domain.ActorID)
}

// ReconcilerService keeps at most one live session per actor on the backend.
// Teardown may be requested by several independent triggers; a single guard
// lets exactly one of them do the work.
type ReconcilerService struct {
	api     ports.SessionAPI
	call    ports.VideoCall
	session domain.Session
	cfg     ReconcilerConfig
	metrics ports.TransportMetrics
	logger  *zap.SugaredLogger

	active atomic.Bool
	done   atomic.Bool

	mu         sync.Mutex
	onTeardown func(TeardownTrigger)
}

func NewReconcilerService(api ports.SessionAPI, call ports.VideoCall, session domain.Session, cfg ReconcilerConfig, metrics ports.TransportMetrics, logger *zap.SugaredLogger) *ReconcilerService {
	if cfg.EndTimeout <= 0 {
		cfg.EndTimeout = DefaultReconcilerConfig().EndTimeout
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	return &ReconcilerService{
		api:     api,
		call:    call,
		session: session,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger.With("session_id", session.ID, "actor_id", session.LocalActorID),
	}
}

// OnTeardown registers a callback run after the winning trigger finished.
func (r *ReconcilerService) OnTeardown(fn func(TeardownTrigger)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onTeardown = fn
}

// SetActive tells the reconciler whether the session is currently active.
func (r *ReconcilerService) SetActive(active bool) {
	r.active.Store(active)
}

// Done reports whether a teardown trigger already fired.
func (r *ReconcilerService) Done() bool {
	return r.done.Load()
}

// ReconcileOrphans ends every live session of actor other than keep. A
// failure to end one orphan is logged and skipped. The returned error is
// only set when the sessions could not be listed.
func (r *ReconcilerService) ReconcileOrphans(ctx context.Context, actor domain.ActorID, keep domain.SessionID) (ReconcileResult, error) {
	ctx, span := tracing.TraceSessionCall(ctx, "reconcile", string(keep))
	defer span.End()

	result := ReconcileResult{Failed: make(map[domain.SessionID]error)}

	if c, ok := r.api.(sessionCache); ok {
		c.InvalidateOwner(actor)
	}
	records, err := r.api.ListByOwner(ctx, actor)
	if err != nil {
		tracing.RecordError(ctx, err)
		return result, err
	}

	for _, rec := range records {
		result.Checked++
		if !rec.Live || rec.ID == keep {
			continue
		}
		if err := r.api.End(ctx, rec.ID); err != nil && !isBackendState(err) {
			r.logger.Warnw("failed to end orphan session", "orphan_id", rec.ID, "error", err)
			result.Failed[rec.ID] = err
			continue
		}
		r.logger.Infow("ended orphan session", "orphan_id", rec.ID)
		result.Ended = append(result.Ended, rec.ID)
	}
	return result, nil
}

// OnAppStateChange ends an active hosted session as soon as the app leaves
// the foreground. Reports whether a teardown ran.
func (r *ReconcilerService) OnAppStateChange(ctx context.Context, state domain.AppState) bool {
	if state.IsForeground() || !r.cfg.EndOnBackground {
		return false
	}
	if !r.session.IsHost() || !r.active.Load() {
		return false
	}
	return r.Teardown(ctx, TriggerBackground)
}

// OnFocusLost tears down the session when the hosting screen loses focus.
// Guests and viewers keep watching.
func (r *ReconcilerService) OnFocusLost(ctx context.Context) bool {
	if !r.cfg.EndOnFocusLoss || !r.session.IsHost() || !r.active.Load() {
		return false
	}
	return r.Teardown(ctx, TriggerFocusLost)
}

// OnUnmount tears down without waiting for the result.
func (r *ReconcilerService) OnUnmount() {
	if !r.claim(TriggerUnmount) {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.EndTimeout)
		defer cancel()
		r.perform(ctx, TriggerUnmount, true)
	}()
}

// OnSessionGone handles the backend reporting the session as gone. Nothing
// is ended; cached session state is dropped.
func (r *ReconcilerService) OnSessionGone(ctx context.Context) bool {
	return r.release(ctx, TriggerSessionGone)
}

// OnRemoved handles the local actor being removed from the session by the
// host or the backend.
func (r *ReconcilerService) OnRemoved(ctx context.Context) bool {
	return r.release(ctx, TriggerRemoved)
}

// release tears down locally without ending or leaving on the backend.
func (r *ReconcilerService) release(ctx context.Context, trigger TeardownTrigger) bool {
	if !r.claim(trigger) {
		return false
	}
	r.perform(ctx, trigger, false)
	return true
}

// Teardown ends (host) or leaves (guest, viewer) the session. Only the first
// caller across all triggers does any work.
func (r *ReconcilerService) Teardown(ctx context.Context, trigger TeardownTrigger) bool {
	if !r.claim(trigger) {
		return false
	}
	r.perform(ctx, trigger, true)
	return true
}

func (r *ReconcilerService) claim(trigger TeardownTrigger) bool {
	if !r.done.CompareAndSwap(false, true) {
		r.logger.Debugw("teardown already executed", "trigger", trigger)
		return false
	}
	r.metrics.RecordTeardown(string(trigger))
	return true
}

func (r *ReconcilerService) perform(ctx context.Context, trigger TeardownTrigger, terminate bool) {
	r.active.Store(false)
	r.logger.Infow("tearing down session", "trigger", trigger)

	// the session context is usually being cancelled by now
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.EndTimeout)
	defer cancel()

	if terminate {
		r.terminate(ctx)
	}

	if r.call != nil {
		if err := r.call.DisableMedia(ctx); err != nil {
			r.logger.Debugw("video call media disable failed", "error", err)
		}
		if err := r.call.Leave(ctx); err != nil {
			r.logger.Debugw("video call leave failed", "error", err)
		}
	}

	if c, ok := r.api.(sessionCache); ok {
		c.Invalidate(r.session.ID)
	}

	r.mu.Lock()
	onTeardown := r.onTeardown
	r.mu.Unlock()
	if onTeardown != nil {
		onTeardown(trigger)
	}
}

func (r *ReconcilerService) terminate(ctx context.Context) {
	ctx, span := tracing.TraceSessionCall(ctx, "teardown", string(r.session.ID))
	defer span.End()

	var err error
	if r.session.IsHost() {
		err = r.api.End(ctx, r.session.ID)
	} else {
		err = r.api.Leave(ctx, r.session.ID, r.session.LocalActorID)
	}
	switch {
	case err == nil:
	case isBackendState(err):
		r.logger.Debugw("session already gone on backend", "error", err)
	default:
		tracing.RecordError(ctx, err)
		r.logger.Warnw("session termination failed", "error", err)
	}
}
