package services

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	"livesync/pkg/tracing"

	"go.uber.org/zap"
)

type PollConfig struct {
	ActiveInterval     time.Duration
	IdleInterval       time.Duration
	BackgroundInterval time.Duration
	InteractionWindow  time.Duration // interaction this recent keeps the active interval
	IdleAfter          time.Duration // no interaction for this long switches to the idle interval
	CallTimeout        time.Duration
}

func DefaultPollConfig() PollConfig {
	return PollConfig{
		ActiveInterval:     2 * time.Second,
		IdleInterval:       30 * time.Second,
		BackgroundInterval: 10 * time.Second,
		InteractionWindow:  5 * time.Second,
		IdleAfter:          30 * time.Second,
		CallTimeout:        5 * time.Second,
	}
}

// PollService is the fallback sync path. It fetches messages newer than the
// last one seen plus session stats, on an interval that follows visibility
// and user activity. Output goes through the EventBatcher.
type PollService struct {
	api       ports.SessionAPI
	sessionID domain.SessionID
	batcher   *EventBatcher
	cfg       PollConfig
	metrics   ports.TransportMetrics
	logger    *zap.SugaredLogger
	now       func() time.Time

	mu               sync.Mutex
	visible          bool
	appState         domain.AppState
	lastInteraction  time.Time
	lastPoll         time.Time
	lastMessageID    domain.MessageID
	viewerCount      int
	haveViewerCount  bool
	participantsHash string
	onGone           func(error)

	pollMu  sync.Mutex
	nudge   chan struct{}
	running atomic.Bool
}

func NewPollService(api ports.SessionAPI, sessionID domain.SessionID, batcher *EventBatcher, cfg PollConfig, metrics ports.TransportMetrics, logger *zap.SugaredLogger) *PollService {
	def := DefaultPollConfig()
	if cfg.ActiveInterval <= 0 {
		cfg.ActiveInterval = def.ActiveInterval
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = def.IdleInterval
	}
	if cfg.BackgroundInterval <= 0 {
		cfg.BackgroundInterval = def.BackgroundInterval
	}
	if cfg.InteractionWindow <= 0 {
		cfg.InteractionWindow = def.InteractionWindow
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = def.IdleAfter
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = def.CallTimeout
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}

	now := time.Now()
	return &PollService{
		api:             api,
		sessionID:       sessionID,
		batcher:         batcher,
		cfg:             cfg,
		metrics:         metrics,
		logger:          logger.With("session_id", sessionID),
		now:             time.Now,
		visible:         true,
		appState:        domain.AppActive,
		lastInteraction: now,
		lastPoll:        now,
		nudge:           make(chan struct{}, 1),
	}
}

// OnSessionGone registers the callback for an authoritative not-found or
// not-live answer.
func (p *PollService) OnSessionGone(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onGone = fn
}

// Interval computes the poll interval at now.
func (p *PollService) Interval(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.intervalLocked(now)
}

func (p *PollService) intervalLocked(now time.Time) time.Duration {
	if p.appState == domain.AppBackground || !p.visible {
		return p.cfg.BackgroundInterval
	}
	since := now.Sub(p.lastInteraction)
	switch {
	case since < p.cfg.InteractionWindow:
		return p.cfg.ActiveInterval
	case since > p.cfg.IdleAfter:
		return p.cfg.IdleInterval
	default:
		return p.cfg.ActiveInterval
	}
}

// Start runs the poll loop until ctx is cancelled. Calling it again while
// running does nothing.
func (p *PollService) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	go p.loop(ctx)
}

func (p *PollService) loop(ctx context.Context) {
	defer p.running.Store(false)

	timer := time.NewTimer(p.nextWait())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.nudge:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.nextWait())
		case <-timer.C:
			p.poll(ctx)
			timer.Reset(p.nextWait())
		}
	}
}

// nextWait is the time left until lastPoll plus the current interval.
func (p *PollService) nextWait() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	wait := p.lastPoll.Add(p.intervalLocked(now)).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// ForceUpdate polls right away, as for pull-to-refresh.
func (p *PollService) ForceUpdate(ctx context.Context) error {
	err := p.poll(ctx)
	p.wake()
	return err
}

func (p *PollService) OnUserInteraction() {
	p.mu.Lock()
	p.lastInteraction = p.now()
	p.mu.Unlock()
	p.wake()
}

func (p *PollService) OnVisibilityChange(visible bool) {
	p.mu.Lock()
	p.visible = visible
	p.mu.Unlock()
	p.wake()
}

func (p *PollService) OnAppStateChange(state domain.AppState) {
	p.mu.Lock()
	p.appState = state
	p.mu.Unlock()
	p.wake()
}

func (p *PollService) wake() {
	select {
	case p.nudge <- struct{}{}:
	default:
	}
}

// Observe updates the poll baselines from an event delivered by the channel
// so the next poll does not repeat it.
func (p *PollService) Observe(ev domain.InboundEvent) {
	switch ev.Type {
	case domain.EventChatMessage:
		var msg domain.ChatMessage
		if ev.Decode(&msg) == nil && msg.ID != "" {
			p.mu.Lock()
			p.lastMessageID = msg.ID
			p.mu.Unlock()
		}
	case domain.EventViewerCount:
		var vc domain.ViewerCountPayload
		if ev.Decode(&vc) == nil {
			p.mu.Lock()
			p.viewerCount, p.haveViewerCount = vc.Count, true
			p.mu.Unlock()
		}
	case domain.EventParticipantsUpdated:
		var pp domain.ParticipantsPayload
		if ev.Decode(&pp) == nil {
			p.mu.Lock()
			p.participantsHash = ParticipantsHash(pp.Participants)
			p.mu.Unlock()
		}
	}
}

func (p *PollService) poll(ctx context.Context) error {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	start := p.now()
	p.mu.Lock()
	p.lastPoll = start
	after := p.lastMessageID
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()
	ctx, span := tracing.TraceSessionCall(ctx, "poll", string(p.sessionID))
	defer span.End()

	err := p.pollOnce(ctx, after)
	p.metrics.RecordPoll(time.Since(start), err)
	if err == nil {
		return nil
	}

	tracing.RecordError(ctx, err)
	if isBackendState(err) {
		p.mu.Lock()
		onGone := p.onGone
		p.mu.Unlock()
		if onGone != nil {
			onGone(err)
		}
		return err
	}
	p.logger.Debugw("poll failed", "error", err)
	return err
}

func (p *PollService) pollOnce(ctx context.Context, after domain.MessageID) error {
	messages, err := p.api.MessagesSince(ctx, p.sessionID, after)
	if err != nil {
		return err
	}
	now := p.now()
	for _, msg := range messages {
		if msg.ID != "" {
			p.mu.Lock()
			p.lastMessageID = msg.ID
			p.mu.Unlock()
			if p.batcher.Seen(msg.ID) {
				continue
			}
		}
		p.emit(domain.EventChatMessage, msg, now)
	}

	stats, err := p.api.Stats(ctx, p.sessionID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	viewersChanged := !p.haveViewerCount || p.viewerCount != stats.ViewerCount
	p.viewerCount, p.haveViewerCount = stats.ViewerCount, true
	hash := ParticipantsHash(stats.Participants)
	participantsChanged := hash != p.participantsHash
	p.participantsHash = hash
	p.mu.Unlock()

	if viewersChanged {
		p.emit(domain.EventViewerCount, domain.ViewerCountPayload{Count: stats.ViewerCount}, now)
	}
	if participantsChanged {
		p.emit(domain.EventParticipantsUpdated, domain.ParticipantsPayload{Participants: stats.Participants}, now)
	}
	return nil
}

func (p *PollService) emit(t domain.EventType, payload any, now time.Time) {
	ev, err := domain.NewEvent(t, payload, now)
	if err != nil {
		p.logger.Debugw("dropping unencodable poll result", "type", t, "error", err)
		return
	}
	p.batcher.Add(ev)
}

// ParticipantsHash is a cheap structural fingerprint of a participant set:
// sorted id:kind:active entries joined together.
func ParticipantsHash(participants []domain.Participant) string {
	parts := make([]string, 0, len(participants))
	for _, pt := range participants {
		parts = append(parts, string(pt.ID)+":"+string(pt.Kind)+":"+strconv.FormatBool(pt.Active))
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}
