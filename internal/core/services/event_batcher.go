package services

import (
	"sync"
	"time"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	"livesync/pkg/batch"
	"livesync/pkg/cache"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type EventBatcherConfig struct {
	Batch        batch.Config
	ChatInterval time.Duration // minimum spacing between chat deliveries
	SeenTTL      time.Duration // how long delivered chat ids are remembered
}

func DefaultEventBatcherConfig() EventBatcherConfig {
	return EventBatcherConfig{
		Batch:        batch.DefaultConfig(),
		ChatInterval: 100 * time.Millisecond,
		SeenTTL:      10 * time.Minute,
	}
}

// eventPriority is the flush order of a batch. Types not listed here are
// delivered with the secondary signals.
var eventPriority = []domain.EventType{
	domain.EventSessionState,
	domain.EventParticipantRemoved,
	domain.EventParticipantsUpdated,
	domain.EventChatMessage,
	domain.EventCameraToggled,
	domain.EventMicrophoneToggled,
	domain.EventGuestInvitation,
	domain.EventViewerCount,
}

// EventBatcher coalesces inbound events into one sink update per batch
// window. Every sink call goes through emitMu so the sink never sees
// concurrent calls.
type EventBatcher struct {
	sink    ports.EventSink
	batcher *batch.Batcher[domain.InboundEvent]
	seen    *cache.Cache[struct{}]
	metrics ports.TransportMetrics
	logger  *zap.SugaredLogger

	emitMu sync.Mutex

	chatMu      sync.Mutex
	chatLimiter *rate.Limiter
	chatBacklog []domain.InboundEvent
	chatTimer   *time.Timer
}

func NewEventBatcher(sink ports.EventSink, cfg EventBatcherConfig, metrics ports.TransportMetrics, logger *zap.SugaredLogger) *EventBatcher {
	if cfg.ChatInterval <= 0 {
		cfg.ChatInterval = DefaultEventBatcherConfig().ChatInterval
	}
	if cfg.SeenTTL <= 0 {
		cfg.SeenTTL = DefaultEventBatcherConfig().SeenTTL
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}

	b := &EventBatcher{
		sink:        sink,
		seen:        cache.New[struct{}](cfg.SeenTTL),
		metrics:     metrics,
		logger:      logger,
		chatLimiter: rate.NewLimiter(rate.Every(cfg.ChatInterval), 1),
	}
	b.batcher = batch.New(cfg.Batch, b.flush, coalesceKey)
	return b
}

// coalesceKey gives every type except chat and errors a single slot per
// batch. Errors are filtered by severity in flush.
func coalesceKey(ev domain.InboundEvent) (string, bool) {
	switch ev.Type {
	case domain.EventChatMessage, domain.EventError:
		return "", false
	}
	return string(ev.Type), true
}

// Add buffers an inbound event. Returns false once the batcher is stopped.
func (b *EventBatcher) Add(ev domain.InboundEvent) bool {
	return b.batcher.Add(ev)
}

// EmitState forwards a session state change to the sink.
func (b *EventBatcher) EmitState(state domain.SessionState) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	b.sink.OnStateChange(state)
}

// EmitError forwards a transport error to the sink.
func (b *EventBatcher) EmitError(err error) {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()
	b.sink.OnError(err)
}

// Seen reports whether a chat message id was already delivered.
func (b *EventBatcher) Seen(id domain.MessageID) bool {
	return b.seen.Has(seenKey(id))
}

// Stop delivers what is pending, including deferred chat, and rejects further events.
func (b *EventBatcher) Stop() {
	b.batcher.Stop()
	b.flushChatBacklog()
	b.seen.Stop()
}

func (b *EventBatcher) flush(items []domain.InboundEvent) {
	b.metrics.RecordBatchFlush(len(items))

	latest := make(map[domain.EventType]domain.InboundEvent)
	var unknown []domain.EventType
	var chats []domain.InboundEvent
	var critical *domain.InboundEvent

	for _, ev := range items {
		switch ev.Type {
		case domain.EventChatMessage:
			if b.firstDelivery(ev) {
				chats = append(chats, ev)
			}
		case domain.EventError:
			var p domain.ErrorPayload
			if err := ev.Decode(&p); err != nil || !p.IsCritical() {
				b.logger.Debugw("dropping non-critical error event", "code", p.Code, "severity", p.Severity)
				continue
			}
			e := ev
			critical = &e
		default:
			if _, ok := latest[ev.Type]; !ok && !isKnown(ev.Type) {
				unknown = append(unknown, ev.Type)
			}
			latest[ev.Type] = ev
		}
	}

	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	for _, t := range eventPriority {
		if t == domain.EventChatMessage {
			b.deliverChatLocked(chats)
			continue
		}
		if ev, ok := latest[t]; ok {
			b.sink.OnEvent(ev)
		}
	}
	for _, t := range unknown {
		b.sink.OnEvent(latest[t])
	}
	if critical != nil {
		b.sink.OnEvent(*critical)
	}
}

// firstDelivery remembers the chat id and reports whether it is new. Messages
// without an id are always delivered.
func (b *EventBatcher) firstDelivery(ev domain.InboundEvent) bool {
	var msg domain.ChatMessage
	if err := ev.Decode(&msg); err != nil {
		b.logger.Debugw("dropping malformed chat message", "error", err)
		return false
	}
	if msg.ID == "" {
		return true
	}
	return b.seen.SetIfAbsent(seenKey(msg.ID), struct{}{})
}

// deliverChatLocked sends chats now if the throttle allows, otherwise appends
// them to the backlog flushed by a single pending timer. Caller holds emitMu.
func (b *EventBatcher) deliverChatLocked(chats []domain.InboundEvent) {
	if len(chats) == 0 {
		return
	}

	b.chatMu.Lock()
	if b.chatTimer != nil {
		b.chatBacklog = append(b.chatBacklog, chats...)
		b.chatMu.Unlock()
		return
	}
	r := b.chatLimiter.Reserve()
	if delay := r.Delay(); delay > 0 {
		b.chatBacklog = append(b.chatBacklog, chats...)
		b.chatTimer = time.AfterFunc(delay, b.flushChatBacklog)
		b.chatMu.Unlock()
		return
	}
	b.chatMu.Unlock()

	for _, ev := range chats {
		b.sink.OnEvent(ev)
	}
}

func (b *EventBatcher) flushChatBacklog() {
	b.emitMu.Lock()
	defer b.emitMu.Unlock()

	b.chatMu.Lock()
	if b.chatTimer != nil {
		b.chatTimer.Stop()
		b.chatTimer = nil
	}
	backlog := b.chatBacklog
	b.chatBacklog = nil
	b.chatMu.Unlock()

	for _, ev := range backlog {
		b.sink.OnEvent(ev)
	}
}

func isKnown(t domain.EventType) bool {
	for _, p := range eventPriority {
		if p == t {
			return true
		}
	}
	return false
}

func seenKey(id domain.MessageID) string {
	return "msg:" + string(id)
}
