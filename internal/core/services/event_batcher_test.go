package services

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"livesync/internal/core/domain"
	"livesync/pkg/batch"
	"livesync/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustEvent(t *testing.T, typ domain.EventType, payload any) domain.InboundEvent {
	t.Helper()
	ev, err := domain.NewEvent(typ, payload, time.Now())
	require.NoError(t, err)
	return ev
}

func chatEvent(t *testing.T, id string) domain.InboundEvent {
	return mustEvent(t, domain.EventChatMessage, domain.ChatMessage{ID: domain.MessageID(id), Text: "text " + id})
}

func chatIDs(t *testing.T, events []domain.InboundEvent) []string {
	var out []string
	for _, ev := range events {
		if ev.Type != domain.EventChatMessage {
			continue
		}
		var msg domain.ChatMessage
		require.NoError(t, ev.Decode(&msg))
		out = append(out, string(msg.ID))
	}
	return out
}

func newTestBatcher(sink *recordingSink) *EventBatcher {
	cfg := DefaultEventBatcherConfig()
	cfg.Batch = batch.Config{MaxSize: 5, Window: 16 * time.Millisecond}
	cfg.ChatInterval = 20 * time.Millisecond
	return NewEventBatcher(sink, cfg, nil, logger.Nop())
}

func TestEventBatcher_CameraTogglesCollapse(t *testing.T) {
	sink := &recordingSink{}
	b := newTestBatcher(sink)
	defer b.Stop()

	for i := 0; i < 20; i++ {
		b.Add(mustEvent(t, domain.EventCameraToggled, domain.TogglePayload{ParticipantID: "g1", Enabled: i%2 == 0}))
	}
	// last toggle (i=19) disables the camera

	require.Eventually(t, func() bool { return len(sink.Events()) == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(40 * time.Millisecond)

	events := sink.Events()
	require.Len(t, events, 1)
	var p domain.TogglePayload
	require.NoError(t, events[0].Decode(&p))
	assert.False(t, p.Enabled)
}

func TestEventBatcher_PriorityOrder(t *testing.T) {
	sink := &recordingSink{}
	b := newTestBatcher(sink)
	defer b.Stop()

	// arrival order is the reverse of delivery order; five distinct slots force a flush
	b.Add(mustEvent(t, domain.EventError, domain.ErrorPayload{Code: "x", Severity: domain.SeverityCritical}))
	b.Add(mustEvent(t, domain.EventCameraToggled, domain.TogglePayload{ParticipantID: "g1"}))
	b.Add(chatEvent(t, "m1"))
	b.Add(mustEvent(t, domain.EventParticipantsUpdated, domain.ParticipantsPayload{}))
	b.Add(mustEvent(t, domain.EventSessionState, domain.SessionStatePayload{State: domain.SessionActive}))

	require.Eventually(t, func() bool { return len(sink.Events()) == 5 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []domain.EventType{
		domain.EventSessionState,
		domain.EventParticipantsUpdated,
		domain.EventChatMessage,
		domain.EventCameraToggled,
		domain.EventError,
	}, sink.Types())
}

func TestEventBatcher_AllChatDeliveredInOrderOnce(t *testing.T) {
	sink := &recordingSink{}
	b := newTestBatcher(sink)
	defer b.Stop()

	var want []string
	for i := 0; i < 23; i++ {
		id := fmt.Sprintf("m%02d", i)
		want = append(want, id)
		b.Add(chatEvent(t, id))
	}

	require.Eventually(t, func() bool { return len(sink.Events()) == 23 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, want, chatIDs(t, sink.Events()))
}

func TestEventBatcher_ChatThrottleSpacing(t *testing.T) {
	sink := &recordingSink{}
	cfg := DefaultEventBatcherConfig()
	cfg.ChatInterval = 80 * time.Millisecond
	b := NewEventBatcher(sink, cfg, nil, logger.Nop())
	defer b.Stop()

	b.Add(chatEvent(t, "a"))
	require.Eventually(t, func() bool { return len(sink.Events()) == 1 }, time.Second, 2*time.Millisecond)

	start := time.Now()
	b.Add(chatEvent(t, "b"))
	require.Eventually(t, func() bool { return len(sink.Events()) == 2 }, time.Second, 2*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond, "second chat flush held back by the throttle")
}

func TestEventBatcher_DuplicateChatSuppressed(t *testing.T) {
	sink := &recordingSink{}
	b := newTestBatcher(sink)
	defer b.Stop()

	b.Add(chatEvent(t, "m1"))
	b.Add(chatEvent(t, "m1"))
	require.Eventually(t, func() bool { return len(sink.Events()) >= 1 }, time.Second, 2*time.Millisecond)

	b.Add(chatEvent(t, "m1"))
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, []string{"m1"}, chatIDs(t, sink.Events()))
	assert.True(t, b.Seen("m1"))
	assert.False(t, b.Seen("m2"))
}

func TestEventBatcher_NonCriticalErrorsDropped(t *testing.T) {
	sink := &recordingSink{}
	b := newTestBatcher(sink)
	defer b.Stop()

	b.Add(mustEvent(t, domain.EventError, domain.ErrorPayload{Code: "slow", Severity: "warning"}))
	b.Add(mustEvent(t, domain.EventViewerCount, domain.ViewerCountPayload{Count: 2}))

	require.Eventually(t, func() bool { return len(sink.Events()) == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []domain.EventType{domain.EventViewerCount}, sink.Types())
}

func TestEventBatcher_CriticalErrorSurvivesLaterWarning(t *testing.T) {
	sink := &recordingSink{}
	b := newTestBatcher(sink)
	defer b.Stop()

	b.Add(mustEvent(t, domain.EventError, domain.ErrorPayload{Code: "stream_down", Severity: domain.SeverityCritical}))
	b.Add(mustEvent(t, domain.EventError, domain.ErrorPayload{Code: "slow", Severity: "warning"}))

	require.Eventually(t, func() bool { return len(sink.Events()) == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	events := sink.Events()
	require.Len(t, events, 1)
	var p domain.ErrorPayload
	require.NoError(t, events[0].Decode(&p))
	assert.Equal(t, "stream_down", p.Code)
}

func TestEventBatcher_UnknownTypesDeliveredWithSecondarySignals(t *testing.T) {
	sink := &recordingSink{}
	b := newTestBatcher(sink)
	defer b.Stop()

	b.Add(mustEvent(t, domain.EventType("gift_sent"), map[string]int{"amount": 1}))
	b.Add(mustEvent(t, domain.EventType("gift_sent"), map[string]int{"amount": 2}))
	b.Add(mustEvent(t, domain.EventSessionState, domain.SessionStatePayload{State: domain.SessionActive}))

	require.Eventually(t, func() bool { return len(sink.Events()) == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, []domain.EventType{domain.EventSessionState, "gift_sent"}, sink.Types())
}

func TestEventBatcher_StopFlushesPendingAndBacklog(t *testing.T) {
	sink := &recordingSink{}
	cfg := DefaultEventBatcherConfig()
	cfg.Batch.Window = time.Hour
	cfg.ChatInterval = time.Hour
	b := NewEventBatcher(sink, cfg, nil, logger.Nop())

	// the first full batch passes the throttle, "f" waits behind it
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		b.Add(chatEvent(t, id))
	}
	b.Add(chatEvent(t, "f"))
	b.Add(mustEvent(t, domain.EventViewerCount, domain.ViewerCountPayload{Count: 1}))

	b.Stop()

	assert.Equal(t, []string{"a", "b", "c", "d", "e", "f"}, chatIDs(t, sink.Events()))
	assert.Len(t, sink.Events(), 7)
	assert.False(t, b.Add(chatEvent(t, "g")))
}

func TestEventBatcher_SinkCallsNeverOverlap(t *testing.T) {
	sink := &recordingSink{}
	b := newTestBatcher(sink)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				b.Add(chatEvent(t, fmt.Sprintf("w%d-%d", w, i)))
				b.Add(mustEvent(t, domain.EventViewerCount, domain.ViewerCountPayload{Count: i}))
				if i%10 == 0 {
					b.EmitState(domain.SessionActive)
				}
			}
		}(w)
	}
	wg.Wait()
	b.Stop()

	assert.False(t, sink.overlapped.Load())
	assert.Len(t, chatIDs(t, sink.Events()), 100)
}
