package services

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"livesync/internal/core/domain"
	apperrors "livesync/pkg/errors"
	"livesync/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestPollInterval(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		interaction time.Duration // how long ago the user interacted
		visible     bool
		appState    domain.AppState
		want        time.Duration
	}{
		{"recent interaction", 2 * time.Second, true, domain.AppActive, 2 * time.Second},
		{"idle", 40 * time.Second, true, domain.AppActive, 30 * time.Second},
		{"between window and idle", 10 * time.Second, true, domain.AppActive, 2 * time.Second},
		{"backgrounded", 2 * time.Second, true, domain.AppBackground, 10 * time.Second},
		{"hidden view", 40 * time.Second, false, domain.AppActive, 10 * time.Second},
		{"inactive app still visible", 2 * time.Second, true, domain.AppInactive, 2 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPollService(&MockSessionAPI{}, "s1", nil, DefaultPollConfig(), nil, logger.Nop())
			p.now = func() time.Time { return base.Add(-tt.interaction) }
			p.OnUserInteraction()
			p.OnVisibilityChange(tt.visible)
			p.OnAppStateChange(tt.appState)

			assert.Equal(t, tt.want, p.Interval(base))
		})
	}
}

func TestParticipantsHash(t *testing.T) {
	a := []domain.Participant{{ID: "h", Kind: domain.RoleHost, Active: true}, {ID: "g", Kind: domain.RoleGuest, Active: false}}
	b := []domain.Participant{{ID: "g", Kind: domain.RoleGuest, Active: false}, {ID: "h", Kind: domain.RoleHost, Active: true}}
	c := []domain.Participant{{ID: "g", Kind: domain.RoleGuest, Active: true}, {ID: "h", Kind: domain.RoleHost, Active: true}}

	assert.Equal(t, ParticipantsHash(a), ParticipantsHash(b), "order does not matter")
	assert.NotEqual(t, ParticipantsHash(a), ParticipantsHash(c))
	assert.Equal(t, "", ParticipantsHash(nil))
}

func newPollFixture(t *testing.T) (*PollService, *MockSessionAPI, *recordingSink, *EventBatcher) {
	t.Helper()
	sink := &recordingSink{}
	b := newTestBatcher(sink)
	t.Cleanup(b.Stop)
	api := &MockSessionAPI{}
	p := NewPollService(api, "s1", b, DefaultPollConfig(), nil, logger.Nop())
	return p, api, sink, b
}

func TestForceUpdate_EmitsOnlyChanges(t *testing.T) {
	p, api, sink, _ := newPollFixture(t)

	participants := []domain.Participant{{ID: "h", Kind: domain.RoleHost, Active: true}}
	api.On("MessagesSince", mock.Anything, domain.SessionID("s1"), domain.MessageID("")).
		Return([]domain.ChatMessage{{ID: "m1", Text: "hi"}, {ID: "m2", Text: "there"}}, nil).Once()
	api.On("MessagesSince", mock.Anything, domain.SessionID("s1"), domain.MessageID("m2")).
		Return([]domain.ChatMessage{}, nil)
	api.On("Stats", mock.Anything, domain.SessionID("s1")).
		Return(&domain.SessionStats{ViewerCount: 3, Participants: participants}, nil)

	require.NoError(t, p.ForceUpdate(context.Background()))
	require.Eventually(t, func() bool { return len(sink.Events()) == 4 }, time.Second, 2*time.Millisecond)

	// identical stats on the second poll produce nothing
	require.NoError(t, p.ForceUpdate(context.Background()))
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []string{"m1", "m2"}, chatIDs(t, sink.Events()))
	assert.ElementsMatch(t, []domain.EventType{
		domain.EventChatMessage, domain.EventChatMessage, domain.EventViewerCount, domain.EventParticipantsUpdated,
	}, sink.Types())
	api.AssertExpectations(t)
}

func TestForceUpdate_SkipsChatAlreadyDelivered(t *testing.T) {
	p, api, sink, b := newPollFixture(t)

	b.Add(chatEvent(t, "m1"))
	require.Eventually(t, func() bool { return b.Seen("m1") }, time.Second, 2*time.Millisecond)

	api.On("MessagesSince", mock.Anything, domain.SessionID("s1"), domain.MessageID("")).
		Return([]domain.ChatMessage{{ID: "m1"}, {ID: "m2"}}, nil)
	api.On("Stats", mock.Anything, domain.SessionID("s1")).Return(&domain.SessionStats{}, nil)

	require.NoError(t, p.ForceUpdate(context.Background()))
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, []string{"m1", "m2"}, chatIDs(t, sink.Events()))
}

func TestObserve_UpdatesBaselines(t *testing.T) {
	p, api, sink, _ := newPollFixture(t)

	p.Observe(chatEvent(t, "m7"))
	p.Observe(mustEvent(t, domain.EventViewerCount, domain.ViewerCountPayload{Count: 5}))

	api.On("MessagesSince", mock.Anything, domain.SessionID("s1"), domain.MessageID("m7")).Return([]domain.ChatMessage{}, nil).Once()
	api.On("Stats", mock.Anything, domain.SessionID("s1")).Return(&domain.SessionStats{ViewerCount: 5}, nil)

	require.NoError(t, p.ForceUpdate(context.Background()))
	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, sink.Events())
	api.AssertExpectations(t)
}

func TestPoll_BackendStateReportsGone(t *testing.T) {
	p, api, _, _ := newPollFixture(t)

	api.On("MessagesSince", mock.Anything, domain.SessionID("s1"), mock.Anything).
		Return(nil, apperrors.NewSessionNotFoundError(domain.ErrSessionNotFound, "s1"))

	var gone atomic.Int32
	p.OnSessionGone(func(error) { gone.Add(1) })

	err := p.ForceUpdate(context.Background())
	assert.True(t, apperrors.IsBackendState(err))
	assert.Equal(t, int32(1), gone.Load())
}

func TestPoll_LoopFollowsInterval(t *testing.T) {
	sink := &recordingSink{}
	b := newTestBatcher(sink)
	defer b.Stop()

	api := &MockSessionAPI{}
	var polls atomic.Int32
	api.On("MessagesSince", mock.Anything, domain.SessionID("s1"), mock.Anything).
		Run(func(mock.Arguments) { polls.Add(1) }).
		Return([]domain.ChatMessage{}, nil)
	api.On("Stats", mock.Anything, domain.SessionID("s1")).Return(&domain.SessionStats{}, nil)

	cfg := DefaultPollConfig()
	cfg.ActiveInterval = 20 * time.Millisecond
	cfg.BackgroundInterval = time.Hour
	p := NewPollService(api, "s1", b, cfg, nil, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	p.Start(ctx)

	require.Eventually(t, func() bool { return polls.Load() >= 3 }, time.Second, 5*time.Millisecond)

	p.OnAppStateChange(domain.AppBackground)
	time.Sleep(30 * time.Millisecond)
	settled := polls.Load()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, settled, polls.Load(), "background interval is far away")

	cancel()
	require.Eventually(t, func() bool { return !p.running.Load() }, time.Second, 2*time.Millisecond)
}
