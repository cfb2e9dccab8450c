package services

import (
	"context"
	"errors"
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

func fastHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:            30 * time.Millisecond,
		InitialDelay:        5 * time.Millisecond,
		MaxNotLiveResponses: 1,
		CallTimeout:         time.Second,
	}
}

// countingHeartbeat returns a mock that counts Heartbeat calls and answers with err.
func countingHeartbeat(api *MockSessionAPI, calls *atomic.Int32, err error) {
	api.On("Heartbeat", mock.Anything, domain.SessionID("s1")).
		Run(func(mock.Arguments) { calls.Add(1) }).
		Return(err)
}

func TestHeartbeat_TicksOnInterval(t *testing.T) {
	api := &MockSessionAPI{}
	var calls atomic.Int32
	countingHeartbeat(api, &calls, nil)

	h := NewHeartbeatService(api, "s1", fastHeartbeatConfig(), nil, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.True(t, h.Arm(ctx))
	assert.Equal(t, HeartbeatArmed, h.State())

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	h.Stop()
	assert.Equal(t, HeartbeatStopped, h.State())
}

func TestHeartbeat_ArmTwiceKeepsOneTimer(t *testing.T) {
	api := &MockSessionAPI{}
	var calls atomic.Int32
	countingHeartbeat(api, &calls, nil)

	cfg := fastHeartbeatConfig()
	cfg.Interval = time.Hour
	h := NewHeartbeatService(api, "s1", cfg, nil, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.Arm(ctx)
	h.Arm(ctx)
	h.Arm(ctx)

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	h.Stop()
}

func TestHeartbeat_NotFoundTerminatesPermanently(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not found", apperrors.NewSessionNotFoundError(domain.ErrSessionNotFound, "s1")},
		{"not live", apperrors.NewSessionNotLiveError(domain.ErrSessionNotLive, "s1")},
		{"sentinel", domain.ErrSessionNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &MockSessionAPI{}
			var calls atomic.Int32
			countingHeartbeat(api, &calls, tt.err)

			h := NewHeartbeatService(api, "s1", fastHeartbeatConfig(), nil, logger.Nop())
			var gone atomic.Int32
			h.OnSessionGone(func(err error) { gone.Add(1) })

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			h.Arm(ctx)

			require.Eventually(t, func() bool { return h.State() == HeartbeatTerminated }, time.Second, 2*time.Millisecond)
			time.Sleep(80 * time.Millisecond)

			assert.Equal(t, int32(1), calls.Load())
			assert.Equal(t, int32(1), gone.Load())

			// no way back without a new session
			assert.False(t, h.Arm(ctx))
			h.Stop()
			h.Resume()
			assert.Equal(t, HeartbeatTerminated, h.State())
			assert.ErrorIs(t, h.SendHeartbeat(ctx), domain.ErrSessionClosed)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestHeartbeat_ConsecutiveNotLiveThreshold(t *testing.T) {
	api := &MockSessionAPI{}
	var calls atomic.Int32
	countingHeartbeat(api, &calls, domain.ErrSessionNotLive)

	cfg := fastHeartbeatConfig()
	cfg.Interval = 10 * time.Millisecond
	cfg.MaxNotLiveResponses = 2
	h := NewHeartbeatService(api, "s1", cfg, nil, logger.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Arm(ctx)

	require.Eventually(t, func() bool { return h.State() == HeartbeatTerminated }, time.Second, 2*time.Millisecond)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHeartbeat_TransientErrorsKeepTicking(t *testing.T) {
	api := &MockSessionAPI{}
	var calls atomic.Int32
	countingHeartbeat(api, &calls, errors.New("connection reset"))

	h := NewHeartbeatService(api, "s1", fastHeartbeatConfig(), nil, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Arm(ctx)

	require.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, HeartbeatArmed, h.State())
	h.Stop()
}

func TestHeartbeat_PauseCancelsAndResumeFiresImmediately(t *testing.T) {
	api := &MockSessionAPI{}
	var calls atomic.Int32
	countingHeartbeat(api, &calls, nil)

	cfg := fastHeartbeatConfig()
	cfg.Interval = 200 * time.Millisecond
	h := NewHeartbeatService(api, "s1", cfg, nil, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.Arm(ctx)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 2*time.Millisecond)

	h.Pause()
	assert.Equal(t, HeartbeatPaused, h.State())
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load(), "no heartbeat while backgrounded")

	resumedAt := time.Now()
	h.Resume()
	require.Eventually(t, func() bool { return calls.Load() == 2 }, 100*time.Millisecond, 2*time.Millisecond)
	assert.Less(t, time.Since(resumedAt), 100*time.Millisecond)

	// then back on the interval
	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, time.Since(resumedAt), 150*time.Millisecond)
	h.Stop()
}

func TestHeartbeat_ContextCancelStops(t *testing.T) {
	api := &MockSessionAPI{}
	var calls atomic.Int32
	countingHeartbeat(api, &calls, nil)

	cfg := fastHeartbeatConfig()
	cfg.InitialDelay = 50 * time.Millisecond
	h := NewHeartbeatService(api, "s1", cfg, nil, logger.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	h.Arm(ctx)
	cancel()

	require.Eventually(t, func() bool { return h.State() == HeartbeatStopped }, time.Second, 2*time.Millisecond)
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load())
}

func TestHeartbeat_ManualSend(t *testing.T) {
	api := &MockSessionAPI{}
	api.On("Heartbeat", mock.Anything, domain.SessionID("s1")).Return(nil).Once()

	h := NewHeartbeatService(api, "s1", fastHeartbeatConfig(), nil, logger.Nop())
	require.NoError(t, h.SendHeartbeat(context.Background()))
	assert.Equal(t, HeartbeatStopped, h.State())
	api.AssertExpectations(t)
}
