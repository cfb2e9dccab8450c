package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"livesync/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestCachedSessionAPI_GetIsCached(t *testing.T) {
	base := &MockSessionAPI{}
	base.On("Get", mock.Anything, domain.SessionID("s1")).Return(&domain.SessionRecord{ID: "s1", Live: true}, nil).Once()

	api := NewCachedSessionAPI(base, time.Minute)
	defer api.Close()

	for i := 0; i < 3; i++ {
		rec, err := api.Get(context.Background(), "s1")
		require.NoError(t, err)
		assert.True(t, rec.Live)
	}
	base.AssertNumberOfCalls(t, "Get", 1)
}

func TestCachedSessionAPI_ErrorsAreNotCached(t *testing.T) {
	base := &MockSessionAPI{}
	base.On("Get", mock.Anything, domain.SessionID("s1")).Return(nil, errors.New("unavailable")).Twice()

	api := NewCachedSessionAPI(base, time.Minute)
	defer api.Close()

	_, err := api.Get(context.Background(), "s1")
	assert.Error(t, err)
	_, err = api.Get(context.Background(), "s1")
	assert.Error(t, err)
	base.AssertExpectations(t)
}

func TestCachedSessionAPI_EndInvalidates(t *testing.T) {
	base := &MockSessionAPI{}
	base.On("Get", mock.Anything, domain.SessionID("s1")).Return(&domain.SessionRecord{ID: "s1", Live: true}, nil).Once()
	base.On("ListByOwner", mock.Anything, domain.ActorID("host-1")).Return([]*domain.SessionRecord{{ID: "s1", Live: true}}, nil).Once()
	base.On("End", mock.Anything, domain.SessionID("s1")).Return(nil).Once()
	base.On("Get", mock.Anything, domain.SessionID("s1")).Return(&domain.SessionRecord{ID: "s1", Live: false}, nil).Once()
	base.On("ListByOwner", mock.Anything, domain.ActorID("host-1")).Return([]*domain.SessionRecord{{ID: "s1", Live: false}}, nil).Once()

	api := NewCachedSessionAPI(base, time.Minute)
	defer api.Close()
	ctx := context.Background()

	_, _ = api.Get(ctx, "s1")
	_, _ = api.ListByOwner(ctx, "host-1")
	require.NoError(t, api.End(ctx, "s1"))

	rec, err := api.Get(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, rec.Live)
	list, err := api.ListByOwner(ctx, "host-1")
	require.NoError(t, err)
	assert.False(t, list[0].Live)
	base.AssertExpectations(t)
}

func TestCachedSessionAPI_PassThrough(t *testing.T) {
	base := &MockSessionAPI{}
	base.On("Heartbeat", mock.Anything, domain.SessionID("s1")).Return(nil).Twice()

	api := NewCachedSessionAPI(base, time.Minute)
	defer api.Close()

	require.NoError(t, api.Heartbeat(context.Background(), "s1"))
	require.NoError(t, api.Heartbeat(context.Background(), "s1"))
	base.AssertExpectations(t)
}
