// Package testutil holds testify mocks of the core ports shared by the
// package tests.
package testutil

import (
	"context"

	"livesync/internal/core/domain"

	"github.com/stretchr/testify/mock"
)

// MockSessionAPI is a testify mock of ports.SessionAPI.
type MockSessionAPI struct {
	mock.Mock
}

func (m *MockSessionAPI) Create(ctx context.Context, owner domain.ActorID, title string) (*domain.SessionRecord, error) {
	args := m.Called(ctx, owner, title)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SessionRecord), args.Error(1)
}

func (m *MockSessionAPI) Get(ctx context.Context, id domain.SessionID) (*domain.SessionRecord, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SessionRecord), args.Error(1)
}

func (m *MockSessionAPI) Start(ctx context.Context, id domain.SessionID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionAPI) End(ctx context.Context, id domain.SessionID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionAPI) Heartbeat(ctx context.Context, id domain.SessionID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionAPI) Join(ctx context.Context, id domain.SessionID, actor domain.ActorID, role domain.Role) error {
	args := m.Called(ctx, id, actor, role)
	return args.Error(0)
}

func (m *MockSessionAPI) Leave(ctx context.Context, id domain.SessionID, actor domain.ActorID) error {
	args := m.Called(ctx, id, actor)
	return args.Error(0)
}

func (m *MockSessionAPI) ListByOwner(ctx context.Context, owner domain.ActorID) ([]*domain.SessionRecord, error) {
	args := m.Called(ctx, owner)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.SessionRecord), args.Error(1)
}

func (m *MockSessionAPI) MessagesSince(ctx context.Context, id domain.SessionID, after domain.MessageID) ([]domain.ChatMessage, error) {
	args := m.Called(ctx, id, after)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.ChatMessage), args.Error(1)
}

func (m *MockSessionAPI) Stats(ctx context.Context, id domain.SessionID) (*domain.SessionStats, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.SessionStats), args.Error(1)
}

// MockVideoCall is a testify mock of ports.VideoCall.
type MockVideoCall struct {
	mock.Mock
}

func (m *MockVideoCall) DisableMedia(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockVideoCall) Leave(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}
