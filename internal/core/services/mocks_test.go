package services

import (
	"context"
	"sync"
	"sync/atomic"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"
	"livesync/internal/testutil"

	"github.com/stretchr/testify/mock"
)

type (
	MockSessionAPI = testutil.MockSessionAPI
	MockVideoCall  = testutil.MockVideoCall
)

type MockChannel struct {
	mock.Mock

	mu            sync.Mutex
	handlers      map[domain.EventType][]ports.EventHandler
	errorHandlers []func(error)
}

func (m *MockChannel) Connect(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockChannel) Disconnect() {
	m.Called()
}

func (m *MockChannel) GracefulDisconnect() {
	m.Called()
}

func (m *MockChannel) Send(msgType domain.EventType, payload any) error {
	args := m.Called(msgType, payload)
	return args.Error(0)
}

func (m *MockChannel) On(eventType domain.EventType, handler ports.EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.handlers == nil {
		m.handlers = make(map[domain.EventType][]ports.EventHandler)
	}
	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

func (m *MockChannel) OnError(handler func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorHandlers = append(m.errorHandlers, handler)
}

func (m *MockChannel) OnStateChange(func(domain.ReadyState)) {}

func (m *MockChannel) Handle() domain.ConnectionHandle {
	return domain.ConnectionHandle{State: domain.ReadyOpen}
}

// deliver simulates an inbound frame.
func (m *MockChannel) deliver(ev domain.InboundEvent) {
	m.mu.Lock()
	handlers := append([]ports.EventHandler{}, m.handlers[ev.Type]...)
	handlers = append(handlers, m.handlers[domain.AnyEvent]...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// fail simulates a fatal transport error.
func (m *MockChannel) fail(err error) {
	m.mu.Lock()
	handlers := append([]func(error){}, m.errorHandlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

// recordingSink records sink calls and flags any overlap between them.
type recordingSink struct {
	mu         sync.Mutex
	events     []domain.InboundEvent
	errs       []error
	states     []domain.SessionState
	inFlight   atomic.Int32
	overlapped atomic.Bool
}

func (s *recordingSink) enter() {
	if s.inFlight.Add(1) > 1 {
		s.overlapped.Store(true)
	}
}

func (s *recordingSink) leave() { s.inFlight.Add(-1) }

func (s *recordingSink) OnEvent(ev domain.InboundEvent) {
	s.enter()
	defer s.leave()
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *recordingSink) OnError(err error) {
	s.enter()
	defer s.leave()
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

func (s *recordingSink) OnStateChange(state domain.SessionState) {
	s.enter()
	defer s.leave()
	s.mu.Lock()
	s.states = append(s.states, state)
	s.mu.Unlock()
}

func (s *recordingSink) Events() []domain.InboundEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.InboundEvent{}, s.events...)
}

func (s *recordingSink) Errors() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error{}, s.errs...)
}

func (s *recordingSink) States() []domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.SessionState{}, s.states...)
}

func (s *recordingSink) Types() []domain.EventType {
	var out []domain.EventType
	for _, ev := range s.Events() {
		out = append(out, ev.Type)
	}
	return out
}
