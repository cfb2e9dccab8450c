package ports

import (
	"time"

	"livesync/internal/core/domain"
)

// TransportMetrics records client-side transport activity.
type TransportMetrics interface {
	RecordConnect(success bool, duration time.Duration)
	RecordReconnectAttempt(attempt int)
	RecordFatal(code string)
	RecordQueueEviction()
	SetQueueDepth(depth int)
	RecordFrame(eventType domain.EventType)
	RecordBatchFlush(size int)
	RecordHeartbeat(outcome string)
	RecordPoll(duration time.Duration, err error)
	RecordTeardown(trigger string)
}

type NoopMetrics struct{}

func (NoopMetrics) RecordConnect(bool, time.Duration) {}
func (NoopMetrics) RecordReconnectAttempt(int)        {}
func (NoopMetrics) RecordFatal(string)                {}
func (NoopMetrics) RecordQueueEviction()              {}
func (NoopMetrics) SetQueueDepth(int)                 {}
func (NoopMetrics) RecordFrame(domain.EventType)      {}
func (NoopMetrics) RecordBatchFlush(int)              {}
func (NoopMetrics) RecordHeartbeat(string)            {}
func (NoopMetrics) RecordPoll(time.Duration, error)   {}
func (NoopMetrics) RecordTeardown(string)             {}

// BackendMetrics records development backend activity.
type BackendMetrics interface {
	RecordSessionOp(op string, err error)
	SetLiveSessions(n int)
}

type NoopBackendMetrics struct{}

func (NoopBackendMetrics) RecordSessionOp(string, error) {}
func (NoopBackendMetrics) SetLiveSessions(int)           {}
