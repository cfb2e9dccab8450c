package signal

import (
	"sync"

	"livesync/internal/core/domain"
	"livesync/internal/core/ports"

	"go.uber.org/zap"
)

const DefaultQueueSize = 10

// OutboundQueue holds sends issued while the channel is not open. It is
// bounded; enqueueing into a full queue evicts the oldest entry.
type OutboundQueue struct {
	mu       sync.Mutex
	items    []domain.OutboundMessage
	capacity int

	metrics ports.TransportMetrics
	logger  *zap.SugaredLogger
}

func NewOutboundQueue(capacity int, metrics ports.TransportMetrics, logger *zap.SugaredLogger) *OutboundQueue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	if metrics == nil {
		metrics = ports.NoopMetrics{}
	}
	return &OutboundQueue{
		items:    make([]domain.OutboundMessage, 0, capacity),
		capacity: capacity,
		metrics:  metrics,
		logger:   logger,
	}
}

// Enqueue appends msg and reports whether an older entry was evicted to make room.
func (q *OutboundQueue) Enqueue(msg domain.OutboundMessage) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	evicted := false
	if len(q.items) >= q.capacity {
		dropped := q.items[0]
		q.items = append(q.items[:0], q.items[1:]...)
		evicted = true

		q.metrics.RecordQueueEviction()
		q.logger.Warnw("outbound queue full, evicted oldest message",
			"message_id", dropped.ID,
			"type", dropped.Type,
			"capacity", q.capacity)
	}
	q.items = append(q.items, msg)
	q.metrics.SetQueueDepth(len(q.items))
	return evicted
}

// Drain sends queued messages in FIFO order. It stops at the first failure;
// the failed message and everything behind it stay queued.
func (q *OutboundQueue) Drain(send func(domain.OutboundMessage) error) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sent := 0
	var err error
	for _, msg := range q.items {
		if err = send(msg); err != nil {
			break
		}
		sent++
	}

	q.items = append(q.items[:0], q.items[sent:]...)
	q.metrics.SetQueueDepth(len(q.items))
	return sent, err
}

func (q *OutboundQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *OutboundQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
	q.metrics.SetQueueDepth(0)
}

// Snapshot returns a copy of the queued messages, oldest first.
func (q *OutboundQueue) Snapshot() []domain.OutboundMessage {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.OutboundMessage, len(q.items))
	copy(out, q.items)
	return out
}
