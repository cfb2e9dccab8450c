package batch

import (
	"sync"
	"time"
)

// Config controls when a batch is cut.
type Config struct {
	MaxSize int           // a batch is flushed as soon as it holds this many items
	Window  time.Duration // debounce window, re-armed on every Add
}

// DefaultConfig returns one animation frame worth of debounce and a five item cap.
func DefaultConfig() Config {
	return Config{
		MaxSize: 5,
		Window:  16 * time.Millisecond,
	}
}

// KeyFunc returns a coalescing key for an item. Items sharing a key replace
// each other in place and occupy a single slot.
type KeyFunc[T any] func(item T) (key string, ok bool)

// Batcher accumulates items and hands them to the flush callback either when
// the batch is full or when no item has arrived for one window. Flushes are
// serialized and delivered in the order the batches were cut.
type Batcher[T any] struct {
	cfg   Config
	flush func([]T)
	key   KeyFunc[T]

	mu      sync.Mutex
	pending []T
	index   map[string]int
	timer   *time.Timer
	stopped bool

	flushMu sync.Mutex
}

// New creates a batcher. key may be nil.
func New[T any](cfg Config, flush func([]T), key KeyFunc[T]) *Batcher[T] {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultConfig().MaxSize
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Batcher[T]{
		cfg:     cfg,
		flush:   flush,
		key:     key,
		pending: make([]T, 0, cfg.MaxSize),
		index:   make(map[string]int),
	}
}

// Add appends an item to the current batch. Returns false after Stop.
func (b *Batcher[T]) Add(item T) bool {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return false
	}

	coalesced := false
	if b.key != nil {
		if k, ok := b.key(item); ok {
			if i, exists := b.index[k]; exists {
				b.pending[i] = item
				coalesced = true
			} else {
				b.index[k] = len(b.pending)
			}
		}
	}
	if !coalesced {
		b.pending = append(b.pending, item)
	}

	full := len(b.pending) >= b.cfg.MaxSize
	if !full {
		b.armLocked()
	}
	b.mu.Unlock()

	if full {
		b.Flush()
	}
	return true
}

// armLocked (re)starts the debounce timer. Caller holds b.mu.
func (b *Batcher[T]) armLocked() {
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.cfg.Window, b.Flush)
}

// Flush delivers everything pending, split into chunks of at most MaxSize.
func (b *Batcher[T]) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	for {
		items := b.cut()
		if len(items) == 0 {
			return
		}
		b.flush(items)
	}
}

func (b *Batcher[T]) cut() []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.pending) == 0 {
		return nil
	}

	n := len(b.pending)
	if n > b.cfg.MaxSize {
		n = b.cfg.MaxSize
	}
	items := make([]T, n)
	copy(items, b.pending[:n])

	rest := b.pending[n:]
	b.pending = make([]T, len(rest), b.cfg.MaxSize)
	copy(b.pending, rest)
	b.index = make(map[string]int)
	if b.key != nil {
		for i, item := range b.pending {
			if k, ok := b.key(item); ok {
				b.index[k] = i
			}
		}
	}
	return items
}

// Stop cancels the debounce timer and flushes remaining items. Further Adds
// are rejected.
func (b *Batcher[T]) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	b.mu.Unlock()

	b.Flush()
}

// Discard cancels the debounce timer and drops pending items without
// delivering them. Further Adds are rejected.
func (b *Batcher[T]) Discard() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.pending = b.pending[:0]
	b.index = make(map[string]int)
}

// PendingCount returns the number of slots in use in the current batch.
func (b *Batcher[T]) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
