package telemetry

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cboxdk/worker-pool-manager/internal/types"
)

// Bus fans worker events out to any number of subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the event.
type Bus struct {
	logger *zap.Logger

	mu     sync.RWMutex
	subs   map[uint64]chan types.WorkerEvent
	nextID uint64
	closed bool

	dropped atomic.Uint64
}

// NewBus creates an empty bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		logger: logger,
		subs:   make(map[uint64]chan types.WorkerEvent),
	}
}

// Subscribe registers a subscriber with the given buffer. The returned
// function unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan types.WorkerEvent, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan types.WorkerEvent, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers event to every subscriber without blocking
func (b *Bus) Publish(event types.WorkerEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Severity == "" {
		event.Severity = types.SeverityInfo
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Warn("Event channel full, dropping event",
				zap.String("type", string(event.Type)),
				zap.String("worker_id", event.WorkerID))
		}
	}
}

// Dropped returns how many deliveries were skipped
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel; later publishes are no-ops
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
