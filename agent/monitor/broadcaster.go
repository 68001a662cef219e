package monitor

import (
	"sync"
	"sync/atomic"

	"github.com/SilentCaMXMF/opencode-webDev-sub000/types"
	"go.uber.org/zap"
)

// Broadcaster delivers events to live subscribers. Slow subscribers lose
// events instead of blocking the emitting component.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[uint64]chan types.Event
	nextID  uint64
	buffer  int
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewBroadcaster creates a Broadcaster whose subscriber channels hold buffer events.
func NewBroadcaster(buffer int, logger *zap.Logger) *Broadcaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{
		subs:   make(map[uint64]chan types.Event),
		buffer: buffer,
		logger: logger.With(zap.String("component", "event_broadcaster")),
	}
}

// Subscribe returns a receive channel and a cancel function that closes it.
func (b *Broadcaster) Subscribe() (<-chan types.Event, func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	ch := make(chan types.Event, b.buffer)
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
			b.mu.Unlock()
		})
	}
	return ch, cancel
}

// Emit delivers event to every subscriber without blocking.
func (b *Broadcaster) Emit(event types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.dropped.Add(1)
			b.logger.Debug("subscriber buffer full, event dropped", zap.Uint64("subscriber", id))
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the number of events dropped for slow subscribers.
func (b *Broadcaster) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
