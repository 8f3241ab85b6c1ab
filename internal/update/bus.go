package update

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultCapacity is the number of undelivered updates a Bus retains.
const DefaultCapacity = 5

// Bus is a bounded, multi-producer queue with a single subscription.
// When full, Publish discards the oldest undelivered update to admit the new
// one, so producers never block on a slow or absent consumer.
type Bus struct {
	mu      sync.Mutex
	ch      chan Update
	closed  bool
	dropped atomic.Uint64
	log     *zap.Logger
}

// NewBus constructs a Bus. A capacity below 1 selects DefaultCapacity.
func NewBus(capacity int, log *zap.Logger) *Bus {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{ch: make(chan Update, capacity), log: log}
}

// Publish enqueues u. Safe for concurrent use; a no-op after Close.
func (b *Bus) Publish(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for {
		select {
		case b.ch <- u:
			return
		default:
		}
		// Full. Only the consumer competes for the buffer while we hold mu,
		// and it can only free slots.
		select {
		case old := <-b.ch:
			b.dropped.Add(1)
			b.log.Debug("bus: dropped oldest update", zap.Stringer("update", old))
		default:
		}
	}
}

// Updates returns the subscription. Every call returns the same channel; it
// is closed by Close.
func (b *Bus) Updates() <-chan Update { return b.ch }

// Dropped reports how many updates were discarded to make room.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Close ends the subscription. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.ch)
}
