package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"qazna.org/entitlements/internal/audit"
)

// Broker fan-outs audit events to all active subscribers (SSE clients). It
// implements audit.Log so it can sit next to the durable sinks.
type Broker struct {
	mu      sync.RWMutex
	subs    map[int]chan audit.Event
	next    int
	buffer  int
	dropped atomic.Uint64
}

var _ audit.Log = (*Broker)(nil)

// New initialises an empty broker. buffer is the per-subscriber queue length.
func New(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 16
	}
	return &Broker{
		subs:   make(map[int]chan audit.Event),
		buffer: buffer,
	}
}

// Subscribe registers a subscriber and returns a channel which will receive events.
// The channel is closed when the provided context ends.
func (b *Broker) Subscribe(ctx context.Context) <-chan audit.Event {
	ch := make(chan audit.Event, b.buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (b *Broker) Publish(ev audit.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop when subscriber is slow to avoid blocking.
			b.dropped.Add(1)
		}
	}
}

// Append publishes ev. Live delivery is best effort and never fails the
// caller.
func (b *Broker) Append(_ context.Context, ev audit.Event) error {
	b.Publish(ev)
	return nil
}

// Subscribers reports the number of connected subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped reports how many deliveries were skipped for slow subscribers.
func (b *Broker) Dropped() uint64 { return b.dropped.Load() }
