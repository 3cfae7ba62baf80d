package events

import (
	"sync"
	"sync/atomic"

	"github.com/kelindar/event"
)

// Subscription merges several bus event types into one channel, the shape
// huma's SSE handlers select on. Publishing never blocks on a slow reader:
// events that do not fit the buffer are counted and dropped.
type Subscription struct {
	ch      chan any
	dropped atomic.Uint64

	mu     sync.Mutex
	unsubs []func()
}

// NewSubscription creates a subscription buffering up to size events.
func NewSubscription(size int) *Subscription {
	return &Subscription{ch: make(chan any, size)}
}

// Forward adds event type T to sub and returns sub for chaining.
func Forward[T Event](sub *Subscription, bus *Bus) *Subscription {
	unsub := event.Subscribe(bus.dispatcher, func(e T) {
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	})
	sub.mu.Lock()
	sub.unsubs = append(sub.unsubs, unsub)
	sub.mu.Unlock()
	return sub
}

// Events is the merged event channel.
func (s *Subscription) Events() <-chan any {
	return s.ch
}

// Dropped reports how many events did not fit the buffer.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unsubscribes every forwarded type. The channel stays open.
func (s *Subscription) Close() {
	s.mu.Lock()
	unsubs := s.unsubs
	s.unsubs = nil
	s.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
}
