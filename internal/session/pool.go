package session

import "sync"

// slotPool is a fixed circular allocator. Claimed slots are reused once the
// pool wraps, so capacity must cover every message that can be in flight.
type slotPool[T any] struct {
	mu     sync.Mutex
	slots  []T
	next   int
	claims uint64
	spills uint64
}

func newSlotPool[T any](size int) *slotPool[T] {
	if size < 1 {
		size = 1
	}
	return &slotPool[T]{slots: make([]T, size)}
}

// claim returns the next zeroed slot.
func (p *slotPool[T]) claim() *T {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := &p.slots[p.next]
	var zero T
	*slot = zero
	p.next = (p.next + 1) % len(p.slots)
	p.claims++
	return slot
}

// claimN returns n contiguous zeroed slots. A run that would cross the end of
// the ring restarts at index zero. Requests larger than the ring get a fresh
// slice.
func (p *slotPool[T]) claimN(n int) []T {
	if n <= 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if n > len(p.slots) {
		p.spills++
		return make([]T, n)
	}
	if p.next+n > len(p.slots) {
		p.next = 0
	}
	run := p.slots[p.next : p.next+n : p.next+n]
	clear(run)
	p.next = (p.next + n) % len(p.slots)
	p.claims += uint64(n)
	return run
}

func (p *slotPool[T]) stats() (capacity int, claims, spills uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots), p.claims, p.spills
}

func (p *slotPool[T]) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = 0
}
