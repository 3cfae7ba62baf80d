package session

import "sync"

// requestQueue hands accepted groups to the submission worker in order.
type requestQueue struct {
	mu    sync.Mutex
	items []*resultGroup
	wake  chan struct{}
}

func newRequestQueue() *requestQueue {
	return &requestQueue{wake: make(chan struct{}, 1)}
}

func (q *requestQueue) push(g *resultGroup) {
	q.mu.Lock()
	q.items = append(q.items, g)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *requestQueue) pop() (*resultGroup, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	g := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return g, true
}

// steal removes and returns every queued group that touches pipelines, or
// every queued group for nil.
func (q *requestQueue) steal(pipelines []int) []*resultGroup {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stolen []*resultGroup
	kept := q.items[:0]
	for _, g := range q.items {
		if pipelines == nil || g.touches(pipelines) {
			stolen = append(stolen, g)
			continue
		}
		kept = append(kept, g)
	}
	clear(q.items[len(kept):])
	q.items = kept
	return stolen
}

func (q *requestQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
