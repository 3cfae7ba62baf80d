package session

import (
	"log/slog"
	"sync"
)

const (
	metaReady   uint8 = 0x1
	bufferReady uint8 = 0x2
	metaDone          = metaReady | bufferReady
)

// metaBufferWindow tracks outstanding per-frame metadata slots of one
// pipeline between oldest and latest, inclusive.
type metaBufferWindow struct {
	oldest     SequenceID
	latest     SequenceID
	active     bool
	mask       []uint8
	requestIDs []uint64
}

func (w *metaBufferWindow) outstanding() int {
	if !w.active {
		return 0
	}
	return int(w.latest-w.oldest) + 1
}

// metaBufferDoneQueue releases a pipeline's metadata slots once both the
// result was delivered and the pipeline signalled it is done with the slot.
// Slots are released strictly in sequence order.
type metaBufferDoneQueue struct {
	mu      sync.Mutex
	windows []metaBufferWindow
	logger  *slog.Logger
}

func newMetaBufferDoneQueue(pipelines, capacity int, logger *slog.Logger) *metaBufferDoneQueue {
	q := &metaBufferDoneQueue{
		windows: make([]metaBufferWindow, pipelines),
		logger:  logger,
	}
	for i := range q.windows {
		q.windows[i].mask = make([]uint8, capacity)
		q.windows[i].requestIDs = make([]uint64, capacity)
	}
	return q
}

// track appends seq to the pipeline's window. Sequence ids skipped since
// the previous entry belong to other pipelines and are pre-resolved. Request
// ids forced out by overflow are returned for release.
func (q *metaBufferDoneQueue) track(pipeline int, seq SequenceID, requestID uint64) []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	w := &q.windows[pipeline]
	n := SequenceID(len(w.mask))
	if !w.active {
		w.oldest = seq
		w.latest = seq - 1
		w.active = true
	}

	var forced []uint64
	for s := w.latest + 1; ; s++ {
		if s-w.oldest >= n {
			idx := w.oldest % n
			if rid := w.requestIDs[idx]; rid != 0 && w.mask[idx] != metaDone {
				q.logger.Warn("Metadata buffer window overflow, forcing release",
					"pipeline", pipeline, "sequence", w.oldest, "request_id", rid)
				forced = append(forced, rid)
			}
			w.oldest++
		}
		idx := s % n
		if s == seq {
			w.mask[idx] = 0
			w.requestIDs[idx] = requestID
			w.latest = s
			break
		}
		w.mask[idx] = metaDone
		w.requestIDs[idx] = 0
		w.latest = s
	}
	return append(forced, q.slideLocked(w)...)
}

// mark sets flag on seq and returns request ids that became releasable.
func (q *metaBufferDoneQueue) mark(pipeline int, seq SequenceID, flag uint8) []uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	w := &q.windows[pipeline]
	if !w.active || seq < w.oldest || seq > w.latest {
		return nil
	}
	w.mask[seq%SequenceID(len(w.mask))] |= flag
	return q.slideLocked(w)
}

func (q *metaBufferDoneQueue) slideLocked(w *metaBufferWindow) []uint64 {
	n := SequenceID(len(w.mask))
	var released []uint64
	for w.active && w.mask[w.oldest%n] == metaDone {
		if rid := w.requestIDs[w.oldest%n]; rid != 0 {
			released = append(released, rid)
		}
		if w.oldest == w.latest {
			w.active = false
			break
		}
		w.oldest++
	}
	return released
}

func (q *metaBufferDoneQueue) reset(pipeline int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	w := &q.windows[pipeline]
	w.active = false
	clear(w.mask)
	clear(w.requestIDs)
}

func (q *metaBufferDoneQueue) window(pipeline int) (oldest, latest SequenceID, outstanding int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	w := &q.windows[pipeline]
	return w.oldest, w.latest, w.outstanding()
}
