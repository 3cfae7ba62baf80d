package session

import (
	"time"

	"github.com/google/btree"
)

type bufferSlot struct {
	stream  StreamID
	buffer  StreamBuffer
	filled  bool
	errored bool
}

// resultHolder accumulates the components of one pipeline request until it
// can be dispatched.
type resultHolder struct {
	sequence    SequenceID
	pipeline    int
	requestID   uint64
	batchIndex  int
	frameNumber uint64

	numOutBuffers   int
	numOkBuffers    int
	numErrorBuffers int
	outputs         []bufferSlot
	inputs          []StreamBuffer

	pendingMetadata   int
	tentativeMetadata bool
	metadata          Metadata
	metadataError     bool

	alive     bool
	cancelled bool
	errCode   ErrorCode
}

func (h *resultHolder) complete() bool {
	if h.cancelled {
		return true
	}
	if h.pendingMetadata > 0 && !h.tentativeMetadata {
		return false
	}
	return h.numOkBuffers+h.numErrorBuffers >= h.numOutBuffers
}

// slotFor returns the first unfilled output slot for stream.
func (h *resultHolder) slotFor(stream StreamID) *bufferSlot {
	for i := range h.outputs {
		if h.outputs[i].stream == stream && !h.outputs[i].filled {
			return &h.outputs[i]
		}
	}
	return nil
}

// fail marks every outstanding component as errored with code.
func (h *resultHolder) fail(code ErrorCode) {
	if h.errCode == ErrorCodeNone {
		h.errCode = code
	}
	if h.pendingMetadata > 0 {
		h.metadataError = true
		h.pendingMetadata = 0
	}
	for i := range h.outputs {
		if !h.outputs[i].filled {
			h.outputs[i].filled = true
			h.outputs[i].errored = true
			h.numErrorBuffers++
		}
	}
}

func (h *resultHolder) cancel(code ErrorCode) {
	h.fail(code)
	h.cancelled = true
}

// holderState is the lifecycle position of a result holder.
type holderState string

const (
	holderPending         holderState = "pending"
	holderPartiallyFilled holderState = "partially_filled"
	holderComplete        holderState = "complete"
	holderCancelled       holderState = "cancelled"
	holderDispatched      holderState = "dispatched"
)

func (h *resultHolder) state() holderState {
	switch {
	case !h.alive:
		return holderDispatched
	case h.cancelled:
		return holderCancelled
	case h.complete():
		return holderComplete
	case h.numOkBuffers+h.numErrorBuffers > 0 || h.metadata != nil:
		return holderPartiallyFilled
	default:
		return holderPending
	}
}

// resultGroup holds the per-pipeline holders of one client request. Its
// holders carry contiguous sequence ids starting at first.
type resultGroup struct {
	first       SequenceID
	frameNumber uint64
	holders     []*resultHolder
	subRequests []*SubRequest
	submittedAt time.Time
}

func (g *resultGroup) last() SequenceID {
	return g.first + SequenceID(len(g.holders)) - 1
}

func (g *resultGroup) holderFor(seq SequenceID) *resultHolder {
	if seq < g.first || seq > g.last() {
		return nil
	}
	return g.holders[seq-g.first]
}

func (g *resultGroup) complete() bool {
	for _, h := range g.holders {
		if !h.complete() {
			return false
		}
	}
	return true
}

func (g *resultGroup) pipelines() []int {
	out := make([]int, len(g.holders))
	for i, h := range g.holders {
		out[i] = h.pipeline
	}
	return out
}

func (g *resultGroup) touches(pipelines []int) bool {
	for _, h := range g.holders {
		for _, p := range pipelines {
			if h.pipeline == p {
				return true
			}
		}
	}
	return false
}

// holderTable indexes live groups by their first sequence id. The minimum
// entry is the head of line.
type holderTable struct {
	tree *btree.BTreeG[*resultGroup]
}

func newHolderTable() *holderTable {
	return &holderTable{
		tree: btree.NewG(16, func(a, b *resultGroup) bool {
			return a.first < b.first
		}),
	}
}

func (t *holderTable) insert(g *resultGroup) {
	t.tree.ReplaceOrInsert(g)
}

func (t *holderTable) remove(g *resultGroup) {
	t.tree.Delete(g)
}

func (t *holderTable) lookup(seq SequenceID) (*resultGroup, *resultHolder) {
	var found *resultGroup
	t.tree.DescendLessOrEqual(&resultGroup{first: seq}, func(g *resultGroup) bool {
		found = g
		return false
	})
	if found == nil {
		return nil, nil
	}
	h := found.holderFor(seq)
	if h == nil {
		return nil, nil
	}
	return found, h
}

func (t *holderTable) head() (*resultGroup, bool) {
	return t.tree.Min()
}

func (t *holderTable) isHead(g *resultGroup) bool {
	h, ok := t.tree.Min()
	return ok && h == g
}

func (t *holderTable) ascend(fn func(g *resultGroup) bool) {
	t.tree.Ascend(fn)
}

func (t *holderTable) len() int {
	return t.tree.Len()
}
