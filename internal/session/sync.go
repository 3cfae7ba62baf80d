package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// StreamStatus is the multi-camera sync state of one pipeline.
type StreamStatus int

// Stream statuses.
const (
	NotStreaming StreamStatus = iota
	NonSyncStreaming
	SyncStreaming
)

func (s StreamStatus) String() string {
	switch s {
	case NotStreaming:
		return "not_streaming"
	case NonSyncStreaming:
		return "non_sync_streaming"
	case SyncStreaming:
		return "sync_streaming"
	default:
		return "unknown"
	}
}

// SyncOutcome is the result of a link synchronization attempt.
type SyncOutcome int

// Sync outcomes.
const (
	// SyncRetry means the preconditions are not met yet.
	SyncRetry SyncOutcome = iota
	SyncEstablished
	SyncFailed
)

func (o SyncOutcome) String() string {
	switch o {
	case SyncRetry:
		return "retry"
	case SyncEstablished:
		return "established"
	case SyncFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const maxActiveRealtimePipelines = 2

type syncController struct {
	mu       sync.Mutex
	realTime []bool
	status   []StreamStatus
	aeLock   []*AELockRange
	partner  []int
	links    []LinkHandle
	syncTag  uint32
	syncer   LinkSyncer
	logger   *slog.Logger
	onChange func(pipeline int, old, status StreamStatus)
}

func newSyncController(realTime []bool, syncer LinkSyncer, logger *slog.Logger) *syncController {
	n := len(realTime)
	c := &syncController{
		realTime: realTime,
		status:   make([]StreamStatus, n),
		aeLock:   make([]*AELockRange, n),
		partner:  make([]int, n),
		links:    make([]LinkHandle, n),
		syncer:   syncer,
		logger:   logger,
	}
	for i := range c.partner {
		c.partner[i] = -1
	}
	return c
}

// setStatus moves a pipeline between streaming states. Entering sync
// streaming requires an established link; leaving it breaks the link for
// both partners and clears their AE lock ranges.
func (c *syncController) setStatus(pipeline int, status StreamStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pipeline < 0 || pipeline >= len(c.status) {
		return ErrUnknownPipeline
	}
	if status == SyncStreaming && c.partner[pipeline] < 0 {
		return fmt.Errorf("pipeline %d: %w", pipeline, ErrNotSynced)
	}
	if c.status[pipeline] == SyncStreaming && status != SyncStreaming {
		if p := c.partner[pipeline]; p >= 0 {
			c.unlinkLocked(p)
			if c.status[p] == SyncStreaming {
				c.setLocked(p, NonSyncStreaming)
			}
		}
		c.unlinkLocked(pipeline)
	}
	c.setLocked(pipeline, status)
	return nil
}

func (c *syncController) setLocked(pipeline int, status StreamStatus) {
	old := c.status[pipeline]
	if old == status {
		return
	}
	c.status[pipeline] = status
	if c.onChange != nil {
		c.onChange(pipeline, old, status)
	}
}

func (c *syncController) unlinkLocked(pipeline int) {
	c.partner[pipeline] = -1
	c.links[pipeline] = 0
	c.aeLock[pipeline] = nil
}

// checkAndSyncLinks links the first two real-time pipelines that are
// streaming unsynchronized. Failure leaves status unchanged.
func (c *syncController) checkAndSyncLinks(ctx context.Context) (SyncOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var candidates []int
	for i, rt := range c.realTime {
		if rt && c.status[i] == NonSyncStreaming {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) < maxActiveRealtimePipelines || c.syncer == nil {
		return SyncRetry, nil
	}

	a, b := candidates[0], candidates[1]
	handle, err := c.syncer.SyncLinks(ctx, a, b)
	if err != nil {
		c.logger.Warn("Link sync failed, continuing unsynchronized", "pipeline_a", a, "pipeline_b", b, "error", err)
		return SyncFailed, err
	}

	c.partner[a], c.partner[b] = b, a
	c.links[a], c.links[b] = handle, handle
	c.syncTag++
	c.setLocked(a, SyncStreaming)
	c.setLocked(b, SyncStreaming)
	c.logger.Info("Pipelines link synchronized", "pipeline_a", a, "pipeline_b", b, "link", handle)
	return SyncEstablished, nil
}

// synced reports whether every listed pipeline is sync streaming and the set
// spans at least two pipelines.
func (c *syncController) synced(pipelines []int) (bool, uint32) {
	if len(pipelines) < 2 {
		return false, 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range pipelines {
		if c.status[p] != SyncStreaming {
			return false, 0
		}
	}
	return true, c.syncTag
}

func (c *syncController) setAELockRange(pipeline int, r AELockRange) error {
	if r.Start > r.Stop {
		return invalidf("AE lock range start %d after stop %d", r.Start, r.Stop)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if pipeline < 0 || pipeline >= len(c.aeLock) {
		return ErrUnknownPipeline
	}
	c.aeLock[pipeline] = &r
	return nil
}

// commonAELockRange returns the range shared by all pipelines, if any.
func (c *syncController) commonAELockRange(pipelines []int) *AELockRange {
	c.mu.Lock()
	defer c.mu.Unlock()

	var common *AELockRange
	for _, p := range pipelines {
		r := c.aeLock[p]
		if r == nil {
			return nil
		}
		if common == nil {
			common = r
			continue
		}
		if *common != *r {
			return nil
		}
	}
	if common == nil {
		return nil
	}
	out := *common
	return &out
}

// resetForFlush drops flushed pipelines out of sync so links are
// re-established on the next submission.
func (c *syncController) resetForFlush(pipelines []int) {
	for _, p := range pipelines {
		c.mu.Lock()
		synced := c.status[p] == SyncStreaming
		c.mu.Unlock()
		if synced {
			_ = c.setStatus(p, NonSyncStreaming)
		}
	}
}

func (c *syncController) snapshot(pipeline int) (StreamStatus, *AELockRange, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var r *AELockRange
	if c.aeLock[pipeline] != nil {
		cp := *c.aeLock[pipeline]
		r = &cp
	}
	return c.status[pipeline], r, c.partner[pipeline]
}
