// Package session coordinates capture requests across one or more
// processing pipelines and delivers their asynchronous results to the client
// in strict submission order, exactly once.
//
// Lock order: submitMu, flushMu, dispatchMu, resultMu. The admission,
// queue, sync, metadata buffer, stats and pool locks are leaves.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/smazurov/camsession/internal/metrics"
)

// Defaults for Options.
const (
	DefaultRequestQueueDepth         = 8
	DefaultBatchSize                 = 1
	DefaultFlushWait                 = 500 * time.Millisecond
	DefaultFlushFallbackWait         = 500 * time.Millisecond
	DefaultFenceWaitTimeout          = time.Second
	DefaultPoolMultiplier            = 3
	DefaultMetaBufferQueueMultiplier = 8
	DefaultMaxOutputBuffers          = 8
	maxTimingRecords                 = 50
)

// Tunables are the timing knobs that may change while the session runs.
type Tunables struct {
	FlushWait         time.Duration
	FlushFallbackWait time.Duration
	FenceWaitTimeout  time.Duration
}

// Options configures a Session.
type Options struct {
	ID                     string
	Pipelines              []Pipeline
	Dispatcher             Dispatcher
	LinkSyncer             LinkSyncer
	Logger                 *slog.Logger
	RequestQueueDepth      int
	BatchSize              int
	MaxLivePendingRequests int
	MaxOutputBuffers       int
	PoolMultiplier         int
	MetaBufferMultiplier   int
	Tunables               Tunables
	// OnStateChange is called after every session state transition.
	OnStateChange func(old, state State)
	// OnStreamStatusChange is called when a pipeline's stream status moves.
	// It runs under the sync controller lock and must not call back into the
	// session.
	OnStreamStatusChange func(pipeline int, old, status StreamStatus)
}

func (o *Options) applyDefaults() {
	if o.RequestQueueDepth <= 0 {
		o.RequestQueueDepth = DefaultRequestQueueDepth
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.MaxLivePendingRequests <= 0 {
		o.MaxLivePendingRequests = o.RequestQueueDepth * o.BatchSize
	}
	if o.MaxOutputBuffers <= 0 {
		o.MaxOutputBuffers = DefaultMaxOutputBuffers
	}
	if o.PoolMultiplier <= 0 {
		o.PoolMultiplier = DefaultPoolMultiplier
	}
	if o.MetaBufferMultiplier <= 0 {
		o.MetaBufferMultiplier = DefaultMetaBufferQueueMultiplier
	}
	if o.Tunables.FlushWait <= 0 {
		o.Tunables.FlushWait = DefaultFlushWait
	}
	if o.Tunables.FlushFallbackWait <= 0 {
		o.Tunables.FlushFallbackWait = DefaultFlushFallbackWait
	}
	if o.Tunables.FenceWaitTimeout <= 0 {
		o.Tunables.FenceWaitTimeout = DefaultFenceWaitTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
}

type pipelineStats struct {
	sofCount     uint64
	lastSOF      SequenceID
	lastSOFStamp uint64
	exposure     time.Duration
	requests     uint64
	batchIndex   int
	requestID    uint64
}

// Session is a single capture session over a fixed set of pipelines.
type Session struct {
	id         string
	opts       Options
	tunables   atomic.Pointer[Tunables]
	logger     *slog.Logger
	pipelines  []Pipeline
	metaInfo   []MetadataInfo
	releasers  []MetaBufferReleaser
	dispatcher Dispatcher

	state      atomic.Int32
	flushing   []atomic.Bool
	flushMu    sync.Mutex
	flushGroup singleflight.Group

	submitMu sync.Mutex
	nextSeq  SequenceID

	admission *admission
	queue     *requestQueue

	dispatchMu      sync.Mutex
	dispatchPending atomic.Bool
	resultMu        sync.Mutex
	table           *holderTable
	frameNumbers    []uint64

	notifyPool  *slotPool[NotifyMessage]
	partialPool *slotPool[PartialResult]
	bufferPool  *slotPool[BufferResult]

	metaDone *metaBufferDoneQueue
	sync     *syncController

	statsMu sync.Mutex
	stats   []pipelineStats
	timings []requestTiming
	timingN int

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a session over opts.Pipelines, attaches itself as every
// pipeline's result sink and starts the submission worker.
func New(opts *Options) (*Session, error) {
	if opts == nil {
		return nil, errors.New("session options required")
	}
	o := *opts
	o.applyDefaults()
	if len(o.Pipelines) == 0 {
		return nil, errors.New("at least one pipeline required")
	}
	if o.Dispatcher == nil {
		return nil, errors.New("dispatcher required")
	}

	n := len(o.Pipelines)
	depth := o.RequestQueueDepth
	for _, p := range o.Pipelines {
		// A request cannot outlive the pipeline's per-frame metadata pool.
		if d := p.PerFramePoolDepth(); d > 0 && d < o.MaxLivePendingRequests {
			o.Logger.Warn("Clamping live pending budget to pipeline pool depth",
				"pipeline", p.Name(), "pool_depth", d, "requested", o.MaxLivePendingRequests)
			o.MaxLivePendingRequests = d
		}
	}
	poolSize := depth * o.PoolMultiplier

	s := &Session{
		id:           o.ID,
		opts:         o,
		logger:       o.Logger.With("session_id", o.ID),
		pipelines:    o.Pipelines,
		metaInfo:     make([]MetadataInfo, n),
		releasers:    make([]MetaBufferReleaser, n),
		dispatcher:   o.Dispatcher,
		flushing:     make([]atomic.Bool, n),
		admission:    newAdmission(o.MaxLivePendingRequests, n),
		queue:        newRequestQueue(),
		table:        newHolderTable(),
		frameNumbers: make([]uint64, depth*o.MetaBufferMultiplier),
		notifyPool:   newSlotPool[NotifyMessage](poolSize),
		partialPool:  newSlotPool[PartialResult](poolSize),
		bufferPool:   newSlotPool[BufferResult](poolSize * o.MaxOutputBuffers),
		stats:        make([]pipelineStats, n),
		timings:      make([]requestTiming, maxTimingRecords),
		done:         make(chan struct{}),
	}
	tun := o.Tunables
	s.tunables.Store(&tun)

	realTime := make([]bool, n)
	for i, p := range o.Pipelines {
		realTime[i] = p.IsRealTime()
		s.metaInfo[i] = p.QueryMetadataInfo()
		if r, ok := p.(MetaBufferReleaser); ok {
			s.releasers[i] = r
		}
		s.stats[i].requestID = 1
	}
	s.metaDone = newMetaBufferDoneQueue(n, depth*o.MetaBufferMultiplier, s.logger)
	s.sync = newSyncController(realTime, o.LinkSyncer, s.logger)
	s.sync.onChange = func(p int, old, status StreamStatus) {
		metrics.SetPipelineStreamStatus(s.pipelines[p].Name(), int(status))
		s.logger.Debug("Stream status changed", "pipeline", p, "from", old, "to", status)
		if o.OnStreamStatusChange != nil {
			o.OnStreamStatusChange(p, old, status)
		}
	}

	for i, p := range o.Pipelines {
		p.Attach(i, s)
	}

	metrics.SetSessionState(s.id, StateActive.String())
	metrics.SetLivePending(s.id, 0)

	s.wg.Add(1)
	go s.runWorker()

	s.logger.Info("Session created",
		"pipelines", n,
		"queue_depth", depth,
		"max_live_pending", o.MaxLivePendingRequests,
		"batch_size", o.BatchSize)
	return s, nil
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// NumPipelines returns the number of pipelines in the session.
func (s *Session) NumPipelines() int {
	return len(s.pipelines)
}

// Tunables returns the current timing knobs.
func (s *Session) Tunables() Tunables {
	return *s.tunables.Load()
}

// UpdateTunables replaces the timing knobs. Zero fields keep their value.
func (s *Session) UpdateTunables(t Tunables) {
	cur := s.Tunables()
	if t.FlushWait > 0 {
		cur.FlushWait = t.FlushWait
	}
	if t.FlushFallbackWait > 0 {
		cur.FlushFallbackWait = t.FlushFallbackWait
	}
	if t.FenceWaitTimeout > 0 {
		cur.FenceWaitTimeout = t.FenceWaitTimeout
	}
	s.tunables.Store(&cur)
	s.logger.Info("Session tunables updated",
		"flush_wait", cur.FlushWait,
		"flush_fallback_wait", cur.FlushFallbackWait,
		"fence_wait_timeout", cur.FenceWaitTimeout)
}

// StreamOn starts streaming on a pipeline and attempts link sync with any
// other streaming real-time pipeline.
func (s *Session) StreamOn(ctx context.Context, pipeline int) error {
	if err := s.checkPipeline(pipeline); err != nil {
		return err
	}
	if State(s.state.Load()) == StateDeviceError {
		return newError(CodeDeviceError, "stream on rejected", ErrDeviceError)
	}
	p := s.pipelines[pipeline]
	if err := p.StreamOn(ctx); err != nil {
		return newError(CodePipelineError, fmt.Sprintf("stream on %s", p.Name()), err)
	}
	status, _, _ := s.sync.snapshot(pipeline)
	if status == NotStreaming {
		_ = s.sync.setStatus(pipeline, NonSyncStreaming)
	}
	if p.IsRealTime() {
		_, _ = s.sync.checkAndSyncLinks(ctx)
	}
	s.logger.Info("Pipeline streaming", "pipeline", p.Name())
	return nil
}

// StreamOff stops streaming on a pipeline. A synchronized partner drops
// back to unsynchronized streaming.
func (s *Session) StreamOff(ctx context.Context, pipeline int, mode StreamOffMode) error {
	if err := s.checkPipeline(pipeline); err != nil {
		return err
	}
	p := s.pipelines[pipeline]
	if err := p.StreamOff(ctx, mode); err != nil {
		return newError(CodePipelineError, fmt.Sprintf("stream off %s", p.Name()), err)
	}
	_ = s.sync.setStatus(pipeline, NotStreaming)
	s.logger.Info("Pipeline stopped streaming", "pipeline", p.Name(), "mode", mode)
	return nil
}

// SetSyncStreamStatus moves a pipeline between streaming states. Entering
// SyncStreaming requires an established link.
func (s *Session) SetSyncStreamStatus(pipeline int, status StreamStatus) error {
	if err := s.checkPipeline(pipeline); err != nil {
		return err
	}
	return s.sync.setStatus(pipeline, status)
}

// CheckAndSyncLinks attempts hardware link sync between two streaming
// real-time pipelines.
func (s *Session) CheckAndSyncLinks(ctx context.Context) (SyncOutcome, error) {
	return s.sync.checkAndSyncLinks(ctx)
}

// SetAELockRange sets the AE lock range used by a synchronized pipeline.
func (s *Session) SetAELockRange(pipeline int, r AELockRange) error {
	if err := s.checkPipeline(pipeline); err != nil {
		return err
	}
	return s.sync.setAELockRange(pipeline, r)
}

// Close flushes the session, stops the worker and rejects further work.
func (s *Session) Close(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		err = s.Flush(ctx, nil)
		s.setState(StateClosed)
		s.admission.broadcast()
		close(s.done)
		s.wg.Wait()
		for _, p := range s.pipelines {
			metrics.DeletePipelineMetrics(p.Name())
		}
		metrics.DeleteSessionMetrics(s.id)
		s.logger.Info("Session closed")
	})
	return err
}

func (s *Session) checkPipeline(pipeline int) error {
	if pipeline < 0 || pipeline >= len(s.pipelines) {
		return newError(CodeInvalidRequest, fmt.Sprintf("pipeline %d", pipeline), ErrUnknownPipeline)
	}
	return nil
}

func (s *Session) frameNumber(seq SequenceID) uint64 {
	return s.frameNumbers[int(seq)%len(s.frameNumbers)]
}

func (s *Session) recordTiming(t requestTiming) {
	s.statsMu.Lock()
	s.timings[s.timingN%len(s.timings)] = t
	s.timingN++
	s.statsMu.Unlock()
}
