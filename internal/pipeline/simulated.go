// Package pipeline provides a simulated camera processing pipeline that
// completes session requests asynchronously.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smazurov/camsession/internal/logging"
	"github.com/smazurov/camsession/internal/session"
)

// Errors returned by ProcessRequest and the stream controls.
var (
	ErrStopped       = errors.New("pipeline stopped")
	ErrQueueFull     = errors.New("pipeline queue full")
	ErrPoolExhausted = errors.New("per-frame metadata pool exhausted")
)

const (
	defaultQueueSize    = 64
	defaultExposureTime = 10 * time.Millisecond
)

// job is one sub-request owned by the simulator until it completes or is
// flushed.
type job struct {
	req    session.SubRequest
	timer  *time.Timer
	parked bool
}

// Simulated is a session.Pipeline whose completions arrive from timers after
// a configurable latency. Jitter lets later requests finish first.
type Simulated struct {
	opts   Options
	logger logging.Logger
	info   session.MetadataInfo

	index int
	sink  session.ResultSink

	queue  chan *job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     State
	hung      bool
	failFlush error
	inflight  map[session.SequenceID]*job
	slots     map[uint64]int
	rng       *rand.Rand

	completed atomic.Uint64
	injected  atomic.Uint64
	flushed   atomic.Uint64
	startedAt time.Time
}

// NewSimulated creates a simulated pipeline and starts its worker.
func NewSimulated(opts *Options) (*Simulated, error) {
	if opts.Name == "" {
		return nil, errors.New("pipeline name is required")
	}
	if opts.ErrorRate < 0 || opts.ErrorRate > 1 {
		return nil, fmt.Errorf("pipeline %s: error rate %v outside [0,1]", opts.Name, opts.ErrorRate)
	}
	if len(opts.OutputStreams) == 0 {
		return nil, fmt.Errorf("pipeline %s: at least one output stream is required", opts.Name)
	}

	o := *opts
	if o.QueueSize <= 0 {
		o.QueueSize = defaultQueueSize
	}
	if o.ExposureTime <= 0 {
		o.ExposureTime = defaultExposureTime
	}
	logger := o.Logger
	if logger == nil {
		logger = logging.GetLogger("pipeline").With("pipeline", o.Name)
	}
	seed := o.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Simulated{
		opts:   o,
		logger: logger,
		info: session.MetadataInfo{
			OutputStreams:     o.OutputStreams,
			InputStreams:      o.InputStreams,
			BypassStreams:     o.BypassStreams,
			TentativeMetadata: o.TentativeMetadata,
			PartialMetadata:   o.PartialMetadata,
			EarlyMetadata:     o.EarlyMetadata,
		},
		index:     -1,
		queue:     make(chan *job, o.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		inflight:  make(map[session.SequenceID]*job),
		slots:     make(map[uint64]int),
		rng:       rand.New(rand.NewPCG(seed, seed>>1|1)),
		startedAt: time.Now(),
	}

	p.wg.Add(1)
	go p.run()
	return p, nil
}

// Name returns the pipeline name.
func (p *Simulated) Name() string { return p.opts.Name }

// IsRealTime reports whether the pipeline is sensor driven.
func (p *Simulated) IsRealTime() bool { return p.opts.RealTime }

// QueryMetadataInfo describes the streams and metadata the pipeline produces.
func (p *Simulated) QueryMetadataInfo() session.MetadataInfo { return p.info }

// PerFramePoolDepth returns the size of the per-frame metadata pool.
func (p *Simulated) PerFramePoolDepth() int { return p.opts.PerFramePoolDepth }

// Attach records the session index and completion sink.
func (p *Simulated) Attach(index int, sink session.ResultSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index = index
	p.sink = sink
}

// ProcessRequest queues req for asynchronous completion. The first request
// streams the pipeline on.
func (p *Simulated) ProcessRequest(req *session.SubRequest) error {
	p.mu.Lock()
	switch p.state {
	case StateStopped:
		p.mu.Unlock()
		return ErrStopped
	case StateIdle:
		p.setStateLocked(StateStreaming)
	}

	if p.opts.PerFramePoolDepth > 0 {
		if _, held := p.slots[req.RequestID]; !held && len(p.slots) >= p.opts.PerFramePoolDepth {
			p.mu.Unlock()
			return fmt.Errorf("%w: %d slots in use", ErrPoolExhausted, len(p.slots))
		}
	}

	j := &job{req: *req}
	select {
	case p.queue <- j:
	default:
		p.mu.Unlock()
		return ErrQueueFull
	}
	if p.opts.PerFramePoolDepth > 0 {
		p.slots[req.RequestID]++
	}
	p.inflight[req.Sequence] = j
	p.mu.Unlock()

	p.logger.Debug("Request queued",
		"sequence", req.Sequence,
		"request_id", req.RequestID,
		"frame_number", req.FrameNumber,
		"sync", req.Sync)
	return nil
}

// ReleaseMetaBuffers returns per-frame metadata slots to the pool. Unknown
// ids are ignored.
func (p *Simulated) ReleaseMetaBuffers(requestIDs []uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range requestIDs {
		n, ok := p.slots[id]
		if !ok {
			continue
		}
		if n <= 1 {
			delete(p.slots, id)
		} else {
			p.slots[id] = n - 1
		}
	}
}

// StreamOn starts streaming.
func (p *Simulated) StreamOn(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case StateStopped:
		return ErrStopped
	case StateIdle:
		p.setStateLocked(StateStreaming)
	}
	return ctx.Err()
}

// StreamOff stops streaming. Immediate mode drops in-flight work as request
// errors; the default mode lets it finish.
func (p *Simulated) StreamOff(ctx context.Context, mode session.StreamOffMode) error {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return ErrStopped
	}
	var dropped []*job
	if mode == session.StreamOffImmediate {
		dropped = p.takeInflightLocked()
	}
	if !p.hung {
		p.setStateLocked(StateIdle)
	}
	p.mu.Unlock()

	p.failJobs(dropped)
	return ctx.Err()
}

// Flush completes every in-flight request as a request error. A hung
// pipeline ignores the flush.
func (p *Simulated) Flush(ctx context.Context) error {
	p.mu.Lock()
	if err := p.failFlush; err != nil {
		p.mu.Unlock()
		return err
	}
	if p.hung {
		p.mu.Unlock()
		p.logger.Warn("Flush ignored while hung")
		return nil
	}
	prev := p.state
	p.setStateLocked(StateFlushing)
	dropped := p.takeInflightLocked()
	p.mu.Unlock()

	p.failJobs(dropped)
	p.flushed.Add(uint64(len(dropped)))

	p.mu.Lock()
	if p.state == StateFlushing {
		p.setStateLocked(prev)
	}
	p.mu.Unlock()

	p.logger.Info("Pipeline flushed", "dropped", len(dropped))
	return ctx.Err()
}

// Hang stops completions. Requests keep being accepted and are parked until
// Resume.
func (p *Simulated) Hang() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hung || p.state == StateStopped {
		return
	}
	p.hung = true
	p.setStateLocked(StateHung)
}

// Resume restarts completions, including requests parked while hung.
func (p *Simulated) Resume() {
	p.mu.Lock()
	if !p.hung {
		p.mu.Unlock()
		return
	}
	p.hung = false
	p.setStateLocked(StateStreaming)
	var parked []*job
	for _, j := range p.inflight {
		if j.parked {
			j.parked = false
			parked = append(parked, j)
		}
	}
	p.mu.Unlock()

	for _, j := range parked {
		p.complete(j)
	}
}

// FailFlush makes every later Flush return err. A nil err restores normal
// flushing.
func (p *Simulated) FailFlush(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failFlush = err
}

// InjectDeviceError reports an unrecoverable device failure to the session.
func (p *Simulated) InjectDeviceError() {
	p.logger.Warn("Injecting device error")
	p.emit(session.ErrorPayload{Code: session.ErrorCodeDevice})
}

// Async sends an informational message not tied to any request.
func (p *Simulated) Async(seq session.SequenceID, message string) {
	p.emit(session.AsyncPayload{Sequence: seq, Timestamp: p.timestamp(), Message: message})
}

// Close stops the worker and pending timers. In-flight requests are
// abandoned.
func (p *Simulated) Close() {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	p.setStateLocked(StateStopped)
	for seq, j := range p.inflight {
		if j.timer != nil && j.timer.Stop() {
			p.wg.Done()
		}
		delete(p.inflight, seq)
	}
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()
}

// Info returns a snapshot of the pipeline.
func (p *Simulated) Info() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Info{
		Name:            p.opts.Name,
		Index:           p.index,
		State:           p.state,
		RealTime:        p.opts.RealTime,
		Queued:          len(p.queue),
		InFlight:        len(p.inflight),
		MetaSlotsInUse:  len(p.slots),
		Completed:       p.completed.Load(),
		InjectedErrors:  p.injected.Load(),
		FlushedRequests: p.flushed.Load(),
		StartedAt:       p.startedAt,
	}
}

// run picks queued requests, reports start of frame and early metadata, and
// schedules completion.
func (p *Simulated) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case j := <-p.queue:
			p.start(j)
		}
	}
}

func (p *Simulated) start(j *job) {
	p.mu.Lock()
	if _, ok := p.inflight[j.req.Sequence]; !ok {
		// Flushed before the worker got to it.
		p.mu.Unlock()
		return
	}
	delay := p.delayLocked()
	p.wg.Add(1)
	j.timer = time.AfterFunc(delay, func() {
		defer p.wg.Done()
		p.complete(j)
	})
	p.mu.Unlock()

	seq := j.req.Sequence
	if p.opts.RealTime {
		p.emit(session.SOFPayload{Sequence: seq, Timestamp: p.timestamp(), ExposureTime: p.exposure(&j.req)})
	}
	if p.opts.EarlyMetadata {
		p.emit(session.PartialMetadataPayload{
			Sequence: seq,
			Metadata: session.Metadata{"request_id": j.req.RequestID, "stage": "early"},
			Early:    true,
		})
	}
}

func (p *Simulated) delayLocked() time.Duration {
	d := p.opts.Latency
	if p.opts.Jitter > 0 {
		d += time.Duration(p.rng.Int64N(int64(p.opts.Jitter) + 1))
	}
	return d
}

// fault picks the component to fail for one request, if any.
type fault int

const (
	faultNone fault = iota
	faultMetadata
	faultBuffer
)

func (p *Simulated) rollFaultLocked(outputs int) fault {
	if p.opts.ErrorRate == 0 || p.rng.Float64() >= p.opts.ErrorRate {
		return faultNone
	}
	if outputs > 0 && p.rng.IntN(2) == 0 {
		return faultBuffer
	}
	return faultMetadata
}

func (p *Simulated) complete(j *job) {
	p.mu.Lock()
	if _, ok := p.inflight[j.req.Sequence]; !ok {
		p.mu.Unlock()
		return
	}
	if p.hung {
		j.parked = true
		p.mu.Unlock()
		return
	}
	delete(p.inflight, j.req.Sequence)
	f := p.rollFaultLocked(len(j.req.OutputBuffers))
	p.mu.Unlock()

	req := &j.req
	seq := req.Sequence
	if f != faultNone {
		p.injected.Add(1)
	}

	if p.opts.PartialMetadata {
		p.emit(session.PartialMetadataPayload{
			Sequence: seq,
			Metadata: session.Metadata{"request_id": req.RequestID, "stage": "partial"},
		})
	}

	switch {
	case f == faultMetadata:
		p.emit(session.ErrorPayload{Sequence: seq, Code: session.ErrorCodeResult})
	case !p.opts.TentativeMetadata:
		p.emit(session.MetadataPayload{Sequence: seq, Metadata: p.resultMetadata(req)})
	}

	// Metadata slot is released before buffers return.
	if p.opts.PerFramePoolDepth > 0 {
		p.emit(session.MetaBufferDonePayload{Sequence: seq})
	}

	for i, b := range req.OutputBuffers {
		if f == faultBuffer && i == 0 {
			p.emit(session.ErrorPayload{Sequence: seq, Code: session.ErrorCodeBuffer, Stream: b.Stream})
			continue
		}
		b.AcquireFence = nil
		p.emit(session.BufferPayload{Sequence: seq, Buffer: b})
	}

	p.completed.Add(1)
	p.logger.Debug("Request completed", "sequence", seq, "fault", f != faultNone)
}

func (p *Simulated) resultMetadata(req *session.SubRequest) session.Metadata {
	md := req.Settings.Clone()
	if md == nil {
		md = session.Metadata{}
	}
	md["pipeline"] = p.opts.Name
	md["request_id"] = req.RequestID
	md["batch_index"] = req.BatchIndex
	md["sensor_timestamp"] = p.timestamp()
	if req.Sync {
		md["sync_tag"] = req.SyncTag
		if req.AELock != nil {
			md["ae_locked"] = req.RequestID >= req.AELock.Start && req.RequestID <= req.AELock.Stop
		}
	}
	return md
}

// takeInflightLocked removes every in-flight job and stops its timer.
func (p *Simulated) takeInflightLocked() []*job {
	out := make([]*job, 0, len(p.inflight))
	for seq, j := range p.inflight {
		if j.timer != nil && j.timer.Stop() {
			p.wg.Done()
		}
		out = append(out, j)
		delete(p.inflight, seq)
	}
	return out
}

// failJobs reports dropped requests as request errors and hands back their
// metadata slots.
func (p *Simulated) failJobs(jobs []*job) {
	for _, j := range jobs {
		p.emit(session.ErrorPayload{Sequence: j.req.Sequence, Code: session.ErrorCodeRequest})
		if p.opts.PerFramePoolDepth > 0 {
			p.emit(session.MetaBufferDonePayload{Sequence: j.req.Sequence})
		}
	}
}

func (p *Simulated) emit(payload session.Payload) {
	p.mu.Lock()
	sink, index := p.sink, p.index
	p.mu.Unlock()
	if sink == nil {
		return
	}
	sink.NotifyResult(session.Result{Pipeline: index, Payload: payload})
}

// exposure honours an "exposure_time" request setting, as a sensor applies
// its AE output.
func (p *Simulated) exposure(req *session.SubRequest) time.Duration {
	if d, ok := req.Settings["exposure_time"].(time.Duration); ok && d > 0 {
		return d
	}
	return p.opts.ExposureTime
}

func (p *Simulated) timestamp() uint64 {
	return uint64(time.Since(p.startedAt))
}

func (p *Simulated) setStateLocked(state State) {
	old := p.state
	if old == state {
		return
	}
	p.state = state
	p.logger.Info("Pipeline state changed", "old_state", old, "new_state", state)
	if cb := p.opts.OnStateChange; cb != nil {
		go cb(p.opts.Name, old, state)
	}
}

var _ session.Pipeline = (*Simulated)(nil)
var _ session.MetaBufferReleaser = (*Simulated)(nil)
