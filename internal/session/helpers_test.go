package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePipeline records sub-requests; tests drive completions through sink.
type fakePipeline struct {
	name      string
	realTime  bool
	info      MetadataInfo
	poolDepth int

	mu         sync.Mutex
	index      int
	sink       ResultSink
	requests   []*SubRequest
	received   chan *SubRequest
	processErr error
	gate       chan struct{}
	flushes    int
	streaming  bool
	released   []uint64
}

func newFakePipeline(name string, realTime bool) *fakePipeline {
	return &fakePipeline{
		name:     name,
		realTime: realTime,
		info: MetadataInfo{
			OutputStreams: []StreamID{"preview", "video"},
			InputStreams:  []StreamID{"reprocess"},
			BypassStreams: []StreamID{"video"},
		},
		received: make(chan *SubRequest, 64),
	}
}

func (p *fakePipeline) Name() string     { return p.name }
func (p *fakePipeline) IsRealTime() bool { return p.realTime }

func (p *fakePipeline) Attach(index int, sink ResultSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.index = index
	p.sink = sink
}

func (p *fakePipeline) ProcessRequest(req *SubRequest) error {
	p.mu.Lock()
	err := p.processErr
	gate := p.gate
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if err != nil {
		return err
	}
	select {
	case p.received <- req:
	default:
	}
	if gate != nil {
		<-gate
	}
	return nil
}

func (p *fakePipeline) requestCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

func (p *fakePipeline) StreamOn(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streaming = true
	return nil
}

func (p *fakePipeline) StreamOff(context.Context, StreamOffMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streaming = false
	return nil
}

func (p *fakePipeline) Flush(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return nil
}

func (p *fakePipeline) QueryMetadataInfo() MetadataInfo { return p.info }
func (p *fakePipeline) PerFramePoolDepth() int          { return p.poolDepth }

func (p *fakePipeline) notify(payload Payload) {
	p.mu.Lock()
	sink, index := p.sink, p.index
	p.mu.Unlock()
	sink.NotifyResult(Result{Pipeline: index, Payload: payload})
}

// complete delivers metadata and every requested buffer for seq.
func (p *fakePipeline) complete(seq SequenceID, streams ...StreamID) {
	p.notify(MetadataPayload{Sequence: seq, Metadata: Metadata{"seq": seq}})
	for i, s := range streams {
		p.notify(BufferPayload{Sequence: seq, Buffer: StreamBuffer{Stream: s, Handle: uint64(1000 + i)}})
	}
}

func (p *fakePipeline) waitRequest(t *testing.T) *SubRequest {
	t.Helper()
	select {
	case r := <-p.received:
		return r
	case <-time.After(2 * time.Second):
		t.Fatalf("pipeline %s: timeout waiting for request", p.name)
		return nil
	}
}

func (p *fakePipeline) flushCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.flushes
}

// releasingPipeline also recycles per-frame metadata slots.
type releasingPipeline struct {
	*fakePipeline
}

func (p releasingPipeline) ReleaseMetaBuffers(ids []uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, ids...)
}

func (p releasingPipeline) releasedIDs() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]uint64(nil), p.released...)
}

// recordingDispatcher copies everything it is handed.
type recordingDispatcher struct {
	mu       sync.Mutex
	results  []CaptureResult
	notifies []NotifyMessage
	partials []PartialResult
	batches  int
}

func (d *recordingDispatcher) DispatchResults(results []CaptureResult) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.batches++
	for _, r := range results {
		r.OutputBuffers = append([]BufferResult(nil), r.OutputBuffers...)
		d.results = append(d.results, r)
	}
	return nil
}

func (d *recordingDispatcher) DispatchNotify(msg *NotifyMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notifies = append(d.notifies, *msg)
	return nil
}

func (d *recordingDispatcher) DispatchPartialMetadata(r *PartialResult) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.partials = append(d.partials, *r)
	return nil
}

func (d *recordingDispatcher) resultList() []CaptureResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]CaptureResult(nil), d.results...)
}

func (d *recordingDispatcher) notifyList() []NotifyMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]NotifyMessage(nil), d.notifies...)
}

func (d *recordingDispatcher) partialList() []PartialResult {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]PartialResult(nil), d.partials...)
}

func (d *recordingDispatcher) frameNumbers() []uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]uint64, len(d.results))
	for i, r := range d.results {
		out[i] = r.FrameNumber
	}
	return out
}

type fakeLinkSyncer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeLinkSyncer) SyncLinks(_ context.Context, a, b int) (LinkHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	return LinkHandle(100 + a*10 + b), nil
}

// testFence signals once Signal is called.
type testFence struct {
	done chan struct{}
	err  error
}

func newTestFence() *testFence {
	return &testFence{done: make(chan struct{})}
}

func (f *testFence) Signal(err error) {
	f.err = err
	close(f.done)
}

func (f *testFence) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

var errFenceBroken = errors.New("fence broken")

type testSession struct {
	*Session
	pipelines []*fakePipeline
	disp      *recordingDispatcher
}

func newTestSession(t *testing.T, opts Options, pipelines ...*fakePipeline) *testSession {
	t.Helper()
	if len(pipelines) == 0 {
		pipelines = []*fakePipeline{newFakePipeline("p0", true)}
	}
	disp := &recordingDispatcher{}
	opts.Dispatcher = disp
	opts.Logger = testLogger()
	if len(opts.Pipelines) == 0 {
		for _, p := range pipelines {
			opts.Pipelines = append(opts.Pipelines, p)
		}
	}
	if opts.Tunables.FlushWait == 0 {
		opts.Tunables.FlushWait = 50 * time.Millisecond
	}
	if opts.Tunables.FlushFallbackWait == 0 {
		opts.Tunables.FlushFallbackWait = 50 * time.Millisecond
	}
	s, err := New(&opts)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return &testSession{Session: s, pipelines: pipelines, disp: disp}
}

func previewRequest(frame uint64, pipelines ...int) *CaptureRequest {
	if len(pipelines) == 0 {
		pipelines = []int{0}
	}
	req := &CaptureRequest{FrameNumber: frame}
	for _, p := range pipelines {
		req.Requests = append(req.Requests, PipelineRequest{
			Pipeline:      p,
			Settings:      Metadata{"frame": frame},
			OutputBuffers: []StreamBuffer{{Stream: "preview", Handle: frame + 1}},
		})
	}
	return req
}

func mustSubmit(t *testing.T, s *testSession, req *CaptureRequest) {
	t.Helper()
	if err := s.ProcessCaptureRequest(context.Background(), req); err != nil {
		t.Fatalf("ProcessCaptureRequest(frame %d) failed: %v", req.FrameNumber, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
