package session

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestOutOfOrderCompletionDispatchesInOrder(t *testing.T) {
	s := newTestSession(t, Options{})
	p := s.pipelines[0]

	mustSubmit(t, s, previewRequest(5))
	mustSubmit(t, s, previewRequest(6))

	p.complete(1, "preview")
	if got := s.disp.resultList(); len(got) != 0 {
		t.Fatalf("expected no dispatch before frame 5 completes, got %d results", len(got))
	}

	p.complete(0, "preview")
	if got := s.disp.frameNumbers(); !slices.Equal(got, []uint64{5, 6}) {
		t.Fatalf("dispatch order = %v, want [5 6]", got)
	}
	for _, r := range s.disp.resultList() {
		if r.Failed() {
			t.Errorf("frame %d unexpectedly failed: %+v", r.FrameNumber, r)
		}
	}
	if n := len(s.Snapshot().Holders); n != 0 {
		t.Errorf("holders after dispatch = %d, want 0", n)
	}
}

func TestMultiPipelineGroupDispatchedTogether(t *testing.T) {
	p0 := newFakePipeline("p0", false)
	p1 := newFakePipeline("p1", false)
	s := newTestSession(t, Options{}, p0, p1)

	mustSubmit(t, s, previewRequest(10, 0, 1))

	p0.complete(0, "preview")
	if n := len(s.disp.resultList()); n != 0 {
		t.Fatalf("expected group to wait for pipeline 1, got %d results", n)
	}
	p1.complete(1, "preview")

	results := s.disp.resultList()
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].Sequence != 0 || results[1].Sequence != 1 {
		t.Errorf("sequences = %d,%d want 0,1", results[0].Sequence, results[1].Sequence)
	}
	if s.disp.batches != 1 {
		t.Errorf("dispatch batches = %d, want 1", s.disp.batches)
	}
}

func TestNoDoubleDispatch(t *testing.T) {
	s := newTestSession(t, Options{})
	p := s.pipelines[0]

	mustSubmit(t, s, previewRequest(1))
	p.complete(0, "preview")

	// Late and duplicate completions for a dispatched sequence are dropped.
	p.complete(0, "preview")
	p.notify(ErrorPayload{Sequence: 0, Code: ErrorCodeBuffer, Stream: "preview"})
	p.notify(PartialMetadataPayload{Sequence: 0, Metadata: Metadata{"late": true}})

	if n := len(s.disp.resultList()); n != 1 {
		t.Errorf("results = %d, want 1", n)
	}
	if n := len(s.disp.partialList()); n != 0 {
		t.Errorf("partials = %d, want 0", n)
	}
	if n := len(s.disp.notifyList()); n != 0 {
		t.Errorf("notifies = %d, want 0", n)
	}
}

func TestSyncedRequestCarriesAELockRange(t *testing.T) {
	p0 := newFakePipeline("rt0", true)
	p1 := newFakePipeline("rt1", true)
	syncer := &fakeLinkSyncer{}
	s := newTestSession(t, Options{LinkSyncer: syncer}, p0, p1)

	ctx := context.Background()
	if err := s.StreamOn(ctx, 0); err != nil {
		t.Fatalf("StreamOn(0) failed: %v", err)
	}
	if err := s.StreamOn(ctx, 1); err != nil {
		t.Fatalf("StreamOn(1) failed: %v", err)
	}

	st := s.Snapshot()
	for _, ps := range st.Pipelines {
		if ps.StreamStatus != SyncStreaming.String() {
			t.Fatalf("pipeline %d status = %s, want %s", ps.Index, ps.StreamStatus, SyncStreaming)
		}
	}

	req := previewRequest(42, 0, 1)
	req.AELock = &AELockRange{Start: 100, Stop: 105}
	mustSubmit(t, s, req)

	r0 := p0.waitRequest(t)
	r1 := p1.waitRequest(t)

	if !r0.Sync || !r1.Sync {
		t.Errorf("sync flags = %v,%v want true,true", r0.Sync, r1.Sync)
	}
	want := AELockRange{Start: 100, Stop: 105}
	if r0.AELock == nil || r1.AELock == nil || *r0.AELock != want || *r1.AELock != want {
		t.Errorf("AE lock = %v,%v want %v on both", r0.AELock, r1.AELock, want)
	}
	if r1.Sequence != r0.Sequence+1 {
		t.Errorf("sequences %d,%d are not consecutive", r0.Sequence, r1.Sequence)
	}
	if r0.SyncTag != r1.SyncTag {
		t.Errorf("sync tags differ: %d vs %d", r0.SyncTag, r1.SyncTag)
	}
}

func TestStreamOffBreaksSync(t *testing.T) {
	p0 := newFakePipeline("rt0", true)
	p1 := newFakePipeline("rt1", true)
	s := newTestSession(t, Options{LinkSyncer: &fakeLinkSyncer{}}, p0, p1)

	ctx := context.Background()
	_ = s.StreamOn(ctx, 0)
	_ = s.StreamOn(ctx, 1)
	if err := s.SetAELockRange(0, AELockRange{Start: 1, Stop: 2}); err != nil {
		t.Fatalf("SetAELockRange failed: %v", err)
	}

	if err := s.StreamOff(ctx, 0, StreamOffDefault); err != nil {
		t.Fatalf("StreamOff failed: %v", err)
	}

	st := s.Snapshot()
	if st.Pipelines[0].StreamStatus != NotStreaming.String() {
		t.Errorf("pipeline 0 status = %s, want %s", st.Pipelines[0].StreamStatus, NotStreaming)
	}
	if st.Pipelines[1].StreamStatus != NonSyncStreaming.String() {
		t.Errorf("pipeline 1 status = %s, want %s", st.Pipelines[1].StreamStatus, NonSyncStreaming)
	}
	if st.Pipelines[0].AELock != nil {
		t.Errorf("AE lock range survived leaving sync: %v", st.Pipelines[0].AELock)
	}

	mustSubmit(t, s, previewRequest(1, 0, 1))
	if r := p1.waitRequest(t); r.Sync {
		t.Error("request after stream off should not be synchronized")
	}
}

func TestLinkSyncFailureLeavesUnsynchronized(t *testing.T) {
	p0 := newFakePipeline("rt0", true)
	p1 := newFakePipeline("rt1", true)
	syncer := &fakeLinkSyncer{err: errors.New("link busy")}
	s := newTestSession(t, Options{LinkSyncer: syncer}, p0, p1)

	ctx := context.Background()
	_ = s.StreamOn(ctx, 0)
	_ = s.StreamOn(ctx, 1)

	mustSubmit(t, s, previewRequest(1, 0, 1))
	if r := p0.waitRequest(t); r.Sync {
		t.Error("expected unsynchronized request after link failure")
	}
	if err := s.SetSyncStreamStatus(0, SyncStreaming); !errors.Is(err, ErrNotSynced) {
		t.Errorf("SetSyncStreamStatus without link = %v, want ErrNotSynced", err)
	}
}

func TestDeviceErrorCancelsOutstandingInOrder(t *testing.T) {
	s := newTestSession(t, Options{})
	p := s.pipelines[0]

	for frame := uint64(1); frame <= 3; frame++ {
		mustSubmit(t, s, previewRequest(frame))
	}

	s.SignalDeviceError(errors.New("sensor lost"))
	if err := s.Flush(context.Background(), nil); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	waitFor(t, "device error results", func() bool { return len(s.disp.resultList()) == 3 })

	results := s.disp.resultList()
	for i, r := range results {
		if r.FrameNumber != uint64(i+1) {
			t.Errorf("result %d frame = %d, want %d", i, r.FrameNumber, i+1)
		}
		if r.Error != ErrorCodeDevice {
			t.Errorf("frame %d error = %v, want device", r.FrameNumber, r.Error)
		}
	}
	if n := len(s.Snapshot().Holders); n != 0 {
		t.Errorf("holders = %d, want 0", n)
	}
	if s.State() != StateDeviceError {
		t.Errorf("state = %s, want device_error", s.State())
	}

	err := s.ProcessCaptureRequest(context.Background(), previewRequest(4))
	if !errors.Is(err, ErrDeviceError) {
		t.Errorf("submit after device error = %v, want ErrDeviceError", err)
	}

	// Completions after cancellation are ignored.
	p.complete(0, "preview")
	if n := len(s.disp.resultList()); n != 3 {
		t.Errorf("results after late completion = %d, want 3", n)
	}
}

func TestPipelineDeviceErrorPayload(t *testing.T) {
	s := newTestSession(t, Options{})
	p := s.pipelines[0]

	mustSubmit(t, s, previewRequest(1))
	p.notify(ErrorPayload{Code: ErrorCodeDevice})

	waitFor(t, "device error result", func() bool { return len(s.disp.resultList()) == 1 })
	if r := s.disp.resultList()[0]; r.Error != ErrorCodeDevice {
		t.Errorf("error = %v, want device", r.Error)
	}
}

func TestAdmissionBlocksAtBudget(t *testing.T) {
	s := newTestSession(t, Options{MaxLivePendingRequests: 2})
	p := s.pipelines[0]

	mustSubmit(t, s, previewRequest(1))
	mustSubmit(t, s, previewRequest(2))

	done := make(chan error, 1)
	go func() {
		done <- s.ProcessCaptureRequest(context.Background(), previewRequest(3))
	}()

	select {
	case err := <-done:
		t.Fatalf("third submission returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if live := s.Snapshot().LivePending; live != 2 {
		t.Errorf("live pending = %d, want 2", live)
	}

	p.complete(0, "preview")

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("third submission failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("third submission still blocked after a dispatch")
	}
}

func TestAdmissionWaitCancelledByContext(t *testing.T) {
	s := newTestSession(t, Options{MaxLivePendingRequests: 1})
	mustSubmit(t, s, previewRequest(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.ProcessCaptureRequest(ctx, previewRequest(2))

	var serr *Error
	if !errors.As(err, &serr) || serr.Code != CodeAdmissionCancelled {
		t.Errorf("err = %v, want %s", err, CodeAdmissionCancelled)
	}
	if next := s.Snapshot().NextSequence; next != 1 {
		t.Errorf("next sequence = %d, want 1", next)
	}
}

func TestFlushWakesAdmissionWaiters(t *testing.T) {
	s := newTestSession(t, Options{MaxLivePendingRequests: 1})
	mustSubmit(t, s, previewRequest(1))

	done := make(chan error, 1)
	go func() {
		done <- s.ProcessCaptureRequest(context.Background(), previewRequest(2))
	}()
	time.Sleep(20 * time.Millisecond)

	if err := s.Flush(context.Background(), nil); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, ErrFlushing) {
			t.Errorf("waiter err = %v, want ErrFlushing or admission after flush", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("admission waiter not woken by flush")
	}
}

func TestIdleFlushIsNoop(t *testing.T) {
	var mu sync.Mutex
	var transitions []State
	s := newTestSession(t, Options{
		OnStateChange: func(_, state State) {
			mu.Lock()
			transitions = append(transitions, state)
			mu.Unlock()
		},
	})

	for i := 0; i < 2; i++ {
		if err := s.Flush(context.Background(), nil); err != nil {
			t.Fatalf("Flush %d failed: %v", i, err)
		}
	}

	if s.State() != StateActive {
		t.Errorf("state = %s, want active", s.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 0 {
		t.Errorf("idle flush changed state: %v", transitions)
	}
	if s.pipelines[0].flushCount() != 0 {
		t.Errorf("pipeline flushed %d times, want 0", s.pipelines[0].flushCount())
	}
}

func TestFlushDrainsCompletingPipeline(t *testing.T) {
	s := newTestSession(t, Options{Tunables: Tunables{FlushWait: time.Second, FlushFallbackWait: time.Second}})
	p := s.pipelines[0]

	mustSubmit(t, s, previewRequest(1))
	p.waitRequest(t)
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.complete(0, "preview")
	}()

	if err := s.Flush(context.Background(), nil); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	results := s.disp.resultList()
	if len(results) != 1 || results[0].Failed() {
		t.Fatalf("results = %+v, want one successful result", results)
	}
	if s.State() != StateActive {
		t.Errorf("state = %s, want active", s.State())
	}
}

func TestFlushFallbackSynthesizesErrors(t *testing.T) {
	wait := 30 * time.Millisecond
	s := newTestSession(t, Options{Tunables: Tunables{FlushWait: wait, FlushFallbackWait: wait}})

	mustSubmit(t, s, previewRequest(7))
	mustSubmit(t, s, previewRequest(8))
	s.pipelines[0].waitRequest(t)
	s.pipelines[0].waitRequest(t)

	start := time.Now()
	if err := s.Flush(context.Background(), nil); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}
	elapsed := time.Since(start)

	if elapsed < 2*wait {
		t.Errorf("flush returned after %v, expected at least %v", elapsed, 2*wait)
	}
	results := s.disp.resultList()
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	for i, r := range results {
		if r.FrameNumber != uint64(7+i) || r.Error != ErrorCodeRequest {
			t.Errorf("result %d = frame %d error %v, want frame %d request error", i, r.FrameNumber, r.Error, 7+i)
		}
		if r.OutputBuffers[0].Status != BufferError {
			t.Errorf("frame %d buffer status = %v, want error", r.FrameNumber, r.OutputBuffers[0].Status)
		}
	}
	if s.State() != StateActive {
		t.Errorf("state = %s, want active", s.State())
	}
	if s.pipelines[0].flushCount() != 1 {
		t.Errorf("pipeline flush calls = %d, want 1", s.pipelines[0].flushCount())
	}

	// The session accepts work again.
	mustSubmit(t, s, previewRequest(9))
}

func TestScopedFlushLeavesOtherPipelines(t *testing.T) {
	p0 := newFakePipeline("p0", false)
	p1 := newFakePipeline("p1", false)
	s := newTestSession(t, Options{Tunables: Tunables{FlushWait: 20 * time.Millisecond, FlushFallbackWait: 20 * time.Millisecond}}, p0, p1)

	mustSubmit(t, s, previewRequest(1, 0))
	mustSubmit(t, s, previewRequest(2, 1))

	if err := s.Flush(context.Background(), &FlushScope{Pipelines: []int{0}}); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	results := s.disp.resultList()
	if len(results) != 1 || results[0].FrameNumber != 1 || results[0].Error != ErrorCodeRequest {
		t.Fatalf("results = %+v, want only frame 1 cancelled", results)
	}
	if p1.flushCount() != 0 {
		t.Errorf("pipeline 1 flushed %d times, want 0", p1.flushCount())
	}

	p1.complete(1, "preview")
	if got := s.disp.frameNumbers(); !slices.Equal(got, []uint64{1, 2}) {
		t.Errorf("frames = %v, want [1 2]", got)
	}
}

func TestScopedFlushCancelsWholeQueuedGroup(t *testing.T) {
	p0 := newFakePipeline("p0", false)
	p1 := newFakePipeline("p1", false)
	gate := make(chan struct{})
	p0.gate = gate
	s := newTestSession(t, Options{Tunables: Tunables{FlushWait: 20 * time.Millisecond, FlushFallbackWait: 20 * time.Millisecond}}, p0, p1)
	released := false
	release := func() {
		if !released {
			released = true
			close(gate)
		}
	}
	t.Cleanup(release)

	// Frame 1 holds the submission worker inside p0, so frame 2 stays queued.
	mustSubmit(t, s, previewRequest(1, 0))
	first := p0.waitRequest(t)
	mustSubmit(t, s, previewRequest(2, 0, 1))

	if err := s.Flush(context.Background(), &FlushScope{Pipelines: []int{1}}); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	p0.mu.Lock()
	p0.gate = nil
	p0.mu.Unlock()
	release()
	p0.complete(first.Sequence, "preview")

	results := s.disp.resultList()
	if got := s.disp.frameNumbers(); !slices.Equal(got, []uint64{1, 2, 2}) {
		t.Fatalf("frames = %v, want [1 2 2]", got)
	}
	if results[0].Error != ErrorCodeNone {
		t.Errorf("frame 1 error = %q, want success", results[0].Error)
	}
	for _, r := range results[1:] {
		if r.Error != ErrorCodeRequest {
			t.Errorf("frame 2 pipeline %d error = %q, want %q", r.Pipeline, r.Error, ErrorCodeRequest)
		}
	}

	// The session keeps delivering after the cancelled group.
	mustSubmit(t, s, previewRequest(3, 0))
	next := p0.waitRequest(t)
	p0.complete(next.Sequence, "preview")
	waitFor(t, "frame 3 dispatch", func() bool { return len(s.disp.resultList()) == 4 })

	if n := p0.requestCount(); n != 2 {
		t.Errorf("p0 received %d requests, want 2", n)
	}
	if st := s.Snapshot(); st.LivePending != 0 || len(st.Holders) != 0 {
		t.Errorf("live pending = %d, holders = %d, want empty", st.LivePending, len(st.Holders))
	}
}

func TestScopedFlushRejectsUnknownPipeline(t *testing.T) {
	s := newTestSession(t, Options{})
	err := s.Flush(context.Background(), &FlushScope{Pipelines: []int{3}})
	if !errors.Is(err, ErrUnknownPipeline) {
		t.Errorf("err = %v, want ErrUnknownPipeline", err)
	}
}

func TestInvalidRequests(t *testing.T) {
	tests := []struct {
		name string
		req  *CaptureRequest
	}{
		{"nil request", nil},
		{"no pipelines", &CaptureRequest{FrameNumber: 1}},
		{"unknown pipeline", previewRequest(1, 4)},
		{"duplicate pipeline", previewRequest(1, 0, 0)},
		{"unknown stream", &CaptureRequest{FrameNumber: 1, Requests: []PipelineRequest{{
			Pipeline:      0,
			OutputBuffers: []StreamBuffer{{Stream: "depth", Handle: 1}},
		}}}},
		{"missing buffer", &CaptureRequest{FrameNumber: 1, Requests: []PipelineRequest{{
			Pipeline:      0,
			OutputBuffers: []StreamBuffer{{Stream: "preview"}},
		}}}},
		{"unknown input stream", &CaptureRequest{FrameNumber: 1, Requests: []PipelineRequest{{
			Pipeline:     0,
			InputBuffers: []StreamBuffer{{Stream: "preview", Handle: 3}},
		}}}},
		{"inverted AE lock", &CaptureRequest{FrameNumber: 1, AELock: &AELockRange{Start: 9, Stop: 1},
			Requests: previewRequest(1).Requests}},
	}

	s := newTestSession(t, Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ProcessCaptureRequest(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("err = %v, want ErrInvalidRequest", err)
			}
		})
	}

	st := s.Snapshot()
	if st.NextSequence != 0 || st.LivePending != 0 {
		t.Errorf("invalid requests changed state: next=%d live=%d", st.NextSequence, st.LivePending)
	}
}

func TestBypassStreamNeedsNoBuffer(t *testing.T) {
	s := newTestSession(t, Options{})
	req := &CaptureRequest{FrameNumber: 1, Requests: []PipelineRequest{{
		Pipeline:      0,
		OutputBuffers: []StreamBuffer{{Stream: "video"}},
	}}}
	mustSubmit(t, s, req)
}

func TestFenceWait(t *testing.T) {
	t.Run("signalled", func(t *testing.T) {
		s := newTestSession(t, Options{})
		f := newTestFence()
		req := previewRequest(1)
		req.Requests[0].OutputBuffers[0].AcquireFence = f
		go func() {
			time.Sleep(10 * time.Millisecond)
			f.Signal(nil)
		}()
		mustSubmit(t, s, req)
	})

	t.Run("timeout", func(t *testing.T) {
		s := newTestSession(t, Options{Tunables: Tunables{FenceWaitTimeout: 20 * time.Millisecond}})
		req := previewRequest(1)
		req.Requests[0].OutputBuffers[0].AcquireFence = newTestFence()
		err := s.ProcessCaptureRequest(context.Background(), req)
		if !errors.Is(err, ErrFenceTimeout) {
			t.Errorf("err = %v, want ErrFenceTimeout", err)
		}
		if s.Snapshot().NextSequence != 0 {
			t.Error("timed out request consumed a sequence id")
		}
	})

	t.Run("failed", func(t *testing.T) {
		s := newTestSession(t, Options{})
		f := newTestFence()
		f.Signal(errFenceBroken)
		req := previewRequest(1)
		req.Requests[0].OutputBuffers[0].AcquireFence = f
		err := s.ProcessCaptureRequest(context.Background(), req)
		if !errors.Is(err, ErrFenceFailed) || !errors.Is(err, errFenceBroken) {
			t.Errorf("err = %v, want ErrFenceFailed wrapping the fence error", err)
		}
	})
}

func TestShutterAndPartialMetadata(t *testing.T) {
	s := newTestSession(t, Options{})
	p := s.pipelines[0]

	mustSubmit(t, s, previewRequest(11))

	p.notify(SOFPayload{Sequence: 0, Timestamp: 12345, ExposureTime: 8 * time.Millisecond})
	p.notify(PartialMetadataPayload{Sequence: 0, Metadata: Metadata{"ae": 1}, Early: true})
	p.complete(0, "preview")

	notifies := s.disp.notifyList()
	if len(notifies) != 1 || notifies[0].Type != NotifyShutter || notifies[0].FrameNumber != 11 || notifies[0].Timestamp != 12345 {
		t.Errorf("notifies = %+v, want one shutter for frame 11", notifies)
	}
	partials := s.disp.partialList()
	if len(partials) != 1 || !partials[0].Early || partials[0].FrameNumber != 11 {
		t.Errorf("partials = %+v, want one early partial for frame 11", partials)
	}
	if n := len(s.disp.resultList()); n != 1 {
		t.Errorf("results = %d, want 1", n)
	}
	st := s.Snapshot().Pipelines[0]
	if st.SOFCount != 1 || st.LastSOFSequence != 0 {
		t.Errorf("SOF count = %d, last = %d, want 1 and 0", st.SOFCount, st.LastSOFSequence)
	}
	if st.ExposureTime != 8*time.Millisecond {
		t.Errorf("exposure time = %s, want 8ms", st.ExposureTime)
	}

	var dump bytes.Buffer
	if err := s.DumpState(&dump); err != nil {
		t.Fatalf("DumpState: %v", err)
	}
	if !strings.Contains(dump.String(), "EXPOSURE") || !strings.Contains(dump.String(), "8ms") {
		t.Errorf("dump is missing the exposure time:\n%s", dump.String())
	}
}

func TestBufferAndMetadataErrors(t *testing.T) {
	s := newTestSession(t, Options{})
	p := s.pipelines[0]

	mustSubmit(t, s, previewRequest(1))
	p.notify(ErrorPayload{Sequence: 0, Code: ErrorCodeResult})
	p.notify(ErrorPayload{Sequence: 0, Code: ErrorCodeBuffer, Stream: "preview"})

	results := s.disp.resultList()
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	r := results[0]
	if !r.MetadataError || r.OutputBuffers[0].Status != BufferError {
		t.Errorf("result = %+v, want metadata and buffer errors", r)
	}
	if r.Error != ErrorCodeNone {
		t.Errorf("whole-request error = %v, want none", r.Error)
	}

	var codes []ErrorCode
	for _, n := range s.disp.notifyList() {
		if n.Type == NotifyError {
			codes = append(codes, n.Code)
		}
	}
	if !slices.Equal(codes, []ErrorCode{ErrorCodeResult, ErrorCodeBuffer}) {
		t.Errorf("error notifies = %v, want [result buffer]", codes)
	}
}

func TestTentativeMetadataCompletesOnBuffers(t *testing.T) {
	p := newFakePipeline("offline", false)
	p.info.TentativeMetadata = true
	s := newTestSession(t, Options{}, p)

	mustSubmit(t, s, previewRequest(1))
	p.notify(BufferPayload{Sequence: 0, Buffer: StreamBuffer{Stream: "preview", Handle: 9}})

	if n := len(s.disp.resultList()); n != 1 {
		t.Errorf("results = %d, want 1", n)
	}
}

func TestProcessRequestFailureProducesRequestError(t *testing.T) {
	s := newTestSession(t, Options{})
	s.pipelines[0].processErr = errors.New("queue full")

	mustSubmit(t, s, previewRequest(3))
	waitFor(t, "request error result", func() bool { return len(s.disp.resultList()) == 1 })

	if r := s.disp.resultList()[0]; r.Error != ErrorCodeRequest {
		t.Errorf("error = %v, want request", r.Error)
	}
}

func TestBatchRequestIDs(t *testing.T) {
	s := newTestSession(t, Options{BatchSize: 2})
	p := s.pipelines[0]

	for frame := uint64(1); frame <= 3; frame++ {
		mustSubmit(t, s, previewRequest(frame))
	}
	got := []*SubRequest{p.waitRequest(t), p.waitRequest(t), p.waitRequest(t)}

	wantIDs := []uint64{1, 1, 2}
	wantIdx := []int{0, 1, 0}
	for i, r := range got {
		if r.RequestID != wantIDs[i] || r.BatchIndex != wantIdx[i] {
			t.Errorf("request %d = id %d index %d, want id %d index %d",
				i, r.RequestID, r.BatchIndex, wantIDs[i], wantIdx[i])
		}
	}
}

func TestMetaBuffersReleasedAfterDeliveryAndDone(t *testing.T) {
	fp := newFakePipeline("p0", true)
	rp := releasingPipeline{fp}
	s := newTestSession(t, Options{Pipelines: []Pipeline{rp}}, fp)

	mustSubmit(t, s, previewRequest(1))
	mustSubmit(t, s, previewRequest(2))

	// Done before delivery: not releasable yet.
	fp.notify(MetaBufferDonePayload{Sequence: 1})
	fp.complete(1, "preview")
	if ids := rp.releasedIDs(); len(ids) != 0 {
		t.Fatalf("released %v before sequence 0 was delivered", ids)
	}

	fp.complete(0, "preview")
	if ids := rp.releasedIDs(); len(ids) != 0 {
		t.Fatalf("released %v before sequence 0 was done", ids)
	}

	fp.notify(MetaBufferDonePayload{Sequence: 0})
	if ids := rp.releasedIDs(); !slices.Equal(ids, []uint64{1, 2}) {
		t.Errorf("released = %v, want [1 2]", ids)
	}
	if pending := s.Snapshot().Pipelines[0].MetaBuffersPending; pending != 0 {
		t.Errorf("meta buffers pending = %d, want 0", pending)
	}
}

func TestPerFramePoolDepthClampsBudget(t *testing.T) {
	p := newFakePipeline("p0", true)
	p.poolDepth = 3
	s := newTestSession(t, Options{RequestQueueDepth: 8}, p)

	if got := s.Snapshot().MaxLivePending; got != 3 {
		t.Errorf("max live pending = %d, want 3", got)
	}
}

func TestUpdateTunables(t *testing.T) {
	s := newTestSession(t, Options{})
	s.UpdateTunables(Tunables{FlushWait: time.Second})

	tun := s.Tunables()
	if tun.FlushWait != time.Second {
		t.Errorf("FlushWait = %v, want 1s", tun.FlushWait)
	}
	if tun.FenceWaitTimeout != DefaultFenceWaitTimeout {
		t.Errorf("FenceWaitTimeout = %v, want default", tun.FenceWaitTimeout)
	}
}

func TestDumpState(t *testing.T) {
	s := newTestSession(t, Options{})
	mustSubmit(t, s, previewRequest(77))

	var buf bytes.Buffer
	if err := s.DumpState(&buf); err != nil {
		t.Fatalf("DumpState failed: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"Session " + s.ID(), "state:", "Holders (1)", "p0"} {
		if !strings.Contains(out, want) {
			t.Errorf("dump missing %q:\n%s", want, out)
		}
	}
}

func TestCloseRejectsFurtherWork(t *testing.T) {
	s := newTestSession(t, Options{})
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	err := s.ProcessCaptureRequest(context.Background(), previewRequest(1))
	if !errors.Is(err, ErrSessionClosed) {
		t.Errorf("err = %v, want ErrSessionClosed", err)
	}
}

func TestConcurrentCompletionsPreserveOrder(t *testing.T) {
	s := newTestSession(t, Options{RequestQueueDepth: 16})
	p := s.pipelines[0]

	const n = 16
	for frame := uint64(0); frame < n; frame++ {
		mustSubmit(t, s, previewRequest(frame))
	}

	var wg sync.WaitGroup
	for seq := n - 1; seq >= 0; seq-- {
		wg.Add(1)
		go func(seq SequenceID) {
			defer wg.Done()
			p.complete(seq, "preview")
		}(SequenceID(seq))
	}
	wg.Wait()

	waitFor(t, "all results", func() bool { return len(s.disp.resultList()) == n })
	frames := s.disp.frameNumbers()
	for i, f := range frames {
		if f != uint64(i) {
			t.Fatalf("frames = %v, want ascending", frames)
		}
	}
}
