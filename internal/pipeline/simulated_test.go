package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smazurov/camsession/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink collects payloads reported by a pipeline.
type recordingSink struct {
	mu       sync.Mutex
	payloads []session.Payload
}

func (s *recordingSink) NotifyResult(r session.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, r.Payload)
}

func (s *recordingSink) snapshot() []session.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]session.Payload(nil), s.payloads...)
}

func (s *recordingSink) count(match func(session.Payload) bool) int {
	n := 0
	for _, p := range s.snapshot() {
		if match(p) {
			n++
		}
	}
	return n
}

func isRequestError(p session.Payload) bool {
	e, ok := p.(session.ErrorPayload)
	return ok && e.Code == session.ErrorCodeRequest
}

func isMetaDone(p session.Payload) bool {
	_, ok := p.(session.MetaBufferDonePayload)
	return ok
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func newTestPipeline(t *testing.T, opts Options) (*Simulated, *recordingSink) {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "cam0"
	}
	if len(opts.OutputStreams) == 0 {
		opts.OutputStreams = []session.StreamID{"preview"}
	}
	opts.Logger = testLogger()
	p, err := NewSimulated(&opts)
	if err != nil {
		t.Fatalf("NewSimulated: %v", err)
	}
	t.Cleanup(p.Close)
	sink := &recordingSink{}
	p.Attach(0, sink)
	return p, sink
}

func subRequest(seq session.SequenceID, requestID uint64) *session.SubRequest {
	return &session.SubRequest{
		Sequence:      seq,
		RequestID:     requestID,
		FrameNumber:   uint64(seq),
		OutputBuffers: []session.StreamBuffer{{Stream: "preview", Handle: uint64(seq) + 1}},
	}
}

func TestNewSimulatedValidation(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"missing name", Options{OutputStreams: []session.StreamID{"a"}}},
		{"no outputs", Options{Name: "cam"}},
		{"error rate", Options{Name: "cam", OutputStreams: []session.StreamID{"a"}, ErrorRate: 1.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSimulated(&tt.opts); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSimulatedCompletesRequest(t *testing.T) {
	p, sink := newTestPipeline(t, Options{
		RealTime:          true,
		PerFramePoolDepth: 2,
		PartialMetadata:   true,
		EarlyMetadata:     true,
		ExposureTime:      4 * time.Millisecond,
	})

	if err := p.ProcessRequest(subRequest(0, 1)); err != nil {
		t.Fatalf("ProcessRequest: %v", err)
	}
	waitFor(t, "completion", func() bool { return p.Info().Completed == 1 })

	var sof, early, partial, md, buf int
	for _, pl := range sink.snapshot() {
		switch v := pl.(type) {
		case session.SOFPayload:
			sof++
			if v.ExposureTime != 4*time.Millisecond {
				t.Errorf("SOF exposure = %s, want 4ms", v.ExposureTime)
			}
		case session.PartialMetadataPayload:
			if v.Early {
				early++
			} else {
				partial++
			}
		case session.MetadataPayload:
			md++
			if v.Metadata["pipeline"] != "cam0" {
				t.Errorf("metadata pipeline = %v", v.Metadata["pipeline"])
			}
		case session.BufferPayload:
			buf++
			if v.Buffer.Handle != 1 {
				t.Errorf("buffer handle = %d, want 1", v.Buffer.Handle)
			}
		}
	}
	if sof != 1 || early != 1 || partial != 1 || md != 1 || buf != 1 {
		t.Errorf("sof=%d early=%d partial=%d metadata=%d buffers=%d, want one each",
			sof, early, partial, md, buf)
	}
	if info := p.Info(); info.State != StateStreaming || info.Completed != 1 {
		t.Errorf("info = %+v", info)
	}
}

func TestSimulatedTentativeSkipsMetadata(t *testing.T) {
	p, sink := newTestPipeline(t, Options{TentativeMetadata: true})
	_ = p.ProcessRequest(subRequest(0, 1))

	waitFor(t, "buffer", func() bool {
		return sink.count(func(pl session.Payload) bool {
			_, ok := pl.(session.BufferPayload)
			return ok
		}) == 1
	})
	md := sink.count(func(pl session.Payload) bool {
		_, ok := pl.(session.MetadataPayload)
		return ok
	})
	if md != 0 {
		t.Errorf("tentative pipeline sent %d metadata payloads", md)
	}
}

func TestSimulatedPoolExhaustion(t *testing.T) {
	p, _ := newTestPipeline(t, Options{PerFramePoolDepth: 1, Latency: time.Hour})

	if err := p.ProcessRequest(subRequest(0, 1)); err != nil {
		t.Fatalf("first request: %v", err)
	}
	// Same request id shares the slot.
	if err := p.ProcessRequest(subRequest(1, 1)); err != nil {
		t.Fatalf("batched request: %v", err)
	}
	if err := p.ProcessRequest(subRequest(2, 2)); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("third request = %v, want ErrPoolExhausted", err)
	}

	p.ReleaseMetaBuffers([]uint64{1})
	if err := p.ProcessRequest(subRequest(2, 2)); !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("slot still referenced once, got %v", err)
	}
	p.ReleaseMetaBuffers([]uint64{1, 99})
	if err := p.ProcessRequest(subRequest(2, 2)); err != nil {
		t.Errorf("after release: %v", err)
	}
}

func TestSimulatedFlushFailsInflight(t *testing.T) {
	p, sink := newTestPipeline(t, Options{Latency: time.Hour, PerFramePoolDepth: 4})
	for seq := range session.SequenceID(3) {
		if err := p.ProcessRequest(subRequest(seq, uint64(seq)+1)); err != nil {
			t.Fatalf("ProcessRequest(%d): %v", seq, err)
		}
	}

	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n := sink.count(isRequestError); n != 3 {
		t.Errorf("request errors = %d, want 3", n)
	}
	if n := sink.count(isMetaDone); n != 3 {
		t.Errorf("meta buffer done = %d, want 3", n)
	}
	if info := p.Info(); info.InFlight != 0 || info.FlushedRequests != 3 || info.State != StateStreaming {
		t.Errorf("info after flush = %+v", info)
	}
}

func TestSimulatedHangIgnoresFlush(t *testing.T) {
	p, sink := newTestPipeline(t, Options{})
	p.Hang()
	_ = p.ProcessRequest(subRequest(0, 1))

	time.Sleep(20 * time.Millisecond)
	if err := p.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n := len(sink.snapshot()); n != 0 {
		t.Fatalf("hung pipeline reported %d payloads", n)
	}
	if p.Info().State != StateHung {
		t.Errorf("state = %s, want hung", p.Info().State)
	}

	p.Resume()
	waitFor(t, "parked completion", func() bool { return p.Info().Completed == 1 })
}

func TestSimulatedFailFlush(t *testing.T) {
	p, _ := newTestPipeline(t, Options{})
	want := errors.New("firmware timeout")
	p.FailFlush(want)
	if err := p.Flush(context.Background()); !errors.Is(err, want) {
		t.Errorf("Flush = %v, want %v", err, want)
	}
	p.FailFlush(nil)
	if err := p.Flush(context.Background()); err != nil {
		t.Errorf("Flush after reset = %v", err)
	}
}

func TestSimulatedErrorInjection(t *testing.T) {
	p, sink := newTestPipeline(t, Options{ErrorRate: 1, Seed: 7})
	for seq := range session.SequenceID(5) {
		_ = p.ProcessRequest(subRequest(seq, uint64(seq)+1))
	}
	waitFor(t, "completions", func() bool { return p.Info().Completed == 5 })

	errs := sink.count(func(pl session.Payload) bool {
		e, ok := pl.(session.ErrorPayload)
		return ok && (e.Code == session.ErrorCodeBuffer || e.Code == session.ErrorCodeResult)
	})
	if errs != 5 {
		t.Errorf("component errors = %d, want 5", errs)
	}
	if p.Info().InjectedErrors != 5 {
		t.Errorf("injected = %d", p.Info().InjectedErrors)
	}
}

func TestSimulatedStreamOffImmediate(t *testing.T) {
	p, sink := newTestPipeline(t, Options{Latency: time.Hour})
	ctx := context.Background()
	if err := p.StreamOn(ctx); err != nil {
		t.Fatal(err)
	}
	_ = p.ProcessRequest(subRequest(0, 1))

	if err := p.StreamOff(ctx, session.StreamOffImmediate); err != nil {
		t.Fatal(err)
	}
	if n := sink.count(isRequestError); n != 1 {
		t.Errorf("request errors = %d, want 1", n)
	}
	if p.Info().State != StateIdle {
		t.Errorf("state = %s, want idle", p.Info().State)
	}
}

func TestSimulatedClose(t *testing.T) {
	p, _ := newTestPipeline(t, Options{Latency: time.Hour})
	_ = p.ProcessRequest(subRequest(0, 1))
	p.Close()

	if err := p.ProcessRequest(subRequest(1, 2)); !errors.Is(err, ErrStopped) {
		t.Errorf("ProcessRequest after close = %v, want ErrStopped", err)
	}
	if err := p.StreamOn(context.Background()); !errors.Is(err, ErrStopped) {
		t.Errorf("StreamOn after close = %v, want ErrStopped", err)
	}
}

func TestStateChangeCallback(t *testing.T) {
	changes := make(chan State, 8)
	p, _ := newTestPipeline(t, Options{
		OnStateChange: func(_ string, _, newState State) { changes <- newState },
	})
	_ = p.StreamOn(context.Background())

	select {
	case st := <-changes:
		if st != StateStreaming {
			t.Errorf("state = %s, want streaming", st)
		}
	case <-time.After(time.Second):
		t.Fatal("no state change reported")
	}
}
