package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smazurov/camsession/internal/metrics"
)

// ProcessCaptureRequest validates and accepts one client request. It blocks
// while the live pending budget is exhausted and while acquire fences are
// outstanding. Submissions are serialized so sequence ids follow arrival
// order. Once accepted, every pipeline request produces exactly one result.
func (s *Session) ProcessCaptureRequest(ctx context.Context, req *CaptureRequest) error {
	if err := s.validate(req); err != nil {
		metrics.IncRequestsRejected(s.id, "invalid")
		return err
	}
	pipelines := req.pipelineIndices()

	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	if err := s.admission.wait(ctx, func() error { return s.admissionBlocked(pipelines) }); err != nil {
		metrics.IncRequestsRejected(s.id, rejectReason(err))
		return err
	}

	if err := s.waitFences(ctx, req); err != nil {
		metrics.IncRequestsRejected(s.id, rejectReason(err))
		return err
	}

	// A flush or device error may have started while fences were pending.
	if err := s.admissionBlocked(pipelines); err != nil {
		metrics.IncRequestsRejected(s.id, rejectReason(err))
		return err
	}

	synced, tag := s.sync.synced(pipelines)
	if !synced && s.realTimeCount(pipelines) >= 2 {
		if outcome, _ := s.sync.checkAndSyncLinks(ctx); outcome == SyncEstablished {
			synced, tag = s.sync.synced(pipelines)
		}
	}
	var lock *AELockRange
	if synced {
		if req.AELock != nil {
			for _, p := range pipelines {
				if err := s.sync.setAELockRange(p, *req.AELock); err != nil {
					metrics.IncRequestsRejected(s.id, "invalid")
					return err
				}
			}
		}
		lock = s.sync.commonAELockRange(pipelines)
	}

	g, released := s.buildGroup(req, synced, tag, lock)
	s.admission.acquire(pipelines)
	s.queue.push(g)
	for _, r := range released {
		s.releaseMetaBuffers(r.pipeline, r.requestIDs)
	}

	live, _ := s.admission.snapshot()
	metrics.IncRequestsSubmitted(s.id)
	metrics.SetLivePending(s.id, live)
	s.logger.Debug("Capture request accepted",
		"frame_number", req.FrameNumber,
		"first_sequence", g.first,
		"pipelines", len(g.holders),
		"sync", synced)
	return nil
}

func (s *Session) validate(req *CaptureRequest) error {
	if req == nil || len(req.Requests) == 0 {
		return invalidf("request has no pipeline requests")
	}
	seen := make(map[int]bool, len(req.Requests))
	for i := range req.Requests {
		pr := &req.Requests[i]
		if pr.Pipeline < 0 || pr.Pipeline >= len(s.pipelines) {
			return newError(CodeInvalidRequest, fmt.Sprintf("pipeline %d", pr.Pipeline),
				errors.Join(ErrInvalidRequest, ErrUnknownPipeline))
		}
		if seen[pr.Pipeline] {
			return invalidf("pipeline %d requested twice", pr.Pipeline)
		}
		seen[pr.Pipeline] = true

		info := s.metaInfo[pr.Pipeline]
		if len(pr.OutputBuffers) > s.opts.MaxOutputBuffers {
			return invalidf("pipeline %d: %d output buffers exceeds limit %d",
				pr.Pipeline, len(pr.OutputBuffers), s.opts.MaxOutputBuffers)
		}
		for _, b := range pr.OutputBuffers {
			if !info.hasOutput(b.Stream) {
				return invalidf("pipeline %d: unknown output stream %q", pr.Pipeline, b.Stream)
			}
			if b.Handle == 0 && !info.isBypass(b.Stream) {
				return invalidf("pipeline %d: missing output buffer for stream %q", pr.Pipeline, b.Stream)
			}
		}
		for _, b := range pr.InputBuffers {
			if !info.hasInput(b.Stream) {
				return invalidf("pipeline %d: unknown input stream %q", pr.Pipeline, b.Stream)
			}
		}
	}
	if req.AELock != nil && req.AELock.Start > req.AELock.Stop {
		return invalidf("AE lock range start %d after stop %d", req.AELock.Start, req.AELock.Stop)
	}
	return nil
}

// waitFences waits for every acquire fence in parallel, bounded by the
// fence wait timeout.
func (s *Session) waitFences(ctx context.Context, req *CaptureRequest) error {
	var fences []Fence
	for i := range req.Requests {
		for _, b := range req.Requests[i].InputBuffers {
			if b.AcquireFence != nil {
				fences = append(fences, b.AcquireFence)
			}
		}
		for _, b := range req.Requests[i].OutputBuffers {
			if b.AcquireFence != nil {
				fences = append(fences, b.AcquireFence)
			}
		}
	}
	if len(fences) == 0 {
		return nil
	}

	fctx, cancel := context.WithTimeout(ctx, s.Tunables().FenceWaitTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(fctx)
	for _, f := range fences {
		g.Go(func() error { return f.Wait(gctx) })
	}
	err := g.Wait()
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return newError(CodeAdmissionCancelled, "fence wait cancelled", ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("Acquire fence wait timed out", "frame_number", req.FrameNumber)
		return newError(CodeFenceTimeout, fmt.Sprintf("frame %d", req.FrameNumber), ErrFenceTimeout)
	default:
		s.logger.Warn("Acquire fence failed", "frame_number", req.FrameNumber, "error", err)
		return newError(CodeFenceFailed, fmt.Sprintf("frame %d", req.FrameNumber), errors.Join(ErrFenceFailed, err))
	}
}

// buildGroup assigns contiguous sequence ids and creates the result holders.
// Caller holds submitMu.
func (s *Session) buildGroup(req *CaptureRequest, synced bool, tag uint32, lock *AELockRange) (*resultGroup, []metaRelease) {
	g := &resultGroup{
		first:       s.nextSeq,
		frameNumber: req.FrameNumber,
		holders:     make([]*resultHolder, len(req.Requests)),
		subRequests: make([]*SubRequest, len(req.Requests)),
		submittedAt: time.Now(),
	}

	var released []metaRelease
	s.resultMu.Lock()
	for i := range req.Requests {
		pr := &req.Requests[i]
		seq := s.nextSeq
		s.nextSeq++
		s.frameNumbers[int(seq)%len(s.frameNumbers)] = req.FrameNumber

		requestID, batchIndex := s.nextRequestID(pr.Pipeline)
		info := s.metaInfo[pr.Pipeline]

		h := &resultHolder{
			sequence:          seq,
			pipeline:          pr.Pipeline,
			requestID:         requestID,
			batchIndex:        batchIndex,
			frameNumber:       req.FrameNumber,
			numOutBuffers:     len(pr.OutputBuffers),
			outputs:           make([]bufferSlot, len(pr.OutputBuffers)),
			inputs:            append([]StreamBuffer(nil), pr.InputBuffers...),
			pendingMetadata:   1,
			tentativeMetadata: info.TentativeMetadata,
			alive:             true,
		}
		for j, b := range pr.OutputBuffers {
			b.AcquireFence = nil
			h.outputs[j] = bufferSlot{stream: b.Stream, buffer: b}
		}
		g.holders[i] = h

		sub := &SubRequest{
			Sequence:      seq,
			RequestID:     requestID,
			BatchIndex:    batchIndex,
			FrameNumber:   req.FrameNumber,
			Settings:      pr.Settings.Clone(),
			InputBuffers:  append([]StreamBuffer(nil), pr.InputBuffers...),
			OutputBuffers: append([]StreamBuffer(nil), pr.OutputBuffers...),
			Sync:          synced,
		}
		if synced {
			sub.SyncTag = tag
			sub.AELock = lock
		}
		g.subRequests[i] = sub

		if s.releasers[pr.Pipeline] != nil {
			if ids := s.metaDone.track(pr.Pipeline, seq, requestID); len(ids) > 0 {
				released = append(released, metaRelease{pipeline: pr.Pipeline, requestIDs: ids})
			}
		}
	}
	s.table.insert(g)
	s.resultMu.Unlock()

	return g, released
}

// nextRequestID returns the pipeline request id and batch index for the
// next sub-request. Requests within one batch share an id.
func (s *Session) nextRequestID(pipeline int) (uint64, int) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	st := &s.stats[pipeline]
	id, idx := st.requestID, st.batchIndex
	st.batchIndex++
	st.requests++
	if st.batchIndex >= s.opts.BatchSize {
		st.batchIndex = 0
		st.requestID++
	}
	return id, idx
}

func (s *Session) realTimeCount(pipelines []int) int {
	n := 0
	for _, p := range pipelines {
		if s.pipelines[p].IsRealTime() {
			n++
		}
	}
	return n
}

// runWorker hands accepted groups to their pipelines in order.
func (s *Session) runWorker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.queue.wake:
		}
		for {
			g, ok := s.queue.pop()
			if !ok {
				break
			}
			s.submitGroup(g)
		}
	}
}

func (s *Session) submitGroup(g *resultGroup) {
	for i, sub := range g.subRequests {
		h := g.holders[i]
		p := s.pipelines[h.pipeline]
		metrics.IncPipelineRequests(p.Name())
		if err := p.ProcessRequest(sub); err != nil {
			s.logger.Error("Pipeline rejected request",
				"pipeline", p.Name(),
				"sequence", sub.Sequence,
				"error", err)
			s.failHolder(h.pipeline, sub.Sequence, ErrorCodeRequest)
			if s.releasers[h.pipeline] != nil {
				s.releaseMetaBuffers(h.pipeline, s.metaDone.mark(h.pipeline, sub.Sequence, bufferReady))
			}
		}
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrDeviceError):
		return "device_error"
	case errors.Is(err, ErrFlushing):
		return "flushing"
	case errors.Is(err, ErrFenceTimeout):
		return "fence_timeout"
	case errors.Is(err, ErrFenceFailed):
		return "fence_failed"
	case errors.Is(err, ErrSessionClosed):
		return "closed"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid"
	default:
		return "cancelled"
	}
}
