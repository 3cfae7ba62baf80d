package session

import (
	"fmt"
	"time"

	"github.com/smazurov/camsession/internal/metrics"
)

type metaRelease struct {
	pipeline   int
	requestIDs []uint64
}

// NotifyResult is the pipeline completion entry point. It may be called
// concurrently from any number of pipeline threads and never blocks on
// other callbacks beyond short critical sections.
func (s *Session) NotifyResult(r Result) {
	if r.Pipeline < 0 || r.Pipeline >= len(s.pipelines) {
		s.logger.Warn("Result from unknown pipeline", "pipeline", r.Pipeline)
		return
	}
	switch p := r.Payload.(type) {
	case ErrorPayload:
		s.handleError(r.Pipeline, p)
	case AsyncPayload:
		s.handleAsync(r.Pipeline, p)
	case SOFPayload:
		s.handleSOF(r.Pipeline, p)
	case MetadataPayload:
		s.handleMetadata(r.Pipeline, p)
	case PartialMetadataPayload:
		s.handlePartialMetadata(r.Pipeline, p)
	case BufferPayload:
		s.handleBuffer(r.Pipeline, p)
	case MetaBufferDonePayload:
		s.handleMetaBufferDone(r.Pipeline, p)
	default:
		s.logger.Error("Unknown result payload", "pipeline", r.Pipeline, "type", fmt.Sprintf("%T", r.Payload))
	}
}

func (s *Session) handleError(pipeline int, p ErrorPayload) {
	switch p.Code {
	case ErrorCodeDevice:
		s.SignalDeviceError(fmt.Errorf("pipeline %s reported device error", s.pipelines[pipeline].Name()))
	case ErrorCodeRequest:
		s.failHolder(pipeline, p.Sequence, ErrorCodeRequest)
	case ErrorCodeResult:
		s.updateHolder(pipeline, p.Sequence, func(h *resultHolder) {
			if h.pendingMetadata > 0 {
				h.metadataError = true
				h.pendingMetadata = 0
			}
		})
	case ErrorCodeBuffer:
		s.updateHolder(pipeline, p.Sequence, func(h *resultHolder) {
			slot := h.slotFor(p.Stream)
			if slot == nil {
				s.logger.Warn("Buffer error for unexpected stream", "sequence", p.Sequence, "stream", p.Stream)
				return
			}
			slot.filled = true
			slot.errored = true
			h.numErrorBuffers++
		})
	default:
		s.logger.Warn("Unknown error code", "pipeline", pipeline, "code", p.Code)
	}
}

func (s *Session) handleMetadata(pipeline int, p MetadataPayload) {
	s.updateHolder(pipeline, p.Sequence, func(h *resultHolder) {
		if h.pendingMetadata == 0 {
			s.logger.Debug("Duplicate metadata ignored", "sequence", p.Sequence)
			return
		}
		if h.metadata == nil {
			h.metadata = p.Metadata.Clone()
		} else {
			for k, v := range p.Metadata {
				h.metadata[k] = v
			}
		}
		h.pendingMetadata--
	})
}

func (s *Session) handleBuffer(pipeline int, p BufferPayload) {
	s.updateHolder(pipeline, p.Sequence, func(h *resultHolder) {
		slot := h.slotFor(p.Buffer.Stream)
		if slot == nil {
			s.logger.Warn("Buffer for unexpected stream", "sequence", p.Sequence, "stream", p.Buffer.Stream)
			return
		}
		slot.buffer = p.Buffer
		slot.filled = true
		h.numOkBuffers++
	})
}

func (s *Session) failHolder(pipeline int, seq SequenceID, code ErrorCode) {
	s.updateHolder(pipeline, seq, func(h *resultHolder) {
		h.fail(code)
	})
}

// updateHolder applies fn to a live holder and drains the head of line if
// that completed it. Completions for unknown, dispatched or cancelled
// sequences are dropped.
func (s *Session) updateHolder(pipeline int, seq SequenceID, fn func(h *resultHolder)) {
	s.resultMu.Lock()
	g, h := s.table.lookup(seq)
	if h == nil || h.pipeline != pipeline || !h.alive || h.cancelled {
		s.resultMu.Unlock()
		s.logger.Debug("Stale completion ignored", "pipeline", pipeline, "sequence", seq)
		return
	}
	wasComplete := g.complete()
	fn(h)
	trigger := !wasComplete && g.complete() && s.table.isHead(g)
	s.resultMu.Unlock()

	if trigger {
		s.drainReady()
	}
}

func (s *Session) handleSOF(pipeline int, p SOFPayload) {
	s.statsMu.Lock()
	st := &s.stats[pipeline]
	st.sofCount++
	st.lastSOF = p.Sequence
	st.lastSOFStamp = p.Timestamp
	if p.ExposureTime > 0 {
		st.exposure = p.ExposureTime
	}
	s.statsMu.Unlock()
	metrics.IncPipelineSOF(s.pipelines[pipeline].Name())

	frame, ok := s.liveFrame(pipeline, p.Sequence)
	if !ok {
		return
	}
	s.dispatchMu.Lock()
	msg := s.notifyPool.claim()
	msg.Type = NotifyShutter
	msg.FrameNumber = frame
	msg.Sequence = p.Sequence
	msg.Pipeline = pipeline
	msg.Timestamp = p.Timestamp
	s.notify(msg)
	s.unlockDispatch()
}

func (s *Session) handleAsync(pipeline int, p AsyncPayload) {
	s.resultMu.Lock()
	frame := s.frameNumber(p.Sequence)
	s.resultMu.Unlock()

	s.dispatchMu.Lock()
	msg := s.notifyPool.claim()
	msg.Type = NotifyAsync
	msg.FrameNumber = frame
	msg.Sequence = p.Sequence
	msg.Pipeline = pipeline
	msg.Timestamp = p.Timestamp
	msg.Message = p.Message
	s.notify(msg)
	s.unlockDispatch()
}

func (s *Session) handlePartialMetadata(pipeline int, p PartialMetadataPayload) {
	frame, ok := s.liveFrame(pipeline, p.Sequence)
	if !ok {
		return
	}
	s.dispatchMu.Lock()
	// The final result may have gone out while waiting for the lock.
	if _, ok := s.liveFrame(pipeline, p.Sequence); !ok {
		s.unlockDispatch()
		return
	}
	pr := s.partialPool.claim()
	pr.FrameNumber = frame
	pr.Sequence = p.Sequence
	pr.Pipeline = pipeline
	pr.Metadata = p.Metadata.Clone()
	pr.Early = p.Early
	if err := s.dispatcher.DispatchPartialMetadata(pr); err != nil {
		s.logger.Error("Partial metadata dispatch failed", "frame_number", frame, "error", err)
	}
	s.unlockDispatch()
}

func (s *Session) handleMetaBufferDone(pipeline int, p MetaBufferDonePayload) {
	if s.releasers[pipeline] == nil {
		return
	}
	s.releaseMetaBuffers(pipeline, s.metaDone.mark(pipeline, p.Sequence, bufferReady))
}

func (s *Session) releaseMetaBuffers(pipeline int, ids []uint64) {
	if len(ids) == 0 || s.releasers[pipeline] == nil {
		return
	}
	s.releasers[pipeline].ReleaseMetaBuffers(ids)
	_, _, outstanding := s.metaDone.window(pipeline)
	metrics.SetPipelineMetaBuffersOutstanding(s.pipelines[pipeline].Name(), outstanding)
}

// liveFrame returns the frame number of a live, undispatched holder.
func (s *Session) liveFrame(pipeline int, seq SequenceID) (uint64, bool) {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()
	_, h := s.table.lookup(seq)
	if h == nil || h.pipeline != pipeline || !h.alive || h.cancelled {
		return 0, false
	}
	return h.frameNumber, true
}

// drainReady dispatches the ready head-of-line prefix. If another
// goroutine is already dispatching it picks up the work instead.
func (s *Session) drainReady() {
	s.dispatchPending.Store(true)
	for s.dispatchPending.Load() {
		if !s.dispatchMu.TryLock() {
			return
		}
		s.dispatchPending.Store(false)
		s.deliver(s.popReady())
		s.dispatchMu.Unlock()
	}
}

// dispatchAll blocks until the ready prefix has been dispatched.
func (s *Session) dispatchAll() {
	s.dispatchMu.Lock()
	s.dispatchPending.Store(false)
	s.deliver(s.popReady())
	s.unlockDispatch()
}

// unlockDispatch releases dispatchMu and runs any drain that was deferred
// while it was held.
func (s *Session) unlockDispatch() {
	s.dispatchMu.Unlock()
	if s.dispatchPending.Load() {
		s.drainReady()
	}
}

// popReady removes every complete group at the head of the table.
func (s *Session) popReady() []*resultGroup {
	s.resultMu.Lock()
	defer s.resultMu.Unlock()

	var ready []*resultGroup
	for {
		g, ok := s.table.head()
		if !ok || !g.complete() {
			break
		}
		s.table.remove(g)
		for _, h := range g.holders {
			h.alive = false
		}
		ready = append(ready, g)
	}
	return ready
}

// deliver sends groups to the dispatcher in order. Caller holds dispatchMu.
func (s *Session) deliver(groups []*resultGroup) {
	if len(groups) == 0 {
		return
	}
	for _, g := range groups {
		s.dispatchGroup(g)
	}
	live, _ := s.admission.snapshot()
	metrics.SetLivePending(s.id, live)
}

func (s *Session) dispatchGroup(g *resultGroup) {
	results := make([]CaptureResult, 0, len(g.holders))
	var releases []metaRelease

	for _, h := range g.holders {
		s.notifyErrors(h)

		r := CaptureResult{
			FrameNumber:   h.frameNumber,
			Sequence:      h.sequence,
			Pipeline:      h.pipeline,
			Metadata:      h.metadata,
			MetadataError: h.metadataError,
			OutputBuffers: s.bufferPool.claimN(len(h.outputs)),
			InputBuffers:  h.inputs,
			Error:         h.errCode,
		}
		for i := range h.outputs {
			slot := &h.outputs[i]
			r.OutputBuffers[i] = BufferResult{Stream: slot.stream, Buffer: slot.buffer, Status: BufferOK}
			if slot.errored || !slot.filled {
				r.OutputBuffers[i].Status = BufferError
			}
		}
		results = append(results, r)

		if s.releasers[h.pipeline] != nil {
			if ids := s.metaDone.mark(h.pipeline, h.sequence, metaReady); len(ids) > 0 {
				releases = append(releases, metaRelease{pipeline: h.pipeline, requestIDs: ids})
			}
		}
	}

	if err := s.dispatcher.DispatchResults(results); err != nil {
		s.logger.Error("Result dispatch failed", "first_sequence", g.first, "frame_number", g.frameNumber, "error", err)
	}

	now := time.Now()
	latency := now.Sub(g.submittedAt)
	for i := range results {
		metrics.AddResultsDispatched(s.id, resultOutcome(&results[i]), 1)
	}
	metrics.ObserveResultLatency(s.id, latency.Seconds())
	s.recordTiming(requestTiming{
		Sequence:    g.first,
		FrameNumber: g.frameNumber,
		Submitted:   g.submittedAt,
		Dispatched:  now,
	})
	s.logger.Debug("Results dispatched",
		"frame_number", g.frameNumber,
		"first_sequence", g.first,
		"results", len(results),
		"latency", latency)

	for _, r := range releases {
		s.releaseMetaBuffers(r.pipeline, r.requestIDs)
	}
	s.admission.release(g.pipelines())
}

// notifyErrors emits the error notifications that precede a failed result.
func (s *Session) notifyErrors(h *resultHolder) {
	if h.errCode != ErrorCodeNone {
		s.notifyError(h, h.errCode, "")
		return
	}
	if h.metadataError {
		s.notifyError(h, ErrorCodeResult, "")
	}
	for i := range h.outputs {
		if h.outputs[i].errored {
			s.notifyError(h, ErrorCodeBuffer, h.outputs[i].stream)
		}
	}
}

func (s *Session) notifyError(h *resultHolder, code ErrorCode, stream StreamID) {
	msg := s.notifyPool.claim()
	msg.Type = NotifyError
	msg.FrameNumber = h.frameNumber
	msg.Sequence = h.sequence
	msg.Pipeline = h.pipeline
	msg.Code = code
	msg.Stream = stream
	s.notify(msg)
}

func (s *Session) notify(msg *NotifyMessage) {
	if err := s.dispatcher.DispatchNotify(msg); err != nil {
		s.logger.Error("Notify dispatch failed", "type", msg.Type, "frame_number", msg.FrameNumber, "error", err)
	}
	metrics.IncNotify(s.id, msg.Type.String())
}

func resultOutcome(r *CaptureResult) string {
	switch {
	case r.Error == ErrorCodeDevice:
		return ResultDeviceError.String()
	case r.Error == ErrorCodeRequest:
		return ResultRequestError.String()
	case r.MetadataError:
		return ResultMetadataError.String()
	case r.Failed():
		return ResultBufferError.String()
	default:
		return "ok"
	}
}
