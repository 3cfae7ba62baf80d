package session

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/smazurov/camsession/internal/metrics"
)

// Flush drains outstanding requests, synthesizing error results for
// anything that does not complete in time, and returns the session to
// Active. Concurrent flushes of the same scope share one execution. A flush
// with nothing outstanding returns immediately without side effects.
//
// Draining waits FlushWait for pipelines to finish, then FlushFallbackWait
// more before giving up and cancelling the remaining holders. Flush does not
// report a timeout; every outstanding request ends with a dispatched result.
func (s *Session) Flush(ctx context.Context, scope *FlushScope) error {
	targets, err := s.flushTargets(scope)
	if err != nil {
		return err
	}
	key := "session"
	if targets != nil {
		parts := make([]string, len(targets))
		for i, p := range targets {
			parts[i] = strconv.Itoa(p)
		}
		key = "pipelines:" + strings.Join(parts, ",")
	}

	_, err, shared := s.flushGroup.Do(key, func() (any, error) {
		return nil, s.flush(ctx, targets)
	})
	if shared {
		s.logger.Debug("Joined in-progress flush", "scope", key)
	}
	return err
}

func (s *Session) flushTargets(scope *FlushScope) ([]int, error) {
	if scope == nil {
		return nil, nil
	}
	targets := slices.Clone(scope.Pipelines)
	for _, p := range targets {
		if err := s.checkPipeline(p); err != nil {
			return nil, err
		}
	}
	slices.Sort(targets)
	return slices.Compact(targets), nil
}

func (s *Session) flush(ctx context.Context, targets []int) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if s.State() == StateClosed {
		return newError(CodeSessionClosed, "flush rejected", ErrSessionClosed)
	}
	if s.admission.pending(targets) == 0 && s.queuedFor(targets) == 0 {
		return nil
	}

	start := time.Now()
	whole := targets == nil
	pipelines := targets
	if whole {
		pipelines = s.allPipelines()
	}

	if whole {
		s.transition(StateActive, StateFlushing)
	}
	for _, p := range pipelines {
		s.flushing[p].Store(true)
	}
	s.admission.broadcast()
	s.logger.Info("Flush started", "pipelines", pipelines, "state", s.State())

	inDeviceError := func() bool { return s.State() == StateDeviceError }
	cancelCode := func() ErrorCode {
		if inDeviceError() {
			return ErrorCodeDevice
		}
		return ErrorCodeRequest
	}

	// Requests not yet handed to a pipeline will never complete.
	if stolen := s.queue.steal(targets); len(stolen) > 0 {
		s.cancelGroups(stolen, cancelCode())
		s.logger.Debug("Cancelled queued requests", "count", len(stolen))
	}

	tun := s.Tunables()
	for _, p := range pipelines {
		fctx, cancel := context.WithTimeout(ctx, tun.FlushWait)
		if err := s.pipelines[p].Flush(fctx); err != nil {
			s.logger.Warn("Pipeline flush failed", "pipeline", s.pipelines[p].Name(), "error", err)
		}
		cancel()
	}

	mode := "drained"
	drained := false
	if !inDeviceError() {
		drained = s.admission.waitDrained(tun.FlushWait, targets, inDeviceError)
		if !drained && !inDeviceError() {
			s.logger.Warn("Flush did not drain in time, waiting fallback",
				"wait", tun.FlushWait, "fallback", tun.FlushFallbackWait)
			drained = s.admission.waitDrained(tun.FlushFallbackWait, targets, inDeviceError)
		}
	}
	if !drained {
		mode = "forced"
		code := cancelCode()
		n := s.cancelOutstanding(pipelines, code)
		s.logger.Warn("Flush forced cancellation", "holders", n, "code", code)
		s.admission.waitDrained(tun.FlushFallbackWait, targets, func() bool { return false })
		for _, p := range pipelines {
			if s.releasers[p] != nil {
				s.metaDone.reset(p)
			}
		}
	}

	s.sync.resetForFlush(pipelines)
	for _, p := range pipelines {
		s.flushing[p].Store(false)
	}
	if whole && s.transition(StateFlushing, StateDrained) {
		s.transition(StateDrained, StateActive)
	}
	s.admission.broadcast()

	elapsed := time.Since(start)
	metrics.ObserveFlush(s.id, mode, elapsed.Seconds())
	s.logger.Info("Flush complete", "mode", mode, "duration", elapsed, "state", s.State())
	return nil
}

// cancelGroups cancels every holder of groups that never reached a pipeline,
// including holders on pipelines outside the flush scope, and dispatches
// whatever became ready.
func (s *Session) cancelGroups(groups []*resultGroup, code ErrorCode) {
	s.resultMu.Lock()
	for _, g := range groups {
		for _, h := range g.holders {
			if h.alive && !h.cancelled {
				h.cancel(code)
			}
		}
	}
	s.resultMu.Unlock()

	// No pipeline will report metadata-buffer-done for these sequences.
	for _, g := range groups {
		for _, h := range g.holders {
			if s.releasers[h.pipeline] != nil {
				s.releaseMetaBuffers(h.pipeline, s.metaDone.mark(h.pipeline, h.sequence, bufferReady))
			}
		}
	}
	s.dispatchAll()
}

// cancelOutstanding cancels every live holder on pipelines and dispatches
// the resulting errors in sequence order.
func (s *Session) cancelOutstanding(pipelines []int, code ErrorCode) int {
	n := 0
	s.resultMu.Lock()
	s.table.ascend(func(g *resultGroup) bool {
		for _, h := range g.holders {
			if h.alive && !h.cancelled && slices.Contains(pipelines, h.pipeline) {
				h.cancel(code)
				n++
			}
		}
		return true
	})
	s.resultMu.Unlock()
	s.dispatchAll()
	return n
}

// SignalDeviceError puts the session into the terminal device error state,
// rejects further submissions and flushes every outstanding request as a
// device error. Subsequent calls are no-ops.
func (s *Session) SignalDeviceError(cause error) {
	if !s.enterDeviceError() {
		return
	}
	metrics.IncDeviceErrors(s.id)
	s.logger.Error("Device error signalled", "error", cause)
	s.admission.broadcast()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.Flush(context.Background(), nil); err != nil {
			s.logger.Warn("Device error flush failed", "error", err)
		}
	}()
}

func (s *Session) queuedFor(targets []int) int {
	if targets == nil {
		return s.queue.len()
	}
	s.queue.mu.Lock()
	defer s.queue.mu.Unlock()
	n := 0
	for _, g := range s.queue.items {
		if g.touches(targets) {
			n++
		}
	}
	return n
}

func (s *Session) allPipelines() []int {
	out := make([]int, len(s.pipelines))
	for i := range out {
		out[i] = i
	}
	return out
}
