package session

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

// HolderStatus describes one live result holder.
type HolderStatus struct {
	Sequence        SequenceID `json:"sequence" toml:"sequence"`
	FrameNumber     uint64     `json:"frame_number" toml:"frame_number"`
	Pipeline        int        `json:"pipeline" toml:"pipeline"`
	RequestID       uint64     `json:"request_id" toml:"request_id"`
	State           string     `json:"state" toml:"state"`
	NumOutBuffers   int        `json:"num_out_buffers" toml:"num_out_buffers"`
	NumOkBuffers    int        `json:"num_ok_buffers" toml:"num_ok_buffers"`
	NumErrorBuffers int        `json:"num_error_buffers" toml:"num_error_buffers"`
	PendingMetadata int        `json:"pending_metadata" toml:"pending_metadata"`
}

// PipelineStatus describes one pipeline.
type PipelineStatus struct {
	Index                int           `json:"index" toml:"index"`
	Name                 string        `json:"name" toml:"name"`
	RealTime             bool          `json:"real_time" toml:"real_time"`
	StreamStatus         string        `json:"stream_status" toml:"stream_status"`
	SyncPartner          int           `json:"sync_partner" toml:"sync_partner"`
	AELock               *AELockRange  `json:"ae_lock,omitempty" toml:"ae_lock,omitempty"`
	Flushing             bool          `json:"flushing" toml:"flushing"`
	Requests             uint64        `json:"requests" toml:"requests"`
	LivePending          int           `json:"live_pending" toml:"live_pending"`
	SOFCount             uint64        `json:"sof_count" toml:"sof_count"`
	LastSOFSequence      SequenceID    `json:"last_sof_sequence" toml:"last_sof_sequence"`
	ExposureTime         time.Duration `json:"exposure_time" toml:"exposure_time"`
	MetaBuffersPending   int           `json:"meta_buffers_pending" toml:"meta_buffers_pending"`
	MetaBufferOldest     SequenceID    `json:"meta_buffer_oldest" toml:"meta_buffer_oldest"`
	MetaBufferLatest     SequenceID    `json:"meta_buffer_latest" toml:"meta_buffer_latest"`
	PerFramePoolDepth    int           `json:"per_frame_pool_depth" toml:"per_frame_pool_depth"`
	NextRequestID        uint64        `json:"next_request_id" toml:"next_request_id"`
	CurrentBatchPosition int           `json:"current_batch_position" toml:"current_batch_position"`
}

// RequestTiming is the submit-to-dispatch record of one recent request.
type RequestTiming struct {
	Sequence    SequenceID    `json:"sequence" toml:"sequence"`
	FrameNumber uint64        `json:"frame_number" toml:"frame_number"`
	Submitted   time.Time     `json:"submitted" toml:"submitted"`
	Latency     time.Duration `json:"latency" toml:"latency"`
}

// Status is a point-in-time view of the session.
type Status struct {
	ID                 string           `json:"id" toml:"id"`
	State              string           `json:"state" toml:"state"`
	LivePending        int              `json:"live_pending" toml:"live_pending"`
	MaxLivePending     int              `json:"max_live_pending" toml:"max_live_pending"`
	Queued             int              `json:"queued" toml:"queued"`
	NextSequence       SequenceID       `json:"next_sequence" toml:"next_sequence"`
	Holders            []HolderStatus   `json:"holders" toml:"holders"`
	Pipelines          []PipelineStatus `json:"pipelines" toml:"pipelines"`
	RecentTimings      []RequestTiming  `json:"recent_timings" toml:"recent_timings"`
	NotifyPoolSize     int              `json:"notify_pool_size" toml:"notify_pool_size"`
	PartialPoolSize    int              `json:"partial_pool_size" toml:"partial_pool_size"`
	BufferPoolSize     int              `json:"buffer_pool_size" toml:"buffer_pool_size"`
	BufferPoolSpills   uint64           `json:"buffer_pool_spills" toml:"buffer_pool_spills"`
	FlushWait          time.Duration    `json:"flush_wait" toml:"flush_wait"`
	FlushFallbackWait  time.Duration    `json:"flush_fallback_wait" toml:"flush_fallback_wait"`
	FenceWaitTimeout   time.Duration    `json:"fence_wait_timeout" toml:"fence_wait_timeout"`
	RequestQueueDepth  int              `json:"request_queue_depth" toml:"request_queue_depth"`
	BatchSize          int              `json:"batch_size" toml:"batch_size"`
	MaxOutputBuffers   int              `json:"max_output_buffers" toml:"max_output_buffers"`
	FrameNumberRingLen int              `json:"frame_number_ring_len" toml:"frame_number_ring_len"`
}

// Snapshot returns the current session status.
func (s *Session) Snapshot() Status {
	live, maxLive := s.admission.snapshot()
	tun := s.Tunables()
	st := Status{
		ID:                 s.id,
		State:              s.State().String(),
		LivePending:        live,
		MaxLivePending:     maxLive,
		Queued:             s.queue.len(),
		FlushWait:          tun.FlushWait,
		FlushFallbackWait:  tun.FlushFallbackWait,
		FenceWaitTimeout:   tun.FenceWaitTimeout,
		RequestQueueDepth:  s.opts.RequestQueueDepth,
		BatchSize:          s.opts.BatchSize,
		MaxOutputBuffers:   s.opts.MaxOutputBuffers,
		FrameNumberRingLen: len(s.frameNumbers),
	}
	st.NotifyPoolSize, _, _ = s.notifyPool.stats()
	st.PartialPoolSize, _, _ = s.partialPool.stats()
	st.BufferPoolSize, _, st.BufferPoolSpills = s.bufferPool.stats()

	s.resultMu.Lock()
	st.NextSequence = s.nextSeq
	s.table.ascend(func(g *resultGroup) bool {
		for _, h := range g.holders {
			st.Holders = append(st.Holders, HolderStatus{
				Sequence:        h.sequence,
				FrameNumber:     h.frameNumber,
				Pipeline:        h.pipeline,
				RequestID:       h.requestID,
				State:           string(h.state()),
				NumOutBuffers:   h.numOutBuffers,
				NumOkBuffers:    h.numOkBuffers,
				NumErrorBuffers: h.numErrorBuffers,
				PendingMetadata: h.pendingMetadata,
			})
		}
		return true
	})
	s.resultMu.Unlock()

	s.admission.mu.Lock()
	perPipeline := append([]int(nil), s.admission.perPipeline...)
	s.admission.mu.Unlock()

	s.statsMu.Lock()
	stats := append([]pipelineStats(nil), s.stats...)
	count := min(s.timingN, len(s.timings))
	for i := 0; i < count; i++ {
		t := s.timings[(s.timingN-count+i)%len(s.timings)]
		st.RecentTimings = append(st.RecentTimings, RequestTiming{
			Sequence:    t.Sequence,
			FrameNumber: t.FrameNumber,
			Submitted:   t.Submitted,
			Latency:     t.Dispatched.Sub(t.Submitted),
		})
	}
	s.statsMu.Unlock()

	for i, p := range s.pipelines {
		status, lock, partner := s.sync.snapshot(i)
		oldest, latest, outstanding := s.metaDone.window(i)
		st.Pipelines = append(st.Pipelines, PipelineStatus{
			Index:                i,
			Name:                 p.Name(),
			RealTime:             p.IsRealTime(),
			StreamStatus:         status.String(),
			SyncPartner:          partner,
			AELock:               lock,
			Flushing:             s.flushing[i].Load(),
			Requests:             stats[i].requests,
			LivePending:          perPipeline[i],
			SOFCount:             stats[i].sofCount,
			LastSOFSequence:      stats[i].lastSOF,
			ExposureTime:         stats[i].exposure,
			MetaBuffersPending:   outstanding,
			MetaBufferOldest:     oldest,
			MetaBufferLatest:     latest,
			PerFramePoolDepth:    p.PerFramePoolDepth(),
			NextRequestID:        stats[i].requestID,
			CurrentBatchPosition: stats[i].batchIndex,
		})
	}
	return st
}

// DumpState writes a human-readable diagnostic dump of the session.
func (s *Session) DumpState(w io.Writer) error {
	st := s.Snapshot()

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Session %s\n", st.ID)
	fmt.Fprintf(tw, "  state:\t%s\n", st.State)
	fmt.Fprintf(tw, "  live pending:\t%d/%d\n", st.LivePending, st.MaxLivePending)
	fmt.Fprintf(tw, "  queued:\t%d\n", st.Queued)
	fmt.Fprintf(tw, "  next sequence:\t%d\n", st.NextSequence)
	fmt.Fprintf(tw, "  queue depth:\t%d (batch %d)\n", st.RequestQueueDepth, st.BatchSize)
	fmt.Fprintf(tw, "  flush wait:\t%s (+%s fallback)\n", st.FlushWait, st.FlushFallbackWait)
	fmt.Fprintf(tw, "  fence wait timeout:\t%s\n", st.FenceWaitTimeout)
	fmt.Fprintf(tw, "  pools:\tnotify=%d partial=%d buffer=%d spills=%d\n",
		st.NotifyPoolSize, st.PartialPoolSize, st.BufferPoolSize, st.BufferPoolSpills)

	fmt.Fprintf(tw, "\nPipelines\n")
	fmt.Fprintf(tw, "  IDX\tNAME\tRT\tSTATUS\tPARTNER\tAE LOCK\tLIVE\tREQS\tSOF\tEXPOSURE\tMETA PENDING\n")
	for _, p := range st.Pipelines {
		lock := "-"
		if p.AELock != nil {
			lock = fmt.Sprintf("[%d,%d]", p.AELock.Start, p.AELock.Stop)
		}
		fmt.Fprintf(tw, "  %d\t%s\t%t\t%s\t%d\t%s\t%d\t%d\t%d\t%s\t%d\n",
			p.Index, p.Name, p.RealTime, p.StreamStatus, p.SyncPartner, lock,
			p.LivePending, p.Requests, p.SOFCount, p.ExposureTime, p.MetaBuffersPending)
	}

	fmt.Fprintf(tw, "\nHolders (%d)\n", len(st.Holders))
	if len(st.Holders) > 0 {
		fmt.Fprintf(tw, "  SEQ\tFRAME\tPIPELINE\tREQ ID\tSTATE\tBUFFERS\tMETA PENDING\n")
		for _, h := range st.Holders {
			fmt.Fprintf(tw, "  %d\t%d\t%d\t%d\t%s\t%d+%d/%d\t%d\n",
				h.Sequence, h.FrameNumber, h.Pipeline, h.RequestID, h.State,
				h.NumOkBuffers, h.NumErrorBuffers, h.NumOutBuffers, h.PendingMetadata)
		}
	}

	fmt.Fprintf(tw, "\nRecent requests (%d)\n", len(st.RecentTimings))
	for _, t := range st.RecentTimings {
		fmt.Fprintf(tw, "  seq %d\tframe %d\t%s\n", t.Sequence, t.FrameNumber, t.Latency)
	}
	return tw.Flush()
}
