package events

import (
	"sync/atomic"
	"time"

	"github.com/smazurov/camsession/internal/logging"
	"github.com/smazurov/camsession/internal/session"
)

// Publisher is the subset of Bus used by the dispatcher.
type Publisher interface {
	Publish(ev Event)
}

// Dispatcher delivers session output onto the event bus. Every message is
// copied into a plain event value before publishing, since the session
// reuses its pooled messages as soon as a dispatch call returns.
type Dispatcher struct {
	bus       Publisher
	sessionID string
	results   atomic.Uint64
}

var _ session.Dispatcher = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher publishing events tagged with sessionID.
func NewDispatcher(bus Publisher, sessionID string) *Dispatcher {
	return &Dispatcher{bus: bus, sessionID: sessionID}
}

// Dispatched returns the number of capture results published so far.
func (d *Dispatcher) Dispatched() uint64 {
	return d.results.Load()
}

// DispatchResults publishes one CaptureResultEvent per result, in order.
func (d *Dispatcher) DispatchResults(results []session.CaptureResult) error {
	now := timestamp()
	for i := range results {
		r := &results[i]
		buffers := make([]BufferEvent, len(r.OutputBuffers))
		for j, b := range r.OutputBuffers {
			status := "ok"
			if b.Status == session.BufferError {
				status = "error"
			}
			buffers[j] = BufferEvent{Stream: string(b.Stream), Handle: b.Buffer.Handle, Status: status}
		}
		d.bus.Publish(CaptureResultEvent{
			SessionID:     d.sessionID,
			FrameNumber:   r.FrameNumber,
			Sequence:      uint32(r.Sequence),
			Pipeline:      r.Pipeline,
			Error:         r.Error.String(),
			MetadataError: r.MetadataError,
			Failed:        r.Failed(),
			Metadata:      r.Metadata.Clone(),
			Buffers:       buffers,
			Timestamp:     now,
		})
		d.results.Add(1)
	}
	return nil
}

// DispatchNotify publishes a NotifyEvent.
func (d *Dispatcher) DispatchNotify(msg *session.NotifyMessage) error {
	ev := NotifyEvent{
		SessionID:   d.sessionID,
		Kind:        msg.Type.String(),
		FrameNumber: msg.FrameNumber,
		Sequence:    uint32(msg.Sequence),
		Pipeline:    msg.Pipeline,
		Stream:      string(msg.Stream),
		SensorTime:  msg.Timestamp,
		Message:     msg.Message,
	}
	if msg.Type == session.NotifyError {
		ev.Code = msg.Code.String()
	}
	d.bus.Publish(ev)
	return nil
}

// DispatchPartialMetadata publishes a PartialMetadataEvent.
func (d *Dispatcher) DispatchPartialMetadata(result *session.PartialResult) error {
	d.bus.Publish(PartialMetadataEvent{
		SessionID:   d.sessionID,
		FrameNumber: result.FrameNumber,
		Sequence:    uint32(result.Sequence),
		Pipeline:    result.Pipeline,
		Early:       result.Early,
		Metadata:    result.Metadata.Clone(),
	})
	return nil
}

// SessionStateChanged matches session.Options.OnStateChange.
func (d *Dispatcher) SessionStateChanged(old, state session.State) {
	d.bus.Publish(SessionStateChangedEvent{
		SessionID: d.sessionID,
		From:      old.String(),
		To:        state.String(),
		Timestamp: timestamp(),
	})
}

// StreamStatusChanged matches session.Options.OnStreamStatusChange.
func (d *Dispatcher) StreamStatusChanged(pipeline int, old, status session.StreamStatus) {
	d.bus.Publish(StreamStatusChangedEvent{
		SessionID: d.sessionID,
		Pipeline:  pipeline,
		From:      old.String(),
		To:        status.String(),
		Timestamp: timestamp(),
	})
}

// PipelineStateChanged publishes a pipeline process state change.
func (d *Dispatcher) PipelineStateChanged(name, from, to string) {
	d.bus.Publish(PipelineStateChangedEvent{
		Pipeline:  name,
		From:      from,
		To:        to,
		Timestamp: timestamp(),
	})
}

// LogPublisher returns a logging callback that republishes log entries on
// the bus with a monotonic sequence number.
func LogPublisher(bus Publisher) logging.LogCallback {
	var seq atomic.Uint64
	return func(entry logging.LogEntry) {
		bus.Publish(LogEntryEvent{
			Seq:        seq.Add(1),
			Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
			Level:      entry.Level,
			Module:     entry.Module,
			Message:    entry.Message,
			Attributes: entry.Attributes,
		})
	}
}

func timestamp() string {
	return time.Now().Format(time.RFC3339Nano)
}
