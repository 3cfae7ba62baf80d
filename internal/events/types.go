package events

// Event type constants for kelindar/event.
const (
	TypeCaptureResult uint32 = iota + 1
	TypeNotify
	TypePartialMetadata
	TypeSessionStateChanged
	TypeStreamStatusChanged
	TypePipelineStateChanged
	TypeSessionMetrics
	TypeLogEntry
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// BufferEvent is one output buffer of a dispatched result.
type BufferEvent struct {
	Stream string `json:"stream" example:"preview" doc:"Output stream"`
	Handle uint64 `json:"handle" doc:"Client buffer handle"`
	Status string `json:"status" example:"ok" doc:"Buffer status: ok or error"`
}

// CaptureResultEvent is a final capture result, published in dispatch order.
type CaptureResultEvent struct {
	SessionID     string         `json:"session_id" doc:"Session identifier"`
	FrameNumber   uint64         `json:"frame_number" example:"42" doc:"Client frame number"`
	Sequence      uint32         `json:"sequence" example:"84" doc:"Session sequence id"`
	Pipeline      int            `json:"pipeline" example:"0" doc:"Pipeline index"`
	Error         string         `json:"error" example:"none" doc:"Whole-request error code"`
	MetadataError bool           `json:"metadata_error" doc:"Final metadata was lost"`
	Failed        bool           `json:"failed" doc:"Any component of the result is in error"`
	Metadata      map[string]any `json:"metadata,omitempty" doc:"Final result metadata"`
	Buffers       []BufferEvent  `json:"buffers" doc:"Returned output buffers"`
	Timestamp     string         `json:"timestamp" example:"2025-01-27T10:30:00Z" doc:"Dispatch timestamp"`
}

// Type returns the event type identifier for CaptureResultEvent.
func (e CaptureResultEvent) Type() uint32 { return TypeCaptureResult }

// NotifyEvent is a shutter, error or async notification.
type NotifyEvent struct {
	SessionID   string `json:"session_id" doc:"Session identifier"`
	Kind        string `json:"kind" example:"shutter" doc:"Notify type: shutter, error or async"`
	FrameNumber uint64 `json:"frame_number" doc:"Client frame number"`
	Sequence    uint32 `json:"sequence" doc:"Session sequence id"`
	Pipeline    int    `json:"pipeline" doc:"Pipeline index"`
	Code        string `json:"code,omitempty" example:"buffer" doc:"Error code for error notifies"`
	Stream      string `json:"stream,omitempty" doc:"Stream of a buffer error"`
	SensorTime  uint64 `json:"sensor_time,omitempty" doc:"Start of exposure in nanoseconds"`
	Message     string `json:"message,omitempty" doc:"Async message payload"`
}

// Type returns the event type identifier for NotifyEvent.
func (e NotifyEvent) Type() uint32 { return TypeNotify }

// PartialMetadataEvent carries partial or early metadata ahead of the result.
type PartialMetadataEvent struct {
	SessionID   string         `json:"session_id" doc:"Session identifier"`
	FrameNumber uint64         `json:"frame_number" doc:"Client frame number"`
	Sequence    uint32         `json:"sequence" doc:"Session sequence id"`
	Pipeline    int            `json:"pipeline" doc:"Pipeline index"`
	Early       bool           `json:"early" doc:"Early metadata rather than partial"`
	Metadata    map[string]any `json:"metadata" doc:"Partial metadata"`
}

// Type returns the event type identifier for PartialMetadataEvent.
func (e PartialMetadataEvent) Type() uint32 { return TypePartialMetadata }

// SessionStateChangedEvent is published on every session state transition.
type SessionStateChangedEvent struct {
	SessionID string `json:"session_id" doc:"Session identifier"`
	From      string `json:"from" example:"active" doc:"Previous state"`
	To        string `json:"to" example:"flushing" doc:"New state"`
	Timestamp string `json:"timestamp" doc:"Event timestamp"`
}

// Type returns the event type identifier for SessionStateChangedEvent.
func (e SessionStateChangedEvent) Type() uint32 { return TypeSessionStateChanged }

// StreamStatusChangedEvent reports a pipeline moving between sync stream states.
type StreamStatusChangedEvent struct {
	SessionID string `json:"session_id" doc:"Session identifier"`
	Pipeline  int    `json:"pipeline" doc:"Pipeline index"`
	From      string `json:"from" example:"not_streaming" doc:"Previous stream status"`
	To        string `json:"to" example:"sync_streaming" doc:"New stream status"`
	Timestamp string `json:"timestamp" doc:"Event timestamp"`
}

// Type returns the event type identifier for StreamStatusChangedEvent.
func (e StreamStatusChangedEvent) Type() uint32 { return TypeStreamStatusChanged }

// PipelineStateChangedEvent reports a pipeline process state change.
type PipelineStateChangedEvent struct {
	Pipeline  string `json:"pipeline" example:"wide" doc:"Pipeline name"`
	From      string `json:"from" example:"idle" doc:"Previous state"`
	To        string `json:"to" example:"streaming" doc:"New state"`
	Timestamp string `json:"timestamp" doc:"Event timestamp"`
}

// Type returns the event type identifier for PipelineStateChangedEvent.
func (e PipelineStateChangedEvent) Type() uint32 { return TypePipelineStateChanged }

// SessionMetricsEvent is a periodic snapshot of session counters.
type SessionMetricsEvent struct {
	EventType         string  `json:"type"`
	SessionID         string  `json:"session_id"`
	State             string  `json:"state"`
	LivePending       float64 `json:"live_pending"`
	Submitted         float64 `json:"submitted"`
	Rejected          float64 `json:"rejected"`
	ResultsDispatched float64 `json:"results_dispatched"`
	ResultErrors      float64 `json:"result_errors"`
	Flushes           float64 `json:"flushes"`
	ForcedFlushes     float64 `json:"forced_flushes"`
	DeviceErrors      float64 `json:"device_errors"`
}

// Type returns the event type identifier for SessionMetricsEvent.
func (e SessionMetricsEvent) Type() uint32 { return TypeSessionMetrics }

// LogEntryEvent represents a log entry for SSE streaming.
type LogEntryEvent struct {
	Seq        uint64         `json:"seq" example:"42" doc:"Monotonic sequence number for deduplication"`
	Timestamp  string         `json:"timestamp" example:"2025-01-09T10:30:00.123Z" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"session" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured log attributes"`
}

// Type returns the event type identifier for LogEntryEvent.
func (e LogEntryEvent) Type() uint32 { return TypeLogEntry }
