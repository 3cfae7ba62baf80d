package session

import (
	"context"
	"maps"
	"time"
)

// SequenceID is the session-wide ordering key assigned to every accepted
// pipeline request. It is distinct from the per-pipeline request id and from
// the framework frame number supplied by the client.
type SequenceID uint32

// StreamID identifies an input or output stream configured on a pipeline.
type StreamID string

// Metadata is an opaque settings or result blob carried alongside buffers.
type Metadata map[string]any

// Clone returns a shallow copy of the metadata.
func (m Metadata) Clone() Metadata {
	if m == nil {
		return nil
	}
	return maps.Clone(m)
}

// Fence is a producer acquire fence guarding a buffer.
type Fence interface {
	Wait(ctx context.Context) error
}

// StreamBuffer is one buffer exchanged with a pipeline.
type StreamBuffer struct {
	Stream       StreamID `json:"stream"`
	Handle       uint64   `json:"handle"`
	AcquireFence Fence    `json:"-"`
}

// PipelineRequest is the per-pipeline portion of a client capture request.
type PipelineRequest struct {
	Pipeline      int
	Settings      Metadata
	InputBuffers  []StreamBuffer
	OutputBuffers []StreamBuffer
}

// AELockRange is an inclusive range of pipeline request ids over which 3A
// keeps exposure locked across synchronized sensors.
type AELockRange struct {
	Start uint64 `json:"start" toml:"start"`
	Stop  uint64 `json:"stop" toml:"stop"`
}

// CaptureRequest is one client frame, possibly spanning several pipelines.
type CaptureRequest struct {
	FrameNumber uint64
	Requests    []PipelineRequest
	// AELock, when set on a request to synchronized pipelines, becomes the
	// common lock range for every sub-request.
	AELock *AELockRange
}

func (r *CaptureRequest) pipelineIndices() []int {
	out := make([]int, len(r.Requests))
	for i := range r.Requests {
		out[i] = r.Requests[i].Pipeline
	}
	return out
}

// SubRequest is what a pipeline receives from ProcessRequest.
type SubRequest struct {
	Sequence      SequenceID
	RequestID     uint64
	BatchIndex    int
	FrameNumber   uint64
	Settings      Metadata
	InputBuffers  []StreamBuffer
	OutputBuffers []StreamBuffer
	Sync          bool
	SyncTag       uint32
	AELock        *AELockRange
}

// MetadataInfo describes what a pipeline produces per request.
type MetadataInfo struct {
	OutputStreams []StreamID
	InputStreams  []StreamID
	// BypassStreams may be requested without a buffer handle.
	BypassStreams []StreamID
	// TentativeMetadata marks offline pipelines that may never produce final
	// metadata for a request; their results complete on buffers alone.
	TentativeMetadata bool
	PartialMetadata   bool
	EarlyMetadata     bool
}

func (m MetadataInfo) hasOutput(id StreamID) bool {
	for _, s := range m.OutputStreams {
		if s == id {
			return true
		}
	}
	return false
}

func (m MetadataInfo) hasInput(id StreamID) bool {
	for _, s := range m.InputStreams {
		if s == id {
			return true
		}
	}
	return false
}

func (m MetadataInfo) isBypass(id StreamID) bool {
	for _, s := range m.BypassStreams {
		if s == id {
			return true
		}
	}
	return false
}

// StreamOffMode selects how a pipeline stops streaming.
type StreamOffMode int

// Stream off modes.
const (
	StreamOffDefault StreamOffMode = iota
	StreamOffImmediate
)

// Pipeline is the processing pipeline collaborator. ProcessRequest must not
// block on completion; completions arrive later through the ResultSink
// handed over in Attach.
type Pipeline interface {
	Name() string
	IsRealTime() bool
	Attach(index int, sink ResultSink)
	ProcessRequest(req *SubRequest) error
	StreamOn(ctx context.Context) error
	StreamOff(ctx context.Context, mode StreamOffMode) error
	Flush(ctx context.Context) error
	QueryMetadataInfo() MetadataInfo
	PerFramePoolDepth() int
}

// MetaBufferReleaser is implemented by pipelines whose per-frame metadata
// slots are recycled once the client and the pipeline are both done with them.
// ReleaseMetaBuffers runs on the dispatch path and must not call back into
// the session.
type MetaBufferReleaser interface {
	ReleaseMetaBuffers(requestIDs []uint64)
}

// LinkHandle identifies an established hardware link synchronization.
type LinkHandle uint64

// LinkSyncer establishes hardware link synchronization between two
// real-time pipelines.
type LinkSyncer interface {
	SyncLinks(ctx context.Context, a, b int) (LinkHandle, error)
}

// ResultSink receives asynchronous completions from pipelines.
type ResultSink interface {
	NotifyResult(r Result)
}

// ErrorCode classifies a component or request failure.
type ErrorCode int

// Error codes reported by pipelines and carried in dispatched results.
const (
	ErrorCodeNone ErrorCode = iota
	ErrorCodeDevice
	ErrorCodeRequest
	ErrorCodeResult
	ErrorCodeBuffer
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorCodeNone:
		return "none"
	case ErrorCodeDevice:
		return "device"
	case ErrorCodeRequest:
		return "request"
	case ErrorCodeResult:
		return "result"
	case ErrorCodeBuffer:
		return "buffer"
	default:
		return "unknown"
	}
}

// ResultType is the per-component classification of a dispatched result.
type ResultType int

// Result types.
const (
	ResultEarlyMetadataOK ResultType = iota
	ResultMetadataOK
	ResultBufferOK
	ResultMetadataError
	ResultBufferError
	ResultDeviceError
	ResultRequestError
)

func (t ResultType) String() string {
	switch t {
	case ResultEarlyMetadataOK:
		return "early_metadata_ok"
	case ResultMetadataOK:
		return "metadata_ok"
	case ResultBufferOK:
		return "buffer_ok"
	case ResultMetadataError:
		return "metadata_error"
	case ResultBufferError:
		return "buffer_error"
	case ResultDeviceError:
		return "device_error"
	case ResultRequestError:
		return "request_error"
	default:
		return "invalid"
	}
}

// BufferStatus reports whether a returned buffer holds valid data.
type BufferStatus int

// Buffer statuses.
const (
	BufferOK BufferStatus = iota
	BufferError
)

// BufferResult is one output buffer in a dispatched capture result.
type BufferResult struct {
	Stream StreamID     `json:"stream"`
	Buffer StreamBuffer `json:"buffer"`
	Status BufferStatus `json:"status"`
}

// CaptureResult is the final result for one pipeline request.
type CaptureResult struct {
	FrameNumber   uint64         `json:"frame_number"`
	Sequence      SequenceID     `json:"sequence"`
	Pipeline      int            `json:"pipeline"`
	Metadata      Metadata       `json:"metadata,omitempty"`
	MetadataError bool           `json:"metadata_error"`
	OutputBuffers []BufferResult `json:"output_buffers"`
	InputBuffers  []StreamBuffer `json:"input_buffers,omitempty"`
	// Error is set when the whole request failed (device or request error).
	Error ErrorCode `json:"error"`
}

// Failed reports whether any component of the result is in error.
func (r *CaptureResult) Failed() bool {
	if r.Error != ErrorCodeNone || r.MetadataError {
		return true
	}
	for i := range r.OutputBuffers {
		if r.OutputBuffers[i].Status == BufferError {
			return true
		}
	}
	return false
}

// NotifyType selects the kind of notify message.
type NotifyType int

// Notify message types.
const (
	NotifyShutter NotifyType = iota
	NotifyError
	NotifyAsync
)

func (t NotifyType) String() string {
	switch t {
	case NotifyShutter:
		return "shutter"
	case NotifyError:
		return "error"
	case NotifyAsync:
		return "async"
	default:
		return "unknown"
	}
}

// NotifyMessage is a shutter, error or async notification for the client.
type NotifyMessage struct {
	Type        NotifyType `json:"type"`
	FrameNumber uint64     `json:"frame_number"`
	Sequence    SequenceID `json:"sequence"`
	Pipeline    int        `json:"pipeline"`
	Code        ErrorCode  `json:"code"`
	Stream      StreamID   `json:"stream,omitempty"`
	Timestamp   uint64     `json:"timestamp,omitempty"`
	Message     string     `json:"message,omitempty"`
}

// PartialResult carries partial or early metadata ahead of the final result.
type PartialResult struct {
	FrameNumber uint64     `json:"frame_number"`
	Sequence    SequenceID `json:"sequence"`
	Pipeline    int        `json:"pipeline"`
	Metadata    Metadata   `json:"metadata"`
	Early       bool       `json:"early"`
}

// Dispatcher is the outward sink for results. Messages handed to it are
// backed by the session's fixed pools and must be copied if retained past
// the call. Errors are logged; a dispatched result is considered delivered.
// Calls are serialized and must not submit new requests synchronously.
type Dispatcher interface {
	DispatchResults(results []CaptureResult) error
	DispatchNotify(msg *NotifyMessage) error
	DispatchPartialMetadata(result *PartialResult) error
}

// FlushScope limits a flush to the named pipelines. A nil scope flushes the
// whole session.
type FlushScope struct {
	Pipelines []int
}

// requestTiming records submission and dispatch time for one group.
type requestTiming struct {
	Sequence    SequenceID
	FrameNumber uint64
	Submitted   time.Time
	Dispatched  time.Time
}
