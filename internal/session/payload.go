package session

import "time"

// Result is one completion reported by a pipeline.
type Result struct {
	Pipeline int
	Payload  Payload
}

// Payload is the closed set of completion kinds. Only types declared in this
// package implement it.
type Payload interface {
	isPayload()
}

// ErrorPayload reports a device, request, metadata or buffer failure.
type ErrorPayload struct {
	Sequence SequenceID
	Code     ErrorCode
	// Stream names the failed buffer for ErrorCodeBuffer.
	Stream StreamID
}

// AsyncPayload is a pipeline message not tied to result completion.
type AsyncPayload struct {
	Sequence  SequenceID
	Timestamp uint64
	Message   string
}

// SOFPayload reports a start-of-frame for a real-time pipeline.
type SOFPayload struct {
	Sequence     SequenceID
	Timestamp    uint64
	// ExposureTime is the sensor exposure in use for this frame.
	ExposureTime time.Duration
}

// MetadataPayload carries final result metadata.
type MetadataPayload struct {
	Sequence SequenceID
	Metadata Metadata
}

// PartialMetadataPayload carries partial or early metadata.
type PartialMetadataPayload struct {
	Sequence SequenceID
	Metadata Metadata
	Early    bool
}

// BufferPayload returns one filled output buffer.
type BufferPayload struct {
	Sequence SequenceID
	Buffer   StreamBuffer
}

// MetaBufferDonePayload reports that the pipeline released its reference to
// the per-frame metadata slot for a request.
type MetaBufferDonePayload struct {
	Sequence SequenceID
}

func (ErrorPayload) isPayload()           {}
func (AsyncPayload) isPayload()           {}
func (SOFPayload) isPayload()             {}
func (MetadataPayload) isPayload()        {}
func (PartialMetadataPayload) isPayload() {}
func (BufferPayload) isPayload()          {}
func (MetaBufferDonePayload) isPayload()  {}
