package pipeline

import (
	"time"

	"github.com/smazurov/camsession/internal/logging"
	"github.com/smazurov/camsession/internal/session"
)

// StateChangeCallback is called when a pipeline state changes.
type StateChangeCallback func(name string, oldState, newState State)

// Options configures a Simulated pipeline.
type Options struct {
	// Name identifies the pipeline in logs and metrics (required).
	Name string

	// RealTime pipelines are sensor driven and emit start-of-frame events.
	RealTime bool

	OutputStreams []session.StreamID
	InputStreams  []session.StreamID
	BypassStreams []session.StreamID

	// Latency is the base processing time per request; Jitter adds up to
	// that much on top, uniformly distributed.
	Latency time.Duration
	Jitter  time.Duration

	// ExposureTime is reported with every start-of-frame. Defaults to 10ms.
	ExposureTime time.Duration

	// PerFramePoolDepth bounds requests holding a metadata slot. Zero
	// disables slot tracking and metadata-buffer-done reporting.
	PerFramePoolDepth int

	PartialMetadata   bool
	EarlyMetadata     bool
	TentativeMetadata bool

	// ErrorRate is the probability in [0,1] that a request fails one of
	// its components.
	ErrorRate float64

	// QueueSize bounds requests waiting for the worker. Defaults to 64.
	QueueSize int

	// Seed makes fault injection reproducible when non-zero.
	Seed uint64

	// OnStateChange is called when the pipeline state transitions (optional).
	OnStateChange StateChangeCallback

	// Logger for pipeline operations. If nil, uses the "pipeline" module logger.
	Logger logging.Logger
}
