package pipeline

import "time"

// State represents the current state of a simulated pipeline.
type State string

// Pipeline states.
const (
	StateIdle      State = "idle"      // Created, not streaming
	StateStreaming State = "streaming" // Producing results
	StateFlushing  State = "flushing"  // Dropping queued work
	StateHung      State = "hung"      // Accepting work but never completing it
	StateStopped   State = "stopped"   // Worker exited
)

// Info contains information about a simulated pipeline.
type Info struct {
	Name            string    `json:"name"`
	Index           int       `json:"index"`
	State           State     `json:"state"`
	RealTime        bool      `json:"real_time"`
	Queued          int       `json:"queued"`
	InFlight        int       `json:"in_flight"`
	MetaSlotsInUse  int       `json:"meta_slots_in_use"`
	Completed       uint64    `json:"completed"`
	InjectedErrors  uint64    `json:"injected_errors"`
	FlushedRequests uint64    `json:"flushed_requests"`
	StartedAt       time.Time `json:"started_at"`
}
