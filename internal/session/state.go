package session

import (
	"fmt"

	"github.com/smazurov/camsession/internal/metrics"
)

// State is the lifecycle state of a session.
type State int32

// Session states. DeviceError is terminal until the session is closed.
const (
	StateActive State = iota
	StateFlushing
	StateDrained
	StateDeviceError
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateFlushing:
		return "flushing"
	case StateDrained:
		return "drained"
	case StateDeviceError:
		return "device_error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// State returns the current session state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// transition moves from old to state if the session is still in old.
func (s *Session) transition(old, state State) bool {
	if !s.state.CompareAndSwap(int32(old), int32(state)) {
		return false
	}
	s.stateChanged(old, state)
	return true
}

// setState forces state unless the session is already closed.
func (s *Session) setState(state State) {
	for {
		old := State(s.state.Load())
		if old == state || old == StateClosed {
			return
		}
		if s.state.CompareAndSwap(int32(old), int32(state)) {
			s.stateChanged(old, state)
			return
		}
	}
}

// enterDeviceError moves any live state into DeviceError. It reports
// whether this call made the transition.
func (s *Session) enterDeviceError() bool {
	for {
		old := State(s.state.Load())
		if old == StateDeviceError || old == StateClosed {
			return false
		}
		if s.state.CompareAndSwap(int32(old), int32(StateDeviceError)) {
			s.stateChanged(old, StateDeviceError)
			return true
		}
	}
}

func (s *Session) stateChanged(old, state State) {
	s.logger.Debug("Session state changed", "from", old, "to", state)
	metrics.SetSessionState(s.id, state.String())
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(old, state)
	}
}

// admissionBlocked reports why a request for pipelines cannot be admitted.
func (s *Session) admissionBlocked(pipelines []int) error {
	switch s.State() {
	case StateDeviceError:
		return newError(CodeDeviceError, "request rejected", ErrDeviceError)
	case StateClosed:
		return newError(CodeSessionClosed, "request rejected", ErrSessionClosed)
	case StateFlushing, StateDrained:
		return newError(CodeAdmissionCancelled, "request rejected", ErrFlushing)
	}
	for _, p := range pipelines {
		if s.flushing[p].Load() {
			return newError(CodeAdmissionCancelled, fmt.Sprintf("pipeline %d flushing", p), ErrFlushing)
		}
	}
	return nil
}
