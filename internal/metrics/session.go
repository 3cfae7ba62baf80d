// Package metrics provides Prometheus metrics for capture sessions and pipelines.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionLivePending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "camsession",
		Subsystem: "session",
		Name:      "live_pending_requests",
		Help:      "Client requests accepted but not yet dispatched",
	}, []string{"session_id"})

	sessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "camsession",
		Subsystem: "session",
		Name:      "state",
		Help:      "Current session state (1 for the active state label)",
	}, []string{"session_id", "state"})

	sessionRequestsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camsession",
		Subsystem: "session",
		Name:      "requests_submitted_total",
		Help:      "Client requests accepted for processing",
	}, []string{"session_id"})

	sessionRequestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camsession",
		Subsystem: "session",
		Name:      "requests_rejected_total",
		Help:      "Client requests rejected synchronously",
	}, []string{"session_id", "reason"})

	sessionResultsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camsession",
		Subsystem: "session",
		Name:      "results_dispatched_total",
		Help:      "Capture results dispatched to the client",
	}, []string{"session_id", "outcome"})

	sessionNotifies = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camsession",
		Subsystem: "session",
		Name:      "notifies_total",
		Help:      "Notify messages dispatched to the client",
	}, []string{"session_id", "type"})

	sessionResultLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "camsession",
		Subsystem: "session",
		Name:      "result_latency_seconds",
		Help:      "Time from request acceptance to result dispatch",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"session_id"})

	sessionFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camsession",
		Subsystem: "session",
		Name:      "flushes_total",
		Help:      "Flushes by completion mode",
	}, []string{"session_id", "mode"})

	sessionFlushDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "camsession",
		Subsystem: "session",
		Name:      "flush_duration_seconds",
		Help:      "Flush duration",
		Buckets:   []float64{.001, .01, .05, .1, .25, .5, 1, 2},
	}, []string{"session_id"})

	sessionDeviceErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camsession",
		Subsystem: "session",
		Name:      "device_errors_total",
		Help:      "Device errors signalled",
	}, []string{"session_id"})

	// Local cache for API and SSE access.
	sessionCache   = make(map[string]*SessionMetrics)
	sessionCacheMu sync.RWMutex
)

// SessionStates lists the label values used by the state gauge.
var SessionStates = []string{"active", "flushing", "drained", "device_error", "closed"}

// SessionMetrics holds current counter values for a session.
type SessionMetrics struct {
	LivePending       float64
	State             string
	Submitted         float64
	Rejected          float64
	ResultsDispatched float64
	ResultErrors      float64
	Flushes           float64
	ForcedFlushes     float64
	DeviceErrors      float64
}

// SetLivePending sets the live pending request count.
func SetLivePending(sessionID string, n int) {
	sessionLivePending.WithLabelValues(sessionID).Set(float64(n))
	updateCache(sessionID, func(m *SessionMetrics) { m.LivePending = float64(n) })
}

// SetSessionState marks state as the current session state.
func SetSessionState(sessionID, state string) {
	for _, s := range SessionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		sessionState.WithLabelValues(sessionID, s).Set(v)
	}
	updateCache(sessionID, func(m *SessionMetrics) { m.State = state })
}

// IncRequestsSubmitted counts one accepted client request.
func IncRequestsSubmitted(sessionID string) {
	sessionRequestsSubmitted.WithLabelValues(sessionID).Inc()
	updateCache(sessionID, func(m *SessionMetrics) { m.Submitted++ })
}

// IncRequestsRejected counts one rejected client request.
func IncRequestsRejected(sessionID, reason string) {
	sessionRequestsRejected.WithLabelValues(sessionID, reason).Inc()
	updateCache(sessionID, func(m *SessionMetrics) { m.Rejected++ })
}

// AddResultsDispatched counts dispatched results by outcome.
func AddResultsDispatched(sessionID, outcome string, n int) {
	sessionResultsDispatched.WithLabelValues(sessionID, outcome).Add(float64(n))
	updateCache(sessionID, func(m *SessionMetrics) {
		m.ResultsDispatched += float64(n)
		if outcome != "ok" {
			m.ResultErrors += float64(n)
		}
	})
}

// IncNotify counts one notify message.
func IncNotify(sessionID, notifyType string) {
	sessionNotifies.WithLabelValues(sessionID, notifyType).Inc()
}

// ObserveResultLatency records acceptance-to-dispatch latency in seconds.
func ObserveResultLatency(sessionID string, seconds float64) {
	sessionResultLatency.WithLabelValues(sessionID).Observe(seconds)
}

// ObserveFlush records a completed flush.
func ObserveFlush(sessionID, mode string, seconds float64) {
	sessionFlushes.WithLabelValues(sessionID, mode).Inc()
	sessionFlushDuration.WithLabelValues(sessionID).Observe(seconds)
	updateCache(sessionID, func(m *SessionMetrics) {
		m.Flushes++
		if mode == "forced" {
			m.ForcedFlushes++
		}
	})
}

// IncDeviceErrors counts one device error.
func IncDeviceErrors(sessionID string) {
	sessionDeviceErrors.WithLabelValues(sessionID).Inc()
	updateCache(sessionID, func(m *SessionMetrics) { m.DeviceErrors++ })
}

// DeleteSessionMetrics removes all metrics for a session.
func DeleteSessionMetrics(sessionID string) {
	sessionLivePending.DeleteLabelValues(sessionID)
	sessionRequestsSubmitted.DeleteLabelValues(sessionID)
	sessionResultLatency.DeleteLabelValues(sessionID)
	sessionFlushDuration.DeleteLabelValues(sessionID)
	sessionDeviceErrors.DeleteLabelValues(sessionID)
	for _, s := range SessionStates {
		sessionState.DeleteLabelValues(sessionID, s)
	}
	sessionRequestsRejected.DeletePartialMatch(prometheus.Labels{"session_id": sessionID})
	sessionResultsDispatched.DeletePartialMatch(prometheus.Labels{"session_id": sessionID})
	sessionNotifies.DeletePartialMatch(prometheus.Labels{"session_id": sessionID})
	sessionFlushes.DeletePartialMatch(prometheus.Labels{"session_id": sessionID})

	sessionCacheMu.Lock()
	delete(sessionCache, sessionID)
	sessionCacheMu.Unlock()
}

// GetSessionMetrics returns current metric values for a session.
func GetSessionMetrics(sessionID string) *SessionMetrics {
	sessionCacheMu.RLock()
	defer sessionCacheMu.RUnlock()
	if m, ok := sessionCache[sessionID]; ok {
		dup := *m
		return &dup
	}
	return nil
}

// GetAllSessionMetrics returns metrics for all known sessions.
func GetAllSessionMetrics() map[string]*SessionMetrics {
	sessionCacheMu.RLock()
	defer sessionCacheMu.RUnlock()
	result := make(map[string]*SessionMetrics, len(sessionCache))
	for id, m := range sessionCache {
		dup := *m
		result[id] = &dup
	}
	return result
}

func updateCache(sessionID string, update func(*SessionMetrics)) {
	sessionCacheMu.Lock()
	defer sessionCacheMu.Unlock()
	m, ok := sessionCache[sessionID]
	if !ok {
		m = &SessionMetrics{}
		sessionCache[sessionID] = m
	}
	update(m)
}
