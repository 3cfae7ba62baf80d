package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pipelineRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camsession",
		Subsystem: "pipeline",
		Name:      "requests_total",
		Help:      "Sub-requests handed to a pipeline",
	}, []string{"pipeline"})

	pipelineSOF = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "camsession",
		Subsystem: "pipeline",
		Name:      "sof_total",
		Help:      "Start-of-frame events reported by a real-time pipeline",
	}, []string{"pipeline"})

	pipelineStreamStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "camsession",
		Subsystem: "pipeline",
		Name:      "stream_status",
		Help:      "Stream status (0 not streaming, 1 unsynchronized, 2 synchronized)",
	}, []string{"pipeline"})

	pipelineMetaBuffersOutstanding = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "camsession",
		Subsystem: "pipeline",
		Name:      "meta_buffers_outstanding",
		Help:      "Per-frame metadata slots not yet released",
	}, []string{"pipeline"})
)

// IncPipelineRequests counts one sub-request sent to a pipeline.
func IncPipelineRequests(pipeline string) {
	pipelineRequests.WithLabelValues(pipeline).Inc()
}

// IncPipelineSOF counts one start-of-frame.
func IncPipelineSOF(pipeline string) {
	pipelineSOF.WithLabelValues(pipeline).Inc()
}

// SetPipelineStreamStatus sets the stream status of a pipeline.
func SetPipelineStreamStatus(pipeline string, status int) {
	pipelineStreamStatus.WithLabelValues(pipeline).Set(float64(status))
}

// SetPipelineMetaBuffersOutstanding sets the outstanding metadata slot count.
func SetPipelineMetaBuffersOutstanding(pipeline string, n int) {
	pipelineMetaBuffersOutstanding.WithLabelValues(pipeline).Set(float64(n))
}

// DeletePipelineMetrics removes all metrics for a pipeline.
func DeletePipelineMetrics(pipeline string) {
	pipelineRequests.DeleteLabelValues(pipeline)
	pipelineSOF.DeleteLabelValues(pipeline)
	pipelineStreamStatus.DeleteLabelValues(pipeline)
	pipelineMetaBuffersOutstanding.DeleteLabelValues(pipeline)
}
