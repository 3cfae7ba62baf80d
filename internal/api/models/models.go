package models

import (
	"time"

	"github.com/smazurov/camsession/internal/pipeline"
	"github.com/smazurov/camsession/internal/session"
)

// Health check models
type HealthData struct {
	Status  string `json:"status" example:"ok" doc:"Service status"`
	Message string `json:"message" example:"API is healthy" doc:"Status message"`
	Session string `json:"session,omitempty" example:"active" doc:"Session state"`
}

type HealthResponse struct {
	Body HealthData
}

// Version models
type VersionData struct {
	Version   string `json:"version" example:"dev" doc:"Application version"`
	GitCommit string `json:"git_commit" example:"abc1234" doc:"Git commit SHA"`
	BuildDate string `json:"build_date" example:"2024-12-15 14:30" doc:"Build timestamp"`
	BuildID   string `json:"build_id" example:"a1b2c3d4" doc:"Unique build identifier"`
	GoVersion string `json:"go_version" example:"go1.21.0" doc:"Go compiler version"`
	Compiler  string `json:"compiler" example:"gc" doc:"Compiler used"`
	Platform  string `json:"platform" example:"linux/amd64" doc:"Platform"`
}

type VersionResponse struct {
	Body VersionData
}

// Session models
type SessionStatusResponse struct {
	Body session.Status
}

type SessionDumpResponse struct {
	ContentType string `header:"Content-Type"`
	Body        []byte
}

type FlushRequest struct {
	Body struct {
		Pipelines []int `json:"pipelines,omitempty" doc:"Pipeline indices to flush; empty flushes the whole session"`
	}
}

type FlushData struct {
	State    string `json:"state" example:"active" doc:"Session state after the flush"`
	Duration string `json:"duration" example:"12.5ms" doc:"Flush duration"`
}

type FlushResponse struct {
	Body FlushData
}

// PipelineRequestData is the per-pipeline part of a submitted capture request.
type PipelineRequestData struct {
	Pipeline      int            `json:"pipeline" minimum:"0" example:"0" doc:"Pipeline index"`
	Settings      map[string]any `json:"settings,omitempty" doc:"Opaque request settings"`
	OutputStreams []string       `json:"output_streams" example:"[\"preview\"]" doc:"Output streams to fill"`
	InputStreams  []string       `json:"input_streams,omitempty" doc:"Input streams for reprocess pipelines"`
}

type SubmitRequestData struct {
	FrameNumber  uint64                `json:"frame_number" example:"42" doc:"Client frame number"`
	Requests     []PipelineRequestData `json:"requests" minItems:"1" doc:"One entry per pipeline"`
	AELock       *session.AELockRange  `json:"ae_lock,omitempty" doc:"AE lock range for synchronized pipelines"`
	FenceDelayMs int                   `json:"fence_delay_ms,omitempty" minimum:"0" example:"5" doc:"Delay before buffer acquire fences signal"`
	FailFence    bool                  `json:"fail_fence,omitempty" doc:"Signal acquire fences with an error"`
}

type SubmitRequest struct {
	Body SubmitRequestData
}

type SubmittedBuffer struct {
	Pipeline int    `json:"pipeline" doc:"Pipeline index"`
	Stream   string `json:"stream" doc:"Stream identifier"`
	Handle   uint64 `json:"handle" doc:"Allocated buffer handle"`
}

type SubmitData struct {
	FrameNumber uint64            `json:"frame_number" doc:"Accepted client frame number"`
	Buffers     []SubmittedBuffer `json:"buffers" doc:"Buffer handles allocated for the request"`
}

type SubmitResponse struct {
	Body SubmitData
}

type TunablesData struct {
	FlushWait         string `json:"flush_wait" example:"500ms" doc:"Drain wait after pipeline flush"`
	FlushFallbackWait string `json:"flush_fallback_wait" example:"500ms" doc:"Extra wait before forcing a flush"`
	FenceWaitTimeout  string `json:"fence_wait_timeout" example:"1s" doc:"Acquire fence wait bound"`
}

type TunablesUpdate struct {
	FlushWait         string `json:"flush_wait,omitempty" example:"250ms" doc:"Drain wait after pipeline flush"`
	FlushFallbackWait string `json:"flush_fallback_wait,omitempty" example:"250ms" doc:"Extra wait before forcing a flush"`
	FenceWaitTimeout  string `json:"fence_wait_timeout,omitempty" example:"2s" doc:"Acquire fence wait bound"`
}

type TunablesRequest struct {
	Body TunablesUpdate
}

type TunablesResponse struct {
	Body TunablesData
}

type DeviceErrorRequest struct {
	Body struct {
		Pipeline *int   `json:"pipeline,omitempty" doc:"Raise the error from this pipeline instead of the session"`
		Reason   string `json:"reason,omitempty" example:"sensor lost" doc:"Error cause"`
	}
}

type SyncLinksData struct {
	Outcome string `json:"outcome" example:"established" doc:"retry, established or failed"`
}

type SyncLinksResponse struct {
	Body SyncLinksData
}

// Pipeline models
type PipelineData struct {
	pipeline.Info
	Uptime time.Duration `json:"uptime,omitempty" doc:"Time since the pipeline was created, in nanoseconds"`
}

type PipelineListData struct {
	Pipelines []PipelineData `json:"pipelines" doc:"Configured pipelines"`
	Count     int            `json:"count" example:"3" doc:"Number of pipelines"`
}

type PipelineListResponse struct {
	Body PipelineListData
}

type PipelinePath struct {
	Index int `path:"index" minimum:"0" example:"0" doc:"Pipeline index"`
}

type StreamOffRequest struct {
	Index     int  `path:"index" minimum:"0" example:"0" doc:"Pipeline index"`
	Immediate bool `query:"immediate" doc:"Fail in-flight work instead of letting it drain"`
}

type AELockRequest struct {
	Index int `path:"index" minimum:"0" example:"0" doc:"Pipeline index"`
	Body  session.AELockRange
}

type FailFlushRequest struct {
	Index int `path:"index" minimum:"0" example:"0" doc:"Pipeline index"`
	Body  struct {
		Enabled bool `json:"enabled" doc:"Make the next flushes fail"`
	}
}

// Logging models
type LogsRequest struct {
	Limit  int    `query:"limit" minimum:"0" default:"200" doc:"Newest entries to return"`
	Module string `query:"module" doc:"Only entries of this logging module (session, pipeline, api, ...)"`
}

type LogsData struct {
	Entries []LogEntryData `json:"entries" doc:"Log entries, oldest first"`
	Count   int            `json:"count" doc:"Number of entries returned"`
}

type LogEntryData struct {
	Timestamp  string         `json:"timestamp" doc:"Log timestamp"`
	Level      string         `json:"level" example:"info" doc:"Log level"`
	Module     string         `json:"module" example:"session" doc:"Source module"`
	Message    string         `json:"message" doc:"Log message"`
	Attributes map[string]any `json:"attributes,omitempty" doc:"Structured attributes"`
}

type LogsResponse struct {
	Body LogsData
}

type LogLevelsData struct {
	Levels map[string]string `json:"levels" doc:"Level per module"`
}

type LogLevelsRequest struct {
	Body LogLevelsData
}

type LogLevelsResponse struct {
	Body LogLevelsData
}
