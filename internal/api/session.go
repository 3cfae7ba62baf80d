package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/camsession/internal/api/models"
	"github.com/smazurov/camsession/internal/fence"
	"github.com/smazurov/camsession/internal/session"
)

var errFenceRequested = errors.New("fence failure requested by client")

// registerSessionRoutes registers session control endpoints.
func (s *Server) registerSessionRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/api/session",
		Summary:     "Session Status",
		Description: "Get live holders, pipeline sync state, pools and tunables of the session",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.SessionStatusResponse, error) {
		return &models.SessionStatusResponse{Body: s.session.Snapshot()}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "dump-session",
		Method:      http.MethodGet,
		Path:        "/api/session/dump",
		Summary:     "Session Dump",
		Description: "Human readable dump of the session state",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{401, 500},
	}, func(_ context.Context, _ *struct{}) (*models.SessionDumpResponse, error) {
		var buf bytes.Buffer
		if err := s.session.DumpState(&buf); err != nil {
			return nil, huma.Error500InternalServerError("dump failed", err)
		}
		return &models.SessionDumpResponse{
			ContentType: "text/plain; charset=utf-8",
			Body:        buf.Bytes(),
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "submit-request",
		Method:      http.MethodPost,
		Path:        "/api/session/requests",
		Summary:     "Submit Capture Request",
		Description: "Submit one client frame. Buffer handles are allocated by the server; results arrive on the event stream.",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 404, 409, 503, 504},
	}, func(ctx context.Context, input *models.SubmitRequest) (*models.SubmitResponse, error) {
		req, buffers := s.buildCaptureRequest(&input.Body)
		if err := s.session.ProcessCaptureRequest(ctx, req); err != nil {
			return nil, s.mapSessionError(err)
		}
		return &models.SubmitResponse{
			Body: models.SubmitData{FrameNumber: req.FrameNumber, Buffers: buffers},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "flush-session",
		Method:      http.MethodPost,
		Path:        "/api/session/flush",
		Summary:     "Flush",
		Description: "Flush the whole session or the listed pipelines. Returns once every affected request has been dispatched.",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 404, 503},
	}, func(ctx context.Context, input *models.FlushRequest) (*models.FlushResponse, error) {
		var scope *session.FlushScope
		if len(input.Body.Pipelines) > 0 {
			scope = &session.FlushScope{Pipelines: input.Body.Pipelines}
		}
		start := time.Now()
		if err := s.session.Flush(ctx, scope); err != nil {
			return nil, s.mapSessionError(err)
		}
		return &models.FlushResponse{
			Body: models.FlushData{
				State:    s.session.State().String(),
				Duration: time.Since(start).String(),
			},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID:   "signal-device-error",
		Method:        http.MethodPost,
		Path:          "/api/session/device-error",
		Summary:       "Signal Device Error",
		Description:   "Put the session into device error, either directly or by injecting the error from a pipeline",
		Tags:          []string{"session"},
		Security:      withAuth(),
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{401, 404},
	}, func(_ context.Context, input *models.DeviceErrorRequest) (*struct{}, error) {
		if input.Body.Pipeline != nil {
			p, err := s.pipelineControl(*input.Body.Pipeline)
			if err != nil {
				return nil, err
			}
			p.InjectDeviceError()
			return &struct{}{}, nil
		}
		reason := input.Body.Reason
		if reason == "" {
			reason = "signalled via API"
		}
		s.session.SignalDeviceError(errors.New(reason))
		return &struct{}{}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "sync-links",
		Method:      http.MethodPost,
		Path:        "/api/session/sync",
		Summary:     "Sync Links",
		Description: "Attempt hardware link synchronization between the streaming real-time pipelines",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{401, 409, 503},
	}, func(ctx context.Context, _ *struct{}) (*models.SyncLinksResponse, error) {
		outcome, err := s.session.CheckAndSyncLinks(ctx)
		if err != nil && outcome != session.SyncFailed {
			return nil, s.mapSessionError(err)
		}
		return &models.SyncLinksResponse{Body: models.SyncLinksData{Outcome: outcome.String()}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-tunables",
		Method:      http.MethodGet,
		Path:        "/api/session/tunables",
		Summary:     "Get Tunables",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.TunablesResponse, error) {
		return &models.TunablesResponse{Body: tunablesData(s.session.Tunables())}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "update-tunables",
		Method:      http.MethodPut,
		Path:        "/api/session/tunables",
		Summary:     "Update Tunables",
		Description: "Change flush and fence timing while the session runs. Empty fields keep their value.",
		Tags:        []string{"session"},
		Security:    withAuth(),
		Errors:      []int{400, 401},
	}, func(_ context.Context, input *models.TunablesRequest) (*models.TunablesResponse, error) {
		var t session.Tunables
		fields := []struct {
			name  string
			value string
			dst   *time.Duration
		}{
			{"flush_wait", input.Body.FlushWait, &t.FlushWait},
			{"flush_fallback_wait", input.Body.FlushFallbackWait, &t.FlushFallbackWait},
			{"fence_wait_timeout", input.Body.FenceWaitTimeout, &t.FenceWaitTimeout},
		}
		for _, f := range fields {
			if f.value == "" {
				continue
			}
			d, err := time.ParseDuration(f.value)
			if err != nil || d <= 0 {
				return nil, huma.Error400BadRequest(fmt.Sprintf("invalid %s %q", f.name, f.value))
			}
			*f.dst = d
		}
		s.session.UpdateTunables(t)
		return &models.TunablesResponse{Body: tunablesData(s.session.Tunables())}, nil
	})
}

// buildCaptureRequest allocates buffer handles and acquire fences for a
// submitted frame.
func (s *Server) buildCaptureRequest(in *models.SubmitRequestData) (*session.CaptureRequest, []models.SubmittedBuffer) {
	req := &session.CaptureRequest{
		FrameNumber: in.FrameNumber,
		Requests:    make([]session.PipelineRequest, 0, len(in.Requests)),
		AELock:      in.AELock,
	}
	var buffers []models.SubmittedBuffer

	newBuffer := func(p int, stream string) session.StreamBuffer {
		b := session.StreamBuffer{
			Stream: session.StreamID(stream),
			Handle: s.nextHandle.Add(1),
		}
		var fenceErr error
		if in.FailFence {
			fenceErr = errFenceRequested
		}
		switch {
		case in.FenceDelayMs > 0:
			b.AcquireFence = fence.After(time.Duration(in.FenceDelayMs)*time.Millisecond, fenceErr)
		case fenceErr != nil:
			b.AcquireFence = fence.Signalled(fenceErr)
		}
		buffers = append(buffers, models.SubmittedBuffer{Pipeline: p, Stream: stream, Handle: b.Handle})
		return b
	}

	for _, pr := range in.Requests {
		preq := session.PipelineRequest{
			Pipeline: pr.Pipeline,
			Settings: session.Metadata(pr.Settings),
		}
		for _, stream := range pr.OutputStreams {
			preq.OutputBuffers = append(preq.OutputBuffers, newBuffer(pr.Pipeline, stream))
		}
		for _, stream := range pr.InputStreams {
			preq.InputBuffers = append(preq.InputBuffers, newBuffer(pr.Pipeline, stream))
		}
		req.Requests = append(req.Requests, preq)
	}
	return req, buffers
}

func tunablesData(t session.Tunables) models.TunablesData {
	return models.TunablesData{
		FlushWait:         t.FlushWait.String(),
		FlushFallbackWait: t.FlushFallbackWait.String(),
		FenceWaitTimeout:  t.FenceWaitTimeout.String(),
	}
}
