package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/camsession/internal/events"
)

// registerSSERoutes registers the session event stream.
func (s *Server) registerSSERoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "events-stream",
		Method:      http.MethodGet,
		Path:        "/api/events",
		Summary:     "Session Event Stream",
		Description: "Capture results in dispatch order, shutter and error notifies, partial metadata and state changes",
		Tags:        []string{"events"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"result":         events.CaptureResultEvent{},
		"notify":         events.NotifyEvent{},
		"partial":        events.PartialMetadataEvent{},
		"session-state":  events.SessionStateChangedEvent{},
		"stream-status":  events.StreamStatusChangedEvent{},
		"pipeline-state": events.PipelineStateChangedEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		sub := events.NewSubscription(256)
		events.Forward[events.CaptureResultEvent](sub, s.eventBus)
		events.Forward[events.NotifyEvent](sub, s.eventBus)
		events.Forward[events.PartialMetadataEvent](sub, s.eventBus)
		events.Forward[events.SessionStateChangedEvent](sub, s.eventBus)
		events.Forward[events.StreamStatusChangedEvent](sub, s.eventBus)
		events.Forward[events.PipelineStateChangedEvent](sub, s.eventBus)
		defer func() {
			sub.Close()
			if n := sub.Dropped(); n > 0 {
				s.logger.Warn("Event stream client fell behind", "dropped", n)
			}
		}()

		// Initial state so clients can render before the first transition.
		if s.session != nil {
			if err := send.Data(events.SessionStateChangedEvent{
				SessionID: s.session.ID(),
				To:        s.session.State().String(),
			}); err != nil {
				return
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case event := <-sub.Events():
				if err := send.Data(event); err != nil {
					return
				}
			}
		}
	})
}
