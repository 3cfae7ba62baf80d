package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/camsession/internal/events"
	"github.com/smazurov/camsession/internal/metrics/exporters"
)

// registerMetricsRoutes registers the metrics SSE endpoint.
func (s *Server) registerMetricsRoutes() {
	sse.Register(s.api, huma.Operation{
		OperationID: "metrics-stream",
		Method:      http.MethodGet,
		Path:        "/api/metrics",
		Summary:     "Metrics Server-Sent Events Stream",
		Description: "Periodic session counter snapshots",
		Tags:        []string{"metrics"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, exporters.GetEventTypesForEndpoint("metrics"), func(ctx context.Context, _ *struct{}, send sse.Sender) {
		sub := events.Forward[events.SessionMetricsEvent](events.NewSubscription(10), s.eventBus)
		defer sub.Close()

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
