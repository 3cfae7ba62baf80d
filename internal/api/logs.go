package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"github.com/smazurov/camsession/internal/api/models"
	"github.com/smazurov/camsession/internal/events"
	"github.com/smazurov/camsession/internal/logging"
)

// registerLogRoutes registers log history, streaming and level endpoints.
func (s *Server) registerLogRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-logs",
		Method:      http.MethodGet,
		Path:        "/api/logs",
		Summary:     "Recent Logs",
		Description: "Newest entries of the in-memory log buffer",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, input *models.LogsRequest) (*models.LogsResponse, error) {
		var entries []logging.LogEntry
		if buffer := logging.GetBuffer(); buffer != nil {
			entries = buffer.Tail(input.Limit, input.Module)
		}
		data := make([]models.LogEntryData, len(entries))
		for i, e := range entries {
			data[i] = models.LogEntryData{
				Timestamp:  e.Timestamp.Format(time.RFC3339Nano),
				Level:      e.Level,
				Module:     e.Module,
				Message:    e.Message,
				Attributes: e.Attributes,
			}
		}
		return &models.LogsResponse{Body: models.LogsData{Entries: data, Count: len(data)}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-log-levels",
		Method:      http.MethodGet,
		Path:        "/api/logs/levels",
		Summary:     "Log Levels",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.LogLevelsResponse, error) {
		return &models.LogLevelsResponse{Body: models.LogLevelsData{Levels: logging.ModuleLevels()}}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-log-levels",
		Method:      http.MethodPut,
		Path:        "/api/logs/levels",
		Summary:     "Set Log Levels",
		Description: "Change module log levels at runtime",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{400, 401},
	}, func(_ context.Context, input *models.LogLevelsRequest) (*models.LogLevelsResponse, error) {
		for module, level := range input.Body.Levels {
			if err := logging.SetModuleLevel(module, level); err != nil {
				return nil, huma.Error400BadRequest(fmt.Sprintf("module %s", module), err)
			}
		}
		return &models.LogLevelsResponse{Body: models.LogLevelsData{Levels: logging.ModuleLevels()}}, nil
	})

	sse.Register(s.api, huma.Operation{
		OperationID: "logs-stream",
		Method:      http.MethodGet,
		Path:        "/api/logs/stream",
		Summary:     "Log Stream",
		Description: "Real-time log streaming via Server-Sent Events. Sends historical logs first, then streams new logs.",
		Tags:        []string{"logs"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, map[string]any{
		"message": events.LogEntryEvent{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		// Subscribe before replaying history so nothing logged in between is lost.
		sub := events.Forward[events.LogEntryEvent](events.NewSubscription(100), s.eventBus)
		defer sub.Close()

		if buffer := logging.GetBuffer(); buffer != nil {
			for _, entry := range buffer.ReadAll() {
				event := events.LogEntryEvent{
					Timestamp:  entry.Timestamp.Format(time.RFC3339Nano),
					Level:      entry.Level,
					Module:     entry.Module,
					Message:    entry.Message,
					Attributes: entry.Attributes,
				}
				if err := send.Data(event); err != nil {
					return
				}
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
