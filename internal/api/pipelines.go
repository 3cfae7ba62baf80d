package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/smazurov/camsession/internal/api/models"
	"github.com/smazurov/camsession/internal/session"
)

var errFlushRequested = errors.New("flush failure requested by client")

// registerPipelineRoutes registers per-pipeline streaming and fault injection endpoints.
func (s *Server) registerPipelineRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "list-pipelines",
		Method:      http.MethodGet,
		Path:        "/api/pipelines",
		Summary:     "List Pipelines",
		Description: "Get the simulated pipelines with their queue, in-flight and metadata slot counts",
		Tags:        []string{"pipelines"},
		Security:    withAuth(),
		Errors:      []int{401},
	}, func(_ context.Context, _ *struct{}) (*models.PipelineListResponse, error) {
		now := time.Now()
		data := make([]models.PipelineData, len(s.pipelines))
		for i, p := range s.pipelines {
			info := p.Info()
			data[i] = models.PipelineData{Info: info}
			if !info.StartedAt.IsZero() {
				data[i].Uptime = now.Sub(info.StartedAt)
			}
		}
		return &models.PipelineListResponse{
			Body: models.PipelineListData{Pipelines: data, Count: len(data)},
		}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stream-on",
		Method:      http.MethodPost,
		Path:        "/api/pipelines/{index}/stream-on",
		Summary:     "Stream On",
		Description: "Start streaming on a pipeline; two streaming real-time pipelines are link synchronized",
		Tags:        []string{"pipelines"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 500, 503},
	}, func(ctx context.Context, input *models.PipelinePath) (*struct{}, error) {
		if err := s.session.StreamOn(ctx, input.Index); err != nil {
			return nil, s.mapSessionError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "stream-off",
		Method:      http.MethodPost,
		Path:        "/api/pipelines/{index}/stream-off",
		Summary:     "Stream Off",
		Tags:        []string{"pipelines"},
		Security:    withAuth(),
		Errors:      []int{401, 404, 500},
	}, func(ctx context.Context, input *models.StreamOffRequest) (*struct{}, error) {
		mode := session.StreamOffDefault
		if input.Immediate {
			mode = session.StreamOffImmediate
		}
		if err := s.session.StreamOff(ctx, input.Index, mode); err != nil {
			return nil, s.mapSessionError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "set-ae-lock",
		Method:      http.MethodPut,
		Path:        "/api/pipelines/{index}/ae-lock",
		Summary:     "Set AE Lock Range",
		Tags:        []string{"pipelines"},
		Security:    withAuth(),
		Errors:      []int{400, 401, 404},
	}, func(_ context.Context, input *models.AELockRequest) (*struct{}, error) {
		if input.Body.Stop < input.Body.Start {
			return nil, huma.Error400BadRequest(fmt.Sprintf("stop %d before start %d", input.Body.Stop, input.Body.Start))
		}
		if err := s.session.SetAELockRange(input.Index, input.Body); err != nil {
			return nil, s.mapSessionError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "hang-pipeline",
		Method:      http.MethodPost,
		Path:        "/api/pipelines/{index}/hang",
		Summary:     "Hang Pipeline",
		Description: "Stop producing completions; a later flush has to force the pipeline's requests",
		Tags:        []string{"pipelines", "faults"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.PipelinePath) (*struct{}, error) {
		p, err := s.pipelineControl(input.Index)
		if err != nil {
			return nil, err
		}
		p.Hang()
		return &struct{}{}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "resume-pipeline",
		Method:      http.MethodPost,
		Path:        "/api/pipelines/{index}/resume",
		Summary:     "Resume Pipeline",
		Tags:        []string{"pipelines", "faults"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.PipelinePath) (*struct{}, error) {
		p, err := s.pipelineControl(input.Index)
		if err != nil {
			return nil, err
		}
		p.Resume()
		return &struct{}{}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "fail-flush",
		Method:      http.MethodPut,
		Path:        "/api/pipelines/{index}/fail-flush",
		Summary:     "Fail Pipeline Flush",
		Tags:        []string{"pipelines", "faults"},
		Security:    withAuth(),
		Errors:      []int{401, 404},
	}, func(_ context.Context, input *models.FailFlushRequest) (*struct{}, error) {
		p, err := s.pipelineControl(input.Index)
		if err != nil {
			return nil, err
		}
		if input.Body.Enabled {
			p.FailFlush(errFlushRequested)
		} else {
			p.FailFlush(nil)
		}
		return &struct{}{}, nil
	})
}

func (s *Server) pipelineControl(index int) (PipelineControl, error) {
	if index < 0 || index >= len(s.pipelines) {
		return nil, huma.Error404NotFound(fmt.Sprintf("pipeline %d not found", index))
	}
	return s.pipelines[index], nil
}
