package api

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"

	"github.com/smazurov/camsession/internal/api/models"
	"github.com/smazurov/camsession/internal/events"
	"github.com/smazurov/camsession/internal/logging"
	"github.com/smazurov/camsession/internal/pipeline"
	"github.com/smazurov/camsession/internal/session"
	"github.com/smazurov/camsession/internal/version"
)

// SessionService is the session surface served over HTTP.
type SessionService interface {
	ID() string
	State() session.State
	NumPipelines() int
	Snapshot() session.Status
	DumpState(w io.Writer) error
	ProcessCaptureRequest(ctx context.Context, req *session.CaptureRequest) error
	Flush(ctx context.Context, scope *session.FlushScope) error
	StreamOn(ctx context.Context, pipeline int) error
	StreamOff(ctx context.Context, pipeline int, mode session.StreamOffMode) error
	CheckAndSyncLinks(ctx context.Context) (session.SyncOutcome, error)
	SetAELockRange(pipeline int, r session.AELockRange) error
	SignalDeviceError(cause error)
	Tunables() session.Tunables
	UpdateTunables(t session.Tunables)
}

// PipelineControl exposes fault injection on a simulated pipeline.
type PipelineControl interface {
	Name() string
	Info() pipeline.Info
	Hang()
	Resume()
	FailFlush(err error)
	InjectDeviceError()
}

var _ PipelineControl = (*pipeline.Simulated)(nil)

// Server represents the Huma v2 API server.
type Server struct {
	api        huma.API
	mux        *http.ServeMux
	httpServer *http.Server
	session    SessionService
	pipelines  []PipelineControl
	eventBus   *events.Bus
	options    *Options
	logger     *slog.Logger
	nextHandle atomic.Uint64
}

// basicAuthMiddleware creates middleware for HTTP basic authentication.
func (s *Server) basicAuthMiddleware(username, password string) func(huma.Context, func(huma.Context)) {
	return func(ctx huma.Context, next func(huma.Context)) {
		// Skip auth for operations without security requirements
		op := ctx.Operation()
		if op != nil && len(op.Security) == 0 {
			next(ctx)
			return
		}

		unauthorized := func(msg string, errs ...error) {
			ctx.SetHeader("WWW-Authenticate", `Basic realm="camsession API"`)
			huma.WriteErr(s.api, ctx, http.StatusUnauthorized, msg, errs...)
		}

		var credentials string
		if authHeader := ctx.Header("Authorization"); authHeader != "" {
			const prefix = "Basic "
			if !strings.HasPrefix(authHeader, prefix) {
				unauthorized("Invalid authentication type")
				return
			}
			decoded, err := base64.StdEncoding.DecodeString(authHeader[len(prefix):])
			if err != nil {
				unauthorized("Invalid credentials format", err)
				return
			}
			credentials = string(decoded)
		} else if queryAuth := ctx.Query("auth"); queryAuth != "" {
			// SSE clients cannot set headers, so accept the query fallback.
			decoded, err := base64.StdEncoding.DecodeString(queryAuth)
			if err != nil {
				unauthorized("Invalid credentials format", err)
				return
			}
			credentials = string(decoded)
		}

		if credentials == "" {
			unauthorized("Authentication required")
			return
		}

		parts := strings.SplitN(credentials, ":", 2)
		if len(parts) != 2 {
			unauthorized("Invalid credentials format")
			return
		}
		if parts[0] != username || parts[1] != password {
			unauthorized("Invalid credentials")
			return
		}

		next(ctx)
	}
}

// Options configures the API server.
type Options struct {
	AuthUsername      string
	AuthPassword      string
	Session           SessionService
	Pipelines         []PipelineControl // Indexed like the session's pipelines
	EventBus          *events.Bus
	PrometheusHandler http.Handler // Optional Prometheus metrics handler
}

// NewServer creates a new API server with Huma v2 using Go 1.22+ native routing.
func NewServer(opts *Options) *Server {
	mux := http.NewServeMux()

	corsConfig := DefaultCORSConfig()
	AddCORSHandler(mux, corsConfig)

	config := huma.DefaultConfig("camsession API", version.Get().Version)
	config.Info.Description = "Multi-pipeline capture session control and result streaming"
	// Empty servers list will make OpenAPI use relative paths, working with any host
	config.Servers = []*huma.Server{}
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"basicAuth": {
			Type:   "http",
			Scheme: "basic",
		},
	}

	api := humago.New(mux, config)

	bus := opts.EventBus
	if bus == nil {
		bus = events.New()
	}

	server := &Server{
		api:       api,
		mux:       mux,
		session:   opts.Session,
		pipelines: opts.Pipelines,
		eventBus:  bus,
		options:   opts,
		logger:    logging.GetLogger("api"),
	}

	// CORS first, then request logging, then auth.
	api.UseMiddleware(NewCORSMiddleware(corsConfig))
	api.UseMiddleware(HTTPLoggingMiddleware)
	if opts.AuthUsername != "" && opts.AuthPassword != "" {
		api.UseMiddleware(server.basicAuthMiddleware(opts.AuthUsername, opts.AuthPassword))
	}

	// Prometheus scrapes without auth.
	if opts.PrometheusHandler != nil {
		mux.Handle("GET /metrics", opts.PrometheusHandler)
	}

	server.registerRoutes()
	return server
}

// GetMux returns the underlying HTTP ServeMux for additional setup.
func (s *Server) GetMux() *http.ServeMux {
	return s.mux
}

// GetAPI returns the Huma API instance.
func (s *Server) GetAPI() huma.API {
	return s.api
}

// Start starts the HTTP server on the specified address.
func (s *Server) Start(addr string) error {
	s.logger.Info("Starting camsession API server", "addr", addr)
	s.logger.Info("OpenAPI documentation available", "url", "http://"+addr+"/docs")

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}
	return s.httpServer.ListenAndServe()
}

// Stop shuts the server down, waiting for in-flight requests until ctx ends.
// Open SSE streams are cut when ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping API server")
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return s.httpServer.Close()
	}
	return nil
}

// registerRoutes sets up all API endpoints.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "health-check",
		Method:      http.MethodGet,
		Path:        "/api/health",
		Summary:     "Health",
		Description: "Check API health status",
		Tags:        []string{"health"},
		Security:    []map[string][]string{}, // Empty security = no auth required
	}, func(_ context.Context, _ *struct{}) (*models.HealthResponse, error) {
		body := models.HealthData{Status: "ok", Message: "API is healthy"}
		if s.session != nil {
			state := s.session.State()
			body.Session = state.String()
			if state == session.StateDeviceError {
				body.Status = "degraded"
				body.Message = "session is in device error"
			}
		}
		return &models.HealthResponse{Body: body}, nil
	})

	huma.Register(s.api, huma.Operation{
		OperationID: "get-version",
		Method:      http.MethodGet,
		Path:        "/api/version",
		Summary:     "Version",
		Description: "Get application version information",
		Tags:        []string{"system"},
		Security:    []map[string][]string{},
	}, func(_ context.Context, _ *struct{}) (*models.VersionResponse, error) {
		info := version.Get()
		return &models.VersionResponse{
			Body: models.VersionData{
				Version:   info.Version,
				GitCommit: info.GitCommit,
				BuildDate: info.BuildDate,
				BuildID:   info.BuildID,
				GoVersion: info.GoVersion,
				Compiler:  info.Compiler,
				Platform:  info.Platform,
			},
		}, nil
	})

	if s.session != nil {
		s.registerSessionRoutes()
		s.registerPipelineRoutes()
	}
	s.registerSSERoutes()
	s.registerLogRoutes()
	s.registerMetricsRoutes()
}

// withAuth returns security requirement for basic auth.
func withAuth() []map[string][]string {
	return []map[string][]string{
		{"basicAuth": {}},
	}
}
