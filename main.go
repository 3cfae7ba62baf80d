package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/danielgtaylor/huma/v2/humacli"

	"github.com/smazurov/camsession/cmd"
	"github.com/smazurov/camsession/internal/api"
	"github.com/smazurov/camsession/internal/config"
	"github.com/smazurov/camsession/internal/events"
	"github.com/smazurov/camsession/internal/logging"
	"github.com/smazurov/camsession/internal/metrics/exporters"
	"github.com/smazurov/camsession/internal/version"
)

// Options for the CLI - flat structure with toml mapping.
type Options struct {
	Config string `help:"Path to configuration file" short:"c" default:"config.toml"`

	// Server settings
	Port string `help:"Port to listen on" short:"p" default:":8090" toml:"server.port" env:"SERVER_PORT"`

	// Session settings
	SessionFile string `help:"Session description file" default:"session.toml" toml:"session.file" env:"SESSION_FILE"`
	WatchConfig bool   `help:"Hot reload session tunables when the session file changes" default:"true" toml:"session.watch" env:"SESSION_WATCH"`

	// Observability settings
	MetricsPrometheusEnabled bool `help:"Serve Prometheus metrics on /metrics" default:"true" toml:"metrics.prometheus_enabled" env:"METRICS_PROMETHEUS_ENABLED"`
	MetricsSSEEnabled        bool `help:"Publish session metrics on the SSE stream" default:"true" toml:"metrics.sse_enabled" env:"METRICS_SSE_ENABLED"`

	// Auth settings
	AuthUsername string `help:"Basic auth username" default:"admin" toml:"auth.username" env:"AUTH_USERNAME"`
	AuthPassword string `help:"Basic auth password" default:"password" toml:"auth.password" env:"AUTH_PASSWORD"`

	// Shutdown settings
	ShutdownTimeout string `help:"Time allowed for flushing the session on shutdown" default:"5s" toml:"server.shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// Logging settings
	LoggingLevel    string `help:"Global logging level (debug, info, warn, error)" default:"info" toml:"logging.level" env:"LOGGING_LEVEL"`
	LoggingFormat   string `help:"Logging format (text, json)" default:"text" toml:"logging.format" env:"LOGGING_FORMAT"`
	LoggingSession  string `help:"Session logging level" default:"info" toml:"logging.session" env:"LOGGING_SESSION"`
	LoggingPipeline string `help:"Pipeline simulator logging level" default:"info" toml:"logging.pipeline" env:"LOGGING_PIPELINE"`
	LoggingAPI      string `help:"API logging level" default:"info" toml:"logging.api" env:"LOGGING_API"`
	LoggingHTTP     string `help:"HTTP request logging level" default:"info" toml:"logging.http" env:"LOGGING_HTTP"`
	LoggingConfig   string `help:"Config loading logging level" default:"info" toml:"logging.config" env:"LOGGING_CONFIG"`
	LoggingEvents   string `help:"Event bus logging level" default:"info" toml:"logging.events" env:"LOGGING_EVENTS"`
}

func main() {
	var cli humacli.CLI
	cli = humacli.New(func(hooks humacli.Hooks, opts *Options) {
		// Load configuration automatically
		if loadErr := config.LoadConfig(opts, cli.Root()); loadErr != nil {
			slog.Warn("Failed to load config", "error", loadErr)
		}

		logging.Initialize(logging.Config{
			Level:  opts.LoggingLevel,
			Format: opts.LoggingFormat,
			Modules: map[string]string{
				"session":  opts.LoggingSession,
				"pipeline": opts.LoggingPipeline,
				"api":      opts.LoggingAPI,
				"http":     opts.LoggingHTTP,
				"config":   opts.LoggingConfig,
				"events":   opts.LoggingEvents,
			},
		})
		logger := logging.GetLogger("main")

		// Create event bus for in-process event handling
		eventBus := events.New()
		logging.SetLogCallback(events.LogPublisher(eventBus))

		sessionFile, found, err := cmd.LoadSessionFileOrDefault(opts.SessionFile)
		if err != nil {
			logger.Error("Failed to load session file", "path", opts.SessionFile, "error", err)
			os.Exit(1)
		}
		if !found {
			logger.Warn("Session file not found, using built-in session", "path", opts.SessionFile)
		}

		runtime, err := cmd.NewRuntime(sessionFile, eventBus)
		if err != nil {
			logger.Error("Failed to start session", "error", err)
			os.Exit(1)
		}
		logger.Info("Session created",
			"session_id", runtime.Session.ID(),
			"pipelines", runtime.Session.NumPipelines(),
			"version", version.Get().Summary())

		apiOpts := &api.Options{
			AuthUsername: opts.AuthUsername,
			AuthPassword: opts.AuthPassword,
			Session:      runtime.Session,
			Pipelines:    runtime.Controls(),
			EventBus:     eventBus,
		}
		if opts.MetricsPrometheusEnabled {
			apiOpts.PrometheusHandler = exporters.HTTPHandler()
		}
		server := api.NewServer(apiOpts)

		var sseExporter *exporters.SSEExporter
		if opts.MetricsSSEEnabled {
			sseExporter = exporters.NewSSEExporter(eventBus)
		}

		// Tunables follow the session file; everything else needs a restart.
		var watcher *config.Watcher[*config.SessionFile]
		if opts.WatchConfig && found {
			current := sessionFile
			watcher = config.NewConfigWatcher(opts.SessionFile, config.LoadSessionFile,
				logging.GetLogger("config"),
				config.WithErrorHandler[*config.SessionFile](func(err error) {
					logger.Warn("Session file reload failed, keeping previous tunables", "error", err)
				}))
			watcher.OnReload(func(next *config.SessionFile) {
				if changed := current.StructuralChanges(next); len(changed) > 0 {
					logger.Warn("Ignoring session file changes that need a restart", "fields", changed)
				}
				runtime.Session.UpdateTunables(next.SessionTunables())
				logger.Info("Session tunables reloaded", "tunables", runtime.Session.Tunables())
			})
		}

		ctx, cancel := context.WithCancel(context.Background())

		hooks.OnStart(func() {
			if sseExporter != nil {
				sseExporter.Start(ctx)
			}
			if watcher != nil {
				if startErr := watcher.Start(); startErr != nil {
					logger.Warn("Failed to watch session file", "error", startErr)
				}
			}

			if _, notifyErr := daemon.SdNotify(false, daemon.SdNotifyReady); notifyErr != nil {
				logger.Debug("sd_notify failed", "error", notifyErr)
			}

			logger.Info("Starting HTTP server", "port", opts.Port)
			if startErr := server.Start(opts.Port); startErr != nil && !errors.Is(startErr, http.ErrServerClosed) {
				logger.Error("Failed to start HTTP server", "error", startErr)
				os.Exit(1)
			}
		})

		hooks.OnStop(func() {
			logger.Info("Shutting down server")
			if _, notifyErr := daemon.SdNotify(false, daemon.SdNotifyStopping); notifyErr != nil {
				logger.Debug("sd_notify failed", "error", notifyErr)
			}

			shutdownTimeout, parseErr := time.ParseDuration(opts.ShutdownTimeout)
			if parseErr != nil {
				shutdownTimeout = 5 * time.Second
			}
			stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer stopCancel()

			if stopErr := server.Stop(stopCtx); stopErr != nil {
				logger.Error("Error stopping HTTP server", "error", stopErr)
			}
			if watcher != nil {
				if stopErr := watcher.Stop(); stopErr != nil {
					logger.Warn("Error stopping config watcher", "error", stopErr)
				}
			}

			// Pending requests are flushed so every client frame gets a result.
			if closeErr := runtime.Close(stopCtx); closeErr != nil {
				logger.Error("Error closing session", "error", closeErr)
			}

			if sseExporter != nil {
				sseExporter.Stop()
			}
			cancel()
		})
	})

	root := cli.Root()
	root.Use = "camsession"
	root.Short = "Multi-pipeline capture session runtime"
	root.Version = version.Get().Summary()
	root.SetVersionTemplate("{{.Version}}\n")

	root.AddCommand(cmd.CreateSimulateCmd())
	root.AddCommand(cmd.CreateValidateConfigCmd())

	// Run the CLI
	cli.Run()
}
