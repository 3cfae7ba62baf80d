// Package logging provides structured logging with per-module log level configuration.
//
// # Overview
//
// The logging system uses Go's slog package with automatic output routing:
//   - Logs to systemd journal when available (Linux systems with journald)
//   - Logs to stdout when a terminal, pipe, or file is connected
//   - Keeps the most recent entries in a ring buffer served by the API
//
// # Usage
//
// Initialize the logging system once at startup:
//
//	logging.Initialize(logging.Config{
//		Level:  "info", // Global log level: debug, info, warn, error
//		Format: "text", // Output format: text or json
//		Modules: map[string]string{
//			"session":  "debug", // Per-module overrides
//			"pipeline": "warn",
//		},
//	})
//
// Get a logger for your module:
//
//	logger := logging.GetLogger("session")
//	logger.Info("Flush complete", "forced", false)
//
// Levels can be changed while running with [SetModuleLevel]; loggers already
// handed out pick up the new level.
//
// # Viewing Logs
//
// When running under systemd the journal identifier defaults to camsession:
//
//	journalctl -t camsession -f
//	journalctl -t camsession MODULE=session
//	journalctl -t camsession PIPELINE=tele
//
// # Configuration
//
//	[logging]
//	level = "info"
//	format = "text"
//	session = "debug"
//	pipeline = "warn"
package logging
