package logging

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
)

const (
	defaultBufferSize = 1000
	defaultIdentifier = "camsession"
)

// Logger is a duck-typed interface satisfied by *slog.Logger.
// Use this interface instead of *slog.Logger to decouple from the concrete type.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

var (
	moduleLoggers   = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	globalConfig    Config
	globalLevelVar  = &slog.LevelVar{}
	isInitialized   bool
	mutex           sync.RWMutex
	logBuffer       *RingBuffer
	logCallback     LogCallback
)

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	Modules map[string]string `toml:"modules"`
	// Identifier is the journal SYSLOG_IDENTIFIER. Defaults to "camsession".
	Identifier string `toml:"identifier"`
}

// Initialize sets up the logging system. Loggers handed out earlier keep
// their level variable, so they follow the new levels.
func Initialize(config Config) {
	mutex.Lock()
	defer mutex.Unlock()

	if config.Identifier == "" {
		config.Identifier = defaultIdentifier
	}
	globalConfig = config
	isInitialized = true
	logBuffer = NewRingBuffer(defaultBufferSize)

	globalLevel := slog.LevelInfo
	if parsed := parseLevel(config.Level); parsed != nil {
		globalLevel = *parsed
	}
	globalLevelVar.Set(globalLevel)

	// Handlers built before Initialize use the default format, rebuild them.
	for module, levelVar := range moduleLevelVars {
		levelVar.Set(moduleLevel(module))
		moduleLoggers[module] = slog.New(createHandler(config.Format, levelVar)).With("module", module)
	}

	slog.SetDefault(slog.New(createHandler(config.Format, globalLevelVar)))
}

// GetBuffer returns the log ring buffer for reading historical logs.
func GetBuffer() *RingBuffer {
	mutex.RLock()
	defer mutex.RUnlock()
	return logBuffer
}

// SetLogCallback sets a callback to be called for each new log entry.
// Used for publishing log events to SSE clients.
func SetLogCallback(callback LogCallback) {
	mutex.Lock()
	defer mutex.Unlock()
	logCallback = callback
}

// GetLogger returns a logger for the specified module, creating it if needed.
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	if logger, exists := moduleLoggers[module]; exists {
		mutex.RUnlock()
		return logger
	}
	mutex.RUnlock()

	mutex.Lock()
	defer mutex.Unlock()

	if logger, exists := moduleLoggers[module]; exists {
		return logger
	}

	// Each module gets its own LevelVar so its level can change at runtime.
	levelVar := &slog.LevelVar{}
	levelVar.Set(moduleLevel(module))

	format := "text"
	if isInitialized {
		format = globalConfig.Format
	}
	logger := slog.New(createHandler(format, levelVar)).With("module", module)
	moduleLoggers[module] = logger
	moduleLevelVars[module] = levelVar
	return logger
}

// SetModuleLevel changes the level of one module at runtime.
func SetModuleLevel(module, level string) error {
	parsed := parseLevel(level)
	if parsed == nil {
		return fmt.Errorf("invalid log level %q", level)
	}

	mutex.Lock()
	if globalConfig.Modules == nil {
		globalConfig.Modules = make(map[string]string)
	}
	globalConfig.Modules[module] = strings.ToLower(level)
	levelVar, exists := moduleLevelVars[module]
	mutex.Unlock()

	if exists {
		levelVar.Set(*parsed)
	}
	return nil
}

// ModuleLevels returns the effective level of every module logger created
// so far, keyed by module name.
func ModuleLevels() map[string]string {
	mutex.RLock()
	defer mutex.RUnlock()

	names := make([]string, 0, len(moduleLevelVars))
	for m := range moduleLevelVars {
		names = append(names, m)
	}
	sort.Strings(names)

	levels := make(map[string]string, len(names))
	for _, m := range names {
		levels[m] = levelToString(moduleLevelVars[m].Level())
	}
	return levels
}

// moduleLevel resolves the configured level for module. Caller holds mutex.
func moduleLevel(module string) slog.Level {
	if !isInitialized {
		return slog.LevelInfo
	}
	level := slog.LevelInfo
	if parsed := parseLevel(globalConfig.Level); parsed != nil {
		level = *parsed
	}
	if levelStr, exists := globalConfig.Modules[module]; exists {
		if parsed := parseLevel(levelStr); parsed != nil {
			level = *parsed
		}
	}
	return level
}

// createHandler creates a slog handler with the specified format and level.
// Logs to stdout, journal (when available), and the ring buffer.
func createHandler(format string, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	var stdoutHandler slog.Handler
	if format == "json" {
		stdoutHandler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		stdoutHandler = slog.NewTextHandler(os.Stdout, opts)
	}

	var handlers []slog.Handler
	if isStdoutAvailable() {
		handlers = append(handlers, stdoutHandler)
	}
	if IsJournalAvailable() {
		handlers = append(handlers, NewJournalHandler(level, identifier()))
	}
	// The buffer handler looks up the ring buffer on each record.
	handlers = append(handlers, NewBufferHandler(level))

	switch len(handlers) {
	case 1:
		return handlers[0]
	default:
		return NewMultiHandler(handlers...)
	}
}

// identifier returns the configured journal identifier. Caller holds mutex.
func identifier() string {
	if globalConfig.Identifier == "" {
		return defaultIdentifier
	}
	return globalConfig.Identifier
}

// isStdoutAvailable checks if stdout is connected to a terminal, pipe, socket, or file.
func isStdoutAvailable() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	mode := fi.Mode()
	// Available if terminal, pipe, socket, or regular file.
	return (mode&os.ModeCharDevice) != 0 || (mode&os.ModeNamedPipe) != 0 || (mode&os.ModeSocket) != 0 || mode.IsRegular()
}

// parseLevel converts string level to slog.Level.
func parseLevel(level string) *slog.Level {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil
	}
	return &l
}
