package logging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func resetState() {
	mutex.Lock()
	moduleLoggers = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	isInitialized = false
	globalConfig = Config{}
	logBuffer = nil
	logCallback = nil
	mutex.Unlock()
}

func TestModuleLevelOverride(t *testing.T) {
	resetState()
	Initialize(Config{
		Level:  "info",
		Format: "text",
		Modules: map[string]string{
			"session": "debug",
			"api":     "warn",
		},
	})

	tests := []struct {
		module    string
		wantDebug bool
		wantInfo  bool
		wantWarn  bool
	}{
		{"session", true, true, true},
		{"api", false, false, true},
		{"pipeline", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.module, func(t *testing.T) {
			handler := GetLogger(tt.module).Handler()
			ctx := context.Background()

			if got := handler.Enabled(ctx, slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("Debug enabled = %v, want %v", got, tt.wantDebug)
			}
			if got := handler.Enabled(ctx, slog.LevelInfo); got != tt.wantInfo {
				t.Errorf("Info enabled = %v, want %v", got, tt.wantInfo)
			}
			if got := handler.Enabled(ctx, slog.LevelWarn); got != tt.wantWarn {
				t.Errorf("Warn enabled = %v, want %v", got, tt.wantWarn)
			}
		})
	}
}

func TestGetLoggerBeforeInitialize(t *testing.T) {
	resetState()

	before := GetLogger("pipeline")
	if before.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("logger created before Initialize should default to info")
	}

	Initialize(Config{
		Level:   "info",
		Format:  "text",
		Modules: map[string]string{"pipeline": "debug"},
	})

	// The early handler shares the module LevelVar, so it follows the new level.
	if !before.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("logger created before Initialize should follow the configured level")
	}
	if !GetLogger("pipeline").Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("logger after Initialize should have debug enabled")
	}
}

func TestSetModuleLevel(t *testing.T) {
	resetState()
	Initialize(Config{Level: "info", Format: "text"})

	logger := GetLogger("session")
	if err := SetModuleLevel("session", "debug"); err != nil {
		t.Fatalf("SetModuleLevel: %v", err)
	}
	if !logger.Handler().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug should be enabled after SetModuleLevel")
	}
	if err := SetModuleLevel("session", "loud"); err == nil {
		t.Error("expected error for invalid level")
	}

	// Modules created later pick up the stored override.
	if err := SetModuleLevel("events", "error"); err != nil {
		t.Fatal(err)
	}
	GetLogger("events")

	levels := ModuleLevels()
	if levels["session"] != "debug" || levels["events"] != "error" {
		t.Errorf("ModuleLevels = %v", levels)
	}
}

func TestBufferHandlerCapturesEntries(t *testing.T) {
	resetState()
	Initialize(Config{Level: "info", Format: "text"})

	var seen []LogEntry
	SetLogCallback(func(e LogEntry) { seen = append(seen, e) })
	t.Cleanup(func() { SetLogCallback(nil) })

	logger := GetLogger("config").With("path", "/etc/camsession/session.toml")
	logger.Debug("dropped")
	logger.Warn("reload failed", "error", "parse")

	entries := GetBuffer().ReadAll()
	if len(entries) != 1 {
		t.Fatalf("buffer has %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Module != "config" || e.Level != "warn" || e.Message != "reload failed" {
		t.Errorf("entry = %+v", e)
	}
	if e.Attributes["path"] != "/etc/camsession/session.toml" || e.Attributes["error"] != "parse" {
		t.Errorf("attributes = %v", e.Attributes)
	}
	if len(seen) != 1 {
		t.Errorf("callback saw %d entries, want 1", len(seen))
	}
}

func TestRingBufferTail(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := range 5 {
		rb.Write(LogEntry{Message: fmt.Sprint(i)})
	}

	tests := []struct {
		n    int
		want []string
	}{
		{0, []string{"2", "3", "4"}},
		{2, []string{"3", "4"}},
		{10, []string{"2", "3", "4"}},
	}
	for _, tt := range tests {
		var got []string
		for _, e := range rb.Tail(tt.n, "") {
			got = append(got, e.Message)
		}
		if strings.Join(got, ",") != strings.Join(tt.want, ",") {
			t.Errorf("Tail(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
	if rb.Count() != 3 {
		t.Errorf("Count = %d, want 3", rb.Count())
	}
}

func TestRingBufferTailByModule(t *testing.T) {
	rb := NewRingBuffer(4)
	if got := rb.ReadAll(); got != nil {
		t.Errorf("empty buffer ReadAll = %v, want nil", got)
	}
	for i, module := range []string{"session", "api", "session", "pipeline", "session"} {
		rb.Write(LogEntry{Module: module, Message: fmt.Sprint(i)})
	}

	tests := []struct {
		n      int
		module string
		want   string
	}{
		{0, "session", "2,4"},
		{1, "session", "4"},
		{0, "api", "1"},
		{0, "config", ""},
		{0, "pipeline", "3"},
		{2, "", "3,4"},
	}
	for _, tt := range tests {
		var got []string
		for _, e := range rb.Tail(tt.n, tt.module) {
			got = append(got, e.Message)
		}
		if strings.Join(got, ",") != tt.want {
			t.Errorf("Tail(%d, %q) = %v, want %s", tt.n, tt.module, got, tt.want)
		}
	}
}

type failingHandler struct{ err error }

func (failingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h failingHandler) Handle(context.Context, slog.Record) error { return h.err }
func (h failingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h failingHandler) WithGroup(string) slog.Handler { return h }

func TestMultiHandlerKeepsWritingAfterSinkError(t *testing.T) {
	var buf bytes.Buffer
	journalErr := errors.New("journal socket gone")
	h := NewMultiHandler(failingHandler{err: journalErr}, slog.NewTextHandler(&buf, nil))

	logger := slog.New(h).With("module", "session")
	logger.Info("flush complete", "mode", "drained")
	if !strings.Contains(buf.String(), "flush complete") || !strings.Contains(buf.String(), "module=session") {
		t.Errorf("stdout sink missed the record: %q", buf.String())
	}

	r := slog.NewRecord(time.Now(), slog.LevelInfo, "direct", 0)
	if err := h.Handle(context.Background(), r); !errors.Is(err, journalErr) {
		t.Errorf("Handle error = %v, want %v", err, journalErr)
	}
	if h.WithGroup("") != slog.Handler(h) {
		t.Error("WithGroup(\"\") should return the handler unchanged")
	}
}

func TestMultiHandlerDebugOutput(t *testing.T) {
	var buf bytes.Buffer

	debugHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	infoHandler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})

	logger := slog.New(NewMultiHandler(debugHandler, infoHandler)).With("module", "test")
	logger.Debug("debug only message")

	output := buf.String()
	if count := strings.Count(output, "debug only message"); count != 1 {
		t.Errorf("Expected 1 debug message, got %d. Output: %s", count, output)
	}
}

func TestParseLevelValues(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
		isNil bool
	}{
		{"debug", slog.LevelDebug, false},
		{"DEBUG", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"invalid", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input)
			if tt.isNil {
				if got != nil {
					t.Errorf("parseLevel(%q) = %v, want nil", tt.input, *got)
				}
				return
			}
			if got == nil || *got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
