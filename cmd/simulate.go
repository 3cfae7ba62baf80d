package cmd

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/smazurov/camsession/internal/config"
	"github.com/smazurov/camsession/internal/events"
	"github.com/smazurov/camsession/internal/logging"
	"github.com/smazurov/camsession/internal/session"
	"github.com/smazurov/camsession/internal/version"
)

// SimulateOptions configures a simulate run.
type SimulateOptions struct {
	ConfigFile string
	Frames     int
	FlushAt    int
	Hang       int
	DumpTOML   bool
	LogLevel   string
	Timeout    time.Duration
}

// CreateSimulateCmd creates the simulate command.
func CreateSimulateCmd() *cobra.Command {
	opts := SimulateOptions{}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive a session with simulated pipelines",
		Long: `Creates the session described by the session file (or the built-in two camera session), ` +
			`submits frames to every pipeline and prints results in dispatch order followed by the session dump.`,
		Args: cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			logging.Initialize(logging.Config{Level: opts.LogLevel, Format: "text"})
			return RunSimulation(c.Context(), c.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigFile, "config", "c", "", "Session file (default: built-in session)")
	cmd.Flags().IntVarP(&opts.Frames, "frames", "n", 30, "Number of frames to submit")
	cmd.Flags().IntVar(&opts.FlushAt, "flush-at", -1, "Flush the session after this many frames")
	cmd.Flags().IntVar(&opts.Hang, "hang", -1, "Hang this pipeline index before submitting")
	cmd.Flags().BoolVar(&opts.DumpTOML, "dump-toml", false, "Print the final session status as TOML")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "warn", "Logging level")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 30*time.Second, "Overall run timeout")
	return cmd
}

// RunSimulation runs one simulated session and writes its output to w.
func RunSimulation(ctx context.Context, w io.Writer, opts SimulateOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	file, _, err := LoadSessionFileOrDefault(opts.ConfigFile)
	if err != nil {
		return err
	}

	bus := events.New()
	out := &lockedWriter{w: w}
	var printed atomic.Uint64
	unsubResults := bus.Subscribe(func(e events.CaptureResultEvent) {
		status := "ok"
		if e.Failed {
			status = "error=" + e.Error
		}
		out.printf("result  seq=%-4d frame=%-4d pipeline=%d buffers=%d %s\n",
			e.Sequence, e.FrameNumber, e.Pipeline, len(e.Buffers), status)
		printed.Add(1)
	})
	defer unsubResults()
	unsubNotify := bus.Subscribe(func(e events.NotifyEvent) {
		out.printf("notify  seq=%-4d frame=%-4d pipeline=%d %s %s\n",
			e.Sequence, e.FrameNumber, e.Pipeline, e.Kind, e.Code)
	})
	defer unsubNotify()

	rt, err := NewRuntime(file, bus)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.Background()) }()

	out.printf("%s\nsession %s with %d pipelines\n", version.Get().Summary(), rt.Session.ID(), rt.Session.NumPipelines())

	if err := syncRealTimePipelines(ctx, rt, out); err != nil {
		return err
	}
	if opts.Hang >= 0 && opts.Hang < len(rt.Pipelines) {
		rt.Pipelines[opts.Hang].Hang()
		out.printf("pipeline %s hung\n", rt.Pipelines[opts.Hang].Name())
	}

	var handle uint64
	for frame := range opts.Frames {
		if frame == opts.FlushAt {
			if err := flushAndReport(ctx, rt.Session, out); err != nil {
				return err
			}
		}
		req := frameRequest(uint64(frame), file.Pipelines, &handle)
		if err := rt.Session.ProcessCaptureRequest(ctx, req); err != nil {
			out.printf("submit  frame=%-4d rejected: %v\n", frame, err)
		}
	}
	if err := flushAndReport(ctx, rt.Session, out); err != nil {
		return err
	}

	// Bus delivery is asynchronous; wait until every dispatched result is printed.
	deadline := time.NewTimer(5 * time.Second)
	defer deadline.Stop()
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()
	for printed.Load() < rt.Dispatcher.Dispatched() {
		select {
		case <-deadline.C:
			return fmt.Errorf("printed %d of %d results", printed.Load(), rt.Dispatcher.Dispatched())
		case <-tick.C:
		}
	}

	out.printf("\n")
	if opts.DumpTOML {
		data, err := toml.Marshal(rt.Session.Snapshot())
		if err != nil {
			return fmt.Errorf("failed to encode status: %w", err)
		}
		out.write(data)
		return nil
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	return rt.Session.DumpState(out.w)
}

// frameRequest targets every pipeline with one buffer per stream.
func frameRequest(frame uint64, pipelines []config.PipelineConfig, handle *uint64) *session.CaptureRequest {
	req := &session.CaptureRequest{FrameNumber: frame}
	for i, p := range pipelines {
		pr := session.PipelineRequest{Pipeline: i}
		for _, stream := range p.OutputStreams {
			*handle++
			pr.OutputBuffers = append(pr.OutputBuffers, session.StreamBuffer{Stream: session.StreamID(stream), Handle: *handle})
		}
		for _, stream := range p.InputStreams {
			*handle++
			pr.InputBuffers = append(pr.InputBuffers, session.StreamBuffer{Stream: session.StreamID(stream), Handle: *handle})
		}
		req.Requests = append(req.Requests, pr)
	}
	return req
}

func syncRealTimePipelines(ctx context.Context, rt *Runtime, out *lockedWriter) error {
	realTime := 0
	for i, p := range rt.Pipelines {
		if !p.IsRealTime() {
			continue
		}
		realTime++
		if err := rt.Session.StreamOn(ctx, i); err != nil {
			return fmt.Errorf("stream on %s: %w", p.Name(), err)
		}
	}
	if realTime < 2 {
		return nil
	}
	// StreamOn already attempts the link sync once both sides stream.
	synced := 0
	for _, p := range rt.Session.Snapshot().Pipelines {
		if p.StreamStatus == session.SyncStreaming.String() {
			synced++
		}
	}
	if synced >= 2 {
		out.printf("links synchronized\n")
		return nil
	}
	outcome, err := rt.Session.CheckAndSyncLinks(ctx)
	if err != nil {
		out.printf("link sync %s: %v\n", outcome, err)
		return nil
	}
	out.printf("link sync %s\n", outcome)
	return nil
}

func flushAndReport(ctx context.Context, s *session.Session, out *lockedWriter) error {
	start := time.Now()
	if err := s.Flush(ctx, nil); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	out.printf("flush   done in %s, state %s\n", time.Since(start).Round(time.Microsecond), s.State())
	return nil
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

func (l *lockedWriter) write(p []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.w.Write(p)
}
