package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/smazurov/camsession/internal/pipeline"
	"github.com/smazurov/camsession/internal/session"
)

// Duration is a time.Duration that reads and writes TOML strings like "500ms".
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// PipelineConfig describes one simulated pipeline.
type PipelineConfig struct {
	Name              string   `toml:"name" json:"name"`
	RealTime          bool     `toml:"real_time" json:"real_time"`
	OutputStreams     []string `toml:"output_streams" json:"output_streams"`
	InputStreams      []string `toml:"input_streams,omitempty" json:"input_streams,omitempty"`
	BypassStreams     []string `toml:"bypass_streams,omitempty" json:"bypass_streams,omitempty"`
	Latency           Duration `toml:"latency" json:"latency"`
	Jitter            Duration `toml:"jitter" json:"jitter"`
	ExposureTime      Duration `toml:"exposure_time,omitempty" json:"exposure_time,omitempty"`
	PerFramePoolDepth int      `toml:"per_frame_pool_depth" json:"per_frame_pool_depth"`
	PartialMetadata   bool     `toml:"partial_metadata" json:"partial_metadata"`
	EarlyMetadata     bool     `toml:"early_metadata" json:"early_metadata"`
	TentativeMetadata bool     `toml:"tentative_metadata" json:"tentative_metadata"`
	ErrorRate         float64  `toml:"error_rate" json:"error_rate"`
	Seed              uint64   `toml:"seed,omitempty" json:"seed,omitempty"`
}

// TunablesConfig holds the session timing knobs that may be hot reloaded.
type TunablesConfig struct {
	FlushWait         Duration `toml:"flush_wait" json:"flush_wait"`
	FlushFallbackWait Duration `toml:"flush_fallback_wait" json:"flush_fallback_wait"`
	FenceWaitTimeout  Duration `toml:"fence_wait_timeout" json:"fence_wait_timeout"`
}

// SessionFile is the session description file.
type SessionFile struct {
	Version                int              `toml:"version" json:"version"`
	RequestQueueDepth      int              `toml:"request_queue_depth" json:"request_queue_depth"`
	BatchSize              int              `toml:"batch_size" json:"batch_size"`
	MaxLivePendingRequests int              `toml:"max_live_pending_requests,omitempty" json:"max_live_pending_requests,omitempty"`
	MaxOutputBuffers       int              `toml:"max_output_buffers,omitempty" json:"max_output_buffers,omitempty"`
	Tunables               TunablesConfig   `toml:"tunables" json:"tunables"`
	Pipelines              []PipelineConfig `toml:"pipelines" json:"pipelines"`
}

// DefaultSessionFile returns a two-camera session with a reprocess pipeline.
func DefaultSessionFile() *SessionFile {
	return &SessionFile{
		Version:           1,
		RequestQueueDepth: session.DefaultRequestQueueDepth,
		BatchSize:         session.DefaultBatchSize,
		Tunables: TunablesConfig{
			FlushWait:         Duration{session.DefaultFlushWait},
			FlushFallbackWait: Duration{session.DefaultFlushFallbackWait},
			FenceWaitTimeout:  Duration{session.DefaultFenceWaitTimeout},
		},
		Pipelines: []PipelineConfig{
			{
				Name:              "wide",
				RealTime:          true,
				OutputStreams:     []string{"preview", "video"},
				BypassStreams:     []string{"video"},
				Latency:           Duration{8 * time.Millisecond},
				Jitter:            Duration{4 * time.Millisecond},
				PerFramePoolDepth: 8,
				PartialMetadata:   true,
			},
			{
				Name:              "tele",
				RealTime:          true,
				OutputStreams:     []string{"preview"},
				Latency:           Duration{10 * time.Millisecond},
				Jitter:            Duration{6 * time.Millisecond},
				PerFramePoolDepth: 8,
			},
			{
				Name:              "reprocess",
				OutputStreams:     []string{"snapshot"},
				InputStreams:      []string{"raw"},
				Latency:           Duration{25 * time.Millisecond},
				TentativeMetadata: true,
			},
		},
	}
}

// LoadSessionFile reads and validates a session description file.
func LoadSessionFile(path string) (*SessionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session config: %w", err)
	}

	f := &SessionFile{}
	if err := toml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("failed to parse session config: %w", err)
	}
	if f.Version == 0 {
		f.Version = 1
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f, nil
}

// Save writes the file as TOML, creating parent directories.
func (f *SessionFile) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write session config: %w", err)
	}
	return nil
}

// Marshal encodes the file as TOML.
func (f *SessionFile) Marshal() ([]byte, error) {
	data, err := toml.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session config: %w", err)
	}
	return data, nil
}

// Validate checks the file for errors that would prevent a session from
// starting. All problems are reported together.
func (f *SessionFile) Validate() error {
	var errs []error
	if f.RequestQueueDepth < 0 {
		errs = append(errs, errors.New("request_queue_depth must not be negative"))
	}
	if f.BatchSize < 0 {
		errs = append(errs, errors.New("batch_size must not be negative"))
	}
	if len(f.Pipelines) == 0 {
		errs = append(errs, errors.New("at least one pipeline is required"))
	}

	names := make(map[string]bool, len(f.Pipelines))
	realTime := 0
	for i, p := range f.Pipelines {
		switch {
		case p.Name == "":
			errs = append(errs, fmt.Errorf("pipelines[%d]: name is required", i))
		case names[p.Name]:
			errs = append(errs, fmt.Errorf("pipelines[%d]: duplicate name %q", i, p.Name))
		}
		names[p.Name] = true
		if len(p.OutputStreams) == 0 {
			errs = append(errs, fmt.Errorf("pipeline %s: output_streams is empty", p.Name))
		}
		for _, b := range p.BypassStreams {
			if !slices.Contains(p.OutputStreams, b) {
				errs = append(errs, fmt.Errorf("pipeline %s: bypass stream %q is not an output stream", p.Name, b))
			}
		}
		if p.ErrorRate < 0 || p.ErrorRate > 1 {
			errs = append(errs, fmt.Errorf("pipeline %s: error_rate %v outside [0,1]", p.Name, p.ErrorRate))
		}
		if p.PerFramePoolDepth < 0 {
			errs = append(errs, fmt.Errorf("pipeline %s: per_frame_pool_depth must not be negative", p.Name))
		}
		if p.RealTime {
			realTime++
		}
	}
	if realTime > 2 {
		errs = append(errs, fmt.Errorf("%d real-time pipelines configured, at most 2 can stream together", realTime))
	}
	return errors.Join(errs...)
}

// SessionTunables converts the tunables section. Zero values fall back to
// session defaults.
func (f *SessionFile) SessionTunables() session.Tunables {
	return session.Tunables{
		FlushWait:         f.Tunables.FlushWait.Duration,
		FlushFallbackWait: f.Tunables.FlushFallbackWait.Duration,
		FenceWaitTimeout:  f.Tunables.FenceWaitTimeout.Duration,
	}
}

// SessionOptions returns the structural session options. Pipelines,
// dispatcher and logger are left for the caller.
func (f *SessionFile) SessionOptions() session.Options {
	return session.Options{
		RequestQueueDepth:      f.RequestQueueDepth,
		BatchSize:              f.BatchSize,
		MaxLivePendingRequests: f.MaxLivePendingRequests,
		MaxOutputBuffers:       f.MaxOutputBuffers,
		Tunables:               f.SessionTunables(),
	}
}

// PipelineOptions converts every pipeline section to simulator options.
func (f *SessionFile) PipelineOptions() []pipeline.Options {
	out := make([]pipeline.Options, len(f.Pipelines))
	for i, p := range f.Pipelines {
		out[i] = pipeline.Options{
			Name:              p.Name,
			RealTime:          p.RealTime,
			OutputStreams:     streamIDs(p.OutputStreams),
			InputStreams:      streamIDs(p.InputStreams),
			BypassStreams:     streamIDs(p.BypassStreams),
			Latency:           p.Latency.Duration,
			Jitter:            p.Jitter.Duration,
			ExposureTime:      p.ExposureTime.Duration,
			PerFramePoolDepth: p.PerFramePoolDepth,
			PartialMetadata:   p.PartialMetadata,
			EarlyMetadata:     p.EarlyMetadata,
			TentativeMetadata: p.TentativeMetadata,
			ErrorRate:         p.ErrorRate,
			Seed:              p.Seed,
		}
	}
	return out
}

// StructuralChanges lists the fields that differ from next and only take
// effect after a restart.
func (f *SessionFile) StructuralChanges(next *SessionFile) []string {
	var changed []string
	if f.RequestQueueDepth != next.RequestQueueDepth {
		changed = append(changed, "request_queue_depth")
	}
	if f.BatchSize != next.BatchSize {
		changed = append(changed, "batch_size")
	}
	if f.MaxLivePendingRequests != next.MaxLivePendingRequests {
		changed = append(changed, "max_live_pending_requests")
	}
	if f.MaxOutputBuffers != next.MaxOutputBuffers {
		changed = append(changed, "max_output_buffers")
	}
	if len(f.Pipelines) != len(next.Pipelines) {
		return append(changed, "pipelines")
	}
	for i := range f.Pipelines {
		if !reflect.DeepEqual(f.Pipelines[i], next.Pipelines[i]) {
			changed = append(changed, fmt.Sprintf("pipelines[%d]", i))
		}
	}
	return changed
}

func streamIDs(names []string) []session.StreamID {
	if len(names) == 0 {
		return nil
	}
	out := make([]session.StreamID, len(names))
	for i, n := range names {
		out[i] = session.StreamID(n)
	}
	return out
}
