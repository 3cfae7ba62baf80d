package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/smazurov/camsession/internal/api"
	"github.com/smazurov/camsession/internal/config"
	"github.com/smazurov/camsession/internal/events"
	"github.com/smazurov/camsession/internal/logging"
	"github.com/smazurov/camsession/internal/pipeline"
	"github.com/smazurov/camsession/internal/session"
)

// Runtime is a session wired to simulated pipelines and an event bus.
type Runtime struct {
	Session    *session.Session
	Pipelines  []*pipeline.Simulated
	Dispatcher *events.Dispatcher
	File       *config.SessionFile
}

// LoadSessionFileOrDefault reads path, falling back to the built-in session
// when the file does not exist.
func LoadSessionFileOrDefault(path string) (*config.SessionFile, bool, error) {
	if path == "" {
		return config.DefaultSessionFile(), false, nil
	}
	f, err := config.LoadSessionFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.DefaultSessionFile(), false, nil
		}
		return nil, false, err
	}
	return f, true, nil
}

// NewRuntime creates the simulated pipelines described by file and a session
// that dispatches onto bus.
func NewRuntime(file *config.SessionFile, bus *events.Bus) (*Runtime, error) {
	id := uuid.NewString()
	dispatcher := events.NewDispatcher(bus, id)

	pipelineOpts := file.PipelineOptions()
	sims := make([]*pipeline.Simulated, 0, len(pipelineOpts))
	closeSims := func() {
		for _, p := range sims {
			p.Close()
		}
	}
	for i := range pipelineOpts {
		o := pipelineOpts[i]
		o.Logger = logging.GetLogger("pipeline").With("pipeline", o.Name)
		o.OnStateChange = func(name string, from, to pipeline.State) {
			dispatcher.PipelineStateChanged(name, string(from), string(to))
		}
		p, err := pipeline.NewSimulated(&o)
		if err != nil {
			closeSims()
			return nil, fmt.Errorf("pipeline %s: %w", o.Name, err)
		}
		sims = append(sims, p)
	}

	pipes := make([]session.Pipeline, len(sims))
	for i, p := range sims {
		pipes[i] = p
	}

	opts := file.SessionOptions()
	opts.ID = id
	opts.Pipelines = pipes
	opts.Dispatcher = dispatcher
	opts.LinkSyncer = pipeline.NewLinkSync(sims)
	opts.Logger = logging.GetLogger("session").With("session_id", id)
	opts.OnStateChange = dispatcher.SessionStateChanged
	opts.OnStreamStatusChange = dispatcher.StreamStatusChanged

	s, err := session.New(&opts)
	if err != nil {
		closeSims()
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &Runtime{Session: s, Pipelines: sims, Dispatcher: dispatcher, File: file}, nil
}

// Controls returns the pipelines as API fault injection handles.
func (r *Runtime) Controls() []api.PipelineControl {
	out := make([]api.PipelineControl, len(r.Pipelines))
	for i, p := range r.Pipelines {
		out[i] = p
	}
	return out
}

// Close flushes and closes the session, then stops the pipelines.
func (r *Runtime) Close(ctx context.Context) error {
	err := r.Session.Close(ctx)
	for _, p := range r.Pipelines {
		p.Close()
	}
	return err
}
