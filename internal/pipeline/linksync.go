package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/smazurov/camsession/internal/session"
)

// ErrLinkUnavailable is returned when a link sync is requested for a
// pipeline that is not real time or not streaming.
var ErrLinkUnavailable = errors.New("link sync unavailable")

// LinkSync pairs simulated real-time pipelines for hardware frame sync.
type LinkSync struct {
	pipelines []*Simulated

	mu     sync.Mutex
	next   session.LinkHandle
	links  map[session.LinkHandle][2]int
	failed error
}

// NewLinkSync returns a LinkSyncer over pipelines, indexed as attached to
// the session.
func NewLinkSync(pipelines []*Simulated) *LinkSync {
	return &LinkSync{
		pipelines: pipelines,
		next:      1,
		links:     make(map[session.LinkHandle][2]int),
	}
}

// SyncLinks links pipelines a and b and returns the new handle.
func (l *LinkSync) SyncLinks(ctx context.Context, a, b int) (session.LinkHandle, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.failed != nil {
		return 0, l.failed
	}
	for _, idx := range []int{a, b} {
		if idx < 0 || idx >= len(l.pipelines) {
			return 0, fmt.Errorf("%w: pipeline %d out of range", ErrLinkUnavailable, idx)
		}
		info := l.pipelines[idx].Info()
		if !info.RealTime {
			return 0, fmt.Errorf("%w: pipeline %s is not real time", ErrLinkUnavailable, info.Name)
		}
		if info.State == StateStopped {
			return 0, fmt.Errorf("%w: pipeline %s stopped", ErrLinkUnavailable, info.Name)
		}
	}

	h := l.next
	l.next++
	l.links[h] = [2]int{a, b}
	return h, nil
}

// Fail makes every later SyncLinks return err. A nil err clears it.
func (l *LinkSync) Fail(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = err
}

// Links returns the number of links established so far.
func (l *LinkSync) Links() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.links)
}

var _ session.LinkSyncer = (*LinkSync)(nil)
