// Package fence provides acquire fences that producers signal once a buffer
// is ready for the consumer.
package fence

import (
	"context"
	"sync"
	"time"
)

// Fence is a one-shot readiness signal carrying an optional error.
type Fence struct {
	once sync.Once
	done chan struct{}
	err  error
}

// New returns an unsignalled fence.
func New() *Fence {
	return &Fence{done: make(chan struct{})}
}

// Signalled returns a fence that is already signalled with err.
func Signalled(err error) *Fence {
	f := New()
	f.Signal(err)
	return f
}

// After returns a fence that signals with err once d has elapsed.
func After(d time.Duration, err error) *Fence {
	f := New()
	time.AfterFunc(d, func() { f.Signal(err) })
	return f
}

// Signal releases every waiter. Only the first call has effect.
func (f *Fence) Signal(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the fence is signalled or ctx is done.
func (f *Fence) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the fence is signalled.
func (f *Fence) Done() <-chan struct{} {
	return f.done
}
