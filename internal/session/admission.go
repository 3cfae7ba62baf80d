package session

import (
	"context"
	"sync"
	"time"
)

// admission bounds the number of live pending requests. One unit is held
// per client request from acceptance until its group is dispatched.
type admission struct {
	mu          sync.Mutex
	cond        *sync.Cond
	live        int
	max         int
	perPipeline []int
}

func newAdmission(limit, pipelines int) *admission {
	a := &admission{
		max:         limit,
		perPipeline: make([]int, pipelines),
	}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// wait blocks until a unit is free. blocked is evaluated under the lock on
// every wakeup; a non-nil result aborts the wait.
func (a *admission) wait(ctx context.Context, blocked func() error) error {
	stop := context.AfterFunc(ctx, a.broadcast)
	defer stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		if err := blocked(); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return newError(CodeAdmissionCancelled, "admission wait cancelled", err)
		}
		if a.live < a.max {
			return nil
		}
		a.cond.Wait()
	}
}

func (a *admission) acquire(pipelines []int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.live++
	for _, p := range pipelines {
		a.perPipeline[p]++
	}
}

func (a *admission) release(pipelines []int) {
	a.mu.Lock()
	a.live--
	for _, p := range pipelines {
		a.perPipeline[p]--
	}
	a.mu.Unlock()
	a.cond.Broadcast()
}

// broadcast wakes every waiter so it re-evaluates session state.
func (a *admission) broadcast() {
	a.mu.Lock()
	a.cond.Broadcast()
	a.mu.Unlock()
}

// pending returns live units touching pipelines, or all units for nil.
func (a *admission) pending(pipelines []int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingLocked(pipelines)
}

func (a *admission) pendingLocked(pipelines []int) int {
	if pipelines == nil {
		return a.live
	}
	n := 0
	for _, p := range pipelines {
		n += a.perPipeline[p]
	}
	return n
}

// waitDrained blocks until no unit touches pipelines or the timeout
// elapses. abort is evaluated on every wakeup.
func (a *admission) waitDrained(timeout time.Duration, pipelines []int, abort func() bool) bool {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, a.broadcast)
	defer timer.Stop()

	a.mu.Lock()
	defer a.mu.Unlock()
	for {
		if a.pendingLocked(pipelines) == 0 {
			return true
		}
		if abort() || !time.Now().Before(deadline) {
			return false
		}
		a.cond.Wait()
	}
}

func (a *admission) snapshot() (live, max int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.live, a.max
}
