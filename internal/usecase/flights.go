package usecase

import (
	"context"
	"sync"
	"time"
)

// flights tracks the callers waiting on each shared pipeline run. A run's
// context keeps the values of the caller that started it but not its
// cancellation; it is cancelled when the last waiting caller leaves.
type flights struct {
	mu   sync.Mutex
	runs map[string]*flight
}

type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func newFlights() *flights {
	return &flights{runs: make(map[string]*flight)}
}

// join registers a caller for key, creating the run context when no run is
// in progress
func (f *flights) join(ctx context.Context, key string, timeout time.Duration) *flight {
	f.mu.Lock()
	defer f.mu.Unlock()

	if run, ok := f.runs[key]; ok {
		run.waiters++
		return run
	}

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	run := &flight{ctx: runCtx, cancel: cancel, waiters: 1}
	f.runs[key] = run
	return run
}

// leave unregisters a caller. The last one out cancels the run.
func (f *flights) leave(key string, run *flight) {
	f.mu.Lock()
	defer f.mu.Unlock()

	run.waiters--
	if run.waiters > 0 {
		return
	}
	run.cancel()
	if f.runs[key] == run {
		delete(f.runs, key)
	}
}

// finish detaches a completed run so later callers start a fresh one
func (f *flights) finish(key string, run *flight) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.runs[key] == run {
		delete(f.runs, key)
	}
}
