// Package durable defers payload execution by a delay and guarantees
// the deferred call happens even across a process restart. Each
// submission is written to the pending-task table before its in-process
// timer is armed; the row is deleted only after the callback returns
// without error. A submission under a key that already has outstanding
// work supersedes it, so at most one task is ever in flight per key.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrSuperseded completes a handle whose work was replaced by a newer
// submission under the same key before it started.
var ErrSuperseded = errors.New("durable: superseded by a newer submission")

// ErrCanceled completes a handle whose timer was cancelled at shutdown.
// The persisted row survives, so the work resumes on the next boot.
var ErrCanceled = errors.New("durable: canceled by shutdown")

// ErrShutdown is returned by Submit after Shutdown has been called.
var ErrShutdown = errors.New("durable: executor is shut down")

// ExecuteFunc runs one deferred payload. A nil return deletes the
// pending row; an error leaves the row for the next boot's resume pass.
type ExecuteFunc func(ctx context.Context, key string, payload json.RawMessage) error

// Handle tracks one submission's completion.
type Handle struct {
	done chan struct{}
	err  error
}

func newHandle() *Handle {
	return &Handle{done: make(chan struct{})}
}

// Done is closed when the submission finished, failed, was superseded,
// or was cancelled.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err reports the outcome. Only valid after Done is closed.
func (h *Handle) Err() error { return h.err }

// Wait blocks until the submission completes or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return h.err
	}
}

func (h *Handle) complete(err error) {
	h.err = err
	close(h.done)
}

type pendingEntry struct {
	timer  *time.Timer
	handle *Handle
}

// Executor schedules deferred work with write-ahead persistence.
type Executor struct {
	logger  *slog.Logger
	store   *Store
	execute ExecuteFunc

	mu      sync.Mutex
	pending map[string]*pendingEntry // owning key -> armed timer
	closed  bool
	wg      sync.WaitGroup
}

// New creates an executor. Call Resume once before submitting new work
// so overdue tasks from the previous run fire first.
func New(logger *slog.Logger, store *Store, execute ExecuteFunc) *Executor {
	return &Executor{
		logger:  logger,
		store:   store,
		execute: execute,
		pending: make(map[string]*pendingEntry),
	}
}

// Submit persists the payload keyed by key, replacing any prior
// submission under the same key, then arms a timer for now+delay.
// The returned handle completes when the work runs (or is superseded
// or cancelled).
//
// A store write failure is logged but does not block the in-process
// schedule: the work still runs this boot, it just will not survive a
// crash before it does.
func (e *Executor) Submit(key string, payload json.RawMessage, delay time.Duration) (*Handle, error) {
	if delay < 0 {
		delay = 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrShutdown
	}

	record := &PendingTask{Key: key, Payload: payload, ExecuteAt: time.Now().Add(delay)}
	if err := e.store.Put(record); err != nil {
		e.logger.Error("persist pending task failed", "key", key, "error", err)
	}

	if prev, ok := e.pending[key]; ok {
		prev.timer.Stop()
		prev.handle.complete(ErrSuperseded)
	}

	h := newHandle()
	entry := &pendingEntry{handle: h}
	entry.timer = time.AfterFunc(delay, func() {
		e.fire(key, payload, h)
	})
	e.pending[key] = entry

	e.logger.Debug("deferred task submitted", "key", key, "delay", delay)
	return h, nil
}

// fire runs when a key's timer expires.
func (e *Executor) fire(key string, payload json.RawMessage, h *Handle) {
	e.mu.Lock()
	entry, ok := e.pending[key]
	if !ok || entry.handle != h {
		// Superseded or cancelled between expiry and here.
		e.mu.Unlock()
		return
	}
	delete(e.pending, key)
	if e.closed {
		// Shutdown may already have passed its wait; do not start work
		// it cannot see. The row survives for the next boot.
		e.mu.Unlock()
		h.complete(ErrCanceled)
		return
	}
	// Registering on the WaitGroup under the same lock that Shutdown
	// takes to set closed means Shutdown's wait always observes this
	// execution.
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	err := e.execute(context.Background(), key, payload)
	if err != nil {
		// Leave the row in place; the next boot's resume pass retries.
		e.logger.Error("deferred task failed", "key", key, "error", err)
		h.complete(err)
		return
	}

	if derr := e.store.Delete(key); derr != nil {
		e.logger.Error("delete pending task failed", "key", key, "error", derr)
	}
	h.complete(nil)
}

// Resume scans all persisted pending tasks and re-submits each with its
// remaining delay: work overdue at boot fires immediately, work still
// in the future is rescheduled precisely. Run once at startup, before
// accepting new submissions.
func (e *Executor) Resume(ctx context.Context) (int, error) {
	tasks, err := e.store.All()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	resumed := 0
	for _, t := range tasks {
		remaining := t.ExecuteAt.Sub(now)
		if remaining < 0 {
			remaining = 0
		}
		if _, err := e.Submit(t.Key, t.Payload, remaining); err != nil {
			e.logger.Error("resume pending task failed", "key", t.Key, "error", err)
			continue
		}
		resumed++
	}

	if resumed > 0 {
		e.logger.Info("resumed pending tasks", "count", resumed)
	}
	return resumed, nil
}

// Shutdown stops accepting new submissions. When cancelPending is true
// the armed timers are stopped and their handles complete with
// ErrCanceled; a timer that expires after Shutdown resolves the same
// way without executing. Either way the rows remain persisted and
// resume on the next boot. When wait is true Shutdown blocks until
// in-flight executions return.
func (e *Executor) Shutdown(wait, cancelPending bool) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if cancelPending {
		for key, entry := range e.pending {
			entry.timer.Stop()
			entry.handle.complete(ErrCanceled)
			delete(e.pending, key)
		}
	}
	e.mu.Unlock()

	if wait {
		e.wg.Wait()
	}
	e.logger.Info("durable executor stopped")
}
