// Package jobs runs detached units of work that outlive the request that started them.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var ErrRunnerClosed = errors.New("runner is shut down")

// Func is one unit of background work. A returned error is logged and dropped.
type Func func(ctx context.Context) error

type Runner struct {
	log    *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	slots  chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewRunner(maxConcurrent int, log *slog.Logger) *Runner {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		log:    log,
		ctx:    ctx,
		cancel: cancel,
		slots:  make(chan struct{}, maxConcurrent),
	}
}

// Go starts fn in its own goroutine and returns a func that cancels just that unit.
// Work waits for a free slot before fn is called; cancelling while waiting skips it.
func (r *Runner) Go(name string, fn Func) (context.CancelFunc, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrRunnerClosed
	}

	ctx, cancel := context.WithCancel(r.ctx)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()

		select {
		case r.slots <- struct{}{}:
		case <-ctx.Done():
			r.log.Warn("background job dropped before start", "job", name)
			return
		}
		defer func() { <-r.slots }()

		if err := r.run(ctx, name, fn); err != nil {
			r.log.Error("background job failed", "job", name, "err", err)
		}
	}()
	return cancel, nil
}

func (r *Runner) run(ctx context.Context, name string, fn Func) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s: %v", name, p)
		}
	}()
	return fn(ctx)
}

// Shutdown stops accepting work, cancels everything in flight and waits for it to return.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
