package server

import (
	"context"
	"fmt"

	"github.com/chazu/quill/vm"
)

// vmRequest is a unit of work to run on the worker goroutine.
type vmRequest struct {
	fn   func(*vm.Thread) any
	done chan vmResult
}

type vmResult struct {
	value any
	err   error
}

// VMWorker serializes all runtime access through a single goroutine.
// A runtime may only be driven from one goroutine at a time, so every
// handler goes through the worker.
type VMWorker struct {
	rt       *vm.Runtime
	thread   *vm.Thread
	requests chan vmRequest
	quit     chan struct{}
}

// NewVMWorker creates a VMWorker with its own thread on rt and starts the
// processing goroutine.
func NewVMWorker(rt *vm.Runtime) *VMWorker {
	w := &VMWorker{
		rt:       rt,
		thread:   rt.NewThread(),
		requests: make(chan vmRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *VMWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			w.thread.Close()
			return
		}
	}
}

// execute runs fn on the thread, turning a panic into an error.
func (w *VMWorker) execute(fn func(*vm.Thread) any) (result vmResult) {
	defer func() {
		if r := recover(); r != nil {
			serverLog.Errorf("worker: recovered from panic: %v", r)
			result.err = fmt.Errorf("server: internal error: %v", r)
		}
	}()
	result.value = fn(w.thread)
	return result
}

// Do submits fn for execution on the worker goroutine and blocks until it
// completes or ctx is done. A request that was already queued still runs
// when ctx is cancelled; only the wait is abandoned.
func (w *VMWorker) Do(ctx context.Context, fn func(*vm.Thread) any) (any, error) {
	select {
	case <-w.quit:
		return nil, errStopped
	default:
	}
	req := vmRequest{fn: fn, done: make(chan vmResult, 1)}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, errStopped
	}
	select {
	case res := <-req.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, errStopped
	}
}

// Stop shuts down the worker goroutine.
func (w *VMWorker) Stop() {
	close(w.quit)
}

// Runtime returns the runtime the worker drives. Callers outside the
// worker goroutine may only read its immutable fields.
func (w *VMWorker) Runtime() *vm.Runtime {
	return w.rt
}
