package client

import (
	"context"
	"sync"
)

// BranchRequest is an in-flight branch computation.
// It is returned before any network activity completes; Wait blocks until the computation
// settles and Abort cancels it.
type BranchRequest struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	branch *Branch
	err    error
}

// StartBranchRequest runs fn on its own goroutine under a cancellable context derived from ctx.
// The returned request settles with fn's result.
func StartBranchRequest(ctx context.Context, fn func(ctx context.Context) (*Branch, error)) *BranchRequest {
	rctx, cancel := context.WithCancel(ctx)
	req := &BranchRequest{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		branch, err := fn(rctx)
		req.settle(branch, err)
		cancel()
	}()
	return req
}

func (r *BranchRequest) settle(branch *Branch, err error) {
	r.once.Do(func() {
		r.branch = branch
		r.err = err
		close(r.done)
	})
}

// Abort cancels the submission and any outstanding poll.
// Calling it on a settled or already aborted request does nothing.
func (r *BranchRequest) Abort() {
	r.cancel()
}

// Done is closed once the request has settled
func (r *BranchRequest) Done() <-chan struct{} {
	return r.done
}

// Result returns the settled result. It must only be called after Done is closed.
func (r *BranchRequest) Result() (*Branch, error) {
	return r.branch, r.err
}

// Wait blocks until the request settles or ctx is done
func (r *BranchRequest) Wait(ctx context.Context) (*Branch, error) {
	select {
	case <-r.done:
		return r.branch, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Job is the backend handle of a diffusion that is still running
type Job struct {
	CallID  string `json:"call_id"`
	Message string `json:"message"`
}
