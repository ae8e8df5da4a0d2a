package grid

import (
	"context"
)

// Op is the outcome of a store action that completes asynchronously
type Op struct {
	done chan struct{}
	err  error
}

func newOp() *Op {
	return &Op{done: make(chan struct{})}
}

func failedOp(err error) *Op {
	op := newOp()
	op.finish(err)
	return op
}

func (o *Op) finish(err error) {
	o.err = err
	close(o.done)
}

// Done is closed once the action has settled
func (o *Op) Done() <-chan struct{} {
	return o.done
}

// Err returns the failure of a settled action, or nil while it is still running
func (o *Op) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

// Wait blocks until the action settles or ctx is done
func (o *Op) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
