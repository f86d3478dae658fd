package accelerator

import (
	"context"
	"sync"

	"github.com/cochaviz/accelhost/internal/params"
)

// Future is the pending result of a submitted job.
type Future struct {
	done   chan struct{}
	cancel context.CancelFunc

	once   sync.Once
	result params.Tree
	err    error
}

// Go runs fn in a new goroutine and returns its future. Cancelling the
// future cancels the context passed to fn.
func Go(ctx context.Context, fn func(ctx context.Context) (params.Tree, error)) *Future {
	ctx, cancel := context.WithCancel(ctx)
	f := &Future{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer cancel()
		result, err := fn(ctx)
		f.complete(result, err)
	}()
	return f
}

func (f *Future) complete(result params.Tree, err error) {
	f.once.Do(func() {
		f.result, f.err = result, err
		close(f.done)
	})
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Cancel abandons the job. A job already finished keeps its result.
func (f *Future) Cancel() {
	f.cancel()
}

// Wait blocks until the job finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) (params.Tree, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
