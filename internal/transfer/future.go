package transfer

import (
	"context"
	"sync"
)

// Future is the single assignment outcome of a transfer.
type Future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Done is closed once the outcome is known.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Err returns the outcome. It is nil until Done is closed and for a
// successful transfer.
func (f *Future) Err() error {
	select {
	case <-f.done:
		return f.err
	default:
		return nil
	}
}

// Wait blocks until the outcome is known or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Future) resolve(err error) bool {
	resolved := false
	f.once.Do(func() {
		f.err = err
		close(f.done)
		resolved = true
	})
	return resolved
}
