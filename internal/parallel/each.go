// Package parallel runs a function over a sequence with bounded
// concurrency.
package parallel

import (
	"context"
	"errors"
	"iter"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Each calls f for every element of seq, at most limit at a time, and
// waits for all of them. A failing call does not stop the others. Once ctx
// is done no new calls are started. The returned error joins every
// failure.
func Each[E any](ctx context.Context, limit int, seq iter.Seq[E], f func(context.Context, E) error) error {
	var g errgroup.Group
	var sem chan struct{}
	if limit > 0 {
		sem = make(chan struct{}, limit)
	}

	var mx sync.Mutex
	var errs []error
	collect := func(err error) {
		mx.Lock()
		errs = append(errs, err)
		mx.Unlock()
	}

	for e := range seq {
		if sem != nil {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
			}
		}
		if ctx.Err() != nil {
			collect(ctx.Err())
			break
		}
		g.Go(func() error {
			if sem != nil {
				defer func() { <-sem }()
			}
			if err := f(ctx, e); err != nil {
				collect(err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
