package flow

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/klingon-exchange/swapd/pkg/logging"
)

// Source produces a value once its condition holds. It must return
// ctx.Err() promptly once ctx is cancelled.
type Source[T any] func(ctx context.Context) (T, error)

// FirstOf runs sources concurrently and returns the value and index of the
// first one to succeed. A single atomic guard picks the winner, and every
// other source is cancelled and has returned before FirstOf does. If a
// source fails before any succeeds, its error is returned.
func FirstOf[T any](ctx context.Context, sources ...Source[T]) (T, int, error) {
	var zero T
	if len(sources) == 0 {
		return zero, -1, ErrNoSources
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		won    atomic.Bool
		winner = -1
		result T
	)

	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		i, src := i, src
		g.Go(func() error {
			v, err := src(gctx)
			if err != nil {
				return err
			}
			if won.CompareAndSwap(false, true) {
				winner, result = i, v
				cancel()
			}
			return nil
		})
	}

	err := g.Wait()
	if winner >= 0 {
		return result, winner, nil
	}
	if err == nil {
		err = ctx.Err()
	}
	return zero, -1, err
}

// Poll returns a source that calls check immediately and then every
// interval until it reports done. Check errors are logged and retried on
// the next tick; the chain adapters already back off internally.
func Poll[T any](interval time.Duration, log *logging.Logger, what string, check func(ctx context.Context) (T, bool, error)) Source[T] {
	return func(ctx context.Context) (T, error) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			v, done, err := check(ctx)
			if err != nil {
				if ctx.Err() != nil {
					var zero T
					return zero, ctx.Err()
				}
				log.Warn("Poll failed", "check", what, "error", err)
			} else if done {
				return v, nil
			}

			select {
			case <-ctx.Done():
				var zero T
				return zero, ctx.Err()
			case <-ticker.C:
			}
		}
	}
}
