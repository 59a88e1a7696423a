package concurrent

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ForEach runs the action function for each element of items in a separate
// goroutine, keeping at most limit goroutines in flight (limit <= 0 means
// unbounded). It waits for all goroutines to finish and returns the first
// error encountered; an error cancels the context passed to remaining
// actions.
func ForEach[T any](ctx context.Context, limit int, items []T, action func(context.Context, T) error) error {
	if len(items) == 0 {
		return nil
	}

	errGroup, groupCtx := errgroup.WithContext(ctx)
	if limit > 0 {
		errGroup.SetLimit(limit)
	}

	for _, item := range items {
		errGroup.Go(func() error {
			return action(groupCtx, item)
		})
	}

	return errGroup.Wait()
}

// ForEachMute runs the action function for each element of items in a
// separate goroutine and waits for all of them. Action outcomes are handled
// in place; one element never cancels the others.
func ForEachMute[T any](ctx context.Context, limit int, items []T, action func(context.Context, T)) {
	if len(items) == 0 {
		return
	}

	errGroup := errgroup.Group{}
	if limit > 0 {
		errGroup.SetLimit(limit)
	}

	for _, item := range items {
		errGroup.Go(func() error {
			action(ctx, item)
			return nil
		})
	}

	_ = errGroup.Wait()
}

// Tally runs the action function for each element of items in parallel and
// returns how many actions reported true. Used by fan-out paths that count
// successful deliveries.
func Tally[T any](ctx context.Context, limit int, items []T, action func(context.Context, T) bool) int {
	if len(items) == 0 {
		return 0
	}

	var count int64
	errGroup := errgroup.Group{}
	if limit > 0 {
		errGroup.SetLimit(limit)
	}

	for _, item := range items {
		errGroup.Go(func() error {
			if action(ctx, item) {
				atomic.AddInt64(&count, 1)
			}
			return nil
		})
	}

	_ = errGroup.Wait()
	return int(count)
}

// Merge merges multiple channels of T into a single output channel. The
// output closes once every input is drained.
func Merge[T any](chs ...<-chan T) <-chan T {
	out := make(chan T)
	var wg sync.WaitGroup
	wg.Add(len(chs))
	for _, ch := range chs {
		go func(c <-chan T) {
			defer wg.Done()
			for v := range c {
				out <- v
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
