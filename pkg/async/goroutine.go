package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/shopkeep/pkg/observability"
)

// SafeGo runs fn in a goroutine with panic recovery. An error or panic is
// logged under taskName. A zero timeout leaves ctx unbounded, which suits
// loops that run until shutdown.
//
// Example:
//
//	async.SafeGo(ctx, logger, 0, "invalidation subscriber", func(ctx context.Context) error {
//	    return bus.Subscribe(ctx, nil)
//	})
func SafeGo(parentCtx context.Context, logger *observability.Logger, timeout time.Duration, taskName string, fn func(context.Context) error) <-chan struct{} {
	if logger == nil {
		logger = observability.NopLogger()
	}
	done := make(chan struct{})

	go func() {
		defer close(done)

		ctx, cancel := withOptionalTimeout(parentCtx, timeout)
		defer cancel()

		if err := call(ctx, fn); err != nil {
			logger.WithError(err).WithField("task", taskName).Error("Background task failed")
		}
	}()

	return done
}

// ForEach calls fn for every item with at most workers calls in flight.
// Every item is visited, a failure does not stop the others. The returned
// slice is aligned with items and holds nil for each success. A zero
// timeout leaves each call bounded only by ctx.
func ForEach[T any](ctx context.Context, items []T, workers int, timeout time.Duration, fn func(context.Context, T) error) []error {
	if workers < 1 {
		workers = 1
	}
	errs := make([]error, len(items))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			itemCtx, cancel := withOptionalTimeout(ctx, timeout)
			defer cancel()
			errs[i] = call(itemCtx, func(ctx context.Context) error { return fn(ctx, item) })
			return nil
		})
	}
	_ = g.Wait()

	return errs
}

// Collector gathers results from concurrent tasks
type Collector[K comparable, V any] struct {
	mu     sync.Mutex
	values map[K]V
}

// NewCollector creates an empty collector
func NewCollector[K comparable, V any]() *Collector[K, V] {
	return &Collector[K, V]{values: make(map[K]V)}
}

// Set records v under k
func (c *Collector[K, V]) Set(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[k] = v
}

// Values returns a copy of the collected results
func (c *Collector[K, V]) Values() map[K]V {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[K]V, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// call runs fn and turns a panic into an error carrying the stack
func call(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return fn(ctx)
}

func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(ctx, timeout)
	}
	return context.WithCancel(ctx)
}
