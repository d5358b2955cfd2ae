// Package ctxgroup runs a set of goroutines that share a cancellation
// context, returning the first non-nil error any of them produce.
package ctxgroup

import (
	"context"
	"sync"
)

// Group coordinates a set of goroutines, each tied to the same context.
// If any goroutine returns a non-nil error, the context is canceled so
// siblings can exit early.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	wg      sync.WaitGroup
	errOnce sync.Once
	err     error
}

// New returns a Group whose context is derived from ctx.
func New(ctx context.Context) *Group {
	gctx, cancel := context.WithCancel(ctx)
	return &Group{ctx: gctx, cancel: cancel}
}

// Go starts fn in a new goroutine, passing it the group's context. The
// first fn to return a non-nil error cancels the group's context.
func (g *Group) Go(fn func(ctx context.Context) error) {
	g.wg.Add(1)

	go func() {
		defer g.wg.Done()

		if err := fn(g.ctx); err != nil {
			g.errOnce.Do(func() {
				g.err = err
				g.cancel()
			})
		}
	}()
}

// Wait blocks until every goroutine started with Go has returned, then
// returns the first error reported (if any).
func (g *Group) Wait() error {
	g.wg.Wait()
	g.cancel()
	return g.err
}
