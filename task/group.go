// Package task provides a small helper for running a set of named,
// cancellation-linked goroutines and waiting on their collective result.
package task

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Group is a set of tasks which are executed concurrently, and which are
// collectively waited upon. The first task to return a non-nil error cancels
// the Group's Context; tasks queued onto a Group should monitor Context and
// return promptly upon its cancellation. Group is not itself safe for
// concurrent use by multiple goroutines calling Queue.
type Group struct {
	ctx      context.Context
	cancelFn context.CancelFunc

	tasks   []namedTask
	eg      *errgroup.Group
	started bool
}

type namedTask struct {
	name string
	fn   func() error
}

// NewGroup returns a new, empty Group deriving from the given parent Context.
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{ctx: ctx, eg: eg, cancelFn: cancel}
}

// Context returns the Group's Context, cancelled when any queued task
// returns a non-nil error, Cancel is called, or the parent Context is done.
func (g *Group) Context() context.Context { return g.ctx }

// Cancel the Group's Context directly.
func (g *Group) Cancel() { g.cancelFn() }

// Queue a named function for execution. Queue must not be called after
// GoRun; doing so panics.
func (g *Group) Queue(name string, fn func() error) {
	if g.started {
		panic("Queue called after GoRun")
	}
	g.tasks = append(g.tasks, namedTask{name: name, fn: fn})
}

// GoRun starts every queued task in its own goroutine. GoRun may be called
// only once.
func (g *Group) GoRun() {
	if g.started {
		panic("GoRun already called")
	}
	g.started = true

	for i := range g.tasks {
		var t = g.tasks[i]
		g.eg.Go(func() error { return errors.WithMessage(t.fn(), t.name) })
	}
}

// Wait blocks until every started task has returned, and returns the first
// non-nil error encountered (if any). GoRun must have been called first.
func (g *Group) Wait() error {
	if !g.started {
		panic("Wait called before GoRun")
	}
	return g.eg.Wait()
}
