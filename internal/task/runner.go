// Package task runs long operations on their own goroutines and delivers
// each result exactly once, to a listener and to anyone waiting on the task.
package task

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"backit-go/internal/backit"
)

// Kind names a class of task. Singleton kinds run one task at a time.
type Kind string

const (
	KindAuth     Kind = "auth"
	KindSync     Kind = "sync"
	KindProfile  Kind = "profile"
	KindRepos    Kind = "repos"
	KindSnapshot Kind = "snapshot"
)

// DefaultSingletons are the kinds where a new task replaces the running one.
var DefaultSingletons = []Kind{KindAuth, KindSync}

// Result is what a task produced.
type Result[T any] struct {
	Value T
	Err   error
}

// Listener receives a task's result. It is called once, on the task's
// goroutine, before Wait returns.
type Listener[T any] func(Result[T])

// control is the untyped part of a task the Runner keeps track of.
type control struct {
	kind   Kind
	cancel context.CancelFunc
	done   chan struct{}
}

// Task is a handle on a submitted operation.
type Task[T any] struct {
	ctl    *control
	result Result[T]
}

// Kind returns the task's kind.
func (t *Task[T]) Kind() Kind { return t.ctl.kind }

// Cancel asks the task to stop. A task that has not started yet never runs
// and delivers ErrCanceled.
func (t *Task[T]) Cancel() { t.ctl.cancel() }

// Done is closed after the result was delivered.
func (t *Task[T]) Done() <-chan struct{} { return t.ctl.done }

// Wait blocks until the task finished and returns its result.
func (t *Task[T]) Wait() (T, error) {
	<-t.ctl.done
	return t.result.Value, t.result.Err
}

// Runner starts tasks and keeps singleton kinds exclusive.
type Runner struct {
	logger     backit.Logger
	singletons map[Kind]bool

	mu      sync.Mutex
	closed  bool
	latest  map[Kind]*control
	running map[*control]struct{}
	wg      sync.WaitGroup
}

// NewRunner creates a Runner where the given kinds are singletons.
func NewRunner(logger backit.Logger, singletons ...Kind) *Runner {
	set := make(map[Kind]bool, len(singletons))
	for _, k := range singletons {
		set[k] = true
	}
	return &Runner{
		logger:     logger,
		singletons: set,
		latest:     make(map[Kind]*control),
		running:    make(map[*control]struct{}),
	}
}

// Submit runs fn on a new goroutine. For a singleton kind the previous task
// of that kind is canceled, and fn does not start before that task has
// delivered its result. listener may be nil.
func Submit[T any](r *Runner, ctx context.Context, kind Kind, fn func(context.Context) (T, error), listener Listener[T]) *Task[T] {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task[T]{ctl: &control{kind: kind, cancel: cancel, done: make(chan struct{})}}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		cancel()
		t.deliver(Result[T]{Err: backit.ErrCanceled}, listener)
		return t
	}
	var prev *control
	if r.singletons[kind] {
		prev = r.latest[kind]
		r.latest[kind] = t.ctl
	}
	r.running[t.ctl] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	if prev != nil {
		r.logger.Debug("replacing running task", "kind", kind)
		prev.cancel()
	}

	go func() {
		defer r.wg.Done()
		defer r.forget(t.ctl)
		if prev != nil {
			<-prev.done
		}
		t.deliver(t.run(ctx, fn), listener)
	}()
	return t
}

func (t *Task[T]) run(ctx context.Context, fn func(context.Context) (T, error)) (res Result[T]) {
	defer t.ctl.cancel()
	if ctx.Err() != nil {
		return Result[T]{Err: backit.ErrCanceled}
	}
	defer func() {
		if p := recover(); p != nil {
			res = Result[T]{Err: fmt.Errorf("task %s panicked: %v\n%s", t.ctl.kind, p, debug.Stack())}
		}
	}()

	v, err := fn(ctx)
	if err != nil && ctx.Err() != nil && !errors.Is(err, backit.ErrCanceled) {
		err = fmt.Errorf("%w: %w", backit.ErrCanceled, err)
	}
	return Result[T]{Value: v, Err: err}
}

func (t *Task[T]) deliver(res Result[T], listener Listener[T]) {
	t.result = res
	if listener != nil {
		listener(res)
	}
	close(t.ctl.done)
}

func (r *Runner) forget(c *control) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, c)
	if r.latest[c.kind] == c {
		delete(r.latest, c.kind)
	}
}

// Shutdown cancels every task and waits until all have delivered their
// results or ctx ends. Tasks submitted afterwards are canceled immediately.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	for c := range r.running {
		c.cancel()
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for tasks: %w", ctx.Err())
	}
}
