// Package taskpool runs independently submitted tasks on a fixed number of
// goroutines and collects their results.
//
// A pool supports a single waiter per cycle: tasks are submitted, then one
// goroutine calls Wait (or WaitResults, Discard) to collect them. Concurrent
// waiters on disjoint sets of tasks are not supported.
package taskpool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
)

var (
	ErrDuplicateJob = errors.New("job id is already pending")
	ErrClosed       = errors.New("pool is closed")
)

// Result is the outcome of a single task: either a value or an error.
type Result[T any] struct {
	JobID string
	Value T
	Err   error
}

func (r Result[T]) Failed() bool {
	return r.Err != nil
}

// TaskError tags a task failure with its job id.
type TaskError struct {
	JobID string
	Err   error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("job '%s': %s", e.JobID, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// TaskFailure aggregates every task failure observed during a wait cycle.
type TaskFailure struct {
	Errors []*TaskError
}

func (f *TaskFailure) Error() string {
	messages := make([]string, 0, len(f.Errors))
	for _, err := range f.Errors {
		messages = append(messages, err.Error())
	}
	return fmt.Sprintf("%d task(s) failed: %s", len(f.Errors), strings.Join(messages, "; "))
}

func (f *TaskFailure) Unwrap() []error {
	errs := make([]error, 0, len(f.Errors))
	for _, err := range f.Errors {
		errs = append(errs, err)
	}
	return errs
}

// JobIDs returns the ids of the failed tasks.
func (f *TaskFailure) JobIDs() []string {
	ids := make([]string, 0, len(f.Errors))
	for _, err := range f.Errors {
		ids = append(ids, err.JobID)
	}
	return ids
}

type Option func(*options)

type options struct {
	progress func(done, total int)
}

// WithProgress registers a callback invoked after every task completion with
// the number of completed and submitted tasks of the current cycle.
// It is called from worker goroutines.
func WithProgress(progress func(done, total int)) Option {
	return func(o *options) {
		o.progress = progress
	}
}

type task[T any] struct {
	ctx   context.Context
	jobID string
	fn    func(context.Context) (T, error)
}

type Pool[T any] struct {
	size     int
	progress func(done, total int)

	mu     sync.Mutex
	work   *sync.Cond
	queue  []task[T]
	closed bool

	// ids of tasks submitted and not collected yet
	jobs        map[string]struct{}
	completed   []Result[T]
	outstanding int

	// progress of the current cycle
	submitted int
	done      int

	notify chan struct{}
	wg     sync.WaitGroup
}

var mapCalls atomic.Uint64

// New starts a pool running at most size tasks at once.
func New[T any](size int, opts ...Option) *Pool[T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pool[T]{
		size:     max(size, 1),
		progress: o.progress,
		jobs:     make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
	}
	p.work = sync.NewCond(&p.mu)

	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go p.worker()
	}
	return p
}

func (p *Pool[T]) Size() int {
	return p.size
}

// Submit enqueues a task without blocking. A job id stays reserved until its
// result has been collected by a wait: submitting it again before then fails
// with ErrDuplicateJob.
func (p *Pool[T]) Submit(ctx context.Context, jobID string, fn func(context.Context) (T, error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if _, pending := p.jobs[jobID]; pending {
		return fmt.Errorf("%w: '%s'", ErrDuplicateJob, jobID)
	}

	p.jobs[jobID] = struct{}{}
	p.queue = append(p.queue, task[T]{ctx: ctx, jobID: jobID, fn: fn})
	p.outstanding++
	p.submitted++
	p.work.Signal()
	return nil
}

// WaitResults blocks until n submitted tasks have completed (every
// outstanding task when n <= 0) and returns their results in completion
// order. Failed tasks are reported in their Result; the error is only set
// when ctx is done first, in which case the tasks keep running and can be
// collected by a later call.
func (p *Pool[T]) WaitResults(ctx context.Context, n int) ([]Result[T], error) {
	for {
		p.mu.Lock()
		want := p.outstanding
		if n > 0 && n < want {
			want = n
		}

		if len(p.completed) >= want {
			results := make([]Result[T], want)
			copy(results, p.completed)
			p.completed = p.completed[want:]
			for _, result := range results {
				delete(p.jobs, result.JobID)
			}
			p.outstanding -= want
			if p.outstanding == 0 {
				p.submitted, p.done = 0, 0
			}
			p.mu.Unlock()
			return results, nil
		}
		p.mu.Unlock()

		select {
		case <-p.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Wait is like WaitResults but returns the values of the successful tasks.
// If any task failed, the error is a *TaskFailure listing every failure.
func (p *Pool[T]) Wait(ctx context.Context, n int) ([]T, error) {
	results, err := p.WaitResults(ctx, n)
	if err != nil {
		return nil, err
	}

	values := make([]T, 0, len(results))
	var failure TaskFailure
	for _, result := range results {
		if result.Failed() {
			failure.Errors = append(failure.Errors, &TaskError{JobID: result.JobID, Err: result.Err})
			continue
		}
		values = append(values, result.Value)
	}

	if len(failure.Errors) > 0 {
		return values, &failure
	}
	return values, nil
}

// Discard waits like Wait but drops the values, for tasks run for their side effects.
func (p *Pool[T]) Discard(ctx context.Context, n int) error {
	_, err := p.Wait(ctx, n)
	return err
}

// Close stops the workers once every queued task has run.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	p.closed = true
	p.work.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *Pool[T]) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.work.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		next := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		result := run(next)

		p.mu.Lock()
		p.completed = append(p.completed, result)
		p.done++
		done, total := p.done, p.submitted
		p.mu.Unlock()

		select {
		case p.notify <- struct{}{}:
		default: // a wake-up is already pending
		}

		if p.progress != nil {
			p.progress(done, total)
		}
	}
}

func run[T any](t task[T]) (result Result[T]) {
	result.JobID = t.jobID
	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("task panicked: %v", r)
		}
	}()

	result.Value, result.Err = t.fn(t.ctx)
	return result
}

// Map runs fn over items on the pool and returns the results in no particular
// order. The pool must have no other outstanding tasks.
func Map[T, R any](ctx context.Context, pool *Pool[R], items []T, fn func(context.Context, T) (R, error)) ([]R, error) {
	call := mapCalls.Add(1)
	for i, item := range items {
		item := item
		if err := pool.Submit(ctx, fmt.Sprintf("map-%d-%d", call, i), func(ctx context.Context) (R, error) {
			return fn(ctx, item)
		}); err != nil {
			return nil, err
		}
	}

	if len(items) == 0 {
		return nil, nil
	}
	return pool.Wait(ctx, len(items))
}
