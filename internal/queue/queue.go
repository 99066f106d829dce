// Package queue provides the serial dispatcher that funnels all
// engine-directed work through at most one in-flight task.
//
// Callers may submit from any number of goroutines; task bodies run
// strictly one at a time, in submission order, on a single worker
// goroutine. A task's failure settles only that task's handle and
// never blocks or skips the tasks behind it.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/kifulab/usibridge/internal/log"
)

// ErrClosed is returned for tasks submitted after Close.
var ErrClosed = errors.New("queue is closed")

// Task is a unit of work executed by the queue worker. The context is
// the queue's lifecycle context; it is cancelled only when the queue
// shuts down, not when an individual caller gives up waiting.
type Task func(ctx context.Context) error

// Pending is the caller's handle for a submitted task. Err is valid
// once Done is closed.
type Pending struct {
	name string
	done chan struct{}
	err  error
}

// Done returns a channel closed when the task has settled.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Err returns the task's failure, or nil. Only valid after Done.
func (p *Pending) Err() error { return p.err }

type entry struct {
	pending *Pending
	fn      Task
}

// Queue executes submitted tasks one at a time in FIFO order.
type Queue struct {
	mu      sync.Mutex
	waiting []*entry
	closed  bool

	wake    chan struct{}
	drained chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a queue and starts its worker goroutine.
func New() *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		wake:    make(chan struct{}, 1),
		drained: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	go q.run()
	return q
}

// Enqueue submits a task and returns immediately with its handle.
// If no task is running the worker picks it up at once; otherwise it
// waits its turn. Submission order is execution order.
func (q *Queue) Enqueue(name string, fn Task) *Pending {
	p := &Pending{name: name, done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		p.err = ErrClosed
		close(p.done)
		return p
	}
	q.waiting = append(q.waiting, &entry{pending: p, fn: fn})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return p
}

// Do submits a task and blocks until it settles or ctx is cancelled.
// Cancellation abandons the wait only: the task still runs in its
// original position, because a submitted task holds a place in the
// serial protocol conversation and cannot be skipped.
func (q *Queue) Do(ctx context.Context, name string, fn Task) error {
	p := q.Enqueue(name, fn)
	select {
	case <-p.Done():
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of tasks waiting for their turn. The task
// currently executing, if any, is not counted.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// Close stops accepting new tasks, runs every task already submitted,
// then stops the worker. It blocks until the backlog has drained.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.drained
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.drained
	q.cancel()
}

// run is the worker loop. It owns the at-most-one-in-flight invariant:
// no task body starts before the previous one has settled.
func (q *Queue) run() {
	for {
		q.mu.Lock()
		if len(q.waiting) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				close(q.drained)
				return
			}
			<-q.wake
			continue
		}
		next := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.mu.Unlock()

		err := next.fn(q.ctx)
		if err != nil {
			log.Debug(log.CatQueue, "task failed", "task", next.pending.name, "error", err)
		}
		next.pending.err = err
		close(next.pending.done)
	}
}
