// Package taskq provides an ordered task queue: a FIFO of asynchronous
// actions drained by a single consumer loop. One queue per session is the
// only mutual-exclusion mechanism over the state its tasks touch.
package taskq

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Task is a no-argument action. It closes over whatever state it needs.
type Task func()

// Queue executes tasks in strict insertion order, one at a time.
//
// When the consumer is suspended waiting for work, Enqueue hands the task to
// it directly instead of buffering, so there is never an ordering ambiguity
// between buffered and freshly delivered items.
type Queue struct {
	mu     sync.Mutex
	buf    []Task
	waiter chan Task
	closed bool
}

func New() *Queue {
	return &Queue{}
}

// Enqueue appends a task. It reports false when the queue is already closed
// and the task was not accepted. Enqueue never blocks.
func (q *Queue) Enqueue(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	if q.waiter != nil {
		w := q.waiter
		q.waiter = nil
		w <- t
		return true
	}
	q.buf = append(q.buf, t)
	return true
}

// next returns the next task, suspending until one is enqueued. ok is false
// once the queue is closed and drained, or ctx is done.
func (q *Queue) next(ctx context.Context) (Task, bool) {
	q.mu.Lock()
	if len(q.buf) > 0 {
		t := q.buf[0]
		q.buf = q.buf[1:]
		q.mu.Unlock()
		return t, true
	}
	if q.closed {
		q.mu.Unlock()
		return nil, false
	}
	w := make(chan Task, 1)
	q.waiter = w
	q.mu.Unlock()

	select {
	case t, ok := <-w:
		return t, ok
	case <-ctx.Done():
		q.mu.Lock()
		if q.waiter == w {
			q.waiter = nil
		}
		q.mu.Unlock()
		// A task may have been handed off concurrently; run it rather
		// than drop it.
		select {
		case t, ok := <-w:
			return t, ok
		default:
			return nil, false
		}
	}
}

// Close marks the queue finished. A consumer suspended on next receives the
// terminal signal; tasks buffered before Close are still drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	if q.waiter != nil {
		close(q.waiter)
		q.waiter = nil
	}
}

// Run is the single consumer loop. It takes the next task and runs it to
// completion before taking another; there must be at most one Run per queue.
// A panicking task is logged and the loop continues: one bad message must
// not wedge every later operation of the same session.
func (q *Queue) Run(ctx context.Context) {
	for {
		t, ok := q.next(ctx)
		if !ok {
			return
		}
		run(t)
	}
}

func run(t Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "taskq").Any("panic", r).Msg("task panicked")
		}
	}()
	t()
}

// Len reports the number of buffered tasks, for tests and introspection.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
