// Package awaitqueue provides a FIFO queue of closures executed strictly one
// at a time, in push order. The server uses it to serialize room creation so
// two connections racing on the same room id cannot create two rooms.
package awaitqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned for pushes after Close.
var ErrQueueClosed = errors.New("awaitqueue: closed")

type job struct {
	task func() (any, error)
	done chan result
}

type result struct {
	value any
	err   error
}

// Queue executes pushed tasks sequentially on a single goroutine.
type Queue struct {
	mu     sync.Mutex
	jobs   chan job
	closed bool
}

func New() *Queue {
	q := &Queue{jobs: make(chan job, 64)}
	go q.run()
	return q
}

func (q *Queue) run() {
	for j := range q.jobs {
		value, err := j.task()
		j.done <- result{value: value, err: err}
	}
}

// Push enqueues task and waits for its completion. Tasks run in push order;
// a task observes the effects of every task pushed before it. The context
// only abandons the wait, the task itself still runs to completion in order.
func (q *Queue) Push(ctx context.Context, task func() (any, error)) (any, error) {
	j := job{task: task, done: make(chan result, 1)}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.jobs <- j
	q.mu.Unlock()

	select {
	case res := <-j.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting new tasks. Already queued tasks still run.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.jobs)
}
