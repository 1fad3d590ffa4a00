package queue

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"worldrates/internal/metrics"
)

const DefaultMaxConcurrent = 3

// Queue admits at most max concurrent units of work. Callers beyond the cap
// wait in arrival order.
type Queue struct {
	name string
	max  int
	sem  *semaphore.Weighted

	mu      sync.Mutex
	waiting int
	running int
}

type Status struct {
	Waiting int `json:"waiting"`
	Running int `json:"running"`
	Max     int `json:"max"`
}

func New(name string, max int) *Queue {
	if max <= 0 {
		max = DefaultMaxConcurrent
	}
	return &Queue{name: name, max: max, sem: semaphore.NewWeighted(int64(max))}
}

// Do runs fn once a slot is free. A caller whose ctx ends while waiting
// leaves the queue with ctx.Err() and fn is never called.
func (q *Queue) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	q.adjust(1, 0)
	if err := q.sem.Acquire(ctx, 1); err != nil {
		q.adjust(-1, 0)
		return err
	}
	q.adjust(-1, 1)
	defer func() {
		q.sem.Release(1)
		q.adjust(0, -1)
	}()
	return fn(ctx)
}

func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{Waiting: q.waiting, Running: q.running, Max: q.max}
}

func (q *Queue) adjust(waiting, running int) {
	q.mu.Lock()
	q.waiting += waiting
	q.running += running
	w, r := q.waiting, q.running
	q.mu.Unlock()
	metrics.SetQueueDepth(q.name, w, r)
}

// Run is Do for work that produces a value.
func Run[T any](ctx context.Context, q *Queue, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := q.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}
