// Package pipeline runs slide tiling jobs on a fixed set of workers that drain
// a shared queue.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FailurePolicy decides what the pool does after a job fails.
type FailurePolicy string

const (
	// FailContinue records the failure and keeps draining the queue.
	FailContinue FailurePolicy = "continue"

	// FailAbort records the failure and stops every worker from taking
	// further items.
	FailAbort FailurePolicy = "abort"
)

// ParseFailurePolicy maps a config value to a FailurePolicy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(s) {
	case "", FailContinue:
		return FailContinue, nil
	case FailAbort:
		return FailAbort, nil
	default:
		return FailContinue, fmt.Errorf("unknown failure policy %q", s)
	}
}

// Queue is a fixed set of items popped without blocking.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

// NewQueue returns a queue holding a copy of items, popped in order.
func NewQueue[T any](items []T) *Queue[T] {
	return &Queue[T]{items: append([]T(nil), items...)}
}

// TryPop removes and returns the next item. It returns false when the queue
// is empty.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Len returns the number of items left.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ItemError is a failed job and its error.
type ItemError[T any] struct {
	Item T
	Err  error
}

func (e ItemError[T]) Error() string {
	return e.Err.Error()
}

func (e ItemError[T]) Unwrap() error {
	return e.Err
}

// Pool runs a job function over a Queue with a fixed number of workers.
type Pool[T any] struct {
	workers  int
	cooldown time.Duration
	policy   FailurePolicy
	log      zerolog.Logger
}

// NewPool returns a pool of workers goroutines. Each worker pauses for
// cooldown after every job. A non-positive worker count is raised to one.
func NewPool[T any](workers int, cooldown time.Duration, policy FailurePolicy) *Pool[T] {
	return &Pool[T]{
		workers:  max(1, workers),
		cooldown: cooldown,
		policy:   policy,
		log:      zerolog.Nop(),
	}
}

// WithLogger sets the logger failures are reported to, at debug level. Jobs
// log their own failures.
func (p *Pool[T]) WithLogger(l zerolog.Logger) *Pool[T] {
	p.log = l
	return p
}

// Run drains q and returns the failed jobs once every worker has exited.
// Workers stop taking items when the queue is empty or ctx is done; a job
// already running is finished first.
func (p *Pool[T]) Run(ctx context.Context, q *Queue[T], fn func(context.Context, T) error) []ItemError[T] {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []ItemError[T]
	)

	for w := 0; w < p.workers; w++ {
		wg.Add(1)

		go func(workerID int) {
			defer wg.Done()

			for ctx.Err() == nil {
				item, ok := q.TryPop()
				if !ok {
					return
				}

				if err := fn(ctx, item); err != nil {
					mu.Lock()
					failures = append(failures, ItemError[T]{Item: item, Err: err})
					mu.Unlock()

					p.log.Debug().Err(err).Int("worker", workerID).Msg("Job failed")
					if p.policy == FailAbort {
						cancel()
						return
					}
				}

				if !sleepContext(ctx, p.cooldown) {
					return
				}
			}
		}(w)
	}

	wg.Wait()
	return failures
}

// sleepContext pauses for d and reports false if ctx ended first.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
