package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for work queues.
var (
	workItemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_source_work_items_processed_total",
		Help: "Total items handled by work queue consumers by result",
	}, []string{"result"})

	workBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queue_source_work_backlog",
		Help: "Items waiting in work queues",
	})
)

// Handler consumes a single item.
type Handler[T any] func(ctx context.Context, item T) error

// WorkQueue is an in-memory queue consumed by a fixed set of workers.
type WorkQueue[T any] struct {
	handler Handler[T]
	workers int
	logger  zerolog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	backlog []T
	active  int
	started bool
	closed  bool
	stopped bool
	failed  int
	done    int

	wg sync.WaitGroup
}

// NewWorkQueue creates a work queue with the given number of workers.
// Workers begin consuming once Start is called.
func NewWorkQueue[T any](workers int, handler Handler[T]) *WorkQueue[T] {
	if workers <= 0 {
		workers = 1
	}
	q := &WorkQueue[T]{
		handler: handler,
		workers: workers,
		logger:  log.With().Str("component", "work-queue").Logger(),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Start launches the workers. Cancelling ctx stops them without draining:
// items left in the backlog are dropped from the backlog gauge, later pushes
// fail with ErrClosed, and the queue never reports idle again while those
// items remain.
func (q *WorkQueue[T]) Start(ctx context.Context) {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if !q.stopped {
			q.stopped = true
			workBacklog.Sub(float64(len(q.backlog)))
		}
		q.cond.Broadcast()
	})

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}
}

// Push appends items to the backlog.
func (q *WorkQueue[T]) Push(items []T) error {
	if len(items) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || q.stopped {
		return ErrClosed
	}
	q.backlog = append(q.backlog, items...)
	workBacklog.Add(float64(len(items)))
	q.cond.Broadcast()
	return nil
}

// Len returns the number of items waiting for a worker.
func (q *WorkQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog)
}

// Active returns the number of items being processed.
func (q *WorkQueue[T]) Active() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Idle reports whether the backlog is empty and no worker is busy.
func (q *WorkQueue[T]) Idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.backlog) == 0 && q.active == 0
}

// Stats returns the number of handled items and how many of them failed.
func (q *WorkQueue[T]) Stats() (processed, failed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done, q.failed
}

// Close rejects further pushes, lets the workers drain the backlog and
// waits for them to exit.
func (q *WorkQueue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	q.wg.Wait()
}

func (q *WorkQueue[T]) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		for len(q.backlog) == 0 && !q.closed && ctx.Err() == nil {
			q.cond.Wait()
		}
		if ctx.Err() != nil || len(q.backlog) == 0 {
			q.mu.Unlock()
			q.logger.Debug().Int("worker_id", id).Msg("Worker stopping")
			return
		}

		// Taking the item and marking the worker active happen together so
		// Idle never observes an empty backlog with the item in flight.
		item := q.backlog[0]
		var zero T
		q.backlog[0] = zero
		q.backlog = q.backlog[1:]
		q.active++
		q.mu.Unlock()
		workBacklog.Dec()

		err := q.handle(ctx, item)

		q.mu.Lock()
		q.active--
		q.done++
		if err != nil {
			q.failed++
		}
		q.mu.Unlock()
	}
}

// handle runs the handler and turns a panic into an error.
func (q *WorkQueue[T]) handle(ctx context.Context, item T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Work item handler panicked")
			workItemsProcessed.WithLabelValues("panic").Inc()
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if err := q.handler(ctx, item); err != nil {
		q.logger.Warn().Err(err).Msg("Work item failed")
		workItemsProcessed.WithLabelValues("error").Inc()
		return err
	}
	workItemsProcessed.WithLabelValues("success").Inc()
	return nil
}
