package feeder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for feeder tasks.
var (
	pagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_source_pages_total",
		Help: "Total pages fed to a queue by operation kind",
	}, []string{"kind"})

	itemsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_source_items_total",
		Help: "Total items pushed to a queue by operation kind",
	}, []string{"kind"})

	pageErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "queue_source_page_errors_total",
		Help: "Total tasks stopped by a page error by operation kind",
	}, []string{"kind"})

	pageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "queue_source_page_duration_seconds",
		Help:    "Page fetch duration in seconds by operation kind",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"kind"})

	tasksRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "queue_source_tasks_running",
		Help: "Number of started tasks whose callback has not fired yet",
	})
)

// Option configures a Task.
type Option func(*options)

type options struct {
	callback  Callback
	scheduler Scheduler
	idle      func() bool
	logger    *zerolog.Logger
}

// WithCallback sets the completion callback. A nil callback is ignored.
func WithCallback(cb Callback) Option {
	return func(o *options) {
		o.callback = cb
	}
}

// WithScheduler replaces the default GoScheduler.
func WithScheduler(s Scheduler) Option {
	return func(o *options) {
		if s != nil {
			o.scheduler = s
		}
	}
}

// WithIdleCheck overrides the idleness check derived from the queue.
func WithIdleCheck(fn func() bool) Option {
	return func(o *options) {
		o.idle = fn
	}
}

// WithLogger sets the parent logger (default: the global zerolog logger).
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) {
		o.logger = &l
	}
}

// Task drives one pagination run from a Client into a Queue.
type Task[T any] struct {
	id        string
	client    Client[T]
	queue     Queue[T]
	request   Request
	kind      Kind
	op        operation[T]
	idle      func() bool
	callback  Callback
	scheduler Scheduler
	logger    zerolog.Logger
	done      chan struct{}

	mu        sync.Mutex
	ctx       context.Context
	started   time.Time
	hasMore   bool
	err       error
	itemCount int
	pages     int
	finished  bool
}

// New creates a task reading req from client with the given kind and pushing
// every page to queue. No I/O happens until Start.
//
// The queue must report idleness, either through Idler, Sizer or the
// WithIdleCheck option.
func New[T any](client Client[T], queue Queue[T], req Request, kind Kind, opts ...Option) (*Task[T], error) {
	if client == nil {
		return nil, ErrNilClient
	}
	if queue == nil {
		return nil, ErrNilQueue
	}

	op, err := operationFor[T](kind)
	if err != nil {
		return nil, err
	}

	o := options{scheduler: GoScheduler{}}
	for _, opt := range opts {
		opt(&o)
	}

	idle := o.idle
	if idle == nil {
		idle = idleCheckFor(queue)
	}
	if idle == nil {
		return nil, fmt.Errorf("%w (%T)", ErrNoIdleCheck, queue)
	}

	callback := o.callback
	if callback == nil {
		callback = func(error, Result) {}
	}

	parent := log.Logger
	if o.logger != nil {
		parent = *o.logger
	}

	id := uuid.NewString()

	return &Task[T]{
		id:        id,
		client:    client,
		queue:     queue,
		request:   req,
		kind:      kind,
		op:        op,
		idle:      idle,
		callback:  callback,
		scheduler: o.scheduler,
		logger: parent.With().
			Str("component", "feeder").
			Str("task_id", id).
			Str("kind", kind.String()).
			Str("target", req.Target).
			Logger(),
		done:    make(chan struct{}),
		hasMore: true,
	}, nil
}

// idleCheckFor derives the idleness check from the queue's capabilities.
// Idler wins over Sizer since it also accounts for active consumers.
func idleCheckFor(queue any) func() bool {
	switch q := queue.(type) {
	case Idler:
		return q.Idle
	case Sizer:
		return func() bool { return q.Len() == 0 }
	default:
		return nil
	}
}

// Start schedules the first page and returns immediately. ctx is handed to
// every page request; the task itself has no cancellation.
func (t *Task[T]) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	t.mu.Lock()
	if !t.started.IsZero() {
		t.mu.Unlock()
		return ErrAlreadyStarted
	}
	t.started = time.Now()
	t.ctx = ctx
	t.mu.Unlock()

	tasksRunning.Inc()
	t.logger.Debug().Msg("Task started")

	req := t.request
	t.scheduler.Schedule(func() { t.execute(req) })
	return nil
}

// execute fetches one page and, if more pages remain, schedules the next
// one as a new unit of work.
func (t *Task[T]) execute(req Request) {
	t.mu.Lock()
	ctx := t.ctx
	t.mu.Unlock()

	start := time.Now()
	page, err := t.op(ctx, t.client, req)
	pageDuration.WithLabelValues(t.kind.String()).Observe(time.Since(start).Seconds())

	next, more := t.handlePage(req, err, page)
	if more {
		t.scheduler.Schedule(func() { t.execute(next) })
	}
}

// handlePage is the single state transition of a task. It returns the
// request for the next page and whether that page should be fetched.
func (t *Task[T]) handlePage(req Request, err error, page Page[T]) (Request, bool) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return req, false
	}
	t.pages++
	n := t.pages
	t.mu.Unlock()

	if err != nil {
		t.finish(&PageError{Kind: t.kind, Page: n, Err: err}, Result{})
		return req, false
	}

	if len(page.Items) > 0 {
		if err := t.queue.Push(page.Items); err != nil {
			t.finish(&PageError{Kind: t.kind, Page: n, Err: fmt.Errorf("push: %w", err)}, Result{})
			return req, false
		}
	}

	kind := t.kind.String()
	pagesTotal.WithLabelValues(kind).Inc()
	itemsTotal.WithLabelValues(kind).Add(float64(len(page.Items)))

	t.mu.Lock()
	t.itemCount += len(page.Items)
	if page.Next == nil {
		t.hasMore = false
	}
	res := Result{ItemCount: t.itemCount, Pages: t.pages}
	t.mu.Unlock()

	t.logger.Debug().
		Int("page", n).
		Int("items", len(page.Items)).
		Int("item_count", res.ItemCount).
		Bool("has_next", page.Next != nil).
		Msg("Page fed to queue")

	if page.Next == nil {
		t.finish(nil, res)
		return req, false
	}

	return req.WithStartToken(page.Next), true
}

// finish records the outcome and fires the callback at most once.
func (t *Task[T]) finish(err error, res Result) {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	if err != nil {
		t.err = err
	}
	elapsed := time.Since(t.started)
	t.mu.Unlock()

	tasksRunning.Dec()

	if err != nil {
		pageErrorsTotal.WithLabelValues(t.kind.String()).Inc()
		t.logger.Error().Err(err).Dur("duration", elapsed).Msg("Task stopped on page error")
	} else {
		t.logger.Info().
			Int("item_count", res.ItemCount).
			Int("pages", res.Pages).
			Dur("duration", elapsed).
			Msg("Task completed")
	}

	defer close(t.done)
	t.callback(err, res)
}

// IsRunning reports whether the task has outstanding work: no error occurred
// and either more pages remain or the queue is not idle yet. It has no side
// effects and may be polled from any goroutine.
func (t *Task[T]) IsRunning() bool {
	t.mu.Lock()
	err, more := t.err, t.hasMore
	t.mu.Unlock()

	if err != nil {
		return false
	}
	return more || !t.idle()
}

// ID returns the task's unique id.
func (t *Task[T]) ID() string { return t.id }

// Kind returns the operation kind of the task.
func (t *Task[T]) Kind() Kind { return t.kind }

// Request returns the request the task was created with.
func (t *Task[T]) Request() Request { return t.request }

// HasMoreItems reports whether the source may still return pages.
func (t *Task[T]) HasMoreItems() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasMore
}

// ItemCount returns the number of items pushed so far.
func (t *Task[T]) ItemCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.itemCount
}

// Pages returns the number of pages handled so far, including a failed one.
func (t *Task[T]) Pages() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pages
}

// Err returns the error that stopped the task, if any.
func (t *Task[T]) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done returns a channel closed once the callback has returned.
func (t *Task[T]) Done() <-chan struct{} {
	return t.done
}
