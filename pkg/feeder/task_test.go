package feeder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/queue-source/internal/testutil"
	"github.com/rs/zerolog"
)

var errBoom = errors.New("boom")

// scriptedPage is one scripted source response.
type scriptedPage struct {
	items []string
	next  *Token
	err   error
}

// scriptedSource returns its pages in order and records every request.
type scriptedSource struct {
	mu    sync.Mutex
	pages []scriptedPage
	calls []Request
	ctxs  []context.Context
}

func (s *scriptedSource) fetch(ctx context.Context, req Request) (Page[string], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	s.ctxs = append(s.ctxs, ctx)
	p := s.pages[len(s.calls)-1]
	if p.err != nil {
		return Page[string]{}, p.err
	}
	return Page[string]{Items: p.items, Next: p.next}, nil
}

func (s *scriptedSource) client() Funcs[string] {
	return Funcs[string]{ScanFunc: s.fetch, QueryFunc: s.fetch}
}

func (s *scriptedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// lenQueue records pushes and reports its backlog through Len.
type lenQueue struct {
	mu      sync.Mutex
	pushes  [][]string
	backlog int
	pushErr error
}

func (q *lenQueue) Push(items []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pushErr != nil {
		return q.pushErr
	}
	q.pushes = append(q.pushes, append([]string(nil), items...))
	q.backlog += len(items)
	return nil
}

func (q *lenQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlog
}

func (q *lenQueue) consumeAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.backlog = 0
}

// idleQueue reports idleness explicitly and also exposes Len.
type idleQueue struct {
	lenQueue
	active bool
}

func (q *idleQueue) Idle() bool {
	return q.Len() == 0 && !q.active
}

// callbackRecorder counts callback invocations.
type callbackRecorder struct {
	mu    sync.Mutex
	calls int
	err   error
	res   Result
}

func (c *callbackRecorder) callback(err error, res Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.err = err
	c.res = res
}

func newTestTask(t *testing.T, src *scriptedSource, q Queue[string], kind Kind, opts ...Option) (*Task[string], *testutil.StepScheduler, *callbackRecorder) {
	t.Helper()

	sched := &testutil.StepScheduler{}
	rec := &callbackRecorder{}
	opts = append([]Option{
		WithScheduler(sched),
		WithCallback(rec.callback),
		WithLogger(zerolog.Nop()),
	}, opts...)

	task, err := New[string](src.client(), q, Request{Target: "orders", Limit: 3}, kind, opts...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return task, sched, rec
}

func TestTask_PaginationExhaustion(t *testing.T) {
	src := &scriptedSource{pages: []scriptedPage{
		{items: []string{"a", "b", "c"}, next: NewToken("k1")},
		{items: []string{"d", "e"}},
	}}
	q := &lenQueue{}
	task, sched, rec := newTestTask(t, src, q, KindScan)

	if err := task.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Start only schedules the first page
	if src.callCount() != 0 {
		t.Fatalf("source called %d times before the first tick", src.callCount())
	}

	sched.Step()
	if len(q.pushes) != 1 {
		t.Fatalf("pushes after page 1 = %d, want 1", len(q.pushes))
	}
	// The second page is deferred to the next tick
	if src.callCount() != 1 || sched.Pending() != 1 {
		t.Fatalf("after page 1: calls=%d pending=%d, want 1/1", src.callCount(), sched.Pending())
	}
	if !task.HasMoreItems() {
		t.Error("HasMoreItems() = false after page 1, want true")
	}

	sched.RunAll(10)

	if len(q.pushes) != 2 {
		t.Fatalf("pushes = %d, want 2", len(q.pushes))
	}
	if got := q.pushes[0]; len(got) != 3 || got[0] != "a" || got[2] != "c" {
		t.Errorf("first push = %v, want [a b c]", got)
	}
	if got := q.pushes[1]; len(got) != 2 || got[0] != "d" || got[1] != "e" {
		t.Errorf("second push = %v, want [d e]", got)
	}

	if rec.calls != 1 {
		t.Fatalf("callback calls = %d, want 1", rec.calls)
	}
	if rec.err != nil {
		t.Errorf("callback error = %v, want nil", rec.err)
	}
	if rec.res.ItemCount != 5 || rec.res.Pages != 2 {
		t.Errorf("result = %+v, want ItemCount 5, Pages 2", rec.res)
	}
	if task.HasMoreItems() {
		t.Error("HasMoreItems() = true, want false")
	}
	if task.ItemCount() != 5 {
		t.Errorf("ItemCount() = %d, want 5", task.ItemCount())
	}

	// Continuation token is threaded into the second request only
	if src.calls[0].StartToken != nil {
		t.Errorf("first request StartToken = %v, want nil", *src.calls[0].StartToken)
	}
	if src.calls[1].StartToken == nil || *src.calls[1].StartToken != "k1" {
		t.Errorf("second request StartToken = %v, want k1", src.calls[1].StartToken)
	}
	if task.Request().StartToken != nil {
		t.Error("task request was mutated")
	}
	if src.calls[1].Target != "orders" || src.calls[1].Limit != 3 {
		t.Errorf("second request = %+v, want target and limit preserved", src.calls[1])
	}

	select {
	case <-task.Done():
	default:
		t.Error("Done() not closed after completion")
	}
}

func TestTask_SinglePage(t *testing.T) {
	src := &scriptedSource{pages: []scriptedPage{{items: []string{"x", "y"}}}}
	q := &lenQueue{}
	task, sched, rec := newTestTask(t, src, q, KindScan)

	task.Start(context.Background())
	sched.RunAll(10)

	if src.callCount() != 1 {
		t.Errorf("source calls = %d, want 1", src.callCount())
	}
	if rec.calls != 1 || rec.res.ItemCount != 2 {
		t.Errorf("callback calls=%d result=%+v, want 1 call with ItemCount 2", rec.calls, rec.res)
	}
	if task.ItemCount() != 2 {
		t.Errorf("ItemCount() = %d, want 2", task.ItemCount())
	}
}

func TestTask_ErrorShortCircuit(t *testing.T) {
	src := &scriptedSource{pages: []scriptedPage{{err: errBoom}}}
	q := &lenQueue{backlog: 7} // queue still holds work from elsewhere
	task, sched, rec := newTestTask(t, src, q, KindScan)

	task.Start(context.Background())
	sched.RunAll(10)

	if len(q.pushes) != 0 {
		t.Errorf("pushes = %d, want 0", len(q.pushes))
	}
	if rec.calls != 1 {
		t.Fatalf("callback calls = %d, want 1", rec.calls)
	}
	if !errors.Is(rec.err, errBoom) {
		t.Errorf("callback error = %v, want %v", rec.err, errBoom)
	}

	var pageErr *PageError
	if !errors.As(rec.err, &pageErr) {
		t.Fatalf("callback error type = %T, want *PageError", rec.err)
	}
	if pageErr.Page != 1 || pageErr.Kind != KindScan {
		t.Errorf("PageError = %+v, want page 1 scan", pageErr)
	}

	if task.IsRunning() {
		t.Error("IsRunning() = true after error, want false")
	}
	if !errors.Is(task.Err(), errBoom) {
		t.Errorf("Err() = %v, want %v", task.Err(), errBoom)
	}
	if !task.HasMoreItems() {
		t.Error("HasMoreItems() changed by the error branch")
	}
	if sched.Pending() != 0 {
		t.Errorf("pending units = %d after error, want 0", sched.Pending())
	}
}

func TestTask_ErrorAfterPartialSuccess(t *testing.T) {
	src := &scriptedSource{pages: []scriptedPage{
		{items: []string{"a", "b", "c"}, next: NewToken("k1")},
		{err: errBoom},
		{items: []string{"never"}},
	}}
	q := &lenQueue{}
	task, sched, rec := newTestTask(t, src, q, KindScan)

	task.Start(context.Background())
	sched.RunAll(10)

	if src.callCount() != 2 {
		t.Errorf("source calls = %d, want 2", src.callCount())
	}
	if task.ItemCount() != 3 {
		t.Errorf("ItemCount() = %d, want 3", task.ItemCount())
	}
	if rec.calls != 1 {
		t.Fatalf("callback calls = %d, want 1", rec.calls)
	}
	if !errors.Is(rec.err, errBoom) {
		t.Errorf("callback error = %v, want %v", rec.err, errBoom)
	}
	if rec.res != (Result{}) {
		t.Errorf("callback result = %+v, want zero value on error", rec.res)
	}

	var pageErr *PageError
	if errors.As(rec.err, &pageErr) && pageErr.Page != 2 {
		t.Errorf("PageError.Page = %d, want 2", pageErr.Page)
	}

	// Items of the first page stay in the queue
	if q.Len() != 3 {
		t.Errorf("queue backlog = %d, want 3", q.Len())
	}
}

func TestTask_LivenessBeforeDrain(t *testing.T) {
	src := &scriptedSource{pages: []scriptedPage{{items: []string{"x", "y"}}}}
	q := &lenQueue{}
	task, sched, _ := newTestTask(t, src, q, KindScan)

	if !task.IsRunning() {
		t.Error("IsRunning() = false before start, want true")
	}

	task.Start(context.Background())
	sched.RunAll(10)

	if task.HasMoreItems() {
		t.Fatal("HasMoreItems() = true, want false")
	}
	if !task.IsRunning() {
		t.Error("IsRunning() = false while queue holds items, want true")
	}

	q.consumeAll()

	if task.IsRunning() {
		t.Error("IsRunning() = true after drain, want false")
	}
}

func TestTask_IdlerVariant(t *testing.T) {
	src := &scriptedSource{pages: []scriptedPage{{items: []string{"x"}}}}
	q := &idleQueue{}
	task, sched, _ := newTestTask(t, src, q, KindScan)

	task.Start(context.Background())
	sched.RunAll(10)

	// Backlog consumed but a worker is still busy
	q.consumeAll()
	q.active = true
	if !task.IsRunning() {
		t.Error("IsRunning() = false with an active worker, want true")
	}

	q.active = false
	if task.IsRunning() {
		t.Error("IsRunning() = true on idle queue, want false")
	}
}

func TestTask_WithIdleCheck(t *testing.T) {
	src := &scriptedSource{pages: []scriptedPage{{items: []string{"x"}}}}
	idle := false
	task, sched, _ := newTestTask(t, src, &lenQueue{}, KindScan, WithIdleCheck(func() bool { return idle }))

	task.Start(context.Background())
	sched.RunAll(10)

	if !task.IsRunning() {
		t.Error("IsRunning() = false, want true while idle check reports busy")
	}
	idle = true
	if task.IsRunning() {
		t.Error("IsRunning() = true, want false once idle check reports idle")
	}
}

func TestTask_DefaultCallback(t *testing.T) {
	src := &scriptedSource{pages: []scriptedPage{{items: []string{"x", "y"}}}}
	sched := &testutil.StepScheduler{}

	task, err := New[string](src.client(), &lenQueue{}, Request{}, KindScan,
		WithScheduler(sched), WithLogger(zerolog.Nop()), WithCallback(nil))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	task.Start(context.Background())
	sched.RunAll(10)

	if task.Err() != nil {
		t.Errorf("Err() = %v, want nil", task.Err())
	}
	if task.ItemCount() != 2 {
		t.Errorf("ItemCount() = %d, want 2", task.ItemCount())
	}
}

func TestTask_IsRunningIdempotent(t *testing.T) {
	src := &scriptedSource{pages: []scriptedPage{
		{items: []string{"a"}, next: NewToken("k1")},
		{items: []string{"b"}},
	}}
	q := &lenQueue{}
	task, sched, _ := newTestTask(t, src, q, KindScan)

	task.Start(context.Background())
	sched.Step()

	first := task.IsRunning()
	for i := 0; i < 5; i++ {
		if got := task.IsRunning(); got != first {
			t.Fatalf("IsRunning() call %d = %v, want %v", i, got, first)
		}
	}
	if src.callCount() != 1 || sched.Pending() != 1 {
		t.Errorf("IsRunning() had side effects: calls=%d pending=%d", src.callCount(), sched.Pending())
	}
}

func TestTask_EmptyPageWithTokenContinues(t *testing.T) {
	src := &scriptedSource{pages: []scriptedPage{
		{items: nil, next: NewToken("k1")},
		{items: []string{}, next: NewToken("k2")},
		{items: []string{"z"}},
	}}
	q := &lenQueue{}
	task, sched, rec := newTestTask(t, src, q, KindScan)

	task.Start(context.Background())
	sched.RunAll(10)

	if src.callCount() != 3 {
		t.Errorf("source calls = %d, want 3", src.callCount())
	}
	if rec.res.ItemCount != 1 || rec.res.Pages != 3 {
		t.Errorf("result = %+v, want ItemCount 1, Pages 3", rec.res)
	}
	if len(q.pushes) != 1 {
		t.Errorf("pushes = %d, want 1 (empty pages are not pushed)", len(q.pushes))
	}
}

func TestTask_EmptyTerminalPage(t *testing.T) {
	src := &scriptedSource{pages: []scriptedPage{
		{items: []string{"a", "b"}, next: NewToken("k1")},
		{},
	}}
	task, sched, rec := newTestTask(t, src, &lenQueue{}, KindScan)

	task.Start(context.Background())
	sched.RunAll(10)

	if rec.calls != 1 || rec.err != nil || rec.res.ItemCount != 2 {
		t.Errorf("callback calls=%d err=%v result=%+v, want one success with ItemCount 2", rec.calls, rec.err, rec.res)
	}
}

func TestTask_PushErrorStopsTask(t *testing.T) {
	pushErr := errors.New("queue full")
	src := &scriptedSource{pages: []scriptedPage{{items: []string{"a"}, next: NewToken("k1")}}}
	q := &lenQueue{pushErr: pushErr}
	task, sched, rec := newTestTask(t, src, q, KindScan)

	task.Start(context.Background())
	sched.RunAll(10)

	if !errors.Is(rec.err, pushErr) {
		t.Errorf("callback error = %v, want %v", rec.err, pushErr)
	}
	if task.ItemCount() != 0 {
		t.Errorf("ItemCount() = %d, want 0", task.ItemCount())
	}
	if task.IsRunning() {
		t.Error("IsRunning() = true after push error, want false")
	}
	if sched.Pending() != 0 {
		t.Errorf("pending = %d, want 0", sched.Pending())
	}
}

func TestTask_KindDispatch(t *testing.T) {
	var scans, queries int
	client := Funcs[string]{
		ScanFunc: func(ctx context.Context, req Request) (Page[string], error) {
			scans++
			return Page[string]{Items: []string{"s"}}, nil
		},
		QueryFunc: func(ctx context.Context, req Request) (Page[string], error) {
			queries++
			return Page[string]{Items: []string{"q"}}, nil
		},
	}

	tests := []struct {
		name        string
		kind        Kind
		wantScans   int
		wantQueries int
	}{
		{name: "scan", kind: KindScan, wantScans: 1},
		{name: "query", kind: KindQuery, wantQueries: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scans, queries = 0, 0
			sched := &testutil.StepScheduler{}
			task, err := New[string](client, &lenQueue{}, Request{}, tt.kind, WithScheduler(sched), WithLogger(zerolog.Nop()))
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			task.Start(context.Background())
			sched.RunAll(10)

			if scans != tt.wantScans || queries != tt.wantQueries {
				t.Errorf("scans=%d queries=%d, want %d/%d", scans, queries, tt.wantScans, tt.wantQueries)
			}
			if task.Kind() != tt.kind {
				t.Errorf("Kind() = %v, want %v", task.Kind(), tt.kind)
			}
		})
	}
}

func TestTask_UnsupportedOperation(t *testing.T) {
	client := Funcs[string]{
		ScanFunc: func(ctx context.Context, req Request) (Page[string], error) {
			return Page[string]{}, nil
		},
	}
	sched := &testutil.StepScheduler{}
	rec := &callbackRecorder{}

	task, err := New[string](client, &lenQueue{}, Request{}, KindQuery,
		WithScheduler(sched), WithCallback(rec.callback), WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	task.Start(context.Background())
	sched.RunAll(10)

	if !errors.Is(rec.err, ErrUnsupported) {
		t.Errorf("callback error = %v, want %v", rec.err, ErrUnsupported)
	}
}

func TestNew_Validation(t *testing.T) {
	src := &scriptedSource{}

	tests := []struct {
		name    string
		client  Client[string]
		queue   Queue[string]
		kind    Kind
		wantErr error
	}{
		{name: "nil client", client: nil, queue: &lenQueue{}, kind: KindScan, wantErr: ErrNilClient},
		{name: "nil queue", client: src.client(), queue: nil, kind: KindScan, wantErr: ErrNilQueue},
		{name: "unknown kind", client: src.client(), queue: &lenQueue{}, kind: Kind(7), wantErr: ErrUnknownKind},
		{name: "no idle check", client: src.client(), queue: pushOnlyQueue{}, kind: KindScan, wantErr: ErrNoIdleCheck},
		{name: "valid", client: src.client(), queue: &lenQueue{}, kind: KindQuery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := New(tt.client, tt.queue, Request{}, tt.kind)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("New() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if !task.HasMoreItems() || task.ItemCount() != 0 || task.Err() != nil {
				t.Errorf("new task state: hasMore=%v count=%d err=%v", task.HasMoreItems(), task.ItemCount(), task.Err())
			}
			if task.ID() == "" {
				t.Error("ID() is empty")
			}
			if src.callCount() != 0 {
				t.Error("New() performed I/O")
			}
		})
	}
}

type pushOnlyQueue struct{}

func (pushOnlyQueue) Push([]string) error { return nil }

func TestTask_StartTwice(t *testing.T) {
	src := &scriptedSource{pages: []scriptedPage{{}}}
	task, sched, _ := newTestTask(t, src, &lenQueue{}, KindScan)

	if err := task.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := task.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want %v", err, ErrAlreadyStarted)
	}
	if sched.Pending() != 1 {
		t.Errorf("pending = %d, want 1", sched.Pending())
	}
}

type ctxKey struct{}

func TestTask_ContextForwarded(t *testing.T) {
	src := &scriptedSource{pages: []scriptedPage{
		{items: []string{"a"}, next: NewToken("k1")},
		{items: []string{"b"}},
	}}
	task, sched, _ := newTestTask(t, src, &lenQueue{}, KindScan)

	ctx := context.WithValue(context.Background(), ctxKey{}, "v")
	task.Start(ctx)
	sched.RunAll(10)

	for i, c := range src.ctxs {
		if c.Value(ctxKey{}) != "v" {
			t.Errorf("page %d context lost the caller's values", i+1)
		}
	}
}

func TestScanToQueue_GoScheduler(t *testing.T) {
	const pages = 500

	var mu sync.Mutex
	served := 0
	client := Funcs[string]{
		ScanFunc: func(ctx context.Context, req Request) (Page[string], error) {
			mu.Lock()
			defer mu.Unlock()
			served++
			page := Page[string]{Items: []string{"a", "b"}}
			if served < pages {
				page.Next = NewToken("next")
			}
			return page, nil
		},
	}

	q := &lenQueue{}
	rec := &callbackRecorder{}
	task, err := ScanToQueue[string](context.Background(), client, q, Request{},
		WithCallback(rec.callback), WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("ScanToQueue() error = %v", err)
	}

	select {
	case <-task.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("task did not complete")
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.calls != 1 || rec.res.ItemCount != 2*pages || rec.res.Pages != pages {
		t.Errorf("callback calls=%d result=%+v, want 1 call with %d items over %d pages", rec.calls, rec.res, 2*pages, pages)
	}

	q.consumeAll()
	if task.IsRunning() {
		t.Error("IsRunning() = true after completion and drain")
	}
}

func TestQueryToQueue_ValidationError(t *testing.T) {
	if _, err := QueryToQueue[string](context.Background(), nil, &lenQueue{}, Request{}); !errors.Is(err, ErrNilClient) {
		t.Errorf("QueryToQueue() error = %v, want %v", err, ErrNilClient)
	}
}
