package feeder

import (
	"context"
	"fmt"
)

// Kind selects the remote operation used for every page of a task.
type Kind int

const (
	// KindScan reads the whole target page by page.
	KindScan Kind = iota

	// KindQuery reads the items of the target matching Request.Condition.
	KindQuery
)

// String returns the lower case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindScan:
		return "scan"
	case KindQuery:
		return "query"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind converts "scan" or "query" to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "scan", "":
		return KindScan, nil
	case "query":
		return KindQuery, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Token is an opaque continuation token returned by a source.
// A nil *Token means the source reported no more pages.
type Token string

// NewToken returns a pointer to a token holding s.
func NewToken(s string) *Token {
	t := Token(s)
	return &t
}

// Request describes what to read. It is passed by value; the feeder never
// mutates the caller's copy.
type Request struct {
	// Target names what is read: a table, collection, key pattern or endpoint.
	Target string

	// Condition is the query expression for KindQuery, in the source's syntax.
	Condition string

	// Args are positional arguments referenced by Condition.
	Args []any

	// Limit is the page size hint forwarded to the source (0 = source default).
	Limit int

	// Params carries source specific options.
	Params map[string]string

	// StartToken resumes reading after the page that returned it.
	StartToken *Token
}

// WithStartToken returns a copy of r that resumes from tok.
func (r Request) WithStartToken(tok *Token) Request {
	r.StartToken = tok
	return r
}

// Page is one batch of items returned by a single source call.
type Page[T any] struct {
	Items []T

	// Next is nil when the source has no more pages.
	Next *Token
}

// Result summarizes a successful run.
type Result struct {
	ItemCount int
	Pages     int
}

// Callback receives the outcome of a task exactly once: a non-nil error on
// failure, or nil and the final Result on success.
type Callback func(err error, res Result)

// Client is a paginated remote source.
type Client[T any] interface {
	Scan(ctx context.Context, req Request) (Page[T], error)
	Query(ctx context.Context, req Request) (Page[T], error)
}

// PageFunc fetches a single page.
type PageFunc[T any] func(ctx context.Context, req Request) (Page[T], error)

// Funcs adapts two functions to the Client interface. A nil function makes
// the corresponding kind unsupported.
type Funcs[T any] struct {
	ScanFunc  PageFunc[T]
	QueryFunc PageFunc[T]
}

// Scan implements Client.
func (f Funcs[T]) Scan(ctx context.Context, req Request) (Page[T], error) {
	if f.ScanFunc == nil {
		return Page[T]{}, fmt.Errorf("%w: scan", ErrUnsupported)
	}
	return f.ScanFunc(ctx, req)
}

// Query implements Client.
func (f Funcs[T]) Query(ctx context.Context, req Request) (Page[T], error) {
	if f.QueryFunc == nil {
		return Page[T]{}, fmt.Errorf("%w: query", ErrUnsupported)
	}
	return f.QueryFunc(ctx, req)
}

// Queue is the destination of the fed items. The feeder only ever pushes.
type Queue[T any] interface {
	Push(items []T) error
}

// Idler is implemented by work queues that know whether any item is pending
// or being processed.
type Idler interface {
	Idle() bool
}

// Sizer is implemented by queues whose backlog length is the only idleness
// signal. A queue is idle when Len returns zero.
type Sizer interface {
	Len() int
}

// operation is one entry of the dispatch table.
type operation[T any] func(ctx context.Context, c Client[T], req Request) (Page[T], error)

func scanOperation[T any](ctx context.Context, c Client[T], req Request) (Page[T], error) {
	return c.Scan(ctx, req)
}

func queryOperation[T any](ctx context.Context, c Client[T], req Request) (Page[T], error) {
	return c.Query(ctx, req)
}

// operationFor maps a kind to its remote operation.
func operationFor[T any](k Kind) (operation[T], error) {
	switch k {
	case KindScan:
		return scanOperation[T], nil
	case KindQuery:
		return queryOperation[T], nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, k)
	}
}
