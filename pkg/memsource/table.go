// Package memsource implements a paginated in-memory source.
//
// A Table serves its rows in pages of Limit items, with the offset of the next
// row as the continuation token. It is used by examples and tests, and can
// inject a failure on a given page to exercise error handling.
package memsource

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/Sternrassler/queue-source/pkg/feeder"
)

// DefaultPageSize is used when a request carries no limit.
const DefaultPageSize = 25

// ErrInvalidToken is returned for a continuation token the table did not issue.
var ErrInvalidToken = errors.New("memsource: invalid continuation token")

// MatchFunc decides whether an item satisfies a query condition.
type MatchFunc[T any] func(condition string, args []any, item T) bool

// Table is a paginated in-memory source.
type Table[T any] struct {
	// Match evaluates query conditions. A nil Match matches every item.
	Match MatchFunc[T]

	// FailOnPage makes the n-th request (1-based) fail with FailWith.
	FailOnPage int
	FailWith   error

	mu       sync.Mutex
	rows     []T
	requests []feeder.Request
}

// NewTable creates a table holding a copy of rows.
func NewTable[T any](rows []T) *Table[T] {
	return &Table[T]{rows: append([]T(nil), rows...)}
}

// Insert appends rows to the table.
func (t *Table[T]) Insert(rows ...T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, rows...)
}

// Requests returns every request served so far.
func (t *Table[T]) Requests() []feeder.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]feeder.Request(nil), t.requests...)
}

// Scan implements feeder.Client.
func (t *Table[T]) Scan(ctx context.Context, req feeder.Request) (feeder.Page[T], error) {
	return t.page(ctx, req, func(T) bool { return true })
}

// Query implements feeder.Client.
func (t *Table[T]) Query(ctx context.Context, req feeder.Request) (feeder.Page[T], error) {
	match := func(T) bool { return true }
	if t.Match != nil {
		match = func(item T) bool { return t.Match(req.Condition, req.Args, item) }
	}
	return t.page(ctx, req, match)
}

// page walks rows from the token offset and collects up to limit matches.
// Like a keyset scan, the limit applies to rows examined, so a query page may
// hold fewer items than the limit and still carry a token.
func (t *Table[T]) page(ctx context.Context, req feeder.Request, match func(T) bool) (feeder.Page[T], error) {
	if err := ctx.Err(); err != nil {
		return feeder.Page[T]{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.requests = append(t.requests, req)
	if t.FailOnPage > 0 && len(t.requests) == t.FailOnPage {
		if t.FailWith != nil {
			return feeder.Page[T]{}, t.FailWith
		}
		return feeder.Page[T]{}, fmt.Errorf("memsource: injected failure on page %d", t.FailOnPage)
	}

	offset := 0
	if req.StartToken != nil {
		n, err := strconv.Atoi(string(*req.StartToken))
		if err != nil || n < 0 || n > len(t.rows) {
			return feeder.Page[T]{}, fmt.Errorf("%w: %q", ErrInvalidToken, *req.StartToken)
		}
		offset = n
	}

	limit := req.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	end := offset + limit
	if end > len(t.rows) {
		end = len(t.rows)
	}

	items := make([]T, 0, end-offset)
	for _, row := range t.rows[offset:end] {
		if match(row) {
			items = append(items, row)
		}
	}

	page := feeder.Page[T]{Items: items}
	if end < len(t.rows) {
		page.Next = feeder.NewToken(strconv.Itoa(end))
	}
	return page, nil
}
