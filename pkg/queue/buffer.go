package queue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when pushing to a closed queue.
var ErrClosed = errors.New("queue closed")

// Buffer is an unbounded in-memory FIFO.
type Buffer[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

// NewBuffer creates an empty buffer.
func NewBuffer[T any]() *Buffer[T] {
	return &Buffer[T]{notify: make(chan struct{}, 1)}
}

// Push appends items to the buffer.
func (b *Buffer[T]) Push(items []T) error {
	if len(items) == 0 {
		return nil
	}

	b.mu.Lock()
	b.items = append(b.items, items...)
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes the oldest item. ok is false if the buffer is empty.
func (b *Buffer[T]) Pop() (item T, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return item, false
	}
	item = b.items[0]
	var zero T
	b.items[0] = zero
	b.items = b.items[1:]
	return item, true
}

// PopWait blocks until an item is available or ctx is done.
func (b *Buffer[T]) PopWait(ctx context.Context) (T, error) {
	for {
		if item, ok := b.Pop(); ok {
			return item, nil
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-b.notify:
		}
	}
}

// Len returns the number of items not consumed yet.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
