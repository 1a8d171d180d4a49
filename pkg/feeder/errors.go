package feeder

import (
	"errors"
	"fmt"
)

// Common errors returned by the feeder.
var (
	// ErrNilClient is returned by New when no source client is given.
	ErrNilClient = errors.New("feeder: client is required")

	// ErrNilQueue is returned by New when no destination queue is given.
	ErrNilQueue = errors.New("feeder: queue is required")

	// ErrUnknownKind is returned for a Kind other than KindScan or KindQuery.
	ErrUnknownKind = errors.New("feeder: unknown operation kind")

	// ErrNoIdleCheck is returned by New when the queue implements neither
	// Idler nor Sizer and no WithIdleCheck option was given.
	ErrNoIdleCheck = errors.New("feeder: queue exposes no idleness check")

	// ErrAlreadyStarted is returned when Start is called twice on a task.
	ErrAlreadyStarted = errors.New("feeder: task already started")

	// ErrUnsupported is returned by Funcs for an operation without a function.
	ErrUnsupported = errors.New("feeder: operation not supported")
)

// PageError is the error delivered to the callback when a page could not be
// fetched or pushed.
type PageError struct {
	Kind Kind
	// Page is the 1-based number of the failing page.
	Page int
	Err  error
}

// Error implements the error interface.
func (e *PageError) Error() string {
	return fmt.Sprintf("%s page %d: %v", e.Kind, e.Page, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PageError) Unwrap() error {
	return e.Err
}
