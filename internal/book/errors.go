package book

import "errors"

// Sentinel errors returned by the book package. Transport, producer and
// binder-factory failures are wrapped with %w and surfaced verbatim; none
// are retried here.
var (
	// ErrInvalidState indicates a re-entrant load: the book's needsLoading
	// latch has already flipped. A failed load trips the latch permanently;
	// the same Book instance can never be retried.
	ErrInvalidState = errors.New("book: load already started")

	// ErrSourceMismatch indicates a strategy loader was invoked on a book
	// whose source kind, fixed at construction, does not match.
	ErrSourceMismatch = errors.New("book: source kind does not match loader")

	// ErrNotBound indicates a binder-delegating query was made before the
	// binder exists.
	ErrNotBound = errors.New("book: binder not created yet")

	// ErrBindingStarted indicates the binding pipeline was invoked twice.
	ErrBindingStarted = errors.New("book: binding already started")
)
