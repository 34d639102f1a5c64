package domain

import "context"

// Binder is the external decoding/extraction engine. The orchestrator feeds
// it raw chunks and observes its events; it never reaches into the Binder's
// internals, and the Binder never writes back into the orchestrator's
// byte sequence.
type Binder interface {
	// BookType reports the document kind. Safe at any time after construction.
	BookType() BookType

	// MIMEType reports the container MIME type. Safe at any time after
	// construction.
	MIMEType() string

	// LoadingPercentage, UnarchivingPercentage and LayoutPercentage report
	// per-phase progress in [0, 100]. Safe at any time after construction.
	LoadingPercentage() float64
	UnarchivingPercentage() float64
	LayoutPercentage() float64

	// AppendBytes feeds one additional chunk. Chunks must be observed in the
	// order appended, after the initial bytes supplied at construction.
	AppendBytes(chunk []byte) error

	// Subscribe registers a listener for binder events. Must be called
	// before Start.
	Subscribe(fn func(Event))

	// Start brings the Binder's internal extraction pump live. It resolves
	// once the pump is running, not once extraction is complete.
	Start(ctx context.Context) error

	// Close tears the Binder down and releases engine resources.
	Close() error
}

// BinderFactory constructs Binders asynchronously. Implementations carry
// their engine configuration explicitly (no global engine handle) and expose
// a teardown hook of their own.
type BinderFactory interface {
	CreateBinder(ctx context.Context, name string, initial []byte, expectedSize int64) (Binder, error)
}
