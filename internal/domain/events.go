package domain

// EventType discriminates the typed events flowing between the Binder and
// the Book orchestrator, and between the orchestrator and its subscribers.
type EventType int

const (
	EventLoadingStarted EventType = iota
	EventProgress
	EventPageExtracted
	EventMetadataExtracted
	EventLoadingComplete
	EventBindingComplete
)

// Event is an immutable event record. Binders emit Progress, PageExtracted,
// MetadataExtracted and BindingComplete. The Book re-sources Progress,
// PageExtracted and BindingComplete under its own name and adds
// LoadingStarted/LoadingComplete; MetadataExtracted is consumed internally
// and never reaches Book subscribers.
type Event interface{ Type() EventType }

// LoadingStartedEvent fires at the beginning of any ingestion strategy,
// before the first byte is accumulated.
type LoadingStartedEvent struct {
	Book string
}

func (LoadingStartedEvent) Type() EventType { return EventLoadingStarted }

// ProgressEvent reports extraction progress. TotalPages is -1 when the
// emitter has no page-count refinement to offer.
type ProgressEvent struct {
	Book       string
	TotalPages int
	Message    string
}

func (ProgressEvent) Type() EventType { return EventProgress }

// PageExtractedEvent carries one extracted page and its archive-order index.
type PageExtractedEvent struct {
	Book  string
	Page  Page
	Index int
}

func (PageExtractedEvent) Type() EventType { return EventPageExtracted }

// MetadataExtractedEvent carries a wholesale metadata replacement from the
// Binder to the orchestrator.
type MetadataExtractedEvent struct {
	Book     string
	Metadata BookMetadata
}

func (MetadataExtractedEvent) Type() EventType { return EventMetadataExtracted }

// LoadingCompleteEvent fires once all source bytes have been consumed and
// fed, independent of binding completion.
type LoadingCompleteEvent struct {
	Book string
}

func (LoadingCompleteEvent) Type() EventType { return EventLoadingComplete }

// BindingCompleteEvent fires once the Binder has finished extraction.
// It may arrive after LoadingComplete; the two milestones are independent.
type BindingCompleteEvent struct {
	Book string
}

func (BindingCompleteEvent) Type() EventType { return EventBindingComplete }
