// Package book implements the loading/binding orchestrator for a single
// document. A Book accepts bytes arriving under four delivery disciplines
// (one-shot buffer, progress-reporting network request, chunked streaming,
// asynchronous push), accumulates them into one growing byte sequence while
// feeding the same bytes to an asynchronous Binder, enforces strict one-time
// state transitions, and re-sources the Binder's lifecycle/progress/
// extraction events into a stable public event stream.
package book

import (
	"net/http"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/codedread/kthoom/internal/domain"
)

// Book is the orchestrated entity. All state is owned by the Book and
// mutated only through its methods; the Binder sees references and copies
// but never writes back into the Book's buffer.
//
// The four boolean flags are one-way latches: each transitions exactly once
// and never reverts. In particular a failed load leaves needsLoading false
// permanently, so a failed Book can never be retried. Open a new Book
// instead.
type Book struct {
	name    string
	source  Source
	factory domain.BinderFactory
	logger  *zap.Logger
	client  *http.Client

	mu         sync.Mutex
	bytes      []byte
	expected   int64 // -1 while unknown; refined at most once
	binder     domain.Binder
	metadata   domain.BookMetadata
	pages      []domain.Page
	totalPages int

	needsLoading    bool
	startedBinding  bool
	finishedLoading bool
	finishedBinding bool

	listeners []func(domain.Event)
}

func newBook(name string, src Source, factory domain.BinderFactory, logger *zap.Logger) *Book {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Book{
		name:         name,
		source:       src,
		factory:      factory,
		logger:       logger.With(zap.String("book", name)),
		client:       http.DefaultClient,
		expected:     -1,
		needsLoading: true,
	}
}

// NewFromRequest creates a book that loads by executing req one-shot,
// observing transfer progress as the body is read.
func NewFromRequest(name string, req *http.Request, factory domain.BinderFactory, logger *zap.Logger) *Book {
	return newBook(name, Source{kind: SourceRequest, req: req}, factory, logger)
}

// NewFromURI creates a book that streams chunks from uri via HTTP GET.
func NewFromURI(name, uri string, factory domain.BinderFactory, logger *zap.Logger) *Book {
	return newBook(name, Source{kind: SourceURI, uri: uri}, factory, logger)
}

// NewFromFile creates a book that reads the file at path in one suspension.
func NewFromFile(name, path string, factory domain.BinderFactory, logger *zap.Logger) *Book {
	return newBook(name, Source{kind: SourceFile, path: path}, factory, logger)
}

// NewFromFileHandle creates a book that reads an already-open file handle.
// The caller keeps ownership of the handle and closes it afterwards.
func NewFromFileHandle(name string, f *os.File, factory domain.BinderFactory, logger *zap.Logger) *Book {
	return newBook(name, Source{kind: SourceFileHandle, handle: f}, factory, logger)
}

// NewForPush creates a book bound to an external push producer. Such a book
// loads through LoadFromProducer or, when the whole payload is already in
// hand, LoadFromBuffer.
func NewForPush(name string, factory domain.BinderFactory, logger *zap.Logger) *Book {
	return newBook(name, Source{kind: SourcePush}, factory, logger)
}

// SetHTTPClient overrides the transport used by the network strategies.
// Must be called before Load.
func (b *Book) SetHTTPClient(c *http.Client) {
	if c != nil {
		b.client = c
	}
}

// Name returns the book's immutable identity.
func (b *Book) Name() string { return b.name }

// Source returns the source descriptor fixed at construction.
func (b *Book) Source() Source { return b.source }

// NeedsLoading reports whether no load has started yet.
func (b *Book) NeedsLoading() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.needsLoading
}

// StartedBinding reports whether the binding pipeline has run.
func (b *Book) StartedBinding() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.startedBinding
}

// FinishedLoading reports whether all source bytes have been consumed.
func (b *Book) FinishedLoading() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finishedLoading
}

// FinishedBinding reports whether the Binder completed extraction.
func (b *Book) FinishedBinding() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.finishedBinding
}

// ExpectedSize returns the expected document size, or -1 while unknown.
func (b *Book) ExpectedSize() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.expected
}

// Bytes returns the accumulated byte sequence. The slice is stable — every
// append reallocates — but callers must treat it as read-only. Once
// FinishedLoading reports true its length equals the full document size.
func (b *Book) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bytes
}

// appendBytes grows the accumulated sequence by copying both the current
// sequence and the new chunk into a freshly allocated buffer. The chunk may
// be a buffer the producer relinquishes or reuses, so append is copy-based
// rather than in-place: no buffer that another owner may hold is ever
// mutated. It returns the owned copy of the chunk, suitable for handing to
// the binder.
func (b *Book) appendBytes(chunk []byte) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendBytesLocked(chunk)
}

func (b *Book) appendBytesLocked(chunk []byte) []byte {
	grown := make([]byte, len(b.bytes)+len(chunk))
	copy(grown, b.bytes)
	copy(grown[len(b.bytes):], chunk)
	b.bytes = grown
	return grown[len(grown)-len(chunk):]
}

// refineExpectedSize sets the expected size from a transport signal, at most
// once and only while it is still unknown.
func (b *Book) refineExpectedSize(size int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.expected < 0 && size >= 0 {
		b.expected = size
	}
}

// NumberOfPages returns the reported page total, which may exceed the number
// of pages extracted so far if extraction lags reporting.
func (b *Book) NumberOfPages() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.totalPages > len(b.pages) {
		return b.totalPages
	}
	return len(b.pages)
}

// Page returns the page at index i. Out-of-range or negative indices report
// not found rather than failing.
func (b *Book) Page(i int) (domain.Page, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.pages) {
		return domain.Page{}, false
	}
	return b.pages[i], true
}

// BookType delegates to the Binder. Fails with ErrNotBound before binding.
func (b *Book) BookType() (domain.BookType, error) {
	b.mu.Lock()
	binder := b.binder
	b.mu.Unlock()
	if binder == nil {
		return "", ErrNotBound
	}
	return binder.BookType(), nil
}

// MIMEType delegates to the Binder. Fails with ErrNotBound before binding.
func (b *Book) MIMEType() (string, error) {
	b.mu.Lock()
	binder := b.binder
	b.mu.Unlock()
	if binder == nil {
		return "", ErrNotBound
	}
	return binder.MIMEType(), nil
}

// LoadingPercentage reports transfer progress. Progress polling is common
// before binding starts, so the percentage getters return 0 instead of
// failing when no binder exists yet.
func (b *Book) LoadingPercentage() float64 {
	b.mu.Lock()
	binder := b.binder
	b.mu.Unlock()
	if binder == nil {
		return 0
	}
	return binder.LoadingPercentage()
}

// UnarchivingPercentage reports extraction progress, 0 before binding.
func (b *Book) UnarchivingPercentage() float64 {
	b.mu.Lock()
	binder := b.binder
	b.mu.Unlock()
	if binder == nil {
		return 0
	}
	return binder.UnarchivingPercentage()
}

// LayoutPercentage reports page layout progress, 0 before binding.
func (b *Book) LayoutPercentage() float64 {
	b.mu.Lock()
	binder := b.binder
	b.mu.Unlock()
	if binder == nil {
		return 0
	}
	return binder.LayoutPercentage()
}

// SetMetadata stores an independent deep copy of m. Later mutation of the
// caller's record does not affect the book.
func (b *Book) SetMetadata(m domain.BookMetadata) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metadata = m.Clone()
}

// Metadata returns the book's live metadata record. Read access does not
// copy; the stored record is only ever replaced wholesale, never mutated in
// place.
func (b *Book) Metadata() domain.BookMetadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metadata
}

// Subscribe registers fn for the book's re-sourced event stream. Listeners
// are invoked synchronously in subscription order.
func (b *Book) Subscribe(fn func(domain.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, fn)
}

// emit delivers ev to all listeners outside the state lock, so a listener
// may query the book re-entrantly.
func (b *Book) emit(ev domain.Event) {
	b.mu.Lock()
	fns := make([]func(domain.Event), len(b.listeners))
	copy(fns, b.listeners)
	b.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Close releases the binder, if one was created. The accumulated bytes and
// extracted pages stay available until the Book is discarded.
func (b *Book) Close() error {
	b.mu.Lock()
	binder := b.binder
	b.mu.Unlock()
	if binder == nil {
		return nil
	}
	return binder.Close()
}
