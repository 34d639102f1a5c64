package book

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/codedread/kthoom/internal/domain"
)

// fakeBinder records everything the orchestrator feeds it and lets tests
// emit binder events by hand.
type fakeBinder struct {
	mu       sync.Mutex
	name     string
	initial  []byte
	appends  [][]byte
	started  bool
	closed   bool
	listener func(domain.Event)
}

var _ domain.Binder = (*fakeBinder)(nil)

func (f *fakeBinder) BookType() domain.BookType { return domain.BookTypeComic }

func (f *fakeBinder) MIMEType() string { return "application/vnd.comicbook+zip" }

func (f *fakeBinder) LoadingPercentage() float64 { return 100 }

func (f *fakeBinder) UnarchivingPercentage() float64 { return 50 }

func (f *fakeBinder) LayoutPercentage() float64 { return 25 }

func (f *fakeBinder) AppendBytes(chunk []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	owned := make([]byte, len(chunk))
	copy(owned, chunk)
	f.appends = append(f.appends, owned)
	return nil
}

func (f *fakeBinder) Subscribe(fn func(domain.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = fn
}

func (f *fakeBinder) Start(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
	return nil
}

func (f *fakeBinder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// emit delivers a binder event to the orchestrator's subscription.
func (f *fakeBinder) emit(ev domain.Event) {
	f.mu.Lock()
	fn := f.listener
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// observed returns the initial bytes followed by all appended chunks.
func (f *fakeBinder) observed() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]byte(nil), f.initial...)
	for _, chunk := range f.appends {
		out = append(out, chunk...)
	}
	return out
}

// fakeFactory hands out fakeBinders. When gate is non-nil, CreateBinder
// blocks until the gate closes, simulating slow asynchronous construction.
type fakeFactory struct {
	mu        sync.Mutex
	binders   []*fakeBinder
	createErr error
	gate      chan struct{}
}

var _ domain.BinderFactory = (*fakeFactory)(nil)

func (f *fakeFactory) CreateBinder(ctx context.Context, name string, initial []byte, _ int64) (domain.Binder, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.createErr != nil {
		return nil, f.createErr
	}
	fb := &fakeBinder{name: name, initial: append([]byte(nil), initial...)}
	f.mu.Lock()
	f.binders = append(f.binders, fb)
	f.mu.Unlock()
	return fb, nil
}

func (f *fakeFactory) last(t *testing.T) *fakeBinder {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.binders, "no binder was created")
	return f.binders[len(f.binders)-1]
}

// eventRecorder collects re-sourced book events in emission order.
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) record(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type()
	}
	return out
}

func TestBookQueriesBeforeBinding(t *testing.T) {
	b := NewForPush("foo.cbz", &fakeFactory{}, zaptest.NewLogger(t))

	assert.True(t, b.NeedsLoading())
	assert.False(t, b.StartedBinding())
	assert.False(t, b.FinishedLoading())
	assert.False(t, b.FinishedBinding())
	assert.Equal(t, int64(-1), b.ExpectedSize())

	// Binder-delegating queries fail before the binder exists.
	_, err := b.MIMEType()
	assert.ErrorIs(t, err, ErrNotBound)
	_, err = b.BookType()
	assert.ErrorIs(t, err, ErrNotBound)

	// The percentage getters use the relaxed contract instead.
	assert.Zero(t, b.LoadingPercentage())
	assert.Zero(t, b.UnarchivingPercentage())
	assert.Zero(t, b.LayoutPercentage())

	// Page lookups never fail, regardless of binding state.
	_, ok := b.Page(0)
	assert.False(t, ok)
	_, ok = b.Page(-1)
	assert.False(t, ok)
}

func TestBookMetadataNoAliasing(t *testing.T) {
	b := NewForPush("meta.cbz", &fakeFactory{}, zaptest.NewLogger(t))

	first := domain.BookMetadata{Title: "First", Tags: map[string]string{"series": "one"}}
	second := domain.BookMetadata{Title: "Second", Tags: map[string]string{"series": "two"}}

	b.SetMetadata(first)
	b.SetMetadata(second)

	// Mutating the caller's second record after SetMetadata must not leak
	// into the book.
	second.Tags["series"] = "mutated"
	second.Title = "Mutated"

	got := b.Metadata()
	assert.Equal(t, "Second", got.Title)
	assert.Equal(t, "two", got.Tags["series"])
}

func TestBookPageCountLagsBehindReporting(t *testing.T) {
	factory := &fakeFactory{}
	b := NewForPush("lag.cbz", factory, zaptest.NewLogger(t))
	require.NoError(t, b.LoadFromBuffer(context.Background(), []byte("PK")))

	binder := factory.last(t)
	binder.emit(domain.ProgressEvent{TotalPages: 7, Message: "scanning"})

	// Total is reported ahead of extraction.
	assert.Equal(t, 7, b.NumberOfPages())
	_, ok := b.Page(0)
	assert.False(t, ok)
	_, ok = b.Page(6)
	assert.False(t, ok)

	binder.emit(domain.PageExtractedEvent{Page: domain.Page{Filename: "001.jpg"}, Index: 0})
	page, ok := b.Page(0)
	require.True(t, ok)
	assert.Equal(t, "001.jpg", page.Filename)
	assert.Equal(t, 7, b.NumberOfPages())

	// A stale, smaller progress report never shrinks the total.
	binder.emit(domain.ProgressEvent{TotalPages: 3})
	assert.Equal(t, 7, b.NumberOfPages())
}

func TestBookMetadataExtractedConsumedInternally(t *testing.T) {
	factory := &fakeFactory{}
	b := NewForPush("quiet.cbz", factory, zaptest.NewLogger(t))
	rec := &eventRecorder{}
	b.Subscribe(rec.record)
	require.NoError(t, b.LoadFromBuffer(context.Background(), []byte("PK")))

	binder := factory.last(t)
	binder.emit(domain.MetadataExtractedEvent{Metadata: domain.BookMetadata{Title: "Inside"}})

	assert.Equal(t, "Inside", b.Metadata().Title)
	for _, typ := range rec.types() {
		assert.NotEqual(t, domain.EventMetadataExtracted, typ,
			"metadata-extracted must not reach book subscribers")
	}
}

func TestBookCloseReleasesBinder(t *testing.T) {
	factory := &fakeFactory{}
	b := NewForPush("close.cbz", factory, zaptest.NewLogger(t))

	// Close before binding is a no-op.
	require.NoError(t, b.Close())

	require.NoError(t, b.LoadFromBuffer(context.Background(), []byte("PK")))
	require.NoError(t, b.Close())
	assert.True(t, factory.last(t).closed)
}
