package book

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/codedread/kthoom/internal/domain"
)

// bind runs the one-time binding pipeline shared by all ingestion
// strategies:
//
//  1. guard against a second invocation,
//  2. latch startedBinding,
//  3. take a defensive copy of the initial chunk into the owned sequence,
//  4. construct the Binder through the factory,
//  5. initialize metadata typed by the reported book kind,
//  6. subscribe to the Binder's events,
//  7. start the Binder's extraction pump.
//
// It returns once the pump is live; the calling strategy keeps feeding
// bytes as they arrive.
func (b *Book) bind(ctx context.Context, initial []byte) error {
	b.mu.Lock()
	if b.startedBinding {
		b.mu.Unlock()
		return ErrBindingStarted
	}
	b.startedBinding = true
	owned := b.appendBytesLocked(initial)
	expected := b.expected
	b.mu.Unlock()

	binder, err := b.factory.CreateBinder(ctx, b.name, owned, expected)
	if err != nil {
		return fmt.Errorf("book: binder creation failed: %w", err)
	}

	b.mu.Lock()
	b.binder = binder
	b.metadata = domain.BookMetadata{BookType: binder.BookType()}
	b.mu.Unlock()

	binder.Subscribe(b.onBinderEvent)

	if err := binder.Start(ctx); err != nil {
		return fmt.Errorf("book: binder start failed: %w", err)
	}

	b.logger.Debug("binding pipeline live",
		zap.Int("initial_bytes", len(initial)),
		zap.Int64("expected_size", expected),
	)
	return nil
}

// feed appends one subsequent chunk to the owned sequence and forwards the
// owned copy to the binder, sequentially within one step. Strategies call
// bind for the first chunk and feed for every later one, so ordering between
// accumulation and the binder feed is fixed by construction.
func (b *Book) feed(chunk []byte) error {
	b.mu.Lock()
	owned := b.appendBytesLocked(chunk)
	binder := b.binder
	b.mu.Unlock()
	if binder == nil {
		return ErrNotBound
	}
	return binder.AppendBytes(owned)
}

// finishLoading latches finishedLoading and announces the milestone.
// Loading and binding complete independently; binding-complete may follow
// much later.
func (b *Book) finishLoading() {
	b.mu.Lock()
	if b.finishedLoading {
		b.mu.Unlock()
		return
	}
	b.finishedLoading = true
	size := len(b.bytes)
	b.mu.Unlock()

	b.logger.Info("loading complete", zap.Int("bytes", size))
	b.emit(domain.LoadingCompleteEvent{Book: b.name})
}

// onBinderEvent observes a Binder event, updates book state, and re-emits
// the corresponding book-level event. Binder events are not forwarded
// verbatim: they are re-sourced under the book's name, and
// metadata-extracted is consumed internally.
func (b *Book) onBinderEvent(ev domain.Event) {
	switch e := ev.(type) {
	case domain.BindingCompleteEvent:
		b.mu.Lock()
		if b.finishedBinding {
			b.mu.Unlock()
			return
		}
		b.finishedBinding = true
		b.mu.Unlock()
		b.logger.Info("binding complete")
		b.emit(domain.BindingCompleteEvent{Book: b.name})

	case domain.MetadataExtractedEvent:
		b.mu.Lock()
		b.metadata = e.Metadata.Clone()
		b.mu.Unlock()

	case domain.PageExtractedEvent:
		b.mu.Lock()
		b.pages = append(b.pages, e.Page)
		idx := len(b.pages) - 1
		b.mu.Unlock()
		b.emit(domain.PageExtractedEvent{Book: b.name, Page: e.Page, Index: idx})

	case domain.ProgressEvent:
		b.mu.Lock()
		// Monotonically non-decreasing once first reported.
		if e.TotalPages > b.totalPages {
			b.totalPages = e.TotalPages
		}
		total := b.totalPages
		b.mu.Unlock()
		b.emit(domain.ProgressEvent{Book: b.name, TotalPages: total, Message: e.Message})
	}
}
