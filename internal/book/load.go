package book

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"

	"go.uber.org/zap"

	"github.com/codedread/kthoom/internal/domain"
)

const (
	// streamChunkSize is the read granularity for the streaming strategies.
	streamChunkSize = 32 * 1024

	// producerQueueDepth bounds the FIFO between producer callbacks and the
	// load loop. A full queue back-pressures the producer; it never drops or
	// reorders.
	producerQueueDepth = 64
)

// Load dispatches to the strategy matching the source kind configured at
// construction. Push-bound books carry no pullable source and load through
// LoadFromProducer or LoadFromBuffer instead.
func (b *Book) Load(ctx context.Context) error {
	if !b.NeedsLoading() {
		return ErrInvalidState
	}
	switch b.source.kind {
	case SourceRequest:
		return b.LoadFromRequest(ctx)
	case SourceURI:
		return b.LoadFromURI(ctx)
	case SourceFile:
		return b.LoadFromFile(ctx)
	case SourceFileHandle:
		return b.LoadFromFileHandle(ctx)
	case SourcePush:
		return fmt.Errorf("%w: push-bound book has no pullable source", ErrSourceMismatch)
	default:
		return ErrSourceMismatch
	}
}

// beginLoading enforces the shared preconditions of every strategy and
// flips the needsLoading latch strictly before the first byte is
// accumulated. The latch stays flipped even if the load later fails.
func (b *Book) beginLoading(kind SourceKind) error {
	b.mu.Lock()
	if !b.needsLoading {
		b.mu.Unlock()
		return ErrInvalidState
	}
	if b.source.kind != kind {
		b.mu.Unlock()
		return fmt.Errorf("%w: book source is %s, loader wants %s", ErrSourceMismatch, b.source.kind, kind)
	}
	b.needsLoading = false
	b.mu.Unlock()

	b.logger.Info("loading started", zap.Stringer("source", kind))
	b.emit(domain.LoadingStartedEvent{Book: b.name})
	return nil
}

// LoadFromBuffer runs the one-shot strategy: the entire byte sequence is
// already in hand, so the binding pipeline gets the full buffer as both
// initial chunk and final content, and loading finishes immediately. Only
// push-bound books accept an externally supplied one-shot buffer.
func (b *Book) LoadFromBuffer(ctx context.Context, buf []byte) error {
	if err := b.beginLoading(SourcePush); err != nil {
		return err
	}
	b.refineExpectedSize(int64(len(buf)))
	if err := b.bind(ctx, buf); err != nil {
		return err
	}
	b.finishLoading()
	return nil
}

// LoadFromRequest executes the configured request one-shot, observing
// transfer progress while the body downloads, then runs the one-shot
// pipeline over the complete payload.
func (b *Book) LoadFromRequest(ctx context.Context) error {
	if err := b.beginLoading(SourceRequest); err != nil {
		return err
	}

	resp, err := b.client.Do(b.source.req.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("book: transport failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("book: transport failed: unexpected status %s", resp.Status)
	}

	b.refineExpectedSize(resp.ContentLength)

	buf, err := b.readAllWithProgress(resp.Body)
	if err != nil {
		return fmt.Errorf("book: transport failed: %w", err)
	}
	if err := b.bind(ctx, buf); err != nil {
		return err
	}
	b.finishLoading()
	return nil
}

// readAllWithProgress drains r into memory, logging transfer progress per
// chunk the way an XHR progress callback would report it.
func (b *Book) readAllWithProgress(r io.Reader) ([]byte, error) {
	var out []byte
	buf := make([]byte, streamChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			out = append(out, buf[:n]...)
			b.logger.Debug("transfer progress",
				zap.Int("received", len(out)),
				zap.Int64("expected", b.ExpectedSize()),
			)
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// LoadFromURI runs the streaming strategy: successive chunks are read from
// the transport; the first chunk triggers the binding pipeline and
// establishes the expected size from the response if previously unknown;
// each later chunk is appended and forwarded strictly in arrival order.
func (b *Book) LoadFromURI(ctx context.Context) error {
	if err := b.beginLoading(SourceURI); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.source.uri, nil)
	if err != nil {
		return fmt.Errorf("book: transport failed: %w", err)
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("book: transport failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("book: transport failed: unexpected status %s", resp.Status)
	}

	b.refineExpectedSize(resp.ContentLength)
	return b.consumeStream(ctx, resp.Body)
}

// LoadFromFile reads the entire file into one buffer (the single suspension
// point of this strategy) and then behaves like the one-shot strategy.
func (b *Book) LoadFromFile(ctx context.Context) error {
	if err := b.beginLoading(SourceFile); err != nil {
		return err
	}
	data, err := os.ReadFile(b.source.path)
	if err != nil {
		return fmt.Errorf("book: file read failed: %w", err)
	}
	b.refineExpectedSize(int64(len(data)))
	if err := b.bind(ctx, data); err != nil {
		return err
	}
	b.finishLoading()
	return nil
}

// LoadFromFileHandle drains an already-open handle and then behaves like the
// one-shot strategy. The handle stays owned by the caller.
func (b *Book) LoadFromFileHandle(ctx context.Context) error {
	if err := b.beginLoading(SourceFileHandle); err != nil {
		return err
	}
	data, err := io.ReadAll(b.source.handle)
	if err != nil {
		return fmt.Errorf("book: file read failed: %w", err)
	}
	b.refineExpectedSize(int64(len(data)))
	if err := b.bind(ctx, data); err != nil {
		return err
	}
	b.finishLoading()
	return nil
}

// consumeStream turns a byte stream into the uniform chunk sequence fed to
// the shared pipeline. An empty stream still binds, so the book ends up with
// a binder able to answer queries over zero bytes.
func (b *Book) consumeStream(ctx context.Context, r io.Reader) error {
	buf := make([]byte, streamChunkSize)
	first := true
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if first {
				if bindErr := b.bind(ctx, buf[:n]); bindErr != nil {
					return bindErr
				}
				first = false
			} else if feedErr := b.feed(buf[:n]); feedErr != nil {
				return feedErr
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("book: transport failed: %w", err)
		}
	}
	if first {
		if err := b.bind(ctx, nil); err != nil {
			return err
		}
	}
	b.finishLoading()
	return nil
}

// pushSignal is one producer callback, queued for in-order replay.
type pushSignal struct {
	chunk []byte
	err   error
	end   bool
}

// producerQueue adapts producer callbacks into a FIFO the load loop drains
// one signal at a time. Binder construction on the first chunk is itself a
// suspension point, so chunks arriving while it resolves simply queue up and
// replay strictly in arrival order afterwards; two callbacks are never
// processed concurrently or out of order. A termination signal queued behind
// pending chunks is honored only after every one of them.
//
// Once the load loop exits nothing drains the queue anymore, so the quit
// channel releases the producer: callbacks arriving after quit return
// immediately and their signals are dropped.
type producerQueue struct {
	ch   chan pushSignal
	quit chan struct{}
}

var _ domain.ProducerListener = (*producerQueue)(nil)

func (q *producerQueue) push(sig pushSignal) {
	select {
	case q.ch <- sig:
	case <-q.quit:
	}
}

func (q *producerQueue) DataReceived(chunk []byte) {
	// The producer may reuse the buffer once the callback returns; copy
	// before queueing.
	owned := make([]byte, len(chunk))
	copy(owned, chunk)
	q.push(pushSignal{chunk: owned})
}

func (q *producerQueue) End() { q.push(pushSignal{end: true}) }

func (q *producerQueue) Error(err error) { q.push(pushSignal{err: err}) }

// LoadFromProducer runs the push strategy: chunks arrive through
// asynchronous callbacks with no size knowledge upfront. The first chunk
// lazily triggers the binding pipeline; a termination signal marks loading
// finished; a producer error aborts the load and propagates.
func (b *Book) LoadFromProducer(ctx context.Context, p domain.PushProducer) error {
	if err := b.beginLoading(SourcePush); err != nil {
		return err
	}

	q := &producerQueue{
		ch:   make(chan pushSignal, producerQueueDepth),
		quit: make(chan struct{}),
	}
	// Whatever way the load ends, the producer must never stay blocked on a
	// queue nobody reads.
	defer close(q.quit)
	p.Subscribe(q)

	first := true
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-q.ch:
			switch {
			case sig.err != nil:
				return fmt.Errorf("book: producer failed: %w", sig.err)
			case sig.end:
				if first {
					if err := b.bind(ctx, nil); err != nil {
						return err
					}
				}
				b.finishLoading()
				return nil
			default:
				if first {
					if err := b.bind(ctx, sig.chunk); err != nil {
						return err
					}
					first = false
				} else if err := b.feed(sig.chunk); err != nil {
					return err
				}
			}
		}
	}
}
