package binder

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/binary"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/codedread/kthoom/internal/domain"
)

// ZipBinder decodes a ZIP/CBZ container progressively. Chunks accumulate
// through AppendBytes; a single pump goroutine extracts every local-file
// entry that is already complete in the buffer, emitting page, metadata and
// progress events in archive order. Once the end-of-central-directory record
// is visible the archive is whole: any entries the streaming scan could not
// handle (data-descriptor entries) are recovered through a whole-archive
// pass, and binding-complete fires.
//
// The binder owns its copy of the bytes and never writes back into the
// orchestrator's buffer.
type ZipBinder struct {
	name     string
	bookType domain.BookType
	mime     string
	maxEntry int64
	logger   *zap.Logger

	mu           sync.Mutex
	data         []byte
	expected     int64
	scanned      int             // offset of the next unparsed record
	stalled      bool            // sequential scan stopped; wait for the whole archive
	processed    map[string]bool // entry names already extracted by the streaming scan
	entriesDone  int
	totalEntries int // -1 until the end-of-central-directory record is read
	pagesDone    int
	started      bool
	complete     bool
	closed       bool
	listener     func(domain.Event)

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
}

var _ domain.Binder = (*ZipBinder)(nil)

func newZipBinder(name string, initial []byte, expectedSize, maxEntry int64, logger *zap.Logger) *ZipBinder {
	bookType := domain.BookTypeGeneric
	mime := "application/zip"
	if strings.HasSuffix(strings.ToLower(name), ".cbz") {
		bookType = domain.BookTypeComic
		mime = "application/vnd.comicbook+zip"
	}
	return &ZipBinder{
		name:         name,
		bookType:     bookType,
		mime:         mime,
		maxEntry:     maxEntry,
		logger:       logger.With(zap.String("book", name)),
		data:         append([]byte(nil), initial...),
		expected:     expectedSize,
		processed:    make(map[string]bool),
		totalEntries: -1,
		wake:         make(chan struct{}, 1),
		quit:         make(chan struct{}),
	}
}

// BookType reports the document kind derived from the book name.
func (zb *ZipBinder) BookType() domain.BookType { return zb.bookType }

// MIMEType reports the container MIME type.
func (zb *ZipBinder) MIMEType() string { return zb.mime }

// LoadingPercentage reports byte-transfer progress against the expected
// size, or 100 once the archive is complete.
func (zb *ZipBinder) LoadingPercentage() float64 {
	zb.mu.Lock()
	defer zb.mu.Unlock()
	if zb.complete {
		return 100
	}
	if zb.expected > 0 {
		p := float64(len(zb.data)) * 100 / float64(zb.expected)
		if p > 100 {
			p = 100
		}
		return p
	}
	return 0
}

// UnarchivingPercentage reports extracted entries against the archive's
// entry count. The count is only known once the central directory is read;
// before that the percentage stays at 0 unless extraction already finished.
func (zb *ZipBinder) UnarchivingPercentage() float64 {
	zb.mu.Lock()
	defer zb.mu.Unlock()
	if zb.complete {
		return 100
	}
	if zb.totalEntries > 0 {
		p := float64(zb.entriesDone) * 100 / float64(zb.totalEntries)
		if p > 100 {
			p = 100
		}
		return p
	}
	return 0
}

// LayoutPercentage reports page layout progress. The page total is only
// known once the whole archive has been walked, so layout snaps to 100 at
// completion.
func (zb *ZipBinder) LayoutPercentage() float64 {
	zb.mu.Lock()
	defer zb.mu.Unlock()
	if zb.complete {
		return 100
	}
	return 0
}

// AppendBytes feeds one additional chunk, preserving order after the
// initial bytes, and wakes the pump.
func (zb *ZipBinder) AppendBytes(chunk []byte) error {
	zb.mu.Lock()
	if zb.closed {
		zb.mu.Unlock()
		return errClosed
	}
	zb.data = append(zb.data, chunk...)
	zb.mu.Unlock()

	select {
	case zb.wake <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe registers the event listener. Must be called before Start.
func (zb *ZipBinder) Subscribe(fn func(domain.Event)) {
	zb.mu.Lock()
	defer zb.mu.Unlock()
	zb.listener = fn
}

// Start brings the extraction pump live. It resolves immediately;
// extraction proceeds in the background until the archive completes or the
// binder is closed.
func (zb *ZipBinder) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	zb.mu.Lock()
	if zb.closed {
		zb.mu.Unlock()
		return errClosed
	}
	if zb.started {
		zb.mu.Unlock()
		return errStarted
	}
	zb.started = true
	zb.mu.Unlock()

	zb.wg.Add(1)
	go zb.pump()
	return nil
}

// Close stops the pump and releases the binder. Safe to call more than
// once.
func (zb *ZipBinder) Close() error {
	zb.mu.Lock()
	if zb.closed {
		zb.mu.Unlock()
		return nil
	}
	zb.closed = true
	zb.mu.Unlock()

	close(zb.quit)
	zb.wg.Wait()
	return nil
}

// pump is the single extraction goroutine. Teardown happens through Close,
// not through the Start context: binding routinely outlives the load call
// that started it.
func (zb *ZipBinder) pump() {
	defer zb.wg.Done()
	for {
		for _, ev := range zb.advance() {
			zb.deliver(ev)
		}

		zb.mu.Lock()
		done := zb.complete || zb.closed
		zb.mu.Unlock()
		if done {
			return
		}

		select {
		case <-zb.quit:
			return
		case <-zb.wake:
		}
	}
}

// advance extracts everything currently extractable and returns the events
// to emit, in order. State mutation happens under the lock; delivery does
// not.
func (zb *ZipBinder) advance() []domain.Event {
	zb.mu.Lock()
	defer zb.mu.Unlock()

	var evs []domain.Event
	for !zb.stalled {
		if len(zb.data)-zb.scanned < 4 {
			break
		}
		if binary.LittleEndian.Uint32(zb.data[zb.scanned:]) != localFileHeaderSig {
			// Central directory (or trailing records): no further
			// local-file entries follow.
			zb.stalled = true
			break
		}
		entry, ok := parseLocalEntry(zb.data, zb.scanned)
		if !ok {
			break
		}
		if entry.hasDesc {
			zb.logger.Debug("entry deferred to whole-archive pass",
				zap.String("entry", entry.name),
			)
			zb.stalled = true
			break
		}
		zb.scanned = entry.next
		evs = append(evs, zb.consumeEntryLocked(entry)...)
	}

	if !zb.complete {
		if n, ok := findEOCD(zb.data); ok {
			evs = append(evs, zb.finishLocked(n)...)
		}
	}
	return evs
}

// consumeEntryLocked extracts one streamed local-file entry.
func (zb *ZipBinder) consumeEntryLocked(entry localEntry) []domain.Event {
	zb.entriesDone++
	zb.processed[entry.name] = true

	if strings.HasSuffix(entry.name, "/") {
		return nil
	}
	if !isSafeEntryPath(entry.name) {
		zb.logger.Warn("unsafe entry path skipped", zap.String("entry", entry.name))
		return nil
	}

	content, err := inflate(entry.name, entry.method, entry.compressed, entry.uncompSize, zb.maxEntry)
	if err != nil {
		zb.logger.Warn("entry skipped", zap.String("entry", entry.name), zap.Error(err))
		return nil
	}

	evs := zb.entryEventsLocked(entry.name, content)
	return append(evs, domain.ProgressEvent{
		Book:       zb.name,
		TotalPages: -1,
		Message:    "extracted " + entry.name,
	})
}

// entryEventsLocked classifies one decoded entry as a page, a metadata
// record, or neither.
func (zb *ZipBinder) entryEventsLocked(name string, content []byte) []domain.Event {
	if mt := pageMIMEType(name); mt != "" {
		idx := zb.pagesDone
		zb.pagesDone++
		return []domain.Event{domain.PageExtractedEvent{
			Book:  zb.name,
			Page:  domain.Page{Filename: name, MIMEType: mt, Data: content},
			Index: idx,
		}}
	}
	if isMetadataEntry(name) {
		md, err := parseComicInfo(content, zb.bookType)
		if err != nil {
			zb.logger.Warn("metadata entry unreadable", zap.String("entry", name), zap.Error(err))
			return nil
		}
		return []domain.Event{domain.MetadataExtractedEvent{Book: zb.name, Metadata: md}}
	}
	return nil
}

// finishLocked completes extraction: recover anything the streaming scan
// missed, then report the final page total and binding completion.
func (zb *ZipBinder) finishLocked(totalEntries int) []domain.Event {
	zb.totalEntries = totalEntries

	var evs []domain.Event
	if zb.entriesDone < totalEntries {
		evs = zb.fallbackLocked()
	}
	zb.complete = true

	evs = append(evs,
		domain.ProgressEvent{Book: zb.name, TotalPages: zb.pagesDone, Message: "extraction complete"},
		domain.BindingCompleteEvent{Book: zb.name},
	)
	zb.logger.Info("archive extracted",
		zap.Int("entries", zb.entriesDone),
		zap.Int("pages", zb.pagesDone),
	)
	return evs
}

// fallbackLocked walks the complete archive through the stdlib reader and
// extracts every entry the streaming scan did not handle, preserving
// archive order.
func (zb *ZipBinder) fallbackLocked() []domain.Event {
	zr, err := zip.NewReader(bytes.NewReader(zb.data), int64(len(zb.data)))
	if err != nil {
		zb.logger.Warn("whole-archive pass failed", zap.Error(err))
		return nil
	}

	var evs []domain.Event
	for _, f := range zr.File {
		if zb.processed[f.Name] {
			continue
		}
		zb.entriesDone++
		zb.processed[f.Name] = true

		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		if !isSafeEntryPath(f.Name) {
			zb.logger.Warn("unsafe entry path skipped", zap.String("entry", f.Name))
			continue
		}
		content, err := readArchiveEntry(f, zb.maxEntry)
		if err != nil {
			zb.logger.Warn("entry skipped", zap.String("entry", f.Name), zap.Error(err))
			continue
		}
		evs = append(evs, zb.entryEventsLocked(f.Name, content)...)
		evs = append(evs, domain.ProgressEvent{
			Book:       zb.name,
			TotalPages: -1,
			Message:    "extracted " + f.Name,
		})
	}
	return evs
}

// deliver hands one event to the listener outside the state lock.
func (zb *ZipBinder) deliver(ev domain.Event) {
	zb.mu.Lock()
	fn := zb.listener
	zb.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}
