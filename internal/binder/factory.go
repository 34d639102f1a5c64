// Package binder provides the reference Binder implementation: a ZIP/CBZ
// decoding engine that unpacks a book's raw bytes into pages and metadata,
// driven by the orchestrator's chunk feed.
package binder

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/codedread/kthoom/internal/domain"
)

// Options configure the decoding engine. The factory carries them
// explicitly; there is no module-level engine handle.
type Options struct {
	// MaxEntrySize caps the decompressed size of a single archive entry.
	// Guards against zip bombs. Defaults to 256 MB.
	MaxEntrySize int64
}

const defaultMaxEntrySize int64 = 256 * 1024 * 1024

// Factory creates ZipBinders and owns engine teardown: Close shuts down
// every binder still running.
type Factory struct {
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	open   []*ZipBinder
	closed bool
}

var _ domain.BinderFactory = (*Factory)(nil)

// NewFactory creates a binder factory with the given engine options.
func NewFactory(opts Options, logger *zap.Logger) *Factory {
	if opts.MaxEntrySize <= 0 {
		opts.MaxEntrySize = defaultMaxEntrySize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{opts: opts, logger: logger}
}

// CreateBinder constructs a binder over the initial bytes. It rejects
// payloads that are already recognizably not a ZIP container; a first chunk
// shorter than the signature is accepted and judged as more bytes arrive.
func (f *Factory) CreateBinder(_ context.Context, name string, initial []byte, expectedSize int64) (domain.Binder, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, fmt.Errorf("binder: factory is closed")
	}
	f.mu.Unlock()

	if name == "" {
		return nil, fmt.Errorf("binder: book name is required")
	}
	if len(initial) >= 4 && !hasZipSignature(initial) {
		return nil, fmt.Errorf("binder: %s is not a zip container", name)
	}

	zb := newZipBinder(name, initial, expectedSize, f.opts.MaxEntrySize, f.logger)

	f.mu.Lock()
	f.open = append(f.open, zb)
	f.mu.Unlock()

	f.logger.Debug("binder created",
		zap.String("book", name),
		zap.Int("initial_bytes", len(initial)),
		zap.Int64("expected_size", expectedSize),
	)
	return zb, nil
}

// Close tears down the engine: every binder created by this factory is
// closed, and no new binders can be created.
func (f *Factory) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	open := f.open
	f.open = nil
	f.mu.Unlock()

	var lastErr error
	for _, zb := range open {
		if err := zb.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}
