package book

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/codedread/kthoom/internal/domain"
)

// payload builds a deterministic pseudo-archive body of n bytes.
func payload(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func TestLoadFromBufferEndToEnd(t *testing.T) {
	factory := &fakeFactory{}
	b := NewForPush("foo.cbz", factory, zaptest.NewLogger(t))
	rec := &eventRecorder{}

	// loading-started must fire before any byte is visible.
	var bytesAtStart int
	b.Subscribe(func(ev domain.Event) {
		if ev.Type() == domain.EventLoadingStarted {
			bytesAtStart = len(b.Bytes())
		}
		rec.record(ev)
	})

	body := payload(1000)
	require.NoError(t, b.LoadFromBuffer(context.Background(), body))

	assert.Zero(t, bytesAtStart)
	assert.Len(t, b.Bytes(), 1000)
	assert.Equal(t, body, b.Bytes())
	assert.Equal(t, int64(1000), b.ExpectedSize())
	assert.True(t, b.FinishedLoading())
	assert.True(t, b.StartedBinding())
	assert.False(t, b.NeedsLoading())

	// Binding completes independently, after loading-complete.
	assert.False(t, b.FinishedBinding())
	factory.last(t).emit(domain.BindingCompleteEvent{})
	assert.True(t, b.FinishedBinding())

	assert.Equal(t, []domain.EventType{
		domain.EventLoadingStarted,
		domain.EventLoadingComplete,
		domain.EventBindingComplete,
	}, rec.types())

	mime, err := b.MIMEType()
	require.NoError(t, err)
	assert.Equal(t, "application/vnd.comicbook+zip", mime)
}

func TestLoadSecondCallFailsAndChangesNothing(t *testing.T) {
	factory := &fakeFactory{}
	b := NewForPush("twice.cbz", factory, zaptest.NewLogger(t))
	require.NoError(t, b.LoadFromBuffer(context.Background(), payload(64)))

	before := b.Bytes()
	err := b.LoadFromBuffer(context.Background(), payload(128))
	assert.ErrorIs(t, err, ErrInvalidState)

	assert.Equal(t, before, b.Bytes())
	assert.True(t, b.FinishedLoading())
	assert.True(t, b.StartedBinding())

	// Load() reports the same re-entrancy.
	assert.ErrorIs(t, b.Load(context.Background()), ErrInvalidState)
}

func TestLoadSourceKindMismatch(t *testing.T) {
	factory := &fakeFactory{}
	b := NewFromFile("wrong.cbz", "/does/not/matter", factory, zaptest.NewLogger(t))

	assert.ErrorIs(t, b.LoadFromURI(context.Background()), ErrSourceMismatch)
	assert.ErrorIs(t, b.LoadFromBuffer(context.Background(), payload(8)), ErrSourceMismatch)

	// A mismatched loader consumes nothing: the book is still loadable.
	assert.True(t, b.NeedsLoading())
}

func TestLoadDispatchPushHasNoPullableSource(t *testing.T) {
	b := NewForPush("push.cbz", &fakeFactory{}, zaptest.NewLogger(t))
	assert.ErrorIs(t, b.Load(context.Background()), ErrSourceMismatch)
	assert.True(t, b.NeedsLoading())
}

func TestLoadFromURIStreamsChunksInOrder(t *testing.T) {
	body := payload(256 * 1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	factory := &fakeFactory{}
	b := NewFromURI("stream.cbz", srv.URL, factory, zaptest.NewLogger(t))
	b.SetHTTPClient(srv.Client())

	require.NoError(t, b.Load(context.Background()))

	// The final sequence equals the ordered concatenation of all chunks,
	// both in the book and as observed by the binder.
	assert.Equal(t, body, b.Bytes())
	assert.Equal(t, body, factory.last(t).observed())
	assert.Equal(t, int64(len(body)), b.ExpectedSize())
	assert.True(t, b.FinishedLoading())
	assert.True(t, factory.last(t).started)
}

func TestLoadFromURITransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	b := NewFromURI("missing.cbz", srv.URL, &fakeFactory{}, zaptest.NewLogger(t))
	b.SetHTTPClient(srv.Client())

	err := b.Load(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidState)

	// A failed load trips the latch permanently; no retry on this instance.
	assert.False(t, b.NeedsLoading())
	assert.ErrorIs(t, b.Load(context.Background()), ErrInvalidState)
}

func TestLoadFromRequestOneShot(t *testing.T) {
	body := payload(4096)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	factory := &fakeFactory{}
	b := NewFromRequest("req.cbz", req, factory, zaptest.NewLogger(t))
	b.SetHTTPClient(srv.Client())

	require.NoError(t, b.Load(context.Background()))

	assert.Equal(t, body, b.Bytes())
	assert.Equal(t, int64(len(body)), b.ExpectedSize())
	// One-shot: the binder got the whole payload as its initial bytes.
	assert.Equal(t, body, factory.last(t).initial)
	assert.Empty(t, factory.last(t).appends)
}

func TestLoadFromFile(t *testing.T) {
	body := payload(2048)
	path := filepath.Join(t.TempDir(), "file.cbz")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	factory := &fakeFactory{}
	b := NewFromFile("file.cbz", path, factory, zaptest.NewLogger(t))
	require.NoError(t, b.Load(context.Background()))

	assert.Equal(t, body, b.Bytes())
	assert.Equal(t, int64(len(body)), b.ExpectedSize())
	assert.True(t, b.FinishedLoading())
}

func TestLoadFromFileHandle(t *testing.T) {
	body := payload(512)
	path := filepath.Join(t.TempDir(), "handle.cbz")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	factory := &fakeFactory{}
	b := NewFromFileHandle("handle.cbz", f, factory, zaptest.NewLogger(t))
	require.NoError(t, b.Load(context.Background()))
	assert.Equal(t, body, b.Bytes())
}

func TestLoadBinderCreationFailure(t *testing.T) {
	boom := errors.New("engine exploded")
	factory := &fakeFactory{createErr: boom}
	b := NewForPush("broken.cbz", factory, zaptest.NewLogger(t))

	err := b.LoadFromBuffer(context.Background(), payload(16))
	assert.ErrorIs(t, err, boom)

	// startedBinding latched even though creation failed; the pipeline can
	// never be entered again.
	assert.True(t, b.StartedBinding())
	assert.False(t, b.FinishedLoading())
	assert.ErrorIs(t, b.LoadFromBuffer(context.Background(), nil), ErrInvalidState)
}

func TestAppendBytesNeverMutatesCallerBuffer(t *testing.T) {
	factory := &fakeFactory{}
	b := NewForPush("copy.cbz", factory, zaptest.NewLogger(t))

	chunk := bytes.Repeat([]byte{0xAA}, 32)
	require.NoError(t, b.LoadFromBuffer(context.Background(), chunk))

	// Mutating the caller's buffer after the load must not reach the book.
	for i := range chunk {
		chunk[i] = 0x00
	}
	assert.Equal(t, bytes.Repeat([]byte{0xAA}, 32), b.Bytes())
}
