package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/codedread/kthoom/internal/binder"
	"github.com/codedread/kthoom/internal/cache"
	"github.com/codedread/kthoom/internal/domain"
	"github.com/codedread/kthoom/internal/middleware"
	"github.com/codedread/kthoom/internal/usecases"
)

// memRepo is an in-memory catalog standing in for Reindexer.
type memRepo struct {
	mu   sync.Mutex
	recs map[string]*domain.BookRecord
}

var (
	_ domain.BookRepository = (*memRepo)(nil)
	_ domain.HealthChecker  = (*memRepo)(nil)
)

func newMemRepo() *memRepo {
	return &memRepo{recs: make(map[string]*domain.BookRecord)}
}

func (m *memRepo) Create(_ context.Context, rec *domain.BookRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.recs[rec.ID] = &cp
	return nil
}

func (m *memRepo) GetByID(_ context.Context, id string) (*domain.BookRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, fmt.Errorf("not found: %s", id)
	}
	cp := *rec
	return &cp, nil
}

func (m *memRepo) Update(_ context.Context, rec *domain.BookRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.recs[rec.ID] = &cp
	return nil
}

func (m *memRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recs, id)
	return nil
}

func (m *memRepo) ListWithPagination(_ context.Context, params domain.PaginationParams) (*domain.PaginatedResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []*domain.BookRecord
	for _, rec := range m.recs {
		cp := *rec
		items = append(items, &cp)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	total := len(items)
	if params.Offset < len(items) {
		items = items[params.Offset:]
	} else {
		items = nil
	}
	if params.Limit > 0 && len(items) > params.Limit {
		items = items[:params.Limit]
	}
	return &domain.PaginatedResult{
		Items:   items,
		Total:   total,
		Limit:   params.Limit,
		Offset:  params.Offset,
		HasMore: params.Offset+len(items) < total,
	}, nil
}

func (m *memRepo) CheckConnection(context.Context) error  { return nil }
func (m *memRepo) EnsureCollections(context.Context) error { return nil }

// buildCBZ builds a small comic archive in memory.
func buildCBZ(t *testing.T, pages map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make([]string, 0, len(pages))
	for name := range pages {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write(pages[name])
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

// newTestServer assembles the full stack over an in-memory catalog.
func newTestServer(t *testing.T) (*httptest.Server, *usecases.LibraryUsecase) {
	t.Helper()
	logger := zaptest.NewLogger(t)

	repo := newMemRepo()
	pages := cache.NewPageCache(4, 60)
	factory := binder.NewFactory(binder.Options{}, logger)
	usecase := usecases.NewLibraryUsecase(repo, pages, factory, nil, logger, 10, 8)

	handler := NewBookHandler(usecase, repo, logger)
	r := chi.NewRouter()
	r.Use(middleware.LoggingMiddleware(logger))
	r.Get("/health", handler.Health)
	r.Group(handler.Routes)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		usecase.Shutdown()
		factory.Close()
	})
	return srv, usecase
}

func decodeJSON(t *testing.T, body io.Reader, out interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(body).Decode(out))
}

// waitBound polls the catalog until the record reaches the bound state.
// The record update trails the live binding flag, so polling the record
// covers both.
func waitBound(t *testing.T, base, id string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(base + "/books/" + id)
		require.NoError(t, err)
		var detail struct {
			Book domain.BookRecord `json:"book"`
		}
		decodeJSON(t, resp.Body, &detail)
		resp.Body.Close()
		if detail.Book.State == domain.BookStateBound {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("book never reached the bound state")
}

func TestUploadReadAndDeleteBook(t *testing.T) {
	srv, _ := newTestServer(t)

	archive := buildCBZ(t, map[string][]byte{
		"001.jpg": []byte("first-page-bytes"),
		"002.jpg": []byte("second-page-bytes"),
	})

	// Upload.
	resp, err := http.Post(srv.URL+"/books?name=mine.cbz", "application/octet-stream", bytes.NewReader(archive))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	decodeJSON(t, resp.Body, &created)
	resp.Body.Close()
	require.NotEmpty(t, created.ID)

	waitBound(t, srv.URL, created.ID)

	// Progress reflects the live book.
	resp, err = http.Get(srv.URL + "/books/" + created.ID + "/progress")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var progress struct {
		Layout          float64 `json:"layout"`
		FinishedBinding bool    `json:"finished_binding"`
	}
	decodeJSON(t, resp.Body, &progress)
	resp.Body.Close()
	assert.True(t, progress.FinishedBinding)
	assert.Equal(t, float64(100), progress.Layout)

	// Record.
	resp, err = http.Get(srv.URL + "/books/" + created.ID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail struct {
		Book domain.BookRecord `json:"book"`
	}
	decodeJSON(t, resp.Body, &detail)
	resp.Body.Close()
	assert.Equal(t, "mine.cbz", detail.Book.Name)
	assert.Equal(t, domain.BookStateBound, detail.Book.State)
	assert.Equal(t, 2, detail.Book.Pages)

	// First page, twice: second read comes from the page cache.
	for i := 0; i < 2; i++ {
		resp, err = http.Get(srv.URL + "/books/" + created.ID + "/pages/0")
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		require.NoError(t, err)
		assert.Equal(t, []byte("first-page-bytes"), body)
	}

	// Out of range.
	resp, err = http.Get(srv.URL + "/books/" + created.ID + "/pages/9")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()

	// Delete, then the book is gone.
	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/books/"+created.ID, nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(srv.URL + "/books/" + created.ID + "/progress")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestUploadRequiresName(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/books", "application/octet-stream", bytes.NewReader([]byte("PK")))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestFetchStreamsFromRemote(t *testing.T) {
	archive := buildCBZ(t, map[string][]byte{
		"a.jpg": bytes.Repeat([]byte{0xA1}, 1000),
		"b.jpg": bytes.Repeat([]byte{0xB2}, 1000),
		"c.jpg": bytes.Repeat([]byte{0xC3}, 1000),
	})
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer remote.Close()

	srv, _ := newTestServer(t)

	payload, err := json.Marshal(map[string]string{"name": "remote.cbz", "uri": remote.URL})
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/books/fetch", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created struct {
		ID string `json:"id"`
	}
	decodeJSON(t, resp.Body, &created)
	resp.Body.Close()

	waitBound(t, srv.URL, created.ID)

	resp, err = http.Get(srv.URL + "/books/" + created.ID + "/pages/2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xC3}, 1000), body)
}

func TestFetchValidatesBody(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/books/fetch", "application/json", bytes.NewReader([]byte(`{"name":""}`)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestListBooksPagination(t *testing.T) {
	srv, _ := newTestServer(t)

	archive := buildCBZ(t, map[string][]byte{"p.jpg": []byte("x")})
	for i := 0; i < 3; i++ {
		resp, err := http.Post(
			srv.URL+fmt.Sprintf("/books?name=book-%d.cbz", i),
			"application/octet-stream",
			bytes.NewReader(archive),
		)
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp, err := http.Get(srv.URL + "/books?page=1&per_page=2")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Data       []domain.BookRecord `json:"data"`
		Pagination struct {
			Total   int  `json:"total"`
			HasMore bool `json:"has_more"`
		} `json:"pagination"`
	}
	decodeJSON(t, resp.Body, &listing)
	resp.Body.Close()

	assert.Len(t, listing.Data, 2)
	assert.Equal(t, 3, listing.Pagination.Total)
	assert.True(t, listing.Pagination.HasMore)
}

func TestGetPageRejectsBadIndex(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/books/whatever/pages/notanumber")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health struct {
		Status    string `json:"status"`
		OpenBooks int    `json:"open_books"`
	}
	decodeJSON(t, resp.Body, &health)
	resp.Body.Close()
	assert.Equal(t, "ok", health.Status)
	assert.Zero(t, health.OpenBooks)
}
