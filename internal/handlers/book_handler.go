package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/codedread/kthoom/internal/domain"
	"github.com/codedread/kthoom/internal/middleware"
	"github.com/codedread/kthoom/internal/usecases"
)

const (
	defaultPage    = 1
	defaultPerPage = 20
	maxPerPage     = 100

	uploadChunkSize = 32 * 1024
)

// BookHandler handles HTTP requests for the book shelf
type BookHandler struct {
	usecase *usecases.LibraryUsecase
	health  domain.HealthChecker
	logger  *zap.Logger
}

// NewBookHandler creates a new book handler
func NewBookHandler(usecase *usecases.LibraryUsecase, health domain.HealthChecker, logger *zap.Logger) *BookHandler {
	return &BookHandler{
		usecase: usecase,
		health:  health,
		logger:  logger,
	}
}

// Routes mounts the handler on a chi router.
func (h *BookHandler) Routes(r chi.Router) {
	r.Post("/books", h.UploadBook)
	r.Post("/books/fetch", h.FetchBook)
	r.Get("/books", h.ListBooks)
	r.Get("/books/{id}", h.GetBook)
	r.Get("/books/{id}/progress", h.GetProgress)
	r.Get("/books/{id}/pages/{index}", h.GetPage)
	r.Delete("/books/{id}", h.DeleteBook)
}

// bodyProducer adapts an HTTP request body into a push producer: it reads
// the body in chunks on its own goroutine and pushes them at the listener.
// The book's queue copies each chunk, so the read buffer is reused.
type bodyProducer struct {
	body io.Reader
}

var _ domain.PushProducer = (*bodyProducer)(nil)

func (p *bodyProducer) Subscribe(l domain.ProducerListener) {
	go func() {
		buf := make([]byte, uploadChunkSize)
		for {
			n, err := p.body.Read(buf)
			if n > 0 {
				l.DataReceived(buf[:n])
			}
			if err == io.EOF {
				l.End()
				return
			}
			if err != nil {
				l.Error(err)
				return
			}
		}
	}()
}

// UploadBook handles POST /books: the request body is the archive, streamed
// into a new book as it arrives. Responds once the whole body is consumed;
// extraction may still be running (see the progress endpoint).
func (h *BookHandler) UploadBook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	name := r.URL.Query().Get("name")
	if name == "" {
		h.respondError(w, http.StatusBadRequest, "name query parameter is required", requestID)
		return
	}

	id, err := h.usecase.OpenFromProducer(ctx, name, &bodyProducer{body: r.Body})
	if err != nil {
		h.logger.Error("upload failed",
			zap.String("request_id", requestID),
			zap.String("name", name),
			zap.Error(err),
		)
		h.respondError(w, h.statusFor(err), "failed to load book", requestID)
		return
	}

	h.respondJSON(w, http.StatusCreated, map[string]string{"id": id, "name": name}, requestID)
}

// fetchRequest is the body of POST /books/fetch.
type fetchRequest struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

// FetchBook handles POST /books/fetch: the server streams the archive from
// a remote URI in the background. Responds 202 immediately with the new ID.
func (h *BookHandler) FetchBook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req fetchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", requestID)
		return
	}
	if req.Name == "" || req.URI == "" {
		h.respondError(w, http.StatusBadRequest, "name and uri are required", requestID)
		return
	}

	id, err := h.usecase.OpenFromURI(ctx, req.Name, req.URI)
	if err != nil {
		h.logger.Error("fetch failed",
			zap.String("request_id", requestID),
			zap.String("uri", req.URI),
			zap.Error(err),
		)
		h.respondError(w, h.statusFor(err), "failed to start fetch", requestID)
		return
	}

	h.respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "name": req.Name}, requestID)
}

// ListBooks handles GET /books with pagination
func (h *BookHandler) ListBooks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	page, perPage, err := h.parsePaginationParams(r)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	params := domain.PaginationParams{
		Limit:  perPage,
		Offset: (page - 1) * perPage,
	}

	result, err := h.usecase.ListBooks(ctx, params)
	if err != nil {
		h.logger.Error("failed to list books",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		h.respondError(w, http.StatusInternalServerError, "failed to list books", requestID)
		return
	}

	response := map[string]interface{}{
		"data": result.Items,
		"pagination": map[string]interface{}{
			"page":        page,
			"per_page":    perPage,
			"total":       result.Total,
			"total_pages": (result.Total + perPage - 1) / perPage,
			"has_more":    result.HasMore,
		},
	}

	h.respondJSON(w, http.StatusOK, response, requestID)
}

// GetBook handles GET /books/{id}: the catalog record, plus metadata when
// the book is still on the shelf.
func (h *BookHandler) GetBook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "id parameter is required", requestID)
		return
	}

	rec, err := h.usecase.GetBook(ctx, id)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "book not found", requestID)
		return
	}

	response := map[string]interface{}{"book": rec}
	if md, err := h.usecase.Metadata(id); err == nil {
		response["metadata"] = md
	}

	h.respondJSON(w, http.StatusOK, response, requestID)
}

// GetProgress handles GET /books/{id}/progress
func (h *BookHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	id := chi.URLParam(r, "id")
	progress, err := h.usecase.Progress(id)
	if err != nil {
		h.respondError(w, http.StatusNotFound, "book not found", requestID)
		return
	}

	h.respondJSON(w, http.StatusOK, progress, requestID)
}

// GetPage handles GET /books/{id}/pages/{index}: raw page bytes with the
// page's own MIME type.
func (h *BookHandler) GetPage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id := chi.URLParam(r, "id")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil || index < 0 {
		h.respondError(w, http.StatusBadRequest, "index must be a non-negative integer", requestID)
		return
	}

	page, err := h.usecase.GetPage(ctx, id, index)
	if err != nil {
		h.respondError(w, h.statusFor(err), err.Error(), requestID)
		return
	}

	w.Header().Set("Content-Type", page.MIMEType)
	w.Header().Set("Content-Length", strconv.Itoa(len(page.Data)))
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(page.Data); err != nil {
		h.logger.Warn("failed to write page bytes",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
}

// DeleteBook handles DELETE /books/{id}
func (h *BookHandler) DeleteBook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "id parameter is required", requestID)
		return
	}

	if err := h.usecase.RemoveBook(ctx, id); err != nil {
		h.logger.Error("failed to remove book",
			zap.String("request_id", requestID),
			zap.String("id", id),
			zap.Error(err),
		)
		h.respondError(w, h.statusFor(err), "failed to remove book", requestID)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]string{"message": "book removed"}, requestID)
}

// Health handles GET /health
func (h *BookHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	status := "ok"
	code := http.StatusOK
	if h.health != nil {
		if err := h.health.CheckConnection(ctx); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, code, map[string]interface{}{
		"status":     status,
		"open_books": h.usecase.OpenBooks(),
	}, requestID)
}

// statusFor maps usecase errors onto HTTP status codes.
func (h *BookHandler) statusFor(err error) int {
	switch {
	case errors.Is(err, usecases.ErrBookNotFound), errors.Is(err, usecases.ErrPageNotFound):
		return http.StatusNotFound
	case errors.Is(err, usecases.ErrPageNotReady):
		return http.StatusConflict
	case errors.Is(err, usecases.ErrShelfFull):
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

// parsePaginationParams parses and validates pagination parameters
func (h *BookHandler) parsePaginationParams(r *http.Request) (page, perPage int, err error) {
	pageStr := r.URL.Query().Get("page")
	if pageStr == "" {
		page = defaultPage
	} else {
		page, err = strconv.Atoi(pageStr)
		if err != nil || page < 1 {
			return 0, 0, fmt.Errorf("invalid page parameter: must be a positive integer")
		}
	}

	perPageStr := r.URL.Query().Get("per_page")
	if perPageStr == "" {
		perPage = defaultPerPage
	} else {
		perPage, err = strconv.Atoi(perPageStr)
		if err != nil || perPage < 1 {
			return 0, 0, fmt.Errorf("invalid per_page parameter: must be a positive integer")
		}
		if perPage > maxPerPage {
			perPage = maxPerPage
		}
	}

	return page, perPage, nil
}

// respondJSON sends a JSON response
func (h *BookHandler) respondJSON(w http.ResponseWriter, status int, data interface{}, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
}

// respondError sends an error response
func (h *BookHandler) respondError(w http.ResponseWriter, status int, message, requestID string) {
	h.respondJSON(w, status, map[string]string{
		"error":      message,
		"request_id": requestID,
	}, requestID)
}
